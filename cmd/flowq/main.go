package main

import (
	"fmt"
	"os"

	"github.com/Tryliate/Tryliate-sub001/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flowq",
	Short: "Durable job queue and workflow executor",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
