// cmd/flowq-migrate/main.go
package main

import (
	"fmt"
	"os"

	"github.com/Tryliate/Tryliate-sub001/internal/config"
	internal_storage "github.com/Tryliate/Tryliate-sub001/internal/storage"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "flowq-migrate"}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Run: func(cmd *cobra.Command, args []string) {
		connStr := connString(cmd)
		if err := internal_storage.MigrateUp(connStr); err != nil {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	Run: func(cmd *cobra.Command, args []string) {
		steps, _ := cmd.Flags().GetInt("steps")
		if err := internal_storage.MigrateDown(connString(cmd), steps); err != nil {
			fmt.Printf("Failed to roll back migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Rolled back %d migration(s)\n", steps)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	Run: func(cmd *cobra.Command, args []string) {
		v, dirty, err := internal_storage.MigrationVersion(connString(cmd))
		if err != nil {
			fmt.Printf("Failed to read version: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Schema version %d (dirty: %t)\n", v, dirty)
	},
}

// connString prefers --db, then DATABASE_URL or DB_* from the environment or .env.
func connString(cmd *cobra.Command) string {
	connStr, _ := cmd.Flags().GetString("db")
	if connStr != "" {
		return connStr
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Println("Error: --db flag, DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		os.Exit(1)
	}
	return cfg.DatabaseURL
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DATABASE_URL or DB_* env vars are set)")
	downCmd.Flags().Int("steps", 1, "Number of migrations to roll back")
	rootCmd.AddCommand(upCmd, downCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
