// Package migrations embeds the SQL schema applied by EnsureSchema and flowq-migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
