// Package migrations embeds the per-service PostgreSQL schema.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed account/*.sql
var accountFS embed.FS

//go:embed deposit/*.sql
var depositFS embed.FS

// Account returns the account service migrations.
func Account() fs.FS {
	sub, _ := fs.Sub(accountFS, "account")
	return sub
}

// Deposit returns the deposit service migrations.
func Deposit() fs.FS {
	sub, _ := fs.Sub(depositFS, "deposit")
	return sub
}
