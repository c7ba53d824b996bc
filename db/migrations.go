// Package db embeds the SQL schema of the primary vote ledger.
package db

import "embed"

// Migrations holds the numbered up/down scripts under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS
