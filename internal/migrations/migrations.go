// Package migrations embeds the Postgres schema of the sync store.
package migrations

import "embed"

// Files holds the NNN_name.sql files, applied in name order by
// store.ApplyMigrations.
//
//go:embed *.sql
var Files embed.FS
