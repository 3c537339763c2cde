package migrations

import "embed"

// FS contains embedded SQLite migrations for the engine journal.
//
//go:embed *.sql
var FS embed.FS
