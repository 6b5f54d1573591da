// Package migrations embeds the colony schema so the server and the
// seeding tool can apply it from any working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in filename order:
// 001_initial.sql creates the core tables, 002_search.sql the embedding
// outbox.
//
//go:embed *.sql
var FS embed.FS
