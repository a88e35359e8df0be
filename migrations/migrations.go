// Package migrations embeds the goose migrations for every supported store.
package migrations

import "embed"

// SQLite holds the sqlite3 migrations under the "sqlite" directory.
//
//go:embed sqlite/*.sql
var SQLite embed.FS

// Postgres holds the postgres migrations under the "postgres" directory.
//
//go:embed postgres/*.sql
var Postgres embed.FS
