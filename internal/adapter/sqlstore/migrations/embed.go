package migrations

import "embed"

// FS contains the embedded schema migrations. Every statement is valid for
// both SQLite and PostgreSQL.
//
//go:embed *.sql
var FS embed.FS
