// Package migrations holds the PostgreSQL schema of the EHR access layer.
package migrations

import "embed"

// FS contains the numbered migration files.
//
//go:embed *.sql
var FS embed.FS
