package migrations

import "embed"

// MigrationsFS embeds the archive schema migrations.
//
//go:embed *.sql
var MigrationsFS embed.FS
