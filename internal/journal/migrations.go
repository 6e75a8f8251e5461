package journal

import "embed"

// Migrations holds the goose migration files for the journal schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS
