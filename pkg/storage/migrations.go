package storage

import "embed"

// Migrations holds the Postgres schema migrations, applied with goose by
// cmd/mastiff-migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS
