package db

import "embed"

// MigrationFS embeds the SQL migrations in internal/db/migrations. cmd/migrate and the server's
// postgres startup path apply them with golang-migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
