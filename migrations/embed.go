// Package migrations embeds SQL migration files into the binary.
//
// This allows the store to run migrations without needing the SQL files
// present on the filesystem - they're compiled into the executable.
//
// Each dialect has its own directory; database.Migrate picks the one
// matching the open pool.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/database"
)

//go:embed sqlite/*.sql postgres/*.sql
var migrationsFS embed.FS

func init() {
	// Register embedded migrations with the database package.
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Dialect directories are at the root of the embedded FS
}
