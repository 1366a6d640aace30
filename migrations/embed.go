// Package migrations embeds the bridge's SQL schema into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

// Source returns the embedded migration set for database.DB.Migrate.
func Source() database.MigrationSource {
	return database.MigrationSource{FS: files, Dir: "."}
}
