package store

import (
	"embed"
	"io/fs"
)

//go:embed migrations
var migrationsEmbed embed.FS

// MigrationsFS returns the migrations shipped with the binary, rooted
// so that migration files sit at the top level.
func MigrationsFS() (fs.FS, error) {
	return fs.Sub(migrationsEmbed, "migrations")
}
