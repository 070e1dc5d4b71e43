// Package migrations embeds the goose SQL migrations and demo seed data for
// the portal schema.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed *.sql
var EmbedMigrations embed.FS

//go:embed seeds/*.sql
var embedSeeds embed.FS

// Seeds returns the seed files rooted at the seeds directory.
func Seeds() fs.FS {
	sub, err := fs.Sub(embedSeeds, "seeds")
	if err != nil {
		panic(err)
	}
	return sub
}
