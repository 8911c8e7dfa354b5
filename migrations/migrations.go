// Package migrations embeds the schema migrations. The appointments
// exclusion constraint created here is the storage-level backstop for the
// no-overlap invariant; application layers exist to avoid hitting it, not to
// replace it.
package migrations

import (
	"embed"

	"github.com/uptrace/bun/migrate"
)

var Migrations = migrate.NewMigrations()

//go:embed *.sql
var sqlMigrations embed.FS

func init() {
	if err := Migrations.Discover(sqlMigrations); err != nil {
		panic(err)
	}
}
