// Package db opens the Postgres handle used by the repository and embeds the
// schema migrations.
package db

import (
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Open opens a Postgres connection using the given DSN through the pgx
// database/sql driver. Caller must call Close when done.
func Open(dsn string) (*sqlx.DB, error) {
	return sqlx.Connect("pgx", dsn)
}
