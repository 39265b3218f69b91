package postgres

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/plugind/internal/store"
)

var Dialect = store.Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS download_resumes(
			position INTEGER NOT NULL,
			destination TEXT NOT NULL PRIMARY KEY,
			source TEXT NOT NULL,
			hash TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS plugin_configurations(
			callsign TEXT NOT NULL PRIMARY KEY,
			configuration TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	},
}

// New opens a PostgreSQL store through pgx's database/sql driver. No connection is made until first use.
func New(dsn string) (*store.SQL, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return store.NewSQL(d, Dialect), nil
}
