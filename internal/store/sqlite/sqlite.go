package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/plugind/internal/store"
)

// Dialect is the SQLite schema (modernc.org/sqlite driver, CGO-free).
var Dialect = store.Dialect{
	Name: "sqlite",
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
			updated_at TIMESTAMP NOT NULL
		);`,
	},
}

// New opens a SQLite database at path. Use ":memory:" for in-memory.
func New(path string) (*store.SQL, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// in-memory databases are per connection
	if p == ":memory:" {
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return store.NewSQL(d, Dialect), nil
}
