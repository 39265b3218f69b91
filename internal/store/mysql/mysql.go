package mysql

import (
	"database/sql"
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/loykin/plugind/internal/store"
)

var Dialect = store.Dialect{
	Name: "mysql",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS download_resumes(
			position INT NOT NULL,
			destination VARCHAR(512) NOT NULL PRIMARY KEY,
			source TEXT NOT NULL,
			hash VARCHAR(256) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plugin_configurations(
			callsign VARCHAR(255) NOT NULL PRIMARY KEY,
			configuration MEDIUMTEXT NOT NULL,
			updated_at DATETIME(6) NOT NULL
		)`,
	},
}

// New opens a MySQL store. dsn uses the go-sql-driver format, e.g.
// "user:pass@tcp(127.0.0.1:3306)/plugind". parseTime is always enabled.
func New(dsn string) (*store.SQL, error) {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	conn, err := driver.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(conn)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return store.NewSQL(db, Dialect), nil
}
