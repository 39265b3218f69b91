package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
	// Schema is executed statement by statement by EnsureSchema.
	Schema []string
}

// SQL implements Store over database/sql. Driver packages construct it.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQL(db *sql.DB, d Dialect) *SQL { return &SQL{db: db, dialect: d} }

// DB exposes the handle for backend-specific tuning and tests.
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Dialect() string { return s.dialect.Name }

func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, q := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

func (s *SQL) LoadResumes(ctx context.Context) ([]ResumeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT destination, source, hash FROM download_resumes ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]ResumeEntry, 0)
	for rows.Next() {
		var e ResumeEntry
		if err := rows.Scan(&e.Destination, &e.Source, &e.Hash); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQL) SaveResumes(ctx context.Context, entries []ResumeEntry) error {
	return s.replace(ctx, "download_resumes", func(tx *sql.Tx) error {
		q := s.rebind(`INSERT INTO download_resumes(position, destination, source, hash) VALUES(?, ?, ?, ?)`)
		for i, e := range entries {
			if _, err := tx.ExecContext(ctx, q, i, e.Destination, e.Source, e.Hash); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQL) LoadConfigurations(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT callsign, configuration FROM plugin_configurations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[string]string{}
	for rows.Next() {
		var cs, blob string
		if err := rows.Scan(&cs, &blob); err != nil {
			return nil, err
		}
		out[cs] = blob
	}
	return out, rows.Err()
}

func (s *SQL) SaveConfigurations(ctx context.Context, configs map[string]string) error {
	now := time.Now().UTC()
	return s.replace(ctx, "plugin_configurations", func(tx *sql.Tx) error {
		q := s.rebind(`INSERT INTO plugin_configurations(callsign, configuration, updated_at) VALUES(?, ?, ?)`)
		for _, cs := range sortedKeys(configs) {
			if _, err := tx.ExecContext(ctx, q, cs, configs[cs], now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQL) Close() error { return s.db.Close() }

// replace clears table and refills it with fill inside one transaction.
func (s *SQL) replace(ctx context.Context, table string, fill func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fill(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("write %s: %w", table, err)
	}
	return tx.Commit()
}

func (s *SQL) rebind(q string) string {
	if !s.dialect.Numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
