package factory

import (
	"strings"

	"github.com/loykin/plugind/internal/store"
	fs "github.com/loykin/plugind/internal/store/file"
	my "github.com/loykin/plugind/internal/store/mysql"
	pg "github.com/loykin/plugind/internal/store/postgres"
	sq "github.com/loykin/plugind/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - memory:   "memory://"
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - mysql:    "mysql://<go-sql-driver dsn>"
//   - yaml:     "file://<path>" or a bare path ending in .yaml/.yml
//   - sqlite:   "sqlite://<path>" or any other bare path
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return nil, store.ErrEmptyDSN
	case strings.HasPrefix(ld, "memory://"):
		return store.NewMemory(), nil
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "mysql://"):
		return my.New(d[len("mysql://"):])
	case strings.HasPrefix(ld, "file://"):
		return fs.New(d[len("file://"):])
	case strings.HasSuffix(ld, ".yaml"), strings.HasSuffix(ld, ".yml"):
		return fs.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	}
	// default to sqlite path
	return sq.New(d)
}
