// Package sqlstore persists regions, alerts, baselines, fused events and
// period metrics in SQLite (modernc.org/sqlite) or PostgreSQL (lib/pq).
// One schema serves both; queries are written with ? placeholders and
// rebound for PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/adapter/sqlstore/migrations"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// sqlitePragmas is appended to a bare SQLite path.
const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
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

// Store is the SQL-backed persistence layer.
type Store struct {
	db      *sql.DB
	dialect dialect
	clock   clockwork.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for created_at/updated_at stamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// Open connects to the database and applies embedded migrations. For
// SQLite, dsn may be a plain file path; for PostgreSQL it is a lib/pq
// connection string.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var d dialect
	switch driver {
	case DriverSQLite:
		d = dialectSQLite
		if !strings.Contains(dsn, "?") {
			dsn += "?" + sqlitePragmas
		}
	case DriverPostgres:
		d = dialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if d == dialectSQLite {
		// A single writer connection avoids SQLITE_BUSY between parallel regions.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}
	if err := applyMigrations(ctx, db, d, migrations.FS, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db, dialect: d, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

// inTx runs fn in a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}
