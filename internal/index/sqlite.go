// Package index implements the relational Blob/Entry index and the
// task-scheduler tables it shares a database with.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Options configures the underlying SQLite connection, mirroring the
// corpus's thin-wrapper sqlite.Options defaults.
type Options struct {
	JournalMode     string
	Synchronous     string
	BusyTimeout     time.Duration
	ForeignKeys     *bool
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DB is a thin wrapper over *sql.DB, PRAGMA-tuned for the index and
// scheduler workloads (WAL journal, NORMAL sync, foreign keys on).
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite file at path with opts applied.
func Open(path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, errors.New("index: empty path")
	}

	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	sync := opts.Synchronous
	if sync == "" {
		sync = "NORMAL"
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	} else {
		// SQLite allows only one writer; a single connection avoids
		// SQLITE_BUSY storms under concurrent claim attempts.
		db.SetMaxOpenConns(1)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", journal),
		fmt.Sprintf("PRAGMA synchronous=%s", sync),
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
	}
	if opts.ForeignKeys == nil || *opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys=ON")
	} else {
		pragmas = append(pragmas, "PRAGMA foreign_keys=OFF")
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("index: apply %s: %w", p, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Exec runs a statement without returning rows.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

// Query runs a statement and returns the resulting rows.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a statement expected to return at most one row.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction.
func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, opts)
}

// Underlying exposes the raw *sql.DB for callers that need it (migrations,
// tooling).
func (d *DB) Underlying() *sql.DB { return d.db }
