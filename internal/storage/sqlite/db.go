// Package sqlite persists the RoutePilot ledger: receipts, traces, quota
// counters, and chat sessions, via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// dsnParams enable WAL and a busy timeout so the single writer and the
// reader pool can coexist on one file.
const dsnParams = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

// Store implements storage.Store. Writes go through a one-connection pool
// so quota transactions serialize; reads get their own pool.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the ledger at dsn, applies migrations, and returns a Store.
func New(dsn string) (*Store, error) {
	full := "file:" + dsn + "?" + dsnParams
	if dsn == ":memory:" {
		// Shared cache keeps both pools on the same in-memory database.
		full = "file::memory:?mode=memory&cache=shared&" + dsnParams
	}

	write, err := open(full, 1)
	if err != nil {
		return nil, err
	}
	read, err := open(full, max(4, runtime.NumCPU()))
	if err != nil {
		write.Close()
		return nil, err
	}

	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &Store{write: write, read: read}, nil
}

func open(dsn string, conns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(conns)
	return db, nil
}

// migrate applies the embedded goose migrations. fs.Sub strips the
// directory prefix so goose sees the files at the FS root.
func migrate(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = p.Up(context.Background())
	return err
}

// Ping reports ledger reachability; the metrics listener uses it as the
// readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
