// Package storage provides SQLite persistence for the credential and the lock inventory.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// The database sees one credential row rewritten after each token refresh
// and a handful of inventory upserts per sweep. Reads happen at startup and
// from the health probe.
var pragmas = url.Values{
	"_journal_mode": {"WAL"},
	"_synchronous":  {"NORMAL"},
	// Sweeps upsert the inventory from several goroutines at once.
	"_busy_timeout": {"5000"},
}

// DB is the bridge database handle.
type DB struct {
	*sql.DB
	path string
}

// NewDB opens (or creates) the SQLite file at path.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", path+"?"+pragmas.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to database %s: %w", path, err)
	}

	// One writer plus the health probe.
	conn.SetMaxOpenConns(2)
	conn.SetMaxIdleConns(1)

	return &DB{DB: conn, path: path}, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Transaction runs fn in a transaction and commits only if fn succeeds.
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
