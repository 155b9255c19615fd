package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// connParams are the go-sqlite3 DSN options every session database uses.
var connParams = []string{
	"_journal_mode=WAL",
	"_busy_timeout=5000",
	"_foreign_keys=on",
	"_synchronous=NORMAL",
}

const openTimeout = 5 * time.Second

// DB is a session's imclient.db. The embedded *sql.DB is exposed for tests
// and ad hoc queries.
type DB struct {
	*sql.DB
	path string
}

// Open opens the sqlite file at path, creating it when missing, and checks
// that it is usable.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?"+strings.Join(connParams, "&"))
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: %s not usable: %w", path, err)
	}
	return &DB{DB: conn, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}
