package store

import (
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory SQLite database.
const MemoryPath = ":memory:"

var memorySeq atomic.Int64

// Open opens (creating if needed) the SQLite database at path and ensures
// the schema exists. File databases use WAL mode.
func Open(path string, opts ...Option) (*Store, error) {
	connStr := path
	if path == MemoryPath {
		// named shared cache: pooled connections see one database, separate
		// Open calls do not
		connStr = fmt.Sprintf("file:recall-mem-%d?mode=memory&cache=shared", memorySeq.Add(1))
	}

	db, err := sql.Open(sqliteDialect.driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if path != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	s, err := newStore(db, sqliteDialect, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
