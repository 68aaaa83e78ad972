package store

import (
	"strconv"
	"strings"
)

// dialect captures the few differences between SQLite and PostgreSQL the
// store has to care about. Queries are written with '?' placeholders and
// rebound per dialect.
type dialect struct {
	name       string // db.system value used in spans
	driver     string // database/sql driver name
	blobType   string
	positional bool // $1, $2 ... placeholders
}

var (
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite", blobType: "BLOB"}
	postgresDialect = dialect{name: "postgresql", driver: "postgres", blobType: "BYTEA", positional: true}
)

// rebind rewrites '?' placeholders for dialects that use positional ones.
func (d dialect) rebind(query string) string {
	if !d.positional {
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

// schema returns the DDL statements. Timestamps and durations are stored as
// Unix milliseconds so both engines share one layout.
func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS pages (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			first_visit_ms BIGINT NOT NULL DEFAULT 0,
			last_visit_ms BIGINT NOT NULL DEFAULT 0,
			visit_count INTEGER NOT NULL DEFAULT 0,
			active_time_ms BIGINT NOT NULL DEFAULT 0,
			personal_score DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS visits (
			id TEXT PRIMARY KEY,
			page_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			start_ms BIGINT NOT NULL,
			end_ms BIGINT,
			active_time_ms BIGINT NOT NULL DEFAULT 0,
			from_page_id TEXT NOT NULL DEFAULT '',
			is_back_navigation BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_page ON visits(page_id)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_session ON visits(session_id)`,
		`CREATE TABLE IF NOT EXISTS edges (
			from_page_id TEXT NOT NULL,
			to_page_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			count INTEGER NOT NULL DEFAULT 0,
			first_traversal_ms BIGINT NOT NULL DEFAULT 0,
			last_traversal_ms BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (from_page_id, to_page_id, session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			start_ms BIGINT NOT NULL,
			last_activity_ms BIGINT NOT NULL,
			active_time_ms BIGINT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS model_weights (
			weights_key TEXT PRIMARY KEY,
			codec TEXT NOT NULL,
			data ` + d.blobType + ` NOT NULL,
			updated_ms BIGINT NOT NULL
		)`,
	}
}
