// Package store persists browsing history and ranker weights in SQL.
// Open returns an embedded SQLite store; OpenPostgres a PostgreSQL one.
// Both implement history.Repository and ranking.WeightStore.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/recall/internal/history"
	"github.com/onnwee/recall/internal/ranking"
	"github.com/onnwee/recall/internal/tracing"
)

// Store is a SQL-backed history repository and weight store.
// All methods are safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect dialect
	codec   ranking.Codec
}

var (
	_ history.Repository  = (*Store)(nil)
	_ ranking.WeightStore = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithCodec sets the encoding of persisted weights (JSON by default).
func WithCodec(c ranking.Codec) Option {
	return func(s *Store) {
		if c != nil {
			s.codec = c
		}
	}
}

func newStore(db *sql.DB, d dialect, opts ...Option) (*Store, error) {
	s := &Store{db: db, dialect: d, codec: ranking.JSONCodec{}}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.createTables(context.Background()); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns "sqlite" or "postgresql".
func (s *Store) Driver() string {
	return s.dialect.name
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) span(ctx context.Context, table string, op tracing.DBOperation) (context.Context, func(error)) {
	return tracing.StartDBSpan(ctx, s.dialect.name, table, op)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// GetAllPages implements history.Repository.
func (s *Store) GetAllPages(ctx context.Context) (pages []history.Page, err error) {
	ctx, end := s.span(ctx, "pages", tracing.DBOperationQuery)
	defer func() { end(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, title, domain, first_visit_ms, last_visit_ms,
		       visit_count, active_time_ms, personal_score
		FROM pages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p history.Page
		var first, last, active int64
		if err := rows.Scan(&p.ID, &p.URL, &p.Title, &p.Domain, &first, &last,
			&p.VisitCount, &active, &p.PersonalScore); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.FirstVisit = fromMillis(first)
		p.LastVisit = fromMillis(last)
		p.TotalActiveTime = time.Duration(active) * time.Millisecond
		p.PersonalScore = history.ClampScore(p.PersonalScore)
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// GetAllVisits implements history.Repository.
func (s *Store) GetAllVisits(ctx context.Context) (visits []history.Visit, err error) {
	ctx, end := s.span(ctx, "visits", tracing.DBOperationQuery)
	defer func() { end(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, page_id, session_id, start_ms, end_ms, active_time_ms,
		       from_page_id, is_back_navigation
		FROM visits ORDER BY start_ms, id`)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v history.Visit
		var start, active int64
		var endMs sql.NullInt64
		if err := rows.Scan(&v.ID, &v.PageID, &v.SessionID, &start, &endMs, &active,
			&v.FromPageID, &v.IsBackNavigation); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		v.StartTime = fromMillis(start)
		if endMs.Valid {
			t := fromMillis(endMs.Int64)
			v.EndTime = &t
		}
		v.TotalActiveTime = time.Duration(active) * time.Millisecond
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// GetAllEdges implements history.Repository.
func (s *Store) GetAllEdges(ctx context.Context) (edges []history.Edge, err error) {
	ctx, end := s.span(ctx, "edges", tracing.DBOperationQuery)
	defer func() { end(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT from_page_id, to_page_id, session_id, count,
		       first_traversal_ms, last_traversal_ms
		FROM edges ORDER BY from_page_id, to_page_id, session_id`)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e history.Edge
		var first, last int64
		if err := rows.Scan(&e.FromPageID, &e.ToPageID, &e.SessionID, &e.Count, &first, &last); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.FirstTraversal = fromMillis(first)
		e.LastTraversal = fromMillis(last)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// GetAllSessions implements history.Repository.
func (s *Store) GetAllSessions(ctx context.Context) (sessions []history.Session, err error) {
	ctx, end := s.span(ctx, "sessions", tracing.DBOperationQuery)
	defer func() { end(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_ms, last_activity_ms, active_time_ms, is_active
		FROM sessions ORDER BY start_ms, id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ss history.Session
		var start, last, active int64
		if err := rows.Scan(&ss.ID, &start, &last, &active, &ss.IsActive); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ss.StartTime = fromMillis(start)
		ss.LastActivityAt = fromMillis(last)
		ss.TotalActiveTime = time.Duration(active) * time.Millisecond
		sessions = append(sessions, ss)
	}
	return sessions, rows.Err()
}

// UpdatePersonalScore implements history.Repository. The score is clamped
// to [0,1] before it is written.
func (s *Store) UpdatePersonalScore(ctx context.Context, pageID string, score float64) (err error) {
	ctx, end := s.span(ctx, "pages", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	res, err := s.exec(ctx, `UPDATE pages SET personal_score = ? WHERE id = ?`,
		history.ClampScore(score), pageID)
	if err != nil {
		return fmt.Errorf("update personal score: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update personal score: %w", err)
	}
	if n == 0 {
		return history.ErrPageNotFound
	}
	return nil
}

// SavePage inserts or replaces a page.
func (s *Store) SavePage(ctx context.Context, p history.Page) error {
	return s.savePage(ctx, s.db, p)
}

func (s *Store) savePage(ctx context.Context, x execer, p history.Page) (err error) {
	p, err = history.NewPage(p)
	if err != nil {
		return err
	}
	ctx, end := s.span(ctx, "pages", tracing.DBOperationUpsert)
	defer func() { end(err) }()

	_, err = x.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO pages (id, url, title, domain, first_visit_ms, last_visit_ms,
		                   visit_count, active_time_ms, personal_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			url = excluded.url,
			title = excluded.title,
			domain = excluded.domain,
			first_visit_ms = excluded.first_visit_ms,
			last_visit_ms = excluded.last_visit_ms,
			visit_count = excluded.visit_count,
			active_time_ms = excluded.active_time_ms,
			personal_score = excluded.personal_score`),
		p.ID, p.URL, p.Title, p.Domain, toMillis(p.FirstVisit), toMillis(p.LastVisit),
		p.VisitCount, p.TotalActiveTime.Milliseconds(), p.PersonalScore)
	if err != nil {
		return fmt.Errorf("save page: %w", err)
	}
	return nil
}

// AddVisit appends a visit. Visits are never updated.
func (s *Store) AddVisit(ctx context.Context, v history.Visit) error {
	return s.addVisit(ctx, s.db, v)
}

func (s *Store) addVisit(ctx context.Context, x execer, v history.Visit) (err error) {
	v, err = history.NewVisit(v)
	if err != nil {
		return err
	}
	ctx, end := s.span(ctx, "visits", tracing.DBOperationInsert)
	defer func() { end(err) }()

	var endMs sql.NullInt64
	if v.EndTime != nil {
		endMs = sql.NullInt64{Int64: toMillis(*v.EndTime), Valid: true}
	}
	_, err = x.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO visits (id, page_id, session_id, start_ms, end_ms, active_time_ms,
		                    from_page_id, is_back_navigation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.PageID, v.SessionID, toMillis(v.StartTime), endMs,
		v.TotalActiveTime.Milliseconds(), v.FromPageID, v.IsBackNavigation)
	if err != nil {
		return fmt.Errorf("add visit: %w", err)
	}
	return nil
}

// AddEdge records traversals. An existing (from, to, session) edge has its
// count increased and its last traversal moved forward.
func (s *Store) AddEdge(ctx context.Context, e history.Edge) error {
	return s.addEdge(ctx, s.db, e)
}

func (s *Store) addEdge(ctx context.Context, x execer, e history.Edge) (err error) {
	e, err = history.NewEdge(e)
	if err != nil {
		return err
	}
	ctx, end := s.span(ctx, "edges", tracing.DBOperationUpsert)
	defer func() { end(err) }()

	_, err = x.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO edges (from_page_id, to_page_id, session_id, count,
		                   first_traversal_ms, last_traversal_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (from_page_id, to_page_id, session_id) DO UPDATE SET
			count = edges.count + excluded.count,
			last_traversal_ms = CASE
				WHEN excluded.last_traversal_ms > edges.last_traversal_ms THEN excluded.last_traversal_ms
				ELSE edges.last_traversal_ms
			END`),
		e.FromPageID, e.ToPageID, e.SessionID, e.Count,
		toMillis(e.FirstTraversal), toMillis(e.LastTraversal))
	if err != nil {
		return fmt.Errorf("add edge: %w", err)
	}
	return nil
}

// SaveSession inserts or replaces a session.
func (s *Store) SaveSession(ctx context.Context, ss history.Session) error {
	return s.saveSession(ctx, s.db, ss)
}

func (s *Store) saveSession(ctx context.Context, x execer, ss history.Session) (err error) {
	ss, err = history.NewSession(ss)
	if err != nil {
		return err
	}
	ctx, end := s.span(ctx, "sessions", tracing.DBOperationUpsert)
	defer func() { end(err) }()

	_, err = x.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO sessions (id, start_ms, last_activity_ms, active_time_ms, is_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			start_ms = excluded.start_ms,
			last_activity_ms = excluded.last_activity_ms,
			active_time_ms = excluded.active_time_ms,
			is_active = excluded.is_active`),
		ss.ID, toMillis(ss.StartTime), toMillis(ss.LastActivityAt),
		ss.TotalActiveTime.Milliseconds(), ss.IsActive)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Import writes a whole snapshot in one transaction. Pages and sessions are
// upserted, visits already present are skipped and edges are merged. If any
// record fails, nothing is written.
func (s *Store) Import(ctx context.Context, snap *history.Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	// no-op after a successful commit
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback import: %w", rbErr))
		}
	}()

	for _, p := range snap.Pages {
		if err := s.savePage(ctx, tx, p); err != nil {
			return fmt.Errorf("page %q: %w", p.ID, err)
		}
	}
	for _, ss := range snap.Sessions {
		if err := s.saveSession(ctx, tx, ss); err != nil {
			return fmt.Errorf("session %q: %w", ss.ID, err)
		}
	}
	existing, err := visitIDs(ctx, tx)
	if err != nil {
		return err
	}
	for _, v := range snap.Visits {
		if _, ok := existing[v.ID]; ok {
			continue
		}
		if err := s.addVisit(ctx, tx, v); err != nil {
			return fmt.Errorf("visit %q: %w", v.ID, err)
		}
		existing[v.ID] = struct{}{}
	}
	for _, e := range snap.Edges {
		if err := s.addEdge(ctx, tx, e); err != nil {
			return fmt.Errorf("edge %s->%s: %w", e.FromPageID, e.ToPageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

func visitIDs(ctx context.Context, x execer) (map[string]struct{}, error) {
	rows, err := x.QueryContext(ctx, `SELECT id FROM visits`)
	if err != nil {
		return nil, fmt.Errorf("query visit ids: %w", err)
	}
	defer rows.Close()
	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan visit id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// GetModelWeights implements ranking.WeightStore.
func (s *Store) GetModelWeights(ctx context.Context, key string) (w *ranking.ModelWeights, err error) {
	ctx, end := s.span(ctx, "model_weights", tracing.DBOperationQuery)
	defer func() { end(err) }()

	var codecName string
	var data []byte
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT codec, data FROM model_weights WHERE weights_key = ?`), key).Scan(&codecName, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query model weights: %w", err)
	}

	codec := s.codec
	if codecName != codec.Name() {
		if codec, err = ranking.CodecByName(codecName); err != nil {
			return nil, err
		}
	}
	decoded, err := codec.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return &decoded, nil
}

// SaveModelWeights implements ranking.WeightStore.
func (s *Store) SaveModelWeights(ctx context.Context, key string, w ranking.ModelWeights) (err error) {
	ctx, end := s.span(ctx, "model_weights", tracing.DBOperationUpsert)
	defer func() { end(err) }()

	data, err := s.codec.Marshal(w)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO model_weights (weights_key, codec, data, updated_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (weights_key) DO UPDATE SET
			codec = excluded.codec,
			data = excluded.data,
			updated_ms = excluded.updated_ms`,
		key, s.codec.Name(), data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save model weights: %w", err)
	}
	return nil
}
