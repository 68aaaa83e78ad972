package history

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository is an in-memory implementation of Repository for testing
// and for running the engine without a database.
type InMemoryRepository struct {
	mu       sync.RWMutex
	pages    map[string]Page
	order    []string // page insertion order
	visits   []Visit
	edges    []Edge
	sessions []Session
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		pages: make(map[string]Page),
	}
}

// GetAllPages returns every page in insertion order.
func (r *InMemoryRepository) GetAllPages(ctx context.Context) ([]Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Page, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.pages[id])
	}
	return result, nil
}

// GetAllVisits returns a copy of every visit.
func (r *InMemoryRepository) GetAllVisits(ctx context.Context) ([]Visit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Visit, len(r.visits))
	copy(result, r.visits)
	return result, nil
}

// GetAllEdges returns a copy of every edge.
func (r *InMemoryRepository) GetAllEdges(ctx context.Context) ([]Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Edge, len(r.edges))
	copy(result, r.edges)
	return result, nil
}

// GetAllSessions returns a copy of every session.
func (r *InMemoryRepository) GetAllSessions(ctx context.Context) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Session, len(r.sessions))
	copy(result, r.sessions)
	return result, nil
}

// UpdatePersonalScore stores the clamped score on an existing page.
func (r *InMemoryRepository) UpdatePersonalScore(ctx context.Context, pageID string, score float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[pageID]
	if !ok {
		return ErrPageNotFound
	}
	p.PersonalScore = ClampScore(score)
	r.pages[pageID] = p
	return nil
}

// AddPage validates and inserts or replaces a page.
func (r *InMemoryRepository) AddPage(p Page) error {
	p, err := NewPage(p)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pages[p.ID]; !exists {
		r.order = append(r.order, p.ID)
	}
	r.pages[p.ID] = p
	return nil
}

// AddVisit validates and appends a visit.
func (r *InMemoryRepository) AddVisit(v Visit) error {
	v, err := NewVisit(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visits = append(r.visits, v)
	return nil
}

// AddEdge validates an edge and merges it into an existing (from, to) pair.
func (r *InMemoryRepository) AddEdge(e Edge) error {
	e, err := NewEdge(e)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.edges {
		if r.edges[i].FromPageID == e.FromPageID && r.edges[i].ToPageID == e.ToPageID {
			r.edges[i].Count += e.Count
			if e.LastTraversal.After(r.edges[i].LastTraversal) {
				r.edges[i].LastTraversal = e.LastTraversal
			}
			return nil
		}
	}
	r.edges = append(r.edges, e)
	return nil
}

// AddSession validates and appends a session.
func (r *InMemoryRepository) AddSession(s Session) error {
	s, err := NewSession(s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
	return nil
}

// GetPage returns a page by ID (for testing).
func (r *InMemoryRepository) GetPage(pageID string) (Page, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pages[pageID]
	return p, ok
}

// FailingRepository returns Err from every call. Used to exercise the
// data-unavailable path.
type FailingRepository struct {
	Err error
}

// GetAllPages returns f.Err.
func (f FailingRepository) GetAllPages(context.Context) ([]Page, error) { return nil, f.Err }

// GetAllVisits returns f.Err.
func (f FailingRepository) GetAllVisits(context.Context) ([]Visit, error) { return nil, f.Err }

// GetAllEdges returns f.Err.
func (f FailingRepository) GetAllEdges(context.Context) ([]Edge, error) { return nil, f.Err }

// GetAllSessions returns f.Err.
func (f FailingRepository) GetAllSessions(context.Context) ([]Session, error) { return nil, f.Err }

// UpdatePersonalScore returns f.Err.
func (f FailingRepository) UpdatePersonalScore(context.Context, string, float64) error { return f.Err }

// SlowRepository wraps a Repository with artificial delays for testing
// cancellation of the load step.
type SlowRepository struct {
	repo  Repository
	delay time.Duration
}

// NewSlowRepository creates a new slow repository wrapper.
func NewSlowRepository(repo Repository, delay time.Duration) *SlowRepository {
	return &SlowRepository{repo: repo, delay: delay}
}

func (s *SlowRepository) wait(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetAllPages returns pages after a delay.
func (s *SlowRepository) GetAllPages(ctx context.Context) ([]Page, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.repo.GetAllPages(ctx)
}

// GetAllVisits returns visits after a delay.
func (s *SlowRepository) GetAllVisits(ctx context.Context) ([]Visit, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.repo.GetAllVisits(ctx)
}

// GetAllEdges returns edges after a delay.
func (s *SlowRepository) GetAllEdges(ctx context.Context) ([]Edge, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.repo.GetAllEdges(ctx)
}

// GetAllSessions returns sessions after a delay.
func (s *SlowRepository) GetAllSessions(ctx context.Context) ([]Session, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.repo.GetAllSessions(ctx)
}

// UpdatePersonalScore delegates without delay.
func (s *SlowRepository) UpdatePersonalScore(ctx context.Context, pageID string, score float64) error {
	return s.repo.UpdatePersonalScore(ctx, pageID, score)
}
