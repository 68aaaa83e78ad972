package history

import "context"

// Repository is the storage collaborator the ranking engine reads from.
// Implementations return full snapshots; the engine tolerates slightly
// stale data and never locks the underlying store.
type Repository interface {
	// GetAllPages returns every known page.
	GetAllPages(ctx context.Context) ([]Page, error)
	// GetAllVisits returns every recorded visit.
	GetAllVisits(ctx context.Context) ([]Visit, error)
	// GetAllEdges returns every aggregated navigation edge.
	GetAllEdges(ctx context.Context) ([]Edge, error)
	// GetAllSessions returns every browsing session.
	GetAllSessions(ctx context.Context) ([]Session, error)
	// UpdatePersonalScore persists a page's clamped personal score.
	// Returns ErrPageNotFound if the page does not exist.
	UpdatePersonalScore(ctx context.Context, pageID string, score float64) error
}

// Snapshot is a consistent-enough view of the repository at load time.
type Snapshot struct {
	Pages    []Page    `json:"pages"`
	Visits   []Visit   `json:"visits"`
	Edges    []Edge    `json:"edges"`
	Sessions []Session `json:"sessions"`
}

// LoadSnapshot reads all four collections from repo, stopping at the first error.
func LoadSnapshot(ctx context.Context, repo Repository) (*Snapshot, error) {
	pages, err := repo.GetAllPages(ctx)
	if err != nil {
		return nil, err
	}
	visits, err := repo.GetAllVisits(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := repo.GetAllEdges(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := repo.GetAllSessions(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Pages:    pages,
		Visits:   visits,
		Edges:    edges,
		Sessions: sessions,
	}, nil
}
