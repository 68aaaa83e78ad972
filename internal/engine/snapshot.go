package engine

import (
	"log/slog"
	"time"

	"github.com/onnwee/recall/internal/history"
	"github.com/onnwee/recall/internal/signals"
	"github.com/onnwee/recall/internal/textrank"
)

// snapshot is everything built from one repository load. Apart from the
// personal scores in pages, which Engine.scoreMu guards, it is read-only.
type snapshot struct {
	pages      map[string]*history.Page
	index      *textrank.Index
	nav        *signals.NavigationModel
	tod        *signals.TimeOfDay
	sessions   *signals.SessionIndex
	visits     map[string][]history.Visit
	regularity map[string]float64
	loadedAt   time.Time
}

func emptySnapshot(cfg *Config) *snapshot {
	return buildSnapshot(&history.Snapshot{}, cfg, time.Time{})
}

func buildSnapshot(data *history.Snapshot, cfg *Config, loadedAt time.Time) *snapshot {
	s := &snapshot{
		pages:      make(map[string]*history.Page, len(data.Pages)),
		visits:     make(map[string][]history.Visit),
		regularity: make(map[string]float64),
		loadedAt:   loadedAt,
	}

	docs := make([]textrank.Document, 0, len(data.Pages))
	skipped := 0
	for _, raw := range data.Pages {
		p, err := history.NewPage(raw)
		if err != nil {
			skipped++
			continue
		}
		if _, dup := s.pages[p.ID]; dup {
			skipped++
			continue
		}
		s.pages[p.ID] = &p
		docs = append(docs, textrank.Document{ID: p.ID, Title: p.Title, URL: p.URL})
	}
	if skipped > 0 {
		cfg.Logger.Warn("skipped invalid pages in snapshot", slog.Int("count", skipped))
	}

	visits := make([]history.Visit, 0, len(data.Visits))
	for _, v := range data.Visits {
		if _, ok := s.pages[v.PageID]; !ok {
			continue
		}
		visits = append(visits, v)
		s.visits[v.PageID] = append(s.visits[v.PageID], v)
	}

	for id, vs := range s.visits {
		starts := make([]time.Time, len(vs))
		for i, v := range vs {
			starts[i] = v.StartTime
		}
		s.regularity[id] = signals.Regularity(starts)
	}

	s.index = textrank.NewIndex(docs, cfg.Tokenizer, cfg.Text)
	s.nav = signals.NewNavigationModel(data.Edges, cfg.SmoothNavigation)
	s.tod = signals.NewTimeOfDay(visits, cfg.Location, cfg.TimeOfDaySmoothing)
	s.sessions = signals.NewSessionIndex(visits, data.Sessions, s.domainOf)
	return s
}

func (s *snapshot) domainOf(pageID string) string {
	if p, ok := s.pages[pageID]; ok {
		return p.Domain
	}
	return ""
}

func (s *snapshot) regularityOf(pageID string) float64 {
	if r, ok := s.regularity[pageID]; ok {
		return r
	}
	return signals.DefaultRegularity
}
