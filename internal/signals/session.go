package signals

import (
	"math"
	"time"

	"github.com/onnwee/recall/internal/history"
)

// SessionIndex maps pages to the session they were last seen in and counts
// visits per domain within each session.
type SessionIndex struct {
	lastSession map[string]string    // pageID -> session of its latest visit
	lastSeen    map[string]time.Time // pageID -> start of its latest visit
	domains     map[string]map[string]int
	active      string // most recently active session, if any
}

// NewSessionIndex builds the index. domainOf resolves a page ID to its domain;
// visits whose page has no domain are not counted.
func NewSessionIndex(visits []history.Visit, sessions []history.Session, domainOf func(pageID string) string) *SessionIndex {
	idx := &SessionIndex{
		lastSession: make(map[string]string),
		lastSeen:    make(map[string]time.Time),
		domains:     make(map[string]map[string]int),
	}

	for _, v := range visits {
		if v.SessionID == "" {
			continue
		}
		if seen, ok := idx.lastSeen[v.PageID]; !ok || v.StartTime.After(seen) {
			idx.lastSeen[v.PageID] = v.StartTime
			idx.lastSession[v.PageID] = v.SessionID
		}
		domain := domainOf(v.PageID)
		if domain == "" {
			continue
		}
		counts, ok := idx.domains[v.SessionID]
		if !ok {
			counts = make(map[string]int)
			idx.domains[v.SessionID] = counts
		}
		counts[domain]++
	}

	var latest time.Time
	for _, s := range sessions {
		if s.IsActive && s.LastActivityAt.After(latest) {
			latest = s.LastActivityAt
			idx.active = s.ID
		}
	}

	return idx
}

// SessionContext is the domain histogram of the session the user is in.
type SessionContext struct {
	SessionID string
	counts    map[string]int
}

// ContextFor returns the context of the session in which currentPageID was
// last visited. If the page was never seen in a session, the most recently
// active session is used. An empty currentPageID yields an empty context.
func (idx *SessionIndex) ContextFor(currentPageID string) SessionContext {
	if currentPageID == "" {
		return SessionContext{}
	}
	sessionID, ok := idx.lastSession[currentPageID]
	if !ok {
		sessionID = idx.active
	}
	if sessionID == "" {
		return SessionContext{}
	}
	return SessionContext{SessionID: sessionID, counts: idx.domains[sessionID]}
}

// Feature returns ln(1+count) of visits to domain in this session.
func (c SessionContext) Feature(domain string) float64 {
	if c.counts == nil || domain == "" {
		return 0
	}
	return math.Log1p(float64(c.counts[domain]))
}
