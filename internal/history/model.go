// Package history defines the browsing-history records consumed by the
// ranking engine: pages, visits, navigation edges and sessions.
package history

import (
	"errors"
	"math"
	"net/url"
	"strings"
	"time"
)

// Validation errors
var (
	ErrInvalidPage    = errors.New("invalid page: id and url are required")
	ErrInvalidVisit   = errors.New("invalid visit: id, page id and start time are required")
	ErrInvalidEdge    = errors.New("invalid edge: from and to page ids are required")
	ErrInvalidSession = errors.New("invalid session: id and start time are required")
	ErrInvalidCount   = errors.New("invalid count: must not be negative")
	ErrPageNotFound   = errors.New("page not found")
)

// Page is a visited URL aggregated across all of its visits.
// PersonalScore is always kept within [0,1].
type Page struct {
	ID              string        `json:"page_id"`
	URL             string        `json:"url"`
	Title           string        `json:"title"`
	Domain          string        `json:"domain"`
	FirstVisit      time.Time     `json:"first_visit"`
	LastVisit       time.Time     `json:"last_visit"`
	VisitCount      int           `json:"visit_count"`
	TotalActiveTime time.Duration `json:"total_active_time"`
	PersonalScore   float64       `json:"personal_score"`
}

// NewPage validates p and fills derived fields. The domain is taken from the
// URL host when not supplied and the personal score is clamped.
func NewPage(p Page) (Page, error) {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.URL) == "" {
		return Page{}, ErrInvalidPage
	}
	if p.VisitCount < 0 {
		return Page{}, ErrInvalidCount
	}
	if p.Domain == "" {
		p.Domain = DomainOf(p.URL)
	}
	p.PersonalScore = ClampScore(p.PersonalScore)
	return p, nil
}

// Visit is a single stay on a page. Visits are append-only.
type Visit struct {
	ID               string        `json:"visit_id"`
	PageID           string        `json:"page_id"`
	SessionID        string        `json:"session_id"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          *time.Time    `json:"end_time,omitempty"`
	TotalActiveTime  time.Duration `json:"total_active_time"`
	FromPageID       string        `json:"from_page_id,omitempty"`
	IsBackNavigation bool          `json:"is_back_navigation"`
}

// NewVisit validates v. A negative active time is treated as zero.
func NewVisit(v Visit) (Visit, error) {
	if v.ID == "" || v.PageID == "" || v.StartTime.IsZero() {
		return Visit{}, ErrInvalidVisit
	}
	if v.TotalActiveTime < 0 {
		v.TotalActiveTime = 0
	}
	return v, nil
}

// DwellSeconds returns the active time of the visit in seconds.
func (v Visit) DwellSeconds() float64 {
	return v.TotalActiveTime.Seconds()
}

// Edge aggregates page-to-page traversals. Count only ever grows.
type Edge struct {
	FromPageID     string    `json:"from_page_id"`
	ToPageID       string    `json:"to_page_id"`
	SessionID      string    `json:"session_id"`
	Count          int       `json:"count"`
	FirstTraversal time.Time `json:"first_traversal"`
	LastTraversal  time.Time `json:"last_traversal"`
}

// NewEdge validates e.
func NewEdge(e Edge) (Edge, error) {
	if e.FromPageID == "" || e.ToPageID == "" {
		return Edge{}, ErrInvalidEdge
	}
	if e.Count < 0 {
		return Edge{}, ErrInvalidCount
	}
	return e, nil
}

// Session groups visits made in one sitting.
type Session struct {
	ID              string        `json:"session_id"`
	StartTime       time.Time     `json:"start_time"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	TotalActiveTime time.Duration `json:"total_active_time"`
	IsActive        bool          `json:"is_active"`
}

// NewSession validates s.
func NewSession(s Session) (Session, error) {
	if s.ID == "" || s.StartTime.IsZero() {
		return Session{}, ErrInvalidSession
	}
	if s.LastActivityAt.Before(s.StartTime) {
		s.LastActivityAt = s.StartTime
	}
	return s, nil
}

// ClampScore bounds a personal score to [0,1]. NaN maps to 0.
func ClampScore(score float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// DomainOf returns the lower-cased host of rawURL without a leading "www.".
// Scheme-less input such as "github.com/torvalds/linux" is accepted.
func DomainOf(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
