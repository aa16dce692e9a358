// Package model defines domain entities used by services and repositories.
package model

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// DateLayout is the wall-clock format of Post.Date and Post.UpdatedAt.
const DateLayout = "2006-01-02 15:04:05"

// Post is a single published moment.
type Post struct {
	ID        string   `json:"id"`              // creation unix millis, decimal
	Title     string   `json:"title,omitempty"` // optional
	Content   string   `json:"content"`         // markdown, may start with an image reference
	Tags      []string `json:"tags"`            // order preserved, never nil on read
	Date      string   `json:"date"`            // DateLayout in the configured zone
	UpdatedAt string   `json:"updatedAt,omitempty"`
}

// PostInput is an admin request to create a post.
type PostInput struct {
	Title     string
	Content   string
	Tags      []string
	ImageURL  string
	ImageName string
}

// PostPatch is a partial update; nil fields keep the stored value.
type PostPatch struct {
	Title     *string
	Content   *string
	Tags      []string
	UpdatedAt string
}

// Apply merges the patch into p.
func (pp PostPatch) Apply(p *Post) {
	if pp.Title != nil {
		p.Title = *pp.Title
	}
	if pp.Content != nil {
		p.Content = *pp.Content
	}
	if pp.Tags != nil {
		p.Tags = slices.Clone(pp.Tags)
	}
	if pp.UpdatedAt != "" {
		p.UpdatedAt = pp.UpdatedAt
	}
}

// Session is a server-side admin session record.
type Session struct {
	Token        string    `json:"token"`
	Username     string    `json:"username"`
	CreatedAt    time.Time `json:"createdAt"`
	LastAccessed time.Time `json:"lastAccessed"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// BackendKind names a storage backend.
type BackendKind string

// Known backend kinds.
const (
	KindKV         BackendKind = "kv"
	KindRelational BackendKind = "relational"
	KindManagedSQL BackendKind = "managed-sql"
)

// ParseBackendKind maps config values (including legacy aliases) to a kind.
func ParseBackendKind(s string) (BackendKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "kv":
		return KindKV, true
	case "relational", "sqlite", "d1":
		return KindRelational, true
	case "managed-sql", "managed", "postgres", "postgresql", "neon":
		return KindManagedSQL, true
	}
	return "", false
}

// Stats is a snapshot of storage counters.
type Stats struct {
	Posts    PostStats    `json:"posts"`
	Sessions SessionStats `json:"sessions"`
	Backend  BackendInfo  `json:"backend"`
}

// PostStats counts stored posts.
type PostStats struct {
	Total int64 `json:"total"`
}

// SessionStats counts sessions. Expired is nil when the backend cannot tell.
type SessionStats struct {
	Active  int64  `json:"active"`
	Expired *int64 `json:"expired"`
}

// BackendInfo describes the active backend.
type BackendInfo struct {
	Kind      BackendKind `json:"kind"`
	Requested BackendKind `json:"requested,omitempty"`
	Degraded  bool        `json:"degraded"`
	Pool      *PoolStats  `json:"pool,omitempty"`
}

// PoolStats mirrors connection pool counters of the managed SQL backend.
type PoolStats struct {
	Max      int32 `json:"max"`
	Total    int32 `json:"total"`
	Idle     int32 `json:"idle"`
	Acquired int32 `json:"acquired"`
}

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Health is the result of a backend probe.
type Health struct {
	Status    string      `json:"status"`
	Backend   BackendKind `json:"backend"`
	Requested BackendKind `json:"requested,omitempty"`
	Degraded  bool        `json:"degraded"`
	Error     string      `json:"error,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}

// Healthy reports whether the probe succeeded.
func (h Health) Healthy() bool { return h.Status == StatusHealthy }

// ParseTags splits a comma separated list, trimming blanks and dropping empties.
func ParseTags(s string) []string {
	out := []string{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// CleanTags trims entries and drops empties, keeping order and duplicates.
func CleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// SortByDate orders posts newest first. Unparseable dates go last; ties break
// on the numeric id, newest first.
func SortByDate(posts []Post) {
	type keyed struct {
		t  time.Time
		ok bool
	}
	keys := make(map[string]keyed, len(posts))
	for _, p := range posts {
		t, err := time.Parse(DateLayout, p.Date)
		keys[p.ID] = keyed{t: t, ok: err == nil}
	}
	slices.SortStableFunc(posts, func(a, b Post) int {
		ka, kb := keys[a.ID], keys[b.ID]
		switch {
		case ka.ok && !kb.ok:
			return -1
		case !ka.ok && kb.ok:
			return 1
		case ka.ok && kb.ok && !ka.t.Equal(kb.t):
			return kb.t.Compare(ka.t)
		}
		return compareIDs(b.ID, a.ID)
	})
}

// compareIDs orders decimal ids numerically without parsing.
func compareIDs(a, b string) int {
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}
