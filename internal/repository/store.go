// Package repository declares storage contracts shared by every backend.
package repository

import (
	"context"
	"time"

	"github.com/and161185/moments/internal/model"
)

// Store is the storage adapter contract implemented by the KV, relational
// and managed SQL backends.
type Store interface {
	// Init prepares the backend (schema, connectivity). Safe to call repeatedly.
	Init(ctx context.Context) error

	// ListPosts returns all posts ordered by date, newest first.
	ListPosts(ctx context.Context) ([]model.Post, error)
	// GetPost returns a single post or errs.ErrNotFound.
	GetPost(ctx context.Context, id string) (*model.Post, error)
	// CreatePost stores a new post and returns the stored record.
	CreatePost(ctx context.Context, p model.Post) (*model.Post, error)
	// UpdatePost applies a partial update or returns errs.ErrNotFound.
	UpdatePost(ctx context.Context, id string, patch model.PostPatch) (*model.Post, error)
	// DeletePost removes a post and reports whether it existed.
	DeletePost(ctx context.Context, id string) (bool, error)

	// CreateSession persists a session that expires after ttl.
	CreateSession(ctx context.Context, token, username string, ttl time.Duration) error
	// GetSession returns an unexpired session or errs.ErrNotFound.
	GetSession(ctx context.Context, token string) (*model.Session, error)
	// UpdateSession refreshes last access and extends expiry by the original ttl.
	UpdateSession(ctx context.Context, token string) (bool, error)
	// DeleteSession removes a session and reports whether it existed.
	DeleteSession(ctx context.Context, token string) (bool, error)
	// CleanupExpiredSessions removes expired sessions and returns how many.
	CleanupExpiredSessions(ctx context.Context) (int64, error)

	// Stats returns post and session counters.
	Stats(ctx context.Context) (*model.Stats, error)
	// HealthCheck probes the backend. It never returns an error.
	HealthCheck(ctx context.Context) model.Health
	// Close releases backend resources.
	Close() error
}

// PostPruner is implemented by backends that can keep the newest posts natively.
type PostPruner interface {
	// PrunePosts deletes the oldest posts beyond keep, at most maxDelete per call.
	PrunePosts(ctx context.Context, keep, maxDelete int) (int, error)
}

// SessionLister is implemented by backends that can enumerate live sessions.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]model.Session, error)
}

// SessionImporter restores a session record verbatim (used by data copy).
type SessionImporter interface {
	ImportSession(ctx context.Context, s model.Session) error
}

// Unwrapper is implemented by decorators around a Store.
type Unwrapper interface {
	Unwrap() Store
}

// Capability finds an optional interface on s or on any store it decorates.
func Capability[T any](s Store) (T, bool) {
	for s != nil {
		if c, ok := s.(T); ok {
			return c, true
		}
		u, ok := s.(Unwrapper)
		if !ok {
			break
		}
		s = u.Unwrap()
	}
	var zero T
	return zero, false
}
