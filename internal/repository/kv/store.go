package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/moments/internal/errs"
	"github.com/and161185/moments/internal/model"
	"github.com/and161185/moments/internal/repository"
)

const (
	postPrefix    = "post:"
	sessionPrefix = "session:"
	probeKey      = "health:probe"

	// fetchConcurrency bounds parallel gets when listing.
	fetchConcurrency = 16
)

// Store implements repository.Store over a Namespace.
// Session expiry is enforced by the namespace TTL and re-checked on read.
type Store struct {
	ns  Namespace
	log *zap.Logger
	now func() time.Time
}

var (
	_ repository.Store           = (*Store)(nil)
	_ repository.SessionLister   = (*Store)(nil)
	_ repository.SessionImporter = (*Store)(nil)
)

// New constructs a KV store.
func New(ns Namespace, log *zap.Logger) *Store {
	return &Store{ns: ns, log: log, now: time.Now}
}

// sessionRecord is the persisted session value.
type sessionRecord struct {
	Username     string    `json:"username"`
	CreatedAt    time.Time `json:"createdAt"`
	LastAccessed time.Time `json:"lastAccessed"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Init checks that the namespace answers.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.ns.Get(ctx, probeKey); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("kv init: %w", err)
	}
	return nil
}

// ListPosts fetches every post concurrently and sorts them newest first.
// Missing or corrupt values are skipped.
func (s *Store) ListPosts(ctx context.Context) ([]model.Post, error) {
	keys, err := s.ns.List(ctx, postPrefix)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}

	fetched := make([]*model.Post, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			p, err := s.getPost(gctx, key)
			switch {
			case err == nil:
				fetched[i] = p
			case errors.Is(err, errs.ErrNotFound):
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}

	out := make([]model.Post, 0, len(fetched))
	for _, p := range fetched {
		if p != nil {
			out = append(out, *p)
		}
	}
	model.SortByDate(out)
	return out, nil
}

// getPost returns errs.ErrNotFound for absent and undecodable values.
func (s *Store) getPost(ctx context.Context, key string) (*model.Post, error) {
	raw, err := s.ns.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var p model.Post
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn("kv: corrupt post skipped", zap.String("key", key), zap.Error(err))
		return nil, errs.ErrNotFound
	}
	if p.ID == "" {
		p.ID = strings.TrimPrefix(key, postPrefix)
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	return &p, nil
}

func (s *Store) putPost(ctx context.Context, p model.Post) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.ns.Put(ctx, postPrefix+p.ID, raw, 0)
}

// GetPost returns a post by id.
func (s *Store) GetPost(ctx context.Context, id string) (*model.Post, error) {
	return s.getPost(ctx, postPrefix+id)
}

// CreatePost stores p under its id; errs.ErrAlreadyExists when the id is taken.
func (s *Store) CreatePost(ctx context.Context, p model.Post) (*model.Post, error) {
	if p.Tags == nil {
		p.Tags = []string{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	if err := s.ns.Create(ctx, postPrefix+p.ID, raw, 0); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return &p, nil
}

// UpdatePost merges patch into the stored post.
func (s *Store) UpdatePost(ctx context.Context, id string, patch model.PostPatch) (*model.Post, error) {
	p, err := s.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(p)
	if err := s.putPost(ctx, *p); err != nil {
		return nil, fmt.Errorf("update post: %w", err)
	}
	return p, nil
}

// DeletePost removes a post; false when it was absent.
func (s *Store) DeletePost(ctx context.Context, id string) (bool, error) {
	key := postPrefix + id
	if _, err := s.ns.Get(ctx, key); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.ns.Delete(ctx, key); err != nil {
		return false, fmt.Errorf("delete post: %w", err)
	}
	return true, nil
}

func (s *Store) putSession(ctx context.Context, token string, rec sessionRecord) error {
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.ns.Put(ctx, sessionPrefix+token, raw, ttl)
}

// CreateSession stores a session with a namespace TTL.
func (s *Store) CreateSession(ctx context.Context, token, username string, ttl time.Duration) error {
	now := s.now()
	rec := sessionRecord{Username: username, CreatedAt: now, LastAccessed: now, ExpiresAt: now.Add(ttl)}
	if err := s.putSession(ctx, token, rec); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) getSession(ctx context.Context, token string) (*sessionRecord, error) {
	raw, err := s.ns.Get(ctx, sessionPrefix+token)
	if err != nil {
		return nil, err
	}
	var rec sessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.log.Warn("kv: corrupt session treated as absent", zap.Error(err))
		return nil, errs.ErrNotFound
	}
	if !rec.ExpiresAt.After(s.now()) {
		return nil, errs.ErrNotFound
	}
	return &rec, nil
}

// GetSession returns an unexpired session.
func (s *Store) GetSession(ctx context.Context, token string) (*model.Session, error) {
	rec, err := s.getSession(ctx, token)
	if err != nil {
		return nil, err
	}
	return &model.Session{
		Token:        token,
		Username:     rec.Username,
		CreatedAt:    rec.CreatedAt,
		LastAccessed: rec.LastAccessed,
		ExpiresAt:    rec.ExpiresAt,
	}, nil
}

// UpdateSession re-puts the session with a fresh TTL.
func (s *Store) UpdateSession(ctx context.Context, token string) (bool, error) {
	rec, err := s.getSession(ctx, token)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	now := s.now()
	ttl := rec.ExpiresAt.Sub(rec.LastAccessed)
	rec.LastAccessed = now
	rec.ExpiresAt = now.Add(ttl)
	if err := s.putSession(ctx, token, *rec); err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	return true, nil
}

// DeleteSession removes a session; false when it was absent.
func (s *Store) DeleteSession(ctx context.Context, token string) (bool, error) {
	key := sessionPrefix + token
	if _, err := s.ns.Get(ctx, key); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.ns.Delete(ctx, key); err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return true, nil
}

// CleanupExpiredSessions is a no-op: the namespace expires keys itself.
func (s *Store) CleanupExpiredSessions(context.Context) (int64, error) { return 0, nil }

// ListSessions returns every live session.
func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	keys, err := s.ns.List(ctx, sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]model.Session, 0, len(keys))
	for _, key := range keys {
		token := strings.TrimPrefix(key, sessionPrefix)
		sess, err := s.GetSession(ctx, token)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, *sess)
	}
	return out, nil
}

// ImportSession stores s as-is; already expired sessions are skipped.
func (s *Store) ImportSession(ctx context.Context, sess model.Session) error {
	rec := sessionRecord{
		Username:     sess.Username,
		CreatedAt:    sess.CreatedAt,
		LastAccessed: sess.LastAccessed,
		ExpiresAt:    sess.ExpiresAt,
	}
	return s.putSession(ctx, sess.Token, rec)
}

// Stats counts keys. Expired sessions are invisible here, so Expired is unknown.
func (s *Store) Stats(ctx context.Context) (*model.Stats, error) {
	posts, err := s.ns.List(ctx, postPrefix)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	sessions, err := s.ns.List(ctx, sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &model.Stats{
		Posts:    model.PostStats{Total: int64(len(posts))},
		Sessions: model.SessionStats{Active: int64(len(sessions))},
		Backend:  model.BackendInfo{Kind: model.KindKV},
	}, nil
}

// HealthCheck reads a probe key.
func (s *Store) HealthCheck(ctx context.Context) model.Health {
	h := model.Health{Status: model.StatusHealthy, Backend: model.KindKV, CheckedAt: s.now()}
	if _, err := s.ns.Get(ctx, probeKey); err != nil && !errors.Is(err, errs.ErrNotFound) {
		h.Status = model.StatusUnhealthy
		h.Error = err.Error()
	}
	return h
}

// Close closes the namespace.
func (s *Store) Close() error { return s.ns.Close() }
