package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/moments/internal/cache"
	"github.com/and161185/moments/internal/errs"
	"github.com/and161185/moments/internal/model"
	"github.com/and161185/moments/internal/repository"
	"github.com/and161185/moments/internal/retention"
)

// PostService defines the public feed and admin post operations.
type PostService interface {
	// List returns all posts newest first, served from the post cache when fresh.
	List(ctx context.Context) ([]model.Post, error)
	// Get returns a single post.
	Get(ctx context.Context, id string) (*model.Post, error)
	// Create publishes a post and enforces retention.
	Create(ctx context.Context, in model.PostInput) (*model.Post, error)
	// Update edits a post and stamps its update time.
	Update(ctx context.Context, id string, patch model.PostPatch) (*model.Post, error)
	// Delete removes a post; false when it did not exist.
	Delete(ctx context.Context, id string) (bool, error)
	// Stats returns storage counters.
	Stats(ctx context.Context) (*model.Stats, error)
	// Health probes the active backend.
	Health(ctx context.Context) model.Health
}

type PostServiceImpl struct {
	store    repository.Store
	cache    *cache.PostCache
	enforcer *retention.Enforcer
	loc      *time.Location
	log      *zap.Logger
	now      func() time.Time
	lastID   atomic.Int64
}

// NewPostService wires the store with its cache and retention enforcer.
// A nil enforcer disables retention; a nil loc means UTC.
func NewPostService(
	store repository.Store, c *cache.PostCache, enforcer *retention.Enforcer, loc *time.Location, log *zap.Logger,
) *PostServiceImpl {
	if c == nil {
		c = cache.NewPostCache(cache.DefaultPostTTL)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &PostServiceImpl{store: store, cache: c, enforcer: enforcer, loc: loc, log: log, now: time.Now}
}

// List returns the cached post list.
func (s *PostServiceImpl) List(ctx context.Context) ([]model.Post, error) {
	return s.cache.Get(ctx, s.store.ListPosts)
}

// Get fetches a post from the store.
func (s *PostServiceImpl) Get(ctx context.Context, id string) (*model.Post, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errs.ErrNotFound
	}
	return s.store.GetPost(ctx, id)
}

// Create validates input, assigns id and date, stores the post and runs retention.
// Validation rules:
// - content or image url must be present
// - tags are trimmed, empties dropped
func (s *PostServiceImpl) Create(ctx context.Context, in model.PostInput) (*model.Post, error) {
	content := strings.TrimSpace(in.Content)
	url := strings.TrimSpace(in.ImageURL)
	if content == "" && url == "" {
		return nil, fmt.Errorf("validation: empty content: %w", errs.ErrInvalidPost)
	}
	if url != "" {
		name := strings.TrimSpace(in.ImageName)
		if name == "" {
			name = "image"
		}
		content = fmt.Sprintf("![%s](%s)\n\n%s", name, url, content)
	}

	now := s.now()
	p := model.Post{
		ID:      s.nextID(now),
		Title:   strings.TrimSpace(in.Title),
		Content: content,
		Tags:    model.CleanTags(in.Tags),
		Date:    now.In(s.loc).Format(model.DateLayout),
	}
	created, err := s.store.CreatePost(ctx, p)
	if err != nil {
		return nil, err
	}
	s.cache.Clear()

	if s.enforcer != nil {
		if _, err := s.enforcer.Enforce(ctx); err != nil {
			s.log.Warn("retention failed", zap.String("post", created.ID), zap.Error(err))
		}
		s.cache.Clear()
	}
	return created, nil
}

// Update validates and applies a partial edit.
func (s *PostServiceImpl) Update(ctx context.Context, id string, patch model.PostPatch) (*model.Post, error) {
	if patch.Content != nil && strings.TrimSpace(*patch.Content) == "" {
		return nil, fmt.Errorf("validation: empty content: %w", errs.ErrInvalidPost)
	}
	if patch.Tags != nil {
		patch.Tags = model.CleanTags(patch.Tags)
	}
	patch.UpdatedAt = s.now().In(s.loc).Format(model.DateLayout)

	p, err := s.store.UpdatePost(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.cache.Clear()
	return p, nil
}

// Delete removes a post.
func (s *PostServiceImpl) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.DeletePost(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		s.cache.Clear()
	}
	return ok, nil
}

// Stats returns storage counters.
func (s *PostServiceImpl) Stats(ctx context.Context) (*model.Stats, error) {
	return s.store.Stats(ctx)
}

// Health probes the backend.
func (s *PostServiceImpl) Health(ctx context.Context) model.Health {
	return s.store.HealthCheck(ctx)
}

// CacheStats reports post cache counters.
func (s *PostServiceImpl) CacheStats() cache.Stats { return s.cache.Stats() }

// nextID returns the creation unix millis, bumped past the last issued id
// so two posts in the same millisecond still get distinct ids.
func (s *PostServiceImpl) nextID(now time.Time) string {
	ms := now.UnixMilli()
	for {
		last := s.lastID.Load()
		if ms <= last {
			ms = last + 1
		}
		if s.lastID.CompareAndSwap(last, ms) {
			return fmt.Sprint(ms)
		}
	}
}
