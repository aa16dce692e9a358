package service

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/moments/internal/errs"
	"github.com/and161185/moments/internal/model"
	"github.com/and161185/moments/internal/repository"
)

// fakeStore is an in-memory repository.Store with call counters and error injection.
type fakeStore struct {
	mu       sync.Mutex
	posts    map[string]model.Post
	sessions map[string]model.Session
	now      func() time.Time

	listCalls   int
	updateCalls int

	listErr       error
	createErr     error
	getSessionErr error
	updateSessErr error
}

var _ repository.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		posts:    map[string]model.Post{},
		sessions: map[string]model.Session{},
		now:      time.Now,
	}
}

func (f *fakeStore) Init(context.Context) error { return nil }

func (f *fakeStore) ListPosts(context.Context) ([]model.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]model.Post, 0, len(f.posts))
	for _, p := range f.posts {
		out = append(out, p)
	}
	model.SortByDate(out)
	return out, nil
}

func (f *fakeStore) GetPost(_ context.Context, id string) (*model.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &p, nil
}

func (f *fakeStore) CreatePost(_ context.Context, p model.Post) (*model.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, ok := f.posts[p.ID]; ok {
		return nil, errs.ErrAlreadyExists
	}
	f.posts[p.ID] = p
	return &p, nil
}

func (f *fakeStore) UpdatePost(_ context.Context, id string, patch model.PostPatch) (*model.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	patch.Apply(&p)
	f.posts[id] = p
	return &p, nil
}

func (f *fakeStore) DeletePost(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.posts[id]
	delete(f.posts, id)
	return ok, nil
}

func (f *fakeStore) CreateSession(_ context.Context, token, username string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	f.sessions[token] = model.Session{Token: token, Username: username, CreatedAt: now, LastAccessed: now, ExpiresAt: now.Add(ttl)}
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, token string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getSessionErr != nil {
		return nil, f.getSessionErr
	}
	s, ok := f.sessions[token]
	if !ok || s.Expired(f.now()) {
		return nil, errs.ErrNotFound
	}
	return &s, nil
}

func (f *fakeStore) UpdateSession(_ context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateSessErr != nil {
		return false, f.updateSessErr
	}
	s, ok := f.sessions[token]
	if !ok {
		return false, nil
	}
	now := f.now()
	ttl := s.ExpiresAt.Sub(s.LastAccessed)
	s.LastAccessed, s.ExpiresAt = now, now.Add(ttl)
	f.sessions[token] = s
	return true, nil
}

func (f *fakeStore) DeleteSession(_ context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[token]
	delete(f.sessions, token)
	return ok, nil
}

func (f *fakeStore) CleanupExpiredSessions(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for tok, s := range f.sessions {
		if s.Expired(f.now()) {
			delete(f.sessions, tok)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Stats(context.Context) (*model.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &model.Stats{
		Posts:    model.PostStats{Total: int64(len(f.posts))},
		Sessions: model.SessionStats{Active: int64(len(f.sessions))},
		Backend:  model.BackendInfo{Kind: model.KindKV},
	}, nil
}

func (f *fakeStore) HealthCheck(context.Context) model.Health {
	return model.Health{Status: model.StatusHealthy, Backend: model.KindKV, CheckedAt: f.now()}
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCalls
}
