// Package service contains application services for posts and admin sessions.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/moments/internal/cache"
	pkgcrypto "github.com/and161185/moments/internal/crypto"
	"github.com/and161185/moments/internal/errs"
	"github.com/and161185/moments/internal/model"
	"github.com/and161185/moments/internal/repository"
)

// DefaultSessionTTL is the lifetime of a session between refreshes.
const DefaultSessionTTL = 7 * 24 * time.Hour

// Verdict is the outcome of a session verification. The zero value rejects.
type Verdict struct {
	Valid    bool
	Username string
	// NeedsCookieUpdate asks the caller to reissue the cookie with a fresh max-age.
	NeedsCookieUpdate bool
}

// AuthService defines admin session operations.
type AuthService interface {
	// IssueSession creates a session for an allow-listed user.
	IssueSession(ctx context.Context, username string) (*model.Session, error)
	// Verify validates a session token. Failures of any kind reject uniformly.
	Verify(ctx context.Context, token string) Verdict
	// Logout deletes the session.
	Logout(ctx context.Context, token string) error
	// CleanupSessions removes expired sessions.
	CleanupSessions(ctx context.Context) (int64, error)
}

// Enqueuer accepts tokens for deferred refresh.
type Enqueuer interface {
	Enqueue(token string) bool
}

// AuthConfig configures AuthServiceImpl.
type AuthConfig struct {
	AdminUsers   []string
	TTL          time.Duration
	LegacyTokens bool
}

type AuthServiceImpl struct {
	store     repository.Store
	admins    map[string]struct{}
	ttl       time.Duration
	legacy    bool
	throttle  *cache.SessionThrottle
	refresher Enqueuer
	log       *zap.Logger
	now       func() time.Time
	observe   func(result string)
}

// NewAuthService constructs AuthService with required dependencies.
// A nil refresher makes refreshes synchronous.
func NewAuthService(
	store repository.Store, cfg AuthConfig, throttle *cache.SessionThrottle, refresher Enqueuer, log *zap.Logger,
) *AuthServiceImpl {
	admins := make(map[string]struct{}, len(cfg.AdminUsers))
	for _, u := range cfg.AdminUsers {
		if u = strings.TrimSpace(u); u != "" {
			admins[u] = struct{}{}
		}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if throttle == nil {
		throttle = cache.NewSessionThrottle(cache.DefaultRefreshInterval)
	}
	return &AuthServiceImpl{
		store:     store,
		admins:    admins,
		ttl:       cfg.TTL,
		legacy:    cfg.LegacyTokens,
		throttle:  throttle,
		refresher: refresher,
		log:       log,
		now:       time.Now,
	}
}

// OnVerify registers a callback receiving "accepted", "rejected" or "error".
func (s *AuthServiceImpl) OnVerify(fn func(result string)) { s.observe = fn }

// TTL is the session lifetime, also used as cookie max-age.
func (s *AuthServiceImpl) TTL() time.Duration { return s.ttl }

// IsAdmin reports whether username is on the allow-list.
func (s *AuthServiceImpl) IsAdmin(username string) bool {
	_, ok := s.admins[username]
	return ok
}

// IssueSession creates a session after the allow-list check.
func (s *AuthServiceImpl) IssueSession(ctx context.Context, username string) (*model.Session, error) {
	if !s.IsAdmin(username) {
		return nil, errs.ErrUnauthorized
	}
	now := s.now()
	token, err := s.newToken(username, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateSession(ctx, token, username, s.ttl); err != nil {
		return nil, err
	}
	return &model.Session{
		Token:        token,
		Username:     username,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(s.ttl),
	}, nil
}

func (s *AuthServiceImpl) newToken(username string, now time.Time) (string, error) {
	if s.legacy {
		return pkgcrypto.LegacySessionToken(username, now), nil
	}
	return pkgcrypto.NewSessionToken()
}

// Verify looks the token up and re-checks the allow-list. An accepted session
// is refreshed at most once per throttle window.
func (s *AuthServiceImpl) Verify(ctx context.Context, token string) Verdict {
	if token == "" {
		s.record("rejected")
		return Verdict{}
	}
	sess, err := s.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			s.record("rejected")
		} else {
			// lookup failure masked as unauthenticated
			s.log.Warn("session lookup failed", zap.Error(err))
			s.record("error")
		}
		return Verdict{}
	}
	now := s.now()
	if !s.IsAdmin(sess.Username) || sess.Expired(now) {
		s.record("rejected")
		return Verdict{}
	}

	v := Verdict{Valid: true, Username: sess.Username}
	if s.throttle.Due(token, now) {
		v.NeedsCookieUpdate = s.refresh(ctx, token)
	}
	s.record("accepted")
	return v
}

// refresh persists the extended expiry directly or via the refresher.
// Failures are logged and never reject the session.
func (s *AuthServiceImpl) refresh(ctx context.Context, token string) bool {
	if s.refresher != nil {
		if s.refresher.Enqueue(token) {
			return true
		}
		s.throttle.Forget(token)
		return false
	}
	ok, err := s.store.UpdateSession(ctx, token)
	if err != nil {
		s.log.Warn("session refresh failed", zap.Error(err))
		s.throttle.Forget(token)
		return false
	}
	return ok
}

// Logout deletes the session. Deleting an unknown token is not an error.
func (s *AuthServiceImpl) Logout(ctx context.Context, token string) error {
	s.throttle.Forget(token)
	if token == "" {
		return nil
	}
	_, err := s.store.DeleteSession(ctx, token)
	return err
}

// CleanupSessions removes expired sessions.
func (s *AuthServiceImpl) CleanupSessions(ctx context.Context) (int64, error) {
	return s.store.CleanupExpiredSessions(ctx)
}

func (s *AuthServiceImpl) record(result string) {
	if s.observe != nil {
		s.observe(result)
	}
}
