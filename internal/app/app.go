// Package app wires configuration into the storage backend and services
// shared by the server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/moments/internal/cache"
	"github.com/and161185/moments/internal/config"
	"github.com/and161185/moments/internal/limiter"
	"github.com/and161185/moments/internal/metrics"
	"github.com/and161185/moments/internal/retention"
	httpserver "github.com/and161185/moments/internal/server/http"
	"github.com/and161185/moments/internal/service"
	"github.com/and161185/moments/internal/storage"
)

// adminRequestsPerMinute bounds admin traffic per client IP.
const adminRequestsPerMinute = 120

// App is a fully wired service instance.
type App struct {
	Config    *config.Config
	Log       *zap.Logger
	Backend   *storage.Backend
	Metrics   *metrics.Registry
	Retention *retention.Enforcer
	Posts     *service.PostServiceImpl
	Auth      *service.AuthServiceImpl
	// Refresher is nil unless session.batch_refresh is set.
	Refresher *service.SessionRefresher
}

// NewLogger builds a zap logger from the log section.
func NewLogger(c config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}

// New opens storage and constructs every service.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	backend, err := storage.Open(ctx, cfg.StorageConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	m := metrics.New()
	m.Backend(string(backend.Active()), string(backend.Requested()), backend.Degraded())

	var enf *retention.Enforcer
	if cfg.Retention.Enabled {
		enf = retention.New(backend, cfg.RetentionConfig(), log)
		enf.OnResult(m.Retention)
	}

	posts := service.NewPostService(backend,
		cache.NewPostCache(cfg.Cache.PostTTL, cache.WithObserver(m.CacheLookup)),
		enf, cfg.Location(), log)

	var refresher *service.SessionRefresher
	var enq service.Enqueuer
	if cfg.Session.BatchRefresh {
		refresher = service.NewSessionRefresher(backend, cfg.RefresherConfig(), log)
		refresher.OnRefresh(m.Refresh)
		enq = refresher
	}
	auth := service.NewAuthService(backend, cfg.AuthConfig(),
		cache.NewSessionThrottle(cfg.Session.RefreshInterval), enq, log)
	auth.OnVerify(m.Verification)

	if len(cfg.Auth.AdminUsers) == 0 {
		log.Warn("no admin users configured; admin endpoints will reject every session")
	}

	return &App{
		Config:    cfg,
		Log:       log,
		Backend:   backend,
		Metrics:   m,
		Retention: enf,
		Posts:     posts,
		Auth:      auth,
		Refresher: refresher,
	}, nil
}

// Handler returns the HTTP router.
func (a *App) Handler() http.Handler {
	return httpserver.New(httpserver.Deps{
		Posts:         a.Posts,
		Auth:          a.Auth,
		SessionTTL:    a.Config.Session.TTL,
		SecureCookies: a.Config.HTTP.SecureCookies,
		Limiter:       limiter.NewMemory(adminRequestsPerMinute, adminRequestsPerMinute/4),
		Metrics:       a.Metrics,
		Log:           a.Log,
	})
}

// Close releases the backend.
func (a *App) Close() error {
	return a.Backend.Close()
}
