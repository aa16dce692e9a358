// Package storage selects and initializes the storage backend, falling back
// to the key-value store when the preferred backend cannot be used.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/moments/internal/errs"
	"github.com/and161185/moments/internal/model"
	"github.com/and161185/moments/internal/repository"
	"github.com/and161185/moments/internal/repository/kv"
	"github.com/and161185/moments/internal/repository/postgres"
	"github.com/and161185/moments/internal/repository/sqlite"
)

// Config holds the bindings of every backend; only the selected one is used.
type Config struct {
	Backend        model.BackendKind
	KVDir          string
	RelationalPath string
	ManagedDSN     string
	Pool           postgres.PoolConfig
}

// Backend is the active store annotated with how it was chosen.
type Backend struct {
	repository.Store
	active    model.BackendKind
	requested model.BackendKind
	degraded  bool
}

var (
	_ repository.Store     = (*Backend)(nil)
	_ repository.Unwrapper = (*Backend)(nil)
)

// Active is the kind actually serving requests.
func (b *Backend) Active() model.BackendKind { return b.active }

// Requested is the kind named in configuration.
func (b *Backend) Requested() model.BackendKind { return b.requested }

// Degraded reports whether the preferred backend was replaced by the fallback.
func (b *Backend) Degraded() bool { return b.degraded }

// Unwrap returns the underlying adapter.
func (b *Backend) Unwrap() repository.Store { return b.Store }

// HealthCheck probes the adapter and records the selection outcome.
func (b *Backend) HealthCheck(ctx context.Context) model.Health {
	h := b.Store.HealthCheck(ctx)
	h.Backend = b.active
	h.Requested = b.requested
	h.Degraded = b.degraded
	return h
}

// Stats returns adapter counters with the selection outcome.
func (b *Backend) Stats(ctx context.Context) (*model.Stats, error) {
	st, err := b.Store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	st.Backend.Kind = b.active
	st.Backend.Requested = b.requested
	st.Backend.Degraded = b.degraded
	return st, nil
}

// Open builds the configured backend in two phases. A missing binding or a
// failed Init of the preferred backend is logged and replaced by the KV
// store; only a KV failure is returned.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Backend, error) {
	requested := cfg.Backend
	if requested == "" {
		requested = model.KindKV
	}

	if requested != model.KindKV {
		st, err := openPreferred(ctx, cfg, log)
		if err == nil {
			if err = st.Init(ctx); err == nil {
				log.Info("storage ready", zap.String("backend", string(requested)))
				return &Backend{Store: st, active: requested, requested: requested}, nil
			}
			_ = st.Close()
		}
		log.Warn("storage: preferred backend unavailable, falling back to kv",
			zap.String("requested", string(requested)),
			zap.Error(err),
		)
	}

	st, err := OpenKV(ctx, cfg.KVDir, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", zap.String("backend", string(model.KindKV)))
	return &Backend{
		Store:     st,
		active:    model.KindKV,
		requested: requested,
		degraded:  requested != model.KindKV,
	}, nil
}

// OpenKV opens and initializes the KV store.
func OpenKV(ctx context.Context, dir string, log *zap.Logger) (*kv.Store, error) {
	ns, err := kv.OpenBadger(dir, log)
	if err != nil {
		return nil, fmt.Errorf("kv backend: %w", err)
	}
	st := kv.New(ns, log)
	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("kv backend: %w", err)
	}
	return st, nil
}

func openPreferred(ctx context.Context, cfg Config, log *zap.Logger) (repository.Store, error) {
	switch cfg.Backend {
	case model.KindRelational:
		if cfg.RelationalPath == "" {
			return nil, fmt.Errorf("relational: no database path: %w", errs.ErrBackendUnavailable)
		}
		return sqlite.Open(cfg.RelationalPath, log)
	case model.KindManagedSQL:
		if cfg.ManagedDSN == "" {
			return nil, fmt.Errorf("managed-sql: no dsn: %w", errs.ErrBackendUnavailable)
		}
		return postgres.Open(ctx, cfg.ManagedDSN, cfg.Pool, log)
	}
	return nil, fmt.Errorf("unknown backend %q: %w", cfg.Backend, errs.ErrBackendUnavailable)
}

// OpenStrict opens exactly the configured backend, without the KV fallback.
func OpenStrict(ctx context.Context, cfg Config, log *zap.Logger) (repository.Store, error) {
	if cfg.Backend == "" || cfg.Backend == model.KindKV {
		return OpenKV(ctx, cfg.KVDir, log)
	}
	st, err := openPreferred(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("%s backend: %w", cfg.Backend, err)
	}
	return st, nil
}
