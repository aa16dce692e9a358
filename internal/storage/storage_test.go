package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/moments/internal/errs"
	"github.com/and161185/moments/internal/model"
	"github.com/and161185/moments/internal/repository"
	"github.com/and161185/moments/internal/repository/postgres"
)

func TestOpen_KV(t *testing.T) {
	b, err := Open(context.Background(), Config{Backend: model.KindKV}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, model.KindKV, b.Active())
	require.False(t, b.Degraded())

	h := b.HealthCheck(context.Background())
	require.True(t, h.Healthy())
	require.Equal(t, model.KindKV, h.Backend)
	require.False(t, h.Degraded)
}

func TestOpen_Relational(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moments.db")
	b, err := Open(context.Background(), Config{Backend: model.KindRelational, RelationalPath: path}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, model.KindRelational, b.Active())
	require.False(t, b.Degraded())

	_, ok := repository.Capability[repository.PostPruner](b)
	require.True(t, ok)
}

func TestOpen_MissingBinding_FallsBackToKV(t *testing.T) {
	for _, kind := range []model.BackendKind{model.KindRelational, model.KindManagedSQL} {
		b, err := Open(context.Background(), Config{Backend: kind}, zaptest.NewLogger(t))
		require.NoError(t, err, kind)

		require.Equal(t, model.KindKV, b.Active())
		require.Equal(t, kind, b.Requested())
		require.True(t, b.Degraded())

		st, err := b.Stats(context.Background())
		require.NoError(t, err)
		require.Equal(t, model.KindKV, st.Backend.Kind)
		require.Equal(t, kind, st.Backend.Requested)
		require.True(t, st.Backend.Degraded)

		h := b.HealthCheck(context.Background())
		require.True(t, h.Healthy())
		require.True(t, h.Degraded)

		_, ok := repository.Capability[repository.PostPruner](b)
		require.False(t, ok)
		require.NoError(t, b.Close())
	}
}

func TestOpen_InitFailure_FallsBackToKV(t *testing.T) {
	cfg := Config{
		Backend:    model.KindManagedSQL,
		ManagedDSN: "postgres://u:p@127.0.0.1:1/db?sslmode=disable",
		Pool:       postgres.PoolConfig{MaxConns: 1, ConnectTimeout: time.Second},
	}
	b, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, model.KindKV, b.Active())
	require.True(t, b.Degraded())
}

func TestOpen_KVFailureIsFatal(t *testing.T) {
	f := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))

	_, err := Open(context.Background(), Config{Backend: model.KindRelational, KVDir: f}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestOpenStrict_NoFallback(t *testing.T) {
	_, err := OpenStrict(context.Background(), Config{Backend: model.KindRelational}, zaptest.NewLogger(t))
	require.ErrorIs(t, err, errs.ErrBackendUnavailable)

	path := filepath.Join(t.TempDir(), "moments.db")
	st, err := OpenStrict(context.Background(), Config{Backend: model.KindRelational, RelationalPath: path}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, st.Close())
}
