package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/moments/internal/app"
	"github.com/and161185/moments/internal/config"
	"github.com/and161185/moments/internal/model"
)

func newApp(t *testing.T, overrides map[string]any) *app.App {
	t.Helper()
	base := map[string]any{"http.addr": "127.0.0.1:0"}
	for k, v := range overrides {
		base[k] = v
	}
	cfg, err := config.NewLoader(config.WithEnvPrefix("MOMENTS_SERVER_TEST_"), config.WithOverrides(base)).Load()
	require.NoError(t, err)
	a, err := app.New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return a
}

func Test_serve_GRPCListenFailureReturnsError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	a := newApp(t, map[string]any{"grpc.health_addr": busy.Addr().String()})

	err = serve(context.Background(), a, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "listen grpc health")

	// the backend is still open and closes cleanly on the error path
	_, err = a.Posts.Create(context.Background(), model.PostInput{Content: "still open"})
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

func Test_serve_StopsOnCancel(t *testing.T) {
	a := newApp(t, map[string]any{"grpc.health_addr": "127.0.0.1:0"})
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, zaptest.NewLogger(t)) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}
