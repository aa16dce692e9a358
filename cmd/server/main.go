// Command moments-server serves the public feed and the admin post API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/and161185/moments/internal/app"
	"github.com/and161185/moments/internal/config"
	grpcserver "github.com/and161185/moments/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// sessionSweepInterval is how often expired sessions are purged.
const sessionSweepInterval = time.Hour

// main loads configuration, opens storage and serves HTTP (and optionally gRPC health)
// until SIGINT/SIGTERM.
func main() {
	os.Exit(run())
}

// run returns the process exit code once every resource is released.
func run() int {
	cfgFile := flag.String("config", "", "YAML config file (optional)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading MOMENTS_* variables")
	flag.Parse()

	cfg, err := config.NewLoader(config.WithConfigFile(*cfgFile), config.WithDotenv(*envFile)).Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		return 2
	}

	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		return 2
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("backend", cfg.Storage.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init", zap.Error(err))
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close storage", zap.Error(err))
		}
	}()

	if err := serve(ctx, a, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// serve runs every listener and background loop until ctx is cancelled or one fails.
func serve(ctx context.Context, a *app.App, logger *zap.Logger) error {
	cfg := a.Config
	var lis net.Listener
	if addr := cfg.GRPC.HealthAddr; addr != "" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen grpc health: %w", err)
		}
		lis = l
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.Refresher != nil {
		g.Go(func() error {
			a.Refresher.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		t := time.NewTicker(sessionSweepInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				n, err := a.Auth.CleanupSessions(gctx)
				if err != nil {
					logger.Warn("session cleanup", zap.Error(err))
					continue
				}
				logger.Debug("session cleanup", zap.Int64("removed", n))
			}
		}
	})

	if lis != nil {
		reporter := grpcserver.NewHealthReporter(a.Posts, 15*time.Second, logger)
		gs := grpcserver.NewServer(reporter, logger)
		g.Go(func() error {
			reporter.Run(gctx)
			return nil
		})
		g.Go(func() error {
			logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			done := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				gs.Stop()
			}
			return nil
		})
	}

	return g.Wait()
}
