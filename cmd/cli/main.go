// Command moments is the operator CLI: it talks to the configured storage
// backend directly, using the same configuration as the server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/moments/internal/app"
	"github.com/and161185/moments/internal/cache"
	"github.com/and161185/moments/internal/config"
	"github.com/and161185/moments/internal/model"
	"github.com/and161185/moments/internal/repository"
	"github.com/and161185/moments/internal/retention"
	httpserver "github.com/and161185/moments/internal/server/http"
	"github.com/and161185/moments/internal/service"
	"github.com/and161185/moments/internal/storage"
	"github.com/and161185/moments/internal/transfer"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var errUsage = errors.New("usage")

func usage(w io.Writer) {
	fmt.Fprintf(w, `moments operator CLI
Usage:
  moments [-config file.yaml] [-env-file .env] <cmd> [args]

Commands:
  version
  stats                                        (backend counters)
  health                                       (probe, exit 1 when unhealthy)
  issue-session    -u <username>               (session for an allow-listed admin)
  cleanup-sessions                             (drop expired sessions)
  prune            [-max <n>]                  (one retention pass)
  copy             -to <backend> [-dir d | -path p | -dsn dsn] [-no-sessions]
`)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	if errors.Is(err, errUsage) {
		usage(os.Stderr)
		os.Exit(2)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// main dispatches subcommands.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fail(err)
	}
}

// run parses global flags, loads configuration and executes one command.
func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("moments", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	cfgFile := global.String("config", "", "YAML config file")
	envFile := global.String("env-file", ".env", "dotenv file")
	if err := global.Parse(args); err != nil {
		return errUsage
	}
	if global.NArg() < 1 {
		return errUsage
	}
	cmd, rest := global.Arg(0), global.Args()[1:]

	if cmd == "version" {
		fmt.Fprintf(out, "moments %s (%s)\n", version, buildDate)
		return nil
	}

	cfg, err := config.NewLoader(config.WithConfigFile(*cfgFile), config.WithDotenv(*envFile)).Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := app.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	switch cmd {
	case "stats":
		return withBackend(ctx, cfg, log, func(b *storage.Backend) error {
			st, err := b.Stats(ctx)
			if err != nil {
				return err
			}
			printJSON(out, st)
			return nil
		})

	case "health":
		return withBackend(ctx, cfg, log, func(b *storage.Backend) error {
			h := b.HealthCheck(ctx)
			printJSON(out, h)
			if !h.Healthy() {
				return fmt.Errorf("backend %s unhealthy: %s", h.Backend, h.Error)
			}
			return nil
		})

	case "issue-session":
		fs := flag.NewFlagSet("issue-session", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		u := fs.String("u", "", "username")
		if err := fs.Parse(rest); err != nil || *u == "" {
			return fmt.Errorf("need -u: %w", errUsage)
		}
		return withStrict(ctx, cfg.StorageConfig(), log, func(st repository.Store) error {
			auth := service.NewAuthService(st, cfg.AuthConfig(), cache.NewSessionThrottle(cfg.Session.RefreshInterval), nil, log)
			sess, err := auth.IssueSession(ctx, *u)
			if err != nil {
				return fmt.Errorf("issue session for %q: %w", *u, err)
			}
			printJSON(out, map[string]any{
				"token":     sess.Token,
				"username":  sess.Username,
				"expiresAt": sess.ExpiresAt.UTC().Format(time.RFC3339),
				"cookie": fmt.Sprintf("%s=%s; Path=/; Max-Age=%d; HttpOnly; SameSite=Lax",
					httpserver.SessionCookie, sess.Token, int(auth.TTL()/time.Second)),
			})
			return nil
		})

	case "cleanup-sessions":
		return withStrict(ctx, cfg.StorageConfig(), log, func(st repository.Store) error {
			n, err := st.CleanupExpiredSessions(ctx)
			if err != nil {
				return err
			}
			printJSON(out, map[string]int64{"removed": n})
			return nil
		})

	case "prune":
		fs := flag.NewFlagSet("prune", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		maxPosts := fs.Int("max", cfg.Retention.MaxPosts, "posts to keep")
		if err := fs.Parse(rest); err != nil || *maxPosts <= 0 {
			return fmt.Errorf("bad -max: %w", errUsage)
		}
		rc := cfg.RetentionConfig()
		rc.Enabled = true
		rc.MaxPosts = *maxPosts
		return withStrict(ctx, cfg.StorageConfig(), log, func(st repository.Store) error {
			res, err := retention.New(st, rc, log).Enforce(ctx)
			if err != nil {
				return err
			}
			printJSON(out, res)
			return nil
		})

	case "copy":
		fs := flag.NewFlagSet("copy", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		to := fs.String("to", "", "destination backend: kv | relational | managed-sql")
		dir := fs.String("dir", "", "destination badger dir")
		path := fs.String("path", "", "destination sqlite path")
		dsn := fs.String("dsn", "", "destination postgres dsn")
		noSessions := fs.Bool("no-sessions", false, "copy posts only")
		if err := fs.Parse(rest); err != nil || *to == "" {
			return fmt.Errorf("need -to: %w", errUsage)
		}
		kind, ok := model.ParseBackendKind(*to)
		if !ok {
			return fmt.Errorf("copy: unknown backend %q", *to)
		}
		dstCfg := destinationConfig(cfg.StorageConfig(), kind, *dir, *path, *dsn)
		if sameBackend(cfg.StorageConfig(), dstCfg) {
			return errors.New("copy: source and destination are the same backend")
		}
		return withStrict(ctx, cfg.StorageConfig(), log, func(src repository.Store) error {
			return withStrict(ctx, dstCfg, log, func(dst repository.Store) error {
				rep, err := transfer.New(src, dst, transfer.Options{SkipSessions: *noSessions}, log).Run(ctx)
				if rep != nil {
					printJSON(out, rep)
				}
				if err != nil {
					return err
				}
				if !rep.Valid {
					return fmt.Errorf("copy: validation failed, %d posts missing", len(rep.Missing))
				}
				return nil
			})
		})
	}
	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

// destinationConfig replaces the backend kind and any binding given on the command line.
func destinationConfig(base storage.Config, kind model.BackendKind, dir, path, dsn string) storage.Config {
	c := base
	c.Backend = kind
	if dir != "" {
		c.KVDir = dir
	}
	if path != "" {
		c.RelationalPath = path
	}
	if dsn != "" {
		c.ManagedDSN = dsn
	}
	return c
}

func sameBackend(a, b storage.Config) bool {
	if a.Backend != b.Backend {
		return false
	}
	switch a.Backend {
	case model.KindRelational:
		return a.RelationalPath == b.RelationalPath
	case model.KindManagedSQL:
		return strings.TrimSpace(a.ManagedDSN) == strings.TrimSpace(b.ManagedDSN)
	default:
		// two in-memory stores are distinct
		return a.KVDir != "" && a.KVDir == b.KVDir
	}
}

func withBackend(ctx context.Context, cfg *config.Config, log *zap.Logger, fn func(*storage.Backend) error) error {
	b, err := storage.Open(ctx, cfg.StorageConfig(), log)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(b)
}

func withStrict(ctx context.Context, sc storage.Config, log *zap.Logger, fn func(repository.Store) error) error {
	st, err := storage.OpenStrict(ctx, sc, log)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}
