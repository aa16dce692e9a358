// Package config loads service settings from defaults, an optional YAML
// file and MOMENTS_* environment variables, in that order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/and161185/moments/internal/model"
	"github.com/and161185/moments/internal/repository/postgres"
	"github.com/and161185/moments/internal/retention"
	"github.com/and161185/moments/internal/service"
	"github.com/and161185/moments/internal/storage"
)

// EnvPrefix is stripped from environment variables; "__" separates sections.
const EnvPrefix = "MOMENTS_"

type HTTP struct {
	Addr          string `koanf:"addr"`
	SecureCookies bool   `koanf:"secure_cookies"`
}

type GRPC struct {
	HealthAddr string `koanf:"health_addr"`
}

type KV struct {
	Dir string `koanf:"dir"`
}

type Relational struct {
	Path string `koanf:"path"`
}

type Managed struct {
	DSN            string        `koanf:"dsn"`
	MaxConns       int32         `koanf:"max_conns"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

type Storage struct {
	Backend    string     `koanf:"backend"`
	KV         KV         `koanf:"kv"`
	Relational Relational `koanf:"relational"`
	Managed    Managed    `koanf:"managed"`
}

type Auth struct {
	// AdminUsers is filled from auth.admin_users, which may be a YAML list,
	// a JSON array string or a comma separated string.
	AdminUsers []string `koanf:"-"`
}

type Retention struct {
	Enabled   bool `koanf:"enabled"`
	MaxPosts  int  `koanf:"max_posts"`
	MaxDelete int  `koanf:"max_delete"`
}

type Session struct {
	TTL             time.Duration `koanf:"ttl"`
	RefreshInterval time.Duration `koanf:"refresh_interval"`
	BatchRefresh    bool          `koanf:"batch_refresh"`
	BatchSize       int           `koanf:"batch_size"`
	BatchDelay      time.Duration `koanf:"batch_delay"`
	LegacyTokens    bool          `koanf:"legacy_tokens"`
}

type Cache struct {
	PostTTL time.Duration `koanf:"post_ttl"`
}

type Time struct {
	UTCOffsetMinutes int `koanf:"utc_offset_minutes"`
}

type Log struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// Config is the full service configuration.
type Config struct {
	HTTP      HTTP      `koanf:"http"`
	GRPC      GRPC      `koanf:"grpc"`
	Storage   Storage   `koanf:"storage"`
	Auth      Auth      `koanf:"auth"`
	Retention Retention `koanf:"retention"`
	Session   Session   `koanf:"session"`
	Cache     Cache     `koanf:"cache"`
	Time      Time      `koanf:"time"`
	Log       Log       `koanf:"log"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() map[string]any {
	pc := postgres.DefaultPoolConfig()
	return map[string]any{
		"http.addr":                       ":8080",
		"http.secure_cookies":             true,
		"grpc.health_addr":                "",
		"storage.backend":                 string(model.KindKV),
		"storage.kv.dir":                  "",
		"storage.relational.path":         "",
		"storage.managed.dsn":             "",
		"storage.managed.max_conns":       pc.MaxConns,
		"storage.managed.idle_timeout":    pc.IdleTimeout.String(),
		"storage.managed.connect_timeout": pc.ConnectTimeout.String(),
		"retention.enabled":               true,
		"retention.max_posts":             retention.DefaultMaxPosts,
		"retention.max_delete":            retention.DefaultMaxDelete,
		"session.ttl":                     service.DefaultSessionTTL.String(),
		"session.refresh_interval":        "30m",
		"session.batch_refresh":           false,
		"session.batch_size":              10,
		"session.batch_delay":             "30s",
		"session.legacy_tokens":           false,
		"cache.post_ttl":                  "5m",
		"time.utc_offset_minutes":         480,
		"log.level":                       "info",
		"log.development":                 false,
	}
}

// Loader assembles a Config from its sources.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
	dotenv    []string
	overrides map[string]any
}

// Option configures a Loader.
type Option func(*Loader)

// WithEnvPrefix replaces EnvPrefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) { l.envPrefix = prefix }
}

// WithConfigFile loads a YAML file between defaults and environment.
func WithConfigFile(path string) Option {
	return func(l *Loader) { l.filePath = path }
}

// WithDotenv loads the given .env files into the process environment first.
// Missing files are ignored.
func WithDotenv(paths ...string) Option {
	return func(l *Loader) { l.dotenv = paths }
}

// WithOverrides applies values above every other source.
func WithOverrides(m map[string]any) Option {
	return func(l *Loader) { l.overrides = m }
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{k: koanf.New("."), envPrefix: EnvPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads every source and returns a validated Config.
func (l *Loader) Load() (*Config, error) {
	for _, p := range l.dotenv {
		// godotenv never overrides variables already set.
		_ = godotenv.Load(p)
	}
	if err := l.k.Load(mapProvider(Defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.filePath, err)
		}
	}
	if err := l.k.Load(env.Provider(l.envPrefix, ".", l.envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	if len(l.overrides) > 0 {
		if err := l.k.Load(mapProvider(l.overrides), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	var c Config
	if err := l.k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	users, err := ParseUserList(l.k.Get("auth.admin_users"))
	if err != nil {
		return nil, fmt.Errorf("auth.admin_users: %w", err)
	}
	c.Auth.AdminUsers = users

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// envKey maps MOMENTS_STORAGE__MANAGED__MAX_CONNS to storage.managed.max_conns.
func (l *Loader) envKey(s string) string {
	s = strings.TrimPrefix(s, l.envPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// ParseUserList accepts a list, a JSON array string or a comma separated
// string. Empty entries are dropped.
func ParseUserList(v any) ([]string, error) {
	var raw []string
	switch t := v.(type) {
	case nil:
	case []string:
		raw = t
	case []any:
		for _, e := range t {
			raw = append(raw, fmt.Sprint(e))
		}
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "[") {
			if err := json.Unmarshal([]byte(s), &raw); err != nil {
				return nil, fmt.Errorf("parse json list: %w", err)
			}
		} else {
			raw = strings.Split(s, ",")
		}
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errList []error
	if _, ok := model.ParseBackendKind(c.Storage.Backend); !ok {
		errList = append(errList, fmt.Errorf("storage.backend %q is not kv, relational or managed-sql", c.Storage.Backend))
	}
	if c.HTTP.Addr == "" {
		errList = append(errList, errors.New("http.addr is empty"))
	}
	if c.Retention.MaxPosts <= 0 {
		errList = append(errList, fmt.Errorf("retention.max_posts must be positive, got %d", c.Retention.MaxPosts))
	}
	if c.Retention.MaxDelete <= 0 {
		errList = append(errList, fmt.Errorf("retention.max_delete must be positive, got %d", c.Retention.MaxDelete))
	}
	if c.Session.TTL <= 0 {
		errList = append(errList, errors.New("session.ttl must be positive"))
	}
	if c.Session.RefreshInterval <= 0 {
		errList = append(errList, errors.New("session.refresh_interval must be positive"))
	}
	if c.Cache.PostTTL <= 0 {
		errList = append(errList, errors.New("cache.post_ttl must be positive"))
	}
	if m := c.Time.UTCOffsetMinutes; m < -14*60 || m > 14*60 {
		errList = append(errList, fmt.Errorf("time.utc_offset_minutes out of range: %d", m))
	}
	return errors.Join(errList...)
}

// Location is the zone post dates are rendered in.
func (c *Config) Location() *time.Location {
	m := c.Time.UTCOffsetMinutes
	if m == 0 {
		return time.UTC
	}
	sign := "+"
	if m < 0 {
		sign = "-"
	}
	abs := max(m, -m)
	return time.FixedZone(fmt.Sprintf("UTC%s%02d:%02d", sign, abs/60, abs%60), m*60)
}

// StorageConfig converts the storage section for storage.Open.
func (c *Config) StorageConfig() storage.Config {
	kind, _ := model.ParseBackendKind(c.Storage.Backend)
	return storage.Config{
		Backend:        kind,
		KVDir:          c.Storage.KV.Dir,
		RelationalPath: c.Storage.Relational.Path,
		ManagedDSN:     c.Storage.Managed.DSN,
		Pool: postgres.PoolConfig{
			MaxConns:       c.Storage.Managed.MaxConns,
			IdleTimeout:    c.Storage.Managed.IdleTimeout,
			ConnectTimeout: c.Storage.Managed.ConnectTimeout,
		},
	}
}

func (c *Config) RetentionConfig() retention.Config {
	return retention.Config{
		Enabled:   c.Retention.Enabled,
		MaxPosts:  c.Retention.MaxPosts,
		MaxDelete: c.Retention.MaxDelete,
	}
}

func (c *Config) AuthConfig() service.AuthConfig {
	return service.AuthConfig{
		AdminUsers:   c.Auth.AdminUsers,
		TTL:          c.Session.TTL,
		LegacyTokens: c.Session.LegacyTokens,
	}
}

func (c *Config) RefresherConfig() service.RefresherConfig {
	return service.RefresherConfig{
		BatchSize: c.Session.BatchSize,
		Delay:     c.Session.BatchDelay,
	}
}

// mapProvider feeds a map with dotted keys to koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return maps.Unflatten(m, "."), nil
}
