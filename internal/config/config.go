// Package config manages the monitoring engine's configuration using koanf/v2.
//
// Supports YAML files, environment variables, and the defaults below.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete monitoring engine configuration.
type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
	Store    StoreConfig    `koanf:"store"`
	SMTP     SMTPConfig     `koanf:"smtp"`
	Poll     PollConfig     `koanf:"poll"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Adapter  AdapterConfig  `koanf:"adapter"`
	Routers  []RouterSeed   `koanf:"routers"`
}

// HTTPConfig holds the Query/Control API server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address (e.g., ":8080"), serving the
	// query/control/streaming boundary described in spec §6.
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// StoreConfig holds connectivity for the (externally owned) persistent
// store. The engine itself ships in-memory reference implementations of
// TimeSeriesStore/StateStore (see internal/timeseries, internal/state);
// DatabaseURL is threaded through only so the outer, out-of-scope process
// can wire a real backend satisfying the same interfaces.
type StoreConfig struct {
	// DatabaseURL is the DATABASE_URL surface named in spec §6.
	DatabaseURL string `koanf:"database_url"`
	// Retention is the time-series cutoff. Default: 2 years. The daemon
	// loads it but does not run timeseries.Store.Retain;
	// samples are removed only when a caller invokes Retain directly.
	Retention time.Duration `koanf:"retention"`
	// CompactionAfter is the sample age for hourly/daily compaction.
	// Default: 7 days. No component reads it or runs Compact;
	// timeseries.Store.Aggregate always computes from raw samples.
	CompactionAfter time.Duration `koanf:"compaction_after"`
}

// SMTPConfig is the passthrough configuration for the (out-of-scope) email
// delivery collaborator; the engine never sends mail itself, it only
// enqueues notifications to a NotificationSink (internal/alert).
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// PollConfig holds the scheduled-polling admin knobs of spec §6.
type PollConfig struct {
	// BaseInterval is the per-router scheduled polling period. Default: 60s.
	BaseInterval time.Duration `koanf:"base_interval"`
	// MaxBackoff caps the exponential backoff on consecutive failures.
	// Default: 5 minutes.
	MaxBackoff time.Duration `koanf:"max_backoff"`
	// DebounceWindow is the number of consecutive evaluations a condition
	// must hold before firing/clearing. Default: 2.
	DebounceWindow int `koanf:"debounce_window"`
	// MaxGap is the Rate Deriver's re-seed threshold (§4.5). Default: 15m.
	MaxGap time.Duration `koanf:"max_gap"`
}

// RealtimeConfig holds the Fan-out Hub's on-demand polling admin knobs.
type RealtimeConfig struct {
	// Enabled gates the entire real-time subsystem (the "flag enabling the
	// real-time subsystem" of spec §6's CLI/environment surface).
	Enabled bool `koanf:"enabled"`
	// Interval is the real-time poller tick period. Default: 5s.
	Interval time.Duration `koanf:"interval"`
	// MaxTicks is the auto-pause bound. Default: 50.
	MaxTicks int `koanf:"max_ticks"`
	// MaxSubscribedRouters is the Fan-out Hub's global concurrency cap
	// (spec §5): excess subscribes are rejected with "busy".
	MaxSubscribedRouters int `koanf:"max_subscribed_routers"`
	// QueueDepth is the bounded per-session delivery queue size (spec §4.7).
	QueueDepth int `koanf:"queue_depth"`
}

// AdapterConfig holds per-protocol device-I/O deadlines (D_poll_native/
// rest/snmp) and connection pool caps (spec §5).
type AdapterConfig struct {
	NativeDeadline time.Duration `koanf:"native_deadline"`
	RESTDeadline   time.Duration `koanf:"rest_deadline"`
	SNMPDeadline   time.Duration `koanf:"snmp_deadline"`
	StoreDeadline  time.Duration `koanf:"store_deadline"` // D_store
	MaxNative      int           `koanf:"max_native_conns"`
	MaxREST        int           `koanf:"max_rest_conns"`
	GracePeriod    time.Duration `koanf:"grace_period"`
}

// RouterSeed describes a declaratively configured router. Each entry
// reconciles against the running set of Supervisors on startup and on
// each SIGHUP configuration reload, standing in for the external CRUD surface
// (out of scope per §1) until one is wired up.
type RouterSeed struct {
	ID       string `koanf:"id"`
	Name     string `koanf:"name"`
	Host     string `koanf:"host"`
	Username string `koanf:"username"`
	// Password backs a StaticCredential for the declarative bootstrap
	// path; a real CredentialAccessor (vault-backed, rotated) is expected
	// to replace this once the external CRUD surface exists.
	Password string `koanf:"password"`

	NativePort int `koanf:"native_port"`

	RESTEnabled bool `koanf:"rest_enabled"`
	RESTPort    int  `koanf:"rest_port"`

	SNMPEnabled   bool   `koanf:"snmp_enabled"`
	SNMPPort      int    `koanf:"snmp_port"`
	SNMPCommunity string `koanf:"snmp_community"`
	SNMPVersion   string `koanf:"snmp_version"` // "v1" or "v2c"

	// InterfaceDisplayMode is one of "none", "static", "all" (§3). It only
	// governs what the (out-of-scope) UI shows for unmonitored interfaces;
	// see DESIGN.md Open Question #1 — monitored ports are always polled.
	InterfaceDisplayMode string `koanf:"interface_display_mode"`
}

// Key returns a unique identifier for diffing router seeds on reconcile.
func (rs RouterSeed) Key() string {
	return rs.ID
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the defaults named in spec §6.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Retention:       2 * 365 * 24 * time.Hour,
			CompactionAfter: 7 * 24 * time.Hour,
		},
		Poll: PollConfig{
			BaseInterval:   60 * time.Second,
			MaxBackoff:     5 * time.Minute,
			DebounceWindow: 2,
			MaxGap:         15 * time.Minute,
		},
		Realtime: RealtimeConfig{
			Enabled:              false,
			Interval:             5 * time.Second,
			MaxTicks:             50,
			MaxSubscribedRouters: 64,
			QueueDepth:           8,
		},
		Adapter: AdapterConfig{
			NativeDeadline: 10 * time.Second,
			RESTDeadline:   10 * time.Second,
			SNMPDeadline:   10 * time.Second,
			StoreDeadline:  5 * time.Second,
			MaxNative:      4,
			MaxREST:        4,
			GracePeriod:    10 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for engine configuration.
// Variables are named MIKROTIKMON_<section>_<key>, e.g. MIKROTIKMON_HTTP_ADDR.
const envPrefix = "MIKROTIKMON_"

// ErrEmptyRouterID indicates a router seed entry with no id.
var ErrEmptyRouterID = errors.New("router seed: id must not be empty")

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (MIKROTIKMON_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer and returns defaults plus env overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper converts MIKROTIKMON_HTTP_ADDR style variables into the
// dotted koanf key "http.addr": strip the prefix, lowercase, and replace
// the first underscore-separated segment boundary with a dot.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// Validate checks invariants that koanf's struct tags can't express.
func Validate(cfg *Config) error {
	for _, rs := range cfg.Routers {
		if rs.Key() == "" {
			return ErrEmptyRouterID
		}
	}
	if cfg.Poll.DebounceWindow < 1 {
		return fmt.Errorf("poll.debounce_window must be >= 1, got %d", cfg.Poll.DebounceWindow)
	}
	if cfg.Realtime.MaxTicks < 1 {
		return fmt.Errorf("realtime.max_ticks must be >= 1, got %d", cfg.Realtime.MaxTicks)
	}
	return nil
}

// ParseLogLevel converts a string log level into an slog.Level, defaulting
// to Info for unrecognized values.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
