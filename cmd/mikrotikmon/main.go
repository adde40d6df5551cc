// mikrotikmon is the fleet-monitoring daemon: it polls a set of MikroTik
// routers, derives interface rates, evaluates alert thresholds, retains a
// time series, and serves the Query/Control API (spec §6).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/mikrotikmon/engine/internal/adapter"
	"github.com/mikrotikmon/engine/internal/alert"
	"github.com/mikrotikmon/engine/internal/api"
	"github.com/mikrotikmon/engine/internal/config"
	"github.com/mikrotikmon/engine/internal/fanout"
	enginemetrics "github.com/mikrotikmon/engine/internal/metrics"
	"github.com/mikrotikmon/engine/internal/notify"
	"github.com/mikrotikmon/engine/internal/ratederiver"
	"github.com/mikrotikmon/engine/internal/scheduler"
	"github.com/mikrotikmon/engine/internal/state"
	"github.com/mikrotikmon/engine/internal/timeseries"
	appversion "github.com/mikrotikmon/engine/internal/version"
)

// shutdownTimeout bounds how long the HTTP servers get to drain active
// connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("mikrotikmon starting",
		slog.String("version", appversion.Version),
		slog.String("http_addr", cfg.HTTP.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Bool("realtime_enabled", cfg.Realtime.Enabled),
	)

	reg := prometheus.NewRegistry()
	collector := enginemetrics.NewCollector(reg)

	stateStore := state.NewStore()
	tsStore := timeseries.NewStore()
	rates := ratederiver.NewCache()
	sink := notify.NewLogSink(logger)
	alertEngine := alert.New(stateStore, sink, collector, logger, cfg.Poll.DebounceWindow)

	if err := runServers(cfg, *configPath, logLevel, stateStore, tsStore, rates, alertEngine, collector, reg, logger); err != nil {
		logger.Error("mikrotikmon exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("mikrotikmon stopped")
	return 0
}

// runServers wires the Scheduler, Fan-out Hub, and Query/Control/metrics
// HTTP servers together under a signal-aware errgroup, reconciles the
// declarative router list at startup, and drains everything on shutdown.
func runServers(
	cfg *config.Config,
	configPath string,
	logLevel *slog.LevelVar,
	stateStore *state.Store,
	tsStore *timeseries.Store,
	rates *ratederiver.Cache,
	alertEngine *alert.Engine,
	collector *enginemetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	native := adapter.NewNativeAdapter(cfg.Adapter.MaxNative)
	rest := adapter.NewRESTAdapter(cfg.Adapter.MaxREST)
	snmp := adapter.NewSNMPAdapter()

	var hub *fanout.Hub
	if cfg.Realtime.Enabled {
		hub = fanout.New(
			realtimeResolver(stateStore, native, rest, snmp),
			rates,
			tsStore,
			collector,
			logger,
			fanout.Config{
				Interval:             cfg.Realtime.Interval,
				MaxTicks:             cfg.Realtime.MaxTicks,
				MaxSubscribedRouters: cfg.Realtime.MaxSubscribedRouters,
				QueueDepth:           cfg.Realtime.QueueDepth,
				MaxGap:               cfg.Poll.MaxGap,
				Deadline:             cfg.Adapter.StoreDeadline,
			},
		)
	}

	sched := scheduler.NewWithAdapters(stateStore, tsStore, alertEngine, routerDeleter(hub), native, rest, snmp, collector, logger, *cfg)

	apiHandler := api.New(stateStore, tsStore, sched, realtimeHub(hub), logger)
	apiSrv := newAPIServer(cfg.HTTP, apiHandler)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("api server listening", slog.String("addr", cfg.HTTP.Addr))
		return listenAndServe(gCtx, &lc, apiSrv, cfg.HTTP.Addr)
	})
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, sched, logger)
		return nil
	})

	g.Go(func() error {
		return sched.Run(gCtx, cfg.Routers)
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, apiSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// realtimeResolver builds the fanout.PollerResolver the Fan-out Hub uses
// to start a real-time poller for a router: it reads the router and its
// monitored ports from the State Store and picks the best-available
// adapter, the same native→rest→snmp preference order the Supervisor
// applies, minus stickiness (a real-time poller always starts fresh).
func realtimeResolver(store *state.Store, native, rest, snmp adapter.Adapter) fanout.PollerResolver {
	return func(ctx context.Context, routerID string) (fanout.PollerInputs, error) {
		router, err := store.GetRouter(ctx, routerID)
		if err != nil {
			return fanout.PollerInputs{}, fmt.Errorf("get router: %w", err)
		}

		var chosen adapter.Adapter
		switch {
		case native != nil:
			chosen = native
		case rest != nil && router.RESTEnabled:
			chosen = rest
		case snmp != nil && router.SNMPEnabled:
			chosen = snmp
		default:
			return fanout.PollerInputs{}, errors.New("no adapter available for router")
		}

		ports, err := store.ListMonitoredPorts(ctx, routerID)
		if err != nil {
			return fanout.PollerInputs{}, fmt.Errorf("list monitored ports: %w", err)
		}
		names := make([]string, 0, len(ports))
		for _, p := range ports {
			if p.Enabled {
				names = append(names, p.PortName)
			}
		}

		return fanout.PollerInputs{
			Adapter: chosen,
			Target: adapter.Target{
				RouterID:      router.ID,
				Host:          router.Host,
				Username:      router.Username,
				Cred:          router.Cred,
				NativePort:    router.NativePort,
				RESTEnabled:   router.RESTEnabled,
				RESTPort:      router.RESTPort,
				SNMPEnabled:   router.SNMPEnabled,
				SNMPPort:      router.SNMPPort,
				SNMPCommunity: router.SNMPCommunity,
				SNMPVersion:   router.SNMPVersion,
			},
			Ports: names,
		}, nil
	}
}

// routerDeleter adapts a possibly-nil *fanout.Hub to scheduler.RouterDeleter,
// returning an untyped nil interface for a nil hub: a typed-nil *fanout.Hub
// stored in the interface would make Scheduler.Reconcile's "hub != nil"
// check true.
func routerDeleter(hub *fanout.Hub) scheduler.RouterDeleter {
	if hub == nil {
		return nil
	}
	return hub
}

// realtimeHub performs the same typed-nil-to-nil-interface conversion for
// the api.RealtimeHub collaborator.
func realtimeHub(hub *fanout.Hub) api.RealtimeHub {
	if hub == nil {
		return nil
	}
	return hub
}

// -------------------------------------------------------------------------
// Systemd integration
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP reload — applies the new log level and re-runs
// Scheduler.Reconcile with the reloaded router list; Scheduler.Run itself
// reconciles only once, at startup. A future CRUD surface would feed
// Scheduler.Reconcile directly instead of waiting for SIGHUP.
// -------------------------------------------------------------------------

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, sched *scheduler.Scheduler, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(ctx, configPath, logLevel, sched, logger)
		}
	}
}

func reloadConfig(ctx context.Context, configPath string, logLevel *slog.LevelVar, sched *scheduler.Scheduler, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	created, destroyed, err := sched.Reconcile(ctx, newCfg.Routers)
	if err != nil {
		logger.Error("router reconciliation had errors", slog.String("error", err.Error()))
	}
	logger.Info("router reconciliation complete", slog.Int("created", created), slog.Int("destroyed", destroyed))
}

// -------------------------------------------------------------------------
// Graceful shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newAPIServer wraps the Query/Control handler with h2c so SSE/streaming
// clients can speak cleartext HTTP/2 without a TLS terminator in front.
func newAPIServer(cfg config.HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
