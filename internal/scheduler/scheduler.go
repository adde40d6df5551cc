// Package scheduler implements the Scheduler (spec §4.8): it owns every
// Router Supervisor's lifecycle, reconciling the running set against the
// declarative router list on startup and on every subsequent reconcile
// call, and coordinates graceful shutdown with a grace period.
//
// The desired/current key-set diff is grounded on bfd.Manager's
// ReconcileSessions (destroy what's no longer desired, then create
// what's missing); the errgroup-based run/shutdown shape follows
// cmd/gobfd/main.go's runServers/gracefulShutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mikrotikmon/engine/internal/adapter"
	"github.com/mikrotikmon/engine/internal/config"
	"github.com/mikrotikmon/engine/internal/fanout"
	"github.com/mikrotikmon/engine/internal/metrics"
	"github.com/mikrotikmon/engine/internal/ratederiver"
	"github.com/mikrotikmon/engine/internal/state"
	"github.com/mikrotikmon/engine/internal/supervisor"
)

// Store is the subset of the State Store the Scheduler consumes directly;
// it embeds supervisor.Store so a *state.Store satisfies both.
type Store interface {
	supervisor.Store
	ListRouters(ctx context.Context) ([]state.Router, error)
	PutRouter(ctx context.Context, r state.Router) error
	DeleteRouter(ctx context.Context, routerID string) error
}

// RouterDeleter is notified when a router leaves the desired set, so any
// active Fan-out Hub subscriptions are torn down alongside its Supervisor.
type RouterDeleter interface {
	RouterDeleted(routerID string)
}

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
	sv     *supervisor.Supervisor
}

// Scheduler owns one Supervisor goroutine per desired router.
type Scheduler struct {
	store  Store
	ts     supervisor.TimeSeriesStore
	alerts supervisor.AlertEvaluator
	rates  *ratederiver.Cache
	hub    RouterDeleter

	native, rest, snmp adapter.Adapter

	metrics *metrics.Collector
	logger  *slog.Logger
	cfg     config.Config

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a Scheduler. hub may be nil if the real-time subsystem
// is disabled.
func New(store Store, ts supervisor.TimeSeriesStore, alerts supervisor.AlertEvaluator, hub RouterDeleter, collector *metrics.Collector, logger *slog.Logger, cfg config.Config) *Scheduler {
	return NewWithAdapters(store, ts, alerts, hub,
		adapter.NewNativeAdapter(cfg.Adapter.MaxNative),
		adapter.NewRESTAdapter(cfg.Adapter.MaxREST),
		adapter.NewSNMPAdapter(),
		collector, logger, cfg)
}

// NewWithAdapters constructs a Scheduler against caller-supplied adapter
// instances, letting tests substitute fakes for the real device-I/O
// adapters New would otherwise build.
func NewWithAdapters(store Store, ts supervisor.TimeSeriesStore, alerts supervisor.AlertEvaluator, hub RouterDeleter, native, rest, snmp adapter.Adapter, collector *metrics.Collector, logger *slog.Logger, cfg config.Config) *Scheduler {
	return &Scheduler{
		store:   store,
		ts:      ts,
		alerts:  alerts,
		rates:   ratederiver.NewCache(),
		hub:     hub,
		native:  native,
		rest:    rest,
		snmp:    snmp,
		metrics: collector,
		logger:  logger,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

func seedToRouter(rs config.RouterSeed) state.Router {
	return state.Router{
		ID:                   rs.ID,
		Name:                 rs.Name,
		Host:                 rs.Host,
		NativePort:           rs.NativePort,
		Username:             rs.Username,
		Cred:                 adapter.StaticCredential(rs.Password),
		RESTEnabled:          rs.RESTEnabled,
		RESTPort:             rs.RESTPort,
		SNMPEnabled:          rs.SNMPEnabled,
		SNMPPort:             rs.SNMPPort,
		SNMPCommunity:        rs.SNMPCommunity,
		SNMPVersion:          rs.SNMPVersion,
		InterfaceDisplayMode: adapter.ParseDisplayMode(rs.InterfaceDisplayMode),
	}
}

func (s *Scheduler) supervisorConfig() supervisor.Config {
	return supervisor.Config{
		BaseInterval:   s.cfg.Poll.BaseInterval,
		MaxBackoff:     s.cfg.Poll.MaxBackoff,
		MaxGap:         s.cfg.Poll.MaxGap,
		NativeDeadline: s.cfg.Adapter.NativeDeadline,
		RESTDeadline:   s.cfg.Adapter.RESTDeadline,
		SNMPDeadline:   s.cfg.Adapter.SNMPDeadline,
		StoreDeadline:  s.cfg.Adapter.StoreDeadline,
	}
}

// Reconcile diffs seeds against the currently running Supervisors: it
// stops and removes any Supervisor whose router is no longer in seeds,
// then upserts and starts a Supervisor for every seed not yet running
// (spec §4.8).
func (s *Scheduler) Reconcile(ctx context.Context, seeds []config.RouterSeed) (created, destroyed int, err error) {
	desired := make(map[string]config.RouterSeed, len(seeds))
	for _, rs := range seeds {
		desired[rs.ID] = rs
	}

	s.mu.Lock()
	current := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		current[id] = e
	}
	s.mu.Unlock()

	var errs []error

	for id, e := range current {
		if _, want := desired[id]; want {
			continue
		}
		s.logger.Info("reconcile: stopping removed router", slog.String("router_id", id))
		s.stopOne(id, e)
		if err := s.store.DeleteRouter(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("reconcile delete %s: %w", id, err))
		}
		if s.hub != nil {
			s.hub.RouterDeleted(id)
		}
		destroyed++
	}

	for id, rs := range desired {
		if _, exists := current[id]; exists {
			continue
		}
		s.logger.Info("reconcile: starting new router", slog.String("router_id", id))
		if err := s.startOne(ctx, rs); err != nil {
			errs = append(errs, fmt.Errorf("reconcile start %s: %w", id, err))
			continue
		}
		created++
	}

	s.logger.Info("reconciliation complete", slog.Int("created", created), slog.Int("destroyed", destroyed))

	if len(errs) > 0 {
		err = errors.Join(errs...)
	}
	return created, destroyed, err
}

func (s *Scheduler) startOne(ctx context.Context, rs config.RouterSeed) error {
	router := seedToRouter(rs)
	if err := s.store.PutRouter(ctx, router); err != nil {
		return fmt.Errorf("put router: %w", err)
	}

	sv := supervisor.New(rs.ID, s.native, s.rest, s.snmp, s.store, s.ts, s.rates, s.alerts, s.metrics, s.logger, s.supervisorConfig())

	svCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sv.Run(svCtx)
	}()

	s.mu.Lock()
	s.entries[rs.ID] = &entry{cancel: cancel, done: done, sv: sv}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) stopOne(id string, e *entry) {
	e.cancel()
	<-e.done
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Supervisor returns the running Supervisor for routerID, if any — used
// by the Query/Control API's refresh_interface_metadata operation.
func (s *Scheduler) Supervisor(routerID string) (*supervisor.Supervisor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[routerID]
	if !ok {
		return nil, false
	}
	return e.sv, true
}

// Run reconciles seeds once at startup, then blocks until ctx is
// cancelled, at which point every Supervisor is stopped within
// cfg.Adapter.GracePeriod.
func (s *Scheduler) Run(ctx context.Context, seeds []config.RouterSeed) error {
	if _, _, err := s.Reconcile(ctx, seeds); err != nil {
		s.logger.Error("startup reconcile had errors", slog.Any("error", err))
	}

	<-ctx.Done()
	return s.shutdown()
}

func (s *Scheduler) shutdown() error {
	s.logger.Info("scheduler shutting down", slog.Duration("grace_period", s.cfg.Adapter.GracePeriod))

	s.mu.Lock()
	entries := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		entries[id] = e
	}
	s.mu.Unlock()

	g := new(errgroup.Group)
	for id, e := range entries {
		id, e := id, e
		g.Go(func() error {
			e.cancel()
			select {
			case <-e.done:
				return nil
			case <-time.After(s.cfg.Adapter.GracePeriod):
				return fmt.Errorf("supervisor %s did not stop within grace period", id)
			}
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// RouterCount reports how many Supervisors are currently running.
func (s *Scheduler) RouterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
