// Package supervisor implements the Router Supervisor (spec §4.4): one
// independently scheduled task per router that selects an adapter,
// executes a poll, persists results, and updates router status. Its
// run loop and sticky-state shape follow the per-session event loop in
// internal/bfd/session.go: a single goroutine owns all mutable state and
// reacts to a timer tick, with external state transitions observed only
// on the next tick.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mikrotikmon/engine/internal/adapter"
	"github.com/mikrotikmon/engine/internal/alert"
	"github.com/mikrotikmon/engine/internal/metrics"
	"github.com/mikrotikmon/engine/internal/ratederiver"
	"github.com/mikrotikmon/engine/internal/state"
	"github.com/mikrotikmon/engine/internal/timeseries"
)

// -------------------------------------------------------------------------
// Phase — per-router state machine (spec §4.4)
// -------------------------------------------------------------------------

// Phase is one state in the per-router state machine.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseProbing
	PhasePolling
	PhaseUnreachable
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseProbing:
		return "probing"
	case PhasePolling:
		return "polling"
	case PhaseUnreachable:
		return "unreachable"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// -------------------------------------------------------------------------
// Collaborator Interfaces
// -------------------------------------------------------------------------

// Store is the subset of the State Store a Supervisor consumes.
type Store interface {
	GetRouter(ctx context.Context, routerID string) (state.Router, error)
	SetRouterStatus(ctx context.Context, routerID string, reachable, connected bool, lastMethod string, lastConnectedAt time.Time) error
	UpsertRouterInterface(ctx context.Context, iface state.RouterInterface) error
	ListMonitoredPorts(ctx context.Context, routerID string) ([]state.MonitoredPort, error)
}

// TimeSeriesStore is the subset of the Time-Series Store a Supervisor
// appends samples to.
type TimeSeriesStore interface {
	Append(ctx context.Context, sample timeseries.Sample) error
}

// AlertEvaluator is the subset of the Alert Engine a Supervisor feeds
// per-port observations to.
type AlertEvaluator interface {
	EvaluatePort(ctx context.Context, r alert.PortResult) error
}

// -------------------------------------------------------------------------
// Config
// -------------------------------------------------------------------------

// Config holds the per-router tuning knobs threaded from config.PollConfig
// and config.AdapterConfig.
type Config struct {
	BaseInterval   time.Duration
	MaxBackoff     time.Duration
	MaxGap         time.Duration
	NativeDeadline time.Duration
	RESTDeadline   time.Duration
	SNMPDeadline   time.Duration
	StoreDeadline  time.Duration
}

// -------------------------------------------------------------------------
// Supervisor
// -------------------------------------------------------------------------

// Supervisor runs the scheduled poll loop for one router. Construct one
// per router; Run blocks until ctx is canceled or Stop is called.
type Supervisor struct {
	routerID string
	native   adapter.Adapter
	rest     adapter.Adapter
	snmp     adapter.Adapter

	store   Store
	ts      TimeSeriesStore
	rates   *ratederiver.Cache
	alerts  AlertEvaluator
	metrics *metrics.Collector
	logger  *slog.Logger
	cfg     Config

	mu                  sync.Mutex
	phase               Phase
	consecutiveFailures int
	lastMethod          string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Supervisor for one router. rates is the Rate Deriver
// cache this Supervisor writes into; pass a dedicated Cache per
// Supervisor unless sharing is explicitly desired (the real-time poller
// of internal/fanout uses its own cache, per spec §4.7).
func New(routerID string, native, rest, snmp adapter.Adapter, store Store, ts TimeSeriesStore, rates *ratederiver.Cache, alerts AlertEvaluator, collector *metrics.Collector, logger *slog.Logger, cfg Config) *Supervisor {
	return &Supervisor{
		routerID:   routerID,
		native:     native,
		rest:       rest,
		snmp:       snmp,
		store:      store,
		ts:         ts,
		rates:      rates,
		alerts:     alerts,
		metrics:    collector,
		logger:     logger.With(slog.String("router_id", routerID)),
		cfg:        cfg,
		phase:      PhaseIdle,
		lastMethod: adapter.NameNative,
		stopCh:     make(chan struct{}),
	}
}

// Phase reports the Supervisor's current state machine phase.
func (sv *Supervisor) Phase() Phase {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.phase
}

func (sv *Supervisor) setPhase(p Phase) {
	sv.mu.Lock()
	sv.phase = p
	sv.mu.Unlock()
}

// Stop signals Run to terminate at the next tick boundary (spec §4.4:
// "Any state → (router deleted or disabled) → Stopping → termination").
func (sv *Supervisor) Stop() {
	sv.stopOnce.Do(func() { close(sv.stopCh) })
}

// Run executes the poll loop until ctx is canceled or Stop is called.
// One in-flight poll at a time: the loop never starts tick N+1 before
// tick N's persistence completes (spec §5).
func (sv *Supervisor) Run(ctx context.Context) {
	sv.logger.Info("supervisor started")
	defer sv.logger.Info("supervisor stopped")

	for {
		interval := sv.tick(ctx)

		select {
		case <-ctx.Done():
			sv.setPhase(PhaseStopping)
			return
		case <-sv.stopCh:
			sv.setPhase(PhaseStopping)
			return
		case <-time.After(interval):
		}
	}
}

// tick executes exactly one Idle→Probing→Polling(→Idle|Unreachable)
// cycle and returns the interval to wait before the next tick.
func (sv *Supervisor) tick(ctx context.Context) time.Duration {
	sv.setPhase(PhaseProbing)

	router, err := sv.store.GetRouter(ctx, sv.routerID)
	if err != nil {
		sv.logger.Warn("router lookup failed, skipping tick", slog.Any("error", err))
		return sv.cfg.BaseInterval
	}
	if router.Disabled {
		sv.setPhase(PhaseStopping)
		return sv.cfg.BaseInterval
	}

	target := sv.target(router)

	candidates := sv.orderedAdapters(router)
	if len(candidates) == 0 {
		sv.logger.Warn("no adapter configured for router")
		return sv.backoffInterval()
	}

	reachable, probeErr := sv.probe(ctx, candidates[0], target)
	if probeErr != nil || !reachable {
		sv.setPhase(PhaseUnreachable)
		sv.recordFailure(ctx, reachable)
		return sv.backoffInterval()
	}

	ports, err := sv.store.ListMonitoredPorts(ctx, sv.routerID)
	if err != nil {
		sv.logger.Warn("list monitored ports failed", slog.Any("error", err))
		ports = nil
	}

	sv.setPhase(PhasePolling)
	method, pollErr := sv.poll(ctx, candidates, target, router.InterfaceDisplayMode, ports)
	if pollErr != nil {
		sv.setPhase(PhaseUnreachable)
		sv.recordFailure(ctx, true)
		return sv.backoffInterval()
	}

	sv.recordSuccess(ctx, method)
	sv.setPhase(PhaseIdle)

	if len(ports) == 0 {
		return max(sv.cfg.BaseInterval*4, sv.cfg.BaseInterval)
	}
	return sv.cfg.BaseInterval
}

// RefreshInterfaces implements the Control API's refresh_interface_metadata
// operation (spec §6): an out-of-band list_interfaces starting from the
// current sticky adapter and falling through the same order as poll,
// independent of the scheduled poll loop.
func (sv *Supervisor) RefreshInterfaces(ctx context.Context) error {
	router, err := sv.store.GetRouter(ctx, sv.routerID)
	if err != nil {
		return fmt.Errorf("get router: %w", err)
	}

	candidates := sv.orderedAdapters(router)
	if len(candidates) == 0 {
		return errors.New("no adapter configured for router")
	}

	target := sv.target(router)
	var lastErr error
	for _, a := range candidates {
		callCtx, cancel := context.WithTimeout(ctx, sv.deadlineFor(a))
		ifaces, err := a.ListInterfaces(callCtx, target, router.InterfaceDisplayMode)
		cancel()
		if err != nil {
			if retryable(err) {
				lastErr = err
				continue
			}
			return err
		}
		sv.persistInterfaces(ctx, ifaces)
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no adapter available")
	}
	return fmt.Errorf("refresh interfaces %s: %w", sv.routerID, lastErr)
}

// target builds an adapter.Target from the router's stored configuration.
func (sv *Supervisor) target(r state.Router) adapter.Target {
	return adapter.Target{
		RouterID:      r.ID,
		Host:          r.Host,
		Username:      r.Username,
		Cred:          r.Cred,
		NativePort:    r.NativePort,
		RESTEnabled:   r.RESTEnabled,
		RESTPort:      r.RESTPort,
		SNMPEnabled:   r.SNMPEnabled,
		SNMPPort:      r.SNMPPort,
		SNMPCommunity: r.SNMPCommunity,
		SNMPVersion:   r.SNMPVersion,
	}
}

// orderedAdapters implements the fallback order of spec §4.4: start from
// last_successful_method, then native → rest (if enabled) → snmp (if
// enabled), skipping duplicates and adapters the router hasn't enabled.
func (sv *Supervisor) orderedAdapters(r state.Router) []adapter.Adapter {
	sv.mu.Lock()
	sticky := sv.lastMethod
	sv.mu.Unlock()

	var ordered []adapter.Adapter
	seen := make(map[string]bool)

	add := func(name string) {
		if seen[name] {
			return
		}
		switch name {
		case adapter.NameNative:
			if sv.native != nil {
				ordered = append(ordered, sv.native)
				seen[name] = true
			}
		case adapter.NameREST:
			if sv.rest != nil && r.RESTEnabled {
				ordered = append(ordered, sv.rest)
				seen[name] = true
			}
		case adapter.NameSNMP:
			if sv.snmp != nil && r.SNMPEnabled {
				ordered = append(ordered, sv.snmp)
				seen[name] = true
			}
		}
	}

	add(sticky)
	add(adapter.NameNative)
	add(adapter.NameREST)
	add(adapter.NameSNMP)
	return ordered
}

func (sv *Supervisor) probe(ctx context.Context, a adapter.Adapter, t adapter.Target) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, sv.deadlineFor(a))
	defer cancel()
	return a.ProbeReachable(ctx, t)
}

func (sv *Supervisor) deadlineFor(a adapter.Adapter) time.Duration {
	switch a.Name() {
	case adapter.NameREST:
		return sv.cfg.RESTDeadline
	case adapter.NameSNMP:
		return sv.cfg.SNMPDeadline
	default:
		return sv.cfg.NativeDeadline
	}
}

// poll implements step 3–4 of spec §4.4's adapter selection algorithm:
// try each candidate in order until one succeeds at list_interfaces +
// read_counters, falling through on any retryable or feature_unavailable
// failure.
func (sv *Supervisor) poll(ctx context.Context, candidates []adapter.Adapter, target adapter.Target, displayMode adapter.DisplayMode, ports []state.MonitoredPort) (string, error) {
	var lastErr error
	for i, a := range candidates {
		callCtx, cancel := context.WithTimeout(ctx, sv.deadlineFor(a))
		ifaces, err := a.ListInterfaces(callCtx, target, displayMode)
		if err != nil {
			cancel()
			if retryable(err) {
				lastErr = err
				continue
			}
			return "", err
		}

		names := monitoredNames(ports)
		readings, err := a.ReadCounters(callCtx, target, names)
		cancel()
		if err != nil {
			if retryable(err) {
				lastErr = err
				continue
			}
			return "", err
		}

		if i > 0 && sv.metrics != nil {
			sv.metrics.IncAdapterFallback(sv.routerID)
		}

		sv.persistInterfaces(ctx, ifaces)
		sv.deriveAndEvaluate(ctx, readings, ifaces, ports)
		return a.Name(), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no adapter available")
	}
	return "", fmt.Errorf("poll %s: %w", sv.routerID, lastErr)
}

func retryable(err error) bool {
	if code, ok := adapter.CodeOf(err); ok {
		return code.Retryable() || code == adapter.CodeFeatureUnavailable
	}
	return true
}

func monitoredNames(ports []state.MonitoredPort) []string {
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.PortName)
	}
	return names
}

// persistInterfaces upserts every interface returned from list_interfaces
// into the interface cache (spec §4.4).
func (sv *Supervisor) persistInterfaces(ctx context.Context, ifaces []adapter.InterfaceInfo) {
	now := time.Now()
	for _, ifc := range ifaces {
		err := sv.store.UpsertRouterInterface(ctx, state.RouterInterface{
			RouterID: sv.routerID,
			Name:     ifc.Name,
			Type:     ifc.Type,
			MAC:      ifc.MAC,
			Running:  ifc.Running,
			Disabled: ifc.Disabled,
			LastSeen: now,
		})
		if err != nil {
			sv.logger.Warn("upsert interface failed", slog.String("interface", ifc.Name), slog.Any("error", err))
		}
	}
}

// deriveAndEvaluate feeds each monitored port's reading through the Rate
// Deriver and Alert Engine, and emits a port-down signal for any
// monitored port absent from this poll's interface list (spec §4.4).
func (sv *Supervisor) deriveAndEvaluate(ctx context.Context, readings []adapter.CounterReading, ifaces []adapter.InterfaceInfo, ports []state.MonitoredPort) {
	if len(ports) == 0 {
		return
	}

	byName := make(map[string]adapter.CounterReading, len(readings))
	for _, r := range readings {
		byName[r.Name] = r
	}
	presentByName := make(map[string]adapter.InterfaceInfo, len(ifaces))
	for _, ifc := range ifaces {
		presentByName[ifc.Name] = ifc
	}

	for _, port := range ports {
		reading, gotReading := byName[port.PortName]
		ifc, present := presentByName[port.PortName]

		if !gotReading || !present {
			sv.evaluateAlert(ctx, port, alert.PortResult{
				RouterID:        sv.routerID,
				PortName:        port.PortName,
				Present:         present,
				Running:         present && ifc.Running,
				MinThresholdBPS: port.MinThresholdBPS,
				EmailEnabled:    port.EmailEnabled,
				PopupEnabled:    port.PopupEnabled,
			})
			continue
		}

		rd, ok := sv.rates.Derive(sv.routerID, port.PortName, reading.RxBytes, reading.TxBytes, reading.SampledAt, sv.cfg.MaxGap)
		if !ok {
			continue // seeding sample, counter reset, or stale gap: no emission this tick
		}

		if err := sv.ts.Append(ctx, timeseries.Sample{
			RouterID: sv.routerID,
			PortName: port.PortName,
			TS:       rd.At,
			RxBPS:    rd.RxBPS,
			TxBPS:    rd.TxBPS,
			TotalBPS: rd.TotalBPS,
		}); err != nil {
			sv.logger.Warn("append sample failed", slog.String("port", port.PortName), slog.Any("error", err))
		}

		sv.evaluateAlert(ctx, port, alert.PortResult{
			RouterID:        sv.routerID,
			PortName:        port.PortName,
			Present:         true,
			Running:         ifc.Running,
			TotalBPS:        rd.TotalBPS,
			MinThresholdBPS: port.MinThresholdBPS,
			EmailEnabled:    port.EmailEnabled,
			PopupEnabled:    port.PopupEnabled,
		})
	}
}

func (sv *Supervisor) evaluateAlert(ctx context.Context, port state.MonitoredPort, r alert.PortResult) {
	if sv.alerts == nil {
		return
	}
	if err := sv.alerts.EvaluatePort(ctx, r); err != nil {
		sv.logger.Warn("alert evaluation failed", slog.String("port", port.PortName), slog.Any("error", err))
	}
}

// -------------------------------------------------------------------------
// Status & Backoff
// -------------------------------------------------------------------------

func (sv *Supervisor) recordSuccess(ctx context.Context, method string) {
	sv.mu.Lock()
	sv.consecutiveFailures = 0
	sv.lastMethod = method
	sv.mu.Unlock()

	if sv.metrics != nil {
		sv.metrics.SetReachable(sv.routerID, method, true)
		sv.metrics.IncPoll(sv.routerID, method)
	}

	if err := sv.store.SetRouterStatus(ctx, sv.routerID, true, true, method, time.Now()); err != nil {
		sv.logger.Warn("set router status failed", slog.Any("error", err))
	}
}

func (sv *Supervisor) recordFailure(ctx context.Context, reachable bool) {
	sv.mu.Lock()
	sv.consecutiveFailures++
	method := sv.lastMethod
	sv.mu.Unlock()

	if sv.metrics != nil {
		sv.metrics.SetReachable(sv.routerID, method, reachable)
		sv.metrics.IncPoll(sv.routerID, method)
		sv.metrics.IncPollFailure(sv.routerID, method)
	}

	if err := sv.store.SetRouterStatus(ctx, sv.routerID, reachable, false, method, time.Time{}); err != nil {
		sv.logger.Warn("set router status failed", slog.Any("error", err))
	}
}

// backoffInterval implements spec §4.4: effective_interval =
// base_interval × min(2^fail, 32), capped at max_backoff.
func (sv *Supervisor) backoffInterval() time.Duration {
	sv.mu.Lock()
	fail := sv.consecutiveFailures
	sv.mu.Unlock()

	multiplier := 1 << min(fail, 5) // 2^fail, capped at 32 (2^5)
	interval := sv.cfg.BaseInterval * time.Duration(multiplier)
	if interval > sv.cfg.MaxBackoff {
		return sv.cfg.MaxBackoff
	}
	return interval
}
