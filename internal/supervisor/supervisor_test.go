package supervisor_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mikrotikmon/engine/internal/adapter"
	"github.com/mikrotikmon/engine/internal/alert"
	"github.com/mikrotikmon/engine/internal/ratederiver"
	"github.com/mikrotikmon/engine/internal/state"
	"github.com/mikrotikmon/engine/internal/supervisor"
	"github.com/mikrotikmon/engine/internal/timeseries"
)

// -------------------------------------------------------------------------
// Fakes
// -------------------------------------------------------------------------

type fakeAdapter struct {
	name           string
	reachable      bool
	probeErr       error
	listErr        error
	readErr        error
	ifaces         []adapter.InterfaceInfo
	readings       []adapter.CounterReading
	listInterfaceCalls int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) ProbeReachable(_ context.Context, _ adapter.Target) (bool, error) {
	if f.probeErr != nil {
		return false, f.probeErr
	}
	return f.reachable, nil
}

func (f *fakeAdapter) ListInterfaces(_ context.Context, _ adapter.Target, _ adapter.DisplayMode) ([]adapter.InterfaceInfo, error) {
	f.listInterfaceCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.ifaces, nil
}

func (f *fakeAdapter) ReadCounters(_ context.Context, _ adapter.Target, _ []string) ([]adapter.CounterReading, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	// Stamp each read with the current time, as the real adapters do.
	out := make([]adapter.CounterReading, len(f.readings))
	for i, r := range f.readings {
		r.SampledAt = time.Now()
		out[i] = r
	}
	return out, nil
}

func (f *fakeAdapter) ListIPAddresses(_ context.Context, _ adapter.Target) ([]adapter.IPAddress, error) {
	return nil, nil
}

func (f *fakeAdapter) ListRoutes(_ context.Context, _ adapter.Target) ([]adapter.Route, error) {
	return nil, nil
}

func (f *fakeAdapter) Close() error { return nil }

type fakeStore struct {
	mu       sync.Mutex
	router   state.Router
	ports    []state.MonitoredPort
	ifaces   []state.RouterInterface
	statuses []statusCall
}

type statusCall struct {
	reachable, connected bool
	lastMethod           string
}

func (s *fakeStore) GetRouter(_ context.Context, _ string) (state.Router, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router, nil
}

func (s *fakeStore) SetRouterStatus(_ context.Context, _ string, reachable, connected bool, lastMethod string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router.Reachable = reachable
	s.router.Connected = connected
	s.router.LastSuccessfulMethod = lastMethod
	s.statuses = append(s.statuses, statusCall{reachable, connected, lastMethod})
	return nil
}

func (s *fakeStore) UpsertRouterInterface(_ context.Context, iface state.RouterInterface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ifaces = append(s.ifaces, iface)
	return nil
}

func (s *fakeStore) ListMonitoredPorts(_ context.Context, _ string) ([]state.MonitoredPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports, nil
}

func (s *fakeStore) statusCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

func (s *fakeStore) lastStatus() statusCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[len(s.statuses)-1]
}

type fakeAlertEvaluator struct {
	mu    sync.Mutex
	calls []alert.PortResult
}

func (f *fakeAlertEvaluator) EvaluatePort(_ context.Context, r alert.PortResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r)
	return nil
}

func (f *fakeAlertEvaluator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// -------------------------------------------------------------------------
// Tests
// -------------------------------------------------------------------------

func testConfig() supervisor.Config {
	return supervisor.Config{
		BaseInterval:   time.Hour, // long enough that tick() never re-fires during a test
		MaxBackoff:     5 * time.Minute,
		MaxGap:         15 * time.Minute,
		NativeDeadline: time.Second,
		RESTDeadline:   time.Second,
		SNMPDeadline:   time.Second,
		StoreDeadline:  time.Second,
	}
}

func TestSuccessfulPollRecordsSampleAndAlert(t *testing.T) {
	t.Parallel()

	native := &fakeAdapter{
		name:      adapter.NameNative,
		reachable: true,
		ifaces:    []adapter.InterfaceInfo{{Name: "ether1", Running: true}},
		readings:  []adapter.CounterReading{{Name: "ether1", RxBytes: 1000, TxBytes: 2000, SampledAt: time.Now()}},
	}
	store := &fakeStore{
		router: state.Router{ID: "r1"},
		ports:  []state.MonitoredPort{{RouterID: "r1", PortName: "ether1", Enabled: true, MinThresholdBPS: 100}},
	}
	ts := timeseries.NewStore()
	alerts := &fakeAlertEvaluator{}

	cfg := testConfig()
	cfg.BaseInterval = 10 * time.Millisecond
	sv := supervisor.New("r1", native, nil, nil, store, ts, ratederiver.NewCache(), alerts, nil, slog.Default(), cfg)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	sv.Run(ctx)

	if store.statusCount() == 0 {
		t.Fatal("status updates = 0, want at least one poll to have run")
	}
	last := store.lastStatus()
	if !last.reachable || !last.connected || last.lastMethod != adapter.NameNative {
		t.Errorf("lastStatus = %+v, want reachable+connected via native", last)
	}

	// The first poll only seeds the Rate Deriver cache and emits nothing;
	// a subsequent poll against the same (unchanging) counters derives a
	// steady-state rate and both appends a sample and evaluates the alert.
	samples, err := ts.Range(t.Context(), "r1", "ether1", time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(samples) == 0 {
		t.Error("no samples appended after multiple polls")
	}
	if alerts.count() == 0 {
		t.Error("no alert evaluations recorded after multiple polls")
	}
}

func TestProbeFailureSkipsPollAndMarksUnreachable(t *testing.T) {
	t.Parallel()

	native := &fakeAdapter{name: adapter.NameNative, reachable: false}
	store := &fakeStore{router: state.Router{ID: "r1"}}
	ts := timeseries.NewStore()

	sv := supervisor.New("r1", native, nil, nil, store, ts, ratederiver.NewCache(), nil, nil, slog.Default(), testConfig())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	runOneTick(t, sv, ctx)

	if native.listInterfaceCalls != 0 {
		t.Errorf("ListInterfaces called %d times, want 0 (probe failed, poll skipped)", native.listInterfaceCalls)
	}
	last := store.lastStatus()
	if last.reachable || last.connected {
		t.Errorf("lastStatus = %+v, want unreachable/disconnected", last)
	}
}

func TestAdapterFallbackOnRetryableError(t *testing.T) {
	t.Parallel()

	native := &fakeAdapter{
		name:      adapter.NameNative,
		reachable: true,
		listErr:   adapter.NewError(adapter.NameNative, "list_interfaces", adapter.CodeTimeout, errors.New("timed out")),
	}
	rest := &fakeAdapter{
		name:      adapter.NameREST,
		reachable: true,
		ifaces:    []adapter.InterfaceInfo{{Name: "ether1", Running: true}},
		readings:  []adapter.CounterReading{{Name: "ether1", RxBytes: 10, TxBytes: 20, SampledAt: time.Now()}},
	}
	store := &fakeStore{router: state.Router{ID: "r1", RESTEnabled: true}}
	ts := timeseries.NewStore()

	sv := supervisor.New("r1", native, rest, nil, store, ts, ratederiver.NewCache(), nil, nil, slog.Default(), testConfig())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	runOneTick(t, sv, ctx)

	last := store.lastStatus()
	if last.lastMethod != adapter.NameREST {
		t.Errorf("lastMethod = %q, want %q (fell back after native's retryable error)", last.lastMethod, adapter.NameREST)
	}
}

func TestAdapterDoesNotFallbackOnNonRetryableError(t *testing.T) {
	t.Parallel()

	native := &fakeAdapter{
		name:      adapter.NameNative,
		reachable: true,
		listErr:   adapter.NewError(adapter.NameNative, "list_interfaces", adapter.CodeAuthFailed, errors.New("bad creds")),
	}
	rest := &fakeAdapter{name: adapter.NameREST, reachable: true}
	store := &fakeStore{router: state.Router{ID: "r1", RESTEnabled: true}}
	ts := timeseries.NewStore()

	sv := supervisor.New("r1", native, rest, nil, store, ts, ratederiver.NewCache(), nil, nil, slog.Default(), testConfig())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	runOneTick(t, sv, ctx)

	if rest.listInterfaceCalls != 0 {
		t.Errorf("rest.ListInterfaces called %d times, want 0 (auth_failed is terminal, no fallback)", rest.listInterfaceCalls)
	}
	last := store.lastStatus()
	if last.connected {
		t.Errorf("lastStatus.connected = true, want false (all attempts failed)")
	}
}

func TestReachabilityOnlyLoopForZeroAssignedPorts(t *testing.T) {
	t.Parallel()

	native := &fakeAdapter{name: adapter.NameNative, reachable: true}
	store := &fakeStore{router: state.Router{ID: "r1"}} // no monitored ports
	ts := timeseries.NewStore()

	cfg := testConfig()
	cfg.BaseInterval = 10 * time.Millisecond
	sv := supervisor.New("r1", native, nil, nil, store, ts, ratederiver.NewCache(), nil, nil, slog.Default(), cfg)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	sv.Run(ctx)

	// base_interval*4 means at most a couple of ticks fit in 50ms at a 40ms
	// period, versus dozens at the unreduced 10ms period.
	if store.statusCount() > 3 {
		t.Errorf("status updates = %d in 50ms window, want few (reduced reachability-only interval)", store.statusCount())
	}
}

func TestStopTerminatesRun(t *testing.T) {
	t.Parallel()

	native := &fakeAdapter{name: adapter.NameNative, reachable: true}
	store := &fakeStore{router: state.Router{ID: "r1"}}
	ts := timeseries.NewStore()

	cfg := testConfig()
	cfg.BaseInterval = time.Hour
	sv := supervisor.New("r1", native, nil, nil, store, ts, ratederiver.NewCache(), nil, nil, slog.Default(), cfg)

	done := make(chan struct{})
	go func() {
		sv.Run(t.Context())
		close(done)
	}()

	// Give Run a moment to enter its wait on the (long) BaseInterval timer.
	time.Sleep(20 * time.Millisecond)
	sv.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRefreshInterfacesUpsertsWithoutWaitingForTick(t *testing.T) {
	t.Parallel()

	native := &fakeAdapter{
		name:      adapter.NameNative,
		reachable: true,
		ifaces:    []adapter.InterfaceInfo{{Name: "ether1", Running: true}, {Name: "ether2", Running: false}},
	}
	store := &fakeStore{router: state.Router{ID: "r1"}}
	ts := timeseries.NewStore()

	sv := supervisor.New("r1", native, nil, nil, store, ts, ratederiver.NewCache(), nil, nil, slog.Default(), testConfig())

	if err := sv.RefreshInterfaces(t.Context()); err != nil {
		t.Fatalf("RefreshInterfaces() error = %v", err)
	}

	store.mu.Lock()
	n := len(store.ifaces)
	store.mu.Unlock()
	if n != 2 {
		t.Errorf("upserted interfaces = %d, want 2", n)
	}
	if native.listInterfaceCalls != 1 {
		t.Errorf("ListInterfaces called %d times, want 1", native.listInterfaceCalls)
	}
}

// runOneTick runs the supervisor and cancels its context right after the
// first tick's status update lands, so Run returns without waiting out a
// full BaseInterval.
func runOneTick(t *testing.T, sv *supervisor.Supervisor, ctx context.Context) {
	t.Helper()
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		sv.Run(cctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
