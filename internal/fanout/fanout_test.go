package fanout_test

import (
	"context"
	"log/slog"
	"testing"
	"testing/synctest"
	"time"

	"github.com/mikrotikmon/engine/internal/adapter"
	"github.com/mikrotikmon/engine/internal/fanout"
	"github.com/mikrotikmon/engine/internal/ratederiver"
	"github.com/mikrotikmon/engine/internal/timeseries"
)

// -------------------------------------------------------------------------
// Fakes
// -------------------------------------------------------------------------

type fakeAdapter struct {
	name     string
	readings []adapter.CounterReading
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) ProbeReachable(_ context.Context, _ adapter.Target) (bool, error) {
	return true, nil
}
func (f *fakeAdapter) ListInterfaces(_ context.Context, _ adapter.Target, _ adapter.DisplayMode) ([]adapter.InterfaceInfo, error) {
	return nil, nil
}
func (f *fakeAdapter) ReadCounters(_ context.Context, _ adapter.Target, _ []string) ([]adapter.CounterReading, error) {
	readings := make([]adapter.CounterReading, len(f.readings))
	copy(readings, f.readings)
	for i := range readings {
		readings[i].SampledAt = time.Now()
	}
	return readings, nil
}
func (f *fakeAdapter) ListIPAddresses(_ context.Context, _ adapter.Target) ([]adapter.IPAddress, error) {
	return nil, nil
}
func (f *fakeAdapter) ListRoutes(_ context.Context, _ adapter.Target) ([]adapter.Route, error) {
	return nil, nil
}
func (f *fakeAdapter) Close() error { return nil }

func testResolver(a adapter.Adapter) fanout.PollerResolver {
	return func(_ context.Context, routerID string) (fanout.PollerInputs, error) {
		return fanout.PollerInputs{
			Adapter: a,
			Target:  adapter.Target{Host: routerID},
			Ports:   []string{"ether1"},
		}, nil
	}
}

func testConfig() fanout.Config {
	return fanout.Config{
		Interval:             10 * time.Millisecond,
		MaxTicks:             50,
		MaxSubscribedRouters: 2,
		QueueDepth:           2,
		MaxGap:               15 * time.Minute,
		Deadline:             time.Second,
	}
}

// -------------------------------------------------------------------------
// Tests
// -------------------------------------------------------------------------

func TestSubscribeRefcountsSharedPoller(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter{name: adapter.NameNative, readings: []adapter.CounterReading{{Name: "ether1", RxBytes: 1000, TxBytes: 2000}}}
	h := fanout.New(testResolver(a), ratederiver.NewCache(), timeseries.NewStore(), nil, slog.Default(), testConfig())

	s1, err := h.Subscribe(t.Context(), "r1", "sess-1")
	if err != nil {
		t.Fatalf("Subscribe(sess-1) error = %v", err)
	}
	s2, err := h.Subscribe(t.Context(), "r1", "sess-2")
	if err != nil {
		t.Fatalf("Subscribe(sess-2) error = %v", err)
	}

	if h.SubscribedRouterCount() != 1 {
		t.Fatalf("SubscribedRouterCount() = %d, want 1 (shared poller)", h.SubscribedRouterCount())
	}
	if h.SessionCount("r1") != 2 {
		t.Fatalf("SessionCount(r1) = %d, want 2", h.SessionCount("r1"))
	}

	if err := h.Unsubscribe("r1", s1.ID()); err != nil {
		t.Fatalf("Unsubscribe(sess-1) error = %v", err)
	}
	if h.SubscribedRouterCount() != 1 {
		t.Fatalf("SubscribedRouterCount() after one unsubscribe = %d, want 1 (session 2 still attached)", h.SubscribedRouterCount())
	}

	if err := h.Unsubscribe("r1", s2.ID()); err != nil {
		t.Fatalf("Unsubscribe(sess-2) error = %v", err)
	}
	if h.SubscribedRouterCount() != 0 {
		t.Errorf("SubscribedRouterCount() after both unsubscribed = %d, want 0 (poller stopped)", h.SubscribedRouterCount())
	}
}

func TestSubscribeRejectsOverCap(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter{name: adapter.NameNative}
	cfg := testConfig()
	cfg.MaxSubscribedRouters = 1
	h := fanout.New(testResolver(a), ratederiver.NewCache(), timeseries.NewStore(), nil, slog.Default(), cfg)

	if _, err := h.Subscribe(t.Context(), "r1", "sess-1"); err != nil {
		t.Fatalf("Subscribe(r1) error = %v", err)
	}
	if _, err := h.Subscribe(t.Context(), "r2", "sess-2"); err != fanout.ErrBusy {
		t.Fatalf("Subscribe(r2) error = %v, want ErrBusy", err)
	}

	// A second session on the already-monitored router must still succeed;
	// the cap is on distinct subscribed routers, not total sessions.
	if _, err := h.Subscribe(t.Context(), "r1", "sess-3"); err != nil {
		t.Errorf("Subscribe(r1, second session) error = %v, want nil", err)
	}

	h.RouterDeleted("r1")
}

func TestUnsubscribeUnknownRouterReturnsNotFound(t *testing.T) {
	t.Parallel()

	h := fanout.New(testResolver(&fakeAdapter{name: adapter.NameNative}), ratederiver.NewCache(), timeseries.NewStore(), nil, slog.Default(), testConfig())

	if err := h.Unsubscribe("ghost", "sess-1"); err != fanout.ErrNotFound {
		t.Errorf("Unsubscribe(ghost) error = %v, want ErrNotFound", err)
	}
	if err := h.Resume("ghost"); err != fanout.ErrNotFound {
		t.Errorf("Resume(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a := &fakeAdapter{name: adapter.NameNative, readings: []adapter.CounterReading{{Name: "ether1", RxBytes: 1000, TxBytes: 2000}}}
		h := fanout.New(testResolver(a), ratederiver.NewCache(), timeseries.NewStore(), nil, slog.Default(), testConfig())

		sess, err := h.Subscribe(t.Context(), "r1", "sess-1")
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}

		var snaps []fanout.Snapshot
		deadline := time.After(500 * time.Millisecond)
		for len(snaps) == 0 {
			select {
			case <-sess.Notify():
				snaps = append(snaps, sess.Drain()...)
			case <-deadline:
				t.Fatal("no snapshot delivered within 500ms")
			}
		}

		if snaps[0].RouterID != "r1" || snaps[0].PortName != "ether1" {
			t.Errorf("snapshot = %+v, want router r1 port ether1", snaps[0])
		}

		h.RouterDeleted("r1")
	})
}

func TestRouterDeletedStopsPollerForAllSessions(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter{name: adapter.NameNative}
	h := fanout.New(testResolver(a), ratederiver.NewCache(), timeseries.NewStore(), nil, slog.Default(), testConfig())

	if _, err := h.Subscribe(t.Context(), "r1", "sess-1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := h.Subscribe(t.Context(), "r1", "sess-2"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	h.RouterDeleted("r1")

	if h.SubscribedRouterCount() != 0 {
		t.Errorf("SubscribedRouterCount() after RouterDeleted = %d, want 0", h.SubscribedRouterCount())
	}
	if h.SessionCount("r1") != 0 {
		t.Errorf("SessionCount(r1) after RouterDeleted = %d, want 0", h.SessionCount("r1"))
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		// A session that never drains must still only ever hold QueueDepth
		// snapshots, and they must be the most recent ones (drop-oldest).
		a := &fakeAdapter{name: adapter.NameNative, readings: []adapter.CounterReading{{Name: "ether1", RxBytes: 1000, TxBytes: 2000}}}
		cfg := testConfig()
		cfg.QueueDepth = 2
		cfg.Interval = 5 * time.Millisecond
		h := fanout.New(testResolver(a), ratederiver.NewCache(), timeseries.NewStore(), nil, slog.Default(), cfg)

		sess, err := h.Subscribe(t.Context(), "r1", "sess-1")
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}

		time.Sleep(200 * time.Millisecond)

		drained := sess.Drain()
		if len(drained) > cfg.QueueDepth {
			t.Errorf("drained %d snapshots, want at most QueueDepth=%d", len(drained), cfg.QueueDepth)
		}
		if len(drained) == 0 {
			t.Fatal("no snapshots queued after 200ms of ticking")
		}
		if age := time.Since(drained[len(drained)-1].At); age > cfg.Interval {
			t.Errorf("newest queued snapshot is %v old, want at most one Interval (%v): oldest were not dropped", age, cfg.Interval)
		}

		h.RouterDeleted("r1")
	})
}

func TestResumeResetsAutoPause(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a := &fakeAdapter{name: adapter.NameNative, readings: []adapter.CounterReading{{Name: "ether1", RxBytes: 1000, TxBytes: 2000}}}
		cfg := testConfig()
		cfg.MaxTicks = 1
		cfg.Interval = 5 * time.Millisecond
		h := fanout.New(testResolver(a), ratederiver.NewCache(), timeseries.NewStore(), nil, slog.Default(), cfg)

		sess, err := h.Subscribe(t.Context(), "r1", "sess-1")
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}

		sawPause := false
		deadline := time.After(time.Second)
	waitPause:
		for {
			select {
			case <-sess.Notify():
				for _, s := range sess.Drain() {
					if s.Paused {
						sawPause = true
						break waitPause
					}
				}
			case <-deadline:
				break waitPause
			}
		}
		if !sawPause {
			t.Fatal("no paused snapshot observed before maxTicks was exceeded")
		}

		if err := h.Resume("r1"); err != nil {
			t.Fatalf("Resume() error = %v", err)
		}

		sawFreshData := false
		deadline = time.After(time.Second)
	waitResume:
		for {
			select {
			case <-sess.Notify():
				for _, s := range sess.Drain() {
					if !s.Paused {
						sawFreshData = true
						break waitResume
					}
				}
			case <-deadline:
				break waitResume
			}
		}
		if !sawFreshData {
			t.Error("no fresh (non-paused) snapshot observed after Resume")
		}

		h.RouterDeleted("r1")
	})
}
