// Package fanout implements the Fan-out Hub (spec §4.7): session
// subscribe/unsubscribe/resume against one on-demand real-time poller
// per actively watched router, refcounted across sessions, with bounded
// per-session delivery queues and a global subscribed-router cap.
//
// The refcounted-monitor-plus-observer-map shape follows
// OnDemandTrafficService's activeMonitors/Observers pattern in the
// retrieval pack; the dual fan-out channel split (raw vs public) in
// bfd.Manager informed keeping each RealtimePoller's broadcast loop
// separate from its tick loop.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mikrotikmon/engine/internal/adapter"
	"github.com/mikrotikmon/engine/internal/metrics"
	"github.com/mikrotikmon/engine/internal/ratederiver"
	"github.com/mikrotikmon/engine/internal/timeseries"
)

// ErrBusy is returned by Subscribe when the global subscribed-router cap
// is already at capacity for a router that isn't already monitored
// (spec §5: "excess subscribe calls are rejected with busy").
var ErrBusy = errors.New("fanout: busy")

// ErrNotFound is returned by Unsubscribe/Resume for an unknown router.
var ErrNotFound = errors.New("fanout: router not subscribed")

// -------------------------------------------------------------------------
// Snapshot
// -------------------------------------------------------------------------

// Snapshot is one message published to subscribed sessions: either a
// fresh rate reading or a "paused" signal (Paused true, only RouterID and
// At set).
type Snapshot struct {
	RouterID string
	PortName string
	RxBPS    float64
	TxBPS    float64
	TotalBPS float64
	At       time.Time
	Paused   bool
}

// -------------------------------------------------------------------------
// Session Queue — bounded, drop-oldest
// -------------------------------------------------------------------------

// sessionQueue is a bounded FIFO that drops the oldest entry on overflow
// (spec §4.7: "live views must converge on the most recent state").
type sessionQueue struct {
	mu     sync.Mutex
	items  []Snapshot
	depth  int
	notify chan struct{}
}

func newSessionQueue(depth int) *sessionQueue {
	if depth < 1 {
		depth = 1
	}
	return &sessionQueue{depth: depth, notify: make(chan struct{}, 1)}
}

func (q *sessionQueue) push(s Snapshot) {
	q.mu.Lock()
	if len(q.items) >= q.depth {
		q.items = q.items[1:]
	}
	q.items = append(q.items, s)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain returns and clears every currently queued snapshot.
func (q *sessionQueue) drain() []Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// -------------------------------------------------------------------------
// Session
// -------------------------------------------------------------------------

// Session is one operator's live-view subscription to a single router.
type Session struct {
	id       string
	routerID string
	q        *sessionQueue
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// RouterID returns the router this session is subscribed to.
func (s *Session) RouterID() string { return s.routerID }

// Notify returns a channel that receives a value whenever new snapshots
// are available to Drain. The channel is never closed by the Session.
func (s *Session) Notify() <-chan struct{} { return s.q.notify }

// Drain returns every snapshot queued since the last Drain, oldest first.
func (s *Session) Drain() []Snapshot { return s.q.drain() }

// -------------------------------------------------------------------------
// Real-time Poller
// -------------------------------------------------------------------------

// TimeSeriesAppender is the subset of the Time-Series Store the poller writes to.
type TimeSeriesAppender interface {
	Append(ctx context.Context, sample timeseries.Sample) error
}

// realtimePoller drives one router's high-rate counter reads independent
// of that router's scheduled Supervisor (spec §4.7).
type realtimePoller struct {
	routerID string
	a        adapter.Adapter
	target   adapter.Target
	ports    []string
	rates    *ratederiver.Cache
	ts       TimeSeriesAppender
	interval time.Duration
	maxTicks int
	maxGap   time.Duration
	deadline time.Duration
	logger   *slog.Logger
	metrics  *metrics.Collector

	mu       sync.Mutex
	sessions map[string]*Session
	ticks    int
	paused   bool
	resumeCh chan struct{}
}

func newRealtimePoller(routerID string, a adapter.Adapter, target adapter.Target, ports []string, rates *ratederiver.Cache, ts TimeSeriesAppender, interval time.Duration, maxTicks int, maxGap, deadline time.Duration, collector *metrics.Collector, logger *slog.Logger) *realtimePoller {
	return &realtimePoller{
		routerID: routerID,
		a:        a,
		target:   target,
		ports:    ports,
		rates:    rates,
		ts:       ts,
		interval: interval,
		maxTicks: maxTicks,
		maxGap:   maxGap,
		deadline: deadline,
		metrics:  collector,
		logger:   logger.With(slog.String("router_id", routerID), slog.String("component", "fanout.poller")),
		sessions: make(map[string]*Session),
		resumeCh: make(chan struct{}, 1),
	}
}

func (p *realtimePoller) addSession(s *Session) {
	p.mu.Lock()
	p.sessions[s.id] = s
	p.mu.Unlock()
}

func (p *realtimePoller) removeSession(id string) {
	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
}

func (p *realtimePoller) sessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Resume resets the auto-pause tick counter (spec §4.7).
func (p *realtimePoller) Resume() {
	select {
	case p.resumeCh <- struct{}{}:
	default:
	}
}

// run is the poller's event loop: one goroutine per actively subscribed
// router, independent of the Scheduler's Supervisor goroutines.
func (p *realtimePoller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.resumeCh:
			p.mu.Lock()
			p.ticks = 0
			p.paused = false
			p.mu.Unlock()
		case <-ticker.C:
			p.handleTick(ctx)
		}
	}
}

func (p *realtimePoller) handleTick(ctx context.Context) {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return
	}
	p.ticks++
	if p.ticks > p.maxTicks {
		p.paused = true
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.IncRealtimeAutoPause()
		}
		p.broadcast(Snapshot{RouterID: p.routerID, At: time.Now(), Paused: true})
		return
	}
	p.mu.Unlock()

	p.pollOnce(ctx)
}

// pollOnce reads counters through the active adapter and the real-time
// Rate Deriver cache — keyed with a "rt" suffix so it never collides
// with the Supervisor's scheduled cache entries for the same router
// (spec §4.7: "a separate cache ... keyed with ... a 'rt' suffix").
func (p *realtimePoller) pollOnce(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	readings, err := p.a.ReadCounters(callCtx, p.target, p.ports)
	if err != nil {
		p.logger.Warn("realtime read_counters failed", slog.Any("error", err))
		return
	}

	rtKey := fmt.Sprintf("%s:rt", p.routerID)
	for _, r := range readings {
		rd, ok := p.rates.Derive(rtKey, r.Name, r.RxBytes, r.TxBytes, r.SampledAt, p.maxGap)
		if !ok {
			continue
		}

		if err := p.ts.Append(ctx, timeseries.Sample{
			RouterID: p.routerID,
			PortName: r.Name,
			TS:       rd.At,
			RxBPS:    rd.RxBPS,
			TxBPS:    rd.TxBPS,
			TotalBPS: rd.TotalBPS,
		}); err != nil {
			p.logger.Warn("realtime append failed", slog.String("port", r.Name), slog.Any("error", err))
		}

		p.broadcast(Snapshot{
			RouterID: p.routerID,
			PortName: r.Name,
			RxBPS:    rd.RxBPS,
			TxBPS:    rd.TxBPS,
			TotalBPS: rd.TotalBPS,
			At:       rd.At,
		})
	}
}

func (p *realtimePoller) broadcast(snap Snapshot) {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.q.push(snap)
	}
}

// -------------------------------------------------------------------------
// Hub
// -------------------------------------------------------------------------

// PollerInputs is what a Hub needs to start a real-time poller for one
// router, resolved lazily at first-subscribe time so the Hub stays
// decoupled from the State Store and Device Adapter wiring.
type PollerInputs struct {
	Adapter adapter.Adapter
	Target  adapter.Target
	Ports   []string // interface names to read_counters for; empty reads every interface
}

// PollerResolver resolves the inputs for a router's real-time poller.
type PollerResolver func(ctx context.Context, routerID string) (PollerInputs, error)

// Config holds the Hub's admin knobs (spec §6's realtime.* surface).
type Config struct {
	Interval             time.Duration
	MaxTicks             int
	MaxSubscribedRouters int
	QueueDepth           int
	MaxGap               time.Duration
	Deadline             time.Duration
}

type monitorEntry struct {
	poller   *realtimePoller
	cancel   context.CancelFunc
	refcount int
}

// Hub is the Fan-out Hub. One Hub serves every router; each actively
// subscribed router gets exactly one realtimePoller, refcounted across
// its sessions.
type Hub struct {
	mu       sync.Mutex
	monitors map[string]*monitorEntry

	resolve PollerResolver
	rates   *ratederiver.Cache
	ts      TimeSeriesAppender
	metrics *metrics.Collector
	logger  *slog.Logger
	cfg     Config
}

// New constructs a Hub. rates is the real-time Rate Deriver cache,
// distinct from any Supervisor's scheduled cache (spec §4.7).
func New(resolve PollerResolver, rates *ratederiver.Cache, ts TimeSeriesAppender, collector *metrics.Collector, logger *slog.Logger, cfg Config) *Hub {
	return &Hub{
		monitors: make(map[string]*monitorEntry),
		resolve:  resolve,
		rates:    rates,
		ts:       ts,
		metrics:  collector,
		logger:   logger,
		cfg:      cfg,
	}
}

// Subscribe registers sessionID for routerID's live view, starting a
// real-time poller on first subscribe (spec §4.7). Authorization is the
// caller's responsibility prior to calling Subscribe.
func (h *Hub) Subscribe(ctx context.Context, routerID, sessionID string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, exists := h.monitors[routerID]
	if !exists {
		if len(h.monitors) >= h.cfg.MaxSubscribedRouters {
			return nil, ErrBusy
		}

		inputs, err := h.resolve(ctx, routerID)
		if err != nil {
			return nil, fmt.Errorf("resolve realtime poller for %s: %w", routerID, err)
		}

		pollerCtx, cancel := context.WithCancel(context.Background())
		poller := newRealtimePoller(routerID, inputs.Adapter, inputs.Target, inputs.Ports, h.rates, h.ts, h.cfg.Interval, h.cfg.MaxTicks, h.cfg.MaxGap, h.cfg.Deadline, h.metrics, h.logger)
		entry = &monitorEntry{poller: poller, cancel: cancel}
		h.monitors[routerID] = entry
		go poller.run(pollerCtx)
	}

	sess := &Session{id: sessionID, routerID: routerID, q: newSessionQueue(h.cfg.QueueDepth)}
	entry.poller.addSession(sess)
	entry.refcount++
	if h.metrics != nil {
		h.metrics.IncRealtimeSessions()
	}
	return sess, nil
}

// Unsubscribe decrements routerID's refcount for sessionID; when it
// reaches zero, the real-time poller stops (spec §4.7).
func (h *Hub) Unsubscribe(routerID, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.monitors[routerID]
	if !ok {
		return ErrNotFound
	}

	entry.poller.removeSession(sessionID)
	entry.refcount--
	if h.metrics != nil {
		h.metrics.DecRealtimeSessions()
	}

	if entry.refcount <= 0 {
		entry.cancel()
		delete(h.monitors, routerID)
	}
	return nil
}

// Resume resets a router's real-time poller auto-pause state (spec §4.7).
func (h *Hub) Resume(routerID string) error {
	h.mu.Lock()
	entry, ok := h.monitors[routerID]
	h.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	entry.poller.Resume()
	return nil
}

// RouterDeleted terminates the poller for routerID for all its sessions
// (spec §4.7: "router-deletion terminates the poller for all sessions").
// The Session values are not closed; they receive no further snapshots.
func (h *Hub) RouterDeleted(routerID string) {
	h.mu.Lock()
	entry, ok := h.monitors[routerID]
	if ok {
		delete(h.monitors, routerID)
	}
	h.mu.Unlock()

	if ok {
		entry.cancel()
	}
}

// SubscribedRouterCount reports how many routers currently have an
// active real-time poller, for metrics and admin inspection.
func (h *Hub) SubscribedRouterCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.monitors)
}

// SessionCount reports how many sessions are subscribed to routerID, or
// zero if no poller is running for it.
func (h *Hub) SessionCount(routerID string) int {
	h.mu.Lock()
	entry, ok := h.monitors[routerID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return entry.poller.sessionCount()
}
