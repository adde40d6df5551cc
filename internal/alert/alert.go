// Package alert implements the Alert Engine (spec §4.6): sustained
// threshold evaluation with debouncing, cross-process dedup via the State
// Store's unique-partial-index conflict signal, and auto-acknowledge on
// clear.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mikrotikmon/engine/internal/metrics"
	"github.com/mikrotikmon/engine/internal/state"
)

// Notification is one message enqueued to the external sink (spec §6).
type Notification struct {
	Channel         string // "email" or "popup"
	RecipientUserID string
	Title           string
	Body            string
	AlertID         string
}

// NotificationSink delivers notifications. Delivery is best-effort; the
// Alert Engine does not retry a failed Send on its own (spec §6).
type NotificationSink interface {
	Send(ctx context.Context, n Notification) error
}

// Store is the subset of the State Store the Alert Engine consumes.
type Store interface {
	InsertAlert(ctx context.Context, a state.Alert) (state.Alert, error)
	OpenUnacknowledged(ctx context.Context, routerID, portName string) (state.Alert, bool)
	AcknowledgeAlert(ctx context.Context, alertID, ackBy string, ackAt time.Time) (state.Alert, error)
}

// -------------------------------------------------------------------------
// Debounce State
// -------------------------------------------------------------------------

// conditionState tracks one condition's debounced firing/clear state. A
// condition becomes firing after `window` consecutive polls disagreeing
// with the current state (spec §4.6): this also governs the symmetric
// clear transition, so the same counter serves both directions.
type conditionState struct {
	firing      bool
	consecutive int
}

// update feeds one raw boolean reading through the debounce window and
// reports whether this update caused a fire or clear transition.
func (c *conditionState) update(raw bool, window int) (fired, cleared bool) {
	if raw == c.firing {
		c.consecutive = 0
		return false, false
	}
	c.consecutive++
	if c.consecutive < window {
		return false, false
	}
	c.firing = raw
	c.consecutive = 0
	return raw, !raw
}

type portConditions struct {
	portDown   conditionState
	trafficLow conditionState
}

type portKey struct {
	routerID string
	portName string
}

// -------------------------------------------------------------------------
// Engine
// -------------------------------------------------------------------------

// Engine is the Alert Engine. One Engine serves every router; transitions
// for a single (router, port) are serialized by a per-port lock so that no
// two transitions interleave their notification emission (spec §5).
type Engine struct {
	store          Store
	sink           NotificationSink
	metrics        *metrics.Collector
	logger         *slog.Logger
	debounceWindow int

	mu    sync.Mutex
	locks map[portKey]*sync.Mutex
	conds map[portKey]*portConditions
}

// New returns an Engine. debounceWindow is the number of consecutive
// polls a condition must hold before firing or clearing (default 2).
func New(store Store, sink NotificationSink, collector *metrics.Collector, logger *slog.Logger, debounceWindow int) *Engine {
	if debounceWindow < 1 {
		debounceWindow = 1
	}
	return &Engine{
		store:          store,
		sink:           sink,
		metrics:        collector,
		logger:         logger,
		debounceWindow: debounceWindow,
		locks:          make(map[portKey]*sync.Mutex),
		conds:          make(map[portKey]*portConditions),
	}
}

func (e *Engine) lockFor(k portKey) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[k]
	if !ok {
		l = &sync.Mutex{}
		e.locks[k] = l
	}
	return l
}

func (e *Engine) condsFor(k portKey) *portConditions {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conds[k]
	if !ok {
		c = &portConditions{}
		e.conds[k] = c
	}
	return c
}

// PortResult is one monitored port's observation for this poll, the input
// the Supervisor feeds to EvaluatePort per tick.
type PortResult struct {
	RouterID        string
	PortName        string
	Present         bool // false ⇒ absent from list_interfaces, the Supervisor's "port down" signal
	Running         bool
	TotalBPS        float64
	MinThresholdBPS float64
	EmailEnabled    bool
	PopupEnabled    bool
}

// EvaluatePort runs one poll's observation of a monitored port through
// both conditions (spec §4.6): port_down first (since traffic_low's
// definition depends on port_down not firing), then traffic_low.
func (e *Engine) EvaluatePort(ctx context.Context, r PortResult) error {
	k := portKey{r.RouterID, r.PortName}
	lock := e.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	cond := e.condsFor(k)

	portDownRaw := !r.Present || !r.Running
	downFired, downCleared := cond.portDown.update(portDownRaw, e.debounceWindow)
	if downFired {
		if err := e.fire(ctx, r, state.SeverityCritical, "port down", 0, 0); err != nil {
			return err
		}
	}
	if downCleared {
		if err := e.clear(ctx, r.RouterID, r.PortName); err != nil {
			return err
		}
	}

	trafficLowRaw := !cond.portDown.firing && r.TotalBPS < r.MinThresholdBPS
	lowFired, lowCleared := cond.trafficLow.update(trafficLowRaw, e.debounceWindow)
	if lowFired {
		if err := e.fire(ctx, r, state.SeverityWarning, "traffic below threshold", r.TotalBPS, r.MinThresholdBPS); err != nil {
			return err
		}
	}
	if lowCleared {
		if err := e.clear(ctx, r.RouterID, r.PortName); err != nil {
			return err
		}
	}
	return nil
}

// fire attempts the insert-or-conflict dance of spec §4.6 step 1, and on a
// successful insert enqueues notifications per enabled channel.
func (e *Engine) fire(ctx context.Context, r PortResult, severity state.Severity, message string, currentBPS, thresholdBPS float64) error {
	inserted, err := e.store.InsertAlert(ctx, state.Alert{
		RouterID:     r.RouterID,
		PortName:     r.PortName,
		Severity:     severity,
		Message:      message,
		CurrentBPS:   currentBPS,
		ThresholdBPS: thresholdBPS,
		FiredAt:      time.Now(),
	})
	if err != nil {
		if errors.Is(err, state.ErrConflict) {
			// Another instance already holds the unacknowledged alert for
			// this (router, port); this is the expected dedup outcome,
			// not an error (spec §7: conflict is consumed internally).
			if e.metrics != nil {
				e.metrics.IncAlertConflict(r.RouterID)
			}
			e.logger.Debug("alert already open, suppressing duplicate",
				slog.String("router_id", r.RouterID), slog.String("port_name", r.PortName))
			return nil
		}
		return fmt.Errorf("insert alert: %w", err)
	}

	if e.metrics != nil {
		e.metrics.IncAlertFired(string(severity))
	}

	e.notify(ctx, r, inserted, message)
	return nil
}

// clear auto-acknowledges the open alert for (routerID, portName), if any,
// with ack-by "system" (spec §4.6: "Do not emit a new notification for
// auto-clear.").
func (e *Engine) clear(ctx context.Context, routerID, portName string) error {
	open, ok := e.store.OpenUnacknowledged(ctx, routerID, portName)
	if !ok {
		return nil
	}
	if _, err := e.store.AcknowledgeAlert(ctx, open.ID, "system", time.Now()); err != nil {
		return fmt.Errorf("auto-ack alert: %w", err)
	}
	if e.metrics != nil {
		e.metrics.IncAlertCleared(string(open.Severity))
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, r PortResult, a state.Alert, message string) {
	if e.sink == nil {
		return
	}

	body := fmt.Sprintf("%s: %s on router %s", message, r.PortName, r.RouterID)

	if r.EmailEnabled {
		e.sendBestEffort(ctx, Notification{Channel: "email", Title: message, Body: body, AlertID: a.ID})
	}
	if r.PopupEnabled {
		e.sendBestEffort(ctx, Notification{Channel: "popup", Title: message, Body: body, AlertID: a.ID})
	}
}

func (e *Engine) sendBestEffort(ctx context.Context, n Notification) {
	if err := e.sink.Send(ctx, n); err != nil && e.logger != nil {
		e.logger.Warn("notification delivery failed", slog.String("channel", n.Channel), slog.String("alert_id", n.AlertID), slog.Any("error", err))
	}
}
