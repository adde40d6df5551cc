// Package state implements the State Store (spec §4.3): routers,
// interfaces, monitored ports, and alerts. The engine ships the in-memory
// reference implementation here; a relational implementation satisfying
// the same Store interface is an external collaborator (spec §6) that the
// retrieval pack carries no SQL driver for (see DESIGN.md).
package state

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mikrotikmon/engine/internal/adapter"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// ErrNotFound indicates the requested router, port, or alert does not exist.
var ErrNotFound = errors.New("state: not found")

// ErrConflict is the uniqueness-violation design signal of spec §4.6/§7:
// an unacknowledged alert already exists for this (router, port). The
// Alert Engine consumes this internally; it must never reach a caller
// outside internal/alert.
var ErrConflict = errors.New("state: conflict")

// -------------------------------------------------------------------------
// Domain Types
// -------------------------------------------------------------------------

// Router mirrors spec §3's Router entity.
type Router struct {
	ID                   string
	Name                 string
	Host                 string
	NativePort           int
	Username             string
	Cred                 adapter.CredentialAccessor
	RESTEnabled          bool
	RESTPort             int
	SNMPEnabled          bool
	SNMPPort             int
	SNMPCommunity        string
	SNMPVersion          string
	InterfaceDisplayMode adapter.DisplayMode
	LastSuccessfulMethod string
	Reachable            bool
	Connected            bool
	LastConnectedAt      time.Time
	Disabled             bool
}

// RouterInterface mirrors spec §3's RouterInterface cache entity.
type RouterInterface struct {
	RouterID string
	Name     string
	Type     string
	MAC      string
	Comment  string
	Running  bool
	Disabled bool
	LastSeen time.Time
}

// MonitoredPort mirrors spec §3's MonitoredPort entity.
type MonitoredPort struct {
	RouterID        string
	PortName        string
	Enabled         bool
	MinThresholdBPS float64
	EmailEnabled    bool
	PopupEnabled    bool
	Comment         string
	MAC             string
}

// Severity classifies an Alert (spec §4.6).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert mirrors spec §3's Alert entity.
type Alert struct {
	ID           string
	RouterID     string
	PortName     string
	Severity     Severity
	Message      string
	CurrentBPS   float64
	ThresholdBPS float64
	Acknowledged bool
	AckAt        time.Time
	AckBy        string
	FiredAt      time.Time
}

// -------------------------------------------------------------------------
// Store
// -------------------------------------------------------------------------

// Store is the in-memory State Store. All methods are safe for concurrent
// use; every State Store call is a suspension point per spec §5, so
// callers must not hold other locks across one.
type Store struct {
	mu sync.RWMutex

	routers    map[string]*Router
	interfaces map[string]map[string]*RouterInterface // routerID -> name -> iface
	ports      map[string]map[string]*MonitoredPort    // routerID -> portName -> port
	alerts     map[string]*Alert                       // alert id -> Alert
	nextAlert  uint64
}

// NewStore returns an empty in-memory Store.
func NewStore() *Store {
	return &Store{
		routers:    make(map[string]*Router),
		interfaces: make(map[string]map[string]*RouterInterface),
		ports:      make(map[string]map[string]*MonitoredPort),
		alerts:     make(map[string]*Alert),
	}
}

// -------------------------------------------------------------------------
// Routers
// -------------------------------------------------------------------------

// PutRouter inserts or replaces a router row, standing in for the
// out-of-scope CRUD surface's seed/reconcile path (spec §4.4 step "Router
// rows are created/updated/deleted by the CRUD surface").
func (s *Store) PutRouter(_ context.Context, r Router) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r
	s.routers[r.ID] = &cp
	return nil
}

// DeleteRouter removes a router and its interface/port caches.
func (s *Store) DeleteRouter(_ context.Context, routerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routers, routerID)
	delete(s.interfaces, routerID)
	delete(s.ports, routerID)
	return nil
}

// ListRouters implements the engine's list_routers() consumption point.
func (s *Store) ListRouters(_ context.Context) ([]Router, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Router, 0, len(s.routers))
	for _, r := range s.routers {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRouter implements the engine's get_router(id) consumption point.
func (s *Store) GetRouter(_ context.Context, routerID string) (Router, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.routers[routerID]
	if !ok {
		return Router{}, ErrNotFound
	}
	return *r, nil
}

// SetRouterStatus implements set_router_status(...) (spec §4.3).
func (s *Store) SetRouterStatus(_ context.Context, routerID string, reachable, connected bool, lastMethod string, lastConnectedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.routers[routerID]
	if !ok {
		return ErrNotFound
	}
	r.Reachable = reachable
	r.Connected = connected
	if lastMethod != "" {
		r.LastSuccessfulMethod = lastMethod
	}
	if connected {
		r.LastConnectedAt = lastConnectedAt
	}
	return nil
}

// -------------------------------------------------------------------------
// Interfaces
// -------------------------------------------------------------------------

// UpsertRouterInterface implements upsert_router_interface(...) (spec §4.3,
// §4.4: "Upsert every interface returned from list_interfaces").
func (s *Store) UpsertRouterInterface(_ context.Context, iface RouterInterface) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byName, ok := s.interfaces[iface.RouterID]
	if !ok {
		byName = make(map[string]*RouterInterface)
		s.interfaces[iface.RouterID] = byName
	}
	cp := iface
	byName[iface.Name] = &cp
	return nil
}

// ListRouterInterfaces returns every cached interface for routerID.
func (s *Store) ListRouterInterfaces(_ context.Context, routerID string) ([]RouterInterface, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byName := s.interfaces[routerID]
	out := make([]RouterInterface, 0, len(byName))
	for _, iface := range byName {
		out = append(out, *iface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// -------------------------------------------------------------------------
// Monitored Ports
// -------------------------------------------------------------------------

// PutMonitoredPort inserts or replaces a monitored-port row.
func (s *Store) PutMonitoredPort(_ context.Context, p MonitoredPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byName, ok := s.ports[p.RouterID]
	if !ok {
		byName = make(map[string]*MonitoredPort)
		s.ports[p.RouterID] = byName
	}
	cp := p
	byName[p.PortName] = &cp
	return nil
}

// ListMonitoredPorts implements list_monitored_ports(router_id) (spec §4.3).
func (s *Store) ListMonitoredPorts(_ context.Context, routerID string) ([]MonitoredPort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byName := s.ports[routerID]
	out := make([]MonitoredPort, 0, len(byName))
	for _, p := range byName {
		if p.Enabled {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PortName < out[j].PortName })
	return out, nil
}

// -------------------------------------------------------------------------
// Alerts
// -------------------------------------------------------------------------

// OpenUnacknowledged returns the unacknowledged alert for (routerID,
// portName), if any.
func (s *Store) OpenUnacknowledged(_ context.Context, routerID, portName string) (Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.alerts {
		if a.RouterID == routerID && a.PortName == portName && !a.Acknowledged {
			return *a, true
		}
	}
	return Alert{}, false
}

// InsertAlert implements the at-most-one-unacknowledged-alert invariant of
// spec §4.6/§3 by simulating the State Store's unique partial index on
// (router_id, port_id) where acknowledged = false: if an unacknowledged
// alert already exists for (a.RouterID, a.PortName), InsertAlert returns
// ErrConflict and does not insert a second row.
func (s *Store) InsertAlert(_ context.Context, a Alert) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.alerts {
		if existing.RouterID == a.RouterID && existing.PortName == a.PortName && !existing.Acknowledged {
			return Alert{}, ErrConflict
		}
	}

	s.nextAlert++
	a.ID = alertID(s.nextAlert)
	cp := a
	s.alerts[a.ID] = &cp
	return cp, nil
}

// AcknowledgeAlert implements acknowledge_alert(alert_id, user) (spec §6).
// Acknowledging an already-acknowledged alert is a no-op that preserves
// the original ack timestamp (spec §8 invariant).
func (s *Store) AcknowledgeAlert(_ context.Context, alertID string, ackBy string, ackAt time.Time) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return Alert{}, ErrNotFound
	}
	if a.Acknowledged {
		return *a, nil
	}
	a.Acknowledged = true
	a.AckBy = ackBy
	a.AckAt = ackAt
	return *a, nil
}

// ListAlerts implements list_alerts(user_scope, filter) (spec §6). Scope
// filtering by user/assignment is enforced at the boundary (spec §4.3);
// this in-memory store only applies the routerID/unacknowledgedOnly filter
// the caller has already authorized.
func (s *Store) ListAlerts(_ context.Context, routerID string, unacknowledgedOnly bool) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Alert, 0)
	for _, a := range s.alerts {
		if routerID != "" && a.RouterID != routerID {
			continue
		}
		if unacknowledgedOnly && a.Acknowledged {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.Before(out[j].FiredAt) })
	return out, nil
}

func alertID(n uint64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "a0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append(buf, digits[n%uint64(len(digits))])
		n /= uint64(len(digits))
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return "a" + string(buf)
}
