package state_test

import (
	"errors"
	"testing"
	"time"

	"github.com/mikrotikmon/engine/internal/state"
)

func mustPutRouter(t *testing.T, s *state.Store, id string) {
	t.Helper()
	if err := s.PutRouter(t.Context(), state.Router{ID: id, Name: id}); err != nil {
		t.Fatalf("PutRouter(%q) error = %v", id, err)
	}
}

// -------------------------------------------------------------------------
// TestRouterLifecycle
// -------------------------------------------------------------------------

func TestRouterLifecycle(t *testing.T) {
	t.Parallel()

	s := state.NewStore()
	mustPutRouter(t, s, "r1")

	got, err := s.GetRouter(t.Context(), "r1")
	if err != nil {
		t.Fatalf("GetRouter() error = %v", err)
	}
	if got.ID != "r1" {
		t.Errorf("GetRouter() = %+v, want ID=r1", got)
	}

	now := time.Now()
	if err := s.SetRouterStatus(t.Context(), "r1", true, true, "native", now); err != nil {
		t.Fatalf("SetRouterStatus() error = %v", err)
	}

	got, _ = s.GetRouter(t.Context(), "r1")
	if !got.Reachable || !got.Connected || got.LastSuccessfulMethod != "native" {
		t.Errorf("GetRouter() after SetRouterStatus = %+v", got)
	}

	if err := s.DeleteRouter(t.Context(), "r1"); err != nil {
		t.Fatalf("DeleteRouter() error = %v", err)
	}
	if _, err := s.GetRouter(t.Context(), "r1"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("GetRouter() after delete error = %v, want ErrNotFound", err)
	}
}

// -------------------------------------------------------------------------
// TestUpsertRouterInterface
// -------------------------------------------------------------------------

func TestUpsertRouterInterface(t *testing.T) {
	t.Parallel()

	s := state.NewStore()
	mustPutRouter(t, s, "r1")

	iface := state.RouterInterface{RouterID: "r1", Name: "ether1", Type: "ether", Running: true}
	if err := s.UpsertRouterInterface(t.Context(), iface); err != nil {
		t.Fatalf("UpsertRouterInterface() error = %v", err)
	}

	iface.Running = false
	iface.LastSeen = time.Now()
	if err := s.UpsertRouterInterface(t.Context(), iface); err != nil {
		t.Fatalf("UpsertRouterInterface() error = %v", err)
	}

	list, err := s.ListRouterInterfaces(t.Context(), "r1")
	if err != nil {
		t.Fatalf("ListRouterInterfaces() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListRouterInterfaces() returned %d entries, want 1 (upsert, not append)", len(list))
	}
	if list[0].Running {
		t.Error("ListRouterInterfaces()[0].Running = true, want false (latest upsert)")
	}
}

// -------------------------------------------------------------------------
// TestMonitoredPortsOnlyEnabled
// -------------------------------------------------------------------------

func TestMonitoredPortsOnlyEnabled(t *testing.T) {
	t.Parallel()

	s := state.NewStore()
	mustPutRouter(t, s, "r1")

	s.PutMonitoredPort(t.Context(), state.MonitoredPort{RouterID: "r1", PortName: "ether1", Enabled: true, MinThresholdBPS: 1_000_000})
	s.PutMonitoredPort(t.Context(), state.MonitoredPort{RouterID: "r1", PortName: "ether2", Enabled: false})

	ports, err := s.ListMonitoredPorts(t.Context(), "r1")
	if err != nil {
		t.Fatalf("ListMonitoredPorts() error = %v", err)
	}
	if len(ports) != 1 || ports[0].PortName != "ether1" {
		t.Fatalf("ListMonitoredPorts() = %+v, want only ether1", ports)
	}
}

// -------------------------------------------------------------------------
// TestAlertAtMostOneUnacknowledged — spec §3/§4.6/§8 invariant
// -------------------------------------------------------------------------

func TestAlertAtMostOneUnacknowledged(t *testing.T) {
	t.Parallel()

	s := state.NewStore()
	a := state.Alert{RouterID: "r1", PortName: "ether1", Severity: state.SeverityWarning, FiredAt: time.Now()}

	first, err := s.InsertAlert(t.Context(), a)
	if err != nil {
		t.Fatalf("InsertAlert() first error = %v", err)
	}
	if first.ID == "" {
		t.Error("InsertAlert() did not assign an ID")
	}

	_, err = s.InsertAlert(t.Context(), a)
	if !errors.Is(err, state.ErrConflict) {
		t.Fatalf("InsertAlert() second error = %v, want ErrConflict", err)
	}

	// After acknowledging, a new alert for the same (router, port) may open.
	if _, err := s.AcknowledgeAlert(t.Context(), first.ID, "operator", time.Now()); err != nil {
		t.Fatalf("AcknowledgeAlert() error = %v", err)
	}

	second, err := s.InsertAlert(t.Context(), a)
	if err != nil {
		t.Fatalf("InsertAlert() after ack error = %v", err)
	}
	if second.ID == first.ID {
		t.Error("InsertAlert() after ack reused the same alert ID")
	}
}

// -------------------------------------------------------------------------
// TestAcknowledgeAlertIsIdempotent — spec §8: ack-twice preserves timestamp
// -------------------------------------------------------------------------

func TestAcknowledgeAlertIsIdempotent(t *testing.T) {
	t.Parallel()

	s := state.NewStore()
	a, err := s.InsertAlert(t.Context(), state.Alert{RouterID: "r1", PortName: "ether1", FiredAt: time.Now()})
	if err != nil {
		t.Fatalf("InsertAlert() error = %v", err)
	}

	first, err := s.AcknowledgeAlert(t.Context(), a.ID, "alice", time.Now())
	if err != nil {
		t.Fatalf("AcknowledgeAlert() first error = %v", err)
	}

	second, err := s.AcknowledgeAlert(t.Context(), a.ID, "bob", first.AckAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("AcknowledgeAlert() second error = %v", err)
	}
	if !second.AckAt.Equal(first.AckAt) || second.AckBy != first.AckBy {
		t.Errorf("AcknowledgeAlert() on already-acked alert changed state: first=%+v second=%+v", first, second)
	}
}

// -------------------------------------------------------------------------
// TestListAlertsFilters
// -------------------------------------------------------------------------

func TestListAlertsFilters(t *testing.T) {
	t.Parallel()

	s := state.NewStore()
	a1, _ := s.InsertAlert(t.Context(), state.Alert{RouterID: "r1", PortName: "ether1", FiredAt: time.Unix(1, 0)})
	_, _ = s.InsertAlert(t.Context(), state.Alert{RouterID: "r2", PortName: "ether1", FiredAt: time.Unix(2, 0)})

	s.AcknowledgeAlert(t.Context(), a1.ID, "alice", time.Now())

	all, err := s.ListAlerts(t.Context(), "", false)
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListAlerts() returned %d alerts, want 2", len(all))
	}

	unack, err := s.ListAlerts(t.Context(), "", true)
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	if len(unack) != 1 || unack[0].RouterID != "r2" {
		t.Fatalf("ListAlerts(unacknowledgedOnly) = %+v, want only r2's alert", unack)
	}

	scoped, err := s.ListAlerts(t.Context(), "r1", false)
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	if len(scoped) != 1 || scoped[0].RouterID != "r1" {
		t.Fatalf("ListAlerts(routerID=r1) = %+v, want only r1's alert", scoped)
	}
}

// -------------------------------------------------------------------------
// TestAcknowledgeUnknownAlert
// -------------------------------------------------------------------------

func TestAcknowledgeUnknownAlert(t *testing.T) {
	t.Parallel()

	s := state.NewStore()
	if _, err := s.AcknowledgeAlert(t.Context(), "does-not-exist", "alice", time.Now()); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("AcknowledgeAlert() error = %v, want ErrNotFound", err)
	}
}
