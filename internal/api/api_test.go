package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mikrotikmon/engine/internal/adapter"
	"github.com/mikrotikmon/engine/internal/api"
	"github.com/mikrotikmon/engine/internal/fanout"
	"github.com/mikrotikmon/engine/internal/ratederiver"
	"github.com/mikrotikmon/engine/internal/state"
	"github.com/mikrotikmon/engine/internal/supervisor"
	"github.com/mikrotikmon/engine/internal/timeseries"
)

// -------------------------------------------------------------------------
// Fakes
// -------------------------------------------------------------------------

type fakeStateStore struct {
	router    state.Router
	getErr    error
	alerts    []state.Alert
	ackCalled bool
	ackErr    error
}

func (f *fakeStateStore) GetRouter(_ context.Context, _ string) (state.Router, error) {
	if f.getErr != nil {
		return state.Router{}, f.getErr
	}
	return f.router, nil
}

func (f *fakeStateStore) ListAlerts(_ context.Context, _ string, _ bool) ([]state.Alert, error) {
	return f.alerts, nil
}

func (f *fakeStateStore) AcknowledgeAlert(_ context.Context, alertID, ackBy string, _ time.Time) (state.Alert, error) {
	f.ackCalled = true
	if f.ackErr != nil {
		return state.Alert{}, f.ackErr
	}
	return state.Alert{ID: alertID, Acknowledged: true, AckBy: ackBy}, nil
}

type fakeSampleStore struct {
	samples []timeseries.Sample
}

func (f *fakeSampleStore) Range(_ context.Context, _, _ string, _, _ time.Time) ([]timeseries.Sample, error) {
	return f.samples, nil
}

func (f *fakeSampleStore) Aggregate(_ context.Context, _, _ string, _, _ time.Time, _ timeseries.Bucket) ([]timeseries.AggregatePoint, error) {
	return []timeseries.AggregatePoint{{TotalAvg: 42}}, nil
}

type fakeSupervisorLookup struct {
	found bool
}

func (f *fakeSupervisorLookup) Supervisor(_ string) (*supervisor.Supervisor, bool) {
	return nil, f.found
}

type fakeHub struct {
	session      *fanout.Session
	subscribeErr error
	resumeErr    error
	unsubscribed bool
}

func (f *fakeHub) Subscribe(_ context.Context, _, _ string) (*fanout.Session, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.session, nil
}

func (f *fakeHub) Unsubscribe(_, _ string) error {
	f.unsubscribed = true
	return nil
}

func (f *fakeHub) Resume(_ string) error {
	return f.resumeErr
}

// -------------------------------------------------------------------------
// Tests
// -------------------------------------------------------------------------

func TestListSamplesRange(t *testing.T) {
	t.Parallel()

	ts := &fakeSampleStore{samples: []timeseries.Sample{{RouterID: "r1", PortName: "ether1", TotalBPS: 500}}}
	h := api.New(&fakeStateStore{}, ts, &fakeSupervisorLookup{}, nil, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/v1/samples?router=r1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	var samples []timeseries.Sample
	if err := json.Unmarshal(rec.Body.Bytes(), &samples); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(samples) != 1 || samples[0].RouterID != "r1" {
		t.Errorf("samples = %+v, want one sample for r1", samples)
	}
}

func TestListSamplesMissingRouterIsBadRequest(t *testing.T) {
	t.Parallel()

	h := api.New(&fakeStateStore{}, &fakeSampleStore{}, &fakeSupervisorLookup{}, nil, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/v1/samples", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListSamplesWithBucketAggregates(t *testing.T) {
	t.Parallel()

	h := api.New(&fakeStateStore{}, &fakeSampleStore{}, &fakeSupervisorLookup{}, nil, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/v1/samples?router=r1&bucket=hour", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var points []timeseries.AggregatePoint
	if err := json.Unmarshal(rec.Body.Bytes(), &points); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(points) != 1 || points[0].TotalAvg != 42 {
		t.Errorf("points = %+v, want one aggregate point", points)
	}
}

func TestRouterStatusNotFound(t *testing.T) {
	t.Parallel()

	store := &fakeStateStore{getErr: state.ErrNotFound}
	h := api.New(store, &fakeSampleStore{}, &fakeSupervisorLookup{}, nil, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/v1/routers/ghost/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAcknowledgeAlertRequiresUser(t *testing.T) {
	t.Parallel()

	h := api.New(&fakeStateStore{}, &fakeSampleStore{}, &fakeSupervisorLookup{}, nil, slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/v1/alerts/a1/ack", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAcknowledgeAlertSucceeds(t *testing.T) {
	t.Parallel()

	store := &fakeStateStore{}
	h := api.New(store, &fakeSampleStore{}, &fakeSupervisorLookup{}, nil, slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/v1/alerts/a1/ack", strings.NewReader(`{"user":"alice"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	if !store.ackCalled {
		t.Error("AcknowledgeAlert was not called")
	}

	var acked state.Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &acked); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !acked.Acknowledged || acked.AckBy != "alice" {
		t.Errorf("acked = %+v, want Acknowledged by alice", acked)
	}
}

func TestRefreshInterfacesNotFoundWhenNoSupervisor(t *testing.T) {
	t.Parallel()

	h := api.New(&fakeStateStore{}, &fakeSampleStore{}, &fakeSupervisorLookup{found: false}, nil, slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/v1/routers/r1/refresh", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSubscribeRealtimeDisabledReturnsServiceUnavailable(t *testing.T) {
	t.Parallel()

	h := api.New(&fakeStateStore{}, &fakeSampleStore{}, &fakeSupervisorLookup{}, nil, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/v1/routers/r1/realtime?session=s1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestSubscribeRealtimeBusyMapsToConflict(t *testing.T) {
	t.Parallel()

	hub := &fakeHub{subscribeErr: fanout.ErrBusy}
	h := api.New(&fakeStateStore{}, &fakeSampleStore{}, &fakeSupervisorLookup{}, hub, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/v1/routers/r1/realtime?session=s1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestSubscribeRealtimeMissingSessionIsBadRequest(t *testing.T) {
	t.Parallel()

	hub := &fakeHub{}
	h := api.New(&fakeStateStore{}, &fakeSampleStore{}, &fakeSupervisorLookup{}, hub, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/v1/routers/r1/realtime", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestResumeRealtimeNotFound(t *testing.T) {
	t.Parallel()

	hub := &fakeHub{resumeErr: fanout.ErrNotFound}
	h := api.New(&fakeStateStore{}, &fakeSampleStore{}, &fakeSupervisorLookup{}, hub, slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/v1/routers/ghost/realtime/resume", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// TestSubscribeRealtimeStreamsSnapshotsOverHTTP exercises the full SSE
// path end to end against a genuine Fan-out Hub, since
// httptest.NewRecorder doesn't flush incrementally.
func TestSubscribeRealtimeStreamsSnapshotsOverHTTP(t *testing.T) {
	t.Parallel()

	resolver := func(_ context.Context, routerID string) (fanout.PollerInputs, error) {
		return fanout.PollerInputs{
			Adapter: &streamingFakeAdapter{readings: []adapter.CounterReading{{Name: "ether1", RxBytes: 1000, TxBytes: 2000}}},
			Target:  adapter.Target{Host: routerID},
			Ports:   []string{"ether1"},
		}, nil
	}
	hub := fanout.New(resolver, ratederiver.NewCache(), timeseries.NewStore(), nil, slog.Default(), fanout.Config{
		Interval:             5 * time.Millisecond,
		MaxTicks:             1000,
		MaxSubscribedRouters: 4,
		QueueDepth:           4,
		MaxGap:               15 * time.Minute,
		Deadline:             time.Second,
	})

	h := api.New(&fakeStateStore{}, &fakeSampleStore{}, &fakeSupervisorLookup{}, hub, slog.Default())
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/routers/r1/realtime?session=s1", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			return // saw at least one event; success
		}
	}
	t.Fatal("no SSE event observed before the stream ended")
}

type streamingFakeAdapter struct {
	readings []adapter.CounterReading
}

func (a *streamingFakeAdapter) Name() string { return adapter.NameNative }
func (a *streamingFakeAdapter) ProbeReachable(context.Context, adapter.Target) (bool, error) {
	return true, nil
}
func (a *streamingFakeAdapter) ListInterfaces(context.Context, adapter.Target, adapter.DisplayMode) ([]adapter.InterfaceInfo, error) {
	return nil, nil
}
func (a *streamingFakeAdapter) ReadCounters(_ context.Context, _ adapter.Target, _ []string) ([]adapter.CounterReading, error) {
	readings := make([]adapter.CounterReading, len(a.readings))
	copy(readings, a.readings)
	for i := range readings {
		readings[i].SampledAt = time.Now()
	}
	return readings, nil
}
func (a *streamingFakeAdapter) ListIPAddresses(context.Context, adapter.Target) ([]adapter.IPAddress, error) {
	return nil, nil
}
func (a *streamingFakeAdapter) ListRoutes(context.Context, adapter.Target) ([]adapter.Route, error) {
	return nil, nil
}
func (a *streamingFakeAdapter) Close() error { return nil }
