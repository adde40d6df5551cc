// Package api implements the Query/Control boundary the engine exposes
// to external collaborators (spec §6): list_samples, list_alerts,
// get_router_status, acknowledge_alert, refresh_interface_metadata,
// subscribe_realtime, resume_realtime.
//
// Handlers stay thin and delegate to the domain packages, translating
// sentinel errors to HTTP status codes the way server.go's
// mapManagerError translates them to Connect codes; the teacher's
// h2c-wrapped cleartext HTTP/2 listener is kept (ConnectRPC/protobuf
// dropped — see DESIGN.md).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mikrotikmon/engine/internal/adapter"
	"github.com/mikrotikmon/engine/internal/fanout"
	"github.com/mikrotikmon/engine/internal/state"
	"github.com/mikrotikmon/engine/internal/supervisor"
	"github.com/mikrotikmon/engine/internal/timeseries"
)

// -------------------------------------------------------------------------
// Collaborator Interfaces
// -------------------------------------------------------------------------

// SampleStore is the subset of the Time-Series Store list_samples reads from.
type SampleStore interface {
	Range(ctx context.Context, routerID, portName string, from, to time.Time) ([]timeseries.Sample, error)
	Aggregate(ctx context.Context, routerID, portName string, from, to time.Time, bucket timeseries.Bucket) ([]timeseries.AggregatePoint, error)
}

// StateStore is the subset of the State Store this package reads and
// writes directly.
type StateStore interface {
	GetRouter(ctx context.Context, routerID string) (state.Router, error)
	ListAlerts(ctx context.Context, routerID string, unacknowledgedOnly bool) ([]state.Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID, ackBy string, ackAt time.Time) (state.Alert, error)
}

// SupervisorLookup resolves a running Supervisor by router id, so
// refresh_interface_metadata can act without waiting for the next
// scheduled tick.
type SupervisorLookup interface {
	Supervisor(routerID string) (*supervisor.Supervisor, bool)
}

// RealtimeHub is the subset of the Fan-out Hub the streaming endpoints use.
type RealtimeHub interface {
	Subscribe(ctx context.Context, routerID, sessionID string) (*fanout.Session, error)
	Unsubscribe(routerID, sessionID string) error
	Resume(routerID string) error
}

// -------------------------------------------------------------------------
// Server
// -------------------------------------------------------------------------

// Server implements the Query/Control HTTP boundary.
type Server struct {
	samples StateStore
	ts      SampleStore
	sched   SupervisorLookup
	hub     RealtimeHub
	logger  *slog.Logger
}

// New constructs a Server and wires its routes into a ServeMux. hub may
// be nil when the real-time subsystem is disabled (spec §6's "flag
// enabling the real-time subsystem").
func New(store StateStore, ts SampleStore, sched SupervisorLookup, hub RealtimeHub, logger *slog.Logger) http.Handler {
	s := &Server{samples: store, ts: ts, sched: sched, hub: hub, logger: logger.With(slog.String("component", "api"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/samples", s.handleListSamples)
	mux.HandleFunc("GET /v1/alerts", s.handleListAlerts)
	mux.HandleFunc("GET /v1/routers/{id}/status", s.handleRouterStatus)
	mux.HandleFunc("POST /v1/alerts/{id}/ack", s.handleAcknowledgeAlert)
	mux.HandleFunc("POST /v1/routers/{id}/refresh", s.handleRefreshInterfaces)
	mux.HandleFunc("GET /v1/routers/{id}/realtime", s.handleSubscribeRealtime)
	mux.HandleFunc("POST /v1/routers/{id}/realtime/resume", s.handleResumeRealtime)
	return mux
}

// -------------------------------------------------------------------------
// Query: list_samples(router, port?, from, to, bucket?)
// -------------------------------------------------------------------------

func (s *Server) handleListSamples(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	routerID := q.Get("router")
	if routerID == "" {
		writeError(w, http.StatusBadRequest, errors.New("router is required"))
		return
	}
	portName := q.Get("port")

	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse from: %w", err))
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse to: %w", err))
		return
	}

	ctx := r.Context()
	if bucket := q.Get("bucket"); bucket != "" {
		points, err := s.ts.Aggregate(ctx, routerID, portName, from, to, timeseries.Bucket(bucket))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, points)
		return
	}

	samples, err := s.ts.Range(ctx, routerID, portName, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// -------------------------------------------------------------------------
// Query: list_alerts(user_scope, filter)
// -------------------------------------------------------------------------

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	routerID := q.Get("router")
	unackOnly := q.Get("unacknowledged") != "false"

	alerts, err := s.samples.ListAlerts(r.Context(), routerID, unackOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// -------------------------------------------------------------------------
// Query: get_router_status(router)
// -------------------------------------------------------------------------

// routerStatusView mirrors state.Router minus its Cred accessor, which
// must never cross the Query/Control API boundary.
type routerStatusView struct {
	ID                   string              `json:"id"`
	Name                 string              `json:"name"`
	Host                 string              `json:"host"`
	RESTEnabled          bool                `json:"rest_enabled"`
	SNMPEnabled          bool                `json:"snmp_enabled"`
	InterfaceDisplayMode adapter.DisplayMode `json:"interface_display_mode"`
	LastSuccessfulMethod string              `json:"last_successful_method"`
	Reachable            bool                `json:"reachable"`
	Connected            bool                `json:"connected"`
	LastConnectedAt      time.Time           `json:"last_connected_at"`
	Disabled             bool                `json:"disabled"`
}

func (s *Server) handleRouterStatus(w http.ResponseWriter, r *http.Request) {
	routerID := r.PathValue("id")
	router, err := s.samples.GetRouter(r.Context(), routerID)
	if err != nil {
		writeError(w, mapErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, routerStatusView{
		ID:                   router.ID,
		Name:                 router.Name,
		Host:                 router.Host,
		RESTEnabled:          router.RESTEnabled,
		SNMPEnabled:          router.SNMPEnabled,
		InterfaceDisplayMode: router.InterfaceDisplayMode,
		LastSuccessfulMethod: router.LastSuccessfulMethod,
		Reachable:            router.Reachable,
		Connected:            router.Connected,
		LastConnectedAt:      router.LastConnectedAt,
		Disabled:             router.Disabled,
	})
}

// -------------------------------------------------------------------------
// Control: acknowledge_alert(alert_id, user)
// -------------------------------------------------------------------------

type ackRequest struct {
	User string `json:"user"`
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alertID := r.PathValue("id")

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.User == "" {
		writeError(w, http.StatusBadRequest, errors.New("user is required"))
		return
	}

	acked, err := s.samples.AcknowledgeAlert(r.Context(), alertID, req.User, time.Now())
	if err != nil {
		writeError(w, mapErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, acked)
}

// -------------------------------------------------------------------------
// Control: refresh_interface_metadata(router_id | port_id)
// -------------------------------------------------------------------------

func (s *Server) handleRefreshInterfaces(w http.ResponseWriter, r *http.Request) {
	routerID := r.PathValue("id")

	sv, ok := s.sched.Supervisor(routerID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("router %s: %w", routerID, state.ErrNotFound))
		return
	}

	if err := sv.RefreshInterfaces(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -------------------------------------------------------------------------
// Control: subscribe_realtime(session, router_id) / resume_realtime
// -------------------------------------------------------------------------

// handleSubscribeRealtime streams snapshots as Server-Sent Events until
// the client disconnects, at which point the session is unsubscribed
// (spec §4.7: "session-close ... terminates the poller for all
// sessions" once the last session leaves).
func (s *Server) handleSubscribeRealtime(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("realtime subsystem disabled"))
		return
	}

	routerID := r.PathValue("id")
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session is required"))
		return
	}

	sess, err := s.hub.Subscribe(r.Context(), routerID, sessionID)
	if err != nil {
		writeError(w, mapErrorStatus(err), err)
		return
	}
	defer func() {
		if err := s.hub.Unsubscribe(routerID, sessionID); err != nil {
			s.logger.Warn("unsubscribe on stream close failed", slog.String("router_id", routerID), slog.Any("error", err))
		}
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Notify():
			for _, snap := range sess.Drain() {
				body, err := json.Marshal(snap)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
					return
				}
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleResumeRealtime(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("realtime subsystem disabled"))
		return
	}

	routerID := r.PathValue("id")
	if err := s.hub.Resume(routerID); err != nil {
		writeError(w, mapErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -------------------------------------------------------------------------
// Error mapping and encoding
// -------------------------------------------------------------------------

// mapErrorStatus translates domain sentinel errors into HTTP status
// codes, the same role server.go's mapManagerError plays for Connect
// codes.
func mapErrorStatus(err error) int {
	switch {
	case errors.Is(err, state.ErrNotFound), errors.Is(err, fanout.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fanout.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, state.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
