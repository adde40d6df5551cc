package adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// RESTAdapter implements Adapter over RouterOS's HTTPS+JSON API (RouterOS
// >= 7.1, spec §4.1). It is stateless beyond a shared *http.Client pool
// sized by maxConns via the transport's MaxConnsPerHost.
type RESTAdapter struct {
	client *http.Client
}

// RESTOption configures a RESTAdapter at construction time.
type RESTOption func(*http.Transport)

// WithTLSConfig overrides the transport's TLS configuration, e.g. to trust
// a private CA or (in tests) a self-signed certificate.
func WithTLSConfig(cfg *tls.Config) RESTOption {
	return func(t *http.Transport) { t.TLSClientConfig = cfg }
}

// NewRESTAdapter returns a RESTAdapter whose transport caps concurrent
// per-router connections at maxConns.
func NewRESTAdapter(maxConns int, opts ...RESTOption) *RESTAdapter {
	transport := &http.Transport{
		MaxConnsPerHost:     maxConns,
		MaxIdleConnsPerHost: maxConns,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(transport)
	}
	return &RESTAdapter{
		client: &http.Client{Transport: transport},
	}
}

// Name implements Adapter.
func (a *RESTAdapter) Name() string { return NameREST }

// Close implements Adapter; the shared transport's idle connections are
// closed since RESTAdapter keeps no other per-router state.
func (a *RESTAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *RESTAdapter) baseURL(t Target) string {
	port := t.RESTPort
	if port == 0 {
		port = 443
	}
	return "https://" + net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// do issues a REST API call against path and decodes the JSON response
// body into out (if non-nil).
func (a *RESTAdapter) do(ctx context.Context, t Target, op, method, path string, body any, out any) error {
	password, err := t.Cred.Password(ctx)
	if err != nil {
		return NewError(NameREST, op, CodeAuthFailed, err)
	}

	var reqBody io.Reader
	if body != nil {
		buf, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return NewError(NameREST, op, CodeProtocolError, marshalErr)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL(t)+path, reqBody)
	if err != nil {
		return NewError(NameREST, op, CodeProtocolError, err)
	}
	req.SetBasicAuth(t.Username, password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return NewError(NameREST, op, classifyRESTTransportErr(err), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewError(NameREST, op, CodeAuthFailed, fmt.Errorf("status %d", resp.StatusCode))
	case http.StatusNotFound:
		return NewError(NameREST, op, CodeFeatureUnavailable, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return NewError(NameREST, op, CodeProtocolError, fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}

	if out == nil {
		return nil
	}
	if decErr := json.NewDecoder(resp.Body).Decode(out); decErr != nil {
		return NewError(NameREST, op, CodeProtocolError, decErr)
	}
	return nil
}

func classifyRESTTransportErr(err error) Code {
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
		return CodeTimeout
	}
	return CodeUnreachable
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// -------------------------------------------------------------------------
// REST Response Shapes
// -------------------------------------------------------------------------

type restInterface struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	MACAddress string `json:"mac-address"`
	Comment    string `json:"comment"`
	Running    string `json:"running"`
	Disabled   string `json:"disabled"`
	RxByte     string `json:"rx-byte"`
	TxByte     string `json:"tx-byte"`
}

type restAddress struct {
	Address   string `json:"address"`
	Interface string `json:"interface"`
}

type restRoute struct {
	DstAddress string `json:"dst-address"`
	Gateway    string `json:"gateway"`
	Interface  string `json:"interface"`
}

// -------------------------------------------------------------------------
// Adapter Operations
// -------------------------------------------------------------------------

// ProbeReachable implements Adapter via a lightweight system resource read.
func (a *RESTAdapter) ProbeReachable(ctx context.Context, t Target) (bool, error) {
	var out struct {
		Uptime string `json:"uptime"`
	}
	if err := a.do(ctx, t, "probe_reachable", http.MethodGet, "/rest/system/resource", nil, &out); err != nil {
		return false, err
	}
	return true, nil
}

// ListInterfaces implements Adapter.
func (a *RESTAdapter) ListInterfaces(ctx context.Context, t Target, mode DisplayMode) ([]InterfaceInfo, error) {
	if mode == DisplayNone {
		return nil, nil
	}

	var raw []restInterface
	if err := a.do(ctx, t, "list_interfaces", http.MethodGet, "/rest/interface", nil, &raw); err != nil {
		return nil, err
	}

	out := make([]InterfaceInfo, 0, len(raw))
	for _, ri := range raw {
		if mode == DisplayStatic && !isStaticInterfaceType(ri.Type) {
			continue
		}
		out = append(out, InterfaceInfo{
			Name:     ri.Name,
			Type:     ri.Type,
			MAC:      ri.MACAddress,
			Comment:  ri.Comment,
			Running:  ri.Running == "true",
			Disabled: ri.Disabled == "true",
		})
	}
	return out, nil
}

// ReadCounters implements Adapter.
func (a *RESTAdapter) ReadCounters(ctx context.Context, t Target, names []string) ([]CounterReading, error) {
	var raw []restInterface
	if err := a.do(ctx, t, "read_counters", http.MethodGet, "/rest/interface", nil, &raw); err != nil {
		return nil, err
	}

	wanted := toSet(names)
	now := time.Now()

	out := make([]CounterReading, 0, len(raw))
	for _, ri := range raw {
		if len(wanted) > 0 && !wanted[ri.Name] {
			continue
		}
		rx, _ := strconv.ParseUint(ri.RxByte, 10, 64)
		tx, _ := strconv.ParseUint(ri.TxByte, 10, 64)
		out = append(out, CounterReading{
			Name:      ri.Name,
			RxBytes:   rx,
			TxBytes:   tx,
			SampledAt: now,
		})
	}
	return out, nil
}

// ListIPAddresses implements Adapter.
func (a *RESTAdapter) ListIPAddresses(ctx context.Context, t Target) ([]IPAddress, error) {
	var raw []restAddress
	if err := a.do(ctx, t, "list_ip_addresses", http.MethodGet, "/rest/ip/address", nil, &raw); err != nil {
		return nil, err
	}

	out := make([]IPAddress, 0, len(raw))
	for _, ra := range raw {
		out = append(out, IPAddress{Address: ra.Address, Interface: ra.Interface})
	}
	return out, nil
}

// ListRoutes implements Adapter.
func (a *RESTAdapter) ListRoutes(ctx context.Context, t Target) ([]Route, error) {
	var raw []restRoute
	if err := a.do(ctx, t, "list_routes", http.MethodGet, "/rest/ip/route", nil, &raw); err != nil {
		return nil, err
	}

	out := make([]Route, 0, len(raw))
	for _, rr := range raw {
		out = append(out, Route{Destination: rr.DstAddress, Gateway: rr.Gateway, Interface: rr.Interface})
	}
	return out, nil
}
