package adapter

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-routeros/routeros/v3"
)

// NativeAdapter implements Adapter over the RouterOS binary API (the
// "native" protocol, spec §4.1). Connections are pooled per router and
// reused across polls; a dead connection is replaced lazily on next use
// rather than proactively health-checked, following the pack's
// lock-check-reuse-or-reconnect pattern.
type NativeAdapter struct {
	mu       sync.Mutex
	conns    map[string]*nativeConn
	maxConns int
}

// nativeConn is one pooled *routeros.Client guarded by its own lock, since
// Run/RunArgs are synchronous and must not be issued concurrently on the
// same connection.
type nativeConn struct {
	mu     sync.Mutex
	client *routeros.Client
}

// NewNativeAdapter returns a NativeAdapter pooling at most maxConns
// simultaneous router connections (0 means unbounded).
func NewNativeAdapter(maxConns int) *NativeAdapter {
	return &NativeAdapter{
		conns:    make(map[string]*nativeConn),
		maxConns: maxConns,
	}
}

// Name implements Adapter.
func (a *NativeAdapter) Name() string { return NameNative }

// Close implements Adapter, closing every pooled connection.
func (a *NativeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for id, nc := range a.conns {
		nc.mu.Lock()
		if nc.client != nil {
			if err := nc.client.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		nc.mu.Unlock()
		delete(a.conns, id)
	}
	return firstErr
}

// -------------------------------------------------------------------------
// Connection Pool
// -------------------------------------------------------------------------

func (a *NativeAdapter) getConn(ctx context.Context, t Target) (*nativeConn, error) {
	a.mu.Lock()
	nc, exists := a.conns[t.RouterID]
	a.mu.Unlock()

	if exists {
		nc.mu.Lock()
		alive := nc.client != nil
		nc.mu.Unlock()
		if alive {
			return nc, nil
		}
	}

	client, err := a.dial(ctx, t)
	if err != nil {
		return nil, err
	}

	nc = &nativeConn{client: client}

	a.mu.Lock()
	if old, ok := a.conns[t.RouterID]; ok && old.client != nil {
		old.mu.Lock()
		old.client.Close()
		old.client = nil
		old.mu.Unlock()
	}
	if a.maxConns > 0 && len(a.conns) >= a.maxConns {
		for id, victim := range a.conns {
			if id == t.RouterID {
				continue
			}
			victim.mu.Lock()
			if victim.client != nil {
				victim.client.Close()
				victim.client = nil
			}
			victim.mu.Unlock()
			delete(a.conns, id)
			break
		}
	}
	a.conns[t.RouterID] = nc
	a.mu.Unlock()

	return nc, nil
}

// dial opens a fresh RouterOS API connection and logs in, honoring ctx's
// deadline via a dial goroutine racing ctx.Done, same shape as the
// connection-pool reference this adapter is grounded on.
func (a *NativeAdapter) dial(ctx context.Context, t Target) (*routeros.Client, error) {
	password, err := t.Cred.Password(ctx)
	if err != nil {
		return nil, NewError(NameNative, "dial", CodeAuthFailed, err)
	}

	port := t.NativePort
	if port == 0 {
		port = 8728
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	type result struct {
		client *routeros.Client
		err    error
	}
	resCh := make(chan result, 1)

	go func() {
		var d net.Dialer
		conn, dialErr := d.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			resCh <- result{nil, dialErr}
			return
		}

		client, clientErr := routeros.NewClient(conn)
		if clientErr != nil {
			conn.Close()
			resCh <- result{nil, clientErr}
			return
		}

		if loginErr := client.Login(t.Username, password); loginErr != nil {
			client.Close()
			resCh <- result{nil, loginErr}
			return
		}

		resCh <- result{client, nil}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, classifyDialErr(res.err)
		}
		return res.client, nil
	case <-ctx.Done():
		return nil, NewError(NameNative, "dial", CodeTimeout, ctx.Err())
	}
}

// classifyDialErr maps a raw dial/login error into the taxonomy. The
// go-routeros client surfaces failed logins as plain errors with no typed
// sentinel, so this falls back to substring matching on the RouterOS trap
// text ("cannot log in" for bad credentials).
func classifyDialErr(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "cannot log in") || strings.Contains(msg, "invalid user") {
		return NewError(NameNative, "dial", CodeAuthFailed, err)
	}
	return NewError(NameNative, "dial", CodeUnreachable, err)
}

// run executes a RouterOS sentence on t's pooled connection, retrying once
// against a fresh connection if the pooled one has gone stale.
func (a *NativeAdapter) run(ctx context.Context, t Target, op string, sentence ...string) (*routeros.Reply, error) {
	nc, err := a.getConn(ctx, t)
	if err != nil {
		return nil, err
	}

	reply, runErr := runArgs(ctx, nc, sentence)
	if runErr == nil {
		return reply, nil
	}
	if errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runErr, context.Canceled) {
		return nil, NewError(NameNative, op, CodeTimeout, runErr)
	}

	nc2, err := a.getConn(ctx, t)
	if err != nil {
		return nil, err
	}

	reply, runErr = runArgs(ctx, nc2, sentence)
	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runErr, context.Canceled) {
			return nil, NewError(NameNative, op, CodeTimeout, runErr)
		}
		return nil, NewError(NameNative, op, CodeProtocolError, runErr)
	}
	return reply, nil
}

// runArgs issues sentence on nc's client, honoring ctx's deadline via a
// goroutine racing ctx.Done, same shape as dial. A timed-out call closes
// the connection so the still-running RunArgs unblocks (or the device's
// next write fails) instead of holding nc's lock indefinitely.
func runArgs(ctx context.Context, nc *nativeConn, sentence []string) (*routeros.Reply, error) {
	nc.mu.Lock()
	client := nc.client

	type result struct {
		reply *routeros.Reply
		err   error
	}
	resCh := make(chan result, 1)

	go func() {
		reply, err := client.RunArgs(sentence)
		resCh <- result{reply, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			nc.client.Close()
			nc.client = nil
		}
		nc.mu.Unlock()
		return res.reply, res.err
	case <-ctx.Done():
		client.Close()
		nc.client = nil
		nc.mu.Unlock()
		return nil, ctx.Err()
	}
}

// -------------------------------------------------------------------------
// Adapter Operations
// -------------------------------------------------------------------------

// ProbeReachable implements Adapter via a lightweight system-resource read.
func (a *NativeAdapter) ProbeReachable(ctx context.Context, t Target) (bool, error) {
	_, err := a.run(ctx, t, "probe_reachable", "/system/resource/print", "=.proplist=uptime")
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListInterfaces implements Adapter.
func (a *NativeAdapter) ListInterfaces(ctx context.Context, t Target, mode DisplayMode) ([]InterfaceInfo, error) {
	if mode == DisplayNone {
		return nil, nil
	}

	reply, err := a.run(ctx, t, "list_interfaces",
		"/interface/print",
		"=.proplist=name,type,mac-address,comment,running,disabled",
	)
	if err != nil {
		return nil, err
	}

	out := make([]InterfaceInfo, 0, len(reply.Re))
	for _, re := range reply.Re {
		typ := re.Map["type"]
		if mode == DisplayStatic && !isStaticInterfaceType(typ) {
			continue
		}
		out = append(out, InterfaceInfo{
			Name:     re.Map["name"],
			Type:     typ,
			MAC:      re.Map["mac-address"],
			Comment:  re.Map["comment"],
			Running:  re.Map["running"] == "true",
			Disabled: re.Map["disabled"] == "true",
		})
	}
	return out, nil
}

func isStaticInterfaceType(t string) bool {
	switch t {
	case "ether", "vlan", "bridge":
		return true
	default:
		return false
	}
}

// ReadCounters implements Adapter. An empty names slice reads every
// interface; SampledAt is stamped from the monitoring host's clock per
// spec §9, never from device-reported fields.
func (a *NativeAdapter) ReadCounters(ctx context.Context, t Target, names []string) ([]CounterReading, error) {
	reply, err := a.run(ctx, t, "read_counters",
		"/interface/print",
		"=.proplist=name,rx-byte,tx-byte",
	)
	if err != nil {
		return nil, err
	}

	wanted := toSet(names)
	now := time.Now()

	out := make([]CounterReading, 0, len(reply.Re))
	for _, re := range reply.Re {
		name := re.Map["name"]
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		rx, _ := strconv.ParseUint(re.Map["rx-byte"], 10, 64)
		tx, _ := strconv.ParseUint(re.Map["tx-byte"], 10, 64)
		out = append(out, CounterReading{
			Name:      name,
			RxBytes:   rx,
			TxBytes:   tx,
			SampledAt: now,
		})
	}
	return out, nil
}

// ListIPAddresses implements Adapter.
func (a *NativeAdapter) ListIPAddresses(ctx context.Context, t Target) ([]IPAddress, error) {
	reply, err := a.run(ctx, t, "list_ip_addresses",
		"/ip/address/print",
		"=.proplist=address,interface",
	)
	if err != nil {
		return nil, err
	}

	out := make([]IPAddress, 0, len(reply.Re))
	for _, re := range reply.Re {
		out = append(out, IPAddress{
			Address:   re.Map["address"],
			Interface: re.Map["interface"],
		})
	}
	return out, nil
}

// ListRoutes implements Adapter.
func (a *NativeAdapter) ListRoutes(ctx context.Context, t Target) ([]Route, error) {
	reply, err := a.run(ctx, t, "list_routes",
		"/ip/route/print",
		"=.proplist=dst-address,gateway,interface",
	)
	if err != nil {
		return nil, err
	}

	out := make([]Route, 0, len(reply.Re))
	for _, re := range reply.Re {
		out = append(out, Route{
			Destination: re.Map["dst-address"],
			Gateway:     re.Map["gateway"],
			Interface:   re.Map["interface"],
		})
	}
	return out, nil
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}
