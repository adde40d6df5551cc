// Package adapter implements the uniform Device Adapter capability set
// (spec §4.1) over three concrete MikroTik transports: native (binary
// framed RPC over the RouterOS API port), rest (HTTPS+JSON, RouterOS >=
// 7.1), and snmp (v1/v2c byte counters via standard interface OIDs).
//
// Each adapter is stateless beyond its connection pool; the Router
// Supervisor (internal/supervisor) composes these into a fallback
// selection strategy.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// -------------------------------------------------------------------------
// Error Taxonomy (spec §7)
// -------------------------------------------------------------------------

// Code classifies an adapter failure uniformly across protocols.
type Code uint8

const (
	// CodeUnreachable is an L3/L4 failure to reach the device. Retryable.
	CodeUnreachable Code = iota + 1
	// CodeAuthFailed indicates rejected credentials. Not retryable until
	// the operator fixes configuration.
	CodeAuthFailed
	// CodeProtocolError is a framing, parsing, or schema mismatch.
	// Retryable, but counts toward adapter demotion.
	CodeProtocolError
	// CodeTimeout indicates no response within the per-call deadline. Retryable.
	CodeTimeout
	// CodeFeatureUnavailable indicates this adapter cannot service the
	// call at all (e.g. SNMP cannot list routes). Terminal for this call
	// on this adapter; callers must try the next adapter.
	CodeFeatureUnavailable
)

// String returns the human-readable name of the error code.
func (c Code) String() string {
	switch c {
	case CodeUnreachable:
		return "unreachable"
	case CodeAuthFailed:
		return "auth_failed"
	case CodeProtocolError:
		return "protocol_error"
	case CodeTimeout:
		return "timeout"
	case CodeFeatureUnavailable:
		return "feature_unavailable"
	default:
		return "unknown"
	}
}

// Retryable reports whether the failure is transient (spec §7): only
// auth_failed and feature_unavailable are non-retryable/terminal for the
// current call. auth_failed ends the fallback order; feature_unavailable
// is terminal only for the adapter that returned it (see
// CodeFeatureUnavailable).
func (c Code) Retryable() bool {
	switch c {
	case CodeAuthFailed, CodeFeatureUnavailable:
		return false
	default:
		return true
	}
}

// Error wraps an underlying transport error with its taxonomy Code.
type Error struct {
	Code    Code
	Adapter string // "native", "rest", "snmp"
	Op      string // operation name, e.g. "read_counters"
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s adapter %s: %s: %v", e.Adapter, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s adapter %s: %s", e.Adapter, e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an adapter Error.
func NewError(adapterName, op string, code Code, err error) *Error {
	return &Error{Code: code, Adapter: adapterName, Op: op, Err: err}
}

// CodeOf extracts the taxonomy Code from err, if any.
func CodeOf(err error) (Code, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	return 0, false
}

// -------------------------------------------------------------------------
// Display Mode (spec §3)
// -------------------------------------------------------------------------

// DisplayMode filters ListInterfaces results.
type DisplayMode uint8

const (
	// DisplayNone lists nothing.
	DisplayNone DisplayMode = iota
	// DisplayStatic lists ether/vlan/bridge interfaces only.
	DisplayStatic
	// DisplayAll lists every interface the device reports.
	DisplayAll
)

// ParseDisplayMode parses "none", "static", "all" (case-insensitive),
// defaulting to DisplayAll for unrecognized input.
func ParseDisplayMode(s string) DisplayMode {
	switch strings.ToLower(s) {
	case "none":
		return DisplayNone
	case "static":
		return DisplayStatic
	default:
		return DisplayAll
	}
}

// String implements fmt.Stringer.
func (d DisplayMode) String() string {
	switch d {
	case DisplayNone:
		return "none"
	case DisplayStatic:
		return "static"
	default:
		return "all"
	}
}

// MarshalJSON renders the mode by name so the Query/Control API's JSON
// output is self-describing rather than a bare uint8.
func (d DisplayMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts the name form produced by MarshalJSON.
func (d *DisplayMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*d = ParseDisplayMode(s)
	return nil
}

// -------------------------------------------------------------------------
// Domain Types
// -------------------------------------------------------------------------

// InterfaceInfo describes one device interface as reported by ListInterfaces.
type InterfaceInfo struct {
	Name     string
	Type     string // ether, vlan, bridge, pppoe, l2tp, ...
	MAC      string
	Comment  string
	Running  bool
	Disabled bool
}

// CounterReading is one interface's byte counters as of ReadCounters.
// Counters are 64-bit unsigned byte counters as reported by the device;
// SampledAt is the adapter-local monotonic reading time (the monitoring
// host's clock, per spec §9 — the device's own clock is never trusted).
type CounterReading struct {
	Name      string
	RxBytes   uint64
	TxBytes   uint64
	SampledAt time.Time
}

// IPAddress is one entry from ListIPAddresses (read-only topology view).
type IPAddress struct {
	Address   string
	Interface string
}

// Route is one entry from ListRoutes (read-only topology view).
type Route struct {
	Destination string
	Gateway     string
	Interface   string
}

// -------------------------------------------------------------------------
// Credentials
// -------------------------------------------------------------------------

// CredentialAccessor is the opaque accessor the engine receives decrypted
// credentials through (spec §1: "Credential encryption at rest ... the
// engine receives decrypted credentials through an opaque accessor").
// The engine never sees or logs the raw secret beyond the call that needs it.
type CredentialAccessor interface {
	Password(ctx context.Context) (string, error)
}

// StaticCredential is a CredentialAccessor backed by an in-memory secret,
// useful for tests and for seed-file-driven deployments (spec §12).
type StaticCredential string

// Password implements CredentialAccessor.
func (s StaticCredential) Password(_ context.Context) (string, error) {
	return string(s), nil
}

// -------------------------------------------------------------------------
// Target
// -------------------------------------------------------------------------

// Target names one router and the connection parameters needed to reach
// it over any of the three transports.
type Target struct {
	RouterID string
	Host     string
	Username string
	Cred     CredentialAccessor

	NativePort int

	RESTEnabled bool
	RESTPort    int

	SNMPEnabled   bool
	SNMPPort      int
	SNMPCommunity string
	SNMPVersion   string // "v1" or "v2c"
}

// -------------------------------------------------------------------------
// Adapter Capability Set (spec §4.1)
// -------------------------------------------------------------------------

// Adapter is the uniform capability set every protocol implementation
// (native, rest, snmp) exposes. Every operation carries a per-call
// deadline via ctx.
type Adapter interface {
	// Name identifies the adapter for logging, metrics, and
	// last_successful_method persistence ("native", "rest", "snmp").
	Name() string

	// ProbeReachable performs an L3/L4 reachability check (e.g. TCP
	// connect to the configured port).
	ProbeReachable(ctx context.Context, t Target) (bool, error)

	// ListInterfaces lists interfaces filtered by mode.
	ListInterfaces(ctx context.Context, t Target, mode DisplayMode) ([]InterfaceInfo, error)

	// ReadCounters reads byte counters for the given interface names. A
	// nil/empty slice means "all interfaces".
	ReadCounters(ctx context.Context, t Target, names []string) ([]CounterReading, error)

	// ListIPAddresses lists configured IP addresses (read-only topology view).
	ListIPAddresses(ctx context.Context, t Target) ([]IPAddress, error)

	// ListRoutes lists the routing table (read-only topology view).
	ListRoutes(ctx context.Context, t Target) ([]Route, error)

	// Close releases any pooled connections held by the adapter.
	Close() error
}

// Name string constants matching Adapter.Name() return values and
// persisted as RouterStatus.LastSuccessfulMethod.
const (
	NameNative = "native"
	NameREST   = "rest"
	NameSNMP   = "snmp"
)
