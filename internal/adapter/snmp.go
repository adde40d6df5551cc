package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"
)

// SNMPAdapter implements Adapter over SNMP v1/v2c standard interface OIDs
// (spec §4.1). It is the fallback of last resort: it can reach byte
// counters and interface names but has no concept of IP addresses or
// routes, so those operations return CodeFeatureUnavailable. It has no
// interface-type information either, so ListInterfaces ignores the
// display mode apart from DisplayNone.
type SNMPAdapter struct{}

// NewSNMPAdapter returns an SNMPAdapter. SNMP sessions are opened fresh
// per call (the protocol is connectionless UDP; there is no persistent
// connection to pool).
func NewSNMPAdapter() *SNMPAdapter {
	return &SNMPAdapter{}
}

// Name implements Adapter.
func (a *SNMPAdapter) Name() string { return NameSNMP }

// Close implements Adapter; SNMPAdapter holds no state to release.
func (a *SNMPAdapter) Close() error { return nil }

// Standard interfaces-MIB OIDs (RFC 1213 / RFC 2863).
const (
	oidIfDescr   = "1.3.6.1.2.1.2.2.1.2"
	oidIfOperUp  = "1.3.6.1.2.1.2.2.1.8"
	oidIfInOctet = "1.3.6.1.2.1.31.1.1.1.6"  // ifHCInOctets
	oidIfOutOct  = "1.3.6.1.2.1.31.1.1.1.10" // ifHCOutOctets
)

func (a *SNMPAdapter) session(t Target, deadline time.Duration) (*gosnmp.GoSNMP, error) {
	version := gosnmp.Version2c
	if t.SNMPVersion == "v1" {
		version = gosnmp.Version1
	}

	port := uint16(t.SNMPPort)
	if port == 0 {
		port = 161
	}

	community := t.SNMPCommunity
	if community == "" {
		community = "public"
	}

	s := &gosnmp.GoSNMP{
		Target:    t.Host,
		Port:      port,
		Community: community,
		Version:   version,
		Timeout:   deadline,
		Retries:   1,
	}
	if err := s.Connect(); err != nil {
		return nil, NewError(NameSNMP, "connect", CodeUnreachable, err)
	}
	return s, nil
}

func snmpDeadline(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
	}
	return 5 * time.Second
}

// ProbeReachable implements Adapter via a GET of sysUpTime.
func (a *SNMPAdapter) ProbeReachable(ctx context.Context, t Target) (bool, error) {
	s, err := a.session(t, snmpDeadline(ctx))
	if err != nil {
		return false, err
	}
	defer s.Conn.Close()

	if _, err := s.Get([]string{"1.3.6.1.2.1.1.3.0"}); err != nil {
		return false, NewError(NameSNMP, "probe_reachable", CodeTimeout, err)
	}
	return true, nil
}

// ListInterfaces implements Adapter. SNMP has no configured-interface
// "type" beyond ifType numeric codes; DisplayMode filtering is not
// meaningful here, so mode is accepted but ignored beyond DisplayNone.
func (a *SNMPAdapter) ListInterfaces(ctx context.Context, t Target, mode DisplayMode) ([]InterfaceInfo, error) {
	if mode == DisplayNone {
		return nil, nil
	}

	s, err := a.session(t, snmpDeadline(ctx))
	if err != nil {
		return nil, err
	}
	defer s.Conn.Close()

	var out []InterfaceInfo
	walkErr := s.BulkWalk(oidIfDescr, func(pdu gosnmp.SnmpPDU) error {
		name := pduString(pdu)
		out = append(out, InterfaceInfo{Name: name, Running: true})
		return nil
	})
	if walkErr != nil {
		return nil, NewError(NameSNMP, "list_interfaces", CodeProtocolError, walkErr)
	}
	return out, nil
}

// ReadCounters implements Adapter via ifHCIn/OutOctets (64-bit counters).
func (a *SNMPAdapter) ReadCounters(ctx context.Context, t Target, names []string) ([]CounterReading, error) {
	s, err := a.session(t, snmpDeadline(ctx))
	if err != nil {
		return nil, err
	}
	defer s.Conn.Close()

	indexToName := map[string]string{}
	if walkErr := s.BulkWalk(oidIfDescr, func(pdu gosnmp.SnmpPDU) error {
		idx := lastOIDComponent(pdu.Name)
		indexToName[idx] = pduString(pdu)
		return nil
	}); walkErr != nil {
		return nil, NewError(NameSNMP, "read_counters", CodeProtocolError, walkErr)
	}

	rxByIndex := map[string]uint64{}
	if walkErr := s.BulkWalk(oidIfInOctet, func(pdu gosnmp.SnmpPDU) error {
		rxByIndex[lastOIDComponent(pdu.Name)] = pduCounter(pdu)
		return nil
	}); walkErr != nil {
		return nil, NewError(NameSNMP, "read_counters", CodeProtocolError, walkErr)
	}

	txByIndex := map[string]uint64{}
	if walkErr := s.BulkWalk(oidIfOutOct, func(pdu gosnmp.SnmpPDU) error {
		txByIndex[lastOIDComponent(pdu.Name)] = pduCounter(pdu)
		return nil
	}); walkErr != nil {
		return nil, NewError(NameSNMP, "read_counters", CodeProtocolError, walkErr)
	}

	wanted := toSet(names)
	now := time.Now()

	out := make([]CounterReading, 0, len(indexToName))
	for idx, name := range indexToName {
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		out = append(out, CounterReading{
			Name:      name,
			RxBytes:   rxByIndex[idx],
			TxBytes:   txByIndex[idx],
			SampledAt: now,
		})
	}
	return out, nil
}

// ListIPAddresses implements Adapter. SNMP's ipAddrTable is not wired: the
// standard MIB addressing tables are deprecated in favor of ipAddressTable,
// whose indexing (address-family-tagged) needs per-device probing this
// adapter doesn't perform; callers fall back to native/rest for topology.
func (a *SNMPAdapter) ListIPAddresses(_ context.Context, _ Target) ([]IPAddress, error) {
	return nil, NewError(NameSNMP, "list_ip_addresses", CodeFeatureUnavailable, fmt.Errorf("not supported over snmp"))
}

// ListRoutes implements Adapter. Same rationale as ListIPAddresses.
func (a *SNMPAdapter) ListRoutes(_ context.Context, _ Target) ([]Route, error) {
	return nil, NewError(NameSNMP, "list_routes", CodeFeatureUnavailable, fmt.Errorf("not supported over snmp"))
}

func pduString(pdu gosnmp.SnmpPDU) string {
	if b, ok := pdu.Value.([]byte); ok {
		return string(b)
	}
	return fmt.Sprintf("%v", pdu.Value)
}

func pduCounter(pdu gosnmp.SnmpPDU) uint64 {
	return gosnmp.ToBigInt(pdu.Value).Uint64()
}

func lastOIDComponent(oid string) string {
	for i := len(oid) - 1; i >= 0; i-- {
		if oid[i] == '.' {
			return oid[i+1:]
		}
	}
	return oid
}
