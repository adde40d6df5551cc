// Package ratederiver converts monotonic interface byte counters into
// bits-per-second rates (spec §4.5). Derive is a pure function over a
// Cache: no I/O, no clock reads beyond the sample timestamp the caller
// supplies, making the wrap/reset/gap rules trivially testable in
// isolation from the Supervisor that calls it.
package ratederiver

import (
	"sync"
	"time"
)

// Sample is one cached counter reading for a (router_id, port_name) key.
type Sample struct {
	RxBytes uint64
	TxBytes uint64
	At      time.Time
}

// Reading is the bits-per-second rate derived from two consecutive
// samples. Only meaningful when Derive's second return value is true.
type Reading struct {
	RxBPS    float64
	TxBPS    float64
	TotalBPS float64
	At       time.Time
}

// Cache holds the last-sample state for every (router_id, port_name) pair
// the caller feeds through Derive. The scheduled-poll loop and the
// real-time poller each own a distinct Cache instance (spec §4.7: the
// real-time cache is "separate... keyed with a 'rt' suffix" — the
// real-time poller uses its own Cache value and also keys its entries
// "<router>:rt").
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]Sample
}

type cacheKey struct {
	routerID string
	portName string
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]Sample)}
}

// wrapThreshold is the §4.5 cutoff: a negative raw delta is treated as a
// 64-bit counter wrap only when its magnitude exceeds 2^63; smaller
// magnitudes are treated as a counter reset (device reboot, counter
// clear) and re-seed without emission.
const wrapThreshold = uint64(1) << 63

// Derive feeds one new counter reading (rx, tx, at) for (routerID,
// portName) through the cache and returns the derived Reading and
// whether a reading was emitted. maxGap is the re-seed threshold for
// stale or backwards-jumping timestamps (default 15m, spec §4.5 step 2).
//
// No reading is emitted when:
//   - this is the first sample seen for the key (seeding),
//   - Δt ≤ 0 or Δt > maxGap (stale/jumped clock; re-seed),
//   - either delta looks like a counter reset rather than a 64-bit wrap
//     (re-seed without emission).
//
// In every case the cache entry is replaced with the new sample (spec
// §4.5 step 5), whether or not a reading was emitted.
func (c *Cache) Derive(routerID, portName string, rx, tx uint64, at time.Time, maxGap time.Duration) (Reading, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{routerID, portName}
	prev, ok := c.entries[k]
	c.entries[k] = Sample{RxBytes: rx, TxBytes: tx, At: at}

	if !ok {
		return Reading{}, false
	}

	dt := at.Sub(prev.At)
	if dt <= 0 || dt > maxGap {
		return Reading{}, false
	}

	drx, rxReset := delta(prev.RxBytes, rx)
	dtx, txReset := delta(prev.TxBytes, tx)
	if rxReset || txReset {
		return Reading{}, false
	}

	seconds := dt.Seconds()
	rxBPS := 8 * float64(drx) / seconds
	txBPS := 8 * float64(dtx) / seconds

	return Reading{
		RxBPS:    rxBPS,
		TxBPS:    txBPS,
		TotalBPS: rxBPS + txBPS,
		At:       at,
	}, true
}

// Reset drops the cached sample for (routerID, portName), forcing the
// next Derive call for that key to re-seed. Neither the Supervisor nor the
// real-time poller calls it.
func (c *Cache) Reset(routerID, portName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{routerID, portName})
}

// delta computes the unsigned forward distance from prev to cur,
// classifying an apparent backwards step as either a 64-bit counter
// wrap (reset=false, d is the wrapped-forward distance) or a genuine
// counter reset (reset=true, d is meaningless and must not be emitted).
func delta(prev, cur uint64) (d uint64, reset bool) {
	if cur >= prev {
		return cur - prev, false
	}

	magnitude := prev - cur
	if magnitude > wrapThreshold {
		// cur - prev wraps mod 2^64 in unsigned arithmetic, which is
		// exactly the §4.5 "add 2^64" rule.
		return cur - prev, false
	}
	return 0, true
}
