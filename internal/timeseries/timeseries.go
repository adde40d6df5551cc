// Package timeseries implements the Time-Series Store (spec §4.2): an
// append-only, per-(router, port) ordered sequence of traffic samples with
// range queries, hour/day aggregation, retention, and compaction. The
// engine ships this in-memory reference implementation; a durable
// implementation satisfying the same Store interface is an external
// collaborator (see DESIGN.md for why no SQL driver is wired here).
package timeseries

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Sample is one TrafficSample row (spec §3).
type Sample struct {
	RouterID string
	PortName string
	TS       time.Time
	RxBPS    float64
	TxBPS    float64
	TotalBPS float64
}

// Bucket names spec §4.2's aggregation granularities.
type Bucket string

const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

// AggregatePoint is one aggregate bucket's avg/max over rx, tx, total.
type AggregatePoint struct {
	BucketStart time.Time
	RxAvg       float64
	RxMax       float64
	TxAvg       float64
	TxMax       float64
	TotalAvg    float64
	TotalMax    float64
	Count       int
}

type seriesKey struct {
	routerID string
	portName string
}

// Store is the in-memory Time-Series Store. Samples for one (router,
// port) are kept sorted by ts; Append is idempotent at one-second
// precision on (router_id, port_name, ts), satisfying the "writing the
// same (router, port, ts, ...) twice yields one row" invariant (spec §8).
type Store struct {
	mu     sync.RWMutex
	series map[seriesKey][]Sample // sorted ascending by TS
}

// NewStore returns an empty in-memory Store.
func NewStore() *Store {
	return &Store{series: make(map[seriesKey][]Sample)}
}

// Append implements append(...) (spec §4.2). ts is truncated to one-second
// precision before the idempotency check, per the stated contract.
func (s *Store) Append(_ context.Context, sample Sample) error {
	sample.TS = sample.TS.Truncate(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()

	k := seriesKey{sample.RouterID, sample.PortName}
	series := s.series[k]

	idx := sort.Search(len(series), func(i int) bool { return !series[i].TS.Before(sample.TS) })
	if idx < len(series) && series[idx].TS.Equal(sample.TS) {
		series[idx] = sample // idempotent overwrite, same (router, port, ts)
		return nil
	}

	series = append(series, Sample{})
	copy(series[idx+1:], series[idx:])
	series[idx] = sample
	s.series[k] = series
	return nil
}

// Range implements range(...) (spec §4.2): an ordered sequence by ts
// ascending, inclusive of from and to. portName == "" ranges across every
// monitored port of routerID.
func (s *Store) Range(_ context.Context, routerID, portName string, from, to time.Time) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Sample
	for k, series := range s.series {
		if k.routerID != routerID {
			continue
		}
		if portName != "" && k.portName != portName {
			continue
		}
		for _, smp := range series {
			if smp.TS.Before(from) || smp.TS.After(to) {
				continue
			}
			out = append(out, smp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

// Aggregate implements aggregate(...) (spec §4.2): per-bucket avg/max for
// rx, tx, total. This reference implementation always computes aggregates
// on the fly from raw samples (no materialized view), which the spec
// explicitly allows: "aggregate() is correct (if slower) when [the
// pre-aggregated views] are empty."
func (s *Store) Aggregate(ctx context.Context, routerID, portName string, from, to time.Time, bucket Bucket) ([]AggregatePoint, error) {
	samples, err := s.Range(ctx, routerID, portName, from, to)
	if err != nil {
		return nil, err
	}

	byBucket := make(map[time.Time]*AggregatePoint)
	var order []time.Time

	for _, smp := range samples {
		start := bucketStart(smp.TS, bucket)
		pt, ok := byBucket[start]
		if !ok {
			pt = &AggregatePoint{BucketStart: start}
			byBucket[start] = pt
			order = append(order, start)
		}
		pt.RxAvg += smp.RxBPS
		pt.TxAvg += smp.TxBPS
		pt.TotalAvg += smp.TotalBPS
		pt.RxMax = max(pt.RxMax, smp.RxBPS)
		pt.TxMax = max(pt.TxMax, smp.TxBPS)
		pt.TotalMax = max(pt.TotalMax, smp.TotalBPS)
		pt.Count++
	}

	sort.Slice(order, func(i, j int) bool { return order[i].Before(order[j]) })

	out := make([]AggregatePoint, 0, len(order))
	for _, start := range order {
		pt := byBucket[start]
		if pt.Count > 0 {
			pt.RxAvg /= float64(pt.Count)
			pt.TxAvg /= float64(pt.Count)
			pt.TotalAvg /= float64(pt.Count)
		}
		out = append(out, *pt)
	}
	return out, nil
}

func bucketStart(ts time.Time, bucket Bucket) time.Time {
	ts = ts.UTC()
	switch bucket {
	case BucketDay:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), 0, 0, 0, time.UTC)
	}
}

// Retain implements retain(older_than) (spec §4.2): removes samples
// strictly older than the threshold.
func (s *Store) Retain(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, series := range s.series {
		idx := sort.Search(len(series), func(i int) bool { return !series[i].TS.Before(olderThan) })
		removed += idx
		if idx == 0 {
			continue
		}
		if idx == len(series) {
			delete(s.series, k)
			continue
		}
		kept := make([]Sample, len(series)-idx)
		copy(kept, series[idx:])
		s.series[k] = kept
	}
	return removed, nil
}

// Compact implements compact(older_than) (spec §4.2): this reference store
// computes aggregates lazily in Aggregate rather than materializing
// separate hourly/daily views, so Compact is a documented no-op — the
// contract ("aggregate() is correct... when they are empty") is satisfied
// by construction. It still validates olderThan is non-zero, matching the
// shape callers expect from a real materializing implementation.
func (s *Store) Compact(_ context.Context, olderThan time.Time) error {
	if olderThan.IsZero() {
		return errors.New("timeseries: compact: zero olderThan")
	}
	return nil
}
