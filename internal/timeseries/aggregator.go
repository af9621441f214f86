// Package timeseries keeps per-tenant metric series pre-aggregated into hourly
// and daily buckets so range queries never rescan raw points.
package timeseries

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// Measures recognised in metric names of the form "<channel>.<measure>".
const (
	MeasureSpend       = "spend"
	MeasureRevenue     = "revenue"
	MeasureConversions = "conversions"
)

// Metric builds the canonical metric name for a channel measure.
func Metric(channel, measure string) string {
	return channel + "." + measure
}

// Point is a single raw observation.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type seriesKey struct {
	tenant string
	metric string
}

type series struct {
	raw    []Point
	hourly []models.Bucket
	daily  []models.Bucket
}

// Aggregator is safe for concurrent use. Tenants never share a series: every
// key is prefixed with TenantContext.Key().
type Aggregator struct {
	mu     sync.RWMutex
	series map[seriesKey]*series
}

func NewAggregator() *Aggregator {
	return &Aggregator{series: make(map[seriesKey]*series)}
}

// Ingest records one raw point and folds it into the hourly and daily
// buckets. Out-of-order points are inserted in order.
func (a *Aggregator) Ingest(tenant models.TenantContext, metric string, value float64, ts time.Time) error {
	if tenant.OrganizationID == "" || tenant.BrandID == "" {
		return fmt.Errorf("ingest %s: tenant is required", metric)
	}
	if strings.TrimSpace(metric) == "" {
		return fmt.Errorf("ingest: metric name is required")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("ingest %s: value must be finite", metric)
	}
	ts = ts.UTC()

	a.mu.Lock()
	defer a.mu.Unlock()

	key := seriesKey{tenant: tenant.Key(), metric: metric}
	s, ok := a.series[key]
	if !ok {
		s = &series{}
		a.series[key] = s
	}

	i := sort.Search(len(s.raw), func(i int) bool { return s.raw[i].Timestamp.After(ts) })
	s.raw = append(s.raw, Point{})
	copy(s.raw[i+1:], s.raw[i:])
	s.raw[i] = Point{Timestamp: ts, Value: value}

	s.hourly = fold(s.hourly, models.GranularityHourly.Truncate(ts), value)
	s.daily = fold(s.daily, models.GranularityDaily.Truncate(ts), value)
	return nil
}

// fold adds value to the bucket starting at start, creating it in sorted
// position when absent.
func fold(buckets []models.Bucket, start time.Time, value float64) []models.Bucket {
	i := sort.Search(len(buckets), func(i int) bool { return !buckets[i].Start.Before(start) })
	if i < len(buckets) && buckets[i].Start.Equal(start) {
		b := &buckets[i]
		b.Value += value
		b.Count++
		b.Min = math.Min(b.Min, value)
		b.Max = math.Max(b.Max, value)
		return buckets
	}
	buckets = append(buckets, models.Bucket{})
	copy(buckets[i+1:], buckets[i:])
	buckets[i] = models.Bucket{Start: start, Value: value, Count: 1, Min: value, Max: value}
	return buckets
}

// Query returns the buckets of metric whose start lies in [from, to).
// A zero to means unbounded. Unknown series yield an empty slice.
func (a *Aggregator) Query(tenant models.TenantContext, metric string, gran models.Granularity, from, to time.Time) []models.Bucket {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.series[seriesKey{tenant: tenant.Key(), metric: metric}]
	if !ok {
		return []models.Bucket{}
	}
	buckets := s.hourly
	if gran == models.GranularityDaily {
		buckets = s.daily
	}
	return window(buckets, from, to)
}

func window(buckets []models.Bucket, from, to time.Time) []models.Bucket {
	lo := 0
	if !from.IsZero() {
		lo = sort.Search(len(buckets), func(i int) bool { return !buckets[i].Start.Before(from) })
	}
	hi := len(buckets)
	if !to.IsZero() {
		hi = sort.Search(len(buckets), func(i int) bool { return !buckets[i].Start.Before(to) })
	}
	if lo >= hi {
		return []models.Bucket{}
	}
	out := make([]models.Bucket, hi-lo)
	copy(out, buckets[lo:hi])
	return out
}

// Points returns the raw observations of metric in [from, to).
func (a *Aggregator) Points(tenant models.TenantContext, metric string, from, to time.Time) []Point {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.series[seriesKey{tenant: tenant.Key(), metric: metric}]
	if !ok {
		return []Point{}
	}
	lo := sort.Search(len(s.raw), func(i int) bool { return !s.raw[i].Timestamp.Before(from) })
	hi := len(s.raw)
	if !to.IsZero() {
		hi = sort.Search(len(s.raw), func(i int) bool { return !s.raw[i].Timestamp.Before(to) })
	}
	if lo >= hi {
		return []Point{}
	}
	out := make([]Point, hi-lo)
	copy(out, s.raw[lo:hi])
	return out
}

// ROASSeries derives revenue/spend per bucket for a channel. Buckets without
// spend are skipped.
func (a *Aggregator) ROASSeries(tenant models.TenantContext, channel string, gran models.Granularity, from, to time.Time) []models.Bucket {
	spend := a.Query(tenant, Metric(channel, MeasureSpend), gran, from, to)
	revenue := a.Query(tenant, Metric(channel, MeasureRevenue), gran, from, to)

	rev := make(map[int64]float64, len(revenue))
	for _, b := range revenue {
		rev[b.Start.Unix()] = b.Value
	}
	out := make([]models.Bucket, 0, len(spend))
	for _, b := range spend {
		if b.Value <= 0 {
			continue
		}
		r := rev[b.Start.Unix()] / b.Value
		out = append(out, models.Bucket{Start: b.Start, Value: r, Count: b.Count, Min: r, Max: r})
	}
	return out
}

// Channels lists the channels that have spend recorded for tenant.
func (a *Aggregator) Channels(tenant models.TenantContext) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	suffix := "." + MeasureSpend
	var out []string
	for k := range a.series {
		if k.tenant == tenant.Key() && strings.HasSuffix(k.metric, suffix) {
			out = append(out, strings.TrimSuffix(k.metric, suffix))
		}
	}
	sort.Strings(out)
	return out
}

// PruneStats counts what one Prune call removed.
type PruneStats struct {
	Points        int
	HourlyBuckets int
	DailyBuckets  int
	Series        int
}

// Prune drops raw points and hourly buckets older than rawBefore and daily
// buckets older than dailyBefore. A series left with nothing is removed.
func (a *Aggregator) Prune(rawBefore, dailyBefore time.Time) PruneStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var st PruneStats
	for key, s := range a.series {
		i := sort.Search(len(s.raw), func(i int) bool { return !s.raw[i].Timestamp.Before(rawBefore) })
		s.raw = append(s.raw[:0:0], s.raw[i:]...)
		st.Points += i

		n := len(s.hourly)
		s.hourly = trimBefore(s.hourly, rawBefore)
		st.HourlyBuckets += n - len(s.hourly)

		n = len(s.daily)
		s.daily = trimBefore(s.daily, dailyBefore)
		st.DailyBuckets += n - len(s.daily)

		if len(s.raw) == 0 && len(s.hourly) == 0 && len(s.daily) == 0 {
			delete(a.series, key)
			st.Series++
		}
	}
	return st
}

func trimBefore(buckets []models.Bucket, before time.Time) []models.Bucket {
	i := sort.Search(len(buckets), func(i int) bool { return !buckets[i].Start.Before(before) })
	if i == 0 {
		return buckets
	}
	return append(buckets[:0:0], buckets[i:]...)
}
