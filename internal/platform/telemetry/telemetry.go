// Package telemetry exposes request and clinic activity metrics in the
// Prometheus text exposition format.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/teaclinic/clinic/internal/platform/audit"
	"github.com/teaclinic/clinic/internal/platform/db"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram keeps non-cumulative bucket counts; cumulative counts are built
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// LabelsKey builds the key of a request series.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

// Metrics collects HTTP request latencies, audit action counts and database
// pool gauges. It is safe for concurrent use.
type Metrics struct {
	mu       sync.RWMutex
	requests map[string]*histogram
	actions  map[string]*int64
	active   int64

	poolStats func() *db.PoolStats
}

// New creates an empty registry. poolStats may be nil.
func New(poolStats func() *db.PoolStats) *Metrics {
	return &Metrics{
		requests:  make(map[string]*histogram),
		actions:   make(map[string]*int64),
		poolStats: poolStats,
	}
}

func (m *Metrics) requestHistogram(key string) *histogram {
	m.mu.RLock()
	h, ok := m.requests[key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.requests[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		m.requests[key] = h
	}
	return h
}

// RequestCount returns the number of requests observed for a series.
func (m *Metrics) RequestCount(method, route string, status int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.requests[LabelsKey(method, route, strconv.Itoa(status))]
	if !ok {
		return 0
	}
	return h.Count()
}

// ActionCount returns how many times an audit action was recorded.
func (m *Metrics) ActionCount(action string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.actions[action]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

// ActiveRequests returns the number of requests in flight.
func (m *Metrics) ActiveRequests() int64 { return atomic.LoadInt64(&m.active) }

// Record counts an audit event by action, so Metrics can sit in an
// audit.Fanout next to the persistent sinks.
func (m *Metrics) Record(_ context.Context, e audit.Event) error {
	m.mu.RLock()
	p, ok := m.actions[e.Action]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if p, ok = m.actions[e.Action]; !ok {
			p = new(int64)
			m.actions[e.Action] = p
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
	return nil
}

// Middleware records the duration of every request under its route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()

			err := next(c)
			if err != nil {
				// resolve the final status before it is recorded
				c.Error(err)
			}

			atomic.AddInt64(&m.active, -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := strconv.Itoa(c.Response().Status)
			m.requestHistogram(LabelsKey(c.Request().Method, route, status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		m.write(&b)
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func (m *Metrics) write(b *strings.Builder) {
	m.mu.RLock()
	requests := make(map[string]*histogram, len(m.requests))
	for k, v := range m.requests {
		requests[k] = v
	}
	actions := make(map[string]int64, len(m.actions))
	for k, v := range m.actions {
		actions[k] = atomic.LoadInt64(v)
	}
	m.mu.RUnlock()

	b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
	b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
	for _, key := range sortedKeys(requests) {
		parts := strings.SplitN(key, "|", 3)
		if len(parts) != 3 {
			continue
		}
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(b, "http_server_request_duration_seconds", labels, requests[key])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(b, "http_server_active_requests %d\n\n", m.ActiveRequests())

	b.WriteString("# HELP clinic_actions_total Recorded clinic actions by audit action.\n")
	b.WriteString("# TYPE clinic_actions_total counter\n")
	for _, action := range sortedKeys(actions) {
		fmt.Fprintf(b, "clinic_actions_total{action=%q} %d\n", action, actions[action])
	}
	b.WriteByte('\n')

	if m.poolStats == nil {
		return
	}
	stats := m.poolStats()
	if stats == nil {
		return
	}
	gauges := []struct {
		name, help string
		val        int32
	}{
		{"db_pool_total_connections", "Number of open database pool connections.", stats.TotalConns},
		{"db_pool_active_connections", "Number of acquired database pool connections.", stats.AcquiredConns},
		{"db_pool_idle_connections", "Number of idle database pool connections.", stats.IdleConns},
	}
	for _, g := range gauges {
		fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", g.name, g.help, g.name, g.name, g.val)
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
