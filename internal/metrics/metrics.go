// Package metrics exposes Prometheus instruments for locking, search and HTTP traffic.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HongyunQiu/QNotes/pkg/errors"
)

type Metrics struct {
	LockOps       *prometheus.CounterVec
	LocksExpired  prometheus.Counter
	MoveOps       *prometheus.CounterVec
	SearchLatency prometheus.Histogram
	NotesIndexed  prometheus.Counter
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
}

// New registers the instruments with reg. Use a fresh registry per server so
// tests can build several without duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LockOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qnotes_lock_operations_total",
			Help: "Edit lock operations by kind and outcome",
		}, []string{"op", "result"}),
		LocksExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "qnotes_locks_expired_total",
			Help: "Edit locks cleared because their lease ran out",
		}),
		MoveOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qnotes_move_operations_total",
			Help: "Note re-parenting attempts by outcome",
		}, []string{"result"}),
		SearchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "qnotes_search_duration_seconds",
			Help:    "Time to execute a note search",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		NotesIndexed: f.NewCounter(prometheus.CounterOpts{
			Name: "qnotes_notes_indexed_total",
			Help: "Notes whose content text was recomputed by backfill",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qnotes_http_requests_total",
			Help: "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qnotes_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Discard returns instruments registered nowhere, for callers that do not export metrics
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) lockOp(op, result string) {
	if m != nil {
		m.LockOps.WithLabelValues(op, result).Inc()
	}
}

// ObserveLock counts a lock operation outcome
func (m *Metrics) ObserveLock(op string, err error) {
	m.lockOp(op, outcome(err))
}

// ObserveExpired counts swept leases
func (m *Metrics) ObserveExpired(n int64) {
	if m != nil && n > 0 {
		m.LocksExpired.Add(float64(n))
	}
}

// ObserveMove counts a move outcome
func (m *Metrics) ObserveMove(err error) {
	if m != nil {
		m.MoveOps.WithLabelValues(outcome(err)).Inc()
	}
}

// ObserveSearch records search latency in seconds
func (m *Metrics) ObserveSearch(seconds float64) {
	if m != nil {
		m.SearchLatency.Observe(seconds)
	}
}

// ObserveIndexed counts backfilled notes
func (m *Metrics) ObserveIndexed(n int) {
	if m != nil && n > 0 {
		m.NotesIndexed.Add(float64(n))
	}
}

// ObserveRequest records one served HTTP request
func (m *Metrics) ObserveRequest(route, method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(seconds)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errors.ErrLockHeld):
		return "held"
	case errors.Is(err, errors.ErrNotLockHolder):
		return "not_holder"
	case errors.Is(err, errors.ErrNoteNotFound):
		return "not_found"
	case errors.Is(err, errors.ErrInvalidMove):
		return "invalid"
	case errors.Is(err, errors.ErrCorruptHierarchy):
		return "corrupt"
	default:
		return "error"
	}
}
