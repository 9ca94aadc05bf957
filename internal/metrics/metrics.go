package metrics

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edgelogger"

// Ingest outcomes recorded per processed message.
const (
	OutcomeStored      = "stored"
	OutcomeInvalid     = "invalid"
	OutcomeStoreFailed = "store_failed"
	OutcomePoolBusy    = "pool_exhausted"
	OutcomeTooLarge    = "too_large"
	OutcomeRateLimited = "rate_limited"
)

var storeBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3}

// Ingest holds collectors for the TCP ingest path. A nil *Ingest records nothing.
type Ingest struct {
	messages       *prometheus.CounterVec
	readings       prometheus.Counter
	storeDuration  prometheus.Histogram
	activeConns    prometheus.Gauge
	connections    prometheus.Counter
	rejectedAccept prometheus.Counter
}

// NewIngest creates and registers ingest collectors. Collectors already
// registered on reg are reused.
func NewIngest(reg prometheus.Registerer) *Ingest {
	m := &Ingest{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Count of processed ingest messages by outcome",
		}, []string{"outcome"}),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "readings_stored_total",
			Help:      "Number of metric readings committed",
		}),
		storeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "store_duration_seconds",
			Help:      "Latency of transactional log writes including pool acquisition",
			Buckets:   storeBuckets,
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "active_connections",
			Help:      "Currently open ingest connections",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "connections_total",
			Help:      "Accepted ingest connections",
		}),
		rejectedAccept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "accept_errors_total",
			Help:      "Failed accept calls on the ingest listener",
		}),
	}
	if reg == nil {
		return m
	}
	m.messages = register(reg, m.messages).(*prometheus.CounterVec)
	m.readings = register(reg, m.readings).(prometheus.Counter)
	m.storeDuration = register(reg, m.storeDuration).(prometheus.Histogram)
	m.activeConns = register(reg, m.activeConns).(prometheus.Gauge)
	m.connections = register(reg, m.connections).(prometheus.Counter)
	m.rejectedAccept = register(reg, m.rejectedAccept).(prometheus.Counter)
	return m
}

// Outcome counts one processed message.
func (m *Ingest) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.messages.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// Stored records a committed log with n readings.
func (m *Ingest) Stored(n int, took time.Duration) {
	if m == nil {
		return
	}
	m.readings.Add(float64(n))
	m.storeDuration.Observe(took.Seconds())
}

// StoreFailed records the latency of a failed write.
func (m *Ingest) StoreFailed(took time.Duration) {
	if m == nil {
		return
	}
	m.storeDuration.Observe(took.Seconds())
}

// ConnOpened tracks an accepted connection.
func (m *Ingest) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.activeConns.Inc()
}

// ConnClosed tracks a finished connection.
func (m *Ingest) ConnClosed() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

// AcceptFailed counts an accept error.
func (m *Ingest) AcceptFailed() {
	if m == nil {
		return
	}
	m.rejectedAccept.Inc()
}

// RegisterPoolStats exposes pgx pool statistics as gauges read at scrape time.
func RegisterPoolStats(reg prometheus.Registerer, stat func() *pgxpool.Stat) {
	if reg == nil || stat == nil {
		return
	}
	gauge := func(name, help string, value func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(stat()) })
	}
	collectors := []prometheus.Collector{
		gauge("acquired_connections", "Connections currently checked out", func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("idle_connections", "Idle connections in the pool", func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		gauge("total_connections", "Open connections in the pool", func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("max_connections", "Configured pool size", func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      "empty_acquire_total",
			Help:      "Acquires that had to wait because the pool was empty",
		}, func() float64 { return float64(stat().EmptyAcquireCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      "canceled_acquire_total",
			Help:      "Acquires abandoned because their context ended",
		}, func() float64 { return float64(stat().CanceledAcquireCount()) }),
	}
	for _, collector := range collectors {
		register(reg, collector)
	}
}

func register(reg prometheus.Registerer, collector prometheus.Collector) prometheus.Collector {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector
		}
	}
	return collector
}
