package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the registry served by the admin endpoint.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer labels every metric with the service name.
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "replstream"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Append results.
const (
	ResultOK     = "ok"
	ResultClosed = "closed"
	ResultError  = "error"
)

// Metrics holds the prometheus collectors of streams, ranges and the local
// store. All methods are safe on a nil receiver so components can run without
// metrics.
type Metrics struct {
	// Stream append path
	AppendsTotal     *prometheus.CounterVec
	AppendDuration   *prometheus.HistogramVec
	AppendRejected   *prometheus.CounterVec
	InflightRequests *prometheus.GaugeVec
	RolloversTotal   *prometheus.CounterVec
	RangeOpFailures  *prometheus.CounterVec
	FetchesTotal     *prometheus.CounterVec
	StreamsOpen      prometheus.Gauge

	// Local store
	WALBytesTotal  prometheus.Counter
	WALSegments    prometheus.Gauge
	IndexCompacted prometheus.Counter
	CacheLookups   *prometheus.CounterVec
	CacheBytes     prometheus.Gauge

	// Placement and admin
	PlacementRequests   *prometheus.CounterVec
	PlacementDuration   *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// Default returns the process-wide metrics instance registered on
// DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		metrics = New(DefaultRegisterer)
	})
	return metrics
}

// New registers a fresh set of collectors on registerer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	f := promauto.With(registerer)

	return &Metrics{
		AppendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replstream_appends_total",
				Help: "Total number of completed stream appends by result",
			},
			[]string{"result"},
		),
		AppendDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "replstream_append_duration_seconds",
				Help:    "Time from offset assignment to append completion",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"result"},
		),
		AppendRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replstream_append_rejected_total",
				Help: "Appends rejected before reaching the append engine",
			},
			[]string{"reason"}, // reason: closed, queue_full, invalid
		),
		InflightRequests: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "replstream_inflight_requests",
				Help: "Append requests held by the append engine",
			},
			[]string{"stream"},
		),
		RolloversTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replstream_range_rollovers_total",
				Help: "Ranges created by the append engine",
			},
			[]string{"stream"},
		),
		RangeOpFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replstream_range_operation_failures_total",
				Help: "Failed range create/seal attempts retried by the append engine",
			},
			[]string{"operation"},
		),
		FetchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replstream_fetches_total",
				Help: "Stream fetches by path and result",
			},
			[]string{"path", "result"}, // path: empty, fast, slow
		),
		StreamsOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "replstream_streams_open",
				Help: "Number of open streams",
			},
		),

		WALBytesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "replstream_wal_bytes_total",
				Help: "Bytes appended to the write-ahead log",
			},
		),
		WALSegments: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "replstream_wal_segments",
				Help: "Number of write-ahead log segments on disk",
			},
		),
		IndexCompacted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "replstream_index_compacted_entries_total",
				Help: "Index entries removed below the WAL watermark",
			},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replstream_cache_lookups_total",
				Help: "Hot cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		CacheBytes: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "replstream_cache_bytes",
				Help: "Bytes held by the hot cache",
			},
		),

		PlacementRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replstream_placement_requests_total",
				Help: "Placement service calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		PlacementDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "replstream_placement_request_duration_seconds",
				Help:    "Placement service call duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replstream_admin_requests_total",
				Help: "Admin HTTP requests",
			},
			[]string{"path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "replstream_admin_request_duration_seconds",
				Help:    "Admin HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}
}

// RecordAppend records a finished append.
func (m *Metrics) RecordAppend(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AppendsTotal.WithLabelValues(result).Inc()
	m.AppendDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordRejected counts an append refused before it was queued.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.AppendRejected.WithLabelValues(reason).Inc()
}

// SetInflight publishes the in-flight table size of a stream.
func (m *Metrics) SetInflight(streamID int64, n int) {
	if m == nil {
		return
	}
	m.InflightRequests.WithLabelValues(strconv.FormatInt(streamID, 10)).Set(float64(n))
}

// RecordRollover counts a range created by the append engine.
func (m *Metrics) RecordRollover(streamID int64) {
	if m == nil {
		return
	}
	m.RolloversTotal.WithLabelValues(strconv.FormatInt(streamID, 10)).Inc()
}

// RecordRangeFailure counts a failed create or seal.
func (m *Metrics) RecordRangeFailure(operation string) {
	if m == nil {
		return
	}
	m.RangeOpFailures.WithLabelValues(operation).Inc()
}

// RecordFetch counts a stream fetch.
func (m *Metrics) RecordFetch(path, result string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(path, result).Inc()
}

// StreamOpened and StreamClosed track the open stream gauge.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamsOpen.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.StreamsOpen.Dec()
}

// RecordWALWrite counts bytes written to the WAL.
func (m *Metrics) RecordWALWrite(n int) {
	if m == nil {
		return
	}
	m.WALBytesTotal.Add(float64(n))
}

// SetWALSegments publishes the WAL segment count.
func (m *Metrics) SetWALSegments(n int) {
	if m == nil {
		return
	}
	m.WALSegments.Set(float64(n))
}

// RecordCompaction counts index entries dropped by compaction.
func (m *Metrics) RecordCompaction(removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.IndexCompacted.Add(float64(removed))
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookups.WithLabelValues(outcome).Inc()
}

// SetCacheBytes publishes the cache size.
func (m *Metrics) SetCacheBytes(n int64) {
	if m == nil {
		return
	}
	m.CacheBytes.Set(float64(n))
}

// RecordPlacement records a placement call.
func (m *Metrics) RecordPlacement(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.PlacementRequests.WithLabelValues(operation, result).Inc()
	m.PlacementDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPRequest records an admin request.
func (m *Metrics) RecordHTTPRequest(path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(path, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(path).Observe(duration.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
