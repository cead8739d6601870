// Package metrics exposes the proxy's internal counters and gauges as
// Prometheus metrics, collected on demand from the live components rather
// than pushed, so a scrape always reflects current state.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Sources is the set of live components metrics reads from on every scrape.
type Sources struct {
	CacheBytes       func() int64
	CacheEntries     func() int
	CacheEvictions   func() int64
	PendingBytes     func() int64
	BreakerOpen      func() bool
	ConsecutiveError func() int
}

// Collector adapts Sources to the prometheus.Collector interface so the
// values above can be registered once and scraped any number of times
// without the caller having to wire individual gauges by hand.
type Collector struct {
	src Sources

	cacheBytesDesc     *prometheus.Desc
	cacheEntriesDesc   *prometheus.Desc
	cacheEvictionsDesc *prometheus.Desc
	pendingBytesDesc   *prometheus.Desc
	breakerOpenDesc    *prometheus.Desc
	consecutiveErrDesc *prometheus.Desc
}

// NewCollector builds a Collector reading from src.
func NewCollector(src Sources) *Collector {
	return &Collector{
		src:                src,
		cacheBytesDesc:     prometheus.NewDesc("s3cacheproxy_cache_bytes", "Total bytes resident in the in-memory cache.", nil, nil),
		cacheEntriesDesc:   prometheus.NewDesc("s3cacheproxy_cache_entries", "Number of entries resident in the in-memory cache.", nil, nil),
		cacheEvictionsDesc: prometheus.NewDesc("s3cacheproxy_cache_evictions_total", "Lifetime count of LRU evictions.", nil, nil),
		pendingBytesDesc:   prometheus.NewDesc("s3cacheproxy_pending_upload_bytes", "Bytes currently staged for background upload.", nil, nil),
		breakerOpenDesc:    prometheus.NewDesc("s3cacheproxy_breaker_open", "1 if the circuit breaker is currently open.", nil, nil),
		consecutiveErrDesc: prometheus.NewDesc("s3cacheproxy_breaker_consecutive_errors", "Current consecutive remote-error count.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheBytesDesc
	ch <- c.cacheEntriesDesc
	ch <- c.cacheEvictionsDesc
	ch <- c.pendingBytesDesc
	ch <- c.breakerOpenDesc
	ch <- c.consecutiveErrDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.CacheBytes != nil {
		ch <- prometheus.MustNewConstMetric(c.cacheBytesDesc, prometheus.GaugeValue, float64(c.src.CacheBytes()))
	}
	if c.src.CacheEntries != nil {
		ch <- prometheus.MustNewConstMetric(c.cacheEntriesDesc, prometheus.GaugeValue, float64(c.src.CacheEntries()))
	}
	if c.src.CacheEvictions != nil {
		ch <- prometheus.MustNewConstMetric(c.cacheEvictionsDesc, prometheus.CounterValue, float64(c.src.CacheEvictions()))
	}
	if c.src.PendingBytes != nil {
		ch <- prometheus.MustNewConstMetric(c.pendingBytesDesc, prometheus.GaugeValue, float64(c.src.PendingBytes()))
	}
	if c.src.BreakerOpen != nil {
		open := 0.0
		if c.src.BreakerOpen() {
			open = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.breakerOpenDesc, prometheus.GaugeValue, open)
	}
	if c.src.ConsecutiveError != nil {
		ch <- prometheus.MustNewConstMetric(c.consecutiveErrDesc, prometheus.GaugeValue, float64(c.src.ConsecutiveError()))
	}
}

// RequestCounters tallies HTTP responses by method and exact status code,
// mirroring the atomic-counter style used elsewhere in the stack for hot-path
// bookkeeping that must not contend on a lock.
type RequestCounters struct {
	requestsTotal  *prometheus.CounterVec
	fromCache      prometheus.Counter
	blockedDepfile prometheus.Counter
}

// NewRequestCounters creates and registers request counters against reg.
func NewRequestCounters(reg prometheus.Registerer) *RequestCounters {
	rc := &RequestCounters{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3cacheproxy_requests_total",
			Help: "Total HTTP requests handled, by method and status.",
		}, []string{"method", "status"}),
		fromCache: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3cacheproxy_cache_hits_total",
			Help: "Total GET/HEAD requests served from the in-memory cache.",
		}),
		blockedDepfile: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3cacheproxy_blocked_depfiles_total",
			Help: "Total responses suppressed by the depfile content filter.",
		}),
	}
	reg.MustRegister(rc.requestsTotal, rc.fromCache, rc.blockedDepfile)
	return rc
}

// Observe records the outcome of one completed request.
func (rc *RequestCounters) Observe(method string, status int, fromCache, blockedDepfile bool) {
	rc.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	if fromCache {
		rc.fromCache.Inc()
	}
	if blockedDepfile {
		rc.blockedDepfile.Inc()
	}
}
