package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorReportsLiveSourceValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(Sources{
		CacheBytes:       func() int64 { return 1024 },
		CacheEntries:     func() int { return 3 },
		CacheEvictions:   func() int64 { return 7 },
		PendingBytes:     func() int64 { return 512 },
		BreakerOpen:      func() bool { return true },
		ConsecutiveError: func() int { return 2 },
	})
	require.NoError(t, reg.Register(c))

	got, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 6, got)

	metricsText, err := reg.Gather()
	require.NoError(t, err)
	var breakerOpen float64
	for _, mf := range metricsText {
		if mf.GetName() == "s3cacheproxy_breaker_open" {
			breakerOpen = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, breakerOpen)
}

func TestCollectorSkipsNilSources(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(Sources{})
	require.NoError(t, reg.Register(c))

	got, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 0, got, "a Collector with no sources wired must report nothing rather than panic")
}

func TestRequestCountersObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	rc := NewRequestCounters(reg)

	rc.Observe("GET", 200, true, false)
	rc.Observe("GET", 404, false, true)
	rc.Observe("PUT", 200, false, false)

	out, err := testutil.GatherAndCount(reg, "s3cacheproxy_requests_total", "s3cacheproxy_cache_hits_total", "s3cacheproxy_blocked_depfiles_total")
	require.NoError(t, err)
	assert.Equal(t, 5, out, "3 label combinations for requests_total plus one each for the two scalar counters that fired")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	var sawGet200 bool
	for _, mf := range mfs {
		if mf.GetName() != "s3cacheproxy_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == "GET" && labels["status"] == "200" {
				sawGet200 = true
				assert.Equal(t, 1.0, m.GetCounter().GetValue())
			}
		}
	}
	assert.True(t, sawGet200)
}
