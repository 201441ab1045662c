package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway forwarding metrics collectors
var (
	// Region Topology

	RegionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rgw_upstream_regions_total",
			Help: "Number of upstream regions currently registered",
		},
	)

	RegionEndpointsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rgw_upstream_region_endpoints_total",
			Help: "Number of endpoints published by an upstream region",
		},
		[]string{"region"},
	)

	RegionReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rgw_upstream_region_reloads_total",
			Help: "Total number of region topology reloads",
		},
		[]string{"status"},
	)

	// Endpoint Selection

	EndpointSelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rgw_region_endpoint_selections_total",
			Help: "Total number of round-robin endpoint selections",
		},
		[]string{"region", "endpoint"},
	)

	NoEndpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rgw_region_no_endpoints_total",
			Help: "Total number of operations rejected because the upstream region has no endpoints",
		},
		[]string{"region"},
	)

	// Forwarding

	ForwardRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rgw_forward_requests_total",
			Help: "Total number of requests sent to upstream endpoints",
		},
		[]string{"operation", "status"},
	)

	ForwardDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rgw_forward_duration_seconds",
			Help:    "Upstream request latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	ForwardBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rgw_forward_bytes_total",
			Help: "Total number of bytes exchanged with upstream endpoints",
		},
		[]string{"operation", "direction"},
	)

	StreamSessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rgw_stream_sessions_active",
			Help: "Number of streamed object transfers in flight",
		},
		[]string{"region", "direction"},
	)

	// HTTP Metrics

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rgw_gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rgw_gateway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)
