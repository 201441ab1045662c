package regionconn

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/eliq/ceph/internal/metrics"
)

// ErrNoEndpointsConfigured is returned when the upstream region publishes no
// endpoints. It is detected locally, before any network call.
var ErrNoEndpointsConfigured = errors.New("endpoints not configured for upstream region")

// EndpointSelector picks endpoints round-robin. The endpoint list is fixed at
// construction; the counter is the only mutable state.
type EndpointSelector struct {
	region    string
	endpoints []string
	counter   atomic.Uint64
}

// NewEndpointSelector copies endpoints.
func NewEndpointSelector(region string, endpoints []string) *EndpointSelector {
	eps := make([]string, len(endpoints))
	copy(eps, endpoints)
	return &EndpointSelector{region: region, endpoints: eps}
}

// Select returns the next endpoint. The first call returns endpoints[0].
func (s *EndpointSelector) Select() (string, error) {
	if len(s.endpoints) == 0 {
		log.Error().
			Str("upstream_region", s.region).
			Msg("ERROR: endpoints not configured for upstream region")
		metrics.NoEndpointsTotal.WithLabelValues(s.region).Inc()
		return "", ErrNoEndpointsConfigured
	}

	n := s.counter.Add(1) - 1
	endpoint := s.endpoints[n%uint64(len(s.endpoints))]

	metrics.EndpointSelectionsTotal.WithLabelValues(s.region, endpoint).Inc()
	return endpoint, nil
}

// Endpoints returns a copy of the endpoint list.
func (s *EndpointSelector) Endpoints() []string {
	eps := make([]string, len(s.endpoints))
	copy(eps, s.endpoints)
	return eps
}

// Len returns the number of endpoints.
func (s *EndpointSelector) Len() int {
	return len(s.endpoints)
}
