// Package region keeps the set of upstream region connections known to the
// gateway and swaps it when the topology is reloaded.
package region

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/eliq/ceph/internal/metrics"
	"github.com/eliq/ceph/internal/regionconn"
	"github.com/eliq/ceph/internal/transport"
)

// Info describes a registered upstream region
type Info struct {
	Name      string   `json:"name"`
	Endpoints []string `json:"endpoints"`
}

// Registry manages one connection per upstream region
type Registry struct {
	local     regionconn.LocalIdentity
	transport transport.Transport

	conns map[string]*regionconn.Connection
	mu    sync.RWMutex
}

func NewRegistry(local regionconn.LocalIdentity, t transport.Transport) *Registry {
	return &Registry{
		local:     local,
		transport: t,
		conns:     make(map[string]*regionconn.Connection),
	}
}

// Reload replaces the registered regions with upstreams. A region whose
// endpoint list did not change keeps its connection, and with it its
// round-robin position. On error the previous set stays in place.
func (r *Registry) Reload(upstreams []regionconn.Upstream) error {
	next := make(map[string]*regionconn.Connection, len(upstreams))
	for _, up := range upstreams {
		if up.Name == "" {
			metrics.RegionReloadsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("upstream region name is required")
		}
		if _, dup := next[up.Name]; dup {
			metrics.RegionReloadsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("duplicate upstream region %q", up.Name)
		}
		if up.Name == r.local.RegionName {
			log.Warn().
				Str("region", up.Name).
				Msg("Skipping local region in upstream list")
			continue
		}
		next[up.Name] = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, up := range upstreams {
		if _, ok := next[up.Name]; !ok {
			continue
		}
		if old, exists := r.conns[up.Name]; exists && slices.Equal(old.Endpoints(), up.Endpoints) {
			next[up.Name] = old
			continue
		}
		next[up.Name] = regionconn.New(r.local, up, r.transport)
		log.Info().
			Str("region", up.Name).
			Strs("endpoints", up.Endpoints).
			Msg("Registered upstream region")
	}
	for name := range r.conns {
		if _, kept := next[name]; !kept {
			metrics.RegionEndpointsTotal.DeleteLabelValues(name)
			log.Info().Str("region", name).Msg("Removed upstream region")
		}
	}

	r.conns = next
	metrics.RegionsTotal.Set(float64(len(next)))
	for name, conn := range next {
		metrics.RegionEndpointsTotal.WithLabelValues(name).Set(float64(len(conn.Endpoints())))
	}
	metrics.RegionReloadsTotal.WithLabelValues("success").Inc()
	return nil
}

// Get returns the connection for an upstream region
func (r *Registry) Get(name string) (*regionconn.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[name]
	return conn, ok
}

// List returns the registered regions sorted by name
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.conns))
	for name, conn := range r.conns {
		infos = append(infos, Info{Name: name, Endpoints: conn.Endpoints()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Count returns the number of registered regions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// LocalRegion returns the name of the region this gateway serves.
func (r *Registry) LocalRegion() string {
	return r.local.RegionName
}
