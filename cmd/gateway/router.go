package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eliq/ceph/internal/forwarder"
	"github.com/eliq/ceph/internal/metrics"
	"github.com/eliq/ceph/internal/region"
	"github.com/eliq/ceph/internal/sysauth"
	"github.com/eliq/ceph/pkg/config"
)

func setupRouter(cfg *config.Config, registry *region.Registry, verifier *sysauth.TokenVerifier) *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.Middleware)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": "rgw-gateway",
			"region":  cfg.Gateway.Region,
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", forwarder.StatusHandler(registry)).Methods(http.MethodGet)
	r.Handle(cfg.Gateway.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)

	// Registered last: the subrouter matches any path and only then tries
	// its own routes.
	fwd := r.NewRoute().Subrouter()
	fwd.Use(sysauth.Middleware(verifier))
	forwarder.NewHandler(registry, cfg.Gateway.MaxResponseBytes).RegisterRoutes(fwd)

	return r
}
