// Package forwarder exposes region connections over HTTP to the gateway's
// request-routing tier.
package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/eliq/ceph/internal/region"
	"github.com/eliq/ceph/internal/regionconn"
	"github.com/eliq/ceph/internal/sysauth"
	"github.com/eliq/ceph/internal/transport"
)

const (
	// UIDHeader names the user when the caller's token carries no uid.
	UIDHeader = "X-Rgw-Uid"

	// ErrorTrailer reports a download that failed after the body started.
	ErrorTrailer = "X-Rgw-Error"

	attrHeaderPrefix = "Rgwx-Attr-"
	metaHeaderPrefix = "X-Amz-Meta-"
)

// hopHeaders are never relayed from a peer response.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Trailer":           true,
	"Upgrade":           true,
}

// Handler serves /forward/{region}/... on behalf of a Registry.
type Handler struct {
	registry    *region.Registry
	maxResponse int64
}

// NewHandler creates a Handler. maxResponse caps one-shot forwarded
// responses; zero uses the transport default.
func NewHandler(registry *region.Registry, maxResponse int64) *Handler {
	return &Handler{registry: registry, maxResponse: maxResponse}
}

// RegisterRoutes mounts the forwarding routes on router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/forward/{region}/{bucket}/{key:.+}", h.putObject).Methods(http.MethodPut)
	router.HandleFunc("/forward/{region}/{bucket}/{key:.+}", h.getObject).Methods(http.MethodGet)
	router.HandleFunc("/forward/{region}", h.forward)
	router.HandleFunc("/forward/{region}/{rest:.*}", h.forward)
}

func (h *Handler) putObject(w http.ResponseWriter, r *http.Request) {
	conn, uid, ok := h.resolve(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	obj := transport.Object{Bucket: vars["bucket"], Key: vars["key"]}

	ws, err := conn.BeginWrite(r.Context(), uid, obj, r.ContentLength, requestAttrs(r.Header))
	if err != nil {
		h.writeError(w, conn.UpstreamName(), err)
		return
	}

	if _, err := io.Copy(ws, r.Body); err != nil {
		ws.Abort()
		log.Warn().
			Err(err).
			Str("upstream_region", conn.UpstreamName()).
			Str("endpoint", ws.Endpoint()).
			Str("object", obj.String()).
			Int64("bytes_written", ws.BytesWritten()).
			Msg("Upload aborted")
		h.writeError(w, conn.UpstreamName(), err)
		return
	}

	etag, mtime, err := conn.CompleteWrite(ws)
	if err != nil {
		h.writeError(w, conn.UpstreamName(), err)
		return
	}

	if etag != "" {
		w.Header().Set("ETag", `"`+etag+`"`)
	}
	if !mtime.IsZero() {
		w.Header().Set("Last-Modified", mtime.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) getObject(w http.ResponseWriter, r *http.Request) {
	conn, uid, ok := h.resolve(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	obj := transport.Object{Bucket: vars["bucket"], Key: vars["key"]}
	prepend := r.URL.Query().Get("prepend-metadata") == "true"

	started := false
	startBody := func() {
		started = true
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Trailer", "ETag, Last-Modified, "+ErrorTrailer)
		w.WriteHeader(http.StatusOK)
		// Flushed headers force a chunked body, so trailers are sent even
		// when the whole object would fit a Content-Length response.
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	rs, err := conn.BeginRead(r.Context(), uid, obj, prepend, func(chunk []byte, _ int64) error {
		if !started {
			startBody()
		}
		_, err := w.Write(chunk)
		return err
	})
	if err != nil {
		h.writeError(w, conn.UpstreamName(), err)
		return
	}

	etag, mtime, attrs, err := conn.CompleteRead(rs)
	if err != nil {
		if !started {
			h.writeError(w, conn.UpstreamName(), err)
			return
		}
		log.Warn().
			Err(err).
			Str("upstream_region", conn.UpstreamName()).
			Str("endpoint", rs.Endpoint()).
			Str("object", obj.String()).
			Int64("bytes_received", rs.BytesReceived()).
			Msg("Download failed after body started")
		w.Header().Set(http.TrailerPrefix+ErrorTrailer, err.Error())
		return
	}

	// Empty objects never reach the callback.
	if !started {
		startBody()
	}
	trailer := func(name, value string) {
		w.Header().Set(http.TrailerPrefix+name, value)
	}
	if etag != "" {
		trailer("ETag", `"`+etag+`"`)
	}
	if !mtime.IsZero() {
		trailer("Last-Modified", mtime.UTC().Format(http.TimeFormat))
	}
	for k, v := range attrs {
		canonical := http.CanonicalHeaderKey(k)
		if strings.HasPrefix(canonical, metaHeaderPrefix) {
			trailer(canonical, v)
		} else {
			trailer(attrHeaderPrefix+canonical, v)
		}
	}
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	conn, uid, ok := h.resolve(w, r)
	if !ok {
		return
	}

	info := &transport.RequestInfo{
		Method:   r.Method,
		Resource: "/" + mux.Vars(r)["rest"],
		Args:     r.URL.Query(),
		Header:   r.Header.Clone(),
	}
	resp, err := conn.Forward(r.Context(), uid, info, h.maxResponse, r.Body)
	if resp == nil {
		h.writeError(w, conn.UpstreamName(), err)
		return
	}

	// Peer error responses are relayed as they are.
	for name, vs := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		w.Header()[name] = vs
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

// resolve finds the upstream connection and the uid the request acts for,
// writing an error response when either is missing.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (*regionconn.Connection, string, bool) {
	name := mux.Vars(r)["region"]
	conn, ok := h.registry.Get(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, name, "unknown upstream region")
		return nil, "", false
	}

	var uid string
	if id, ok := sysauth.IdentityFromContext(r.Context()); ok {
		uid = id.UID
	}
	if uid == "" {
		uid = r.Header.Get(UIDHeader)
	}
	if uid == "" {
		writeJSONError(w, http.StatusBadRequest, name, "uid is required")
		return nil, "", false
	}
	return conn, uid, true
}

func (h *Handler) writeError(w http.ResponseWriter, regionName string, err error) {
	status := StatusFor(err)
	log.Warn().
		Err(err).
		Str("upstream_region", regionName).
		Int("status", status).
		Msg("Forwarding failed")
	writeJSONError(w, status, regionName, err.Error())
}

// StatusFor maps a forwarding error to the HTTP status returned to callers.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, regionconn.ErrNoEndpointsConfigured):
		return http.StatusServiceUnavailable
	case transport.IsStatusError(err):
		return transport.StatusCode(err)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSONError(w http.ResponseWriter, status int, regionName, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  msg,
		"region": regionName,
	})
}

// requestAttrs collects the object attributes sent with an upload.
func requestAttrs(h http.Header) map[string]string {
	attrs := make(map[string]string)
	for name, vs := range h {
		if len(vs) == 0 {
			continue
		}
		canonical := http.CanonicalHeaderKey(name)
		switch {
		case strings.HasPrefix(canonical, metaHeaderPrefix):
			attrs[strings.ToLower(canonical)] = vs[0]
		case strings.HasPrefix(canonical, attrHeaderPrefix):
			attrs[strings.ToLower(strings.TrimPrefix(canonical, attrHeaderPrefix))] = vs[0]
		case canonical == "Content-Type":
			attrs["content-type"] = vs[0]
		}
	}
	return attrs
}

// RegionStatus is the /status view of one upstream region.
type RegionStatus struct {
	Name      string   `json:"name"`
	Endpoints []string `json:"endpoints"`
}

// Status reports the local region and its upstream topology.
type Status struct {
	Region    string         `json:"region"`
	Upstreams []RegionStatus `json:"upstreams"`
	Time      time.Time      `json:"time"`
}

// StatusHandler serves the registry topology as JSON.
func StatusHandler(registry *region.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := Status{
			Region:    registry.LocalRegion(),
			Upstreams: []RegionStatus{},
			Time:      time.Now().UTC(),
		}
		for _, info := range registry.List() {
			status.Upstreams = append(status.Upstreams, RegionStatus(info))
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Error().Err(err).Msg("Failed to encode status")
		}
	}
}
