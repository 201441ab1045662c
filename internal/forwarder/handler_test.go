package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliq/ceph/internal/region"
	"github.com/eliq/ceph/internal/regionconn"
	"github.com/eliq/ceph/internal/sysauth"
	"github.com/eliq/ceph/internal/transport"
	"github.com/eliq/ceph/internal/transport/httptransport"
)

var systemKey = sysauth.SystemKey{AccessKey: "SYSTEMAK", SecretKey: "system-secret"}

type storedObject struct {
	body   []byte
	header http.Header
}

// fakePeer is a minimal object store standing in for a remote gateway.
type fakePeer struct {
	mu      sync.Mutex
	objects map[string]storedObject
	uids    []string
	queries []string
}

func newFakePeer() *fakePeer {
	return &fakePeer{objects: make(map[string]storedObject)}
}

func (p *fakePeer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uids = append(p.uids, r.URL.Query().Get("rgwx-uid"))
	p.queries = append(p.queries, r.URL.RawQuery)

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		p.objects[r.URL.Path] = storedObject{body: body, header: r.Header.Clone()}
		w.Header().Set("ETag", `"etag-`+fmt.Sprint(len(body))+`"`)
		w.Header().Set(httptransport.MtimeHeader, "1700000000")
	case http.MethodGet:
		if r.URL.Path == "/photos/truncated" {
			w.Header().Set("Content-Length", "100")
			w.Write([]byte("meow"))
			return
		}
		if r.URL.Path == "/bucket" {
			w.Header().Set("Content-Type", "application/xml")
			w.Write([]byte("<ListBucketResult/>"))
			return
		}
		obj, ok := p.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("<Error><Code>NoSuchKey</Code></Error>"))
			return
		}
		for name, vs := range obj.header {
			if strings.HasPrefix(name, "X-Amz-Meta-") || strings.HasPrefix(name, "Rgwx-Attr-") {
				w.Header()[name] = vs
			}
		}
		w.Header().Set("ETag", `"stored"`)
		w.Header().Set(httptransport.MtimeHeader, "1700000000")
		w.Write(obj.body)
	case http.MethodDelete:
		delete(p.objects, r.URL.Path)
		w.Header().Set("X-Amz-Request-Charged", "requester")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("<Error><Code>AccessDenied</Code></Error>"))
	}
}

type testEnv struct {
	peer     *fakePeer
	server   *httptest.Server
	registry *region.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	peer := newFakePeer()
	peerServer := httptest.NewServer(peer)
	t.Cleanup(peerServer.Close)

	registry := region.NewRegistry(
		regionconn.LocalIdentity{RegionName: "us-east", Key: systemKey},
		httptransport.New(httptransport.Options{}),
	)
	require.NoError(t, registry.Reload([]regionconn.Upstream{
		{Name: "us-west", Endpoints: []string{peerServer.URL}},
		{Name: "ap-south"},
	}))

	router := mux.NewRouter()
	NewHandler(registry, 1<<20).RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{peer: peer, server: server, registry: registry}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestPutThenGetObject(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPut, "/forward/us-west/photos/2024/cat.jpg", strings.NewReader("meow"), http.Header{
		UIDHeader:           {"alice"},
		"X-Amz-Meta-Camera": {"film"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"etag-4"`, resp.Header.Get("ETag"))
	assert.Equal(t, "Tue, 14 Nov 2023 22:13:20 GMT", resp.Header.Get("Last-Modified"))

	resp = env.do(t, http.MethodGet, "/forward/us-west/photos/2024/cat.jpg", nil, http.Header{UIDHeader: {"alice"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "meow", string(body))
	assert.Equal(t, `"stored"`, resp.Trailer.Get("ETag"))
	assert.Equal(t, "film", resp.Trailer.Get("X-Amz-Meta-Camera"))
	assert.Empty(t, resp.Trailer.Get(ErrorTrailer))

	env.peer.mu.Lock()
	defer env.peer.mu.Unlock()
	assert.Equal(t, []string{"alice", "alice"}, env.peer.uids)
}

func TestGetObjectTrailersForAnySize(t *testing.T) {
	env := newTestEnv(t)

	for _, size := range []int{1, 4, 1000, 4096, 70000} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			path := fmt.Sprintf("/forward/us-west/photos/obj-%d", size)
			payload := bytes.Repeat([]byte("x"), size)
			resp := env.do(t, http.MethodPut, path, bytes.NewReader(payload), http.Header{
				UIDHeader:           {"alice"},
				"X-Amz-Meta-Camera": {"film"},
			})
			require.Equal(t, http.StatusOK, resp.StatusCode)

			resp = env.do(t, http.MethodGet, path, nil, http.Header{UIDHeader: {"alice"}})
			require.Equal(t, http.StatusOK, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Len(t, body, size)
			assert.Equal(t, `"stored"`, resp.Trailer.Get("ETag"))
			assert.Equal(t, "Tue, 14 Nov 2023 22:13:20 GMT", resp.Trailer.Get("Last-Modified"))
			assert.Equal(t, "film", resp.Trailer.Get("X-Amz-Meta-Camera"))
		})
	}
}

func TestGetObjectPartialFailureSetsErrorTrailer(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/forward/us-west/photos/truncated", nil, http.Header{UIDHeader: {"alice"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "meow", string(body))
	assert.NotEmpty(t, resp.Trailer.Get(ErrorTrailer))
	assert.Empty(t, resp.Trailer.Get("ETag"))
}

func TestForwardDropsReservedQueryArgs(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/forward/us-west/bucket?prefix=2024&rgwx-prepend-metadata=true&rgwx-uid=mallory", nil,
		http.Header{UIDHeader: {"alice"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.peer.mu.Lock()
	defer env.peer.mu.Unlock()
	last := env.peer.queries[len(env.peer.queries)-1]
	assert.Contains(t, last, "prefix=2024")
	assert.Contains(t, last, "rgwx-uid=alice")
	assert.NotContains(t, last, "prepend")
	assert.NotContains(t, last, "mallory")
}

func TestGetMissingObjectRelaysStatus(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/forward/us-west/photos/missing", nil, http.Header{UIDHeader: {"alice"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "us-west", decodeError(t, resp)["region"])
}

func TestForwardRelaysPeerResponse(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/forward/us-west/bucket", nil, http.Header{UIDHeader: {"alice"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "<ListBucketResult/>", string(body))
	assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))

	resp = env.do(t, http.MethodDelete, "/forward/us-west/bucket/key", nil, http.Header{UIDHeader: {"alice"}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "requester", resp.Header.Get("X-Amz-Request-Charged"))

	resp = env.do(t, http.MethodPost, "/forward/us-west/bucket?delete", strings.NewReader("<Delete/>"), http.Header{UIDHeader: {"alice"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "AccessDenied")
}

func TestForwardErrors(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unknown region", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/forward/mars/bucket/key", nil, http.Header{UIDHeader: {"alice"}})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		body := decodeError(t, resp)
		assert.Equal(t, "mars", body["region"])
		assert.Equal(t, "unknown upstream region", body["error"])
	})

	t.Run("no endpoints", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/forward/ap-south/bucket/key", nil, http.Header{UIDHeader: {"alice"}})
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, regionconn.ErrNoEndpointsConfigured.Error(), decodeError(t, resp)["error"])
	})

	t.Run("missing uid", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/forward/us-west/bucket/key", nil, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestForwardUsesTokenIdentity(t *testing.T) {
	env := newTestEnv(t)

	router := mux.NewRouter()
	router.Use(sysauth.Middleware(sysauth.NewTokenVerifier(systemKey)))
	NewHandler(env.registry, 0).RegisterRoutes(router)
	server := httptest.NewServer(router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/forward/us-west/bucket")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := sysauth.NewTokenSigner("us-east", time.Minute).GenerateToken(systemKey, "carol", "us-east", "")
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, server.URL+"/forward/us-west/bucket", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(UIDHeader, "mallory")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.peer.mu.Lock()
	defer env.peer.mu.Unlock()
	assert.Equal(t, []string{"carol"}, env.peer.uids)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no endpoints", regionconn.ErrNoEndpointsConfigured, http.StatusServiceUnavailable},
		{"peer status", transport.NewStatusError(409, "409 Conflict", "forward", nil), http.StatusConflict},
		{"wrapped peer status", fmt.Errorf("upload: %w", transport.NewStatusError(403, "403 Forbidden", "put", nil)), http.StatusForbidden},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"too large", transport.ErrResponseTooLarge, http.StatusBadGateway},
		{"other", errors.New("connection refused"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestStatusHandler(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	StatusHandler(env.registry)(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&status))
	assert.Equal(t, "us-east", status.Region)
	require.Len(t, status.Upstreams, 2)
	assert.Equal(t, "ap-south", status.Upstreams[0].Name)
	assert.Empty(t, status.Upstreams[0].Endpoints)
	assert.Equal(t, "us-west", status.Upstreams[1].Name)
}
