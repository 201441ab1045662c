// Package httptransport implements transport.Transport over HTTP against
// S3-compatible peer gateways.
package httptransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/eliq/ceph/internal/metrics"
	"github.com/eliq/ceph/internal/sysauth"
	"github.com/eliq/ceph/internal/transport"
)

const (
	// DefaultMaxResponseBytes caps buffered one-shot responses.
	DefaultMaxResponseBytes = 4 << 20

	// DefaultChunkSize is the read size used when streaming downloads.
	DefaultChunkSize = 64 << 10

	// RequestIDHeader tags each upstream request for correlation.
	RequestIDHeader = "X-Rgw-Request-Id"

	// MtimeHeader carries the object modification time computed by the peer.
	MtimeHeader = "Rgwx-Mtime"

	// AttrHeaderPrefix carries object attributes that are not user metadata.
	AttrHeaderPrefix = "Rgwx-Attr-"

	metaHeaderPrefix = "X-Amz-Meta-"
)

// Operation labels
const (
	opForward = "forward"
	opPut     = "put_object"
	opGet     = "get_object"
)

// Options configures a Client.
type Options struct {
	HTTPClient       *http.Client
	Signer           sysauth.Signer
	MaxResponseBytes int64
	ChunkSize        int
	UserAgent        string
}

// Client sends system requests to peer gateways.
type Client struct {
	httpClient  *http.Client
	signer      sysauth.Signer
	maxResponse int64
	chunkSize   int
	userAgent   string
}

var _ transport.Transport = (*Client)(nil)

// New creates a Client. A nil HTTPClient gets a client without an overall
// timeout, since streamed transfers may run for a long time.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "rgw-region-forwarder"
	}
	if opts.Signer == nil {
		opts.Signer = sysauth.NewSigV4Signer("")
	}

	return &Client{
		httpClient:  httpClient,
		signer:      opts.Signer,
		maxResponse: opts.MaxResponseBytes,
		chunkSize:   opts.ChunkSize,
		userAgent:   opts.UserAgent,
	}
}

// Forward implements transport.Transport. The response body is buffered up
// to the request's cap (or the client default); a larger body yields
// transport.ErrResponseTooLarge. Non-2xx statuses return both the response
// and a *transport.StatusError.
func (c *Client) Forward(ctx context.Context, req *transport.ForwardRequest) (*transport.Response, error) {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.ForwardRequestsTotal.WithLabelValues(opForward, status).Inc()
		metrics.ForwardDuration.WithLabelValues(opForward).Observe(time.Since(start).Seconds())
	}()

	info := req.Info
	if info == nil {
		info = &transport.RequestInfo{}
	}
	method := info.Method
	if method == "" {
		method = http.MethodGet
	}

	var body []byte
	if req.Body != nil {
		var err error
		if body, err = io.ReadAll(req.Body); err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	u, err := buildRequestURL(req.Endpoint, info.Resource, info.Args, req.Params)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.ContentLength = int64(len(body))
	if len(body) == 0 {
		httpReq.Body = http.NoBody
	}
	copyForwardHeaders(httpReq.Header, info.Header)

	requestID := c.prepare(httpReq)
	if err := c.signer.Sign(httpReq, req.Key, sysauth.PayloadHash(body)); err != nil {
		return nil, err
	}
	metrics.ForwardBytesTotal.WithLabelValues(opForward, "out").Add(float64(len(body)))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)

	limit := req.MaxResponse
	if limit <= 0 {
		limit = c.maxResponse
	}
	// One byte past the cap tells an oversized body from one that fits.
	// limit+1 would wrap at MaxInt64, which is unbounded anyway.
	var src io.Reader = resp.Body
	if limit < math.MaxInt64 {
		src = io.LimitReader(resp.Body, limit+1)
	}
	respBody, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(respBody)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", transport.ErrResponseTooLarge, limit, req.Endpoint)
	}
	metrics.ForwardBytesTotal.WithLabelValues(opForward, "in").Add(float64(len(respBody)))

	out := &transport.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}

	log.Debug().
		Str("endpoint", req.Endpoint).
		Str("request_id", requestID).
		Str("method", method).
		Int("status", resp.StatusCode).
		Msg("Forward completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, transport.NewStatusError(resp.StatusCode, resp.Status, opForward, respBody)
	}
	return out, nil
}

// NewWriteStream implements transport.Transport.
func (c *Client) NewWriteStream(endpoint string, key sysauth.SystemKey, params transport.Params) transport.WriteStream {
	return &writeStream{client: c, endpoint: endpoint, key: key, params: params}
}

// NewReadStream implements transport.Transport.
func (c *Client) NewReadStream(endpoint string, key sysauth.SystemKey, params transport.Params, cb transport.DataCallback) transport.ReadStream {
	return &readStream{client: c, endpoint: endpoint, key: key, params: params, cb: cb}
}

// prepare sets the headers common to every upstream request and returns the
// request id.
func (c *Client) prepare(req *http.Request) string {
	requestID := uuid.New().String()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("User-Agent", c.userAgent)
	return requestID
}

// forwardedHeaders lists the client headers relayed to the peer besides
// X-Amz-*.
var forwardedHeaders = []string{
	"Content-Type",
	"Content-MD5",
	"Content-Encoding",
	"Content-Disposition",
	"Content-Language",
	"Cache-Control",
	"Expires",
	"Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
}

// signingHeaders are recomputed by the signer and never relayed.
var signingHeaders = map[string]bool{
	"X-Amz-Date":           true,
	"X-Amz-Content-Sha256": true,
	"X-Amz-Security-Token": true,
}

func copyForwardHeaders(dst, src http.Header) {
	if src == nil {
		return
	}
	for _, name := range forwardedHeaders {
		if vs := src.Values(name); len(vs) > 0 {
			dst[name] = append([]string(nil), vs...)
		}
	}
	for name, vs := range src {
		canonical := http.CanonicalHeaderKey(name)
		if !strings.HasPrefix(canonical, "X-Amz-") || signingHeaders[canonical] {
			continue
		}
		dst[canonical] = append([]string(nil), vs...)
	}
}

// parseMtime reads the modification time reported by the peer, preferring
// the system header over Last-Modified.
func parseMtime(h http.Header) time.Time {
	if v := h.Get(MtimeHeader); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			whole := int64(secs)
			return time.Unix(whole, int64((secs-float64(whole))*1e9))
		}
	}
	if v := h.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseETag(h http.Header) string {
	return strings.Trim(h.Get("ETag"), `"`)
}

// attrsToHeaders encodes object attributes. User metadata keeps its
// X-Amz-Meta- name; everything else travels as Rgwx-Attr-<name>.
func attrsToHeaders(h http.Header, attrs map[string]string) {
	for k, v := range attrs {
		canonical := http.CanonicalHeaderKey(k)
		switch {
		case canonical == "Content-Type":
			h.Set("Content-Type", v)
		case strings.HasPrefix(canonical, metaHeaderPrefix):
			h.Set(canonical, v)
		default:
			h.Set(AttrHeaderPrefix+canonical, v)
		}
	}
}

// headersToAttrs is the inverse of attrsToHeaders. Keys are lower case.
func headersToAttrs(h http.Header) map[string]string {
	attrs := make(map[string]string)
	for name, vs := range h {
		if len(vs) == 0 {
			continue
		}
		canonical := http.CanonicalHeaderKey(name)
		switch {
		case strings.HasPrefix(canonical, AttrHeaderPrefix):
			attrs[strings.ToLower(strings.TrimPrefix(canonical, AttrHeaderPrefix))] = vs[0]
		case strings.HasPrefix(canonical, metaHeaderPrefix):
			attrs[strings.ToLower(canonical)] = vs[0]
		case canonical == "Content-Type":
			attrs["content-type"] = vs[0]
		}
	}
	return attrs
}
