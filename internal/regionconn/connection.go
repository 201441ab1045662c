// Package regionconn forwards gateway operations to an upstream region.
//
// A Connection is built once per configured upstream region. Every operation
// picks the next endpoint of that region round-robin, tags the request with
// the local gateway's system parameters and hands it to the transport:
//
//	resp, err := conn.Forward(ctx, uid, info, maxResponse, body)
//
//	ws, err := conn.BeginWrite(ctx, uid, obj, size, attrs)
//	io.Copy(ws, src)
//	etag, mtime, err := conn.CompleteWrite(ws)
//
//	rs, err := conn.BeginRead(ctx, uid, obj, false, cb)
//	etag, mtime, attrs, err := conn.CompleteRead(rs)
//
// Sessions are owned by the caller and must be completed exactly once;
// completion always releases the underlying stream.
package regionconn

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/eliq/ceph/internal/sysauth"
	"github.com/eliq/ceph/internal/transport"
)

// prependMetadataValue is sent with rgwx-prepend-metadata. Only the presence
// of the parameter is significant to the peer.
const prependMetadataValue = "true"

// LocalIdentity is the local gateway's system identity.
type LocalIdentity struct {
	RegionName string
	Key        sysauth.SystemKey
}

// Upstream describes a peer region.
type Upstream struct {
	Name      string
	Endpoints []string
}

// Connection forwards requests to one upstream region.
type Connection struct {
	key      sysauth.SystemKey
	region   string
	upstream string

	selector  *EndpointSelector
	transport transport.Transport
}

// New creates a Connection. The endpoint list is copied.
func New(local LocalIdentity, upstream Upstream, t transport.Transport) *Connection {
	return &Connection{
		key:       local.Key,
		region:    local.RegionName,
		upstream:  upstream.Name,
		selector:  NewEndpointSelector(upstream.Name, upstream.Endpoints),
		transport: t,
	}
}

// UpstreamName returns the peer region name.
func (c *Connection) UpstreamName() string { return c.upstream }

// RegionName returns the local region name sent with every request.
func (c *Connection) RegionName() string { return c.region }

// Endpoints returns a copy of the peer's endpoints.
func (c *Connection) Endpoints() []string { return c.selector.Endpoints() }

// systemParams returns the parameters that identify a request as system
// traffic from this region on behalf of uid.
func (c *Connection) systemParams(uid string) transport.Params {
	params := make(transport.Params, 0, 3)
	params.Add(sysauth.ParamUID, uid)
	params.Add(sysauth.ParamRegion, c.region)
	return params
}

// Forward performs a one-shot request against the next endpoint. Transport
// errors are returned unchanged.
func (c *Connection) Forward(ctx context.Context, uid string, info *transport.RequestInfo, maxResponse int64, body io.Reader) (*transport.Response, error) {
	endpoint, err := c.selector.Select()
	if err != nil {
		return nil, err
	}

	if info == nil {
		info = &transport.RequestInfo{}
	}

	log.Debug().
		Str("upstream_region", c.upstream).
		Str("endpoint", endpoint).
		Str("uid", uid).
		Str("method", info.Method).
		Str("resource", info.Resource).
		Msg("Forwarding request")

	return c.transport.Forward(ctx, &transport.ForwardRequest{
		Endpoint:    endpoint,
		Key:         c.key,
		Params:      c.systemParams(uid),
		Info:        info,
		Body:        body,
		MaxResponse: maxResponse,
	})
}

// BeginWrite starts a streamed upload of obj. size < 0 means unknown length.
// If the upload cannot be initiated the stream is released and no session is
// returned.
func (c *Connection) BeginWrite(ctx context.Context, uid string, obj transport.Object, size int64, attrs map[string]string) (*WriteSession, error) {
	endpoint, err := c.selector.Select()
	if err != nil {
		return nil, err
	}

	stream := c.transport.NewWriteStream(endpoint, c.key, c.systemParams(uid))
	s := newWriteSession(c.upstream, endpoint, obj, stream)

	if err := stream.Initiate(ctx, obj, size, attrs); err != nil {
		s.release(err)
		return nil, err
	}
	s.activate()

	log.Debug().
		Str("upstream_region", c.upstream).
		Str("endpoint", endpoint).
		Str("uid", uid).
		Str("object", obj.String()).
		Int64("size", size).
		Msg("Started streamed upload")
	return s, nil
}

// CompleteWrite finishes the upload and returns the peer's ETag and
// modification time. The session is released on every path.
func (c *Connection) CompleteWrite(s *WriteSession) (string, time.Time, error) {
	return s.complete()
}

// BeginRead starts a streamed download of obj. cb receives the object bytes
// during CompleteRead. With prependMetadata the peer is asked to prefix the
// stream with the object's metadata.
func (c *Connection) BeginRead(ctx context.Context, uid string, obj transport.Object, prependMetadata bool, cb transport.DataCallback) (*ReadSession, error) {
	endpoint, err := c.selector.Select()
	if err != nil {
		return nil, err
	}

	params := c.systemParams(uid)
	if prependMetadata {
		params.Add(sysauth.ParamPrependMetadata, prependMetadataValue)
	}

	s := newReadSession(c.upstream, endpoint, obj, cb)
	s.stream = c.transport.NewReadStream(endpoint, c.key, params, s.onData)
	s.closer = s.stream

	if err := s.stream.Initiate(ctx, obj); err != nil {
		s.release(err)
		return nil, err
	}
	s.activate()

	log.Debug().
		Str("upstream_region", c.upstream).
		Str("endpoint", endpoint).
		Str("uid", uid).
		Str("object", obj.String()).
		Bool("prepend_metadata", prependMetadata).
		Msg("Started streamed download")
	return s, nil
}

// CompleteRead drains the download and returns the peer's ETag,
// modification time and attributes. The session is released on every path.
func (c *Connection) CompleteRead(s *ReadSession) (string, time.Time, map[string]string, error) {
	return s.complete()
}
