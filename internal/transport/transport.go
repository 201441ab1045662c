// Package transport defines the request primitives the forwarding layer
// consumes: a one-shot authenticated exchange, a streamed object upload and a
// streamed object download. The HTTP implementation lives in httptransport.
package transport

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/eliq/ceph/internal/sysauth"
)

// Object identifies an object on the peer.
type Object struct {
	Bucket string
	Key    string
}

func (o Object) String() string {
	return o.Bucket + "/" + o.Key
}

// RequestInfo carries the routing information of the client request being
// forwarded.
type RequestInfo struct {
	Method   string
	Resource string // path, e.g. "/bucket/key"
	Args     url.Values
	Header   http.Header
}

// ForwardRequest is a one-shot exchange with a single endpoint.
type ForwardRequest struct {
	Endpoint    string
	Key         sysauth.SystemKey
	Params      Params
	Info        *RequestInfo
	Body        io.Reader
	MaxResponse int64
}

// Response is the buffered result of a one-shot exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DataCallback receives downloaded bytes in stream order. offset is the
// position of chunk[0] within the object. The chunk is only valid for the
// duration of the call.
type DataCallback func(chunk []byte, offset int64) error

// Transport is the collaborator that performs network I/O for a peer region.
type Transport interface {
	Forward(ctx context.Context, req *ForwardRequest) (*Response, error)
	NewWriteStream(endpoint string, key sysauth.SystemKey, params Params) WriteStream
	NewReadStream(endpoint string, key sysauth.SystemKey, params Params, cb DataCallback) ReadStream
}

// WriteStream is a streamed upload. Initiate starts the request, the caller
// writes the object bytes, Complete finishes the upload and Close releases the
// stream. Close must be called exactly once, after Complete or instead of it.
type WriteStream interface {
	io.Writer
	Initiate(ctx context.Context, obj Object, size int64, attrs map[string]string) error
	Complete() (etag string, mtime time.Time, err error)
	Close() error
}

// ReadStream is a streamed download. Initiate issues the request, Complete
// drives the body through the DataCallback and returns the object metadata.
type ReadStream interface {
	Initiate(ctx context.Context, obj Object) error
	Complete() (etag string, mtime time.Time, attrs map[string]string, err error)
	Close() error
}
