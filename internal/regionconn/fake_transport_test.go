package regionconn

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/eliq/ceph/internal/sysauth"
	"github.com/eliq/ceph/internal/transport"
)

// fakeTransport records every call and hands out scripted streams.
type fakeTransport struct {
	mu sync.Mutex

	forwards []*transport.ForwardRequest
	writes   []*fakeWriteStream
	reads    []*fakeReadStream

	forwardResp *transport.Response
	forwardErr  error

	initiateErr error
	completeErr error
	chunks      [][]byte
	attrs       map[string]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		forwardResp: &transport.Response{StatusCode: 200, Body: []byte("ok")},
	}
}

func (f *fakeTransport) Forward(_ context.Context, req *transport.ForwardRequest) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, req)
	return f.forwardResp, f.forwardErr
}

func (f *fakeTransport) NewWriteStream(endpoint string, key sysauth.SystemKey, params transport.Params) transport.WriteStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws := &fakeWriteStream{
		endpoint:    endpoint,
		key:         key,
		params:      params,
		initiateErr: f.initiateErr,
		completeErr: f.completeErr,
	}
	f.writes = append(f.writes, ws)
	return ws
}

func (f *fakeTransport) NewReadStream(endpoint string, key sysauth.SystemKey, params transport.Params, cb transport.DataCallback) transport.ReadStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs := &fakeReadStream{
		endpoint:    endpoint,
		key:         key,
		params:      params,
		cb:          cb,
		chunks:      f.chunks,
		attrs:       f.attrs,
		initiateErr: f.initiateErr,
		completeErr: f.completeErr,
	}
	f.reads = append(f.reads, rs)
	return rs
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwards) + len(f.writes) + len(f.reads)
}

type fakeWriteStream struct {
	endpoint string
	key      sysauth.SystemKey
	params   transport.Params

	obj   transport.Object
	size  int64
	attrs map[string]string
	buf   bytes.Buffer

	initiateErr error
	completeErr error

	completeCalls int
	closeCalls    int
}

func (w *fakeWriteStream) Initiate(_ context.Context, obj transport.Object, size int64, attrs map[string]string) error {
	w.obj, w.size, w.attrs = obj, size, attrs
	return w.initiateErr
}

func (w *fakeWriteStream) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *fakeWriteStream) Complete() (string, time.Time, error) {
	w.completeCalls++
	if w.completeErr != nil {
		return "", time.Time{}, w.completeErr
	}
	return "\"etag-" + w.obj.Key + "\"", time.Now(), nil
}

func (w *fakeWriteStream) Close() error {
	w.closeCalls++
	return nil
}

type fakeReadStream struct {
	endpoint string
	key      sysauth.SystemKey
	params   transport.Params
	cb       transport.DataCallback

	chunks [][]byte
	attrs  map[string]string

	initiateErr error
	completeErr error

	completeCalls int
	closeCalls    int
}

func (r *fakeReadStream) Initiate(context.Context, transport.Object) error {
	return r.initiateErr
}

func (r *fakeReadStream) Complete() (string, time.Time, map[string]string, error) {
	r.completeCalls++
	var off int64
	for _, c := range r.chunks {
		if err := r.cb(c, off); err != nil {
			return "", time.Time{}, nil, err
		}
		off += int64(len(c))
	}
	if r.completeErr != nil {
		return "", time.Time{}, nil, r.completeErr
	}
	return "read-etag", time.Unix(1700000000, 0), r.attrs, nil
}

func (r *fakeReadStream) Close() error {
	r.closeCalls++
	return nil
}

var _ io.Writer = (*fakeWriteStream)(nil)
