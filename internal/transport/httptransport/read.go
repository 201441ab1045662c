package httptransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/eliq/ceph/internal/metrics"
	"github.com/eliq/ceph/internal/sysauth"
	"github.com/eliq/ceph/internal/transport"
)

// readStream downloads an object and hands each chunk to the callback.
type readStream struct {
	client   *Client
	endpoint string
	key      sysauth.SystemKey
	params   transport.Params
	cb       transport.DataCallback

	start  time.Time
	cancel context.CancelFunc
	resp   *http.Response
	closed bool
}

func (r *readStream) Initiate(ctx context.Context, obj transport.Object) error {
	if r.resp != nil {
		return fmt.Errorf("download of %s already initiated", obj)
	}
	r.start = time.Now()

	u, err := buildRequestURL(r.endpoint, ObjectResource(obj), nil, r.params)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return err
	}
	requestID := r.client.prepare(req)
	if err := r.client.signer.Sign(req, r.key, sysauth.PayloadHash(nil)); err != nil {
		return err
	}

	resp, err := r.client.httpClient.Do(req)
	if err != nil {
		r.record("error")
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		r.record(strconv.Itoa(resp.StatusCode))
		return transport.NewStatusError(resp.StatusCode, resp.Status, opGet, body)
	}
	r.resp = resp

	log.Debug().
		Str("endpoint", r.endpoint).
		Str("request_id", requestID).
		Str("object", obj.String()).
		Int64("content_length", resp.ContentLength).
		Msg("Download started")
	return nil
}

func (r *readStream) Complete() (string, time.Time, map[string]string, error) {
	if r.resp == nil {
		return "", time.Time{}, nil, transport.ErrStreamNotInitiated
	}

	status := "error"
	defer func() { r.record(status) }()

	buf := make([]byte, r.client.chunkSize)
	var offset int64
	for {
		n, err := r.resp.Body.Read(buf)
		if n > 0 {
			metrics.ForwardBytesTotal.WithLabelValues(opGet, "in").Add(float64(n))
			if r.cb != nil {
				if cbErr := r.cb(buf[:n], offset); cbErr != nil {
					return "", time.Time{}, nil, cbErr
				}
			}
			offset += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", time.Time{}, nil, err
		}
	}

	if r.resp.ContentLength >= 0 && offset != r.resp.ContentLength {
		return "", time.Time{}, nil, fmt.Errorf("short read from %s: got %d of %d bytes: %w",
			r.endpoint, offset, r.resp.ContentLength, io.ErrUnexpectedEOF)
	}

	status = strconv.Itoa(r.resp.StatusCode)
	h := r.resp.Header
	return parseETag(h), parseMtime(h), headersToAttrs(h), nil
}

func (r *readStream) record(status string) {
	metrics.ForwardRequestsTotal.WithLabelValues(opGet, status).Inc()
	metrics.ForwardDuration.WithLabelValues(opGet).Observe(time.Since(r.start).Seconds())
}

// Close releases the response body and the request context.
func (r *readStream) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.resp != nil {
		err = r.resp.Body.Close()
	}
	if r.cancel != nil {
		r.cancel()
	}
	return err
}
