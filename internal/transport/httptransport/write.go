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

var (
	errUploadAborted = errors.New("upload aborted")
	errSizeExceeded  = errors.New("write exceeds declared object size")
)

// writeStream uploads an object with a PUT whose body is fed through a pipe
// as the caller writes.
type writeStream struct {
	client   *Client
	endpoint string
	key      sysauth.SystemKey
	params   transport.Params

	size    int64
	written int64
	start   time.Time

	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan struct{}

	// set by the request goroutine before done is closed
	resp   *http.Response
	doErr  error
	closed bool
}

func (w *writeStream) Initiate(ctx context.Context, obj transport.Object, size int64, attrs map[string]string) error {
	if w.done != nil {
		return fmt.Errorf("upload of %s already initiated", obj)
	}

	u, err := buildRequestURL(w.endpoint, ObjectResource(obj), nil, w.params)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	var body io.Reader = pr
	if size == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), body)
	if err != nil {
		cancel()
		return err
	}
	if size >= 0 {
		req.ContentLength = size
	}
	attrsToHeaders(req.Header, attrs)
	requestID := w.client.prepare(req)

	if err := w.client.signer.Sign(req, w.key, sysauth.UnsignedPayload); err != nil {
		cancel()
		return err
	}

	w.size = size
	w.start = time.Now()
	w.pw = pw
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		resp, err := w.client.httpClient.Do(req)
		if err != nil {
			w.doErr = err
			pr.CloseWithError(err)
			return
		}
		w.resp = resp
		// The peer may answer before consuming the whole body.
		pr.CloseWithError(io.ErrClosedPipe)
	}()

	log.Debug().
		Str("endpoint", w.endpoint).
		Str("request_id", requestID).
		Str("object", obj.String()).
		Int64("size", size).
		Msg("Upload started")
	return nil
}

func (w *writeStream) Write(p []byte) (int, error) {
	if w.pw == nil {
		return 0, transport.ErrStreamNotInitiated
	}
	if len(p) == 0 {
		return 0, nil
	}
	if w.size >= 0 && w.written+int64(len(p)) > w.size {
		return 0, errSizeExceeded
	}
	n, err := w.pw.Write(p)
	w.written += int64(n)
	metrics.ForwardBytesTotal.WithLabelValues(opPut, "out").Add(float64(n))
	if err != nil {
		<-w.done
		if w.doErr != nil {
			return n, w.doErr
		}
		return n, w.statusErr()
	}
	return n, nil
}

func (w *writeStream) Complete() (string, time.Time, error) {
	if w.pw == nil {
		return "", time.Time{}, transport.ErrStreamNotInitiated
	}

	status := "error"
	defer func() {
		metrics.ForwardRequestsTotal.WithLabelValues(opPut, status).Inc()
		metrics.ForwardDuration.WithLabelValues(opPut).Observe(time.Since(w.start).Seconds())
	}()

	w.pw.Close()
	<-w.done
	if w.doErr != nil {
		return "", time.Time{}, w.doErr
	}
	status = strconv.Itoa(w.resp.StatusCode)

	if err := w.statusErr(); err != nil {
		return "", time.Time{}, err
	}
	return parseETag(w.resp.Header), parseMtime(w.resp.Header), nil
}

// statusErr converts a non-2xx upload response into a StatusError.
func (w *writeStream) statusErr() error {
	if w.resp == nil {
		return errUploadAborted
	}
	if w.resp.StatusCode >= 200 && w.resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(w.resp.Body, 4096))
	return transport.NewStatusError(w.resp.StatusCode, w.resp.Status, opPut, body)
}

// Close aborts an unfinished upload and releases the response.
func (w *writeStream) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.pw == nil {
		return nil
	}

	w.pw.CloseWithError(errUploadAborted)
	w.cancel()
	<-w.done

	if w.resp != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(w.resp.Body, 64<<10))
		return w.resp.Body.Close()
	}
	return nil
}
