package regionconn

import (
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/eliq/ceph/internal/metrics"
	"github.com/eliq/ceph/internal/transport"
)

// ErrSessionDone is returned when a session is used after completion.
var ErrSessionDone = errors.New("stream session already completed")

var errSessionAborted = errors.New("stream session aborted")

// SessionState is the lifecycle state of a streamed transfer.
type SessionState int

const (
	// SessionCreated is a session whose stream has not been initiated yet.
	SessionCreated SessionState = iota
	// SessionActive is a session with an initiated stream that is still held.
	SessionActive
	// SessionCompleted is a session whose stream completed and was released.
	SessionCompleted
	// SessionFailed is a session released after an error or an Abort.
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "Created"
	case SessionActive:
		return "Active"
	case SessionCompleted:
		return "Completed"
	case SessionFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

const (
	directionWrite = "write"
	directionRead  = "read"
)

// session is the state shared by both transfer directions. A session belongs
// to the code path that created it and is not safe for concurrent use.
type session struct {
	region    string
	endpoint  string
	direction string
	obj       transport.Object
	started   time.Time
	state     SessionState
	closer    io.Closer
	released  bool
}

func (s *session) activate() {
	s.state = SessionActive
	metrics.StreamSessionsActive.WithLabelValues(s.region, s.direction).Inc()
}

// release closes the underlying stream once and records the terminal state.
func (s *session) release(err error) {
	if s.released {
		return
	}
	s.released = true

	if s.state == SessionActive {
		metrics.StreamSessionsActive.WithLabelValues(s.region, s.direction).Dec()
	}
	if err != nil {
		s.state = SessionFailed
	} else {
		s.state = SessionCompleted
	}

	if s.closer == nil {
		return
	}
	if cerr := s.closer.Close(); cerr != nil {
		log.Debug().
			Err(cerr).
			Str("upstream_region", s.region).
			Str("endpoint", s.endpoint).
			Str("direction", s.direction).
			Msg("Error releasing stream")
	}
}

// Abort releases an active session without completing the transfer. The
// stream is closed, which cancels the request to the peer. Aborting a
// completed session is a no-op.
func (s *session) Abort() {
	if s.state != SessionActive {
		return
	}
	s.release(errSessionAborted)
}

// Endpoint returns the endpoint the session was routed to.
func (s *session) Endpoint() string { return s.endpoint }

// Object returns the object being transferred.
func (s *session) Object() transport.Object { return s.obj }

// StartedAt returns the session creation time.
func (s *session) StartedAt() time.Time { return s.started }

// State returns the current lifecycle state.
func (s *session) State() SessionState { return s.state }

// WriteSession is an in-flight streamed upload. Callers push the object bytes
// with Write and finish with Connection.CompleteWrite.
type WriteSession struct {
	session
	stream  transport.WriteStream
	written int64
}

func newWriteSession(region, endpoint string, obj transport.Object, stream transport.WriteStream) *WriteSession {
	return &WriteSession{
		session: session{
			region:    region,
			endpoint:  endpoint,
			direction: directionWrite,
			obj:       obj,
			started:   time.Now(),
			closer:    stream,
		},
		stream: stream,
	}
}

// Write sends p to the peer.
func (s *WriteSession) Write(p []byte) (int, error) {
	if s.state != SessionActive {
		return 0, ErrSessionDone
	}
	n, err := s.stream.Write(p)
	s.written += int64(n)
	return n, err
}

// BytesWritten returns the number of bytes pushed so far.
func (s *WriteSession) BytesWritten() int64 { return s.written }

func (s *WriteSession) complete() (etag string, mtime time.Time, err error) {
	if s.state != SessionActive {
		return "", time.Time{}, ErrSessionDone
	}
	defer func() { s.release(err) }()

	return s.stream.Complete()
}

// ReadSession is an in-flight streamed download. Data reaches the caller's
// callback while Connection.CompleteRead drains the stream.
type ReadSession struct {
	session
	stream   transport.ReadStream
	cb       transport.DataCallback
	received int64
}

func newReadSession(region, endpoint string, obj transport.Object, cb transport.DataCallback) *ReadSession {
	return &ReadSession{
		session: session{
			region:    region,
			endpoint:  endpoint,
			direction: directionRead,
			obj:       obj,
			started:   time.Now(),
		},
		cb: cb,
	}
}

func (s *ReadSession) onData(chunk []byte, offset int64) error {
	s.received += int64(len(chunk))
	if s.cb == nil {
		return nil
	}
	return s.cb(chunk, offset)
}

// BytesReceived returns the number of bytes delivered so far.
func (s *ReadSession) BytesReceived() int64 { return s.received }

func (s *ReadSession) complete() (etag string, mtime time.Time, attrs map[string]string, err error) {
	if s.state != SessionActive {
		return "", time.Time{}, nil, ErrSessionDone
	}
	defer func() { s.release(err) }()

	return s.stream.Complete()
}
