package proxy

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sunbk201/idmask/internal/rewrite"
	"github.com/sunbk201/idmask/internal/route"
)

type State int

const (
	StateRouting State = iota
	StateStreamingBody
	StateFinalizing
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateRouting:
		return "ROUTING"
	case StateStreamingBody:
		return "STREAMING_BODY"
	case StateFinalizing:
		return "FINALIZING"
	case StateDone:
		return "DONE"
	case StateErrored:
		return "ERRORED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrBodyTooLarge    = errors.New("response body exceeds max-body-size")
	ErrUpstreamConnect = errors.New("upstream connect")
	ErrInvalidState    = errors.New("invalid session state")
)

// RewriteFunc transforms a complete response body.
type RewriteFunc func(doc []byte) (rewrite.Result, error)

// Emitted is the single body chunk a finished Session releases.
type Emitted struct {
	Body      []byte
	Rewritten bool
	IDs       int
	// Err is the recovered rewrite failure when Body is the original
	// buffer.
	Err error
}

// Session is the per-request state machine. It is owned by one request
// and is not safe for concurrent use.
type Session struct {
	state  State
	route  route.Route
	target route.Target
	buf    bytes.Buffer
	limit  int64
	err    error
}

// NewSession returns a Session in StateRouting. limit caps the buffered
// body size in bytes; zero disables the cap.
func NewSession(limit int64) *Session {
	return &Session{state: StateRouting, limit: limit}
}

func (s *Session) State() State { return s.state }

func (s *Session) Matched() route.Route { return s.route }

func (s *Session) Target() route.Target { return s.target }

// Err returns the error that moved the session to StateErrored.
func (s *Session) Err() error { return s.err }

func (s *Session) fail(err error) error {
	s.state = StateErrored
	s.err = err
	s.buf = bytes.Buffer{}
	return err
}

// Route selects the upstream for path. On success the session moves to
// StateStreamingBody; route.ErrNoRoute and *route.InvalidTargetError move
// it to StateErrored.
func (s *Session) Route(table *route.Table, path string) (route.Target, error) {
	if s.state != StateRouting {
		return route.Target{}, fmt.Errorf("%w: Route in %s", ErrInvalidState, s.state)
	}
	r, err := table.Find(path)
	if err != nil {
		return route.Target{}, s.fail(err)
	}
	s.route = r
	target, err := route.ComputeTarget(r, path)
	if err != nil {
		return route.Target{}, s.fail(err)
	}
	s.target = target
	s.state = StateStreamingBody
	return target, nil
}

// Write appends chunk to the body buffer. Nothing is forwarded downstream
// until Finish. Exceeding the cap discards the buffer and fails the
// session with ErrBodyTooLarge.
func (s *Session) Write(chunk []byte) (int, error) {
	if s.state != StateStreamingBody {
		return 0, fmt.Errorf("%w: Write in %s", ErrInvalidState, s.state)
	}
	if s.limit > 0 && int64(s.buf.Len())+int64(len(chunk)) > s.limit {
		return 0, s.fail(ErrBodyTooLarge)
	}
	return s.buf.Write(chunk)
}

// Buffered returns the number of body bytes held so far.
func (s *Session) Buffered() int { return s.buf.Len() }

// Finish runs fn over the complete body and returns the chunk to emit:
// the rewritten bytes on success, the original bytes if fn fails.
// A rewrite failure never fails the session.
func (s *Session) Finish(fn RewriteFunc) (Emitted, error) {
	if s.state != StateStreamingBody {
		return Emitted{}, fmt.Errorf("%w: Finish in %s", ErrInvalidState, s.state)
	}
	s.state = StateFinalizing

	original := s.buf.Bytes()
	res, err := fn(original)
	s.state = StateDone
	if err != nil {
		return Emitted{Body: original, Err: err}, nil
	}
	return Emitted{Body: res.Body, Rewritten: true, IDs: res.IDs}, nil
}

// Abort discards the buffered body. It is a no-op once the session is
// done or already errored.
func (s *Session) Abort(err error) {
	if s.state == StateDone || s.state == StateErrored {
		return
	}
	s.fail(err)
}
