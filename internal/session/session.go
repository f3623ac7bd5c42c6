// Package session implements the per-connection drawing protocol: it keeps
// the connection's page attachment and stroke log, answers inbound events
// and queues outbound frames for a single writer goroutine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexuvula/collabdraw/internal/codec"
	"github.com/cortexuvula/collabdraw/internal/imageinfo"
	"github.com/cortexuvula/collabdraw/internal/metrics"
	"github.com/cortexuvula/collabdraw/internal/room"
)

var (
	// ErrClosed is returned by Deliver after the session has closed.
	ErrClosed = errors.New("session: closed")
	// ErrSlowConsumer is returned by Deliver when the outbound queue is
	// full. The session is closed when this happens.
	ErrSlowConsumer = errors.New("session: outbound queue full")
)

// State is the lifecycle stage of a session.
type State int

const (
	StateNew State = iota
	StateInitialized
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport writes one encoded frame to the client.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
}

// Attacher binds listeners to room pages.
type Attacher interface {
	Attach(ctx context.Context, l room.Listener, key room.Key) error
	Detach(l room.Listener, key room.Key)
}

// Strokes is the persistent state a session reads and writes.
type Strokes interface {
	Strokes(ctx context.Context, key room.Key) ([]json.RawMessage, error)
	SaveStrokes(ctx context.Context, key room.Key, strokes []json.RawMessage) error
	DeleteStrokes(ctx context.Context, key room.Key) error
	PageCount(ctx context.Context, roomName string) (int, error)
	NextPage(ctx context.Context, roomName string) (int, error)
	Publish(ctx context.Context, key room.Key, payload []byte) error
}

// Images looks up page background images.
type Images interface {
	Lookup(ctx context.Context, key room.Key) imageinfo.Info
}

// Videos accepts background render requests.
type Videos interface {
	Submit(key room.Key) error
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Hub     Attacher
	Store   Strokes
	Images  Images
	Videos  Videos // nil disables the video event
	Decoder codec.Decoder
	Metrics *metrics.Metrics

	QueueSize    int
	WriteTimeout time.Duration
}

const defaultQueueSize = 256

// Session is one client connection. Handle, Open and Close must be called
// from a single goroutine; Deliver may be called from any goroutine.
type Session struct {
	id        string
	deps      Deps
	transport Transport
	log       *slog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	overflow  chan struct{}
	slowOnce  sync.Once

	// Owned by the dispatch goroutine.
	state    State
	key      room.Key
	attached bool
	strokes  []json.RawMessage
	numPages int
}

// New creates a session writing to transport.
func New(transport Transport, deps Deps) *Session {
	size := deps.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	id := uuid.NewString()
	return &Session{
		id:        id,
		deps:      deps,
		transport: transport,
		log:       slog.Default().With("session", id),
		out:       make(chan []byte, size),
		done:      make(chan struct{}),
		overflow:  make(chan struct{}),
		state:     StateNew,
		numPages:  1,
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// State returns the session's lifecycle stage.
func (s *Session) State() State {
	return s.state
}

// Key returns the page the session is attached to.
func (s *Session) Key() (room.Key, bool) {
	return s.key, s.attached
}

// Strokes returns a copy of the session's in-memory stroke log.
func (s *Session) Strokes() []json.RawMessage {
	return append([]json.RawMessage(nil), s.strokes...)
}

// PageCount returns the last known number of pages in the session's room.
func (s *Session) PageCount() int {
	return s.numPages
}

// Deliver queues a plain JSON envelope for the client. It never blocks.
func (s *Session) Deliver(payload []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.out <- payload:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		s.slowOnce.Do(func() { close(s.overflow) })
		s.deps.Metrics.Error("slow_consumer")
		return ErrSlowConsumer
	}
}

// Run writes queued frames to the transport until ctx is done, the session
// is closed, the outbound queue overflows or a write fails.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-s.overflow:
			s.log.Warn("client too slow, disconnecting")
			return ErrSlowConsumer
		case plain := <-s.out:
			select {
			case <-s.done:
				return nil
			default:
			}
			if err := s.write(ctx, plain); err != nil {
				return err
			}
		}
	}
}

func (s *Session) write(ctx context.Context, plain []byte) error {
	frame, err := codec.Encode(plain)
	if err != nil {
		s.log.Error("encode outbound frame", "error", err)
		s.deps.Metrics.Error("encode")
		return nil
	}
	if s.deps.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.WriteTimeout)
		defer cancel()
	}
	return s.transport.Send(ctx, frame)
}

// Open greets the client.
func (s *Session) Open() {
	s.send(codec.EventReady, nil)
	s.log.Debug("session opened")
}

// Close detaches the session from its page and stops the writer. It is safe
// to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.detach()
		s.state = StateClosed
		s.log.Debug("session closed")
	})
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) send(event string, data any) {
	msg, err := codec.Marshal(event, data)
	if err != nil {
		s.log.Error("marshal outbound event", "event", event, "error", err)
		s.deps.Metrics.Error("encode")
		return
	}
	if err := s.Deliver(msg); err != nil && !errors.Is(err, ErrClosed) {
		s.log.Warn("outbound event dropped", "event", event, "error", err)
	}
}

func (s *Session) detach() {
	if !s.attached {
		return
	}
	s.deps.Hub.Detach(s, s.key)
	s.attached = false
	s.strokes = nil
}
