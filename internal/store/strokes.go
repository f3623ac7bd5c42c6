package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cortexuvula/collabdraw/internal/metrics"
	"github.com/cortexuvula/collabdraw/internal/room"
)

// DefaultPageCount is reported for a room whose counter was never set.
const DefaultPageCount = 1

// StrokeStore reads and writes stroke logs and page counters on a Backend.
// Every call is bounded by the configured operation timeout.
type StrokeStore struct {
	backend Backend
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewStrokeStore wraps backend. m may be nil.
func NewStrokeStore(backend Backend, timeout time.Duration, m *metrics.Metrics) *StrokeStore {
	return &StrokeStore{backend: backend, timeout: timeout, metrics: m}
}

// Backend returns the underlying backend.
func (s *StrokeStore) Backend() Backend {
	return s.backend
}

func (s *StrokeStore) op(ctx context.Context, name string) (context.Context, func()) {
	start := time.Now()
	cancel := func() {}
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {
		cancel()
		s.metrics.StoreOp(name, time.Since(start))
	}
}

// Strokes returns the stroke log of key. A page with no log yields an empty
// slice.
func (s *StrokeStore) Strokes(ctx context.Context, key room.Key) ([]json.RawMessage, error) {
	ctx, done := s.op(ctx, "get_strokes")
	defer done()

	raw, err := s.backend.Get(ctx, key.Channel())
	if errors.Is(err, ErrNotFound) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}

	var strokes []json.RawMessage
	if err := json.Unmarshal(raw, &strokes); err != nil {
		return nil, fmt.Errorf("%w: strokes %s: %v", ErrCorrupt, key.Channel(), err)
	}
	if strokes == nil {
		strokes = []json.RawMessage{}
	}
	return strokes, nil
}

// SaveStrokes overwrites the stroke log of key with strokes.
func (s *StrokeStore) SaveStrokes(ctx context.Context, key room.Key, strokes []json.RawMessage) error {
	ctx, done := s.op(ctx, "set_strokes")
	defer done()

	if strokes == nil {
		strokes = []json.RawMessage{}
	}
	raw, err := json.Marshal(strokes)
	if err != nil {
		return fmt.Errorf("store: encode strokes %s: %w", key.Channel(), err)
	}
	return s.backend.Set(ctx, key.Channel(), raw)
}

// DeleteStrokes removes the stroke log of key.
func (s *StrokeStore) DeleteStrokes(ctx context.Context, key room.Key) error {
	ctx, done := s.op(ctx, "delete_strokes")
	defer done()
	return s.backend.Delete(ctx, key.Channel())
}

// PageCount returns the number of pages in roomName, or DefaultPageCount if
// the counter was never set.
func (s *StrokeStore) PageCount(ctx context.Context, roomName string) (int, error) {
	ctx, done := s.op(ctx, "get_pages")
	defer done()

	key := room.PageCountKey(roomName)
	raw, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return DefaultPageCount, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: page count %s: %v", ErrCorrupt, key, err)
	}
	return n, nil
}

// NextPage atomically adds a page to roomName and returns the new count.
// The counter starts at DefaultPageCount, so the first call returns 2.
func (s *StrokeStore) NextPage(ctx context.Context, roomName string) (int, error) {
	ctx, done := s.op(ctx, "incr_pages")
	defer done()

	key := room.PageCountKey(roomName)
	if _, err := s.backend.SetNX(ctx, key, []byte(strconv.Itoa(DefaultPageCount))); err != nil {
		return 0, err
	}
	n, err := s.backend.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Publish sends payload to every bridge of key.
func (s *StrokeStore) Publish(ctx context.Context, key room.Key, payload []byte) error {
	ctx, done := s.op(ctx, "publish")
	defer done()
	return s.backend.Publish(ctx, key.Channel(), payload)
}

// Ping checks that the backend is reachable.
func (s *StrokeStore) Ping(ctx context.Context) error {
	ctx, done := s.op(ctx, "ping")
	defer done()
	return s.backend.Ping(ctx)
}
