package store

import (
	"context"
	"strconv"
	"sync"

	"github.com/cortexuvula/collabdraw/internal/room"
)

const memorySubscriptionBuffer = 1024

// Memory is an in-process Backend. Its bus only reaches subscribers in the
// same process, which makes it suitable for single-node setups and tests.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string][]byte),
		subs:   make(map[string]map[*memorySubscription]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = append([]byte(nil), value...)
	return true, nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if v, ok := m.values[key]; ok {
		parsed, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, &OpError{Op: "incr", Key: key, Err: err}
		}
		n = parsed
	}
	n++
	m.values[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Publish delivers payload to every subscriber of channel in publish order.
// It blocks while a subscriber's buffer is full.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for s := range m.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return &OpError{Op: "publish", Key: channel, Err: ctx.Err()}
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (room.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &memorySubscription{
		owner:   m,
		channel: channel,
		ch:      make(chan []byte, memorySubscriptionBuffer),
		done:    make(chan struct{}),
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySubscription]struct{})
	}
	m.subs[channel][s] = struct{}{}
	return s, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &OpError{Op: "ping", Err: ErrClosedBackend}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	var subs []*memorySubscription
	for _, set := range m.subs {
		for s := range set {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

type memorySubscription struct {
	owner     *Memory
	channel   string
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.owner.mu.Lock()
		if set := s.owner.subs[s.channel]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(s.owner.subs, s.channel)
			}
		}
		s.owner.mu.Unlock()
		close(s.ch)
	})
	return nil
}
