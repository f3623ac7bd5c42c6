package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cortexuvula/collabdraw/internal/metrics"
	"github.com/cortexuvula/collabdraw/internal/workers"
)

// Subscription is a live pub/sub subscription. Messages is closed once the
// subscription ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Subscriber opens subscriptions on the shared bus.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Hub owns one bus bridge per occupied page. A bridge is opened when the
// first listener attaches and torn down once the page has been empty for the
// idle grace period.
type Hub struct {
	registry *Registry
	bus      Subscriber
	pool     *workers.Pool
	grace    time.Duration
	metrics  *metrics.Metrics

	mu      sync.Mutex
	bridges map[Key]*bridge
}

type bridge struct {
	key    Key
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	err    error
	idle   *time.Timer
}

// NewHub creates a hub. m may be nil.
func NewHub(registry *Registry, bus Subscriber, pool *workers.Pool, grace time.Duration, m *metrics.Metrics) *Hub {
	return &Hub{
		registry: registry,
		bus:      bus,
		pool:     pool,
		grace:    grace,
		metrics:  m,
		bridges:  make(map[Key]*bridge),
	}
}

// Registry returns the hub's listener registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Attach joins l to key, detaching it from any page it was on, and makes
// sure a bridge for key is running. The listener stays joined even if the
// bridge could not be opened; a later Attach retries it.
func (h *Hub) Attach(ctx context.Context, l Listener, key Key) error {
	h.mu.Lock()
	b, created := h.bridges[key], false
	if b == nil {
		bctx, cancel := context.WithCancel(h.pool.Context())
		b = &bridge{key: key, ctx: bctx, cancel: cancel, ready: make(chan struct{})}
		h.bridges[key] = b
		created = true
	} else if b.idle != nil {
		b.idle.Stop()
		b.idle = nil
	}
	if prev, moved := h.registry.Join(l, key); moved {
		h.scheduleIdleLocked(prev)
	}
	h.mu.Unlock()

	if created {
		return h.open(ctx, b)
	}

	select {
	case <-b.ready:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detach removes l from key. It is safe to call for a listener that is not
// attached.
func (h *Hub) Detach(l Listener, key Key) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.registry.Leave(l, key) == 0 {
		h.scheduleIdleLocked(key)
	}
}

// ActiveBridges returns the number of bridges currently open or opening.
func (h *Hub) ActiveBridges() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bridges)
}

// Close stops every bridge. Listeners remain in the registry.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, b := range h.bridges {
		if b.idle != nil {
			b.idle.Stop()
		}
		b.cancel()
		delete(h.bridges, key)
	}
}

// open subscribes to the page channel and starts the fan-out task. It runs
// outside the hub lock; concurrent attachers wait on b.ready.
func (h *Hub) open(ctx context.Context, b *bridge) error {
	sub, err := h.bus.Subscribe(ctx, b.key.Channel())
	if err != nil {
		h.fail(b, fmt.Errorf("room: subscribe %s: %w", b.key.Channel(), err))
		return b.err
	}

	if err := h.pool.Go("bridge "+b.key.String(), func(context.Context) {
		h.run(b, sub)
	}); err != nil {
		_ = sub.Close()
		h.fail(b, fmt.Errorf("room: start bridge %s: %w", b.key.Channel(), err))
		return b.err
	}

	close(b.ready)
	slog.Debug("bridge opened", "page", b.key.String())
	return nil
}

func (h *Hub) fail(b *bridge, err error) {
	h.mu.Lock()
	if h.bridges[b.key] == b {
		delete(h.bridges, b.key)
	}
	h.mu.Unlock()

	b.cancel()
	b.err = err
	close(b.ready)
	h.metrics.Error("bridge_subscribe")
}

func (h *Hub) run(b *bridge, sub Subscription) {
	h.metrics.BridgeOpened()
	defer h.metrics.BridgeClosed()
	defer func() {
		if err := sub.Close(); err != nil {
			slog.Debug("bridge: close subscription", "page", b.key.String(), "error", err)
		}
	}()

	msgs := sub.Messages()
	for {
		select {
		case <-b.ctx.Done():
			slog.Debug("bridge closed", "page", b.key.String())
			return
		case payload, ok := <-msgs:
			if !ok {
				h.lost(b)
				return
			}
			// A replacement bridge may already be subscribed to the same
			// channel once this one is cancelled.
			if b.ctx.Err() != nil {
				return
			}
			h.fanOut(b.key, payload)
		}
	}
}

// lost handles a subscription that ended without being cancelled.
func (h *Hub) lost(b *bridge) {
	h.mu.Lock()
	if h.bridges[b.key] == b {
		delete(h.bridges, b.key)
	}
	h.mu.Unlock()
	b.cancel()

	if n := h.registry.Count(b.key); n > 0 {
		slog.Error("bridge subscription ended with listeners attached",
			"page", b.key.String(), "listeners", n)
		h.metrics.Error("bridge_lost")
	}
}

func (h *Hub) fanOut(key Key, payload []byte) {
	for _, l := range h.registry.ListenersOf(key) {
		if err := l.Deliver(payload); err != nil {
			h.metrics.Delivered(false)
			slog.Warn("bridge delivery failed",
				"page", key.String(), "listener", l.ID(), "error", err)
			continue
		}
		h.metrics.Delivered(true)
	}
}

// scheduleIdleLocked arms the teardown timer for key if nobody is attached.
// Callers hold h.mu.
func (h *Hub) scheduleIdleLocked(key Key) {
	b := h.bridges[key]
	if b == nil || b.idle != nil || h.registry.Count(key) > 0 {
		return
	}
	if h.grace <= 0 {
		h.expireLocked(key, b)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(h.grace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		// Stopped or re-armed while this callback waited for the lock.
		if b.idle != t {
			return
		}
		h.expireLocked(key, b)
	})
	b.idle = t
}

func (h *Hub) expireLocked(key Key, b *bridge) {
	if h.bridges[key] != b {
		return
	}
	b.idle = nil
	if h.registry.Count(key) > 0 {
		return
	}
	delete(h.bridges, key)
	b.cancel()
}
