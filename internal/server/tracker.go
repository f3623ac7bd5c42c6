package server

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrServerFull is returned by Admit when the global cap is reached.
	ErrServerFull = errors.New("server: connection limit reached")
	// ErrAddressFull is returned by Admit when the per-address cap is reached.
	ErrAddressFull = errors.New("server: per-address connection limit reached")
)

// Tracker counts realtime connections globally and per client address.
type Tracker struct {
	active   atomic.Int64
	total    atomic.Int64
	messages atomic.Int64

	mu     sync.Mutex
	byAddr map[string]int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{byAddr: make(map[string]int)}
}

// Admit reserves a connection slot for addr if neither cap is reached.
// Every successful Admit must be paired with Release.
func (t *Tracker) Admit(addr string, maxGlobal, maxPerAddr int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(t.active.Load()) >= maxGlobal {
		return ErrServerFull
	}
	if t.byAddr[addr] >= maxPerAddr {
		return ErrAddressFull
	}
	t.active.Add(1)
	t.total.Add(1)
	t.byAddr[addr]++
	return nil
}

// Release frees a slot reserved by Admit.
func (t *Tracker) Release(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active.Add(-1)
	if t.byAddr[addr]--; t.byAddr[addr] <= 0 {
		delete(t.byAddr, addr)
	}
}

// CountMessage records one inbound frame.
func (t *Tracker) CountMessage() {
	t.messages.Add(1)
}

// ActiveConnections returns the number of open connections.
func (t *Tracker) ActiveConnections() int {
	return int(t.active.Load())
}

// ConnectionsFrom returns the number of open connections from addr.
func (t *Tracker) ConnectionsFrom(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byAddr[addr]
}

// TotalConnections returns the number of connections admitted since start.
func (t *Tracker) TotalConnections() int64 {
	return t.total.Load()
}

// TotalMessages returns the number of inbound frames handled since start.
func (t *Tracker) TotalMessages() int64 {
	return t.messages.Load()
}
