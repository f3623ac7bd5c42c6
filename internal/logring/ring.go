// Package logring keeps the most recent log records in memory and serves
// them as JSON for debugging a running server.
package logring

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log record. Session and Room are lifted out of the
// attributes so entries can be filtered by them.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Session string         `json:"session,omitempty"`
	Room    string         `json:"room,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Limit    int
	MinLevel slog.Level
	Since    time.Time
	Session  string
	Room     string
}

func (f Filter) match(e *Entry) bool {
	if e.Level < f.MinLevel {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if f.Session != "" && e.Session != f.Session {
		return false
	}
	if f.Room != "" && e.Room != f.Room {
		return false
	}
	return true
}

// Ring is a fixed-size circular buffer of entries.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	count   int
	dropped uint64
}

// New creates a ring holding up to capacity entries.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// Add stores e, overwriting the oldest entry when full.
func (r *Ring) Add(e Entry) {
	r.mu.Lock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	} else {
		r.dropped++
	}
	r.mu.Unlock()
}

// Entries returns matching entries, newest first.
func (r *Ring) Entries(f Filter) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for i := 0; i < r.count; i++ {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		e := &r.entries[(r.next-1-i+len(r.entries))%len(r.entries)]
		if f.match(e) {
			out = append(out, *e)
		}
	}
	return out
}

// Len returns the number of stored entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Dropped returns how many entries were overwritten.
func (r *Ring) Dropped() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}
