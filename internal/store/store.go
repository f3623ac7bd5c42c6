// Package store persists stroke logs and page counters and carries the
// pub/sub bus that connects server processes.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cortexuvula/collabdraw/internal/config"
	"github.com/cortexuvula/collabdraw/internal/room"
)

var (
	// ErrNotFound is returned by Get for a key that does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrUnavailable wraps every failure to reach the backend.
	ErrUnavailable = errors.New("store: backend unavailable")
	// ErrCorrupt is returned when a stored value cannot be decoded.
	ErrCorrupt = errors.New("store: corrupt value")
	// ErrClosedBackend is the cause reported by a backend after Close.
	ErrClosedBackend = errors.New("store: backend closed")
)

// OpError describes a failed backend operation.
type OpError struct {
	Op  string
	Key string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap lets errors.Is match both ErrUnavailable and the cause.
func (e *OpError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

// Backend is a key/value store with atomic counters and a pub/sub bus.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetNX(ctx context.Context, key string, value []byte) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (room.Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend selected by cfg.
func Open(cfg config.StoreConfig) (Backend, error) {
	switch cfg.Backend {
	case "redis":
		return NewRedis(cfg), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
