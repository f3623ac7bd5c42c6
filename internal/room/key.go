// Package room tracks which connections are viewing which page of which
// room and bridges each occupied page to its pub/sub channel.
package room

import (
	"strconv"
	"strings"
)

// Key identifies one page of one room.
type Key struct {
	Room string
	Page int
}

// String returns the canonical "room:page" form.
func (k Key) String() string {
	return JoinKey(k.Room, strconv.Itoa(k.Page))
}

// Channel is the pub/sub channel name for the page. It is also the store
// key holding the page's stroke log.
func (k Key) Channel() string {
	return k.String()
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k.Room == "" && k.Page == 0
}

// JoinKey joins a namespace, a key and optional extra parts with ":".
func JoinKey(namespace, key string, extra ...string) string {
	parts := make([]string, 0, 2+len(extra))
	parts = append(parts, namespace, key)
	parts = append(parts, extra...)
	return strings.Join(parts, ":")
}

// PageCountKey is the store key holding the number of pages in roomName.
func PageCountKey(roomName string) string {
	return JoinKey("info", roomName, "npages")
}
