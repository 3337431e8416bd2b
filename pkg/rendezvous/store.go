// Package rendezvous defines the reactive tree-structured store two peers use
// to exchange signaling state, plus in-memory and Redis-backed implementations.
//
// Paths are slash-separated, e.g. "rooms/ABC234/members/alice". A path holds
// either a leaf value (raw JSON bytes) or a branch; reading a branch returns
// the JSON object composed from its children.
package rendezvous

import (
	"context"
	"strings"
)

// Subscription is an owned handle for a reactive listener. Cancel is
// idempotent and must stop any further callback delivery.
type Subscription interface {
	Cancel()
}

// DisconnectHook is a pre-registered write the store runs server-side when
// the client transport drops. Cancel removes it without running the write.
type DisconnectHook interface {
	Cancel(ctx context.Context) error
}

// Store is the rendezvous store contract. Implementations must deliver the
// callbacks of a single subscription in order; callbacks for different
// subscriptions have no mutual ordering guarantee.
type Store interface {
	// Get reads the value at path. Returns (nil, nil) when the path is absent.
	Get(ctx context.Context, path string) ([]byte, error)

	// Set writes a leaf value at path, creating intermediate branches.
	Set(ctx context.Context, path string, value []byte) error

	// Update applies all writes atomically. A nil value deletes the path.
	Update(ctx context.Context, writes map[string][]byte) error

	// Delete removes the path and everything under it.
	Delete(ctx context.Context, path string) error

	// Push appends a child with a generated key under path and returns the key.
	Push(ctx context.Context, path string, value []byte) (string, error)

	// SubscribeValue calls fn with the current value at path and again after
	// every change that affects it. fn receives nil when the path is absent.
	SubscribeValue(ctx context.Context, path string, fn func(value []byte)) (Subscription, error)

	// SubscribeChildAdded calls fn for every existing child under path and
	// for every child appended afterwards.
	SubscribeChildAdded(ctx context.Context, path string, fn func(key string, value []byte)) (Subscription, error)

	// OnDisconnect registers a best-effort write to run when the transport
	// drops. A nil value means delete the path.
	OnDisconnect(ctx context.Context, path string, value []byte) (DisconnectHook, error)

	// OnReconnect registers fn to run after the transport recovers from a drop.
	OnReconnect(fn func()) Subscription

	// Close cancels every subscription and releases the store's resources.
	Close() error
}

func splitPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func joinPath(segs ...string) string {
	return strings.Join(segs, "/")
}
