// Package state implements the Shared State contract (spec §4.2): a
// cluster-visible key/value store with an atomic counter and an NX-SET
// primitive, backing pools, counters, latencies, model lists, the id-map,
// and the leader/refresh-request coordination keys.
package state

import (
	"context"
	"time"
)

// State is the shared-state contract. Any backend satisfying it may sit
// behind the Pool Manager, Selector, and Leader Elector.
type State interface {
	// Get returns the value for key, or ("", false, nil) if absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Put writes key unconditionally (last-writer-wins).
	Put(ctx context.Context, key, value string) error
	// NXSet atomically sets key to value only if absent, with a TTL. Used
	// for the leader lock.
	NXSet(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Expire refreshes a key's TTL without altering its value (heartbeat).
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Delete removes a key.
	Delete(ctx context.Context, key string) error
	// Incr atomically increments key (treated as 0 if absent) and returns
	// the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Decr atomically decrements key with an underflow guard: if the
	// current value is already <= 0, it is clamped to 0 instead of going
	// negative.
	Decr(ctx context.Context, key string) (int64, error)
	// SelectLeastActive runs the reference least-active algorithm as one
	// shared-state transaction: it reads all candidate counter keys,
	// increments the minimum (ties broken by input order), and returns
	// its index into keys and its post-increment value.
	SelectLeastActive(ctx context.Context, keys []string) (idx int, newCount int64, err error)
	// Publish broadcasts payload on channel to all current subscribers.
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe returns a channel of payloads published to channel. The
	// returned cancel function must be called to release resources; the
	// payload channel closes once cancel runs or ctx is done.
	Subscribe(ctx context.Context, channel string) (payloads <-chan string, cancel func(), err error)
}

// KeyScanner is an optional capability for backends that can enumerate keys
// by pattern, used by the counter-key consistency job (spec §9) to find
// active_count keys orphaned by node deletion.
type KeyScanner interface {
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}
