// Package broker provides the stream/cache broker facade of SPEC_FULL.md
// §5.1 (spec.md §4.1): append-with-trim streams, range reads, consumer-group
// reads with ack, pub/sub, and typed KV with TTL. The interface shape is
// grounded on the teacher's internal/stream/bus.go EventBus
// (Publish/Subscribe/Start/Stop/Health) generalized to the broader stream +
// KV contract spec.md requires; the Redis implementation is grounded on
// data/cache/cache.go's redisCache.
package broker

import (
	"context"
	"time"
)

// Message is one broker stream/pub-sub record. Payloads are encoded as a
// self-describing keyed-field record (spec.md §4.1), here a map.
type Message struct {
	ID     string
	Fields map[string]interface{}
}

// PubSubMessage is one received pub/sub payload.
type PubSubMessage struct {
	Channel string
	Payload []byte
}

// Broker is the minimum contract every component depends on. Implementations
// must be safe for concurrent use (spec.md §4.1).
type Broker interface {
	// StreamAppend appends one message, asynchronously trimming the stream
	// to approximately maxlenApprox entries. Returns the assigned id.
	StreamAppend(ctx context.Context, stream string, fields map[string]interface{}, maxlenApprox int64) (string, error)

	// StreamRange reads back messages in [fromID, toID], newest- or
	// oldest-first per implementation convention (callers pass "-"/"+" for
	// unbounded ends, matching Redis XRANGE semantics).
	StreamRange(ctx context.Context, stream, fromID, toID string, limit int64) ([]Message, error)

	// StreamReadGroup performs a consumer-group blocking read across one or
	// more streams, each starting from ">" (new messages only).
	StreamReadGroup(ctx context.Context, group, consumer string, streams []string, block time.Duration, count int64) (map[string][]Message, error)

	// Ack commits delivery of the given message ids for (group, stream).
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// PublishPubSub publishes payload on channel.
	PublishPubSub(ctx context.Context, channel string, payload []byte) error

	// SubscribePubSub returns a channel of messages for the given channels.
	// The returned function must be called to release the subscription.
	SubscribePubSub(ctx context.Context, channels ...string) (<-chan PubSubMessage, func() error, error)

	// KVSet stores value under key with an optional TTL (0 = no expiry).
	KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// KVGet retrieves the value for key. ok is false if absent/expired.
	KVGet(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Close releases all broker resources.
	Close() error
}
