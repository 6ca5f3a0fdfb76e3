package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-process Broker used by tests, grounded on the teacher's
// internal/stream/stub_bus.go ("BusTypeStub ... for testing/development")
// and internal/data/facade/fake_setup.go fixture pattern.
type Fake struct {
	mu       sync.Mutex
	seq      int64
	streams  map[string][]Message
	groups   map[string]map[string]int // stream -> group -> next index to deliver
	kv       map[string]fakeKVEntry
	subs     map[string][]chan PubSubMessage
}

type fakeKVEntry struct {
	value  []byte
	expiry time.Time
}

func NewFake() *Fake {
	return &Fake{
		streams: make(map[string][]Message),
		groups:  make(map[string]map[string]int),
		kv:      make(map[string]fakeKVEntry),
		subs:    make(map[string][]chan PubSubMessage),
	}
}

func (f *Fake) nextID() string {
	f.seq++
	return fmt.Sprintf("%d-0", f.seq)
}

func (f *Fake) StreamAppend(_ context.Context, stream string, fields map[string]interface{}, maxlenApprox int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID()
	f.streams[stream] = append(f.streams[stream], Message{ID: id, Fields: fields})
	if maxlenApprox > 0 && int64(len(f.streams[stream])) > maxlenApprox {
		drop := int64(len(f.streams[stream])) - maxlenApprox
		f.streams[stream] = f.streams[stream][drop:]
		for group, v := range f.groups[stream] {
			f.groups[stream][group] = maxInt(0, v-int(drop))
		}
	}
	return id, nil
}

func (f *Fake) StreamRange(_ context.Context, stream, fromID, toID string, limit int64) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.streams[stream]
	if limit <= 0 || limit > int64(len(all)) {
		limit = int64(len(all))
	}
	out := make([]Message, limit)
	copy(out, all[:limit])
	return out, nil
}

func (f *Fake) StreamReadGroup(_ context.Context, group, _ string, streams []string, _ time.Duration, count int64) (map[string][]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]Message)
	for _, s := range streams {
		if _, ok := f.groups[s]; !ok {
			f.groups[s] = make(map[string]int)
		}
		offset := f.groups[s][group]
		all := f.streams[s]
		if offset >= len(all) {
			continue
		}
		end := len(all)
		if count > 0 && offset+int(count) < end {
			end = offset + int(count)
		}
		batch := make([]Message, end-offset)
		copy(batch, all[offset:end])
		if len(batch) > 0 {
			out[s] = batch
			f.groups[s][group] = end
		}
	}
	return out, nil
}

func (f *Fake) Ack(_ context.Context, _, _ string, _ ...string) error { return nil }

func (f *Fake) PublishPubSub(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	subs := append([]chan PubSubMessage(nil), f.subs[channel]...)
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- PubSubMessage{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

func (f *Fake) SubscribePubSub(_ context.Context, channels ...string) (<-chan PubSubMessage, func() error, error) {
	ch := make(chan PubSubMessage, 256)
	f.mu.Lock()
	for _, c := range channels {
		f.subs[c] = append(f.subs[c], ch)
	}
	f.mu.Unlock()

	closeFn := func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, c := range channels {
			list := f.subs[c]
			for i, x := range list {
				if x == ch {
					f.subs[c] = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
		close(ch)
		return nil
	}
	return ch, closeFn, nil
}

func (f *Fake) KVSet(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	f.kv[key] = fakeKVEntry{value: append([]byte(nil), value...), expiry: exp}
	return nil
}

func (f *Fake) KVGet(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.kv[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiry.IsZero() && time.Now().After(e.expiry) {
		delete(f.kv, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (f *Fake) Close() error { return nil }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var _ Broker = (*Fake)(nil)
