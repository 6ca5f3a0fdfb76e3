package broker

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/orderflow/internal/errs"
)

// RedisBroker implements Broker over go-redis/v9, wrapping every call class
// in its own circuit breaker, grounded on infra/breakers/breakers.go's
// ReadyToTrip policy (trip on 3 consecutive failures or >5% failure ratio
// over at least 20 requests).
type RedisBroker struct {
	client *redis.Client
	log    zerolog.Logger

	streams *gobreaker.CircuitBreaker
	pubsub  *gobreaker.CircuitBreaker
	kv      *gobreaker.CircuitBreaker
}

// NewRedisBroker connects to addrURL, a redis://, rediss:// or unix:// URL
// as parsed by redis.ParseURL; a bare host:port is rejected with a
// ConfigurationError.
func NewRedisBroker(addrURL string, log zerolog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(addrURL)
	if err != nil {
		return nil, errs.Configuration("BROKER_URL", err)
	}
	client := redis.NewClient(opts)

	return &RedisBroker{
		client:  client,
		log:     log.With().Str("component", "broker").Logger(),
		streams: newBreaker("broker-streams"),
		pubsub:  newBreaker("broker-pubsub"),
		kv:      newBreaker("broker-kv"),
	}, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}
	return gobreaker.NewCircuitBreaker(st)
}

func (b *RedisBroker) StreamAppend(ctx context.Context, stream string, fields map[string]interface{}, maxlenApprox int64) (string, error) {
	v, err := b.streams.Execute(func() (interface{}, error) {
		return b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: maxlenApprox,
			Approx: true,
			Values: fields,
		}).Result()
	})
	if err != nil {
		return "", errs.Transport("stream_append:"+stream, err)
	}
	return v.(string), nil
}

func (b *RedisBroker) StreamRange(ctx context.Context, stream, fromID, toID string, limit int64) ([]Message, error) {
	if fromID == "" {
		fromID = "-"
	}
	if toID == "" {
		toID = "+"
	}
	v, err := b.streams.Execute(func() (interface{}, error) {
		return b.client.XRangeN(ctx, stream, fromID, toID, limit).Result()
	})
	if err != nil {
		return nil, errs.Transport("stream_range:"+stream, err)
	}
	xs := v.([]redis.XMessage)
	out := make([]Message, 0, len(xs))
	for _, x := range xs {
		out = append(out, Message{ID: x.ID, Fields: x.Values})
	}
	return out, nil
}

func (b *RedisBroker) StreamReadGroup(ctx context.Context, group, consumer string, streams []string, block time.Duration, count int64) (map[string][]Message, error) {
	args := make([]string, 0, len(streams)*2)
	for _, s := range streams {
		args = append(args, s)
	}
	for range streams {
		args = append(args, ">")
	}

	v, err := b.streams.Execute(func() (interface{}, error) {
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  args,
			Count:    count,
			Block:    block,
		}).Result()
		if err != nil && isNoGroupErr(err) {
			if cerr := b.ensureGroups(ctx, group, streams); cerr != nil {
				return nil, cerr
			}
			res, err = b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  args,
				Count:    count,
				Block:    block,
			}).Result()
		}
		if err == redis.Nil {
			// A blocking read timing out with nothing new is a normal
			// suspension point (spec.md §5), not a broker failure — don't
			// let it count against the streams breaker.
			return []redis.XStream{}, nil
		}
		return res, err
	})
	if err != nil {
		return nil, errs.Transport("stream_read_group:"+group, err)
	}

	out := make(map[string][]Message)
	for _, s := range v.([]redis.XStream) {
		msgs := make([]Message, 0, len(s.Messages))
		for _, m := range s.Messages {
			msgs = append(msgs, Message{ID: m.ID, Fields: m.Values})
		}
		out[s.Stream] = msgs
	}
	return out, nil
}

func (b *RedisBroker) ensureGroups(ctx context.Context, group string, streams []string) error {
	for _, s := range streams {
		if err := b.client.XGroupCreateMkStream(ctx, s, group, "0").Err(); err != nil && !isBusyGroupErr(err) {
			return err
		}
	}
	return nil
}

func (b *RedisBroker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	_, err := b.streams.Execute(func() (interface{}, error) {
		return b.client.XAck(ctx, stream, group, ids...).Result()
	})
	if err != nil {
		return errs.Transport("ack:"+stream, err)
	}
	return nil
}

func (b *RedisBroker) PublishPubSub(ctx context.Context, channel string, payload []byte) error {
	_, err := b.pubsub.Execute(func() (interface{}, error) {
		return b.client.Publish(ctx, channel, payload).Result()
	})
	if err != nil {
		return errs.Transport("pubsub_publish:"+channel, err)
	}
	return nil
}

func (b *RedisBroker) SubscribePubSub(ctx context.Context, channels ...string) (<-chan PubSubMessage, func() error, error) {
	sub := b.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, errs.Transport("pubsub_subscribe", err)
	}

	out := make(chan PubSubMessage, 256)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- PubSubMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, sub.Close, nil
}

func (b *RedisBroker) KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.kv.Execute(func() (interface{}, error) {
		return nil, b.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return errs.Transport("kv_set:"+key, err)
	}
	return nil
}

func (b *RedisBroker) KVGet(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.kv.Execute(func() (interface{}, error) {
		raw, err := b.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			// A cache miss is an expected outcome, not a broker failure —
			// don't let it count against the kv breaker.
			return nil, nil
		}
		return raw, err
	})
	if err != nil {
		return nil, false, errs.Transport("kv_get:"+key, err)
	}
	if v == nil {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (b *RedisBroker) Close() error { return b.client.Close() }

func isNoGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOGROUP "
}

func isBusyGroupErr(err error) bool {
	return err != nil && containsBusyGroup(err.Error())
}

func containsBusyGroup(s string) bool {
	const needle = "BUSYGROUP"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
