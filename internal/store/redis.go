package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const scanCount = 200

// Redis stores values under keyPrefix+key and publishes every change on
// keyPrefix+"ev:"+key so watches can PSUBSCRIBE to a key prefix.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// change is the wire form of an Event on the pub/sub channel.
type change struct {
	Op    string `json:"op"`
	Value []byte `json:"value,omitempty"`
}

// NewRedis wraps client. Entries expire after ttl unless rewritten; a zero
// ttl keeps them forever.
func NewRedis(client *redis.Client, keyPrefix string, ttl time.Duration) *Redis {
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		done:      make(chan struct{}),
	}
}

func (r *Redis) dataKey(key string) string    { return r.keyPrefix + key }
func (r *Redis) channelKey(key string) string { return r.keyPrefix + "ev:" + key }

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	if !validKey(key) {
		return ErrBadKey
	}
	msg, err := json.Marshal(change{Op: "put", Value: value})
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.dataKey(key), value, r.ttl)
		pipe.Publish(ctx, r.channelKey(key), msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, r.dataKey(key)).Result()
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	if n == 0 {
		return nil
	}
	msg, _ := json.Marshal(change{Op: "delete"})
	if err := r.client.Publish(ctx, r.channelKey(key), msg).Err(); err != nil {
		return fmt.Errorf("store: publish delete %s: %w", key, err)
	}
	return nil
}

func (r *Redis) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := r.scan(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := r.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) List(ctx context.Context, prefix string) ([]Entry, error) {
	keys, err := r.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = r.dataKey(key)
	}
	values, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", prefix, err)
	}

	entries := make([]Entry, 0, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// expired or deleted between SCAN and MGET
			continue
		}
		entries = append(entries, Entry{Key: keys[i], Value: []byte(s)})
	}
	return entries, nil
}

func (r *Redis) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	select {
	case <-r.done:
		return nil, ErrClosed
	default:
	}

	pattern := escapeGlob(r.channelKey(prefix)) + "*"
	sub := r.client.PSubscribe(ctx, pattern)

	// Subscribe before taking the snapshot so no change falls between them.
	// A change racing the snapshot may be seen twice, which last-write-wins
	// consumers tolerate.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("store: watch %s: %w", prefix, err)
	}

	snapshot, err := r.List(ctx, prefix)
	if err != nil {
		sub.Close()
		return nil, err
	}

	q := newEventQueue()
	for _, e := range snapshot {
		q.push(Event{Op: OpPut, Key: e.Key, Value: e.Value})
	}

	go q.run(ctx, r.done)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		chanPrefix := r.channelKey("")
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var c change
				if err := json.Unmarshal([]byte(m.Payload), &c); err != nil {
					log.Warn().Err(err).Str("channel", m.Channel).Msg("store: dropping malformed change")
					continue
				}
				ev := Event{Key: strings.TrimPrefix(m.Channel, chanPrefix)}
				switch c.Op {
				case "put":
					ev.Op, ev.Value = OpPut, c.Value
				case "delete":
					ev.Op = OpDelete
				default:
					continue
				}
				q.push(ev)
			}
		}
	}()

	return q.out, nil
}

// Close stops every watch. The underlying client is owned by the caller.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

func (r *Redis) scan(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(r.dataKey(prefix)) + "*"
	evPrefix := r.channelKey("")

	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		if strings.HasPrefix(full, evPrefix) {
			continue
		}
		keys = append(keys, strings.TrimPrefix(full, r.keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
