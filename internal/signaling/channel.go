// Package signaling carries call signaling over the realtime store. Every
// path is a mailbox slot: the sender writes it, the receiver reads it once
// and deletes it. A slot that vanished before it was read is not an error.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/store"
	"github.com/rs/zerolog/log"
)

// Delivery is one message observed in a mailbox.
type Delivery struct {
	Path    string
	Message models.Message
}

// Handler receives deliveries. It runs on the subscription goroutine and
// should hand work off rather than block.
type Handler func(Delivery)

type Channel struct {
	store store.Store
}

func New(s store.Store) *Channel {
	return &Channel{store: s}
}

// Store exposes the underlying store for non-message documents such as room
// presence flags.
func (c *Channel) Store() store.Store { return c.store }

// Send writes msg under the path chosen by layout and returns that path.
// A previous unread message in the same slot is overwritten.
func (c *Channel) Send(ctx context.Context, layout Layout, msg models.Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	data, err := msg.Encode()
	if err != nil {
		return "", err
	}
	path := layout.Path(msg)
	if err := c.store.Put(ctx, path, data); err != nil {
		return "", fmt.Errorf("send %s to %s: %w", msg.Kind, msg.Receiver, err)
	}
	return path, nil
}

// Subscribe delivers every message under prefix addressed to self: those
// already present and every later write. Deletions, foreign messages and
// messages that fail validation are skipped; undecodable entries addressed
// nowhere are left alone. The subscription ends when ctx is done.
func (c *Channel) Subscribe(ctx context.Context, prefix, self string, handler Handler) error {
	events, err := c.store.Watch(ctx, prefix)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", prefix, err)
	}

	go func() {
		for ev := range events {
			if ev.Op != store.OpPut {
				continue
			}
			msg, err := models.Decode(ev.Value)
			if err != nil {
				if errors.Is(err, models.ErrEmptyCandidate) {
					// end-of-candidates marker some clients write; drop it
					_ = c.store.Delete(ctx, ev.Key)
					continue
				}
				log.Debug().Err(err).Str("path", ev.Key).Msg("signaling: ignoring entry")
				continue
			}
			if msg.Receiver != self {
				continue
			}
			handler(Delivery{Path: ev.Key, Message: msg})
		}
	}()
	return nil
}

// Read returns the message at path. ok is false when the slot is empty,
// including when a concurrent reader already acknowledged it.
func (c *Channel) Read(ctx context.Context, path string) (msg models.Message, ok bool, err error) {
	data, err := c.store.Get(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, err
	}
	msg, err = models.Decode(data)
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, true, nil
}

// Acknowledge deletes a processed message.
func (c *Channel) Acknowledge(ctx context.Context, path string) error {
	return c.store.Delete(ctx, path)
}

// Consume deletes the slot of d if it still holds d's message and reports
// whether it did. ok is false when the slot is already empty or holds a
// newer message; the newer message arrives as a delivery of its own.
func (c *Channel) Consume(ctx context.Context, d Delivery) (ok bool, err error) {
	msg, ok, err := c.Read(ctx, d.Path)
	if err != nil || !ok {
		return false, err
	}
	m := d.Message
	if msg.Kind != m.Kind || msg.Sender != m.Sender || msg.CallID != m.CallID || msg.Timestamp != m.Timestamp {
		return false, nil
	}
	return true, c.Acknowledge(ctx, d.Path)
}

// Purge deletes every message under prefix for which match returns true.
func (c *Channel) Purge(ctx context.Context, prefix string, match func(models.Message) bool) error {
	entries, err := c.store.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		msg, err := models.Decode(e.Value)
		if err != nil {
			continue
		}
		if match != nil && !match(msg) {
			continue
		}
		if err := c.store.Delete(ctx, e.Key); err != nil {
			return err
		}
	}
	return nil
}

// Between matches messages exchanged between a and b in either direction.
func Between(a, b string) func(models.Message) bool {
	return func(m models.Message) bool {
		return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
	}
}

// Involving matches messages sent by or addressed to user.
func Involving(user string) func(models.Message) bool {
	return func(m models.Message) bool { return m.Sender == user || m.Receiver == user }
}

// Of matches messages belonging to the call callID.
func Of(callID string) func(models.Message) bool {
	return func(m models.Message) bool { return m.CallID == callID }
}

// All matches messages every matcher matches.
func All(match ...func(models.Message) bool) func(models.Message) bool {
	return func(m models.Message) bool {
		for _, fn := range match {
			if !fn(m) {
				return false
			}
		}
		return true
	}
}

// From matches messages sent by sender.
func From(sender string) func(models.Message) bool {
	return func(m models.Message) bool { return m.Sender == sender }
}
