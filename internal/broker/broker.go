// Package broker implements the reliable publish/subscribe transport
// between the Coordinator and its Agents. Two backends satisfy the same
// Broker interface: Memory (in-process, channel-per-topic) and Redis
// (distributed, Pub/Sub-backed). Select auto-detects which one to use.
package broker

import (
	"context"
	"time"

	"github.com/oriys/auction/internal/messages"
)

// Handler processes one delivered Envelope. It must not block for long —
// the broker invokes handlers synchronously, in publication order, on the
// channel's delivery goroutine. A handler that panics is recovered and
// logged; it never breaks delivery to other subscribers or channels.
type Handler func(messages.Envelope)

// Broker is the transport abstraction Coordinator and Agent code depend
// on. Both backends share identical reliable-delivery semantics: a
// message published with reliable=true is retransmitted on a ticker
// until acknowledged or its retry budget is exhausted.
type Broker interface {
	// Publish sends env on channel. If reliable is true and
	// env.RequiresAck is true, the broker tracks env for acknowledgment
	// and retransmits it (same MsgID) until a matching Acknowledgment
	// arrives or MaxRetries is exceeded. Publish never blocks on
	// subscriber work; transport errors are logged, not returned.
	Publish(ctx context.Context, channel string, env messages.Envelope, reliable bool)

	// Subscribe registers h to receive every Envelope published on
	// channel from the moment Listen starts (or immediately, if Listen
	// has already been called).
	Subscribe(channel string, h Handler)

	// Listen starts delivering messages to subscribers and starts the
	// retransmission ticker. It returns once background goroutines are
	// running; it does not block for the lifetime of the broker.
	Listen(ctx context.Context) error

	// Stop halts delivery and the retransmission ticker and waits for
	// in-flight handler calls to finish.
	Stop()
}

// Config bounds the reliable-delivery protocol shared by both backends
// (spec §4.1). Zero values are replaced by DefaultConfig's values.
type Config struct {
	// AckTimeout is how long Publish waits for an Acknowledgment before
	// retransmitting.
	AckTimeout time.Duration
	// MaxRetries is the number of retransmissions attempted before a
	// message is dropped and logged.
	MaxRetries int
	// RetransmitTick is how often the pending-ack table is scanned for
	// timed-out entries.
	RetransmitTick time.Duration
	// QueueBuffer bounds the per-channel delivery queue (Memory backend
	// only); a full queue drops the newest message and logs it.
	QueueBuffer int

	// Backend forces Select's decision when set to "memory" or "redis".
	// Any other value, including "auto" or "", falls through to the
	// RedisAddr probe below.
	Backend string

	// RedisAddr, when non-empty, is probed by Select to decide whether
	// to construct a Redis-backed broker.
	RedisAddr string
	// RedisProbeTimeout bounds the PING used by Select.
	RedisProbeTimeout time.Duration
}

// DefaultConfig returns the production defaults named in spec.md §4.1/§6.1.
func DefaultConfig() Config {
	return Config{
		AckTimeout:        5 * time.Second,
		MaxRetries:        3,
		RetransmitTick:    1 * time.Second,
		QueueBuffer:       1024,
		RedisProbeTimeout: 1 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetransmitTick <= 0 {
		c.RetransmitTick = d.RetransmitTick
	}
	if c.QueueBuffer <= 0 {
		c.QueueBuffer = d.QueueBuffer
	}
	if c.RedisProbeTimeout <= 0 {
		c.RedisProbeTimeout = d.RedisProbeTimeout
	}
	return c
}
