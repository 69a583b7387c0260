package broker

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/auction/internal/logging"
	"github.com/oriys/auction/internal/messages"
)

// resendFunc re-transmits env on channel using the owning backend's raw
// transport, bypassing ack registration (the tracker already owns the
// pending entry being retried).
type resendFunc func(channel string, env messages.Envelope)

type pendingAck struct {
	channel string
	env     messages.Envelope
	sentAt  time.Time
	retries int
}

// ackTracker is the reliable-delivery bookkeeping shared by every Broker
// backend (spec §4.1): a pending-ack table scanned on a ticker, with
// bounded retransmission and idempotent acknowledgment.
type ackTracker struct {
	mu         sync.Mutex
	pending    map[string]*pendingAck
	ackTimeout time.Duration
	maxRetries int
	tick       time.Duration
	resend     resendFunc
	onDrop     func(channel string, env messages.Envelope)

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newAckTracker(cfg Config, resend resendFunc) *ackTracker {
	return &ackTracker{
		pending:    make(map[string]*pendingAck),
		ackTimeout: cfg.AckTimeout,
		maxRetries: cfg.MaxRetries,
		tick:       cfg.RetransmitTick,
		resend:     resend,
		stopCh:     make(chan struct{}),
	}
}

// register starts tracking env for acknowledgment. Calling register
// twice for the same MsgID resets its retry clock, which only happens if
// a caller republishes the same message deliberately.
func (a *ackTracker) register(channel string, env messages.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[env.MsgID] = &pendingAck{channel: channel, env: env, sentAt: time.Now()}
}

// handleAck clears a pending entry. An unknown ackFor (already acked,
// already dropped, or never tracked) is silently ignored — ACK handling
// is idempotent by design.
func (a *ackTracker) handleAck(ackFor string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, ackFor)
}

// run scans the pending table every tick until ctx is cancelled or stop
// is called.
func (a *ackTracker) run(ctx context.Context) {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *ackTracker) sweep() {
	now := time.Now()
	var resend []*pendingAck
	var dropped []*pendingAck

	a.mu.Lock()
	for id, p := range a.pending {
		if now.Sub(p.sentAt) < a.ackTimeout {
			continue
		}
		if p.retries >= a.maxRetries {
			dropped = append(dropped, p)
			delete(a.pending, id)
			continue
		}
		p.retries++
		p.sentAt = now
		resend = append(resend, p)
	}
	a.mu.Unlock()

	for _, p := range resend {
		logging.Op().Warn("retransmitting unacknowledged message",
			"channel", p.channel, "msg_id", p.env.MsgID, "attempt", p.retries)
		a.resend(p.channel, p.env)
	}
	for _, p := range dropped {
		logging.Op().Error("dropping message after exhausting retries",
			"channel", p.channel, "msg_id", p.env.MsgID, "max_retries", a.maxRetries)
		if a.onDrop != nil {
			a.onDrop(p.channel, p.env)
		}
	}
}

func (a *ackTracker) stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}
