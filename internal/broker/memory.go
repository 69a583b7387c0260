package broker

import (
	"context"
	"sync"

	"github.com/oriys/auction/internal/logging"
	"github.com/oriys/auction/internal/messages"
)

// Memory is the in-process Broker backend: one buffered Go channel plus
// one delivery goroutine per subscribed topic, giving every topic
// independent FIFO fan-out to its subscribers without a global lock
// serializing unrelated channels against each other.
type Memory struct {
	cfg Config

	mu          sync.Mutex
	running     bool
	queues      map[string]chan messages.Envelope
	subscribers map[string][]Handler
	stopCh      chan struct{}
	wg          sync.WaitGroup

	ack *ackTracker
}

// NewMemory constructs an in-process broker. Listen must be called
// before Publish has any effect (spec §4.1).
func NewMemory(cfg Config) *Memory {
	cfg = cfg.withDefaults()
	m := &Memory{
		cfg:         cfg,
		queues:      make(map[string]chan messages.Envelope),
		subscribers: make(map[string][]Handler),
		stopCh:      make(chan struct{}),
	}
	m.ack = newAckTracker(cfg, m.rawPublish)
	return m
}

func (m *Memory) Subscribe(channel string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[channel] = append(m.subscribers[channel], h)
	m.ensureQueueLocked(channel)
}

// ensureQueueLocked creates channel's delivery queue and, if the broker
// is already listening, starts its pump goroutine. Callers must hold mu.
func (m *Memory) ensureQueueLocked(channel string) chan messages.Envelope {
	q, ok := m.queues[channel]
	if ok {
		return q
	}
	q = make(chan messages.Envelope, m.cfg.QueueBuffer)
	m.queues[channel] = q
	if m.running {
		m.wg.Add(1)
		go m.pump(channel, q)
	}
	return q
}

func (m *Memory) Listen(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	queues := make(map[string]chan messages.Envelope, len(m.queues))
	for ch, q := range m.queues {
		queues[ch] = q
	}
	m.mu.Unlock()

	for ch, q := range queues {
		m.wg.Add(1)
		go m.pump(ch, q)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.ack.run(ctx)
	}()
	logging.Op().Info("in-memory broker listening")
	return nil
}

func (m *Memory) pump(channel string, q chan messages.Envelope) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case env, ok := <-q:
			if !ok {
				return
			}
			m.deliver(channel, env)
		}
	}
}

func (m *Memory) deliver(channel string, env messages.Envelope) {
	if env.MsgType == messages.Acknowledgment {
		m.ack.handleAck(env.AckFor)
		return
	}
	m.mu.Lock()
	handlers := append([]Handler(nil), m.subscribers[channel]...)
	m.mu.Unlock()
	for _, h := range handlers {
		m.safeCall(channel, h, env)
	}
}

func (m *Memory) safeCall(channel string, h Handler, env messages.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("subscriber callback panicked", "channel", channel, "panic", r)
		}
	}()
	h(env)
}

func (m *Memory) Publish(_ context.Context, channel string, env messages.Envelope, reliable bool) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	q := m.ensureQueueLocked(channel)
	m.mu.Unlock()

	if reliable && env.RequiresAck {
		m.ack.register(channel, env)
	}
	m.enqueue(q, channel, env)
}

// rawPublish re-delivers env without touching ack bookkeeping; only the
// ackTracker calls this, on retransmission.
func (m *Memory) rawPublish(channel string, env messages.Envelope) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	q := m.ensureQueueLocked(channel)
	m.mu.Unlock()
	m.enqueue(q, channel, env)
}

func (m *Memory) enqueue(q chan messages.Envelope, channel string, env messages.Envelope) {
	select {
	case q <- env:
	default:
		logging.Op().Error("channel queue full, dropping message", "channel", channel, "msg_id", env.MsgID)
	}
}

func (m *Memory) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.ack.stop()
	close(m.stopCh)
	m.wg.Wait()
	logging.Op().Info("in-memory broker stopped")
}
