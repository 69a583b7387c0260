package broker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/auction/internal/logging"
	"github.com/oriys/auction/internal/messages"
)

const redisChannelPrefix = "auction:"

// Redis is the distributed Broker backend, built on go-redis Pub/Sub. It
// gives the same Broker contract as Memory but lets the Coordinator and
// Agents run as separate processes, or even separate hosts.
type Redis struct {
	cfg    Config
	client *redis.Client

	mu          sync.Mutex
	running     bool
	subscribers map[string][]Handler
	cancelSubs  map[string]context.CancelFunc
	wg          sync.WaitGroup

	ack *ackTracker
}

// NewRedis constructs a Redis-backed broker over an already-connected
// client; Select is the usual way callers obtain one.
func NewRedis(client *redis.Client, cfg Config) *Redis {
	cfg = cfg.withDefaults()
	r := &Redis{
		cfg:         cfg,
		client:      client,
		subscribers: make(map[string][]Handler),
		cancelSubs:  make(map[string]context.CancelFunc),
	}
	r.ack = newAckTracker(cfg, r.rawPublish)
	return r
}

func (r *Redis) Subscribe(channel string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[channel] = append(r.subscribers[channel], h)
	if r.running {
		if _, ok := r.cancelSubs[channel]; !ok {
			r.startSubscriptionLocked(channel)
		}
	}
}

func (r *Redis) Listen(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	channels := make([]string, 0, len(r.subscribers))
	for ch := range r.subscribers {
		channels = append(channels, ch)
	}
	for _, ch := range channels {
		r.startSubscriptionLocked(ch)
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.ack.run(ctx)
	}()
	logging.Op().Info("redis broker listening", "addr", r.cfg.RedisAddr)
	return nil
}

// startSubscriptionLocked opens a Redis Pub/Sub subscription and starts
// its forwarding goroutine. Callers must hold mu.
func (r *Redis) startSubscriptionLocked(channel string) {
	subCtx, cancel := context.WithCancel(context.Background())
	r.cancelSubs[channel] = cancel
	pubsub := r.client.Subscribe(subCtx, redisChannelPrefix+channel)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var env messages.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Op().Error("malformed envelope on redis channel", "channel", channel, "error", err)
					continue
				}
				r.deliver(channel, env)
			}
		}
	}()
}

func (r *Redis) deliver(channel string, env messages.Envelope) {
	if env.MsgType == messages.Acknowledgment {
		r.ack.handleAck(env.AckFor)
		return
	}
	r.mu.Lock()
	handlers := append([]Handler(nil), r.subscribers[channel]...)
	r.mu.Unlock()
	for _, h := range handlers {
		r.safeCall(channel, h, env)
	}
}

func (r *Redis) safeCall(channel string, h Handler, env messages.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Op().Error("subscriber callback panicked", "channel", channel, "panic", rec)
		}
	}()
	h(env)
}

func (r *Redis) Publish(ctx context.Context, channel string, env messages.Envelope, reliable bool) {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return
	}
	if reliable && env.RequiresAck {
		r.ack.register(channel, env)
	}
	r.send(ctx, channel, env)
}

// rawPublish re-transmits env without touching ack bookkeeping.
func (r *Redis) rawPublish(channel string, env messages.Envelope) {
	r.send(context.Background(), channel, env)
}

func (r *Redis) send(ctx context.Context, channel string, env messages.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		logging.Op().Error("failed to marshal envelope", "channel", channel, "error", err)
		return
	}
	if err := r.client.Publish(ctx, redisChannelPrefix+channel, payload).Err(); err != nil {
		logging.Op().Error("redis publish failed", "channel", channel, "error", err)
	}
}

func (r *Redis) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancels := make([]context.CancelFunc, 0, len(r.cancelSubs))
	for _, c := range r.cancelSubs {
		cancels = append(cancels, c)
	}
	r.cancelSubs = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	r.ack.stop()
	for _, c := range cancels {
		c()
	}
	r.wg.Wait()
	logging.Op().Info("redis broker stopped")
}
