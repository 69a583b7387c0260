package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oriys/auction/internal/messages"
)

func testConfig() Config {
	return Config{
		AckTimeout:     30 * time.Millisecond,
		MaxRetries:     2,
		RetransmitTick: 10 * time.Millisecond,
		QueueBuffer:    16,
	}
}

func TestMemory_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(testConfig())
	received := make(chan messages.Envelope, 1)
	b.Subscribe("tasks", func(env messages.Envelope) { received <- env })
	if err := b.Listen(ctx); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer b.Stop()

	task := messages.NewTask("t1", 0, 1.0, "test")
	env := messages.NewTaskBroadcastEnvelope("coordinator", task, false)
	b.Publish(ctx, "tasks", env, false)

	select {
	case got := <-received:
		if got.MsgID != env.MsgID {
			t.Fatalf("expected msg_id %s, got %s", env.MsgID, got.MsgID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemory_FIFOPerChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(testConfig())
	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	count := 0
	b.Subscribe("bids", func(env messages.Envelope) {
		mu.Lock()
		order = append(order, env.MsgID)
		count++
		if count == 5 {
			close(done)
		}
		mu.Unlock()
	})
	if err := b.Listen(ctx); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer b.Stop()

	var ids []string
	for i := 0; i < 5; i++ {
		env := messages.NewBidEnvelope("agent-1", messages.BidPayload{AgentID: "agent-1"})
		ids = append(ids, env.MsgID)
		b.Publish(ctx, "bids", env, false)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for all deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids {
		if order[i] != id {
			t.Fatalf("expected FIFO order, position %d: want %s, got %s", i, id, order[i])
		}
	}
}

func TestMemory_ReliableRetransmitsUntilAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(testConfig())
	var mu sync.Mutex
	deliveries := 0
	var msgID string
	b.Subscribe("allocations", func(env messages.Envelope) {
		mu.Lock()
		deliveries++
		msgID = env.MsgID
		mu.Unlock()
	})
	if err := b.Listen(ctx); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer b.Stop()

	env := messages.NewAllocationEnvelope("coordinator", messages.AllocationPayload{}, true)
	b.Publish(ctx, "allocations", env, true)

	time.Sleep(25 * time.Millisecond)
	mu.Lock()
	firstCount := deliveries
	mu.Unlock()
	if firstCount < 1 {
		t.Fatalf("expected at least one delivery, got %d", firstCount)
	}

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	retriedCount := deliveries
	mu.Unlock()
	if retriedCount <= firstCount {
		t.Fatalf("expected retransmission to increase delivery count beyond %d, got %d", firstCount, retriedCount)
	}

	ack := messages.NewAck("agent-1", msgID)
	b.Publish(ctx, "allocations", ack, false)
	time.Sleep(15 * time.Millisecond)

	mu.Lock()
	afterAck := deliveries
	mu.Unlock()
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	final := deliveries
	mu.Unlock()
	if final != afterAck {
		t.Fatalf("expected no further retransmits after ack, went from %d to %d", afterAck, final)
	}
}

func TestMemory_DropsAfterMaxRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.MaxRetries = 1
	b := NewMemory(cfg)
	var mu sync.Mutex
	deliveries := 0
	b.Subscribe("allocations", func(env messages.Envelope) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	})
	if err := b.Listen(ctx); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer b.Stop()

	env := messages.NewAllocationEnvelope("coordinator", messages.AllocationPayload{}, true)
	b.Publish(ctx, "allocations", env, true)

	// first delivery + 1 retry = 2, then no more regardless of how long we wait.
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	total := deliveries
	mu.Unlock()
	if total != 2 {
		t.Fatalf("expected exactly 2 deliveries (initial + 1 retry), got %d", total)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := deliveries
	mu.Unlock()
	if after != total {
		t.Fatalf("expected delivery count to stay at %d after exhausting retries, got %d", total, after)
	}
}

func TestMemory_PublishBeforeListenIsNoop(t *testing.T) {
	b := NewMemory(testConfig())
	b.Subscribe("tasks", func(messages.Envelope) {
		t.Fatal("handler should not be called before Listen")
	})
	task := messages.NewTask("t1", 0, 1.0, "test")
	b.Publish(context.Background(), "tasks", messages.NewTaskBroadcastEnvelope("coordinator", task, false), false)
	time.Sleep(20 * time.Millisecond)
}

func TestMemory_SubscriberPanicDoesNotBreakDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(testConfig())
	second := make(chan struct{}, 1)
	b.Subscribe("tasks", func(messages.Envelope) { panic("boom") })
	b.Subscribe("tasks", func(messages.Envelope) { second <- struct{}{} })
	if err := b.Listen(ctx); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer b.Stop()

	task := messages.NewTask("t1", 0, 1.0, "test")
	b.Publish(ctx, "tasks", messages.NewTaskBroadcastEnvelope("coordinator", task, false), false)

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second subscriber was not called after first subscriber panicked")
	}
}
