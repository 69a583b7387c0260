package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oriys/auction/internal/broker"
	"github.com/oriys/auction/internal/config"
	"github.com/oriys/auction/internal/messages"
	"github.com/oriys/auction/internal/metrics"
)

func testBroker(t *testing.T) (broker.Broker, context.Context, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := broker.NewMemory(broker.Config{
		AckTimeout: time.Second, MaxRetries: 3, RetransmitTick: 50 * time.Millisecond, QueueBuffer: 64,
	})
	if err := b.Listen(ctx); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return b, ctx, func() { cancel(); b.Stop() }
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxLoad:           5,
		HeartbeatInterval: 20 * time.Millisecond,
		StreamInterval:    20 * time.Millisecond,
		TaskSliceInterval: 10 * time.Millisecond,
		AutoRecoverDelay:  50 * time.Millisecond,
	}
}

func TestAgent_BidsWhenUnderCapacity(t *testing.T) {
	b, ctx, cleanup := testBroker(t)
	defer cleanup()

	bids := make(chan messages.BidPayload, 1)
	b.Subscribe("bids", func(env messages.Envelope) {
		bid, err := env.DecodeBid()
		if err != nil {
			t.Fatalf("DecodeBid: %v", err)
		}
		bids <- bid
	})

	a := New("agent-1", b, testAgentConfig(), nil)
	a.Start(ctx)

	task := messages.NewTask("t1", 0, 0.05, "test")
	b.Publish(ctx, "tasks", messages.NewTaskBroadcastEnvelope("coordinator", task, false), false)

	select {
	case bid := <-bids:
		if bid.AgentID != "agent-1" || bid.TaskID != "t1" {
			t.Fatalf("unexpected bid: %+v", bid)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bid")
	}
}

func TestAgent_DuplicateBroadcastIsIgnored(t *testing.T) {
	b, ctx, cleanup := testBroker(t)
	defer cleanup()

	var mu sync.Mutex
	count := 0
	b.Subscribe("bids", func(messages.Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	a := New("agent-1", b, testAgentConfig(), nil)
	a.Start(ctx)

	task := messages.NewTask("t1", 0, 0.05, "test")
	env := messages.NewTaskBroadcastEnvelope("coordinator", task, false)
	b.Publish(ctx, "tasks", env, false)
	b.Publish(ctx, "tasks", env, false) // same msg_id, redelivered

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly 1 bid from duplicate broadcast, got %d", count)
	}
}

func TestAgent_ExecutesAllocatedTaskToCompletion(t *testing.T) {
	b, ctx, cleanup := testBroker(t)
	defer cleanup()

	completed := make(chan struct{}, 1)
	b.Subscribe("agent_events", func(env messages.Envelope) {
		ev, err := env.DecodeAgentEvent()
		if err != nil {
			t.Fatalf("DecodeAgentEvent: %v", err)
		}
		if ev.EventType == messages.EventTaskCompleted {
			completed <- struct{}{}
		}
	})

	a := New("agent-1", b, testAgentConfig(), nil)
	a.Start(ctx)

	task := messages.NewTask("t1", 0, 0.03, "test")
	alloc := messages.AllocationPayload{Task: task, AgentID: "agent-1"}
	b.Publish(ctx, "allocations", messages.NewAllocationEnvelope("coordinator", alloc, false), false)

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task_completed event")
	}

	status := a.Status()
	if status.CompletedTasks != 1 {
		t.Fatalf("expected 1 completed task, got %d", status.CompletedTasks)
	}
	if status.CurrentLoad != 0 {
		t.Fatalf("expected load to return to 0, got %d", status.CurrentLoad)
	}
}

func TestAgent_CrashCancelsRunningTask(t *testing.T) {
	b, ctx, cleanup := testBroker(t)
	defer cleanup()

	cancelled := make(chan struct{}, 1)
	b.Subscribe("agent_events", func(env messages.Envelope) {
		ev, err := env.DecodeAgentEvent()
		if err != nil {
			t.Fatalf("DecodeAgentEvent: %v", err)
		}
		if ev.EventType == messages.EventTaskCancelled {
			cancelled <- struct{}{}
		}
	})

	cfg := testAgentConfig()
	a := New("agent-1", b, cfg, nil)
	a.Start(ctx)

	task := messages.NewTask("t1", 0, 2.0, "test") // long enough to crash mid-execution
	alloc := messages.AllocationPayload{Task: task, AgentID: "agent-1"}
	b.Publish(ctx, "allocations", messages.NewAllocationEnvelope("coordinator", alloc, false), false)

	time.Sleep(30 * time.Millisecond)
	zero := time.Duration(0)
	a.Crash(&zero) // disable auto-recovery so we can assert the crashed state is durable

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task_cancelled event")
	}

	status := a.Status()
	if !status.IsCrashed {
		t.Fatal("expected agent to be crashed")
	}
	if status.CurrentLoad != 0 {
		t.Fatalf("expected load decremented after cancellation, got %d", status.CurrentLoad)
	}
}

// TestAgent_ExecuteTaskPanicEmitsTaskFailed is the panic-path analogue
// of TestAgent_CrashCancelsRunningTask: instead of a crash mid-slice, it
// forces a genuine panic inside executeTask (a nil runningTasks map, as
// if the agent's bookkeeping were corrupted) and asserts the recover in
// executeTask survives it, reverts load/bookkeeping, and reports
// task_failed instead of task_completed.
func TestAgent_ExecuteTaskPanicEmitsTaskFailed(t *testing.T) {
	b, ctx, cleanup := testBroker(t)
	defer cleanup()

	failed := make(chan messages.AgentEventPayload, 1)
	b.Subscribe("agent_events", func(env messages.Envelope) {
		ev, err := env.DecodeAgentEvent()
		if err != nil {
			t.Fatalf("DecodeAgentEvent: %v", err)
		}
		if ev.EventType == messages.EventTaskFailed {
			failed <- ev
		}
	})

	m := metrics.New("test_agent_panic")
	a := New("agent-1", b, testAgentConfig(), m)
	a.Start(ctx)

	task := messages.NewTask("t1", 0, 0.05, "test")
	a.mu.Lock()
	a.allocatedTaskIDs[task.TaskID] = struct{}{}
	a.currentLoad++
	a.runningTasks = nil // corrupt state: forces a real nil-map-assignment panic in executeTask
	a.mu.Unlock()

	go a.executeTask(task)

	select {
	case ev := <-failed:
		if ev.Data["task_id"] != task.TaskID {
			t.Fatalf("unexpected task_id in task_failed event: %+v", ev.Data)
		}
		if ev.Data["error"] == nil || ev.Data["error"] == "" {
			t.Fatalf("expected a non-empty error field in task_failed event, got %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task_failed event")
	}

	status := a.Status()
	if status.CurrentLoad != 0 {
		t.Fatalf("expected load decremented after panic recovery, got %d", status.CurrentLoad)
	}
	if _, stillAllocated := a.allocatedTaskIDs[task.TaskID]; stillAllocated {
		t.Fatal("expected task to be removed from allocatedTaskIDs after panic recovery")
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var failedTotal float64
	for _, f := range families {
		if f.GetName() == "test_agent_panic_tasks_failed_total" {
			failedTotal = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if failedTotal != 1 {
		t.Fatalf("expected test_agent_panic_tasks_failed_total=1, got %v", failedTotal)
	}
}

func TestAgent_RecoverClearsBidHistory(t *testing.T) {
	b, ctx, cleanup := testBroker(t)
	defer cleanup()

	a := New("agent-1", b, testAgentConfig(), nil)
	a.Start(ctx)

	a.mu.Lock()
	a.bidTaskIDs["t1"] = struct{}{}
	a.mu.Unlock()

	one := time.Second
	a.Crash(&one)
	if a.Status().IsCrashed != true {
		t.Fatal("expected crashed state")
	}

	if !a.Recover() {
		t.Fatal("expected Recover to return true for a crashed agent")
	}
	a.mu.Lock()
	remainingBids := len(a.bidTaskIDs)
	a.mu.Unlock()
	if remainingBids != 0 {
		t.Fatalf("expected Recover to clear bid history, %d task IDs remain", remainingBids)
	}
	if a.Status().IsCrashed {
		t.Fatal("expected agent to no longer be crashed")
	}
	if a.Recover() {
		t.Fatal("expected second Recover on an already-recovered agent to return false")
	}
}

func TestAgent_RejectsAllocationWhileCrashed(t *testing.T) {
	b, ctx, cleanup := testBroker(t)
	defer cleanup()

	a := New("agent-1", b, testAgentConfig(), nil)
	a.Start(ctx)

	one := time.Hour
	a.Crash(&one)

	task := messages.NewTask("t1", 0, 0.05, "test")
	alloc := messages.AllocationPayload{Task: task, AgentID: "agent-1"}
	b.Publish(ctx, "allocations", messages.NewAllocationEnvelope("coordinator", alloc, false), false)

	time.Sleep(50 * time.Millisecond)
	status := a.Status()
	if status.CurrentLoad != 0 {
		t.Fatalf("expected allocation to be reverted while crashed, load=%d", status.CurrentLoad)
	}
}
