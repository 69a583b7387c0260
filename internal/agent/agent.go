// Package agent implements the bidder/executor side of the auction:
// an Agent subscribes to task broadcasts and allocation decisions,
// bids according to its current load, executes allocated tasks in
// small time slices so a simulated crash can cancel them promptly, and
// streams heartbeats and telemetry for the Coordinator's failure
// detector and dashboards.
//
// # Concurrency model
//
// Agent is driven entirely by Broker callbacks (handleTaskBroadcast,
// handleTaskAllocation, handleHeartbeatRequest) plus two background
// loops (heartbeat, telemetry stream) started by Start. A single mutex
// protects all mutable fields; executeTask holds it only for the brief
// bookkeeping sections described in the original source, never across
// its sleep-based execution slices, so a crash can always acquire the
// lock to flip is_crashed and cancel running work.
package agent

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oriys/auction/internal/broker"
	"github.com/oriys/auction/internal/config"
	"github.com/oriys/auction/internal/logging"
	"github.com/oriys/auction/internal/messages"
	"github.com/oriys/auction/internal/metrics"
	"github.com/oriys/auction/internal/observability"
)

// maxProcessedMessageIDs bounds the agent's message-dedup set (spec
// requires processed_message_ids be bounded; unlike the Coordinator's
// processed_events there is no natural composite key to evict by
// content, so the set is simply cleared once it grows past this size).
const maxProcessedMessageIDs = 1000

type runningTask struct {
	startTime time.Time
	cancel    chan struct{}
}

// Status is a point-in-time snapshot of an Agent, safe to serialize.
type Status struct {
	AgentID        string    `json:"agent_id"`
	CurrentLoad    int       `json:"current_load"`
	MaxLoad        int       `json:"max_load"`
	AssignedTasks  int       `json:"assigned_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	IsAlive        bool      `json:"is_alive"`
	IsCrashed      bool      `json:"is_crashed"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	RunningTasks   []string  `json:"running_tasks"`
}

// Agent bids for and executes tasks published by a Coordinator.
type Agent struct {
	agentID string
	broker  broker.Broker
	metrics *metrics.Metrics
	cfg     config.AgentConfig

	mu                 sync.Mutex
	currentLoad        int
	maxLoad            int
	assignedTasks      []messages.Task
	completedTasks     []messages.Task
	runningTasks       map[string]*runningTask
	allocatedTaskIDs   map[string]struct{}
	bidTaskIDs         map[string]struct{}
	processedMsgIDs    map[string]struct{}
	isAlive            bool
	isCrashed          bool
	autoRecoverEnabled bool
	autoRecoverDelay   time.Duration
	crashTime          time.Time
	lastHeartbeat      time.Time
	totalCPUTime       time.Duration

	wg sync.WaitGroup
}

// New constructs an Agent. Call Start to subscribe it to the broker and
// launch its background loops.
func New(agentID string, br broker.Broker, cfg config.AgentConfig, m *metrics.Metrics) *Agent {
	return &Agent{
		agentID:            agentID,
		broker:             br,
		metrics:            m,
		cfg:                cfg,
		maxLoad:            cfg.MaxLoad,
		runningTasks:       make(map[string]*runningTask),
		allocatedTaskIDs:   make(map[string]struct{}),
		bidTaskIDs:         make(map[string]struct{}),
		processedMsgIDs:    make(map[string]struct{}),
		isAlive:            true,
		autoRecoverEnabled: true,
		autoRecoverDelay:   cfg.AutoRecoverDelay,
		lastHeartbeat:      time.Now(),
	}
}

// Start subscribes the agent to its channels and launches the
// heartbeat and telemetry loops, both bound to ctx.
func (a *Agent) Start(ctx context.Context) {
	a.broker.Subscribe("tasks", a.handleTaskBroadcast)
	a.broker.Subscribe("allocations", a.handleTaskAllocation)
	a.broker.Subscribe("heartbeat_request", a.handleHeartbeatRequest)

	a.wg.Add(2)
	go a.heartbeatLoop(ctx)
	go a.streamLoop(ctx)

	logging.Op().Info("agent started", "agent_id", a.agentID)
	a.emitEvent(messages.EventAgentStarted, nil)
}

// Wait blocks until the agent's background loops have exited (after
// ctx passed to Start is cancelled).
func (a *Agent) Wait() {
	a.wg.Wait()
}

func (a *Agent) emitEvent(eventType messages.EventType, data map[string]any) {
	env := messages.NewAgentEventEnvelope(a.agentID, eventType, data)
	a.broker.Publish(context.Background(), "agent_events", env, false)
}

func (a *Agent) sendAck(msgID string) {
	a.broker.Publish(context.Background(), "acks", messages.NewAck(a.agentID, msgID), false)
}

// handleTaskBroadcast mirrors the original's four-step ordering
// exactly: dedup by msg_id, crash check (still ack), duplicate-task
// check (still ack), then unconditional ack followed by a conditional
// bid.
func (a *Agent) handleTaskBroadcast(env messages.Envelope) {
	if env.MsgType != messages.TaskBroadcast {
		return
	}

	a.mu.Lock()
	if env.MsgID != "" {
		if _, seen := a.processedMsgIDs[env.MsgID]; seen {
			a.mu.Unlock()
			return
		}
		a.rememberMessageLocked(env.MsgID)
	}
	a.mu.Unlock()

	if a.isCrashedSnapshot() {
		logging.Op().Debug("agent crashed, ignoring task broadcast", "agent_id", a.agentID)
		if env.RequiresAck {
			a.sendAck(env.MsgID)
		}
		return
	}

	task, err := env.DecodeTaskBroadcast()
	if err != nil {
		logging.Op().Warn("failed to decode task broadcast", "error", err)
		return
	}

	a.mu.Lock()
	_, bid := a.bidTaskIDs[task.TaskID]
	_, allocated := a.allocatedTaskIDs[task.TaskID]
	if bid || allocated {
		a.mu.Unlock()
		if env.RequiresAck {
			a.sendAck(env.MsgID)
		}
		return
	}
	a.bidTaskIDs[task.TaskID] = struct{}{}
	load := a.currentLoad
	max := a.maxLoad
	a.mu.Unlock()

	logging.Op().Info("agent received task", "agent_id", a.agentID, "task_id", task.TaskID)

	if env.RequiresAck {
		a.sendAck(env.MsgID)
	}

	if load < max {
		a.sendBid(task)
	} else {
		logging.Op().Debug("agent too busy to bid", "agent_id", a.agentID, "task_id", task.TaskID)
	}
}

func (a *Agent) sendBid(task messages.Task) {
	a.mu.Lock()
	load := a.currentLoad
	a.mu.Unlock()

	bidValue := float64(load)*10 + rand.Float64()*5
	bid := messages.BidPayload{
		AgentID:                 a.agentID,
		TaskID:                  task.TaskID,
		BidValue:                bidValue,
		CurrentLoad:             load,
		EstimatedCompletionTime: task.EstimatedTime,
	}
	a.broker.Publish(context.Background(), "bids", messages.NewBidEnvelope(a.agentID, bid), false)
	logging.Op().Info("agent bid", "agent_id", a.agentID, "task_id", task.TaskID, "bid_value", bidValue)
}

// handleTaskAllocation mirrors the original's optimistic-add-then-
// revert-on-crash ordering: under the lock it dedups, then
// provisionally commits the allocation (load++, bookkeeping added)
// before checking is_crashed outside the lock; if crashed, it reverts
// under a fresh lock acquisition rather than holding the lock across
// the crash check.
func (a *Agent) handleTaskAllocation(env messages.Envelope) {
	if env.MsgType != messages.TaskAllocation {
		return
	}

	payload, err := env.DecodeAllocation()
	if err != nil {
		logging.Op().Warn("failed to decode allocation", "error", err)
		return
	}
	if payload.AgentID != a.agentID {
		return
	}

	a.mu.Lock()
	if env.MsgID != "" {
		if _, seen := a.processedMsgIDs[env.MsgID]; seen {
			a.mu.Unlock()
			return
		}
	}
	task := payload.Task
	if _, already := a.allocatedTaskIDs[task.TaskID]; already {
		a.mu.Unlock()
		logging.Op().Warn("agent already allocated task, ignoring duplicate", "agent_id", a.agentID, "task_id", task.TaskID)
		if env.RequiresAck {
			a.sendAck(env.MsgID)
		}
		return
	}
	a.rememberMessageLocked(env.MsgID)
	a.allocatedTaskIDs[task.TaskID] = struct{}{}
	a.assignedTasks = append(a.assignedTasks, task)
	a.currentLoad++
	a.mu.Unlock()

	if a.isCrashedSnapshot() {
		logging.Op().Warn("agent crashed, rejecting task allocation", "agent_id", a.agentID, "task_id", task.TaskID)
		a.mu.Lock()
		delete(a.allocatedTaskIDs, task.TaskID)
		a.currentLoad--
		a.mu.Unlock()
		if env.RequiresAck {
			a.sendAck(env.MsgID)
		}
		return
	}

	logging.Op().Info("agent received allocation", "agent_id", a.agentID, "task_id", task.TaskID)

	if env.RequiresAck {
		a.sendAck(env.MsgID)
	}

	go a.executeTask(task)
}

// rememberMessageLocked must be called with mu held.
func (a *Agent) rememberMessageLocked(msgID string) {
	if msgID == "" {
		return
	}
	if len(a.processedMsgIDs) >= maxProcessedMessageIDs {
		a.processedMsgIDs = make(map[string]struct{})
	}
	a.processedMsgIDs[msgID] = struct{}{}
}

func (a *Agent) isCrashedSnapshot() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isCrashed
}

// executeTask runs task in TaskSliceInterval increments, checking for
// cancellation (crash) between slices so a crash cancels execution
// within one slice instead of waiting for the full estimated time.
func (a *Agent) executeTask(task messages.Task) {
	_, span := observability.StartSpan(context.Background(), "agent.execute_task",
		observability.AttrAgentID.String(a.agentID), observability.AttrTaskID.String(task.TaskID))
	defer span.End()

	// Mirrors the original's except-Exception handler: a panicking task
	// body must not take the goroutine (or the process) down with it —
	// it decrements load, discards allocated_task_ids unless a crash is
	// already in progress (same finally-block rule the crash path
	// follows), and reports task_failed instead of task_completed.
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("%v", r)
		logging.Op().Error("agent task execution panicked", "agent_id", a.agentID, "task_id", task.TaskID, "error", err)
		observability.SetSpanError(span, err)

		crashed := a.isCrashedSnapshot()
		a.mu.Lock()
		a.currentLoad--
		delete(a.runningTasks, task.TaskID)
		if !crashed {
			delete(a.allocatedTaskIDs, task.TaskID)
		}
		a.mu.Unlock()

		if a.metrics != nil {
			a.metrics.TaskFailed()
		}
		a.emitEvent(messages.EventTaskFailed, map[string]any{
			"task_id": task.TaskID,
			"error":   err.Error(),
		})
	}()

	logging.Op().Info("agent executing task", "agent_id", a.agentID, "task_id", task.TaskID)
	start := time.Now()
	cancel := make(chan struct{})

	a.mu.Lock()
	a.runningTasks[task.TaskID] = &runningTask{startTime: start, cancel: cancel}
	a.mu.Unlock()

	slice := a.cfg.TaskSliceInterval
	if slice <= 0 {
		slice = 100 * time.Millisecond
	}
	total := time.Duration(task.EstimatedTime * float64(time.Second))

	elapsed := time.Duration(0)
	for elapsed < total {
		step := slice
		if total-elapsed < step {
			step = total - elapsed
		}

		select {
		case <-cancel:
		case <-time.After(step):
		}

		if a.cancelledOrCrashed(cancel) {
			a.abortRunning(task, elapsed, true)
			return
		}
		elapsed += step
	}

	if a.isCrashedSnapshot() {
		a.abortRunning(task, elapsed, false)
		return
	}

	a.mu.Lock()
	a.currentLoad--
	a.completedTasks = append(a.completedTasks, task)
	delete(a.runningTasks, task.TaskID)
	delete(a.allocatedTaskIDs, task.TaskID)
	a.mu.Unlock()

	execTime := time.Since(start)
	a.mu.Lock()
	a.totalCPUTime += execTime
	a.mu.Unlock()

	logging.Op().Info("agent completed task", "agent_id", a.agentID, "task_id", task.TaskID, "execution_time", execTime)
	if a.metrics != nil {
		a.metrics.TaskCompleted()
	}
	a.emitEvent(messages.EventTaskCompleted, map[string]any{
		"task_id":        task.TaskID,
		"execution_time": execTime.Seconds(),
	})
}

func (a *Agent) cancelledOrCrashed(cancel chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
	}
	return a.isCrashedSnapshot()
}

func (a *Agent) abortRunning(task messages.Task, elapsed time.Duration, emitElapsed bool) {
	logging.Op().Warn("agent task cancelled due to crash", "agent_id", a.agentID, "task_id", task.TaskID)
	a.mu.Lock()
	a.currentLoad--
	delete(a.runningTasks, task.TaskID)
	delete(a.allocatedTaskIDs, task.TaskID)
	delete(a.bidTaskIDs, task.TaskID)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.TaskCancelled()
	}
	data := map[string]any{"task_id": task.TaskID}
	if emitElapsed {
		data["elapsed"] = elapsed.Seconds()
	}
	a.emitEvent(messages.EventTaskCancelled, data)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()
	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.maybeAutoRecover()
			if !a.isCrashedSnapshot() {
				a.sendHeartbeat()
			}
		}
	}
}

func (a *Agent) maybeAutoRecover() {
	a.mu.Lock()
	shouldRecover := a.isCrashed && a.autoRecoverEnabled && !a.crashTime.IsZero() &&
		time.Since(a.crashTime) >= a.autoRecoverDelay
	a.mu.Unlock()
	if shouldRecover {
		logging.Op().Info("agent automatically recovering", "agent_id", a.agentID)
		a.Recover()
	}
}

func (a *Agent) sendHeartbeat() {
	a.mu.Lock()
	load, max := a.currentLoad, a.maxLoad
	a.mu.Unlock()

	hb := messages.HeartbeatPayload{
		AgentID:     a.agentID,
		Timestamp:   time.Now(),
		Status:      messages.DeriveStatus(load, max),
		CurrentLoad: load,
		MaxLoad:     max,
	}
	a.broker.Publish(context.Background(), "heartbeats", messages.NewHeartbeatEnvelope(a.agentID, hb), false)

	a.mu.Lock()
	a.lastHeartbeat = time.Now()
	a.mu.Unlock()
}

func (a *Agent) handleHeartbeatRequest(env messages.Envelope) {
	if env.MsgType != messages.HeartbeatRequest {
		return
	}
	if env.TargetAgentID != "" && env.TargetAgentID != a.agentID {
		return
	}
	a.sendHeartbeat()
}

func (a *Agent) streamLoop(ctx context.Context) {
	defer a.wg.Done()
	interval := a.cfg.StreamInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendDataStream()
		}
	}
}

func (a *Agent) sendDataStream() {
	a.mu.Lock()
	load, max := a.currentLoad, a.maxLoad
	completedCount := len(a.completedTasks)
	assignedCount := len(a.assignedTasks)
	running := make([]string, 0, len(a.runningTasks))
	for id := range a.runningTasks {
		running = append(running, id)
	}
	var avgTaskTime float64
	if completedCount > 0 {
		avgTaskTime = a.totalCPUTime.Seconds() / float64(completedCount)
	}
	a.mu.Unlock()

	utilization := 0.0
	if max > 0 {
		utilization = (float64(load) / float64(max)) * 100
	}
	memoryUsage := 100 + rand.Float64()*400 + float64(load)*50

	stream := messages.AgentDataStream{
		AgentID:    a.agentID,
		StreamType: "metrics",
		Data: messages.StreamMetrics{
			CPUUtilization:      utilization,
			MemoryUsageMB:       memoryUsage,
			ActiveTasks:         load,
			CompletedTasksCount: completedCount,
			AvgTaskTime:         avgTaskTime,
			RunningTasks:        running,
			QueueLength:         assignedCount - load,
		},
		Timestamp: time.Now(),
	}
	a.broker.Publish(context.Background(), "agent_streams", messages.NewStreamEnvelope(a.agentID, stream), false)
}

// Crash simulates a crash: running tasks are cancelled and future
// bids/allocations are rejected until Recover is called. autoRecoverAfter
// mirrors the original's three-way semantics: nil leaves the configured
// delay unchanged, 0 disables auto-recovery, and any positive value
// overrides the delay.
func (a *Agent) Crash(autoRecoverAfter *time.Duration) {
	a.mu.Lock()
	a.isCrashed = true
	a.crashTime = time.Now()
	running := make([]string, 0, len(a.runningTasks))
	for id, rt := range a.runningTasks {
		running = append(running, id)
		close(rt.cancel)
	}
	a.mu.Unlock()

	if autoRecoverAfter != nil {
		if *autoRecoverAfter == 0 {
			a.mu.Lock()
			a.autoRecoverEnabled = false
			a.mu.Unlock()
		} else {
			a.mu.Lock()
			a.autoRecoverDelay = *autoRecoverAfter
			a.mu.Unlock()
		}
	}

	logging.Op().Warn("agent crashed (simulated)", "agent_id", a.agentID, "running_tasks", running)
	if a.metrics != nil {
		a.metrics.AgentFailed()
	}
	a.emitEvent(messages.EventAgentCrashed, map[string]any{
		"crash_time":           a.crashTime.Unix(),
		"active_running_tasks": running,
	})
}

// Recover clears crash state, allowing the agent to bid again. It
// returns false if the agent was not crashed.
func (a *Agent) Recover() bool {
	a.mu.Lock()
	if !a.isCrashed {
		a.mu.Unlock()
		return false
	}
	a.isCrashed = false
	a.crashTime = time.Time{}
	a.lastHeartbeat = time.Now()
	a.bidTaskIDs = make(map[string]struct{})
	a.mu.Unlock()

	logging.Op().Info("agent recovered", "agent_id", a.agentID)
	if a.metrics != nil {
		a.metrics.AgentRecovered()
	}
	a.emitEvent(messages.EventAgentRecovered, map[string]any{"recovered_at": time.Now().Unix()})
	a.sendHeartbeat()
	return true
}

// Stop marks the agent as no longer alive. Background loops exit via
// their own context, cancelled by the caller that started them.
func (a *Agent) Stop() {
	a.mu.Lock()
	a.isAlive = false
	a.isCrashed = false
	a.mu.Unlock()
	logging.Op().Info("agent stopping", "agent_id", a.agentID)
}

// Status returns a snapshot of the agent's current state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	running := make([]string, 0, len(a.runningTasks))
	for id := range a.runningTasks {
		running = append(running, id)
	}
	return Status{
		AgentID:        a.agentID,
		CurrentLoad:    a.currentLoad,
		MaxLoad:        a.maxLoad,
		AssignedTasks:  len(a.assignedTasks),
		CompletedTasks: len(a.completedTasks),
		IsAlive:        a.isAlive,
		IsCrashed:      a.isCrashed,
		LastHeartbeat:  a.lastHeartbeat,
		RunningTasks:   running,
	}
}
