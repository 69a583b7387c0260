// Package coordinator implements the auction side of the system: it
// broadcasts tasks, collects bids during a fixed window, allocates
// each task to its lowest bidder, detects agent failures via missed
// heartbeats, and reassigns or rebroadcasts work that an allocated
// agent never finished.
//
// # Concurrency model
//
// Coordinator is driven by Broker callbacks (handleBid, handleHeartbeat,
// handleAgentStream, handleAgentEvent) plus one background failure-
// detector loop and per-task delayed-allocation/rebroadcast goroutines,
// all bound to the context passed to Start so cancelling that context
// tears them down. A single mutex guards the auction state (pendingTasks,
// taskBids, agentTasks, agentHeartbeats, ...); the activity log and
// event-dedup set are guarded by a second, coarser mutex, matching the
// original's split between per-map locking and a single activity lock.
package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oriys/auction/internal/broker"
	"github.com/oriys/auction/internal/config"
	"github.com/oriys/auction/internal/logging"
	"github.com/oriys/auction/internal/messages"
	"github.com/oriys/auction/internal/metrics"
	"github.com/oriys/auction/internal/observability"
)

type pendingTask struct {
	task        messages.Task
	bids        []messages.BidPayload
	broadcastAt time.Time
}

type allocationRecord struct {
	task        messages.Task
	agentID     string
	bidValue    float64
	allocatedAt time.Time
}

type streamRecord struct {
	data       messages.StreamMetrics
	timestamp  time.Time
	streamType string
}

// ActivityEntry is one normalized event on the activity log.
type ActivityEntry struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Stats is the coordinator-wide snapshot returned by Stats().
type Stats struct {
	TotalTasks     int `json:"total_tasks"`
	PendingTasks   int `json:"pending_tasks"`
	AllocatedTasks int `json:"allocated_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	ActiveAgents   int `json:"active_agents"`
	FailedAgents   int `json:"failed_agents"`
	TotalAgents    int `json:"total_agents"`
}

// AgentStatusRecord reports one agent's liveness as seen by the Coordinator.
type AgentStatusRecord struct {
	IsAlive            bool                    `json:"is_alive"`
	LastHeartbeat      time.Time               `json:"last_heartbeat"`
	TimeSinceHeartbeat time.Duration           `json:"time_since_heartbeat"`
	AssignedTasks      int                     `json:"assigned_tasks"`
	StreamData         *messages.StreamMetrics `json:"stream_data,omitempty"`
}

// Coordinator runs the auction lifecycle and the failure detector.
type Coordinator struct {
	broker  broker.Broker
	metrics *metrics.Metrics
	cfg     config.AuctionConfig

	ctx context.Context
	wg  sync.WaitGroup

	mu               sync.Mutex
	tasks            []messages.Task
	pendingTasks     map[string]*pendingTask
	taskBids         map[string][]messages.BidPayload
	allocatedTasks   []allocationRecord
	agentTasks       map[string][]string
	agentHeartbeats  map[string]time.Time
	agentStreams     map[string]streamRecord
	failedAgents     map[string]struct{}
	completedTaskIDs map[string]struct{}
	cancelledTaskIDs map[string]struct{}

	activityMu      sync.Mutex
	activityLog     []ActivityEntry
	processedEvents map[string]struct{}
}

// New constructs a Coordinator. Call Start to subscribe it to the
// broker and launch its background failure detector.
func New(br broker.Broker, cfg config.AuctionConfig, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		broker:           br,
		metrics:          m,
		cfg:              cfg,
		pendingTasks:     make(map[string]*pendingTask),
		taskBids:         make(map[string][]messages.BidPayload),
		agentTasks:       make(map[string][]string),
		agentHeartbeats:  make(map[string]time.Time),
		agentStreams:     make(map[string]streamRecord),
		failedAgents:     make(map[string]struct{}),
		completedTaskIDs: make(map[string]struct{}),
		cancelledTaskIDs: make(map[string]struct{}),
		processedEvents:  make(map[string]struct{}),
	}
}

// Start subscribes to the broker's channels and launches the failure
// detector loop, both bound to ctx.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx = ctx
	c.broker.Subscribe("bids", c.handleBid)
	c.broker.Subscribe("heartbeats", c.handleHeartbeat)
	c.broker.Subscribe("agent_streams", c.handleAgentStream)
	c.broker.Subscribe("agent_events", c.handleAgentEvent)

	c.wg.Add(1)
	go c.failureDetectorLoop(ctx)

	logging.Op().Info("coordinator started")
}

// Wait blocks until the failure detector and every pending allocation
// and rebroadcast goroutine have exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// BroadcastTask publishes task on the "tasks" channel, registers it as
// pending, and schedules allocation after the auction window elapses.
func (c *Coordinator) BroadcastTask(task messages.Task, reliable bool) {
	c.mu.Lock()
	c.tasks = append(c.tasks, task)
	c.pendingTasks[task.TaskID] = &pendingTask{task: task, broadcastAt: time.Now()}
	c.mu.Unlock()

	logging.Op().Info("broadcasting task", "task_id", task.TaskID, "description", task.Description)
	c.broker.Publish(c.ctx, "tasks", messages.NewTaskBroadcastEnvelope("coordinator", task, reliable), reliable)
	if c.metrics != nil {
		c.metrics.TaskBroadcast()
	}

	c.logActivity("task_broadcast", map[string]any{
		"task_id":     task.TaskID,
		"priority":    task.Priority,
		"description": task.Description,
	})

	c.wg.Add(1)
	go c.allocateAfterDelay(task.TaskID, c.window())
}

func (c *Coordinator) window() time.Duration {
	if c.cfg.Window <= 0 {
		return 2 * time.Second
	}
	return c.cfg.Window
}

func (c *Coordinator) allocateAfterDelay(taskID string, wait time.Duration) {
	defer c.wg.Done()
	select {
	case <-c.ctx.Done():
		return
	case <-time.After(wait):
	}
	c.allocateTask(taskID)
}

func (c *Coordinator) handleBid(env messages.Envelope) {
	if env.MsgType != messages.Bid {
		return
	}
	bid, err := env.DecodeBid()
	if err != nil {
		logging.Op().Warn("failed to decode bid", "error", err)
		return
	}

	c.mu.Lock()
	pt, ok := c.pendingTasks[bid.TaskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	for _, existing := range pt.bids {
		if existing.AgentID == bid.AgentID {
			c.mu.Unlock()
			logging.Op().Debug("duplicate bid ignored", "agent_id", bid.AgentID, "task_id", bid.TaskID)
			return
		}
	}
	pt.bids = append(pt.bids, bid)
	c.mu.Unlock()

	logging.Op().Info("received bid", "agent_id", bid.AgentID, "task_id", bid.TaskID, "bid_value", bid.BidValue)
	if c.metrics != nil {
		c.metrics.BidReceived()
	}
	c.logActivity("bid", map[string]any{
		"agent_id":  bid.AgentID,
		"task_id":   bid.TaskID,
		"bid_value": bid.BidValue,
	})
}

// allocateTask allocates taskID to its lowest bidder. If every bidder
// has since been marked failed, it drops the pending entry and schedules
// a delayed rebroadcast (see DESIGN.md's Open Question decision); with
// no bids at all it drops the entry and only logs a warning.
func (c *Coordinator) allocateTask(taskID string) {
	c.mu.Lock()
	if _, done := c.completedTaskIDs[taskID]; done {
		delete(c.pendingTasks, taskID)
		c.mu.Unlock()
		return
	}
	if _, cancelled := c.cancelledTaskIDs[taskID]; cancelled {
		delete(c.pendingTasks, taskID)
		c.mu.Unlock()
		return
	}
	pt, ok := c.pendingTasks[taskID]
	if !ok {
		c.mu.Unlock()
		return
	}

	validBids := make([]messages.BidPayload, 0, len(pt.bids))
	for _, b := range pt.bids {
		if _, failed := c.failedAgents[b.AgentID]; !failed {
			validBids = append(validBids, b)
		}
	}

	if len(validBids) == 0 {
		hadBids := len(pt.bids) > 0
		delete(c.pendingTasks, taskID)
		c.mu.Unlock()
		if hadBids {
			logging.Op().Info("all bidders failed, scheduling rebroadcast", "task_id", taskID)
			c.rebroadcastWithDelay(pt.task)
		} else {
			logging.Op().Warn("no bids received for task", "task_id", taskID)
		}
		return
	}

	sort.Slice(validBids, func(i, j int) bool { return validBids[i].BidValue < validBids[j].BidValue })
	c.taskBids[taskID] = validBids
	winner := validBids[0]
	task := pt.task
	totalBids := len(pt.bids)
	broadcastAt := pt.broadcastAt
	delete(c.pendingTasks, taskID)
	c.mu.Unlock()

	c.sendAllocation(task, winner.AgentID, winner, totalBids)
	if c.metrics != nil {
		c.metrics.Allocation(time.Since(broadcastAt).Seconds())
	}
}

func (c *Coordinator) sendAllocation(task messages.Task, agentID string, winningBid messages.BidPayload, totalBids int) {
	_, span := observability.StartSpan(c.ctx, "coordinator.allocate",
		observability.AttrTaskID.String(task.TaskID), observability.AttrAgentID.String(agentID))
	defer span.End()

	payload := messages.AllocationPayload{Task: task, AgentID: agentID, WinningBid: winningBid}
	c.broker.Publish(c.ctx, "allocations", messages.NewAllocationEnvelope("coordinator", payload, true), true)

	c.mu.Lock()
	c.allocatedTasks = append(c.allocatedTasks, allocationRecord{
		task: task, agentID: agentID, bidValue: winningBid.BidValue, allocatedAt: time.Now(),
	})
	c.agentTasks[agentID] = append(c.agentTasks[agentID], task.TaskID)
	c.mu.Unlock()

	logging.Op().Info("task allocated", "task_id", task.TaskID, "agent_id", agentID, "bid_value", winningBid.BidValue)

	c.logActivity("allocation", map[string]any{
		"task_id":    task.TaskID,
		"agent_id":   agentID,
		"bid_value":  winningBid.BidValue,
		"total_bids": totalBids,
	})
}

func (c *Coordinator) handleHeartbeat(env messages.Envelope) {
	if env.MsgType != messages.Heartbeat {
		return
	}
	hb, err := env.DecodeHeartbeat()
	if err != nil || hb.AgentID == "" {
		return
	}

	c.mu.Lock()
	c.agentHeartbeats[hb.AgentID] = time.Now()
	_, wasFailed := c.failedAgents[hb.AgentID]
	if wasFailed {
		delete(c.failedAgents, hb.AgentID)
	}
	c.mu.Unlock()

	if wasFailed {
		logging.Op().Info("agent recovered", "agent_id", hb.AgentID)
		if c.metrics != nil {
			c.metrics.AgentRecovered()
		}
		c.logActivity("agent_recovery", map[string]any{"agent_id": hb.AgentID})
	}
}

func (c *Coordinator) handleAgentStream(env messages.Envelope) {
	stream, err := env.DecodeStream()
	if err != nil || stream.AgentID == "" {
		return
	}
	c.mu.Lock()
	c.agentStreams[stream.AgentID] = streamRecord{
		data:       stream.Data,
		timestamp:  stream.Timestamp,
		streamType: stream.StreamType,
	}
	c.mu.Unlock()
}

func (c *Coordinator) handleAgentEvent(env messages.Envelope) {
	if env.MsgType != messages.AgentEvent {
		return
	}
	payload, err := env.DecodeAgentEvent()
	if err != nil {
		logging.Op().Error("failed to decode agent event", "error", err)
		return
	}

	agentID := env.SenderID
	now := time.Now()
	taskID, _ := payload.Data["task_id"].(string)

	switch payload.EventType {
	case messages.EventTaskCompleted:
		c.mu.Lock()
		c.completedTaskIDs[taskID] = struct{}{}
		delete(c.taskBids, taskID)
		c.mu.Unlock()
		logging.Op().Info("task marked completed", "task_id", taskID, "agent_id", agentID)
	case messages.EventTaskCancelled:
		c.mu.Lock()
		c.cancelledTaskIDs[taskID] = struct{}{}
		c.mu.Unlock()
		logging.Op().Info("task marked cancelled", "task_id", taskID, "agent_id", agentID)
	}

	eventID := fmt.Sprintf("%s_%s_%s_%d", agentID, payload.EventType, taskID, now.UnixMilli())
	c.activityMu.Lock()
	if _, seen := c.processedEvents[eventID]; seen {
		c.activityMu.Unlock()
		return
	}
	c.processedEvents[eventID] = struct{}{}
	if len(c.processedEvents) > c.dedupMax() {
		c.processedEvents = make(map[string]struct{})
	}
	c.activityMu.Unlock()

	if payload.EventType != "task_received" && payload.EventType != "bid_skipped" {
		fields := map[string]any{"agent_id": agentID}
		for k, v := range payload.Data {
			fields[k] = v
		}
		c.appendActivity(ActivityEntry{Type: string(payload.EventType), Timestamp: now, Fields: fields})
	}
}

func (c *Coordinator) dedupMax() int {
	if c.cfg.DedupSetMax <= 0 {
		return 1000
	}
	return c.cfg.DedupSetMax
}

func (c *Coordinator) failureDetectorLoop(ctx context.Context) {
	defer c.wg.Done()
	tick := c.cfg.FailureDetectorTick
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.detectFailures()
		}
	}
}

func (c *Coordinator) detectFailures() {
	timeout := c.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 6 * time.Second
	}

	c.mu.Lock()
	var newlyFailed []string
	now := time.Now()
	for agentID, lastSeen := range c.agentHeartbeats {
		if now.Sub(lastSeen) <= timeout {
			continue
		}
		if _, already := c.failedAgents[agentID]; already {
			continue
		}
		c.failedAgents[agentID] = struct{}{}
		newlyFailed = append(newlyFailed, agentID)
	}
	c.mu.Unlock()

	for _, agentID := range newlyFailed {
		logging.Op().Warn("agent failed, no heartbeat within timeout", "agent_id", agentID, "timeout", timeout)
		if c.metrics != nil {
			c.metrics.AgentFailed()
		}
		c.handleAgentFailure(agentID)
	}
}

func (c *Coordinator) handleAgentFailure(agentID string) {
	c.mu.Lock()
	failedTasks := append([]string(nil), c.agentTasks[agentID]...)
	if len(failedTasks) == 0 {
		delete(c.agentTasks, agentID)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var toReassign, completed []string
	c.mu.Lock()
	for _, taskID := range failedTasks {
		if _, done := c.completedTaskIDs[taskID]; done {
			completed = append(completed, taskID)
			continue
		}
		toReassign = append(toReassign, taskID)
	}
	c.mu.Unlock()

	if len(toReassign) == 0 {
		c.mu.Lock()
		completedSet := make(map[string]struct{}, len(completed))
		for _, t := range completed {
			completedSet[t] = struct{}{}
		}
		kept := c.allocatedTasks[:0]
		for _, rec := range c.allocatedTasks {
			if rec.agentID == agentID {
				if _, isCompleted := completedSet[rec.task.TaskID]; isCompleted {
					continue
				}
			}
			kept = append(kept, rec)
		}
		c.allocatedTasks = kept
		delete(c.agentTasks, agentID)
		c.mu.Unlock()
		logging.Op().Info("all tasks from failed agent were completed", "agent_id", agentID)
		return
	}

	logging.Op().Warn("reassigning tasks from failed agent", "agent_id", agentID, "count", len(toReassign))
	c.logActivity("agent_failure", map[string]any{
		"agent_id":        agentID,
		"failed_tasks":    len(toReassign),
		"completed_tasks": len(completed),
	})

	c.mu.Lock()
	reassignSet := make(map[string]struct{}, len(toReassign))
	for _, t := range toReassign {
		reassignSet[t] = struct{}{}
	}
	kept := c.allocatedTasks[:0]
	for _, rec := range c.allocatedTasks {
		if rec.agentID == agentID {
			if _, needsReassign := reassignSet[rec.task.TaskID]; needsReassign {
				continue
			}
		}
		kept = append(kept, rec)
	}
	c.allocatedTasks = kept
	for _, taskID := range toReassign {
		delete(c.cancelledTaskIDs, taskID)
	}
	delete(c.agentTasks, agentID)
	c.mu.Unlock()

	for _, taskID := range toReassign {
		c.reassignToNextBidder(taskID, agentID)
	}
}

func (c *Coordinator) reassignToNextBidder(taskID, failedAgentID string) {
	c.mu.Lock()
	allBids, ok := c.taskBids[taskID]
	c.mu.Unlock()
	if !ok {
		logging.Op().Warn("no stored bids for task, rebroadcasting", "task_id", taskID)
		if task := c.findTask(taskID); task != nil {
			c.rebroadcastWithDelay(*task)
		}
		return
	}

	c.mu.Lock()
	validBids := make([]messages.BidPayload, 0, len(allBids))
	for _, b := range allBids {
		if _, failed := c.failedAgents[b.AgentID]; !failed {
			validBids = append(validBids, b)
		}
	}
	c.mu.Unlock()

	if len(validBids) == 0 {
		logging.Op().Warn("no valid alternative bidders, rebroadcasting", "task_id", taskID)
		if task := c.findTask(taskID); task != nil {
			c.rebroadcastWithDelay(*task)
		}
		return
	}

	next := validBids[0]
	task := c.findTask(taskID)
	if task == nil {
		logging.Op().Error("task not found for reassignment", "task_id", taskID)
		return
	}

	logging.Op().Info("reassigning task to next bidder", "task_id", taskID, "agent_id", next.AgentID, "bid_value", next.BidValue)
	c.sendAllocation(*task, next.AgentID, next, len(allBids))
	if c.metrics != nil {
		c.metrics.Reassignment()
	}
	c.logActivity("task_reassignment", map[string]any{
		"task_id":      taskID,
		"failed_agent": failedAgentID,
		"new_agent":    next.AgentID,
		"new_bid":      next.BidValue,
	})
}

// rebroadcastWithDelay re-enters task into the auction after a random
// 5-10s delay (spec.md §4.3), giving a crashed agent time to recover
// before its work is handed to someone else.
func (c *Coordinator) rebroadcastWithDelay(task messages.Task) {
	min, max := c.cfg.RebroadcastDelayMin, c.cfg.RebroadcastDelayMax
	if min <= 0 {
		min = 5 * time.Second
	}
	if max <= min {
		max = min + 5*time.Second
	}
	delay := min + time.Duration(rand.Int63n(int64(max-min)))

	c.mu.Lock()
	delete(c.taskBids, task.TaskID)
	c.mu.Unlock()

	logging.Op().Info("scheduling rebroadcast", "task_id", task.TaskID, "delay", delay)
	c.logActivity("task_rebroadcast_scheduled", map[string]any{
		"task_id": task.TaskID,
		"delay":   delay.Seconds(),
	})
	if c.metrics != nil {
		c.metrics.Rebroadcast()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		_, done := c.completedTaskIDs[task.TaskID]
		c.mu.Unlock()
		if done {
			logging.Op().Info("task completed during rebroadcast delay, skipping", "task_id", task.TaskID)
			return
		}

		logging.Op().Info("rebroadcasting task", "task_id", task.TaskID)
		c.BroadcastTask(task, true)
		c.logActivity("task_rebroadcast", map[string]any{"task_id": task.TaskID})
	}()
}

func (c *Coordinator) findTask(taskID string) *messages.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.tasks {
		if c.tasks[i].TaskID == taskID {
			t := c.tasks[i]
			return &t
		}
	}
	return nil
}

// RequestHeartbeat asks agentID (or every agent, if agentID is empty)
// to send an immediate heartbeat.
func (c *Coordinator) RequestHeartbeat(agentID string) {
	c.broker.Publish(c.ctx, "heartbeat_request", messages.NewHeartbeatRequest("coordinator", agentID), false)
}

// Stats returns the coordinator's current aggregate counters.
func (c *Coordinator) Stats() Stats {
	timeout := c.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 6 * time.Second
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	active := 0
	for _, lastSeen := range c.agentHeartbeats {
		if now.Sub(lastSeen) < timeout {
			active++
		}
	}

	pending := 0
	for taskID := range c.pendingTasks {
		_, completed := c.completedTaskIDs[taskID]
		_, cancelled := c.cancelledTaskIDs[taskID]
		if !completed && !cancelled {
			pending++
		}
	}

	allocated := 0
	for _, rec := range c.allocatedTasks {
		if _, completed := c.completedTaskIDs[rec.task.TaskID]; !completed {
			allocated++
		}
	}

	return Stats{
		TotalTasks:     len(c.tasks),
		PendingTasks:   pending,
		AllocatedTasks: allocated,
		CompletedTasks: len(c.completedTaskIDs),
		ActiveAgents:   active,
		FailedAgents:   len(c.failedAgents),
		TotalAgents:    len(c.agentHeartbeats),
	}
}

// AgentStatus returns every known agent's liveness snapshot.
func (c *Coordinator) AgentStatus() map[string]AgentStatusRecord {
	timeout := c.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 6 * time.Second
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make(map[string]AgentStatusRecord, len(c.agentHeartbeats))
	for agentID, lastSeen := range c.agentHeartbeats {
		sinceHB := now.Sub(lastSeen)
		active := 0
		for _, taskID := range c.agentTasks[agentID] {
			if _, completed := c.completedTaskIDs[taskID]; !completed {
				active++
			}
		}
		var stream *messages.StreamMetrics
		if rec, ok := c.agentStreams[agentID]; ok {
			data := rec.data
			stream = &data
		}
		out[agentID] = AgentStatusRecord{
			IsAlive:            sinceHB < timeout,
			LastHeartbeat:      lastSeen,
			TimeSinceHeartbeat: sinceHB,
			AssignedTasks:      active,
			StreamData:         stream,
		}
	}
	return out
}

func (c *Coordinator) logActivity(eventType string, fields map[string]any) {
	c.appendActivity(ActivityEntry{Type: eventType, Timestamp: time.Now(), Fields: fields})
}

func (c *Coordinator) appendActivity(entry ActivityEntry) {
	max := c.cfg.ActivityLogSize
	if max <= 0 {
		max = 100
	}
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	c.activityLog = append(c.activityLog, entry)
	if len(c.activityLog) > max {
		c.activityLog = c.activityLog[len(c.activityLog)-max:]
	}
}

// RecentActivity returns the most recent limit activity entries (or
// fewer, if the log is shorter).
func (c *Coordinator) RecentActivity(limit int) []ActivityEntry {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	if limit <= 0 || limit > len(c.activityLog) {
		limit = len(c.activityLog)
	}
	out := make([]ActivityEntry, limit)
	copy(out, c.activityLog[len(c.activityLog)-limit:])
	return out
}
