// Package messages defines the wire types exchanged between the
// Coordinator and Agents over the Broker: tasks, bids, heartbeats,
// telemetry streams, and the envelope that carries them.
//
// Every payload is carried as JSON inside Envelope.Payload, the same way
// it crosses the wire whether the active Broker backend is in-process or
// Redis-backed (spec §6.1) — callers build envelopes with the New*Envelope
// constructors and unmarshal with the matching Decode* method on Envelope.
package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a new globally unique identifier, used for message IDs
// and as a default when a caller does not supply a task ID.
func NewID() string {
	return uuid.NewString()
}

// MessageType identifies the payload carried by an Envelope. Values are
// string-encoded on the wire (spec §6.3).
type MessageType string

const (
	TaskBroadcast    MessageType = "task_broadcast"
	Bid              MessageType = "bid"
	TaskAllocation   MessageType = "task_allocation"
	Acknowledgment   MessageType = "acknowledgment"
	Heartbeat        MessageType = "heartbeat"
	AgentEvent       MessageType = "agent_event"
	HeartbeatRequest MessageType = "heartbeat_request"
)

// EventType enumerates the agent_events vocabulary (spec §6.4).
type EventType string

const (
	EventAgentStarted   EventType = "agent_started"
	EventAgentCrashed   EventType = "agent_crashed"
	EventAgentRecovered EventType = "agent_recovered"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskCancelled  EventType = "task_cancelled"
	EventTaskFailed     EventType = "task_failed"
)

// Task is immutable after creation. Priority is informational only today
// (spec §3); EstimatedTime must be strictly positive.
type Task struct {
	TaskID        string    `json:"task_id"`
	Priority      int       `json:"priority"`
	EstimatedTime float64   `json:"estimated_time"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewTask builds a Task, generating a TaskID if none is given.
func NewTask(taskID string, priority int, estimatedTime float64, description string) Task {
	if taskID == "" {
		taskID = NewID()
	}
	return Task{
		TaskID:        taskID,
		Priority:      priority,
		EstimatedTime: estimatedTime,
		Description:   description,
		CreatedAt:     time.Now(),
	}
}

// BidPayload is derived purely from the bidding agent's state at bid
// time and is never mutated afterward (spec §3).
type BidPayload struct {
	AgentID                 string  `json:"agent_id"`
	TaskID                  string  `json:"task_id"`
	BidValue                float64 `json:"bid_value"`
	CurrentLoad             int     `json:"current_load"`
	EstimatedCompletionTime float64 `json:"estimated_completion_time"`
}

// Liveness status values carried on a Heartbeat (supplemented from
// original_source/communication/message_types.py; see SPEC_FULL.md §4).
const (
	StatusIdle       = "idle"
	StatusBusy       = "busy"
	StatusOverloaded = "overloaded"
)

// DeriveStatus computes the Heartbeat Status field from an agent's load.
func DeriveStatus(currentLoad, maxLoad int) string {
	switch {
	case currentLoad == 0:
		return StatusIdle
	case currentLoad < maxLoad:
		return StatusBusy
	default:
		return StatusOverloaded
	}
}

// HeartbeatPayload reports an agent's liveness and load.
type HeartbeatPayload struct {
	AgentID     string    `json:"agent_id"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"`
	CurrentLoad int       `json:"current_load"`
	MaxLoad     int       `json:"max_load"`
}

// StreamMetrics is the "data" payload of an AgentDataStream, narrowed to
// the concrete fields the Agent populates (spec §4.2).
type StreamMetrics struct {
	CPUUtilization      float64  `json:"cpu_utilization"`
	MemoryUsageMB       float64  `json:"memory_usage_mb"`
	ActiveTasks         int      `json:"active_tasks"`
	CompletedTasksCount int      `json:"completed_tasks_count"`
	AvgTaskTime         float64  `json:"avg_task_time"`
	RunningTasks        []string `json:"running_tasks"`
	QueueLength         int      `json:"queue_length"`
}

// AgentDataStream is a telemetry snapshot published on agent_streams.
type AgentDataStream struct {
	AgentID    string        `json:"agent_id"`
	StreamType string        `json:"stream_type"`
	Data       StreamMetrics `json:"data"`
	Timestamp  time.Time     `json:"timestamp"`
}

// AllocationPayload is the body of a TaskAllocation envelope.
type AllocationPayload struct {
	Task       Task       `json:"task"`
	AgentID    string     `json:"agent_id"`
	WinningBid BidPayload `json:"winning_bid"`
}

// AgentEventPayload is the body of an AgentEvent envelope.
type AgentEventPayload struct {
	EventType EventType      `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// Envelope is the transport-level message wrapper. MsgID is the sole
// basis for deduplication and acknowledgement (spec §3). AckFor and
// TargetAgentID are only meaningful for Acknowledgment and
// HeartbeatRequest envelopes respectively; the original source models
// those as bare dicts rather than full Message objects, but folding them
// into Envelope keeps one wire type for the whole Broker interface.
type Envelope struct {
	MsgID         string          `json:"msg_id"`
	MsgType       MessageType     `json:"msg_type"`
	SenderID      string          `json:"sender_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	RequiresAck   bool            `json:"requires_ack"`
	AckFor        string          `json:"ack_for,omitempty"`
	TargetAgentID string          `json:"agent_id,omitempty"`
}

func newEnvelope(msgType MessageType, senderID string, payload json.RawMessage, requiresAck bool) Envelope {
	return Envelope{
		MsgID:       NewID(),
		MsgType:     msgType,
		SenderID:    senderID,
		Payload:     payload,
		Timestamp:   time.Now(),
		RequiresAck: requiresAck,
	}
}

// encode marshals v; our payload types are always JSON-safe, so a
// marshal error here indicates a programming mistake, not a runtime
// condition callers need to handle.
func encode(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("messages: encode %T: %v", v, err))
	}
	return b
}

// NewTaskBroadcastEnvelope builds the "tasks" channel payload.
func NewTaskBroadcastEnvelope(senderID string, task Task, requiresAck bool) Envelope {
	return newEnvelope(TaskBroadcast, senderID, encode(struct {
		Task Task `json:"task"`
	}{task}), requiresAck)
}

// DecodeTaskBroadcast extracts the Task from a TaskBroadcast envelope.
func (e Envelope) DecodeTaskBroadcast() (Task, error) {
	var body struct {
		Task Task `json:"task"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return Task{}, err
	}
	return body.Task, nil
}

// NewBidEnvelope builds the "bids" channel payload.
func NewBidEnvelope(senderID string, bid BidPayload) Envelope {
	return newEnvelope(Bid, senderID, encode(struct {
		Bid BidPayload `json:"bid"`
	}{bid}), false)
}

// DecodeBid extracts the Bid from a Bid envelope.
func (e Envelope) DecodeBid() (BidPayload, error) {
	var body struct {
		Bid BidPayload `json:"bid"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return BidPayload{}, err
	}
	return body.Bid, nil
}

// NewAllocationEnvelope builds the "allocations" channel payload.
func NewAllocationEnvelope(senderID string, payload AllocationPayload, requiresAck bool) Envelope {
	return newEnvelope(TaskAllocation, senderID, encode(payload), requiresAck)
}

// DecodeAllocation extracts the AllocationPayload from an allocation envelope.
func (e Envelope) DecodeAllocation() (AllocationPayload, error) {
	var p AllocationPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return AllocationPayload{}, err
	}
	return p, nil
}

// NewHeartbeatEnvelope builds the "heartbeats" channel payload.
func NewHeartbeatEnvelope(senderID string, hb HeartbeatPayload) Envelope {
	return newEnvelope(Heartbeat, senderID, encode(struct {
		Heartbeat HeartbeatPayload `json:"heartbeat"`
	}{hb}), false)
}

// DecodeHeartbeat extracts the HeartbeatPayload from a heartbeat envelope.
func (e Envelope) DecodeHeartbeat() (HeartbeatPayload, error) {
	var body struct {
		Heartbeat HeartbeatPayload `json:"heartbeat"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return HeartbeatPayload{}, err
	}
	return body.Heartbeat, nil
}

// NewStreamEnvelope builds the "agent_streams" channel payload. It is
// typed Heartbeat on the wire (spec §6.2: "Message{HEARTBEAT,
// payload.stream}") to distinguish it from a plain Heartbeat only by
// its payload shape and destination channel.
func NewStreamEnvelope(senderID string, stream AgentDataStream) Envelope {
	return newEnvelope(Heartbeat, senderID, encode(struct {
		Stream AgentDataStream `json:"stream"`
	}{stream}), false)
}

// DecodeStream extracts the AgentDataStream from a stream envelope.
func (e Envelope) DecodeStream() (AgentDataStream, error) {
	var body struct {
		Stream AgentDataStream `json:"stream"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return AgentDataStream{}, err
	}
	return body.Stream, nil
}

// NewAgentEventEnvelope builds the "agent_events" channel payload.
func NewAgentEventEnvelope(senderID string, eventType EventType, data map[string]any) Envelope {
	return newEnvelope(AgentEvent, senderID, encode(AgentEventPayload{EventType: eventType, Data: data}), false)
}

// DecodeAgentEvent extracts the AgentEventPayload from an agent_event envelope.
func (e Envelope) DecodeAgentEvent() (AgentEventPayload, error) {
	var p AgentEventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return AgentEventPayload{}, err
	}
	return p, nil
}

// NewAck builds an acknowledgment envelope for msgID, published to the
// "acks" channel (spec §6.2).
func NewAck(senderID, msgID string) Envelope {
	return Envelope{
		MsgID:     NewID(),
		MsgType:   Acknowledgment,
		SenderID:  senderID,
		Timestamp: time.Now(),
		AckFor:    msgID,
	}
}

// NewHeartbeatRequest builds a heartbeat-request envelope. An empty
// agentID requests a heartbeat from every agent.
func NewHeartbeatRequest(senderID, agentID string) Envelope {
	return Envelope{
		MsgID:         NewID(),
		MsgType:       HeartbeatRequest,
		SenderID:      senderID,
		Timestamp:     time.Now(),
		TargetAgentID: agentID,
	}
}
