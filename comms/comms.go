// Package comms provides the publish side of the status event bus.
// Delivery to observers is best-effort and at-most-once; the task store
// stays authoritative, so a lost event never corrupts state.
package comms

import (
	"context"
	"encoding/json"
	"time"
)

// Well-known channel names observers subscribe to.
const (
	ChannelTasks    = "task_updates"
	ChannelQueue    = "queue_updates"
	ChannelAgents   = "agent_updates"
	ChannelSessions = "session_updates"
)

// EventType identifies the kind of status delta an event carries.
type EventType string

const (
	EventTaskAssigned  EventType = "task_assigned"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskBlocked   EventType = "task_blocked"
	EventTaskQueued    EventType = "task_queued"
	EventQueueUpdate   EventType = "queue_update"
	EventAgentState    EventType = "agent_state"
	EventSessionUpdate EventType = "session_update"
)

// Event is one status delta published to a channel.
type Event struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Type      EventType       `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Agent     string          `json:"agent,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler processes events delivered on a subscribed channel.
type Handler func(ctx context.Context, ev *Event) error

// Bus is the status event backbone. The core only publishes; subscribers
// (SSE bridge, tests) attach per channel.
type Bus interface {
	// Publish delivers an event to all subscribers of its channel.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers a handler for events on the given channel.
	// Returns an unsubscribe function.
	Subscribe(channel string, handler Handler) (unsubscribe func())

	// History returns the most recent limit events on the given channel,
	// oldest first. An empty channel returns events from all channels.
	History(channel string, limit int) ([]*Event, error)
}
