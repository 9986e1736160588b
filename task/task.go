// Package task defines the work-item model and its durable store.
package task

import (
	"encoding/json"
	"errors"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusQueued     Status = "queued"
	StatusBlocked    Status = "blocked"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a task in this status will not transition again
// unless it is re-submitted. Blocked tasks stay visible with their reason
// until an operator re-submits them with more detail.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusBlocked
}

// Live reports whether the scheduler should be tracking a task in this status.
func (s Status) Live() bool {
	switch s {
	case StatusQueued, StatusPending, StatusAssigned, StatusInProgress:
		return true
	}
	return false
}

// Priority determines scheduling order within one agent's backlog.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Task is a unit of work dispatched to an agent.
type Task struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Type           string          `json:"type,omitempty"`
	Status         Status          `json:"status"`
	Priority       Priority        `json:"priority"`
	AssignedTo     string          `json:"assigned_to,omitempty"`     // agent name
	PreferredAgent string          `json:"preferred_agent,omitempty"` // set while queued
	ProjectID      string          `json:"project_id,omitempty"`
	NextTaskID     string          `json:"next_task_id,omitempty"` // workflow successor
	Result         json.RawMessage `json:"result,omitempty"`       // opaque provider payload
	Error          string          `json:"error,omitempty"`
	BlockingReason string          `json:"blocking_reason,omitempty"`
	NextAction     string          `json:"next_action,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	AssignedAt     *time.Time      `json:"assigned_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
}

// Store errors. Implementations wrap these so callers can use errors.Is.
var (
	ErrNotFound = errors.New("task not found")

	// ErrClaimed is returned by Assign when the task was already claimed
	// (or is no longer claimable) by the time the conditional write ran.
	ErrClaimed = errors.New("task already claimed")
)

// Store persists and retrieves tasks. The store is the source of truth for
// task state; the router's in-memory structures are a cache over it.
type Store interface {
	// Create persists a new task and returns its assigned ID.
	Create(t *Task) (string, error)

	// Get retrieves a task by ID.
	Get(id string) (*Task, error)

	// Update saves changes to an existing task.
	Update(t *Task) error

	// Assign claims a task for an agent. The claim is conditional: it
	// succeeds only while the task is still unassigned and in pending or
	// queued status, so two schedulers cannot claim the same task.
	Assign(id, agent string) error

	// List returns tasks matching the given filter.
	List(filter Filter) ([]*Task, error)

	// LiveIDs returns the ids of every queued, assigned, or in_progress
	// task. This is the set the scheduler mirrors in memory; the
	// consistency loop compares it against that view.
	LiveIDs() ([]string, error)

	// Successor returns the workflow successor of the given task, or nil
	// when the task has none.
	Successor(id string) (*Task, error)

	// Delete removes a task by ID.
	Delete(id string) error
}

// Filter controls which tasks are returned by List. Results are ordered by
// priority descending then creation time ascending, unless ByCreation is set,
// in which case creation time alone decides.
type Filter struct {
	Statuses   []Status `json:"statuses,omitempty"`
	AssignedTo string   `json:"assigned_to,omitempty"`
	ProjectID  string   `json:"project_id,omitempty"`
	Unowned    bool     `json:"unowned,omitempty"` // no project and no assignee
	ByCreation bool     `json:"by_creation,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Offset     int      `json:"offset,omitempty"`
}
