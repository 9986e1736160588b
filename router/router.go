// Package router assigns tasks to agents, enforces per-agent admission,
// and runs the scheduling loops that advance task state.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/provider"
	"github.com/GoCodeAlone/dispatch/quota"
	"github.com/GoCodeAlone/dispatch/task"
)

// Wait-estimate weights, in minutes: each active task on the preferred agent
// counts 5, each task already queued for it counts 3.
const (
	waitPerActive = 5
	waitPerQueued = 3
)

// ErrTaskBlocked is wrapped when the coordinator refuses to route a task for
// insufficient detail. The task stays visible with its blocking reason.
var ErrTaskBlocked = errors.New("task blocked")

// Options configures a Router. Registry, Store, Ledger, and Bus are required;
// the rest default.
type Options struct {
	Registry  *agent.Registry
	Matcher   agent.Matcher
	Store     task.Store
	Ledger    *quota.Ledger
	Bus       comms.Bus
	Providers map[string]provider.Provider // per agent name
	Logger    *slog.Logger
	Intervals Intervals
}

// Intervals tunes the polling loops. Zero values fall back to defaults.
type Intervals struct {
	Main        time.Duration // route pending, track assigned (default 5s)
	Agent       time.Duration // per-agent execution tick (default 10s)
	Coordinator time.Duration // unowned-task intake (default 15s)
	Consistency time.Duration // in-memory vs store reconciliation (default 30s)
}

func (iv Intervals) withDefaults() Intervals {
	if iv.Main <= 0 {
		iv.Main = 5 * time.Second
	}
	if iv.Agent <= 0 {
		iv.Agent = 10 * time.Second
	}
	if iv.Coordinator <= 0 {
		iv.Coordinator = 15 * time.Second
	}
	if iv.Consistency <= 0 {
		iv.Consistency = 30 * time.Second
	}
	return iv
}

// pendingEntry is one task waiting for capacity.
type pendingEntry struct {
	TaskID         string    `json:"task_id"`
	PreferredAgent string    `json:"preferred_agent"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Router owns the in-memory active-task-sets and the pending queue, and is
// the only component that transitions task status. The store remains the
// source of truth; the in-memory structures are a cache resynchronized by
// the consistency loop.
type Router struct {
	registry  *agent.Registry
	matcher   agent.Matcher
	store     task.Store
	ledger    *quota.Ledger
	bus       comms.Bus
	providers map[string]provider.Provider
	logger    *slog.Logger
	intervals Intervals
	tracer    trace.Tracer

	// mu serializes all access to the shared scheduling state below. Every
	// loop goes through it, so a per-agent tick and a resync cannot race.
	mu        sync.Mutex
	active    map[string][]string // agent -> ordered ids of claimed tasks
	pending   []pendingEntry
	executing map[string]string // agent -> task id currently in flight

	loopMu   sync.Mutex
	loopStop context.CancelFunc
	loopWG   sync.WaitGroup
}

// New creates a Router. Providers maps agent names to their reasoning
// backends; agents without an entry fail execution with a config error.
func New(opts Options) *Router {
	if opts.Matcher == nil {
		opts.Matcher = agent.DefaultMatcher()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Providers == nil {
		opts.Providers = map[string]provider.Provider{}
	}
	return &Router{
		registry:  opts.Registry,
		matcher:   opts.Matcher,
		store:     opts.Store,
		ledger:    opts.Ledger,
		bus:       opts.Bus,
		providers: opts.Providers,
		logger:    opts.Logger,
		intervals: opts.Intervals.withDefaults(),
		tracer:    otel.Tracer("github.com/GoCodeAlone/dispatch/router"),
		active:    make(map[string][]string),
		executing: make(map[string]string),
	}
}

// CanAccept reports whether the agent has capacity for one more task.
func (r *Router) CanAccept(name string) bool {
	a, ok := r.registry.Get(name)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active[name]) < a.MaxConcurrentTasks
}

// ActiveCount returns the number of tasks the agent has claimed.
func (r *Router) ActiveCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active[name])
}

// Submit persists a new task (when it has no ID yet) and routes it. The
// returned task reflects the routing outcome: assigned, queued, or blocked.
// A blocked outcome also returns ErrTaskBlocked.
func (r *Router) Submit(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t.ID == "" {
		if _, err := r.store.Create(t); err != nil {
			return nil, fmt.Errorf("create task: %w", err)
		}
	}
	if err := r.route(ctx, t); err != nil {
		return t, err
	}
	return t, nil
}

// route selects an agent and either assigns, delegates, or queues the task.
func (r *Router) route(ctx context.Context, t *task.Task) error {
	candidate := r.matcher.Select(t.Title, t.Description)

	// A delegating coordinator screens its own intake: tasks without enough
	// detail are refused rather than routed.
	if a, ok := r.registry.Get(candidate); ok && a.CanDelegate {
		if c := agent.Classify(t.Title, t.Description); c.Blocked {
			return r.block(ctx, t, c)
		}
	}

	if r.tryReserve(candidate, t.ID) {
		return r.assign(ctx, t, candidate)
	}

	if a, ok := r.registry.Get(candidate); ok && a.CanDelegate {
		if secondary := r.matcher.SelectExcluding(t.Title, t.Description, candidate); secondary != "" && r.tryReserve(secondary, t.ID) {
			r.logger.Info("delegating task",
				slog.String("task", t.ID),
				slog.String("from", candidate),
				slog.String("to", secondary))
			return r.assign(ctx, t, secondary)
		}
	}

	return r.enqueue(ctx, t, candidate)
}

// tryReserve claims a capacity slot for the task in the agent's active set.
// The check and the claim happen under one lock, so concurrent submissions
// cannot over-admit an agent. Reserving an id the agent already holds
// succeeds without consuming another slot.
func (r *Router) tryReserve(name, id string) bool {
	a, ok := r.registry.Get(name)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.active[name] {
		if existing == id {
			return true
		}
	}
	if len(r.active[name]) >= a.MaxConcurrentTasks {
		return false
	}
	r.active[name] = append(r.active[name], id)
	return true
}

// release drops a reserved slot.
func (r *Router) release(name, id string) {
	r.mu.Lock()
	r.untrackLocked(name, id)
	r.mu.Unlock()
}

// assign claims the task for the agent with a conditional store write. The
// slot must already be reserved via tryReserve; a failed claim releases it.
func (r *Router) assign(ctx context.Context, t *task.Task, name string) error {
	if err := r.store.Assign(t.ID, name); err != nil {
		if errors.Is(err, task.ErrClaimed) {
			// Lost the claim race; reflect whatever the store says now. The
			// reservation stays only when this agent won through another path.
			if cur, gerr := r.store.Get(t.ID); gerr == nil {
				*t = *cur
				if cur.AssignedTo != name {
					r.release(name, t.ID)
				}
			}
			return nil
		}
		r.release(name, t.ID)
		return fmt.Errorf("assign task %s: %w", t.ID, err)
	}

	now := time.Now().UTC()
	t.Status = task.StatusAssigned
	t.AssignedTo = name
	t.PreferredAgent = ""
	t.AssignedAt = &now

	r.publishTask(ctx, comms.EventTaskAssigned, t)
	return nil
}

// trackLocked adds the task id to the agent's active set if not present.
func (r *Router) trackLocked(name, id string) {
	for _, existing := range r.active[name] {
		if existing == id {
			return
		}
	}
	r.active[name] = append(r.active[name], id)
}

// untrackLocked removes the task id from the agent's active set.
func (r *Router) untrackLocked(name, id string) {
	ids := r.active[name]
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		delete(r.active, name)
	} else {
		r.active[name] = kept
	}
}

// block marks the task blocked with its human-readable reason.
func (r *Router) block(ctx context.Context, t *task.Task, c agent.Classification) error {
	t.Status = task.StatusBlocked
	t.BlockingReason = c.Reason
	t.NextAction = c.NextAction
	if err := r.store.Update(t); err != nil {
		return fmt.Errorf("block task %s: %w", t.ID, err)
	}
	r.publishTask(ctx, comms.EventTaskBlocked, t)
	return fmt.Errorf("task %s: %s: %w", t.ID, c.Reason, ErrTaskBlocked)
}

// enqueue appends the task to the pending queue with a wait estimate.
func (r *Router) enqueue(ctx context.Context, t *task.Task, preferred string) error {
	r.mu.Lock()
	wait := r.estimateLocked(preferred)
	r.pending = append(r.pending, pendingEntry{
		TaskID:         t.ID,
		PreferredAgent: preferred,
		EnqueuedAt:     time.Now().UTC(),
	})
	r.mu.Unlock()

	t.Status = task.StatusQueued
	t.PreferredAgent = preferred
	if err := r.store.Update(t); err != nil {
		return fmt.Errorf("queue task %s: %w", t.ID, err)
	}

	payload, _ := json.Marshal(map[string]any{
		"task_id":             t.ID,
		"preferred_agent":     preferred,
		"estimated_wait_mins": wait,
	})
	r.publish(ctx, &comms.Event{
		Channel: comms.ChannelQueue,
		Type:    comms.EventTaskQueued,
		TaskID:  t.ID,
		Agent:   preferred,
		Payload: payload,
	})
	return nil
}

// estimateLocked computes the wait estimate in minutes for a task about to
// be queued for the given agent.
func (r *Router) estimateLocked(name string) int {
	queued := 0
	for _, p := range r.pending {
		if p.PreferredAgent == name {
			queued++
		}
	}
	return waitPerActive*len(r.active[name]) + waitPerQueued*queued
}

// EstimatedWait returns the current wait estimate in minutes for a new task
// preferring the given agent.
func (r *Router) EstimatedWait(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.estimateLocked(name)
}

// QueueStatus is a point-in-time view of the scheduling state, computed
// entirely from in-memory structures so it stays answerable even when the
// store is unavailable.
type QueueStatus struct {
	Active  map[string][]string `json:"active"` // agent -> claimed task ids
	Pending []PendingStatus     `json:"pending"`
}

// PendingStatus describes one queued task.
type PendingStatus struct {
	TaskID         string    `json:"task_id"`
	PreferredAgent string    `json:"preferred_agent"`
	Position       int       `json:"position"` // 1-based within the agent's queue
	EstimatedWait  int       `json:"estimated_wait_mins"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Queue returns the current queue status.
func (r *Router) Queue() QueueStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := QueueStatus{Active: make(map[string][]string, len(r.active))}
	for name, ids := range r.active {
		st.Active[name] = append([]string(nil), ids...)
	}
	perAgent := make(map[string]int)
	for _, p := range r.pending {
		pos := perAgent[p.PreferredAgent]
		perAgent[p.PreferredAgent] = pos + 1
		st.Pending = append(st.Pending, PendingStatus{
			TaskID:         p.TaskID,
			PreferredAgent: p.PreferredAgent,
			Position:       pos + 1,
			EstimatedWait:  waitPerActive*len(r.active[p.PreferredAgent]) + waitPerQueued*pos,
			EnqueuedAt:     p.EnqueuedAt,
		})
	}
	return st
}

// promote assigns queued tasks to the agent while capacity allows, oldest
// first. Called after a completion frees a slot. Each pass pops the next
// entry and reserves its slot under one lock.
func (r *Router) promote(ctx context.Context, name string) {
	a, ok := r.registry.Get(name)
	if !ok {
		return
	}
	for {
		r.mu.Lock()
		if len(r.active[name]) >= a.MaxConcurrentTasks {
			r.mu.Unlock()
			return
		}
		idx := -1
		for i, p := range r.pending {
			if p.PreferredAgent == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			r.mu.Unlock()
			return
		}
		entry := r.pending[idx]
		r.pending = append(r.pending[:idx], r.pending[idx+1:]...)
		r.trackLocked(name, entry.TaskID)
		r.mu.Unlock()

		t, err := r.store.Get(entry.TaskID)
		if err != nil {
			r.release(name, entry.TaskID)
			r.logger.Warn("promote: task vanished", slog.String("task", entry.TaskID), slog.Any("err", err))
			continue
		}
		if !t.Status.Live() || t.AssignedTo != "" {
			r.release(name, entry.TaskID)
			continue
		}
		if err := r.assign(ctx, t, name); err != nil {
			r.logger.Warn("promote: assign failed", slog.String("task", t.ID), slog.Any("err", err))
		}
	}
}

// Trigger forces one pending or assigned task through its next step
// immediately. This is the operator's manual retry path.
func (r *Router) Trigger(ctx context.Context, id string) (*task.Task, error) {
	t, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case task.StatusPending, task.StatusQueued:
		if t.Status == task.StatusQueued {
			r.dropPending(id)
		}
		if err := r.route(ctx, t); err != nil {
			return t, err
		}
		return t, nil
	case task.StatusAssigned:
		r.execute(ctx, t.AssignedTo, t)
		return r.store.Get(id)
	default:
		return t, fmt.Errorf("task %s is %s; only pending, queued, or assigned tasks can be triggered", id, t.Status)
	}
}

// dropPending removes the task from the in-memory pending queue.
func (r *Router) dropPending(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.pending[:0]
	for _, p := range r.pending {
		if p.TaskID != id {
			kept = append(kept, p)
		}
	}
	r.pending = kept
}

// execute runs one task on its agent's provider and finalizes its state.
// Admission (quota) denials leave the task assigned for a later tick.
func (r *Router) execute(ctx context.Context, name string, t *task.Task) {
	r.mu.Lock()
	if cur, busy := r.executing[name]; busy {
		r.mu.Unlock()
		r.logger.Debug("agent busy", slog.String("agent", name), slog.String("running", cur))
		return
	}
	r.executing[name] = t.ID
	r.trackLocked(name, t.ID)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.executing, name)
		r.mu.Unlock()
	}()

	prio := quota.PriorityNormal
	if t.Priority == task.PriorityCritical {
		prio = quota.PriorityUrgent
	}
	if err := r.ledger.Allow(name, prio); err != nil {
		if errors.Is(err, quota.ErrDenied) {
			r.logger.Info("quota denied, task stays assigned",
				slog.String("agent", name), slog.String("task", t.ID))
			return
		}
		// Counter store failure: degrade open rather than stalling the agent.
		r.logger.Warn("quota check failed, admitting", slog.Any("err", err))
	}

	ctx, span := r.tracer.Start(ctx, "router.execute", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("agent.name", name),
	))
	defer span.End()

	now := time.Now().UTC()
	t.Status = task.StatusInProgress
	t.StartedAt = &now
	if err := r.store.Update(t); err != nil {
		r.logger.Error("mark in_progress", slog.String("task", t.ID), slog.Any("err", err))
		span.SetStatus(codes.Error, err.Error())
		return
	}
	r.publishTask(ctx, comms.EventTaskStarted, t)

	if err := r.ledger.Record(name); err != nil {
		r.logger.Warn("record quota usage", slog.Any("err", err))
	}

	p, ok := r.providers[name]
	if !ok {
		r.fail(ctx, name, t, fmt.Errorf("no provider configured for agent %s", name))
		span.SetStatus(codes.Error, "no provider")
		return
	}

	start := time.Now()
	result, err := p.Think(ctx, buildPrompt(t), map[string]any{
		"task_id": t.ID,
		"agent":   name,
		"project": t.ProjectID,
	})
	r.ledger.Observe(name, time.Since(start))

	if err != nil {
		r.fail(ctx, name, t, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	r.complete(ctx, name, t, result)
}

// buildPrompt renders the task into the provider prompt.
func buildPrompt(t *task.Task) string {
	prompt := "Task: " + t.Title
	if t.Description != "" {
		prompt += "\n\nDescription: " + t.Description
	}
	return prompt
}

// complete finalizes a successful execution, frees the slot, and chains the
// workflow successor.
func (r *Router) complete(ctx context.Context, name string, t *task.Task, result *provider.Result) {
	now := time.Now().UTC()
	t.Status = task.StatusCompleted
	t.Result = result.Output
	t.Error = ""
	t.CompletedAt = &now
	if err := r.store.Update(t); err != nil {
		r.logger.Error("mark completed", slog.String("task", t.ID), slog.Any("err", err))
	}

	r.mu.Lock()
	r.untrackLocked(name, t.ID)
	r.mu.Unlock()

	r.publishTask(ctx, comms.EventTaskCompleted, t)
	r.chain(ctx, t)
	r.promote(ctx, name)
}

// fail finalizes a failed execution. Failures are terminal and not retried;
// the operator's manual trigger is the only retry path.
func (r *Router) fail(ctx context.Context, name string, t *task.Task, cause error) {
	now := time.Now().UTC()
	t.Status = task.StatusFailed
	t.Error = cause.Error()
	t.FailedAt = &now
	if err := r.store.Update(t); err != nil {
		r.logger.Error("mark failed", slog.String("task", t.ID), slog.Any("err", err))
	}

	r.mu.Lock()
	r.untrackLocked(name, t.ID)
	r.mu.Unlock()

	r.logger.Warn("task failed",
		slog.String("task", t.ID),
		slog.String("agent", name),
		slog.String("error", cause.Error()))
	r.publishTask(ctx, comms.EventTaskFailed, t)
	r.promote(ctx, name)
}

// chain promotes the workflow successor of a completed project task to
// queued. This is the only automatic transition not driven by a loop or an
// explicit request.
func (r *Router) chain(ctx context.Context, t *task.Task) {
	if t.ProjectID == "" {
		return
	}
	next, err := r.store.Successor(t.ID)
	if err != nil {
		r.logger.Warn("successor lookup", slog.String("task", t.ID), slog.Any("err", err))
		return
	}
	if next == nil || next.Status != task.StatusPending {
		return
	}
	preferred := r.matcher.Select(next.Title, next.Description)
	if err := r.enqueue(ctx, next, preferred); err != nil {
		r.logger.Warn("chain successor", slog.String("task", next.ID), slog.Any("err", err))
		return
	}
	r.logger.Info("chained successor",
		slog.String("task", t.ID),
		slog.String("successor", next.ID))
	r.promote(ctx, preferred)
}

// publishTask publishes a task status delta on the tasks channel.
func (r *Router) publishTask(ctx context.Context, typ comms.EventType, t *task.Task) {
	payload, _ := json.Marshal(t)
	r.publish(ctx, &comms.Event{
		Channel: comms.ChannelTasks,
		Type:    typ,
		TaskID:  t.ID,
		Agent:   t.AssignedTo,
		Payload: payload,
	})
}

// publish sends best-effort; delivery failures never affect task state.
func (r *Router) publish(ctx context.Context, ev *comms.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Debug("publish event", slog.String("channel", ev.Channel), slog.Any("err", err))
	}
}
