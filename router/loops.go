package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/task"
)

// newProjectID mints a project grouping id for tasks adopted by the
// coordinator loop.
func newProjectID() string {
	return "proj-" + uuid.NewString()
}

// Start launches the polling loops: the main routing loop, one execution
// loop per registered agent, the coordinator intake loop, and the
// consistency loop. It is an error to start a running router.
func (r *Router) Start(ctx context.Context) error {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.loopStop != nil {
		return fmt.Errorf("router already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.loopStop = cancel

	r.spawn(ctx, "main", r.intervals.Main, r.runMain)
	for _, a := range r.registry.All() {
		name := a.Name
		r.spawn(ctx, "agent:"+name, r.intervals.Agent, func(ctx context.Context) error {
			return r.runAgent(ctx, name)
		})
	}
	r.spawn(ctx, "coordinator", r.intervals.Coordinator, r.runCoordinator)
	r.spawn(ctx, "consistency", r.intervals.Consistency, func(ctx context.Context) error {
		return r.RunConsistency(ctx)
	})

	r.logger.Info("router started",
		slog.Duration("main", r.intervals.Main),
		slog.Duration("agent", r.intervals.Agent),
		slog.Duration("coordinator", r.intervals.Coordinator),
		slog.Duration("consistency", r.intervals.Consistency))
	return nil
}

// Stop halts all loops and waits for in-flight iterations to finish.
func (r *Router) Stop() {
	r.loopMu.Lock()
	stop := r.loopStop
	r.loopStop = nil
	r.loopMu.Unlock()
	if stop == nil {
		return
	}
	stop()
	r.loopWG.Wait()
	r.logger.Info("router stopped")
}

// spawn runs fn on a ticker until the context is canceled. A failing
// iteration is logged and the next tick proceeds; one bad pass never kills
// a loop.
func (r *Router) spawn(ctx context.Context, name string, every time.Duration, fn func(context.Context) error) {
	r.loopWG.Add(1)
	go func() {
		defer r.loopWG.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					r.logger.Warn("loop iteration failed",
						slog.String("loop", name), slog.Any("err", err))
				}
			}
		}
	}()
}

// runMain routes unassigned pending tasks oldest-first and reconciles
// assigned tasks into the in-memory active sets. Execution is left to the
// per-agent loops.
func (r *Router) runMain(ctx context.Context) error {
	tasks, err := r.store.List(task.Filter{
		Statuses:   []task.Status{task.StatusPending, task.StatusAssigned},
		ByCreation: true,
	})
	if err != nil {
		return fmt.Errorf("list routable tasks: %w", err)
	}
	for _, t := range tasks {
		switch t.Status {
		case task.StatusPending:
			if t.AssignedTo != "" {
				continue
			}
			if err := r.route(ctx, t); err != nil {
				r.logger.Debug("route pending task",
					slog.String("task", t.ID), slog.Any("err", err))
			}
		case task.StatusAssigned:
			r.mu.Lock()
			r.trackLocked(t.AssignedTo, t.ID)
			r.mu.Unlock()
		}
	}
	return nil
}

// runAgent executes the agent's highest-priority assigned task if the agent
// is idle. This is the sole automatic execution trigger.
func (r *Router) runAgent(ctx context.Context, name string) error {
	r.mu.Lock()
	_, busy := r.executing[name]
	r.mu.Unlock()
	if busy {
		return nil
	}

	tasks, err := r.store.List(task.Filter{
		Statuses:   []task.Status{task.StatusAssigned},
		AssignedTo: name,
		Limit:      1,
	})
	if err != nil {
		return fmt.Errorf("list assigned tasks for %s: %w", name, err)
	}
	if len(tasks) == 0 {
		return nil
	}
	r.execute(ctx, name, tasks[0])
	return nil
}

// runCoordinator screens unowned pending tasks: underspecified ones are
// blocked with a reason, the rest get a project grouping and are routed.
func (r *Router) runCoordinator(ctx context.Context) error {
	tasks, err := r.store.List(task.Filter{
		Statuses:   []task.Status{task.StatusPending},
		Unowned:    true,
		ByCreation: true,
	})
	if err != nil {
		return fmt.Errorf("list unowned tasks: %w", err)
	}
	for _, t := range tasks {
		if c := agent.Classify(t.Title, t.Description); c.Blocked {
			if err := r.block(ctx, t, c); err != nil {
				r.logger.Debug("coordinator blocked task",
					slog.String("task", t.ID), slog.Any("err", err))
			}
			continue
		}
		if t.ProjectID == "" {
			t.ProjectID = newProjectID()
			if err := r.store.Update(t); err != nil {
				r.logger.Warn("attach project",
					slog.String("task", t.ID), slog.Any("err", err))
				continue
			}
		}
		if err := r.route(ctx, t); err != nil {
			r.logger.Debug("coordinator route",
				slog.String("task", t.ID), slog.Any("err", err))
		}
	}
	return nil
}

// RunConsistency compares the task ids the in-memory structures believe are
// live against the store's claimed-or-queued set and rebuilds the in-memory
// state from the store on any divergence. Resync is idempotent: running it
// twice in a row leaves the same state.
func (r *Router) RunConsistency(ctx context.Context) error {
	ids, err := r.store.LiveIDs()
	if err != nil {
		return fmt.Errorf("live ids: %w", err)
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	r.mu.Lock()
	have := make(map[string]bool)
	for _, tracked := range r.active {
		for _, id := range tracked {
			have[id] = true
		}
	}
	for _, p := range r.pending {
		have[p.TaskID] = true
	}
	diverged := len(have) != len(want)
	if !diverged {
		for id := range want {
			if !have[id] {
				diverged = true
				break
			}
		}
	}
	r.mu.Unlock()
	if !diverged {
		return nil
	}

	// Full rebuild from the store; the store is the source of truth.
	stored, err := r.store.List(task.Filter{
		Statuses: []task.Status{task.StatusQueued, task.StatusAssigned, task.StatusInProgress},
	})
	if err != nil {
		return fmt.Errorf("list live tasks: %w", err)
	}

	r.mu.Lock()
	r.active = make(map[string][]string)
	r.pending = nil
	for _, t := range stored {
		switch t.Status {
		case task.StatusAssigned, task.StatusInProgress:
			if t.AssignedTo != "" {
				r.trackLocked(t.AssignedTo, t.ID)
			}
		case task.StatusQueued:
			preferred := t.PreferredAgent
			if preferred == "" {
				preferred = r.matcher.Select(t.Title, t.Description)
			}
			r.pending = append(r.pending, pendingEntry{
				TaskID:         t.ID,
				PreferredAgent: preferred,
				EnqueuedAt:     time.Now().UTC(),
			})
		}
	}
	r.mu.Unlock()

	r.logger.Info("in-memory state resynchronized from store",
		slog.Int("live", len(stored)))
	return nil
}
