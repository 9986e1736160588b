// Package coord runs multi-agent workflows over a single task. Each run is
// tracked as an ephemeral session; the task store stays the system of record
// for the task itself.
package coord

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/provider"
	"github.com/GoCodeAlone/dispatch/task"
)

// Strategy names a multi-agent workflow shape.
type Strategy string

const (
	// StrategyDelegated has the coordinator plan, split into specialist
	// subtasks, and integrate the outputs.
	StrategyDelegated Strategy = "delegated-planning"
	// StrategyCollaborative fans the same prompt out to the relevant agents
	// and has the coordinator synthesize the contributions.
	StrategyCollaborative Strategy = "collaborative"
	// StrategyPipeline runs ordered stages, each seeing all prior outputs.
	StrategyPipeline Strategy = "pipeline"
	// StrategyParallel splits the task into independent work packages with
	// no shared context.
	StrategyParallel Strategy = "parallel"
)

// SessionStatus is the lifecycle state of a coordination session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

var (
	// ErrUnknownStrategy rejects a Coordinate call with an unrecognized name.
	ErrUnknownStrategy = errors.New("unknown coordination strategy")
	// ErrNoCoordinator means the registry has no delegating agent to lead
	// a strategy that needs one.
	ErrNoCoordinator = errors.New("no coordinator agent registered")
	// ErrSessionNotFound is returned by Get for unknown or reaped sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// PhaseResult is the outcome of one agent invocation within a session.
type PhaseResult struct {
	Agent       string          `json:"agent"`
	Phase       string          `json:"phase"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Session is the ephemeral record of one workflow run. Participants is
// append-only and ordered; an agent invoked twice appears twice.
type Session struct {
	ID           string        `json:"id"`
	Task         task.Task     `json:"task"` // snapshot at invocation
	Strategy     Strategy      `json:"strategy"`
	Status       SessionStatus `json:"status"`
	Participants []string      `json:"participants"`
	Results      []PhaseResult `json:"results"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Participants = append([]string(nil), s.Participants...)
	cp.Results = append([]PhaseResult(nil), s.Results...)
	return &cp
}

// Admitter answers capacity questions for delegated subtask routing. The
// router satisfies it.
type Admitter interface {
	CanAccept(agentName string) bool
}

// Options configures an Engine. Registry and Providers are required.
type Options struct {
	Registry  *agent.Registry
	Matcher   agent.Matcher
	Providers map[string]provider.Provider
	Admitter  Admitter
	Bus       comms.Bus
	Logger    *slog.Logger
	Retention time.Duration // how long terminal sessions linger (default 1h)
}

// Engine owns coordination sessions and runs the strategies.
type Engine struct {
	registry  *agent.Registry
	matcher   agent.Matcher
	providers map[string]provider.Provider
	admit     Admitter
	bus       comms.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
	retention time.Duration
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	reapWG   sync.WaitGroup
	reapStop context.CancelFunc
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Matcher == nil {
		opts.Matcher = agent.DefaultMatcher()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	return &Engine{
		registry:  opts.Registry,
		matcher:   opts.Matcher,
		providers: opts.Providers,
		admit:     opts.Admitter,
		bus:       opts.Bus,
		logger:    opts.Logger,
		tracer:    otel.Tracer("github.com/GoCodeAlone/dispatch/coord"),
		retention: opts.Retention,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
}

// Get returns a snapshot of the session, or ErrSessionNotFound once reaped.
func (e *Engine) Get(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.clone(), nil
}

// Sessions returns snapshots of all retained sessions, newest first.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.clone())
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// Reap drops sessions that have been terminal longer than the retention
// period and returns how many were removed. Cleanup is best-effort; a
// session outliving its window is harmless.
func (e *Engine) Reap(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, s := range e.sessions {
		if s.CompletedAt != nil && now.Sub(*s.CompletedAt) > e.retention {
			delete(e.sessions, id)
			removed++
		}
	}
	return removed
}

// StartReaper runs Reap on the given interval until Stop or context
// cancellation.
func (e *Engine) StartReaper(ctx context.Context, every time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	e.reapStop = cancel
	e.reapWG.Add(1)
	go func() {
		defer e.reapWG.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.Reap(e.now()); n > 0 {
					e.logger.Debug("reaped sessions", slog.Int("count", n))
				}
			}
		}
	}()
}

// Stop halts the reaper, if started.
func (e *Engine) Stop() {
	if e.reapStop != nil {
		e.reapStop()
		e.reapWG.Wait()
		e.reapStop = nil
	}
}

// newSession registers an in-progress session for the task snapshot.
func (e *Engine) newSession(t *task.Task, strategy Strategy) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Task:      *t,
		Strategy:  strategy,
		Status:    SessionInProgress,
		CreatedAt: e.now().UTC(),
	}
	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()
	return s
}

// finish marks the session terminal. Partial results collected before a
// failure stay on the session.
func (e *Engine) finish(ctx context.Context, s *Session, cause error) {
	e.mu.Lock()
	done := e.now().UTC()
	s.CompletedAt = &done
	if cause != nil {
		s.Status = SessionFailed
		s.Error = cause.Error()
	} else {
		s.Status = SessionCompleted
	}
	e.mu.Unlock()

	if cause != nil {
		e.logger.Warn("coordination session failed",
			slog.String("session", s.ID),
			slog.String("strategy", string(s.Strategy)),
			slog.String("error", cause.Error()))
	}
	e.publishSession(ctx, s)
}

// publishSession emits a session snapshot on the sessions channel.
func (e *Engine) publishSession(ctx context.Context, s *Session) {
	if e.bus == nil {
		return
	}
	e.mu.Lock()
	payload, _ := json.Marshal(s)
	taskID := s.Task.ID
	e.mu.Unlock()
	ev := &comms.Event{
		Channel: comms.ChannelSessions,
		Type:    comms.EventSessionUpdate,
		TaskID:  taskID,
		Payload: payload,
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Debug("publish session event", slog.Any("err", err))
	}
}
