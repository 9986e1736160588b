package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/task"
)

// maxCollaborators caps a collaborative fan-out, coordinator included.
const maxCollaborators = 4

// Stage is one step of a pipeline: the agent to invoke and what to ask of it.
type Stage struct {
	Agent       string `json:"agent"`
	Instruction string `json:"instruction"`
}

// Coordinate runs the named strategy over the task and returns the session.
// The session always ends completed or failed; a strategy error is both
// recorded on the session and returned.
func (e *Engine) Coordinate(ctx context.Context, t *task.Task, strategy Strategy) (*Session, error) {
	switch strategy {
	case StrategyDelegated, StrategyCollaborative, StrategyParallel:
	case StrategyPipeline:
		return e.Pipeline(ctx, t, e.defaultStages())
	default:
		return nil, fmt.Errorf("%q: %w", strategy, ErrUnknownStrategy)
	}

	s := e.newSession(t, strategy)
	ctx, span := e.tracer.Start(ctx, "coord.session", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("session.strategy", string(strategy)),
		attribute.String("task.id", t.ID),
	))
	defer span.End()

	var err error
	switch strategy {
	case StrategyDelegated:
		err = e.runDelegated(ctx, s)
	case StrategyCollaborative:
		err = e.runCollaborative(ctx, s)
	case StrategyParallel:
		err = e.runParallel(ctx, s)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.finish(ctx, s, err)
	return e.snapshot(s), err
}

// Pipeline runs the given stages strictly in order. Each stage sees the
// accumulated outputs of all prior stages; a stage failure stops the run
// with the earlier outputs preserved.
func (e *Engine) Pipeline(ctx context.Context, t *task.Task, stages []Stage) (*Session, error) {
	s := e.newSession(t, StrategyPipeline)
	ctx, span := e.tracer.Start(ctx, "coord.session", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("session.strategy", string(StrategyPipeline)),
		attribute.String("task.id", t.ID),
	))
	defer span.End()

	accumulated := map[string]any{}
	var err error
	for i, stage := range stages {
		prompt := fmt.Sprintf("%s\n\nTask: %s\n\n%s", stage.Instruction, s.Task.Title, s.Task.Description)
		e.recordParticipants(s, stage.Agent)
		var out json.RawMessage
		out, err = e.invoke(ctx, s, stage.Agent, fmt.Sprintf("stage_%d", i+1), prompt, map[string]any{
			"accumulated": accumulated,
		})
		if err != nil {
			err = fmt.Errorf("pipeline stage %d: %w", i+1, err)
			break
		}
		accumulated[fmt.Sprintf("stage_%d_%s", i+1, stage.Agent)] = textOf(out)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.finish(ctx, s, err)
	return e.snapshot(s), err
}

// runDelegated has the coordinator plan, farms heuristic subtasks out to
// specialists with capacity, and has the coordinator integrate the outputs.
// Subtasks whose specialist is unavailable are skipped, not queued.
func (e *Engine) runDelegated(ctx context.Context, s *Session) error {
	coordinator := e.registry.Coordinator()
	if coordinator == nil {
		return ErrNoCoordinator
	}

	planPrompt := fmt.Sprintf("Create an implementation plan for this task.\n\nTask: %s\n\n%s", s.Task.Title, s.Task.Description)
	e.recordParticipants(s, coordinator.Name)
	plan, err := e.invoke(ctx, s, coordinator.Name, "plan", planPrompt, nil)
	if err != nil {
		return err
	}

	var outputs []string
	for _, sub := range subtaskTemplates(s.Task.Title + " " + s.Task.Description) {
		if _, ok := e.registry.Get(sub.agent); !ok {
			e.logger.Info("skipping subtask, agent not registered",
				slog.String("session", s.ID), slog.String("agent", sub.agent))
			continue
		}
		if e.admit != nil && !e.admit.CanAccept(sub.agent) {
			e.logger.Info("skipping subtask, agent at capacity",
				slog.String("session", s.ID), slog.String("agent", sub.agent))
			continue
		}
		prompt := fmt.Sprintf("%s\n\nTask: %s\n\nPlan:\n%s", sub.instruction, s.Task.Title, textOf(plan))
		e.recordParticipants(s, sub.agent)
		out, err := e.invoke(ctx, s, sub.agent, "subtask_"+sub.area, prompt, nil)
		if err != nil {
			return err
		}
		outputs = append(outputs, sub.area+": "+textOf(out))
	}

	integratePrompt := fmt.Sprintf("Integrate the specialist outputs into one deliverable.\n\nTask: %s\n\nOutputs:\n%s",
		s.Task.Title, strings.Join(outputs, "\n\n"))
	e.recordParticipants(s, coordinator.Name)
	_, err = e.invoke(ctx, s, coordinator.Name, "integrate", integratePrompt, nil)
	return err
}

// runCollaborative fans the same prompt out to the relevant agents
// concurrently, joins them all, and has the coordinator synthesize the
// contributions.
func (e *Engine) runCollaborative(ctx context.Context, s *Session) error {
	coordinator := e.registry.Coordinator()
	if coordinator == nil {
		return ErrNoCoordinator
	}
	names := e.relevantAgents(&s.Task)

	prompt := fmt.Sprintf("Contribute your perspective on this task.\n\nTask: %s\n\n%s", s.Task.Title, s.Task.Description)
	e.recordParticipants(s, names...)
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.invoke(ctx, s, name, "contribution", prompt, nil)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	var contributions []string
	e.mu.Lock()
	for _, r := range s.Results {
		if r.Phase == "contribution" {
			contributions = append(contributions, r.Agent+": "+textOf(r.Output))
		}
	}
	e.mu.Unlock()

	synthPrompt := fmt.Sprintf("Synthesize these contributions into one result.\n\nTask: %s\n\nContributions:\n%s",
		s.Task.Title, strings.Join(contributions, "\n\n"))
	e.recordParticipants(s, coordinator.Name)
	_, err := e.invoke(ctx, s, coordinator.Name, "synthesis", synthPrompt, nil)
	return err
}

// runParallel hands each specialist an independent work package with no
// shared context. Results land in completion order.
func (e *Engine) runParallel(ctx context.Context, s *Session) error {
	var names []string
	for _, a := range e.registry.All() {
		if !a.CanDelegate {
			names = append(names, a.Name)
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("no specialist agents registered")
	}

	e.recordParticipants(s, names...)
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prompt := fmt.Sprintf("Handle the %s work package independently.\n\nTask: %s\n\n%s",
				name, s.Task.Title, s.Task.Description)
			_, errs[i] = e.invoke(ctx, s, name, "package_"+name, prompt, nil)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// recordParticipants appends the agents to the session roster before their
// phases run. Fan-out strategies call it with the whole selection at once so
// the roster order never depends on goroutine scheduling.
func (e *Engine) recordParticipants(s *Session, names ...string) {
	e.mu.Lock()
	s.Participants = append(s.Participants, names...)
	e.mu.Unlock()
}

// invoke runs one reasoning call and on success appends the phase result to
// the session. The participant must already be recorded.
func (e *Engine) invoke(ctx context.Context, s *Session, agentName, phase, prompt string, extra map[string]any) (json.RawMessage, error) {
	p, ok := e.providers[agentName]
	if !ok {
		return nil, fmt.Errorf("no provider configured for agent %s", agentName)
	}

	tctx := map[string]any{
		"session_id": s.ID,
		"task_id":    s.Task.ID,
		"phase":      phase,
	}
	for k, v := range extra {
		tctx[k] = v
	}

	started := e.now().UTC()
	res, err := p.Think(ctx, prompt, tctx)
	if err != nil {
		return nil, fmt.Errorf("phase %s on %s: %w", phase, agentName, err)
	}

	e.mu.Lock()
	s.Results = append(s.Results, PhaseResult{
		Agent:       agentName,
		Phase:       phase,
		Output:      res.Output,
		StartedAt:   started,
		CompletedAt: e.now().UTC(),
	})
	e.mu.Unlock()

	e.publishSession(ctx, s)
	return res.Output, nil
}

// snapshot returns a copy of the session safe to hand to callers.
func (e *Engine) snapshot(s *Session) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.clone()
}

// relevantAgents selects up to maxCollaborators agents whose specialization
// text overlaps the task text; the coordinator is always included first.
func (e *Engine) relevantAgents(t *task.Task) []string {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(t.Title + " " + t.Description)) {
		words[strings.Trim(w, ".,:;!?")] = true
	}

	var names []string
	if c := e.registry.Coordinator(); c != nil {
		names = append(names, c.Name)
	}
	for _, a := range e.registry.All() {
		if len(names) >= maxCollaborators {
			break
		}
		if a.CanDelegate {
			continue
		}
		if specOverlaps(words, a.Specialization) {
			names = append(names, a.Name)
		}
	}
	return names
}

func specOverlaps(words map[string]bool, spec string) bool {
	for _, w := range strings.Fields(strings.ToLower(spec)) {
		if words[w] {
			return true
		}
	}
	return false
}

// subtask is one delegated-planning work item template.
type subtask struct {
	agent       string
	area        string
	instruction string
}

// subtaskTemplates derives specialist subtasks from the task text. A QA
// verification subtask is always included.
func subtaskTemplates(text string) []subtask {
	text = strings.ToLower(text)
	var subs []subtask
	if textContainsAny(text, "api", "backend", "server", "database", "endpoint") {
		subs = append(subs, subtask{
			agent:       agent.NameBackend,
			area:        "backend",
			instruction: "Implement the backend portion of the plan.",
		})
	}
	if textContainsAny(text, "ui", "frontend", "component", "page", "css") {
		subs = append(subs, subtask{
			agent:       agent.NameFrontend,
			area:        "frontend",
			instruction: "Implement the frontend portion of the plan.",
		})
	}
	subs = append(subs, subtask{
		agent:       agent.NameQA,
		area:        "qa",
		instruction: "Verify the delivered changes against the plan.",
	})
	return subs
}

func textContainsAny(text string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// defaultStages builds the standard pipeline from the roster: the
// coordinator outlines the approach, then each specialist runs in
// registration order over the accumulated outputs.
func (e *Engine) defaultStages() []Stage {
	var stages []Stage
	if c := e.registry.Coordinator(); c != nil {
		stages = append(stages, Stage{Agent: c.Name, Instruction: "Outline the approach and call out risks."})
	}
	for _, a := range e.registry.All() {
		if a.CanDelegate {
			continue
		}
		stages = append(stages, Stage{
			Agent:       a.Name,
			Instruction: fmt.Sprintf("Carry out the %s work using the prior stage outputs.", a.Name),
		})
	}
	return stages
}

// textOf extracts the text field from a provider output, falling back to the
// raw payload.
func textOf(out json.RawMessage) string {
	if t := gjson.GetBytes(out, "text"); t.Exists() {
		return t.String()
	}
	return string(out)
}
