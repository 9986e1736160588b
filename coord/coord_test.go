package coord

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/provider"
	"github.com/GoCodeAlone/dispatch/provider/mock"
	"github.com/GoCodeAlone/dispatch/task"
)

func testRegistry() *agent.Registry {
	return agent.NewRegistry(
		agent.Agent{Name: agent.NameArchitect, Specialization: "architecture planning design coordination", MaxConcurrentTasks: 2, CanDelegate: true},
		agent.Agent{Name: agent.NameBackend, Specialization: "backend api database services", MaxConcurrentTasks: 3},
		agent.Agent{Name: agent.NameFrontend, Specialization: "frontend ui components styling", MaxConcurrentTasks: 3},
		agent.Agent{Name: agent.NameQA, Specialization: "testing qa quality verification", MaxConcurrentTasks: 2},
	)
}

type admitAll struct{}

func (admitAll) CanAccept(string) bool { return true }

type denyAgents map[string]bool

func (d denyAgents) CanAccept(name string) bool { return !d[name] }

func newEngine(t *testing.T, providers map[string]provider.Provider, admit Admitter) *Engine {
	t.Helper()
	return New(Options{
		Registry:  testRegistry(),
		Providers: providers,
		Admitter:  admit,
		Bus:       comms.NewInMemoryBus(),
		Logger:    slog.New(slog.DiscardHandler),
	})
}

func sharedProviders(p provider.Provider) map[string]provider.Provider {
	return map[string]provider.Provider{
		agent.NameArchitect: p,
		agent.NameBackend:   p,
		agent.NameFrontend:  p,
		agent.NameQA:        p,
	}
}

func phases(s *Session) []string {
	out := make([]string, len(s.Results))
	for i, r := range s.Results {
		out[i] = r.Phase
	}
	return out
}

func TestCoordinate_DelegatedPlanning(t *testing.T) {
	mp := mock.New()
	e := newEngine(t, sharedProviders(mp), admitAll{})

	s, err := e.Coordinate(context.Background(), &task.Task{
		ID:          "t1",
		Title:       "Build the billing api and its ui",
		Description: "Expose invoice totals through a new api endpoint and surface them on the billing page.",
	}, StrategyDelegated)
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}
	if s.Status != SessionCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}

	wantParticipants := []string{
		agent.NameArchitect, agent.NameBackend, agent.NameFrontend, agent.NameQA, agent.NameArchitect,
	}
	if len(s.Participants) != len(wantParticipants) {
		t.Fatalf("participants = %v, want %v", s.Participants, wantParticipants)
	}
	for i := range wantParticipants {
		if s.Participants[i] != wantParticipants[i] {
			t.Errorf("participant[%d] = %s, want %s", i, s.Participants[i], wantParticipants[i])
		}
	}

	wantPhases := []string{"plan", "subtask_backend", "subtask_frontend", "subtask_qa", "integrate"}
	got := phases(s)
	for i := range wantPhases {
		if i >= len(got) || got[i] != wantPhases[i] {
			t.Fatalf("phases = %v, want %v", got, wantPhases)
		}
	}
	if len(mp.Calls()) != 5 {
		t.Errorf("provider calls = %d, want 5", len(mp.Calls()))
	}
}

func TestDelegated_SkipsAgentAtCapacity(t *testing.T) {
	mp := mock.New()
	e := newEngine(t, sharedProviders(mp), denyAgents{agent.NameBackend: true})

	s, err := e.Coordinate(context.Background(), &task.Task{
		Title:       "Build the billing api and its ui",
		Description: "Expose invoice totals through a new api endpoint and surface them on the billing page.",
	}, StrategyDelegated)
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}
	if s.Status != SessionCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
	// Backend had no capacity: its subtask is dropped, not queued.
	for _, p := range s.Participants {
		if p == agent.NameBackend {
			t.Errorf("backend participated despite being at capacity: %v", s.Participants)
		}
	}
	for _, ph := range phases(s) {
		if ph == "subtask_backend" {
			t.Errorf("backend subtask ran: %v", phases(s))
		}
	}
}

func TestCoordinate_Collaborative(t *testing.T) {
	mp := mock.New()
	e := newEngine(t, sharedProviders(mp), admitAll{})

	s, err := e.Coordinate(context.Background(), &task.Task{
		Title:       "Raise api test quality",
		Description: "Improve the api integration test quality and database coverage for the billing services.",
	}, StrategyCollaborative)
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}
	if s.Status != SessionCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
	// The roster is recorded in selection order before the fan-out runs, so
	// it is stable regardless of which contribution finishes first.
	wantRoster := []string{agent.NameArchitect, agent.NameBackend, agent.NameQA, agent.NameArchitect}
	if len(s.Participants) != len(wantRoster) {
		t.Fatalf("participants = %v, want %v", s.Participants, wantRoster)
	}
	for i := range wantRoster {
		if s.Participants[i] != wantRoster[i] {
			t.Errorf("participant[%d] = %s, want %s", i, s.Participants[i], wantRoster[i])
		}
	}

	contributions, syntheses := 0, 0
	for _, r := range s.Results {
		switch r.Phase {
		case "contribution":
			contributions++
		case "synthesis":
			syntheses++
		}
	}
	// Relevance filter picks backend and qa; frontend has no overlap.
	if contributions != 3 {
		t.Errorf("contributions = %d, want 3 (coordinator, backend, qa)", contributions)
	}
	if syntheses != 1 {
		t.Errorf("syntheses = %d, want 1", syntheses)
	}
	if s.Results[len(s.Results)-1].Phase != "synthesis" {
		t.Errorf("synthesis not last: %v", phases(s))
	}
}

func TestCollaborative_FailurePreservesPartialResults(t *testing.T) {
	failing := mock.New().FailWith(errors.New("backend offline"))
	providers := sharedProviders(mock.New())
	providers[agent.NameBackend] = failing
	e := newEngine(t, providers, admitAll{})

	s, err := e.Coordinate(context.Background(), &task.Task{
		Title:       "Raise api test quality",
		Description: "Improve the api integration test quality and database coverage for the billing services.",
	}, StrategyCollaborative)
	if err == nil {
		t.Fatal("expected error from failing contributor")
	}
	if s.Status != SessionFailed {
		t.Fatalf("status = %s, want failed", s.Status)
	}
	if !strings.Contains(s.Error, "backend offline") {
		t.Errorf("session error = %q", s.Error)
	}
	for _, r := range s.Results {
		if r.Phase == "synthesis" {
			t.Error("synthesis ran after a failed contribution")
		}
		if r.Agent == agent.NameBackend {
			t.Error("failed contribution recorded as a result")
		}
	}
}

func TestPipeline_StageFailureStopsRun(t *testing.T) {
	mp := mock.New(`{"text":"stage one output"}`)
	mp.FailWith(errors.New("stage exploded"))
	e := newEngine(t, sharedProviders(mp), admitAll{})

	stages := []Stage{
		{Agent: agent.NameArchitect, Instruction: "Outline the approach."},
		{Agent: agent.NameBackend, Instruction: "Implement the service."},
		{Agent: agent.NameFrontend, Instruction: "Wire up the page."},
		{Agent: agent.NameQA, Instruction: "Verify the result."},
	}
	s, err := e.Pipeline(context.Background(), &task.Task{
		Title:       "Ship the billing page",
		Description: "End-to-end delivery of the invoice totals page.",
	}, stages)
	if err == nil {
		t.Fatal("expected pipeline error")
	}
	if s.Status != SessionFailed {
		t.Fatalf("status = %s, want failed", s.Status)
	}
	if !strings.Contains(s.Error, "stage 2") {
		t.Errorf("error = %q, want stage 2 attribution", s.Error)
	}
	if len(s.Results) != 1 || s.Results[0].Phase != "stage_1" {
		t.Fatalf("results = %v, want exactly stage 1's output", phases(s))
	}
	// Stages 3 and 4 never ran: one successful call plus the failed one.
	if got := len(mp.Calls()); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
}

func TestPipeline_AccumulatesContext(t *testing.T) {
	mp := mock.New(`{"text":"first"}`, `{"text":"second"}`)
	e := newEngine(t, sharedProviders(mp), admitAll{})

	stages := []Stage{
		{Agent: agent.NameBackend, Instruction: "Implement."},
		{Agent: agent.NameQA, Instruction: "Verify."},
	}
	s, err := e.Pipeline(context.Background(), &task.Task{Title: "Ship it"}, stages)
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if s.Status != SessionCompleted {
		t.Fatalf("status = %s", s.Status)
	}

	calls := mp.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	acc, ok := calls[1].Context["accumulated"].(map[string]any)
	if !ok {
		t.Fatalf("second stage context missing accumulated outputs: %v", calls[1].Context)
	}
	if acc["stage_1_"+agent.NameBackend] != "first" {
		t.Errorf("accumulated = %v, want stage 1 output", acc)
	}
}

func TestCoordinate_Parallel(t *testing.T) {
	mp := mock.New()
	e := newEngine(t, sharedProviders(mp), admitAll{})

	s, err := e.Coordinate(context.Background(), &task.Task{
		Title:       "Quarterly dependency upgrade",
		Description: "Bump direct dependencies across all service areas and note breaking changes.",
	}, StrategyParallel)
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}
	if s.Status != SessionCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
	// One work package per specialist; the coordinator does not take one.
	if len(s.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(s.Results))
	}
	seen := map[string]bool{}
	for _, r := range s.Results {
		seen[r.Agent] = true
		if r.Agent == agent.NameArchitect {
			t.Errorf("coordinator received a work package")
		}
	}
	for _, name := range []string{agent.NameBackend, agent.NameFrontend, agent.NameQA} {
		if !seen[name] {
			t.Errorf("no work package result for %s", name)
		}
	}
}

func TestCoordinate_UnknownStrategy(t *testing.T) {
	e := newEngine(t, sharedProviders(mock.New()), admitAll{})
	_, err := e.Coordinate(context.Background(), &task.Task{Title: "x"}, Strategy("bogus"))
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("err = %v, want ErrUnknownStrategy", err)
	}
}

func TestReap_DropsExpiredSessions(t *testing.T) {
	e := newEngine(t, sharedProviders(mock.New()), admitAll{})

	s, err := e.Coordinate(context.Background(), &task.Task{
		Title:       "Quarterly dependency upgrade",
		Description: "Bump direct dependencies across all service areas and note breaking changes.",
	}, StrategyParallel)
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}

	if n := e.Reap(time.Now()); n != 0 {
		t.Fatalf("fresh session reaped: %d", n)
	}
	if _, err := e.Get(s.ID); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	if n := e.Reap(time.Now().Add(2 * time.Hour)); n != 1 {
		t.Fatalf("Reap = %d, want 1", n)
	}
	if _, err := e.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get after reap = %v, want ErrSessionNotFound", err)
	}
}
