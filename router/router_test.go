package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/provider"
	"github.com/GoCodeAlone/dispatch/provider/mock"
	"github.com/GoCodeAlone/dispatch/quota"
	"github.com/GoCodeAlone/dispatch/task"
)

// backendTask is detailed enough to pass intake and matches the backend rules.
const backendDesc = "Add cursor pagination to the /v1/items endpoint. Update the handler and the database query to return next_cursor."

type fixture struct {
	router *Router
	store  *task.MemStore
	bus    *comms.InMemoryBus
	mock   *mock.Provider
	ledger *quota.Ledger
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()

	registry := agent.NewRegistry(
		agent.Agent{Name: agent.NameArchitect, MaxConcurrentTasks: 1, CanDelegate: true},
		agent.Agent{Name: agent.NameBackend, MaxConcurrentTasks: 1},
		agent.Agent{Name: agent.NameFrontend, MaxConcurrentTasks: 2},
	)
	store := task.NewMemStore()
	bus := comms.NewInMemoryBus()
	mp := mock.New()
	ledger := quota.New(quota.Config{GlobalBudget: 100}, quota.NewMemCounterStore())

	o := Options{
		Registry: registry,
		Store:    store,
		Ledger:   ledger,
		Bus:      bus,
		Providers: map[string]provider.Provider{
			agent.NameArchitect: mp,
			agent.NameBackend:   mp,
			agent.NameFrontend:  mp,
		},
		Logger: slog.New(slog.DiscardHandler),
	}
	for _, fn := range opts {
		fn(&o)
	}
	f := &fixture{store: store, bus: bus, mock: mp, ledger: o.Ledger}
	f.router = New(o)
	return f
}

func (f *fixture) submit(t *testing.T, title, desc string) *task.Task {
	t.Helper()
	tk, err := f.router.Submit(context.Background(), &task.Task{Title: title, Description: desc})
	if err != nil {
		t.Fatalf("Submit(%q): %v", title, err)
	}
	return tk
}

func TestSubmit_AssignsMatchingAgent(t *testing.T) {
	f := newFixture(t)

	tk := f.submit(t, "Paginate the items endpoint", backendDesc)

	if tk.Status != task.StatusAssigned {
		t.Fatalf("status = %s, want assigned", tk.Status)
	}
	if tk.AssignedTo != agent.NameBackend {
		t.Errorf("assigned to %q, want backend", tk.AssignedTo)
	}
	stored, err := f.store.Get(tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.AssignedTo != agent.NameBackend || stored.Status != task.StatusAssigned {
		t.Errorf("store disagrees: %s/%s", stored.Status, stored.AssignedTo)
	}
	if got := f.router.ActiveCount(agent.NameBackend); got != 1 {
		t.Errorf("active count = %d, want 1", got)
	}

	events, err := f.bus.History(comms.ChannelTasks, 0)
	if err != nil || len(events) != 1 || events[0].Type != comms.EventTaskAssigned {
		t.Errorf("expected one task_assigned event, got %v (%v)", events, err)
	}
}

func TestSubmit_QueuesAtCapacity(t *testing.T) {
	f := newFixture(t)

	f.submit(t, "Paginate the items endpoint", backendDesc)
	second := f.submit(t, "Harden the auth endpoint", backendDesc)
	third := f.submit(t, "Add a database migration", backendDesc)

	if second.Status != task.StatusQueued || second.PreferredAgent != agent.NameBackend {
		t.Fatalf("second = %s/%s, want queued/backend", second.Status, second.PreferredAgent)
	}

	st := f.router.Queue()
	if len(st.Pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(st.Pending))
	}
	// One active task on the agent contributes 5 minutes, each queued task
	// ahead contributes 3.
	if st.Pending[0].TaskID != second.ID || st.Pending[0].Position != 1 || st.Pending[0].EstimatedWait != 5 {
		t.Errorf("first entry = %+v, want position 1, wait 5", st.Pending[0])
	}
	if st.Pending[1].TaskID != third.ID || st.Pending[1].Position != 2 || st.Pending[1].EstimatedWait != 8 {
		t.Errorf("second entry = %+v, want position 2, wait 8", st.Pending[1])
	}

	queueEvents, err := f.bus.History(comms.ChannelQueue, 0)
	if err != nil || len(queueEvents) != 2 {
		t.Errorf("expected 2 queue events, got %d (%v)", len(queueEvents), err)
	}
}

// slowAssignStore widens the window between the capacity check and the claim
// the way a real sqlite write would.
type slowAssignStore struct {
	task.Store
	delay time.Duration
}

func (s *slowAssignStore) Assign(id, agentName string) error {
	time.Sleep(s.delay)
	return s.Store.Assign(id, agentName)
}

func TestSubmit_ConcurrentSubmissionsRespectCapacity(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Store = &slowAssignStore{Store: o.Store.(*task.MemStore), delay: 2 * time.Millisecond}
	})

	const submissions = 20
	var wg sync.WaitGroup
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.router.Submit(context.Background(), &task.Task{
				Title:       "Paginate the items endpoint",
				Description: backendDesc,
			})
			if err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.router.ActiveCount(agent.NameBackend); got != 1 {
		t.Fatalf("active count = %d, want 1", got)
	}

	assigned, err := f.store.List(task.Filter{Statuses: []task.Status{task.StatusAssigned}})
	if err != nil {
		t.Fatalf("List assigned: %v", err)
	}
	if len(assigned) != 1 {
		t.Fatalf("assigned tasks = %d, want 1", len(assigned))
	}
	queued, err := f.store.List(task.Filter{Statuses: []task.Status{task.StatusQueued}})
	if err != nil {
		t.Fatalf("List queued: %v", err)
	}
	if len(queued) != submissions-1 {
		t.Fatalf("queued tasks = %d, want %d", len(queued), submissions-1)
	}
}

func TestSubmit_DelegatesWhenCoordinatorFull(t *testing.T) {
	f := newFixture(t)

	first := f.submit(t, "Design the billing service architecture",
		"Plan the billing service split. Cover ownership boundaries and rollout order for each module involved.")
	if first.AssignedTo != agent.NameArchitect {
		t.Fatalf("first assigned to %q, want architect", first.AssignedTo)
	}

	// Architect is now at capacity; the next planning task also matches the
	// backend rules and should be handed off there.
	second := f.submit(t, "Design the api surface for invoicing",
		"Plan the invoicing api surface. List the endpoint set and the database schema each endpoint reads.")
	if second.Status != task.StatusAssigned {
		t.Fatalf("second status = %s, want assigned", second.Status)
	}
	if second.AssignedTo != agent.NameBackend {
		t.Errorf("delegated to %q, want backend", second.AssignedTo)
	}
}

func TestSubmit_BlocksVagueTask(t *testing.T) {
	f := newFixture(t)

	tk, err := f.router.Submit(context.Background(), &task.Task{Title: "Fix it", Description: "please"})
	if !errors.Is(err, ErrTaskBlocked) {
		t.Fatalf("err = %v, want ErrTaskBlocked", err)
	}
	if tk.Status != task.StatusBlocked {
		t.Errorf("status = %s, want blocked", tk.Status)
	}
	if tk.BlockingReason == "" || tk.NextAction == "" {
		t.Errorf("blocked task missing reason/next action: %+v", tk)
	}

	stored, err := f.store.Get(tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != task.StatusBlocked || stored.BlockingReason == "" {
		t.Errorf("store disagrees: %+v", stored)
	}
}

func TestTrigger_ExecutesAssignedTask(t *testing.T) {
	f := newFixture(t)
	tk := f.submit(t, "Paginate the items endpoint", backendDesc)

	done, err := f.router.Trigger(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if done.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if len(done.Result) == 0 {
		t.Error("completed task has no result")
	}
	if done.CompletedAt == nil || done.StartedAt == nil {
		t.Error("timestamps not set on completion")
	}
	if got := f.router.ActiveCount(agent.NameBackend); got != 0 {
		t.Errorf("active count after completion = %d, want 0", got)
	}

	calls := f.mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(calls))
	}
	if !strings.Contains(calls[0].Prompt, "Paginate the items endpoint") {
		t.Errorf("prompt = %q", calls[0].Prompt)
	}

	types := eventTypes(t, f.bus)
	want := []comms.EventType{comms.EventTaskAssigned, comms.EventTaskStarted, comms.EventTaskCompleted}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestTrigger_FailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.mock.FailWith(errors.New("model overloaded"))
	tk := f.submit(t, "Paginate the items endpoint", backendDesc)

	done, err := f.router.Trigger(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if done.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "model overloaded") {
		t.Errorf("error = %q", done.Error)
	}
	if done.FailedAt == nil {
		t.Error("FailedAt not set")
	}
	if got := f.router.ActiveCount(agent.NameBackend); got != 0 {
		t.Errorf("failed task still counted active: %d", got)
	}
}

func TestTrigger_QuotaDeniedLeavesAssigned(t *testing.T) {
	// Budget 5 at the default 0.2 fraction gives each agent one request.
	f := newFixture(t, func(o *Options) {
		o.Ledger = quota.New(quota.Config{GlobalBudget: 5}, quota.NewMemCounterStore())
	})
	if err := f.ledger.Record(agent.NameBackend); err != nil {
		t.Fatalf("Record: %v", err)
	}
	tk := f.submit(t, "Paginate the items endpoint", backendDesc)

	after, err := f.router.Trigger(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if after.Status != task.StatusAssigned {
		t.Fatalf("status = %s, want still assigned", after.Status)
	}
	if len(f.mock.Calls()) != 0 {
		t.Error("provider invoked despite quota denial")
	}
}

func TestTrigger_RejectsTerminalTask(t *testing.T) {
	f := newFixture(t)
	tk := f.submit(t, "Paginate the items endpoint", backendDesc)
	if _, err := f.router.Trigger(context.Background(), tk.ID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, err := f.router.Trigger(context.Background(), tk.ID); err == nil {
		t.Fatal("expected error triggering a completed task")
	}
}

func TestChain_SuccessorFollowsCompletion(t *testing.T) {
	f := newFixture(t)

	succ := &task.Task{
		Title:       "Add a regression test for pagination",
		Description: "Cover the /v1/items endpoint cursor behavior with an integration test across two pages.",
		ProjectID:   "proj-1",
	}
	if _, err := f.store.Create(succ); err != nil {
		t.Fatalf("Create successor: %v", err)
	}

	first, err := f.router.Submit(context.Background(), &task.Task{
		Title:       "Paginate the items endpoint",
		Description: backendDesc,
		ProjectID:   "proj-1",
		NextTaskID:  succ.ID,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.router.Trigger(context.Background(), first.ID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	// Completion queues the successor; the freed slot promotes it at once.
	after, err := f.store.Get(succ.ID)
	if err != nil {
		t.Fatalf("Get successor: %v", err)
	}
	if after.Status != task.StatusAssigned {
		t.Fatalf("successor status = %s, want assigned", after.Status)
	}

	queueEvents, err := f.bus.History(comms.ChannelQueue, 0)
	if err != nil || len(queueEvents) != 1 || queueEvents[0].TaskID != succ.ID {
		t.Errorf("expected one queue event for the successor, got %v (%v)", queueEvents, err)
	}
}

func TestConsistency_ResyncRebuildsFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assigned := &task.Task{Title: "Paginate the items endpoint", Description: backendDesc}
	if _, err := f.store.Create(assigned); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.store.Assign(assigned.ID, agent.NameBackend); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	queued := &task.Task{Title: "Harden the auth endpoint", Description: backendDesc}
	if _, err := f.store.Create(queued); err != nil {
		t.Fatalf("Create: %v", err)
	}
	queued.Status = task.StatusQueued
	queued.PreferredAgent = agent.NameBackend
	if err := f.store.Update(queued); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// The router knows nothing about either task yet.
	if err := f.router.RunConsistency(ctx); err != nil {
		t.Fatalf("RunConsistency: %v", err)
	}
	st := f.router.Queue()
	if got := st.Active[agent.NameBackend]; len(got) != 1 || got[0] != assigned.ID {
		t.Errorf("active = %v, want [%s]", got, assigned.ID)
	}
	if len(st.Pending) != 1 || st.Pending[0].TaskID != queued.ID || st.Pending[0].PreferredAgent != agent.NameBackend {
		t.Errorf("pending = %+v", st.Pending)
	}

	// A second pass over consistent state changes nothing.
	if err := f.router.RunConsistency(ctx); err != nil {
		t.Fatalf("second RunConsistency: %v", err)
	}
	again := f.router.Queue()
	if len(again.Pending) != 1 || len(again.Active[agent.NameBackend]) != 1 {
		t.Errorf("resync not idempotent: %+v", again)
	}

	// Store-side deletion diverges the sets and triggers a rebuild.
	if err := f.store.Delete(queued.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := f.router.RunConsistency(ctx); err != nil {
		t.Fatalf("third RunConsistency: %v", err)
	}
	if got := f.router.Queue(); len(got.Pending) != 0 {
		t.Errorf("pending after deletion = %+v, want empty", got.Pending)
	}
}

// probeStore counts divergence probes and rebuild reads.
type probeStore struct {
	task.Store
	liveCalls int
	listCalls int
}

func (s *probeStore) LiveIDs() ([]string, error) {
	s.liveCalls++
	return s.Store.LiveIDs()
}

func (s *probeStore) List(f task.Filter) ([]*task.Task, error) {
	s.listCalls++
	return s.Store.List(f)
}

func TestConsistency_ChecksLiveIDsBeforeRebuilding(t *testing.T) {
	var ps *probeStore
	f := newFixture(t, func(o *Options) {
		ps = &probeStore{Store: o.Store}
		o.Store = ps
	})
	ctx := context.Background()

	tk := f.submit(t, "Paginate the items endpoint", backendDesc)
	ps.liveCalls, ps.listCalls = 0, 0

	// Consistent state: the id probe alone settles it.
	if err := f.router.RunConsistency(ctx); err != nil {
		t.Fatalf("RunConsistency: %v", err)
	}
	if ps.liveCalls != 1 || ps.listCalls != 0 {
		t.Errorf("consistent pass: liveCalls=%d listCalls=%d, want 1/0", ps.liveCalls, ps.listCalls)
	}

	// Divergence triggers the full rebuild read.
	if err := f.store.Delete(tk.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := f.router.RunConsistency(ctx); err != nil {
		t.Fatalf("RunConsistency after delete: %v", err)
	}
	if ps.liveCalls != 2 || ps.listCalls != 1 {
		t.Errorf("diverged pass: liveCalls=%d listCalls=%d, want 2/1", ps.liveCalls, ps.listCalls)
	}
	if got := f.router.ActiveCount(agent.NameBackend); got != 0 {
		t.Errorf("active count after rebuild = %d, want 0", got)
	}
}

func TestCoordinatorLoop_AdoptsUnownedTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan := &task.Task{Title: "Paginate the items endpoint", Description: backendDesc}
	if _, err := f.store.Create(orphan); err != nil {
		t.Fatalf("Create: %v", err)
	}
	vague := &task.Task{Title: "Fix it", Description: "please"}
	if _, err := f.store.Create(vague); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.router.runCoordinator(ctx); err != nil {
		t.Fatalf("runCoordinator: %v", err)
	}

	adopted, err := f.store.Get(orphan.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.HasPrefix(adopted.ProjectID, "proj-") {
		t.Errorf("project id = %q, want proj- prefix", adopted.ProjectID)
	}
	if adopted.Status != task.StatusAssigned || adopted.AssignedTo != agent.NameBackend {
		t.Errorf("adopted task = %s/%s, want assigned/backend", adopted.Status, adopted.AssignedTo)
	}

	blocked, err := f.store.Get(vague.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if blocked.Status != task.StatusBlocked || blocked.BlockingReason == "" {
		t.Errorf("vague task = %+v, want blocked with reason", blocked)
	}
}

func TestLoops_RouteAndExecute(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Intervals = Intervals{
			Main:        10 * time.Millisecond,
			Agent:       10 * time.Millisecond,
			Coordinator: 10 * time.Millisecond,
			Consistency: 20 * time.Millisecond,
		}
	})

	tk := &task.Task{Title: "Paginate the items endpoint", Description: backendDesc}
	if _, err := f.store.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.router.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.router.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for {
		cur, err := f.store.Get(tk.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if cur.Status == task.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed, stuck at %s", cur.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := f.router.Start(context.Background()); err == nil {
		t.Error("expected error starting a running router")
	}
}

func eventTypes(t *testing.T, bus *comms.InMemoryBus) []comms.EventType {
	t.Helper()
	events, err := bus.History(comms.ChannelTasks, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	out := make([]comms.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
