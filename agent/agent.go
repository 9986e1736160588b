// Package agent defines worker descriptors and capability-based task matching.
package agent

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Agent describes a named worker with a concurrency limit and specialization
// tags. An agent is a routing target, not an OS thread. Descriptors are
// immutable after registration.
type Agent struct {
	Name               string `json:"name"`
	Specialization     string `json:"specialization"` // free-text tag set
	MaxConcurrentTasks int    `json:"max_concurrent_tasks"`
	CanDelegate        bool   `json:"can_delegate"`
}

// DisplayName returns the agent name in title case for UI surfaces.
func (a *Agent) DisplayName() string {
	return cases.Title(language.English).String(a.Name)
}

// Registry is the static set of registered agents, in registration order.
type Registry struct {
	agents map[string]*Agent
	order  []string
}

// NewRegistry creates a registry from the given descriptors. Agents with a
// non-positive concurrency limit are normalized to 1. Duplicate names keep
// the first registration.
func NewRegistry(agents ...Agent) *Registry {
	r := &Registry{agents: make(map[string]*Agent)}
	for _, a := range agents {
		if _, exists := r.agents[a.Name]; exists {
			continue
		}
		if a.MaxConcurrentTasks < 1 {
			a.MaxConcurrentTasks = 1
		}
		cp := a
		r.agents[a.Name] = &cp
		r.order = append(r.order, a.Name)
	}
	return r
}

// Get returns the agent with the given name.
func (r *Registry) Get(name string) (*Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// All returns all agents in registration order.
func (r *Registry) All() []*Agent {
	out := make([]*Agent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// Coordinator returns the first registered agent that can delegate, or nil.
func (r *Registry) Coordinator() *Agent {
	for _, name := range r.order {
		if a := r.agents[name]; a.CanDelegate {
			return a
		}
	}
	return nil
}

// Default agent names used by the built-in roster and matcher rules.
const (
	NameArchitect = "architect"
	NameBackend   = "backend"
	NameFrontend  = "frontend"
	NameQA        = "qa"
	NameInfra     = "infra"
	NameReviewer  = "reviewer"
)

// DefaultRegistry returns the built-in roster: an architecture/planning
// coordinator plus one specialist per area.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Agent{Name: NameArchitect, Specialization: "architecture planning design coordination", MaxConcurrentTasks: 2, CanDelegate: true},
		Agent{Name: NameBackend, Specialization: "backend api database services", MaxConcurrentTasks: 3},
		Agent{Name: NameFrontend, Specialization: "frontend ui components styling", MaxConcurrentTasks: 3},
		Agent{Name: NameQA, Specialization: "testing qa quality verification", MaxConcurrentTasks: 2},
		Agent{Name: NameInfra, Specialization: "infrastructure deployment ci monitoring", MaxConcurrentTasks: 2},
		Agent{Name: NameReviewer, Specialization: "code review refactoring audit", MaxConcurrentTasks: 2},
	)
}
