package agent

import "strings"

// Matcher selects an agent for a task based on its text. Implementations
// must be deterministic: the same text always yields the same agent.
type Matcher interface {
	// Select returns the name of the agent that should handle the task.
	Select(title, description string) string

	// SelectExcluding returns the first matching agent other than exclude,
	// or "" when no other agent matches. Used for delegation handoff.
	SelectExcluding(title, description, exclude string) string
}

// Rule maps a keyword set to an agent name. Rules are evaluated in order;
// the first rule with any keyword present in the task text wins.
type Rule struct {
	Agent    string
	Keywords []string
}

// KeywordMatcher is the default Matcher: an ordered rule list over
// case-insensitive keyword containment, with a fallback agent when no rule
// matches (routing ambiguity resolves to the fallback, not an error).
type KeywordMatcher struct {
	rules    []Rule
	fallback string
}

// NewKeywordMatcher creates a matcher with the given rules and fallback agent.
func NewKeywordMatcher(fallback string, rules ...Rule) *KeywordMatcher {
	return &KeywordMatcher{rules: rules, fallback: fallback}
}

// DefaultMatcher returns the matcher for the built-in roster. Rule order
// mirrors the roster: architecture/planning first, review last.
func DefaultMatcher() *KeywordMatcher {
	return NewKeywordMatcher(NameArchitect,
		Rule{Agent: NameArchitect, Keywords: []string{"architecture", "architect", "design", "planning", "roadmap", "strategy"}},
		Rule{Agent: NameBackend, Keywords: []string{"api", "backend", "server", "database", "sql", "endpoint", "auth", "migration"}},
		Rule{Agent: NameFrontend, Keywords: []string{"ui", "frontend", "css", "component", "page", "layout", "react"}},
		Rule{Agent: NameQA, Keywords: []string{"test", "qa", "quality", "bug", "regression", "verify"}},
		Rule{Agent: NameInfra, Keywords: []string{"deploy", "infra", "docker", "kubernetes", "ci", "pipeline", "terraform"}},
		Rule{Agent: NameReviewer, Keywords: []string{"review", "refactor", "audit", "cleanup"}},
	)
}

// Select returns the first rule whose keywords appear in the task text,
// falling back to the default agent.
func (m *KeywordMatcher) Select(title, description string) string {
	if agent := m.match(title, description, ""); agent != "" {
		return agent
	}
	return m.fallback
}

// SelectExcluding returns the first matching agent other than exclude, or ""
// when no other rule matches.
func (m *KeywordMatcher) SelectExcluding(title, description, exclude string) string {
	return m.match(title, description, exclude)
}

func (m *KeywordMatcher) match(title, description, exclude string) string {
	text := strings.ToLower(title + " " + description)
	for _, r := range m.rules {
		if r.Agent == exclude {
			continue
		}
		for _, kw := range r.Keywords {
			if strings.Contains(text, kw) {
				return r.Agent
			}
		}
	}
	return ""
}
