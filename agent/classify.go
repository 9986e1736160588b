package agent

import "strings"

// MinDescriptionLen is the minimum description length (in bytes, after
// trimming) a development task needs before the coordinator will route it.
const MinDescriptionLen = 50

// developmentVerbs are verbs that signal a change request. A task using one
// of these without any concrete technical keyword cannot be routed.
var developmentVerbs = []string{
	"implement", "build", "create", "fix", "add", "develop", "write", "update", "refactor",
}

// technicalKeywords are the concrete nouns the coordinator accepts as enough
// detail to route a development task.
var technicalKeywords = []string{
	"api", "endpoint", "database", "schema", "table", "ui", "component",
	"function", "class", "module", "file", "test", "config", "deploy",
	"service", "auth", "route", "query", "migration",
}

// Classification is the coordinator's verdict on whether a task carries
// enough information to be routed.
type Classification struct {
	Blocked    bool   `json:"blocked"`
	Reason     string `json:"reason,omitempty"`      // human-readable blocking reason
	NextAction string `json:"next_action,omitempty"` // what the submitter should do
}

// Classify decides whether a task is routable or blocked for insufficient
// detail: a description below the length threshold, or a development verb
// with no concrete technical keyword, refuses routing.
func Classify(title, description string) Classification {
	text := strings.ToLower(title + " " + description)

	if len(strings.TrimSpace(description)) < MinDescriptionLen {
		return Classification{
			Blocked:    true,
			Reason:     "description too short to route: no scope or acceptance criteria",
			NextAction: "re-submit with the change scope, inputs, and expected outcome",
		}
	}
	if containsAny(text, developmentVerbs) && !containsAny(text, technicalKeywords) {
		return Classification{
			Blocked:    true,
			Reason:     "development request names no concrete technical target",
			NextAction: "name the component, endpoint, or file the change applies to",
		}
	}
	return Classification{}
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
