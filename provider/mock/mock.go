// Package mock provides a scripted reasoning provider for testing.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/dispatch/provider"
)

const defaultOutput = `{"text":"Task acknowledged. Working on it."}`

// Call records one Think invocation.
type Call struct {
	Prompt  string
	Context map[string]any
}

// Provider implements provider.Provider with scripted responses. Responses
// cycle; entries holding an error fail that invocation. An optional delay
// simulates slow backends for latency tests.
type Provider struct {
	mu    sync.Mutex
	steps []step
	idx   int
	delay time.Duration
	calls []Call
}

type step struct {
	output string
	err    error
}

// New creates a Provider that cycles through the given JSON outputs.
func New(outputs ...string) *Provider {
	p := &Provider{}
	for _, out := range outputs {
		p.steps = append(p.steps, step{output: out})
	}
	return p
}

// FailWith appends a failing step to the script.
func (p *Provider) FailWith(err error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, step{err: err})
	return p
}

// WithDelay makes every invocation sleep for d before responding.
func (p *Provider) WithDelay(d time.Duration) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "mock" }

// Think returns the next scripted step, cycling through the script.
func (p *Provider) Think(ctx context.Context, prompt string, tctx map[string]any) (*provider.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Prompt: prompt, Context: tctx})
	var s step
	if len(p.steps) == 0 {
		s = step{output: defaultOutput}
	} else {
		s = p.steps[p.idx%len(p.steps)]
		p.idx++
	}
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if s.err != nil {
		return nil, fmt.Errorf("mock think: %w", s.err)
	}
	return &provider.Result{
		Output: json.RawMessage(s.output),
		Model:  "mock",
		Usage:  provider.Usage{OutputTokens: len(s.output)},
	}, nil
}

// Calls returns a snapshot of recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}
