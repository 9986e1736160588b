// Package provider defines the reasoning backend that produces task output.
// The dispatcher treats results as opaque payloads: it stores and forwards
// them without interpreting their contents.
package provider

import (
	"context"
	"encoding/json"
)

// Usage tracks token consumption for one invocation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the opaque outcome of one reasoning invocation.
type Result struct {
	Output json.RawMessage `json:"output"`
	Model  string          `json:"model,omitempty"`
	Usage  Usage           `json:"usage"`
}

// Provider is a reasoning backend. Invocations may take seconds; callers
// must await them without blocking other agents' loops.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "mock").
	Name() string

	// Think runs one reasoning invocation over the prompt and contextual
	// key/value pairs and returns the opaque result.
	Think(ctx context.Context, prompt string, context map[string]any) (*Result, error)
}
