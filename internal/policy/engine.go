// Package policy evaluates run admission rules written in Rego.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values produced by the policy.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Input describes a start request to the policy.
type Input struct {
	SessionID       string
	AgentSessionID  string
	MessageBytes    int
	MaxMessageBytes int
	ActiveRuns      int
}

// Decision is the outcome of evaluating a start request.
type Decision struct {
	Decision string
	Reason   string
}

// Allowed reports whether the run may start. Any decision other than
// DecisionAllow rejects it.
func (d Decision) Allowed() bool {
	return d.Decision == DecisionAllow
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
// The module must declare package run_policy.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.run_policy"),
		rego.Module("run_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Load reads the policy at path, or uses DefaultPolicy when path is empty.
func Load(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks a start request against the policy. A policy that yields
// no decision allows the run.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	input := map[string]interface{}{
		"session_id":        in.SessionID,
		"agent_session_id":  in.AgentSessionID,
		"message_bytes":     in.MessageBytes,
		"max_message_bytes": in.MaxMessageBytes,
		"active_runs":       in.ActiveRuns,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Decision: DecisionAllow, Reason: "default"}, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{Decision: DecisionAllow, Reason: "unexpected return type"}, nil
	}

	decision := Decision{Decision: DecisionAllow}
	if s, ok := doc["decision"].(string); ok {
		decision.Decision = s
	}
	if s, ok := doc["reason"].(string); ok {
		decision.Reason = s
	}
	return decision, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package run_policy

default decision = "allow"

default reason = ""

too_large {
	input.max_message_bytes > 0
	input.message_bytes > input.max_message_bytes
}

bad_session_id {
	count(input.session_id) > 128
}

decision = "deny" {
	too_large
}

decision = "deny" {
	bad_session_id
}

reason = "message exceeds size limit" {
	too_large
} else = "session id too long" {
	bad_session_id
}
`
