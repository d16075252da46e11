// ABOUTME: OPA/rego gate evaluated before every tool invocation.
// ABOUTME: A policy yields allow or block (optionally with a reason) for {tool_name, args}.

package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decision actions.
const (
	ActionAllow = "allow"
	ActionBlock = "block"
)

// query is the rule every policy module must define.
const query = "data.tool_policy.decision"

// DefaultPolicy allows every invocation.
const DefaultPolicy = `
package tool_policy

default decision = "allow"
`

// Decision is the outcome of evaluating a policy.
type Decision struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Allowed reports whether the invocation may proceed.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Engine is a prepared rego query.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the given policy module.
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	r := rego.New(
		rego.Query(query),
		rego.Module("tool_policy.rego", module),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing rego: %w", err)
	}

	return &Engine{query: prepared}, nil
}

// Load compiles the policy at path, or DefaultPolicy when path is empty.
func Load(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return NewEngine(ctx, string(data))
}

// Evaluate checks one invocation. The decision rule may produce a string
// ("allow", "block") or an object {"decision": ..., "reason": ...}.
// An undefined decision allows; any other action blocks.
func (e *Engine) Evaluate(ctx context.Context, toolName string, args map[string]any) (Decision, error) {
	if args == nil {
		args = map[string]any{}
	}
	input := map[string]any{
		"tool_name": toolName,
		"args":      args,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluating policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Action: ActionAllow, Reason: "no decision"}, nil
	}

	var d Decision
	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		d.Action = v
	case map[string]any:
		d.Action, _ = v["decision"].(string)
		d.Reason, _ = v["reason"].(string)
	default:
		return Decision{Action: ActionBlock, Reason: fmt.Sprintf("unexpected policy result %T", v)}, nil
	}

	switch d.Action {
	case ActionAllow, ActionBlock:
	default:
		d = Decision{Action: ActionBlock, Reason: fmt.Sprintf("unsupported policy decision %q", d.Action)}
	}
	return d, nil
}
