// ABOUTME: Tests for the rego tool policy gate.
// ABOUTME: Covers the default policy, string and object decisions, and bad modules.

package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const restrictive = `
package tool_policy

default decision = "allow"

decision = "block" {
	input.tool_name == "shell.exec"
}

decision = {"decision": "block", "reason": "too many workers"} {
	input.tool_name == "fleet.scale"
	input.args.workers > 10
}
`

func TestDefaultPolicyAllowsEverything(t *testing.T) {
	e, err := Load(context.Background(), "")
	require.NoError(t, err)

	d, err := e.Evaluate(context.Background(), "anything", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestPolicyDecisions(t *testing.T) {
	e, err := NewEngine(context.Background(), restrictive)
	require.NoError(t, err)

	tests := []struct {
		name       string
		tool       string
		args       map[string]any
		wantAction string
		wantReason string
	}{
		{"allowed tool", "echo", nil, ActionAllow, ""},
		{"blocked by string rule", "shell.exec", nil, ActionBlock, ""},
		{"blocked by object rule", "fleet.scale", map[string]any{"workers": 20}, ActionBlock, "too many workers"},
		{"object rule not matched", "fleet.scale", map[string]any{"workers": 2}, ActionAllow, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.Evaluate(context.Background(), tt.tool, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantReason, d.Reason)
		})
	}
}

func TestUnsupportedDecisionBlocks(t *testing.T) {
	e, err := NewEngine(context.Background(), `
package tool_policy

decision = "require_approval"
`)
	require.NoError(t, err)

	d, err := e.Evaluate(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.Contains(t, d.Reason, "require_approval")
}

func TestUndefinedDecisionAllows(t *testing.T) {
	e, err := NewEngine(context.Background(), `
package tool_policy

decision = "block" {
	input.tool_name == "never"
}
`)
	require.NoError(t, err)

	d, err := e.Evaluate(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.rego")
	require.NoError(t, os.WriteFile(path, []byte(restrictive), 0o600))

	e, err := Load(context.Background(), path)
	require.NoError(t, err)

	d, err := e.Evaluate(context.Background(), "shell.exec", nil)
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, d.Action)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.rego"))
	assert.Error(t, err)

	_, err = NewEngine(context.Background(), "package tool_policy\n\ndecision = {")
	assert.Error(t, err)
}
