// ABOUTME: Built-in tool support for tools that execute in-process.
// ABOUTME: Builtins are dispatched before the remote endpoint and need no network.

package tools

import (
	"context"
	"encoding/json"
)

// ToolHandler executes a built-in tool. It receives the arguments as JSON
// and returns the result as JSON or an error.
type ToolHandler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// BuiltinTool is a tool that executes in this process.
type BuiltinTool struct {
	Definition Tool
	Handler    ToolHandler
}

// BuiltinPack is a collection of built-in tools with a pack ID.
type BuiltinPack struct {
	ID    string
	Tools []*BuiltinTool
}
