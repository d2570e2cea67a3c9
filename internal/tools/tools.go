// Package tools defines the callable tools exposed to the agent and
// the per-request toolset they are collected into.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrDuplicateTool is returned by Set.Add when a name is already taken.
var ErrDuplicateTool = errors.New("duplicate tool name")

// ErrToolUnavailable reports a call to a tool outside this request's
// set: its integration is not authorized for the caller, or no such
// tool exists. The agent hands it back to the model as a tool result.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// Handler executes a tool call with decoded JSON arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool. Integration names the third-party
// service the tool acts on; a user must have authorized it for the
// tool to be offered.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Integration string         `json:"integration,omitempty"`
	Handler     Handler        `json:"-"`
}

// Set is an ordered collection of tools with unique names. A Set is
// built once per request and is not safe for concurrent mutation.
type Set struct {
	tools map[string]*Tool
	order []string
}

// NewSet returns a Set holding the given tools. Duplicates after the
// first are dropped.
func NewSet(ts ...*Tool) *Set {
	s := &Set{tools: make(map[string]*Tool)}
	for _, t := range ts {
		_ = s.Add(t)
	}
	return s
}

// Add inserts t, returning ErrDuplicateTool if the name is taken.
func (s *Set) Add(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, ok := s.tools[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	s.tools[t.Name] = t
	s.order = append(s.order, t.Name)
	return nil
}

// Get retrieves a tool by name, or nil.
func (s *Set) Get(name string) *Tool {
	if s == nil {
		return nil
	}
	return s.tools[name]
}

// Len returns the number of tools. A nil Set is empty.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Names returns tool names sorted alphabetically.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := append([]string(nil), s.order...)
	sort.Strings(names)
	return names
}

// Tools returns the tools in insertion order.
func (s *Set) Tools() []*Tool {
	if s == nil {
		return nil
	}
	out := make([]*Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name])
	}
	return out
}

// Definitions returns the tools in OpenAI function-calling format,
// which the LLM clients translate for their provider.
func (s *Set) Definitions() []map[string]any {
	var result []map[string]any
	for _, t := range s.Tools() {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute runs a tool by name with JSON-encoded arguments.
func (s *Set) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	t := s.Get(name)
	if t == nil || t.Handler == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	return t.Handler(ctx, args)
}
