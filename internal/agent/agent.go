// Package agent runs the reasoning loop: it sends the conversation to
// the model, executes the tools the model asks for, feeds the results
// back and repeats until the model answers.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/jenny-agent/internal/events"
	"github.com/nugget/jenny-agent/internal/llm"
	"github.com/nugget/jenny-agent/internal/prompts"
	"github.com/nugget/jenny-agent/internal/tools"
)

// DefaultMaxIterations bounds model calls per invocation.
const DefaultMaxIterations = 10

// ErrMaxIterations is returned when the model is still calling tools
// after the iteration limit.
var ErrMaxIterations = errors.New("agent stopped after reaching the iteration limit")

// Conversation roles.
const (
	RoleHuman     = "human"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is one message of conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config assembles an Executor.
type Config struct {
	System        string
	History       []Turn
	Tools         *tools.Set
	LLM           llm.Client
	Model         string
	MaxIterations int
	Events        *events.Bus
	RequestID     string
	Logger        *slog.Logger
}

// Input is the user message to answer.
type Input struct {
	Text string
}

// Step records one tool execution.
type Step struct {
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Result  string         `json:"result"`
	IsError bool           `json:"is_error,omitempty"`
}

// Result is the outcome of an invocation.
type Result struct {
	Output       string
	Steps        []Step
	Iterations   int
	InputTokens  int
	OutputTokens int
	Model        string
}

// Executor runs the loop for one request. It is not reused.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

// Build validates cfg and returns an Executor.
func Build(cfg Config) (*Executor, error) {
	if cfg.LLM == nil {
		return nil, errors.New("agent: no language model configured")
	}
	if cfg.Model == "" {
		return nil, errors.New("agent: no model selected")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewSet()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, logger: logger.With("component", "agent")}, nil
}

// messages builds system + history + input. The input is not repeated
// when history already ends with the same human turn.
func (e *Executor) messages(input string) []llm.Message {
	msgs := make([]llm.Message, 0, len(e.cfg.History)+2)
	if e.cfg.System != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: e.cfg.System})
	}
	for _, t := range e.cfg.History {
		msgs = append(msgs, llm.Message{Role: llmRole(t.Role), Content: t.Content})
	}

	h := e.cfg.History
	if n := len(h); n > 0 && llmRole(h[n-1].Role) == "user" && h[n-1].Content == input {
		return msgs
	}
	return append(msgs, llm.Message{Role: "user", Content: input})
}

func llmRole(role string) string {
	switch strings.ToLower(role) {
	case RoleHuman, "user":
		return "user"
	case RoleSystem:
		return "system"
	default:
		return "assistant"
	}
}

// Invoke answers in.Text, calling tools as the model requests. Tool
// failures are reported back to the model rather than aborting.
func (e *Executor) Invoke(ctx context.Context, in Input) (*Result, error) {
	msgs := e.messages(in.Text)
	defs := e.cfg.Tools.Definitions()
	res := &Result{Model: e.cfg.Model}
	nudged := false
	bus := e.cfg.Events
	reqID := e.cfg.RequestID

	for iter := 0; iter < e.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Iterations = iter + 1

		bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"request_id": reqID, "iter": iter, "model": e.cfg.Model, "tools": len(defs),
		})
		e.logger.Debug("calling model", "iter", iter, "model", e.cfg.Model, "messages", len(msgs), "tools", len(defs))

		resp, err := e.cfg.LLM.Chat(ctx, e.cfg.Model, msgs, defs)
		if err != nil {
			return res, fmt.Errorf("model call: %w", err)
		}
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		if resp.Model != "" {
			res.Model = resp.Model
		}
		calls := resp.Message.ToolCalls

		bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"request_id": reqID, "iter": iter, "model": res.Model,
			"tokens_in": resp.InputTokens, "tokens_out": resp.OutputTokens, "tool_calls": len(calls),
		})

		if len(calls) == 0 {
			content := strings.TrimSpace(resp.Message.Content)
			if content == "" && !nudged {
				nudged = true
				e.logger.Warn("empty model response, nudging", "iter", iter)
				msgs = append(msgs, llm.Message{Role: "user", Content: prompts.EmptyResponseNudge})
				continue
			}
			if content == "" {
				content = prompts.EmptyResponseFallback
			}
			res.Output = content
			return res, nil
		}

		msgs = append(msgs, llm.Message{Role: "assistant", Content: resp.Message.Content, ToolCalls: calls})
		for _, tc := range calls {
			step := e.runTool(ctx, tc)
			res.Steps = append(res.Steps, step)
			msgs = append(msgs, llm.Message{Role: "tool", Content: step.Result, ToolCallID: tc.ID})
		}
	}

	e.logger.Warn("iteration limit reached", "max", e.cfg.MaxIterations, "steps", len(res.Steps))
	return res, ErrMaxIterations
}

func (e *Executor) runTool(ctx context.Context, tc llm.ToolCall) Step {
	name := tc.Function.Name
	args := tc.Function.Arguments
	if args == nil {
		args = map[string]any{}
	}
	step := Step{Tool: name, Args: args}

	e.cfg.Events.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"request_id": e.cfg.RequestID, "tool": name,
	})
	start := time.Now()

	out, err := e.execute(ctx, name, args)
	if err != nil {
		step.IsError = true
		step.Result = "Error: " + err.Error()
	} else {
		step.Result = out
	}

	elapsed := time.Since(start)
	e.cfg.Events.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"request_id": e.cfg.RequestID, "tool": name, "ok": err == nil, "duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		e.logger.Warn("tool failed", "tool", name, "error", err, "elapsed", elapsed)
	} else {
		e.logger.Info("tool executed", "tool", name, "elapsed", elapsed, "result_len", len(out))
	}
	return step
}

func (e *Executor) execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t := e.cfg.Tools.Get(name)
	if t == nil || t.Handler == nil {
		return "", &tools.ErrToolUnavailable{ToolName: name}
	}
	if raw, ok := args["_raw"].(string); ok && len(args) == 1 {
		return "", fmt.Errorf("arguments are not valid JSON: %s", raw)
	}
	return t.Handler(ctx, args)
}

// MarshalSteps renders steps as indented JSON for logs and the CLI.
func MarshalSteps(steps []Step) string {
	b, err := json.MarshalIndent(steps, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(b)
}
