// Package session holds the agent's conversation and runs each request
// through binding, tool discovery and the reasoning loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/jenny-agent/internal/agent"
	"github.com/nugget/jenny-agent/internal/apperr"
	"github.com/nugget/jenny-agent/internal/capability"
	"github.com/nugget/jenny-agent/internal/config"
	"github.com/nugget/jenny-agent/internal/events"
	"github.com/nugget/jenny-agent/internal/llm"
	"github.com/nugget/jenny-agent/internal/usage"
)

// DefaultRequestTimeout bounds binding, discovery and reasoning for one
// request.
const DefaultRequestTimeout = 3 * time.Minute

// UsageRecorder persists token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config assembles a Session.
type Config struct {
	Capabilities   *capability.Client
	LLM            llm.Client
	Model          string
	Provider       string
	System         string
	SystemFunc     func() string // called per request; overrides System
	MaxIterations  int
	RequestTimeout time.Duration
	Events         *events.Bus
	Usage          UsageRecorder
	Pricing        map[string]config.PricingEntry
	Logger         *slog.Logger
}

// Request is one user message.
type Request struct {
	Text           string
	Token          string
	History        []agent.Turn
	ReplaceHistory bool
	RequestID      string
}

// Reply is the agent's answer.
type Reply struct {
	RequestID  string       `json:"request_id"`
	Response   string       `json:"response"`
	Steps      []agent.Step `json:"steps"`
	Iterations int          `json:"iterations"`
	Model      string       `json:"model"`
	Degraded   bool         `json:"degraded,omitempty"`
}

// Session is the long-lived agent conversation. Requests are handled
// one at a time.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	history []agent.Turn
}

// New creates a session with empty history.
func New(cfg Config) *Session {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{cfg: cfg, logger: logger.With("component", "session")}
}

// History returns a copy of the conversation.
func (s *Session) History() []agent.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Turn(nil), s.history...)
}

// Reset clears the conversation.
func (s *Session) Reset() {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

// ProcessRequest answers req. Validation, authentication and
// configuration failures leave history unchanged; once the user turn
// is recorded it stays even if later steps fail.
func (s *Session) ProcessRequest(ctx context.Context, req Request) (*Reply, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, &apperr.ValidationError{Field: "message", Message: "Message is required and must be a string"}
	}
	if strings.TrimSpace(req.Token) == "" {
		return nil, &apperr.AuthenticationError{Message: "Authorization header is required"}
	}
	if !s.cfg.Capabilities.Initialized() {
		return nil, &apperr.ConfigurationError{Component: "capability", Message: "client not initialized"}
	}

	var replacement []agent.Turn
	if req.ReplaceHistory {
		var err error
		if replacement, err = normalizeHistory(req.History); err != nil {
			return nil, err
		}
	}

	reqID := req.RequestID
	if reqID == "" {
		reqID = uuid.NewString()
	}
	log := s.logger.With("request_id", reqID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ReplaceHistory {
		s.history = replacement
	}
	s.history = append(s.history, agent.Turn{Role: agent.RoleHuman, Content: text})

	start := time.Now()
	s.cfg.Events.Emit(events.SourceSession, events.KindRequestStart, map[string]any{
		"request_id": reqID, "message_len": len(text), "history": len(s.history),
	})

	reply, res, subject, tenant, err := s.run(ctx, reqID, text, req.Token, log)
	s.recordUsage(reqID, subject, tenant, res, err, log)

	if err != nil {
		err = apperr.Processing(err)
		s.cfg.Events.Emit(events.SourceSession, events.KindRequestError, map[string]any{
			"request_id": reqID, "error": err.Error(), "kind": apperr.Kind(err),
		})
		log.Warn("request failed", "error", err, "kind", apperr.Kind(err), "elapsed", time.Since(start))
		return nil, err
	}

	s.history = append(s.history, agent.Turn{Role: agent.RoleAssistant, Content: reply.Response})
	s.cfg.Events.Emit(events.SourceSession, events.KindRequestComplete, map[string]any{
		"request_id": reqID, "iterations": reply.Iterations, "steps": len(reply.Steps),
		"tokens_in": res.InputTokens, "tokens_out": res.OutputTokens,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	log.Info("request complete",
		"subject", subject,
		"iterations", reply.Iterations,
		"steps", len(reply.Steps),
		"degraded", reply.Degraded,
		"elapsed", time.Since(start),
	)
	return reply, nil
}

// run binds, discovers and invokes under the request timeout. Called
// with s.mu held.
func (s *Session) run(ctx context.Context, reqID, text, token string, log *slog.Logger) (*Reply, *agent.Result, string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	binding, err := s.cfg.Capabilities.Bind(ctx, token)
	if err != nil {
		return nil, nil, "", "", err
	}
	id := binding.Identity()
	ctx = binding.Context(ctx)

	disc := capability.Discover(ctx, binding)
	if disc.Degraded {
		log.Warn("tool discovery failed, continuing without tools", "subject", id.Subject, "error", disc.Reason)
	}

	system := s.cfg.System
	if s.cfg.SystemFunc != nil {
		system = s.cfg.SystemFunc()
	}
	exec, err := agent.Build(agent.Config{
		System:        system,
		History:       append([]agent.Turn(nil), s.history...),
		Tools:         disc.Tools,
		LLM:           s.cfg.LLM,
		Model:         s.cfg.Model,
		MaxIterations: s.cfg.MaxIterations,
		Events:        s.cfg.Events,
		RequestID:     reqID,
		Logger:        log,
	})
	if err != nil {
		return nil, nil, id.Subject, id.TenantID, &apperr.ConfigurationError{Component: "agent", Message: err.Error()}
	}

	res, err := exec.Invoke(ctx, agent.Input{Text: text})
	if err != nil {
		if errors.Is(err, agent.ErrMaxIterations) {
			err = fmt.Errorf("%w (%d tool steps)", err, len(res.Steps))
		}
		return nil, res, id.Subject, id.TenantID, err
	}

	return &Reply{
		RequestID:  reqID,
		Response:   res.Output,
		Steps:      res.Steps,
		Iterations: res.Iterations,
		Model:      res.Model,
		Degraded:   disc.Degraded,
	}, res, id.Subject, id.TenantID, nil
}

func (s *Session) recordUsage(reqID, subject, tenant string, res *agent.Result, runErr error, log *slog.Logger) {
	if s.cfg.Usage == nil || res == nil || res.Iterations == 0 {
		return
	}
	rec := usage.Record{
		RequestID:    reqID,
		Subject:      subject,
		TenantID:     tenant,
		Model:        res.Model,
		Provider:     s.cfg.Provider,
		Iterations:   res.Iterations,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		CostUSD:      usage.ComputeCost(res.Model, res.InputTokens, res.OutputTokens, s.cfg.Pricing),
	}
	if runErr != nil {
		rec.Outcome = "error"
	}
	// Usage must be recorded even when the request context is done.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Usage.Record(ctx, rec); err != nil {
		log.Warn("failed to record usage", "error", err)
	}
}

// normalizeHistory validates client-supplied turns. "user" is accepted
// for the human role; system turns are kept as sent.
func normalizeHistory(in []agent.Turn) ([]agent.Turn, error) {
	out := make([]agent.Turn, 0, len(in))
	for i, t := range in {
		switch strings.ToLower(strings.TrimSpace(t.Role)) {
		case agent.RoleHuman, "user":
			out = append(out, agent.Turn{Role: agent.RoleHuman, Content: t.Content})
		case agent.RoleAssistant:
			out = append(out, agent.Turn{Role: agent.RoleAssistant, Content: t.Content})
		case agent.RoleSystem:
			out = append(out, agent.Turn{Role: agent.RoleSystem, Content: t.Content})
		default:
			return nil, &apperr.ValidationError{
				Field:   fmt.Sprintf("history[%d].role", i),
				Message: fmt.Sprintf("unsupported role %q", t.Role),
			}
		}
	}
	return out, nil
}
