// Package api implements the HTTP gateway in front of the agent session.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/jenny-agent/internal/apperr"
	"github.com/nugget/jenny-agent/internal/buildinfo"
	"github.com/nugget/jenny-agent/internal/connwatch"
	"github.com/nugget/jenny-agent/internal/events"
	"github.com/nugget/jenny-agent/internal/lifecycle"
	"github.com/nugget/jenny-agent/internal/session"
)

// maxBodyBytes caps the size of a POST /api/agent body.
const maxBodyBytes = 1 << 20

// Response bodies for the error classes the gateway distinguishes.
const (
	msgInvalidMessage = "Message is required and must be a string"
	msgMissingAuth    = "Authorization header is required"
	msgUnavailable    = "Agent initialization failed or is in progress. Please try again later."
	msgGatewayTimeout = "Gateway timeout"
	msgTimeoutDetail  = "The request to the identity service timed out. Please try again later."
	msgInvalidHistory = "history must be a list of {role, content} turns"
)

// Agent handles one user message. *session.Session satisfies it.
type Agent interface {
	ProcessRequest(ctx context.Context, req session.Request) (*session.Reply, error)
}

// Config assembles a Server.
type Config struct {
	Address     string
	Port        int
	CORSOrigins []string

	// Agents yields the process-wide agent, constructing it on first use.
	Agents *lifecycle.Manager[Agent]

	// Services, when set, contributes probe results to /health.
	Services *connwatch.Manager

	// Events, when set, is streamed over /api/events.
	Events *events.Bus

	// Authorize checks the bearer token of an event stream client.
	// When nil any non-empty token is accepted.
	Authorize func(ctx context.Context, token string) error

	Logger *slog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
	now    func() time.Time
}

// NewServer creates a gateway. It does not listen until Start.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "api"),
		now:    time.Now,
	}
}

// Handler returns the gateway's routes wrapped in its middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/agent", s.handleAgent)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withRequestID(s.withLogging(s.withCORS(mux)))
}

// Start serves HTTP until Shutdown is called or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Agent requests run a full reasoning loop.
		WriteTimeout: 5 * time.Minute,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting gateway", "address", addr, "port", s.cfg.Port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type agentRequest struct {
	Message json.RawMessage `json:"message"`
	History json.RawMessage `json:"history"`
}

type agentResponse struct {
	Response   string `json:"response"`
	Steps      int    `json:"steps"`
	Iterations int    `json:"iterations"`
	RequestID  string `json:"request_id,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var body agentRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, map[string]string{"error": msgInvalidMessage})
		return
	}

	var message string
	if err := json.Unmarshal(body.Message, &message); err != nil || strings.TrimSpace(message) == "" {
		s.errorResponse(w, http.StatusBadRequest, map[string]string{"error": msgInvalidMessage})
		return
	}

	token := bearerToken(r)
	if token == "" {
		s.errorResponse(w, http.StatusUnauthorized, map[string]string{"error": msgMissingAuth})
		return
	}

	req := session.Request{
		Text:      message,
		Token:     token,
		RequestID: RequestIDFromContext(r.Context()),
	}
	if len(body.History) > 0 && string(body.History) != "null" {
		if err := json.Unmarshal(body.History, &req.History); err != nil {
			s.errorResponse(w, http.StatusBadRequest, map[string]string{"error": msgInvalidHistory})
			return
		}
		req.ReplaceHistory = true
	}

	if s.cfg.Agents == nil {
		s.writeAgentError(w, &apperr.ConfigurationError{Component: "gateway", Message: "agent not configured"})
		return
	}
	ag, err := s.cfg.Agents.Acquire(r.Context())
	if err != nil {
		s.logger.Warn("agent unavailable", "request_id", req.RequestID, "error", err)
		s.writeAgentError(w, err)
		return
	}

	reply, err := ag.ProcessRequest(r.Context(), req)
	if err != nil {
		s.logger.Error("agent request failed",
			"request_id", req.RequestID,
			"kind", apperr.Kind(err),
			"error", err,
		)
		s.writeAgentError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, agentResponse{
		Response:   reply.Response,
		Steps:      len(reply.Steps),
		Iterations: reply.Iterations,
		RequestID:  reply.RequestID,
		Degraded:   reply.Degraded,
	}, s.logger)
}

// writeAgentError maps err to its status and the body shape clients
// expect for that status.
func (s *Server) writeAgentError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	switch status {
	case http.StatusGatewayTimeout:
		s.errorResponse(w, status, map[string]string{
			"error":   msgGatewayTimeout,
			"message": msgTimeoutDetail,
			"details": err.Error(),
		})
	case http.StatusServiceUnavailable:
		s.errorResponse(w, status, map[string]string{
			"error":   msgUnavailable,
			"details": err.Error(),
		})
	default:
		s.errorResponse(w, status, map[string]string{"error": err.Error()})
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, body, s.logger)
}

// bearerToken extracts the credential from the Authorization header.
// A header without the Bearer scheme is taken as the raw token.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if strings.EqualFold(h, "bearer") {
		return ""
	}
	return h
}

type healthResponse struct {
	Status    string                             `json:"status"`
	Agent     string                             `json:"agent"`
	Timestamp string                             `json:"timestamp"`
	LastError string                             `json:"last_error,omitempty"`
	Services  map[string]connwatch.ServiceStatus `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Agent:     "not initialized",
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}
	if s.cfg.Agents != nil {
		st := s.cfg.Agents.Status()
		resp.Agent = agentState(st.State)
		if st.State != lifecycle.Ready && st.LastError != nil {
			resp.LastError = st.LastError.Error()
		}
	}
	if services := s.cfg.Services.Status(); len(services) > 0 {
		resp.Services = services
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func agentState(st lifecycle.State) string {
	switch st {
	case lifecycle.Ready:
		return "initialized"
	case lifecycle.Initializing:
		return "initializing"
	}
	return "not initialized"
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Jenny agent gateway is running!")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Get(), s.logger)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}
