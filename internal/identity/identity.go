// Package identity talks to the identity service: it authenticates the
// agent with OAuth2 client credentials, resolves a user's bearer token
// into an Identity, and reports which integrations the user has
// authorized for this agent.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nugget/jenny-agent/internal/apperr"
	"github.com/nugget/jenny-agent/internal/httpkit"
)

// Identity is a resolved user. Token is the bearer it was resolved
// from and is forwarded to remote tool servers acting for the user.
type Identity struct {
	Subject      string   `json:"sub"`
	TenantID     string   `json:"tenant_id"`
	Email        string   `json:"email,omitempty"`
	Name         string   `json:"name,omitempty"`
	Integrations []string `json:"integrations"`
	Token        string   `json:"-"`
}

// Authorized reports whether the user has authorized integration.
func (id *Identity) Authorized(integration string) bool {
	return id != nil && slices.Contains(id.Integrations, strings.ToLower(integration))
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	AgentID      string
	Scopes       []string
	Timeout      time.Duration
}

// Client is the identity service client. Initialize must succeed
// before Resolve is used.
type Client struct {
	cfg    Config
	base   *url.URL
	plain  *http.Client // user-bearer calls
	logger *slog.Logger

	mu  sync.RWMutex
	app *http.Client // app-token calls, set by Initialize
}

// New creates an identity client. It performs no I/O.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		return nil, &apperr.ConfigurationError{Component: "identity", Message: "base_url is required"}
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse identity base url: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		base:   base,
		plain:  httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout), httpkit.WithLogger(logger)),
		logger: logger.With("component", "identity"),
	}, nil
}

// Initialize performs the client-credentials handshake and verifies
// the agent is registered with the identity service.
func (c *Client) Initialize(ctx context.Context) error {
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return &apperr.ConfigurationError{Component: "identity", Message: "client_id and client_secret are required"}
	}
	if c.cfg.AgentID == "" {
		return &apperr.ConfigurationError{Component: "identity", Message: "agent_id is required"}
	}

	cc := &clientcredentials.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		TokenURL:     c.cfg.TokenURL,
		Scopes:       c.cfg.Scopes,
	}

	// The token source outlives ctx, so it gets its own base client.
	ts := cc.TokenSource(context.WithValue(context.Background(), oauth2.HTTPClient, c.plain))
	tokenCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := tokenWithContext(tokenCtx, ts); err != nil {
		return fmt.Errorf("client credentials: %w", err)
	}

	app := &http.Client{
		Timeout:   c.cfg.Timeout,
		Transport: &oauth2.Transport{Source: ts, Base: c.plain.Transport},
	}

	var agent struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, app, "", c.path("agents", c.cfg.AgentID), &agent); err != nil {
		return fmt.Errorf("verify agent %s: %w", c.cfg.AgentID, err)
	}

	c.mu.Lock()
	c.app = app
	c.mu.Unlock()

	c.logger.Info("identity client initialized", "agent_id", c.cfg.AgentID, "agent_name", agent.Name)
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.app != nil
}

// tokenWithContext fetches a token but gives up when ctx ends.
func tokenWithContext(ctx context.Context, ts oauth2.TokenSource) error {
	errCh := make(chan error, 1)
	go func() {
		_, err := ts.Token()
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve binds a bearer token to an Identity, including the
// integrations the user has authorized for this agent. A rejected
// token yields an AuthenticationError.
func (c *Client) Resolve(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &apperr.AuthenticationError{Message: "bearer token is required"}
	}

	c.mu.RLock()
	app := c.app
	c.mu.RUnlock()
	if app == nil {
		return nil, &apperr.ConfigurationError{Component: "identity", Message: "client not initialized"}
	}

	var me struct {
		ID       string `json:"id"`
		Sub      string `json:"sub"`
		TenantID string `json:"tenantId"`
		Email    string `json:"email"`
		Name     string `json:"name"`
	}
	if err := c.getJSON(ctx, c.plain, token, c.path("identity", "me"), &me); err != nil {
		return nil, err
	}

	id := &Identity{
		Subject:  firstNonEmpty(me.Sub, me.ID),
		TenantID: me.TenantID,
		Email:    me.Email,
		Name:     me.Name,
		Token:    token,
	}
	if id.Subject == "" {
		return nil, &apperr.AuthenticationError{Message: "identity service returned no subject"}
	}

	var grants struct {
		Integrations []struct {
			Name       string `json:"name"`
			Authorized bool   `json:"authorized"`
		} `json:"integrations"`
	}
	grantsPath := c.path("agents", c.cfg.AgentID, "users", id.Subject, "integrations")
	if err := c.getJSON(ctx, app, "", grantsPath, &grants); err != nil {
		return nil, fmt.Errorf("list authorized integrations: %w", err)
	}
	for _, g := range grants.Integrations {
		if g.Authorized && g.Name != "" {
			id.Integrations = append(id.Integrations, strings.ToLower(g.Name))
		}
	}
	slices.Sort(id.Integrations)
	id.Integrations = slices.Compact(id.Integrations)

	c.logger.Debug("identity resolved",
		"subject", id.Subject,
		"tenant_id", id.TenantID,
		"integrations", id.Integrations,
	)
	return id, nil
}

// Ping checks that the identity service answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.path("health"), nil)
	if err != nil {
		return err
	}
	resp, err := c.plain.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("identity service returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) path(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.JoinPath(escaped...).String()
}

// getJSON issues a GET and decodes a 2xx JSON body into out. When
// bearer is set it is sent as the user's Authorization; 401 and 403
// then become AuthenticationErrors.
func (c *Client) getJSON(ctx context.Context, hc *http.Client, bearer, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	switch {
	case bearer != "" && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden):
		httpkit.DrainAndClose(resp.Body, 4096)
		return &apperr.AuthenticationError{Message: "bearer token rejected by identity service"}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body := httpkit.ReadErrorBody(resp.Body, 2048)
		return &apperr.ProcessingError{
			Status: http.StatusBadGateway,
			Err:    fmt.Errorf("identity service %s returned %d: %s", req.URL.Path, resp.StatusCode, body),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
