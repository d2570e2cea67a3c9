// Package capability binds a user's bearer token to an identity and to
// the tools that identity is authorized to use. A Client is shared by
// the process; a Binding lives for one request.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nugget/jenny-agent/internal/apperr"
	"github.com/nugget/jenny-agent/internal/identity"
	"github.com/nugget/jenny-agent/internal/tools"
)

// Kit is a native tool bundle for one integration.
type Kit interface {
	Integration() string
	Tools() []*tools.Tool
}

// Source is a remote tool server for one integration. Its tools are
// listed per request because they may depend on the user.
type Source interface {
	Name() string
	Integration() string
	Initialize(ctx context.Context) error
	Tools(ctx context.Context) ([]*tools.Tool, error)
}

// IdentityProvider resolves bearer tokens.
type IdentityProvider interface {
	Initialize(ctx context.Context) error
	Resolve(ctx context.Context, token string) (*identity.Identity, error)
}

// Client owns the identity provider and the tool catalog.
type Client struct {
	ids     IdentityProvider
	kits    []Kit
	sources []Source
	logger  *slog.Logger

	mu    sync.RWMutex
	ready bool
	live  []Source
}

// NewClient creates a client. Initialize must succeed before Bind.
func NewClient(ids IdentityProvider, kits []Kit, sources []Source, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		ids:     ids,
		kits:    kits,
		sources: sources,
		logger:  logger.With("component", "capability"),
	}
}

// Initialize performs the identity handshake and initializes each
// remote tool server. An identity failure is returned; a tool server
// that fails is logged and left out.
func (c *Client) Initialize(ctx context.Context) error {
	if c.ids == nil {
		return &apperr.ConfigurationError{Component: "capability", Message: "no identity provider configured"}
	}
	if err := c.ids.Initialize(ctx); err != nil {
		return fmt.Errorf("identity handshake: %w", err)
	}

	var live []Source
	for _, s := range c.sources {
		if err := s.Initialize(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("tool server unavailable, skipping",
				"server", s.Name(),
				"integration", s.Integration(),
				"error", err,
			)
			continue
		}
		live = append(live, s)
	}

	c.mu.Lock()
	c.live = live
	c.ready = true
	c.mu.Unlock()

	c.logger.Info("capability client initialized",
		"kits", len(c.kits),
		"tool_servers", len(live),
		"tool_servers_skipped", len(c.sources)-len(live),
	)
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (c *Client) Initialized() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Integrations lists the integrations the catalog can serve.
func (c *Client) Integrations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		name = strings.ToLower(name)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, k := range c.kits {
		add(k.Integration())
	}
	for _, s := range c.live {
		add(s.Integration())
	}
	return out
}

// Bind resolves token to an identity. An empty or rejected token
// yields an AuthenticationError.
func (c *Client) Bind(ctx context.Context, token string) (*Binding, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &apperr.AuthenticationError{Message: "bearer token is required"}
	}
	if !c.Initialized() {
		return nil, &apperr.ConfigurationError{Component: "capability", Message: "client not initialized"}
	}

	id, err := c.ids.Resolve(ctx, token)
	if err != nil {
		if apperr.Kind(err) != "" {
			return nil, err
		}
		return nil, apperr.Processing(fmt.Errorf("resolve identity: %w", err))
	}
	if id.Token == "" {
		id.Token = token
	}

	c.mu.RLock()
	live := c.live
	c.mu.RUnlock()

	return &Binding{
		id:      id,
		kits:    c.kits,
		sources: live,
		logger:  c.logger.With("subject", id.Subject),
	}, nil
}

// Binding is an identity bound for the duration of one request.
type Binding struct {
	id      *identity.Identity
	kits    []Kit
	sources []Source
	logger  *slog.Logger
}

// Identity returns the bound identity.
func (b *Binding) Identity() *identity.Identity { return b.id }

// Context returns ctx carrying the bound identity, so tool handlers and
// remote transports act as the user.
func (b *Binding) Context(ctx context.Context) context.Context {
	return identity.WithIdentity(ctx, b.id)
}

// ListTools returns the tools of every kit and tool server whose
// integration the identity has authorized. Native kit tools come
// first; a later tool with a taken name is skipped.
func (b *Binding) ListTools(ctx context.Context) (*tools.Set, error) {
	ctx = b.Context(ctx)
	set := tools.NewSet()

	add := func(origin string, ts []*tools.Tool) {
		for _, t := range ts {
			if err := set.Add(t); err != nil {
				b.logger.Warn("tool skipped", "origin", origin, "tool", t.Name, "error", err)
			}
		}
	}

	for _, k := range b.kits {
		if !b.id.Authorized(k.Integration()) {
			continue
		}
		add(k.Integration(), k.Tools())
	}
	for _, s := range b.sources {
		if !b.id.Authorized(s.Integration()) {
			continue
		}
		ts, err := s.Tools(ctx)
		if err != nil {
			return nil, &apperr.ToolDiscoveryError{Err: fmt.Errorf("%s: %w", s.Name(), err)}
		}
		add(s.Name(), ts)
	}

	b.logger.Debug("tools discovered",
		"authorized", b.id.Integrations,
		"tools", set.Names(),
	)
	return set, nil
}

// Lister lists tools for a bound user.
type Lister interface {
	ListTools(ctx context.Context) (*tools.Set, error)
}

// Discovery is the outcome of tool discovery. When Degraded is set,
// Tools is empty and Reason holds the failure.
type Discovery struct {
	Tools    *tools.Set
	Degraded bool
	Reason   error
}

// Discover lists tools and falls back to an empty set on failure, so a
// request can still be answered without tools.
func Discover(ctx context.Context, l Lister) Discovery {
	set, err := l.ListTools(ctx)
	if err != nil {
		var te *apperr.ToolDiscoveryError
		if !errors.As(err, &te) {
			err = &apperr.ToolDiscoveryError{Err: err}
		}
		return Discovery{Tools: tools.NewSet(), Degraded: true, Reason: err}
	}
	if set == nil {
		set = tools.NewSet()
	}
	return Discovery{Tools: set}
}
