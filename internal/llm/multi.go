package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RouterConfig describes how models map to providers.
type RouterConfig struct {
	// Providers holds one client per provider name ("openai",
	// "anthropic"). Providers without credentials are left out.
	Providers map[string]Client

	// Routes pins model names to providers.
	Routes map[string]string

	// DefaultModel is used when a request names no model.
	DefaultModel string
}

// Router is a Client that sends each request to the provider serving
// its model. Models without a route are assigned by name prefix, and
// anything unrecognized goes to the default model's provider.
type Router struct {
	providers    map[string]Client
	routes       map[string]string
	defaultModel string
}

// NewRouter builds a Router. It fails when no provider is available or
// when the default model needs a provider that is not configured.
func NewRouter(cfg RouterConfig) (*Router, error) {
	r := &Router{
		providers:    make(map[string]Client, len(cfg.Providers)),
		routes:       make(map[string]string, len(cfg.Routes)),
		defaultModel: cfg.DefaultModel,
	}
	for name, c := range cfg.Providers {
		if c != nil {
			r.providers[name] = c
		}
	}
	for model, provider := range cfg.Routes {
		r.routes[model] = provider
	}
	if len(r.providers) == 0 {
		return nil, errors.New("no LLM provider configured")
	}
	if p := r.ProviderFor(r.defaultModel); r.providers[p] == nil {
		return nil, fmt.Errorf("default model %q needs provider %q, which has no credentials", r.defaultModel, p)
	}
	return r, nil
}

// ProviderFor names the provider that serves model.
func (r *Router) ProviderFor(model string) string {
	if model == "" {
		model = r.defaultModel
	}
	if p, ok := r.routes[model]; ok {
		return p
	}
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return "openai"
	}
	if model != r.defaultModel {
		return r.ProviderFor(r.defaultModel)
	}
	return "openai"
}

// Providers lists the configured provider names in order.
func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Provider returns the client for a provider name, or nil.
func (r *Router) Provider(name string) Client { return r.providers[name] }

// Chat sends the request to the provider for model.
func (r *Router) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	if model == "" {
		model = r.defaultModel
	}
	name := r.ProviderFor(model)
	client := r.providers[name]
	if client == nil {
		return nil, fmt.Errorf("model %q: provider %q is not configured", model, name)
	}
	return client.Chat(ctx, model, messages, tools)
}

// Ping checks the default model's provider.
func (r *Router) Ping(ctx context.Context) error {
	return r.providers[r.ProviderFor(r.defaultModel)].Ping(ctx)
}
