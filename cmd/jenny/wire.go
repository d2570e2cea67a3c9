package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/jenny-agent/internal/api"
	"github.com/nugget/jenny-agent/internal/calendar"
	"github.com/nugget/jenny-agent/internal/capability"
	"github.com/nugget/jenny-agent/internal/config"
	"github.com/nugget/jenny-agent/internal/connwatch"
	"github.com/nugget/jenny-agent/internal/crm"
	"github.com/nugget/jenny-agent/internal/events"
	"github.com/nugget/jenny-agent/internal/httpkit"
	"github.com/nugget/jenny-agent/internal/identity"
	"github.com/nugget/jenny-agent/internal/lifecycle"
	"github.com/nugget/jenny-agent/internal/llm"
	"github.com/nugget/jenny-agent/internal/mcp"
	"github.com/nugget/jenny-agent/internal/messaging"
	"github.com/nugget/jenny-agent/internal/prompts"
	"github.com/nugget/jenny-agent/internal/session"
	"github.com/nugget/jenny-agent/internal/tracker"
	"github.com/nugget/jenny-agent/internal/usage"
)

// app holds the long-lived components shared by serve and ask.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	bus     *events.Bus
	llm     *llm.Router
	ids     *identity.Client
	caps    *capability.Client
	usage   *usage.Store
	poster  *messaging.MQTTPoster
	sources []*mcp.Source
	agents  *lifecycle.Manager[api.Agent]

	closers []func() error
}

// newApp wires every component from cfg. Nothing here talks to the
// network; the identity handshake happens when the agent is first
// acquired.
func newApp(cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, bus: events.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// All persistent state (usage and commitment ledgers) lives here.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	a.llm, err = createLLMClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	a.ids, err = identity.New(identity.Config{
		BaseURL:      cfg.Identity.BaseURL,
		TokenURL:     cfg.Identity.TokenURL,
		ClientID:     cfg.Identity.ClientID,
		ClientSecret: cfg.Identity.ClientSecret,
		AgentID:      cfg.Identity.AgentID,
		Scopes:       cfg.Identity.Scopes,
		Timeout:      cfg.Identity.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("identity client: %w", err)
	}

	kits, err := a.buildKits()
	if err != nil {
		return nil, err
	}
	a.caps = capability.NewClient(a.ids, kits, a.buildSources(), logger)

	usagePath := filepath.Join(cfg.DataDir, "usage.db")
	a.usage, err = usage.NewStore(usagePath)
	if err != nil {
		return nil, fmt.Errorf("open usage database %s: %w", usagePath, err)
	}
	a.closers = append(a.closers, a.usage.Close)

	persona, err := loadPersona(cfg.Agent.PersonaFile, logger)
	if err != nil {
		return nil, err
	}

	a.agents = lifecycle.New(a.agentFactory(persona), lifecycle.Config{
		InitTimeout:   cfg.Agent.InitTimeout,
		RetryCooldown: cfg.Agent.RetryCooldown,
		Events:        a.bus,
		Logger:        logger,
	})
	return a, nil
}

// agentFactory returns the lifecycle factory: initialize the capability
// client, then build the session over it.
func (a *app) agentFactory(persona string) lifecycle.Factory[api.Agent] {
	return func(ctx context.Context) (api.Agent, error) {
		if err := a.caps.Initialize(ctx); err != nil {
			return nil, err
		}
		integrations := a.caps.Integrations()
		model := a.cfg.Models.Default
		return session.New(session.Config{
			Capabilities: a.caps,
			LLM:          a.llm,
			Model:        model,
			Provider:     a.llm.ProviderFor(model),
			SystemFunc: func() string {
				return prompts.SystemPrompt(persona, integrations, time.Now())
			},
			MaxIterations:  a.cfg.Agent.MaxIterations,
			RequestTimeout: a.cfg.Agent.RequestTimeout,
			Events:         a.bus,
			Usage:          a.usage,
			Pricing:        a.cfg.Models.Pricing,
			Logger:         a.logger,
		}), nil
	}
}

// buildKits constructs the native integration kits that are
// configured. The CRM ledger is always available.
func (a *app) buildKits() ([]capability.Kit, error) {
	cfg, logger := a.cfg, a.logger
	httpClient := httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithLogger(logger))

	var kits []capability.Kit

	if cfg.Tracker.Configured() {
		t, err := tracker.New(httpClient, tracker.Config{
			Token:   cfg.Tracker.Token,
			BaseURL: cfg.Tracker.BaseURL,
			Repo:    cfg.Tracker.Repo,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("tracker: %w", err)
		}
		kits = append(kits, tracker.NewKit(t))
		logger.Info("tracker kit enabled", "repo", cfg.Tracker.Repo)
	}

	if cfg.Calendar.Configured() {
		store, err := calendar.NewDAVStore(httpClient, calendar.Config{
			URL:          cfg.Calendar.URL,
			Username:     cfg.Calendar.Username,
			Password:     cfg.Calendar.Password,
			CalendarPath: cfg.Calendar.CalendarPath,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("calendar: %w", err)
		}
		kits = append(kits, calendar.NewKit(store))
		logger.Info("calendar kit enabled", "url", cfg.Calendar.URL)
	}

	ledger, err := crm.OpenLedger(cfg.CRM.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open commitment ledger %s: %w", cfg.CRM.LedgerPath, err)
	}
	a.closers = append(a.closers, ledger.Close)
	var dir crm.Directory
	if cfg.CRM.CardDAVURL != "" {
		d, err := crm.NewDAVDirectory(httpClient, crm.DAVConfig{
			URL:             cfg.CRM.CardDAVURL,
			Username:        cfg.CRM.Username,
			Password:        cfg.CRM.Password,
			AddressBookPath: cfg.CRM.AddressBookPath,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("crm contacts: %w", err)
		}
		dir = d
	}
	kits = append(kits, crm.NewKit(dir, ledger))
	logger.Info("crm kit enabled", "ledger", cfg.CRM.LedgerPath, "contacts", dir != nil)

	var poster messaging.Poster
	var mailer messaging.Mailer
	if cfg.Messaging.BrokerURL != "" {
		a.poster = messaging.NewMQTTPoster(messaging.MQTTConfig{
			BrokerURL:   cfg.Messaging.BrokerURL,
			Username:    cfg.Messaging.Username,
			Password:    cfg.Messaging.Password,
			ClientID:    cfg.Messaging.ClientID,
			TopicPrefix: cfg.Messaging.TopicPrefix,
		}, logger)
		poster = a.poster
	}
	if s := cfg.Messaging.SMTP; s.Configured() {
		mailer = messaging.NewSMTPMailer(messaging.SMTPConfig{
			Host:     s.Host,
			Port:     s.Port,
			Username: s.Username,
			Password: s.Password,
			From:     s.From,
			StartTLS: s.StartTLS,
		})
	}
	if poster != nil || mailer != nil {
		kits = append(kits, messaging.NewKit(poster, mailer))
		logger.Info("messaging kit enabled", "channels", poster != nil, "email", mailer != nil)
	}

	return kits, nil
}

// buildSources creates an MCP source per configured server.
func (a *app) buildSources() []capability.Source {
	var out []capability.Source
	for _, sc := range a.cfg.MCP.Servers {
		transport := mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     sc.URL,
			Headers: sc.Headers,
			Logger:  a.logger,
		})
		client := mcp.NewClient(sc.Name, transport, a.logger)
		a.closers = append(a.closers, client.Close)

		src := mcp.NewSource(client, sc.Integration, sc.IncludeTools, sc.ExcludeTools, a.logger)
		a.sources = append(a.sources, src)
		out = append(out, src)
	}
	return out
}

// start launches background connections that outlive a single request.
func (a *app) start(ctx context.Context) {
	if a.poster != nil {
		if err := a.poster.Start(ctx); err != nil {
			a.logger.Error("mqtt poster failed to start", "error", err)
		}
	}
}

// watch registers health probes for every remote dependency.
func (a *app) watch(ctx context.Context, mgr *connwatch.Manager) {
	mgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "identity",
		Probe:   a.ids.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
	})
	for _, name := range a.llm.Providers() {
		mgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "llm_" + name,
			Probe:   a.llm.Provider(name).Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
		})
	}
	for _, src := range a.sources {
		mgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "mcp_" + src.Name(),
			Probe:   src.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
		})
	}
	if a.poster != nil {
		mgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, cancel := context.WithTimeout(pCtx, 2*time.Second)
				defer cancel()
				return a.poster.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
		})
	}
}

// Close releases stores and connections in reverse order of creation.
func (a *app) Close() {
	if a.poster != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.poster.Stop(ctx); err != nil {
			a.logger.Warn("mqtt disconnect failed", "error", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// createLLMClient builds the model router over every provider that has
// credentials. Listed models route to their provider; others are
// assigned by name or fall back to the default model's provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (*llm.Router, error) {
	providers := make(map[string]llm.Client)
	if cfg.OpenAI.APIKey != "" {
		providers["openai"] = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Temperature: cfg.Models.Temperature,
		}, logger)
	}
	if cfg.Anthropic.APIKey != "" {
		providers["anthropic"] = llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:      cfg.Anthropic.APIKey,
			Temperature: cfg.Models.Temperature,
		}, logger)
	}

	router, err := llm.NewRouter(llm.RouterConfig{
		Providers:    providers,
		Routes:       cfg.ModelRoutes(),
		DefaultModel: cfg.Models.Default,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", router.ProviderFor(cfg.Models.Default),
		"providers", router.Providers(),
	)
	return router, nil
}

// loadPersona reads the persona file. An empty path selects the
// built-in persona; a configured file that cannot be read is an error.
func loadPersona(path string, logger *slog.Logger) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("load persona %s: %w", path, err)
	}
	logger.Info("persona loaded", "path", path, "size", len(data))
	return string(data), nil
}
