// Package config handles Jenny configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/jenny/config.yaml,
// /etc/jenny/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "jenny", "config.yaml"))
	}

	paths = append(paths, "/etc/jenny/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no search path exists.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all Jenny configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Identity  IdentityConfig  `yaml:"identity"`
	Agent     AgentConfig     `yaml:"agent"`
	MCP       MCPConfig       `yaml:"mcp"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Calendar  CalendarConfig  `yaml:"calendar"`
	CRM       CRMConfig       `yaml:"crm"`
	Messaging MessagingConfig `yaml:"messaging"`

	DataDir   string `yaml:"data_dir" env:"JENNY_DATA_DIR"`
	LogLevel  string `yaml:"log_level" env:"JENNY_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"JENNY_LOG_FORMAT"` // text or json
}

// ListenConfig defines the HTTP gateway settings.
type ListenConfig struct {
	Address     string   `yaml:"address" env:"JENNY_LISTEN_ADDRESS"`
	Port        int      `yaml:"port" env:"SERVER_PORT"`
	CORSOrigins []string `yaml:"cors_origins" env:"JENNY_CORS_ORIGINS" envSeparator:","`
}

// ModelsConfig selects the chat model and lists providers for routing.
type ModelsConfig struct {
	Default     string        `yaml:"default" env:"JENNY_MODEL"`
	Temperature float64       `yaml:"temperature"`
	Available   []ModelConfig `yaml:"available"`

	// Pricing maps model names to per-million-token prices for the
	// usage ledger. Unlisted models record zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry holds USD prices per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, anthropic
}

// OpenAIConfig defines OpenAI-compatible chat completion settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key" env:"OPENAI_API_KEY"`
	BaseURL string `yaml:"base_url" env:"OPENAI_BASE_URL"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key" env:"ANTHROPIC_API_KEY"`
}

// IdentityConfig points at the identity service that resolves bearer
// tokens and reports which integrations a user has authorized. The
// agent authenticates itself with OAuth2 client credentials.
type IdentityConfig struct {
	BaseURL      string        `yaml:"base_url" env:"JENNY_IDENTITY_BASE_URL"`
	TokenURL     string        `yaml:"token_url" env:"JENNY_IDENTITY_TOKEN_URL"`
	ClientID     string        `yaml:"client_id" env:"JENNY_IDENTITY_CLIENT_ID"`
	ClientSecret string        `yaml:"client_secret" env:"JENNY_IDENTITY_CLIENT_SECRET"`
	AgentID      string        `yaml:"agent_id" env:"JENNY_IDENTITY_AGENT_ID"`
	Scopes       []string      `yaml:"scopes"`
	Timeout      time.Duration `yaml:"timeout"`
}

// AgentConfig tunes the agent session and its lifecycle.
type AgentConfig struct {
	PersonaFile    string        `yaml:"persona_file" env:"JENNY_PERSONA_FILE"`
	InitTimeout    time.Duration `yaml:"init_timeout" env:"JENNY_INIT_TIMEOUT"`
	RetryCooldown  time.Duration `yaml:"retry_cooldown"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"JENNY_REQUEST_TIMEOUT"`
	MaxIterations  int           `yaml:"max_iterations"`
}

// MCPConfig lists remote tool servers.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server reached over streamable
// HTTP. Integration names the authorization the user must hold for
// its tools to be exposed.
type MCPServerConfig struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"`
	Integration  string            `yaml:"integration"`
	Headers      map[string]string `yaml:"headers"`
	IncludeTools []string          `yaml:"include_tools"`
	ExcludeTools []string          `yaml:"exclude_tools"`
}

// TrackerConfig configures the GitHub-backed issue tracker kit.
type TrackerConfig struct {
	Token   string `yaml:"token" env:"JENNY_TRACKER_TOKEN"`
	BaseURL string `yaml:"base_url"` // GitHub Enterprise API root; empty for github.com
	Repo    string `yaml:"repo"`     // default owner/repo
}

// Configured reports whether the tracker kit can be built.
func (c TrackerConfig) Configured() bool { return c.Token != "" && c.Repo != "" }

// CalendarConfig configures the CalDAV calendar kit.
type CalendarConfig struct {
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password" env:"JENNY_CALDAV_PASSWORD"`
	CalendarPath string `yaml:"calendar_path"` // empty selects the first calendar
}

// Configured reports whether the calendar kit can be built.
func (c CalendarConfig) Configured() bool { return c.URL != "" }

// CRMConfig configures the CRM kit: a CardDAV address book for
// contacts and a local ledger for deal commitments.
type CRMConfig struct {
	CardDAVURL      string `yaml:"carddav_url"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password" env:"JENNY_CARDDAV_PASSWORD"`
	AddressBookPath string `yaml:"address_book_path"`
	LedgerPath      string `yaml:"ledger_path"` // default <data_dir>/commitments.db
}

// Configured reports whether the CRM kit can be built. The ledger is
// always available; contacts need CardDAV.
func (c CRMConfig) Configured() bool { return c.LedgerPath != "" }

// MessagingConfig configures team channel posts (over MQTT) and e-mail.
type MessagingConfig struct {
	BrokerURL   string     `yaml:"broker_url"`
	Username    string     `yaml:"username"`
	Password    string     `yaml:"password" env:"JENNY_MQTT_PASSWORD"`
	ClientID    string     `yaml:"client_id"`
	TopicPrefix string     `yaml:"topic_prefix"`
	SMTP        SMTPConfig `yaml:"smtp"`
}

// Configured reports whether channel posting is available.
func (c MessagingConfig) Configured() bool { return c.BrokerURL != "" || c.SMTP.Configured() }

// SMTPConfig holds outbound mail server settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password" env:"JENNY_SMTP_PASSWORD"`
	From     string `yaml:"from"`
	StartTLS bool   `yaml:"starttls"`
}

// Configured reports whether SMTP sending is available.
func (c SMTPConfig) Configured() bool { return c.Host != "" && c.From != "" }

// Load reads configuration from a YAML file, expands environment
// variables, applies environment overrides and defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return finish(cfg)
}

// FromEnv builds a configuration from environment variables alone.
func FromEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 3001
	}
	if len(c.Listen.CORSOrigins) == 0 {
		c.Listen.CORSOrigins = []string{"*"}
	}
	if c.Models.Default == "" {
		c.Models.Default = "gpt-4o"
	}
	if c.Models.Temperature == 0 {
		c.Models.Temperature = 0.7
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Identity.TokenURL == "" && c.Identity.BaseURL != "" {
		c.Identity.TokenURL = strings.TrimRight(c.Identity.BaseURL, "/") + "/oauth/token"
	}
	if c.Identity.Timeout == 0 {
		c.Identity.Timeout = 30 * time.Second
	}
	if c.Agent.InitTimeout == 0 {
		c.Agent.InitTimeout = 120 * time.Second
	}
	if c.Agent.RetryCooldown == 0 {
		c.Agent.RetryCooldown = 5 * time.Second
	}
	if c.Agent.RequestTimeout == 0 {
		c.Agent.RequestTimeout = 3 * time.Minute
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 10
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.CRM.LedgerPath == "" {
		c.CRM.LedgerPath = filepath.Join(c.DataDir, "commitments.db")
	}
	if c.Messaging.TopicPrefix == "" {
		c.Messaging.TopicPrefix = "jenny"
	}
	if c.Messaging.ClientID == "" {
		c.Messaging.ClientID = "jenny-agent"
	}
	if c.Messaging.SMTP.Port == 0 {
		c.Messaging.SMTP.Port = 587
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q: must be text or json", c.LogFormat)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Models.Temperature < 0 || c.Models.Temperature > 2 {
		return fmt.Errorf("models.temperature %v out of range [0,2]", c.Models.Temperature)
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("models.available %q: unknown provider %q", m.Name, m.Provider)
		}
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
		if s.URL == "" {
			return fmt.Errorf("mcp.servers[%d] %q: url is required", i, s.Name)
		}
		if s.Integration == "" {
			return fmt.Errorf("mcp.servers[%d] %q: integration is required", i, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp.servers: duplicate name %q", s.Name)
		}
		seen[s.Name] = true
	}
	if c.Tracker.Repo != "" {
		if owner, name, ok := strings.Cut(c.Tracker.Repo, "/"); !ok || owner == "" || name == "" {
			return fmt.Errorf("tracker.repo %q: expected owner/repo", c.Tracker.Repo)
		}
	}
	return nil
}

// ModelRoutes maps each listed model to its provider.
func (c *Config) ModelRoutes() map[string]string {
	routes := make(map[string]string, len(c.Models.Available))
	for _, m := range c.Models.Available {
		routes[m.Name] = m.Provider
	}
	return routes
}
