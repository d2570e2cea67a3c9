package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/jenny-agent/internal/tools"
)

var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Source exposes one MCP server as a tool source for a single
// integration. Its tools are offered only to users who authorized
// that integration.
type Source struct {
	client      *Client
	integration string
	include     map[string]bool
	exclude     map[string]bool
	logger      *slog.Logger
}

// NewSource wraps client. When include is non-empty only those MCP
// tool names are offered; otherwise names in exclude are skipped.
func NewSource(client *Client, integration string, include, exclude []string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		client:      client,
		integration: strings.ToLower(integration),
		include:     toSet(include),
		exclude:     toSet(exclude),
		logger:      logger.With("mcp_server", client.Name()),
	}
}

// Name returns the server name.
func (s *Source) Name() string { return s.client.Name() }

// Integration returns the integration the server's tools act on.
func (s *Source) Integration() string { return s.integration }

// Initialize performs the MCP handshake.
func (s *Source) Initialize(ctx context.Context) error { return s.client.Initialize(ctx) }

// Ping checks that the server answers.
func (s *Source) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// Tools lists the server's tools for the user bound to ctx and wraps
// each as a tool named "mcp_{server}_{tool}".
func (s *Source) Tools(ctx context.Context) ([]*tools.Tool, error) {
	defs, err := s.client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", s.Name(), err)
	}

	var out []*tools.Tool
	for _, td := range defs {
		if len(s.include) > 0 {
			if !s.include[td.Name] {
				continue
			}
		} else if s.exclude[td.Name] {
			continue
		}
		out = append(out, s.bridge(td))
	}
	s.logger.Debug("bridged MCP tools", "count", len(out), "listed", len(defs))
	return out, nil
}

func (s *Source) bridge(td ToolDefinition) *tools.Tool {
	mcpName := td.Name
	client := s.client
	return &tools.Tool{
		Name:        ToolName(s.Name(), td.Name),
		Description: td.Description,
		Parameters:  td.InputSchema,
		Integration: s.integration,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return client.CallTool(ctx, mcpName, args)
		},
	}
}

// ToolName builds a namespaced tool name from an MCP server name and
// tool name, both sanitized to lowercase alphanumerics and underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
