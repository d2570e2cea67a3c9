package tracker

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nugget/jenny-agent/internal/tools"
)

// Integration is the authorization name for tracker tools.
const Integration = "tracker"

// CommitmentLabel is applied to every issue filed from a commitment.
const CommitmentLabel = "customer-commitment"

// Kit exposes a Tracker as agent tools.
type Kit struct {
	tracker *Tracker
}

// NewKit wraps t.
func NewKit(t *Tracker) *Kit { return &Kit{tracker: t} }

// Integration returns the integration name.
func (k *Kit) Integration() string { return Integration }

// Tools returns the tracker tools.
func (k *Kit) Tools() []*tools.Tool {
	repoParam := map[string]any{"type": "string", "description": "owner/repo; defaults to the configured repository"}
	return []*tools.Tool{
		{
			Name:        "tracker_create_issue",
			Description: "File an issue for a customer commitment. Include the customer, deal value and due date so engineering sees the business context.",
			Integration: Integration,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":      map[string]any{"type": "string"},
					"body":       map[string]any{"type": "string", "description": "Markdown description of the commitment"},
					"customer":   map[string]any{"type": "string"},
					"deal_value": map[string]any{"type": "number", "description": "Deal value in USD"},
					"due_date":   map[string]any{"type": "string", "description": "YYYY-MM-DD"},
					"labels":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"assignees":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"repo":       repoParam,
				},
				"required": []string{"title"},
			},
			Handler: k.handleCreate,
		},
		{
			Name:        "tracker_get_issue",
			Description: "Fetch an issue by number to check its status.",
			Integration: Integration,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"number": map[string]any{"type": "integer"},
					"repo":   repoParam,
				},
				"required": []string{"number"},
			},
			Handler: k.handleGet,
		},
		{
			Name:        "tracker_search_issues",
			Description: "Search issues, for example all open commitments for a customer.",
			Integration: Integration,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "GitHub search terms"},
					"state": map[string]any{"type": "string", "enum": []string{"open", "closed", "all"}},
					"limit": map[string]any{"type": "integer"},
					"repo":  repoParam,
				},
			},
			Handler: k.handleSearch,
		},
		{
			Name:        "tracker_add_comment",
			Description: "Comment on an issue, for example to record a change in a commitment.",
			Integration: Integration,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"number": map[string]any{"type": "integer"},
					"body":   map[string]any{"type": "string"},
					"repo":   repoParam,
				},
				"required": []string{"number", "body"},
			},
			Handler: k.handleComment,
		},
	}
}

// CommitmentBody renders the issue body for a customer commitment.
func CommitmentBody(body, customer string, dealValue float64, due string) string {
	var sb strings.Builder
	if customer != "" || dealValue > 0 || due != "" {
		sb.WriteString("| Customer | Deal value | Due |\n|---|---|---|\n")
		value := "-"
		if dealValue > 0 {
			value = fmt.Sprintf("$%.0f", dealValue)
		}
		fmt.Fprintf(&sb, "| %s | %s | %s |\n\n", orDash(customer), value, orDash(due))
	}
	sb.WriteString(body)
	return strings.TrimSpace(sb.String())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (k *Kit) handleCreate(ctx context.Context, args map[string]any) (string, error) {
	title, err := tools.RequireString(args, "title")
	if err != nil {
		return "", err
	}
	due := tools.StringArg(args, "due_date")
	if due != "" {
		if _, err := time.Parse(time.DateOnly, due); err != nil {
			return "", fmt.Errorf("due_date %q: expected YYYY-MM-DD", due)
		}
	}

	labels := tools.StringSliceArg(args, "labels")
	if !slices.Contains(labels, CommitmentLabel) {
		labels = append(labels, CommitmentLabel)
	}
	issue, err := k.tracker.CreateIssue(ctx, tools.StringArg(args, "repo"), &Issue{
		Title:     title,
		Body:      CommitmentBody(tools.StringArg(args, "body"), tools.StringArg(args, "customer"), tools.FloatArg(args, "deal_value"), due),
		Labels:    labels,
		Assignees: tools.StringSliceArg(args, "assignees"),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Created issue #%d: %s\nURL: %s", issue.Number, issue.Title, issue.URL), nil
}

func (k *Kit) handleGet(ctx context.Context, args map[string]any) (string, error) {
	number := tools.IntArg(args, "number")
	if number <= 0 {
		return "", fmt.Errorf("number is required")
	}
	issue, err := k.tracker.GetIssue(ctx, tools.StringArg(args, "repo"), number)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Issue #%d: %s\n", issue.Number, issue.Title)
	fmt.Fprintf(&sb, "State: %s | Author: %s\n", issue.State, issue.Author)
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&sb, "Labels: %s\n", strings.Join(issue.Labels, ", "))
	}
	if len(issue.Assignees) > 0 {
		fmt.Fprintf(&sb, "Assignees: %s\n", strings.Join(issue.Assignees, ", "))
	}
	fmt.Fprintf(&sb, "Updated: %s\n", issue.UpdatedAt.Format(time.DateOnly))
	fmt.Fprintf(&sb, "URL: %s\n", issue.URL)
	if issue.Body != "" {
		fmt.Fprintf(&sb, "\n---\n%s", issue.Body)
	}
	return sb.String(), nil
}

func (k *Kit) handleSearch(ctx context.Context, args map[string]any) (string, error) {
	issues, err := k.tracker.SearchIssues(ctx,
		tools.StringArg(args, "repo"),
		tools.StringArg(args, "query"),
		tools.StringArg(args, "state"),
		tools.IntArg(args, "limit"),
	)
	if err != nil {
		return "", err
	}
	if len(issues) == 0 {
		return "No matching issues.", nil
	}

	var sb strings.Builder
	for _, i := range issues {
		fmt.Fprintf(&sb, "#%d [%s] %s %s\n", i.Number, i.State, i.Title, i.URL)
	}
	return sb.String(), nil
}

func (k *Kit) handleComment(ctx context.Context, args map[string]any) (string, error) {
	number := tools.IntArg(args, "number")
	if number <= 0 {
		return "", fmt.Errorf("number is required")
	}
	body, err := tools.RequireString(args, "body")
	if err != nil {
		return "", err
	}
	c, err := k.tracker.AddComment(ctx, tools.StringArg(args, "repo"), number, body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Commented on #%d: %s", number, c.URL), nil
}
