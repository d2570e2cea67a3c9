package crm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/jenny-agent/internal/identity"
	"github.com/nugget/jenny-agent/internal/tools"
)

// Integration is the authorization name for CRM tools.
const Integration = "crm"

// Kit exposes the contact directory and commitment ledger as tools.
// A nil directory omits contact lookup.
type Kit struct {
	dir    Directory
	ledger *Ledger
}

// NewKit builds a CRM kit.
func NewKit(dir Directory, ledger *Ledger) *Kit {
	return &Kit{dir: dir, ledger: ledger}
}

// Integration returns the integration name.
func (k *Kit) Integration() string { return Integration }

// Tools returns the CRM tools.
func (k *Kit) Tools() []*tools.Tool {
	var out []*tools.Tool
	if k.dir != nil {
		out = append(out, &tools.Tool{
			Name:        "crm_find_contact",
			Description: "Look up customer contacts by name, e-mail or company.",
			Integration: Integration,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer", "description": "Default 10"},
				},
				"required": []string{"query"},
			},
			Handler: k.handleFind,
		})
	}
	if k.ledger != nil {
		out = append(out,
			&tools.Tool{
				Name:        "crm_record_commitment",
				Description: "Record a commitment made to a customer against a deal, with its value and due date.",
				Integration: Integration,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"customer":   map[string]any{"type": "string"},
						"summary":    map[string]any{"type": "string", "description": "What was promised"},
						"deal_value": map[string]any{"type": "number", "description": "Deal value in USD"},
						"due_date":   map[string]any{"type": "string", "description": "YYYY-MM-DD"},
						"issue_url":  map[string]any{"type": "string", "description": "Tracker issue filed for this commitment"},
					},
					"required": []string{"customer", "summary"},
				},
				Handler: k.handleRecord,
			},
			&tools.Tool{
				Name:        "crm_list_commitments",
				Description: "List recorded commitments, optionally for one customer or status.",
				Integration: Integration,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"customer": map[string]any{"type": "string"},
						"status":   map[string]any{"type": "string", "enum": []string{StatusOpen, StatusMet, StatusLost}},
						"limit":    map[string]any{"type": "integer"},
					},
				},
				Handler: k.handleList,
			},
		)
	}
	return out
}

func caller(ctx context.Context) (*identity.Identity, error) {
	id, ok := identity.FromContext(ctx)
	if !ok || id.TenantID == "" {
		return nil, errors.New("no tenant bound to this request")
	}
	return id, nil
}

func (k *Kit) handleFind(ctx context.Context, args map[string]any) (string, error) {
	query, err := tools.RequireString(args, "query")
	if err != nil {
		return "", err
	}
	limit := tools.IntArg(args, "limit")
	if limit <= 0 {
		limit = 10
	}
	contacts, err := k.dir.FindContacts(ctx, query, limit)
	if err != nil {
		return "", err
	}
	if len(contacts) == 0 {
		return fmt.Sprintf("No contacts match %q.", query), nil
	}

	var sb strings.Builder
	for _, c := range contacts {
		sb.WriteString(c.Name)
		if c.Title != "" || c.Organization != "" {
			fmt.Fprintf(&sb, " (%s)", strings.Trim(c.Title+", "+c.Organization, ", "))
		}
		if len(c.Emails) > 0 {
			fmt.Fprintf(&sb, " <%s>", strings.Join(c.Emails, ", "))
		}
		if len(c.Phones) > 0 {
			fmt.Fprintf(&sb, " tel: %s", strings.Join(c.Phones, ", "))
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func (k *Kit) handleRecord(ctx context.Context, args map[string]any) (string, error) {
	id, err := caller(ctx)
	if err != nil {
		return "", err
	}
	customer, err := tools.RequireString(args, "customer")
	if err != nil {
		return "", err
	}
	summary, err := tools.RequireString(args, "summary")
	if err != nil {
		return "", err
	}
	due := tools.StringArg(args, "due_date")
	if due != "" {
		if _, err := time.Parse(time.DateOnly, due); err != nil {
			return "", fmt.Errorf("due_date %q: expected YYYY-MM-DD", due)
		}
	}

	c, err := k.ledger.Record(ctx, Commitment{
		TenantID:  id.TenantID,
		Owner:     id.Subject,
		Customer:  customer,
		Summary:   summary,
		DealValue: tools.FloatArg(args, "deal_value"),
		DueDate:   due,
		IssueURL:  tools.StringArg(args, "issue_url"),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Recorded commitment %s for %s: %s", c.ID, c.Customer, c.Summary), nil
}

func (k *Kit) handleList(ctx context.Context, args map[string]any) (string, error) {
	id, err := caller(ctx)
	if err != nil {
		return "", err
	}
	list, err := k.ledger.List(ctx, Filter{
		TenantID: id.TenantID,
		Customer: tools.StringArg(args, "customer"),
		Status:   tools.StringArg(args, "status"),
		Limit:    tools.IntArg(args, "limit"),
	})
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No commitments recorded.", nil
	}

	var sb strings.Builder
	for _, c := range list {
		fmt.Fprintf(&sb, "[%s] %s: %s", c.Status, c.Customer, c.Summary)
		if c.DealValue > 0 {
			fmt.Fprintf(&sb, " ($%.0f)", c.DealValue)
		}
		if c.DueDate != "" {
			fmt.Fprintf(&sb, " due %s", c.DueDate)
		}
		if c.IssueURL != "" {
			fmt.Fprintf(&sb, " %s", c.IssueURL)
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
