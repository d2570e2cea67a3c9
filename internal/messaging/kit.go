package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/jenny-agent/internal/identity"
	"github.com/nugget/jenny-agent/internal/tools"
)

// Integration is the authorization name for messaging tools.
const Integration = "messaging"

// Kit exposes channel posts and e-mail as tools. Either half may be
// nil and its tool is omitted.
type Kit struct {
	poster Poster
	mailer Mailer
	now    func() time.Time
}

// NewKit builds a messaging kit.
func NewKit(poster Poster, mailer Mailer) *Kit {
	return &Kit{poster: poster, mailer: mailer, now: time.Now}
}

// Integration returns the integration name.
func (k *Kit) Integration() string { return Integration }

// Tools returns the messaging tools.
func (k *Kit) Tools() []*tools.Tool {
	var out []*tools.Tool
	if k.poster != nil {
		out = append(out, &tools.Tool{
			Name:        "messaging_post_channel",
			Description: "Post a short update to a team channel, for example to tell the account team a commitment was filed.",
			Integration: Integration,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"channel": map[string]any{"type": "string", "description": "Channel name, e.g. #deal-desk"},
					"text":    map[string]any{"type": "string"},
				},
				"required": []string{"channel", "text"},
			},
			Handler: k.handlePost,
		})
	}
	if k.mailer != nil {
		out = append(out, &tools.Tool{
			Name:        "messaging_send_email",
			Description: "Send an e-mail. The body is markdown. Confirm recipients and content with the user before sending to a customer.",
			Integration: Integration,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"cc":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"subject": map[string]any{"type": "string"},
					"body":    map[string]any{"type": "string"},
				},
				"required": []string{"to", "subject", "body"},
			},
			Handler: k.handleEmail,
		})
	}
	return out
}

func (k *Kit) handlePost(ctx context.Context, args map[string]any) (string, error) {
	channel, err := tools.RequireString(args, "channel")
	if err != nil {
		return "", err
	}
	text, err := tools.RequireString(args, "text")
	if err != nil {
		return "", err
	}
	post := ChannelPost{Channel: channel, Text: text, Time: k.now().UTC()}
	if id, ok := identity.FromContext(ctx); ok {
		post.Author = firstNonEmpty(id.Name, id.Email, id.Subject)
	}
	if err := k.poster.Post(ctx, channel, post); err != nil {
		return "", err
	}
	return fmt.Sprintf("Posted to %s.", channel), nil
}

func (k *Kit) handleEmail(ctx context.Context, args map[string]any) (string, error) {
	to := tools.StringSliceArg(args, "to")
	if len(to) == 0 {
		return "", errors.New("to is required")
	}
	subject, err := tools.RequireString(args, "subject")
	if err != nil {
		return "", err
	}
	body, err := tools.RequireString(args, "body")
	if err != nil {
		return "", err
	}

	e := Email{To: to, Cc: tools.StringSliceArg(args, "cc"), Subject: subject, Body: body}
	if id, ok := identity.FromContext(ctx); ok && id.Email != "" {
		// Keep the user in the loop on anything sent on their behalf.
		e.Cc = append(e.Cc, id.Email)
	}
	if err := k.mailer.Send(ctx, e); err != nil {
		return "", err
	}
	return fmt.Sprintf("Sent %q to %s.", subject, strings.Join(to, ", ")), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
