package messaging

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

// Email is an outbound message. Body is markdown.
type Email struct {
	From    string
	To      []string
	Cc      []string
	Subject string
	Body    string
}

// Compose renders e as an RFC 5322 message with text/plain and
// text/html alternatives.
func Compose(e Email, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(e.Subject)

	from, err := mail.ParseAddress(e.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", e.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	to, err := parseAddresses(e.To)
	if err != nil {
		return nil, err
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	h.SetAddressList("To", to)
	if len(e.Cc) > 0 {
		cc, err := parseAddresses(e.Cc)
		if err != nil {
			return nil, err
		}
		h.SetAddressList("Cc", cc)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	html, err := renderHTML(e.Body)
	if err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	parts := []struct{ contentType, body string }{
		{"text/plain; charset=utf-8", plainText(e.Body)},
		{"text/html; charset=utf-8", html},
	}
	for _, p := range parts {
		var ih mail.InlineHeader
		ih.Set("Content-Type", p.contentType)
		w, err := tw.CreatePart(ih)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(w, p.body); err != nil {
			return nil, fmt.Errorf("write %s part: %w", p.contentType, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close %s part: %w", p.contentType, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func parseAddresses(addrs []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

// Recipients returns the unique bare addresses of To and Cc for the
// SMTP envelope.
func (e Email) Recipients() ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{e.To, e.Cc} {
		addrs, err := parseAddresses(list)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			bare := strings.ToLower(a.Address)
			if !seen[bare] {
				seen[bare] = true
				out = append(out, a.Address)
			}
		}
	}
	return out, nil
}

func renderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return `<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
` + buf.String() + `</body></html>`, nil
}

var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

func plainText(md string) string {
	s := mdLink.ReplaceAllString(md, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
