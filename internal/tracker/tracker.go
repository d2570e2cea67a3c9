// Package tracker files and follows up commitment issues in a GitHub
// (or GitHub Enterprise) repository.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"
)

// Issue is a tracker issue.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	State     string    `json:"state"`
	Author    string    `json:"author,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
	Assignees []string  `json:"assignees,omitempty"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Comment is a comment on an issue.
type Comment struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// Config configures a Tracker.
type Config struct {
	Token   string
	BaseURL string // GitHub Enterprise root; empty for github.com
	Repo    string // default owner/repo
}

// Tracker is a GitHub issues client bound to a default repository.
type Tracker struct {
	client *gogithub.Client
	repo   string
	logger *slog.Logger
}

// New creates a Tracker. httpClient may be nil.
func New(httpClient *http.Client, cfg Config, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, _, err := splitRepo(cfg.Repo); err != nil {
		return nil, err
	}

	client := gogithub.NewClient(httpClient)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("tracker: enterprise url: %w", err)
		}
	}

	return &Tracker{
		client: client,
		repo:   cfg.Repo,
		logger: logger.With("component", "tracker"),
	}, nil
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return owner, name, nil
}

func (t *Tracker) resolveRepo(repo string) (string, string, error) {
	if repo == "" {
		repo = t.repo
	}
	return splitRepo(repo)
}

// checkRateLimit logs a warning when remaining API calls run low.
func (t *Tracker) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		t.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// CreateIssue opens a new issue. repo may be empty for the default.
func (t *Tracker) CreateIssue(ctx context.Context, repo string, issue *Issue) (*Issue, error) {
	owner, name, err := t.resolveRepo(repo)
	if err != nil {
		return nil, err
	}

	req := &gogithub.IssueRequest{
		Title: &issue.Title,
		Body:  &issue.Body,
	}
	if len(issue.Labels) > 0 {
		req.Labels = &issue.Labels
	}
	if len(issue.Assignees) > 0 {
		req.Assignees = &issue.Assignees
	}

	result, resp, err := t.client.Issues.Create(ctx, owner, name, req)
	if err != nil {
		return nil, fmt.Errorf("tracker: create issue: %w", err)
	}
	t.checkRateLimit(resp)
	return convertIssue(result), nil
}

// GetIssue fetches a single issue by number.
func (t *Tracker) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	owner, name, err := t.resolveRepo(repo)
	if err != nil {
		return nil, err
	}

	result, resp, err := t.client.Issues.Get(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("tracker: get issue: %w", err)
	}
	t.checkRateLimit(resp)
	return convertIssue(result), nil
}

// SearchIssues runs a GitHub issue search scoped to the repository.
func (t *Tracker) SearchIssues(ctx context.Context, repo, query, state string, limit int) ([]*Issue, error) {
	owner, name, err := t.resolveRepo(repo)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	q := fmt.Sprintf("repo:%s/%s is:issue", owner, name)
	if state == "open" || state == "closed" {
		q += " state:" + state
	}
	if query != "" {
		q += " " + query
	}

	r, resp, err := t.client.Search.Issues(ctx, q, &gogithub.SearchOptions{
		Sort:        "updated",
		ListOptions: gogithub.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, fmt.Errorf("tracker: search issues: %w", err)
	}
	t.checkRateLimit(resp)

	out := make([]*Issue, 0, len(r.Issues))
	for _, item := range r.Issues {
		out = append(out, convertIssue(item))
	}
	return out, nil
}

// AddComment posts a comment on an issue.
func (t *Tracker) AddComment(ctx context.Context, repo string, number int, body string) (*Comment, error) {
	owner, name, err := t.resolveRepo(repo)
	if err != nil {
		return nil, err
	}

	result, resp, err := t.client.Issues.CreateComment(ctx, owner, name, number, &gogithub.IssueComment{Body: &body})
	if err != nil {
		return nil, fmt.Errorf("tracker: add comment: %w", err)
	}
	t.checkRateLimit(resp)
	return &Comment{ID: result.GetID(), URL: result.GetHTMLURL()}, nil
}

func convertIssue(i *gogithub.Issue) *Issue {
	if i == nil {
		return nil
	}
	out := &Issue{
		Number:    i.GetNumber(),
		Title:     i.GetTitle(),
		Body:      i.GetBody(),
		State:     i.GetState(),
		Author:    i.GetUser().GetLogin(),
		CreatedAt: i.GetCreatedAt().Time,
		UpdatedAt: i.GetUpdatedAt().Time,
		URL:       i.GetHTMLURL(),
	}
	for _, l := range i.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	for _, a := range i.Assignees {
		out.Assignees = append(out.Assignees, a.GetLogin())
	}
	return out
}
