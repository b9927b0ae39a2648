package approval

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	requestLabel = "approval-required"

	retryAttempts = 3
	retryBackoff  = time.Second
)

// GitHubBackend implements Backend on top of GitHub issues: one issue
// per approval request, a label as the approval signal.
type GitHubBackend struct {
	client *github.Client
	owner  string
	repo   string
	label  string
	logger *zap.Logger
}

// NewGitHubBackend builds an authenticated backend from config.
func NewGitHubBackend(ctx context.Context, cfg config.GitHubConfig, logger *zap.Logger) (*GitHubBackend, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("github token not set")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)

	label := cfg.ApprovalLabel
	if label == "" {
		label = "approved"
	}

	return &GitHubBackend{
		client: github.NewClient(tc),
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		label:  label,
		logger: logger,
	}, nil
}

// IsAvailable implements Backend.
func (b *GitHubBackend) IsAvailable(ctx context.Context) bool {
	_, _, err := b.client.Repositories.Get(ctx, b.owner, b.repo)
	if err != nil {
		b.logger.Warn("approval backend unreachable", zap.Error(err))
		return false
	}
	return true
}

// OpenIssue implements Backend.
func (b *GitHubBackend) OpenIssue(ctx context.Context, title, body string) (string, error) {
	var issue *github.Issue
	err := b.retry(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = b.client.Issues.Create(ctx, b.owner, b.repo, &github.IssueRequest{
			Title:  github.String(title),
			Body:   github.String(body),
			Labels: &[]string{requestLabel},
		})
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("failed to open approval issue: %w", err)
	}
	return strconv.Itoa(issue.GetNumber()), nil
}

// CheckApproval implements Backend. The signal is the approval label on
// the issue; ApprovedBy is the actor who applied it.
func (b *GitHubBackend) CheckApproval(ctx context.Context, issueID string) (Decision, error) {
	number, err := strconv.Atoi(issueID)
	if err != nil {
		return Decision{}, fmt.Errorf("invalid issue id %q: %w", issueID, err)
	}

	var issue *github.Issue
	err = b.retry(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = b.client.Issues.Get(ctx, b.owner, b.repo, number)
		return resp, err
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to fetch approval issue: %w", err)
	}

	approved := false
	for _, l := range issue.Labels {
		if l.GetName() == b.label {
			approved = true
			break
		}
	}
	if !approved {
		return Decision{}, nil
	}

	decision := Decision{Approved: true, Label: b.label}

	// Best effort: find who applied the label. Approval stands even if
	// the event listing fails.
	events, _, err := b.client.Issues.ListIssueEvents(ctx, b.owner, b.repo, number, nil)
	if err == nil {
		for i := len(events) - 1; i >= 0; i-- {
			ev := events[i]
			if ev.GetEvent() == "labeled" && ev.GetLabel().GetName() == b.label {
				decision.ApprovedBy = ev.GetActor().GetLogin()
				break
			}
		}
	}

	return decision, nil
}

// AddComment implements Backend.
func (b *GitHubBackend) AddComment(ctx context.Context, issueID, body string) error {
	number, err := strconv.Atoi(issueID)
	if err != nil {
		return fmt.Errorf("invalid issue id %q: %w", issueID, err)
	}
	return b.retry(ctx, func() (*github.Response, error) {
		_, resp, err := b.client.Issues.CreateComment(ctx, b.owner, b.repo, number, &github.IssueComment{
			Body: github.String(body),
		})
		return resp, err
	})
}

// CloseIssue implements Backend.
func (b *GitHubBackend) CloseIssue(ctx context.Context, issueID string) error {
	number, err := strconv.Atoi(issueID)
	if err != nil {
		return fmt.Errorf("invalid issue id %q: %w", issueID, err)
	}
	return b.retry(ctx, func() (*github.Response, error) {
		_, resp, err := b.client.Issues.Edit(ctx, b.owner, b.repo, number, &github.IssueRequest{
			State: github.String("closed"),
		})
		return resp, err
	})
}

// retry runs op with exponential backoff on transient API errors
// (rate limits and 5xx). Client errors fail immediately.
func (b *GitHubBackend) retry(ctx context.Context, op func() (*github.Response, error)) error {
	backoff := retryBackoff
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		resp, err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(resp) {
			return err
		}
		if attempt == retryAttempts-1 {
			break
		}
		b.logger.Debug("retrying github call",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("github call failed after %d attempts: %w", retryAttempts, lastErr)
}

func isRetryable(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		// Network-level error; typically transient.
		return true
	}
	code := resp.StatusCode
	if code == http.StatusTooManyRequests {
		return true
	}
	if code == http.StatusForbidden && resp.Rate.Limit > 0 {
		// Secondary rate limit.
		return true
	}
	return code >= 500 && code < 600
}
