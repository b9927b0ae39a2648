// Package approval gates dangerous work behind externally-signaled
// human approval with a bounded wait.
package approval

import (
	"context"
)

// Decision is the outcome of checking an approval signal.
type Decision struct {
	Approved   bool
	Label      string
	ApprovedBy string
}

// Backend is the external approval channel. The watcher and supervisor
// depend only on this interface; the GitHub issue tracker implementation
// is one concrete backend.
type Backend interface {
	// IsAvailable reports whether the backend can be reached. A
	// backend that is unavailable at startup disables the watcher.
	IsAvailable(ctx context.Context) bool

	// OpenIssue creates an approval request and returns its handle.
	OpenIssue(ctx context.Context, title, body string) (string, error)

	// CheckApproval reads the current approval signal for the handle.
	CheckApproval(ctx context.Context, issueID string) (Decision, error)

	// AddComment posts an acknowledgment or warning to the handle.
	AddComment(ctx context.Context, issueID, body string) error

	// CloseIssue closes the external thread.
	CloseIssue(ctx context.Context, issueID string) error
}
