// Package mailbox is the stub boundary to the mail system. The
// reconciler only needs three operation shapes; the actual maildir
// layout, quota enforcement, and delivery are the mail server's
// concern. Operations are treated as idempotent-on-retry: the journal's
// last committed stage is the dedupe guard, so a retried call for
// already-applied work never reaches this boundary.
package mailbox

import "context"

// Backend is the mailbox lifecycle contract the reconciler dispatches
// against.
type Backend interface {
	// Create provisions a mailbox and returns the email address it
	// serves.
	Create(ctx context.Context, email string, quotaBytes int64) (string, error)
	// Archive freezes the identity's mailbox read-only and returns the
	// archive location.
	Archive(ctx context.Context, identityID string) (string, error)
	// Delete permanently removes the archived mailbox.
	Delete(ctx context.Context, identityID string) error
}
