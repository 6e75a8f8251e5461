// Package journal persists the last-applied lifecycle stage per
// identity. The journal is what makes polling idempotent: the
// reconciler loads the record before deciding and commits it after a
// successful dispatch, so a repeated observation next cycle resolves to
// a no-op instead of duplicate work.
//
// Any real deployment must use the PostgreSQL store; losing the journal
// would cause duplicate provisioning attempts. The in-memory store
// exists for tests and local development. The state machine's
// transition validation plus the directory's mail attribute act as a
// secondary guard against double-provisioning even on journal loss.
package journal

import (
	"context"

	"mailprov/internal/provision"
)

// Journal is the store contract. Get returns sentinel.ErrNotFound when
// no record exists. Commit upserts; a commit for a given identity is
// linearized relative to other commits for the same identity, while
// commits for different identities may proceed concurrently.
type Journal interface {
	Get(ctx context.Context, identityID string) (*provision.MailboxRecord, error)
	Commit(ctx context.Context, record *provision.MailboxRecord) error
}
