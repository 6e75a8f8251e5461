package provision

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Policy decides what lifecycle action an identity needs, given its
// observed directory state and the journal's last-known record. Pure:
// no I/O, no side effects; the reconciler owns dispatch and commits.
type Policy struct {
	Domain    string
	Retention time.Duration
}

// Decide evaluates the rules in priority order; the first match wins.
// The ordering prevents conflicting actions within one cycle and keeps
// stage progression monotonic: a disabled-then-reenabled identity does
// not auto-reactivate an archived mailbox. Reactivation is an explicit
// out-of-band operation, never inferred from directory state.
func (p *Policy) Decide(identity Identity, record *MailboxRecord, now time.Time) Decision {
	decision := Decision{IdentityID: identity.ID, Action: ActionNoOp}

	// Rule 1: never seen before and no mail attribute yet.
	if identity.Mail == "" && (record == nil || record.Stage == StageUnprovisioned) {
		decision.Action = ActionProvision
		decision.TargetEmail = fmt.Sprintf("%s@%s", identity.ID, p.Domain)
		decision.Aliases = p.AliasesFor(identity)
		return decision
	}

	// Rule 2: directory disabled an active mailbox. Disabling is
	// instantaneous from our perspective; it collapses into archive.
	if identity.Disabled && record != nil &&
		(record.Stage == StageActive || record.Stage == StageDisabled) {
		decision.Action = ActionArchive
		return decision
	}

	// Rule 3: archived past retention, or a delete interrupted mid-way.
	if record != nil {
		if record.Stage == StagePendingDeletion {
			decision.Action = ActionDelete
			return decision
		}
		if record.Stage == StageArchived && now.Sub(record.LastTransitionAt) >= p.Retention {
			decision.Action = ActionDelete
			return decision
		}
	}

	// Rule 4: group alias drift on an active mailbox.
	if record != nil && record.Stage == StageActive {
		want := p.AliasesFor(identity)
		if !equalAliasSets(want, record.Aliases) {
			decision.Action = ActionUpdateAlias
			decision.Aliases = want
			return decision
		}
	}

	return decision
}

// AliasesFor computes the group alias addresses implied by the
// identity's organizational unit, e.g. ou=uczniowie yields
// uczniowie@<domain>. A disabled identity has no aliases: archived
// mailboxes drop out of group delivery.
func (p *Policy) AliasesFor(identity Identity) []string {
	if identity.Disabled {
		return nil
	}
	unit := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(identity.OU), "ou="))
	if unit == "" {
		return nil
	}
	return []string{fmt.Sprintf("%s@%s", unit, p.Domain)}
}

func equalAliasSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}
