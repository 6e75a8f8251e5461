package provision

import (
	"fmt"
	"time"

	"mailprov/pkg/platform/sentinel"
)

// Lifecycle validates mailbox stage transitions. Every decision passes
// through Apply before dispatch; this is what makes repeated polling
// safe. A decision that would repeat already-applied work is rejected
// here instead of reaching the backend twice.
//
// Legal transitions are forward-only:
//
//	Unprovisioned --provision--> Active
//	Active        --archive----> Archived   (disabling is instantaneous; no separate stage)
//	Disabled      --archive----> Archived   (legacy journal records only)
//	Archived      --delete-----> PendingDeletion  (retention elapsed)
//	PendingDeletion --delete---> Deleted    (resume after crash mid-delete)
//	Active        --update_alias--> Active
type Lifecycle struct {
	// Retention is how long an archived mailbox is kept before a
	// delete becomes legal.
	Retention time.Duration
}

// Apply returns the stage the record moves to when action is applied,
// or ErrInvalidTransition. now is needed only for the retention gate on
// delete. Apply never mutates the record.
func (l *Lifecycle) Apply(record *MailboxRecord, action Action, now time.Time) (Stage, error) {
	stage := StageUnprovisioned
	if record != nil {
		stage = record.Stage
	}

	switch action {
	case ActionNoOp:
		return stage, nil

	case ActionProvision:
		if stage != StageUnprovisioned {
			return stage, l.reject(stage, action, "mailbox already provisioned")
		}
		return StageActive, nil

	case ActionArchive:
		if stage != StageActive && stage != StageDisabled {
			return stage, l.reject(stage, action, "only an active mailbox can be archived")
		}
		return StageArchived, nil

	case ActionDelete:
		switch stage {
		case StagePendingDeletion:
			return StageDeleted, nil
		case StageArchived:
			if record == nil || now.Sub(record.LastTransitionAt) < l.Retention {
				return stage, l.reject(stage, action, "retention period has not elapsed")
			}
			return StagePendingDeletion, nil
		default:
			return stage, l.reject(stage, action, "only an archived mailbox can be deleted")
		}

	case ActionUpdateAlias:
		if stage != StageActive {
			return stage, l.reject(stage, action, "aliases only change on an active mailbox")
		}
		return StageActive, nil
	}

	return stage, l.reject(stage, action, "unknown action")
}

func (l *Lifecycle) reject(stage Stage, action Action, reason string) error {
	return fmt.Errorf("%w: %s in stage %s: %s", sentinel.ErrInvalidTransition, action, stage, reason)
}
