package provision

import "time"

// Role classifies an identity by its organizational unit. Roles are
// derived, never stored; the directory's OU placement is the source of
// truth and the mapping is recomputed on every observation.
type Role string

const (
	RoleStudent    Role = "student"
	RoleTeacher    Role = "teacher"
	RoleStaff      Role = "staff"
	RoleLeadership Role = "leadership"
)

// Identity is a read-only snapshot of a directory entry, taken once per
// poll cycle. The directory owns the data; the reconciler never mutates
// an Identity, it only writes back the mail attribute after a
// successful provision.
type Identity struct {
	ID       string // stable login (uid)
	DN       string
	OU       string
	Mail     string
	Disabled bool
}

// Stage is a mailbox's position in its lifecycle. Ordinals only ever
// increase; there is no path back from Archived to Active.
type Stage int

const (
	StageUnprovisioned Stage = iota
	StageActive
	// StageDisabled is transient: the policy collapses a disable
	// observation straight into an Archive decision, so records only
	// hold this stage if a legacy journal wrote it.
	StageDisabled
	StageArchived
	StagePendingDeletion
	StageDeleted
)

func (s Stage) String() string {
	switch s {
	case StageUnprovisioned:
		return "unprovisioned"
	case StageActive:
		return "active"
	case StageDisabled:
		return "disabled"
	case StageArchived:
		return "archived"
	case StagePendingDeletion:
		return "pending_deletion"
	case StageDeleted:
		return "deleted"
	}
	return "unknown"
}

// ParseStage maps the journal's stored representation back to a Stage.
func ParseStage(s string) (Stage, bool) {
	switch s {
	case "unprovisioned":
		return StageUnprovisioned, true
	case "active":
		return StageActive, true
	case "disabled":
		return StageDisabled, true
	case "archived":
		return StageArchived, true
	case "pending_deletion":
		return StagePendingDeletion, true
	case "deleted":
		return StageDeleted, true
	}
	return StageUnprovisioned, false
}

// MailboxRecord is the journal's last-known lifecycle state for one
// identity. It is mutated exclusively by the reconciler through
// validated state machine transitions.
type MailboxRecord struct {
	IdentityID       string
	Email            string
	Stage            Stage
	Aliases          []string
	LastTransitionAt time.Time
}

// Action is a lifecycle operation the reconciler can dispatch.
type Action string

const (
	ActionProvision   Action = "provision"
	ActionArchive     Action = "archive"
	ActionDelete      Action = "delete"
	ActionUpdateAlias Action = "update_alias"
	ActionNoOp        Action = "noop"
)

// Decision is the policy's verdict for one identity in one cycle. It is
// ephemeral: nothing outlives the journal commit it causes.
type Decision struct {
	IdentityID  string
	Action      Action
	TargetEmail string
	Aliases     []string
}

// QuotaPolicy pairs a role with its mailbox quota.
type QuotaPolicy struct {
	Role       Role
	QuotaBytes int64
}

// CycleReport aggregates per-identity outcomes of one reconciliation
// cycle for logging and metrics.
type CycleReport struct {
	StartedAt     time.Time
	Duration      time.Duration
	Provisioned   int
	Archived      int
	Deleted       int
	AliasUpdated  int
	NoOps         int
	Skipped       int
	Failed        int
	FailedQueries []string
}

// TotalFailure reports whether no directory query succeeded, i.e. the
// cycle produced no candidates at all and ended early.
func (r *CycleReport) TotalFailure() bool {
	return len(r.FailedQueries) == queryCount &&
		r.Provisioned+r.Archived+r.Deleted+r.AliasUpdated+r.NoOps+r.Skipped+r.Failed == 0
}
