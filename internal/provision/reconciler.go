package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mailprov/internal/audit"
	"mailprov/internal/provision/metrics"
	"mailprov/pkg/platform/sentinel"
)

const queryCount = 3

// Directory is the subset of the directory client the reconciler
// consumes: the three candidate queries plus the two write-backs.
type Directory interface {
	MaillessIdentities(ctx context.Context) ([]Identity, error)
	DisabledWithMail(ctx context.Context) ([]Identity, error)
	GroupMembership(ctx context.Context) ([]Identity, error)
	ModifyMail(ctx context.Context, dn, mail string) error
	ReplaceAliases(ctx context.Context, dn string, aliases []string) error
}

// Backend dispatches mailbox lifecycle operations to the mail system.
type Backend interface {
	Create(ctx context.Context, email string, quotaBytes int64) (string, error)
	Archive(ctx context.Context, identityID string) (string, error)
	Delete(ctx context.Context, identityID string) error
}

// Journal is the last-known-stage store. Get returns
// sentinel.ErrNotFound for identities never journaled.
type Journal interface {
	Get(ctx context.Context, identityID string) (*MailboxRecord, error)
	Commit(ctx context.Context, record *MailboxRecord) error
}

// AuditPublisher receives one event per applied transition. Emission is
// fail-open; a failed emit is logged and never blocks the transition.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Reconciler drives the polling loop: query the directory, decide per
// identity, validate against the state machine, dispatch, commit.
type Reconciler struct {
	dir       Directory
	backend   Backend
	journal   Journal
	policy    *Policy
	lifecycle *Lifecycle
	quotas    QuotaTable

	auditor AuditPublisher
	logger  *slog.Logger
	metrics *metrics.Metrics

	interval    time.Duration
	opTimeout   time.Duration
	maxInFlight int
	now         func() time.Time
}

// Option configures the Reconciler.
type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(r *Reconciler) { r.auditor = p }
}

// WithInterval sets the inter-cycle sleep (default 60s).
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.interval = d }
}

// WithOperationTimeout bounds one identity's decision-dispatch-commit
// sequence so a slow directory or backend call cannot stall the cycle
// (default 10s).
func WithOperationTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.opTimeout = d }
}

// WithMaxInFlight bounds concurrent per-identity workers within a cycle
// (default 8).
func WithMaxInFlight(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxInFlight = n
		}
	}
}

// WithClock overrides the time source; tests use it to cross the
// retention boundary.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New validates the collaborators and builds a Reconciler.
func New(dir Directory, backend Backend, jrnl Journal, policy *Policy, quotas QuotaTable, opts ...Option) (*Reconciler, error) {
	if dir == nil {
		return nil, errors.New("directory is required")
	}
	if backend == nil {
		return nil, errors.New("mailbox backend is required")
	}
	if jrnl == nil {
		return nil, errors.New("journal is required")
	}
	if policy == nil {
		return nil, errors.New("policy is required")
	}

	r := &Reconciler{
		dir:         dir,
		backend:     backend,
		journal:     jrnl,
		policy:      policy,
		lifecycle:   &Lifecycle{Retention: policy.Retention},
		quotas:      quotas,
		logger:      slog.Default(),
		interval:    60 * time.Second,
		opTimeout:   10 * time.Second,
		maxInFlight: 8,
		now:         time.Now,
	}
	if r.quotas == nil {
		r.quotas = DefaultQuotas()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes cycles on a fixed interval until ctx is canceled. The
// loop never terminates on a cycle error: sleep-and-retry next cycle is
// the compensating mechanism for transient failures. Cancellation
// aborts the sleep immediately; the in-flight cycle finishes its
// started identities first.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		report := r.RunCycle(ctx)
		r.logReport(report)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle performs one full reconciliation pass and reports outcomes.
// It never returns an error: failures are isolated per query and per
// identity and surface in the report.
func (r *Reconciler) RunCycle(ctx context.Context) *CycleReport {
	start := r.now()
	report := &CycleReport{StartedAt: start}

	candidates := r.gatherCandidates(ctx, report)
	r.metrics.SetCandidates(len(candidates))

	if len(report.FailedQueries) == queryCount {
		// Nothing was observed; end early and let the loop retry.
		report.Duration = r.now().Sub(start)
		r.metrics.ObserveCycle(report.Duration.Seconds())
		r.logger.Error("all directory queries failed, cycle abandoned")
		return report
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.maxInFlight)

	for _, identity := range candidates {
		if ctx.Err() != nil {
			// Shutdown requested: stop picking up new identities. The
			// ones already started run to completion below.
			break
		}
		g.Go(func() error {
			action, err := r.processOne(context.WithoutCancel(ctx), identity)
			mu.Lock()
			defer mu.Unlock()
			r.record(report, identity, action, err)
			return nil
		})
	}
	g.Wait()

	report.Duration = r.now().Sub(start)
	r.metrics.ObserveCycle(report.Duration.Seconds())
	return report
}

// gatherCandidates runs the three directory queries independently. A
// failure in one query must not prevent the others; each failure is
// recorded and the sweep continues. Candidates are deduplicated by
// identity id so no two workers ever process the same identity in one
// cycle.
func (r *Reconciler) gatherCandidates(ctx context.Context, report *CycleReport) []Identity {
	queries := []struct {
		name string
		run  func(context.Context) ([]Identity, error)
	}{
		{"mailless", r.dir.MaillessIdentities},
		{"disabled", r.dir.DisabledWithMail},
		{"membership", r.dir.GroupMembership},
	}

	var candidates []Identity
	seen := make(map[string]struct{})
	for _, q := range queries {
		ids, err := q.run(ctx)
		if err != nil {
			report.FailedQueries = append(report.FailedQueries, q.name)
			r.metrics.IncQueryFailure(q.name)
			r.logger.Warn("directory query failed", "query", q.name, "error", err)
			continue
		}
		for _, identity := range ids {
			if identity.ID == "" {
				continue
			}
			if _, dup := seen[identity.ID]; dup {
				continue
			}
			seen[identity.ID] = struct{}{}
			candidates = append(candidates, identity)
		}
	}
	return candidates
}

// processOne is the atomic unit of work: resolve role, load journal,
// decide, validate, dispatch, commit. Its error never escapes the
// cycle; the caller aggregates it into the report.
func (r *Reconciler) processOne(ctx context.Context, identity Identity) (Action, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	now := r.now()

	if !RoleKnown(identity.OU) {
		// Operator-alertable: silent misclassification is a
		// security-relevant error (directory schema drift).
		r.logger.Warn("unrecognized organizational unit, using student role",
			"identity_id", identity.ID, "ou", identity.OU)
		r.metrics.IncUnknownRole()
	}
	role := ResolveRole(identity.OU)

	record, err := r.journal.Get(ctx, identity.ID)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			return ActionNoOp, fmt.Errorf("load journal: %w", err)
		}
		record = nil
	}
	if record == nil && identity.Mail != "" {
		// Journal loss or bootstrap against a pre-populated directory:
		// the mail attribute says a mailbox exists, so rebuild the record
		// from the observation. The next commit re-journals it.
		record = &MailboxRecord{
			IdentityID:       identity.ID,
			Email:            identity.Mail,
			Stage:            StageActive,
			LastTransitionAt: now,
		}
	}

	decision := r.policy.Decide(identity, record, now)
	if decision.Action == ActionNoOp {
		return ActionNoOp, nil
	}

	next, err := r.lifecycle.Apply(record, decision.Action, now)
	if err != nil {
		return decision.Action, err
	}

	switch decision.Action {
	case ActionProvision:
		return decision.Action, r.provision(ctx, identity, role, decision, next, now)
	case ActionArchive:
		return decision.Action, r.archive(ctx, identity, record, next, now)
	case ActionDelete:
		return decision.Action, r.delete(ctx, identity, record, next, now)
	case ActionUpdateAlias:
		return decision.Action, r.updateAliases(ctx, identity, record, decision)
	}
	return decision.Action, fmt.Errorf("unhandled action %s", decision.Action)
}

func (r *Reconciler) provision(ctx context.Context, identity Identity, role Role, decision Decision, next Stage, now time.Time) error {
	// Secondary guard against journal loss: a mail attribute in the
	// directory means the mailbox already exists, whatever the journal
	// thinks.
	if identity.Mail != "" {
		return fmt.Errorf("%w: provision %s: directory already has mail %s",
			sentinel.ErrInvalidTransition, identity.ID, identity.Mail)
	}

	quota := r.quotas.For(role)
	email, err := r.backend.Create(ctx, decision.TargetEmail, quota)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", sentinel.ErrBackendFailed, decision.TargetEmail, err)
	}
	if err := r.dir.ModifyMail(ctx, identity.DN, email); err != nil {
		return fmt.Errorf("write mail attribute for %s: %w", identity.ID, err)
	}
	// The alias set must reach the directory before it is journaled;
	// otherwise the drift check sees a clean record for aliases that
	// were never applied.
	if len(decision.Aliases) > 0 {
		if err := r.dir.ReplaceAliases(ctx, identity.DN, decision.Aliases); err != nil {
			return fmt.Errorf("replace aliases for %s: %w", identity.ID, err)
		}
	}

	record := &MailboxRecord{
		IdentityID:       identity.ID,
		Email:            email,
		Stage:            next,
		Aliases:          decision.Aliases,
		LastTransitionAt: now,
	}
	if err := r.journal.Commit(ctx, record); err != nil {
		return fmt.Errorf("%w: %v", sentinel.ErrJournalWrite, err)
	}

	r.logger.Info("mailbox provisioned",
		"identity_id", identity.ID, "email", email, "role", role, "quota_bytes", quota)
	r.emitAudit(ctx, identity.ID, email, ActionProvision, next, "")
	return nil
}

func (r *Reconciler) archive(ctx context.Context, identity Identity, record *MailboxRecord, next Stage, now time.Time) error {
	location, err := r.backend.Archive(ctx, identity.ID)
	if err != nil {
		return fmt.Errorf("%w: archive %s: %v", sentinel.ErrBackendFailed, identity.ID, err)
	}

	updated := *record
	updated.Stage = next
	updated.Aliases = nil
	updated.LastTransitionAt = now
	if err := r.journal.Commit(ctx, &updated); err != nil {
		return fmt.Errorf("%w: %v", sentinel.ErrJournalWrite, err)
	}

	r.logger.Info("mailbox archived",
		"identity_id", identity.ID, "email", updated.Email, "location", location)
	r.emitAudit(ctx, identity.ID, updated.Email, ActionArchive, next, location)
	return nil
}

// delete is two-phase: the intent is journaled as PendingDeletion
// before the backend call, so a crash mid-delete resumes next cycle
// instead of re-running the retention check from Archived.
func (r *Reconciler) delete(ctx context.Context, identity Identity, record *MailboxRecord, next Stage, now time.Time) error {
	current := *record
	if next == StagePendingDeletion {
		current.Stage = StagePendingDeletion
		current.LastTransitionAt = now
		if err := r.journal.Commit(ctx, &current); err != nil {
			return fmt.Errorf("%w: %v", sentinel.ErrJournalWrite, err)
		}
	}

	if err := r.backend.Delete(ctx, identity.ID); err != nil {
		return fmt.Errorf("%w: delete %s: %v", sentinel.ErrBackendFailed, identity.ID, err)
	}

	current.Stage = StageDeleted
	current.LastTransitionAt = now
	if err := r.journal.Commit(ctx, &current); err != nil {
		return fmt.Errorf("%w: %v", sentinel.ErrJournalWrite, err)
	}

	r.logger.Warn("mailbox permanently deleted",
		"identity_id", identity.ID, "email", current.Email)
	r.emitAudit(ctx, identity.ID, current.Email, ActionDelete, StageDeleted, "")
	return nil
}

func (r *Reconciler) updateAliases(ctx context.Context, identity Identity, record *MailboxRecord, decision Decision) error {
	if err := r.dir.ReplaceAliases(ctx, identity.DN, decision.Aliases); err != nil {
		return fmt.Errorf("replace aliases for %s: %w", identity.ID, err)
	}

	// Alias drift is not a stage transition; LastTransitionAt stays.
	updated := *record
	updated.Aliases = decision.Aliases
	if err := r.journal.Commit(ctx, &updated); err != nil {
		return fmt.Errorf("%w: %v", sentinel.ErrJournalWrite, err)
	}

	r.logger.Info("aliases updated",
		"identity_id", identity.ID, "aliases", decision.Aliases)
	r.emitAudit(ctx, identity.ID, updated.Email, ActionUpdateAlias, updated.Stage, "")
	return nil
}

func (r *Reconciler) record(report *CycleReport, identity Identity, action Action, err error) {
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidTransition) {
			// Logic error or race: skip with a warning, never fatal and
			// never silently ignored.
			report.Skipped++
			r.metrics.IncInvalidTransition()
			r.logger.Warn("decision rejected by state machine",
				"identity_id", identity.ID, "action", action, "error", err)
			return
		}
		report.Failed++
		r.metrics.IncFailure()
		r.logger.Error("identity processing failed",
			"identity_id", identity.ID, "action", action, "error", err)
		return
	}

	r.metrics.IncAction(string(action))
	switch action {
	case ActionProvision:
		report.Provisioned++
	case ActionArchive:
		report.Archived++
	case ActionDelete:
		report.Deleted++
	case ActionUpdateAlias:
		report.AliasUpdated++
	default:
		report.NoOps++
	}
}

func (r *Reconciler) emitAudit(ctx context.Context, identityID, email string, action Action, stage Stage, detail string) {
	if r.auditor == nil {
		return
	}
	event := audit.Event{
		Timestamp:  r.now(),
		IdentityID: identityID,
		Email:      email,
		Action:     string(action),
		Stage:      stage.String(),
		Detail:     detail,
	}
	if err := r.auditor.Emit(ctx, event); err != nil {
		r.logger.Warn("audit emit failed", "identity_id", identityID, "error", err)
	}
}

func (r *Reconciler) logReport(report *CycleReport) {
	level := slog.LevelInfo
	if report.TotalFailure() {
		level = slog.LevelError
	}
	r.logger.Log(context.Background(), level, "reconciliation cycle finished",
		"duration", report.Duration,
		"provisioned", report.Provisioned,
		"archived", report.Archived,
		"deleted", report.Deleted,
		"alias_updated", report.AliasUpdated,
		"noops", report.NoOps,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"failed_queries", report.FailedQueries,
	)
}
