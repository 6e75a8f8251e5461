package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"mailprov/internal/audit"
	"mailprov/pkg/platform/sentinel"
)

var cycleNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	mu sync.Mutex

	mailless    []Identity
	maillessErr error
	disabled    []Identity
	disabledErr error
	members     []Identity
	membersErr  error

	mailWrites  map[string]string
	aliasWrites map[string][]string
	modifyErr   error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		mailWrites:  make(map[string]string),
		aliasWrites: make(map[string][]string),
	}
}

func (d *fakeDirectory) MaillessIdentities(ctx context.Context) ([]Identity, error) {
	return d.mailless, d.maillessErr
}

func (d *fakeDirectory) DisabledWithMail(ctx context.Context) ([]Identity, error) {
	return d.disabled, d.disabledErr
}

func (d *fakeDirectory) GroupMembership(ctx context.Context) ([]Identity, error) {
	return d.members, d.membersErr
}

func (d *fakeDirectory) ModifyMail(ctx context.Context, dn, mail string) error {
	if d.modifyErr != nil {
		return d.modifyErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mailWrites[dn] = mail
	return nil
}

func (d *fakeDirectory) ReplaceAliases(ctx context.Context, dn string, aliases []string) error {
	if d.modifyErr != nil {
		return d.modifyErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aliasWrites[dn] = aliases
	return nil
}

type backendCall struct {
	op    string
	email string
	quota int64
	id    string
}

type fakeBackend struct {
	mu         sync.Mutex
	calls      []backendCall
	createErr  error
	archiveErr error
	deleteErr  error
}

func (b *fakeBackend) Create(ctx context.Context, email string, quotaBytes int64) (string, error) {
	if b.createErr != nil {
		return "", b.createErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, backendCall{op: "create", email: email, quota: quotaBytes})
	return email, nil
}

func (b *fakeBackend) Archive(ctx context.Context, identityID string) (string, error) {
	if b.archiveErr != nil {
		return "", b.archiveErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, backendCall{op: "archive", id: identityID})
	return "/archive/mail/" + identityID, nil
}

func (b *fakeBackend) Delete(ctx context.Context, identityID string) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, backendCall{op: "delete", id: identityID})
	return nil
}

func (b *fakeBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

type fakeJournal struct {
	mu        sync.Mutex
	records   map[string]MailboxRecord
	getErr    error
	commitErr error
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{records: make(map[string]MailboxRecord)}
}

func (j *fakeJournal) Get(ctx context.Context, identityID string) (*MailboxRecord, error) {
	if j.getErr != nil {
		return nil, j.getErr
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[identityID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := rec
	return &out, nil
}

func (j *fakeJournal) Commit(ctx context.Context, record *MailboxRecord) error {
	if j.commitErr != nil {
		return j.commitErr
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[record.IdentityID] = *record
	return nil
}

func (j *fakeJournal) seed(rec MailboxRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[rec.IdentityID] = rec
}

func (j *fakeJournal) stage(identityID string) Stage {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.records[identityID].Stage
}

type ReconcilerSuite struct {
	suite.Suite
	dir     *fakeDirectory
	backend *fakeBackend
	journal *fakeJournal
	events  *audit.MemoryStore
	ctx     context.Context
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

func (s *ReconcilerSuite) SetupTest() {
	s.dir = newFakeDirectory()
	s.backend = &fakeBackend{}
	s.journal = newFakeJournal()
	s.events = audit.NewMemoryStore()
	s.ctx = context.Background()
}

func (s *ReconcilerSuite) newReconciler(opts ...Option) *Reconciler {
	policy := &Policy{Domain: "zsel.opole.pl", Retention: 180 * 24 * time.Hour}
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(audit.NewStorePublisher(s.events)),
		WithClock(func() time.Time { return cycleNow }),
	}
	r, err := New(s.dir, s.backend, s.journal, policy, DefaultQuotas(), append(base, opts...)...)
	s.Require().NoError(err)
	return r
}

func student(id string) Identity {
	return Identity{
		ID: id,
		DN: "uid=" + id + ",ou=uczniowie,dc=zsel,dc=opole,dc=pl",
		OU: "ou=uczniowie",
	}
}

func teacher(id string, disabled bool) Identity {
	return Identity{
		ID:       id,
		DN:       "uid=" + id + ",ou=nauczyciele,dc=zsel,dc=opole,dc=pl",
		OU:       "ou=nauczyciele",
		Mail:     id + "@zsel.opole.pl",
		Disabled: disabled,
	}
}

func (s *ReconcilerSuite) TestProvisionNewIdentity() {
	s.dir.mailless = []Identity{student("jkowalski")}
	r := s.newReconciler()

	report := r.RunCycle(s.ctx)

	s.Equal(1, report.Provisioned)
	s.Zero(report.Failed)

	s.Equal("jkowalski@zsel.opole.pl", s.dir.mailWrites["uid=jkowalski,ou=uczniowie,dc=zsel,dc=opole,dc=pl"])

	s.Require().Len(s.backend.calls, 1)
	s.Equal("create", s.backend.calls[0].op)
	s.Equal("jkowalski@zsel.opole.pl", s.backend.calls[0].email)
	s.EqualValues(1<<30, s.backend.calls[0].quota)

	// The alias set reaches the directory, not just the journal.
	s.Equal([]string{"uczniowie@zsel.opole.pl"}, s.dir.aliasWrites["uid=jkowalski,ou=uczniowie,dc=zsel,dc=opole,dc=pl"])

	rec, err := s.journal.Get(s.ctx, "jkowalski")
	s.Require().NoError(err)
	s.Equal(StageActive, rec.Stage)
	s.Equal("jkowalski@zsel.opole.pl", rec.Email)
	s.Equal([]string{"uczniowie@zsel.opole.pl"}, rec.Aliases)

	events := s.events.Events()
	s.Require().Len(events, 1)
	s.Equal("provision", events[0].Action)
	s.Equal("active", events[0].Stage)
}

func (s *ReconcilerSuite) TestProvisionIsIdempotentAcrossCycles() {
	s.dir.mailless = []Identity{student("jkowalski")}
	r := s.newReconciler()
	r.RunCycle(s.ctx)

	// Directory state after the first cycle: mail attribute written,
	// identity now only shows up in the membership sweep.
	s.dir.mailless = nil
	provisioned := student("jkowalski")
	provisioned.Mail = "jkowalski@zsel.opole.pl"
	s.dir.members = []Identity{provisioned}

	report := r.RunCycle(s.ctx)

	s.Zero(report.Provisioned)
	s.Zero(report.Failed)
	s.Equal(1, report.NoOps)
	s.Equal(1, s.backend.count("create"))
}

func (s *ReconcilerSuite) TestProvisionAliasReachesDirectoryExactlyOnce() {
	s.dir.mailless = []Identity{student("jkowalski")}
	r := s.newReconciler()
	r.RunCycle(s.ctx)

	dn := "uid=jkowalski,ou=uczniowie,dc=zsel,dc=opole,dc=pl"
	s.Equal([]string{"uczniowie@zsel.opole.pl"}, s.dir.aliasWrites[dn])

	// Subsequent membership sweeps see a clean record and never rewrite.
	s.dir.mailless = nil
	provisioned := student("jkowalski")
	provisioned.Mail = "jkowalski@zsel.opole.pl"
	s.dir.members = []Identity{provisioned}
	delete(s.dir.aliasWrites, dn)

	for range 5 {
		report := r.RunCycle(s.ctx)
		s.Zero(report.AliasUpdated)
	}
	s.Empty(s.dir.aliasWrites)
}

func (s *ReconcilerSuite) TestArchiveDisabledIdentity() {
	s.journal.seed(MailboxRecord{
		IdentityID:       "anowak",
		Email:            "anowak@zsel.opole.pl",
		Stage:            StageActive,
		Aliases:          []string{"nauczyciele@zsel.opole.pl"},
		LastTransitionAt: cycleNow.Add(-time.Hour),
	})
	s.dir.disabled = []Identity{teacher("anowak", true)}
	r := s.newReconciler()

	report := r.RunCycle(s.ctx)
	s.Equal(1, report.Archived)
	s.Equal(StageArchived, s.journal.stage("anowak"))

	rec, err := s.journal.Get(s.ctx, "anowak")
	s.Require().NoError(err)
	s.Empty(rec.Aliases)

	// Same directory state next cycle: idempotent, exactly one archive.
	report = r.RunCycle(s.ctx)
	s.Zero(report.Archived)
	s.Equal(1, report.NoOps)
	s.Equal(1, s.backend.count("archive"))
}

func (s *ReconcilerSuite) TestDisabledIdentityWithoutRecordIsArchived() {
	// Bootstrap against a pre-populated directory, or journal loss: the
	// mail attribute proves a mailbox exists, so the lock observation
	// must still lead to an archive.
	s.dir.disabled = []Identity{teacher("anowak", true)}
	r := s.newReconciler()

	report := r.RunCycle(s.ctx)
	s.Equal(1, report.Archived)
	s.Equal(1, s.backend.count("archive"))
	s.Equal(StageArchived, s.journal.stage("anowak"))

	rec, err := s.journal.Get(s.ctx, "anowak")
	s.Require().NoError(err)
	s.Equal("anowak@zsel.opole.pl", rec.Email)

	// Next cycle with the same observation is a no-op.
	report = r.RunCycle(s.ctx)
	s.Zero(report.Archived)
	s.Equal(1, s.backend.count("archive"))
}

func (s *ReconcilerSuite) TestActiveIdentityWithoutRecordIsRejournaled() {
	active := student("jkowalski")
	active.Mail = "jkowalski@zsel.opole.pl"
	s.dir.members = []Identity{active}
	r := s.newReconciler()

	// The rebuilt record carries no aliases, so the drift repair both
	// fixes the directory and repopulates the journal.
	report := r.RunCycle(s.ctx)
	s.Equal(1, report.AliasUpdated)
	s.Equal([]string{"uczniowie@zsel.opole.pl"}, s.dir.aliasWrites[active.DN])

	rec, err := s.journal.Get(s.ctx, "jkowalski")
	s.Require().NoError(err)
	s.Equal(StageActive, rec.Stage)
	s.Equal("jkowalski@zsel.opole.pl", rec.Email)
	s.Equal([]string{"uczniowie@zsel.opole.pl"}, rec.Aliases)

	report = r.RunCycle(s.ctx)
	s.Zero(report.AliasUpdated)
	s.Equal(1, report.NoOps)
}

func (s *ReconcilerSuite) TestDeleteAfterRetention() {
	s.journal.seed(MailboxRecord{
		IdentityID:       "anowak",
		Email:            "anowak@zsel.opole.pl",
		Stage:            StageArchived,
		LastTransitionAt: cycleNow.Add(-181 * 24 * time.Hour),
	})
	s.dir.disabled = []Identity{teacher("anowak", true)}
	r := s.newReconciler()

	report := r.RunCycle(s.ctx)
	s.Equal(1, report.Deleted)
	s.Equal(StageDeleted, s.journal.stage("anowak"))
	s.Equal(1, s.backend.count("delete"))
}

func (s *ReconcilerSuite) TestDeleteWithinRetentionIsNoOp() {
	s.journal.seed(MailboxRecord{
		IdentityID:       "anowak",
		Email:            "anowak@zsel.opole.pl",
		Stage:            StageArchived,
		LastTransitionAt: cycleNow.Add(-time.Hour),
	})
	s.dir.disabled = []Identity{teacher("anowak", true)}
	r := s.newReconciler()

	report := r.RunCycle(s.ctx)
	s.Zero(report.Deleted)
	s.Equal(1, report.NoOps)
	s.Equal(StageArchived, s.journal.stage("anowak"))
}

func (s *ReconcilerSuite) TestInterruptedDeleteResumes() {
	s.journal.seed(MailboxRecord{
		IdentityID:       "anowak",
		Email:            "anowak@zsel.opole.pl",
		Stage:            StageArchived,
		LastTransitionAt: cycleNow.Add(-181 * 24 * time.Hour),
	})
	s.dir.disabled = []Identity{teacher("anowak", true)}
	s.backend.deleteErr = errors.New("doveadm timeout")
	r := s.newReconciler()

	report := r.RunCycle(s.ctx)
	s.Equal(1, report.Failed)
	// The intent was journaled before the backend call failed.
	s.Equal(StagePendingDeletion, s.journal.stage("anowak"))

	s.backend.deleteErr = nil
	report = r.RunCycle(s.ctx)
	s.Equal(1, report.Deleted)
	s.Equal(StageDeleted, s.journal.stage("anowak"))
}

func (s *ReconcilerSuite) TestAliasDriftUpdatesDirectory() {
	active := student("jkowalski")
	active.Mail = "jkowalski@zsel.opole.pl"
	s.journal.seed(MailboxRecord{
		IdentityID:       "jkowalski",
		Email:            "jkowalski@zsel.opole.pl",
		Stage:            StageActive,
		Aliases:          []string{"stale@zsel.opole.pl"},
		LastTransitionAt: cycleNow.Add(-time.Hour),
	})
	s.dir.members = []Identity{active}
	r := s.newReconciler()

	report := r.RunCycle(s.ctx)
	s.Equal(1, report.AliasUpdated)
	s.Equal([]string{"uczniowie@zsel.opole.pl"}, s.dir.aliasWrites[active.DN])

	rec, err := s.journal.Get(s.ctx, "jkowalski")
	s.Require().NoError(err)
	s.Equal([]string{"uczniowie@zsel.opole.pl"}, rec.Aliases)
	s.Equal(StageActive, rec.Stage)
}

func (s *ReconcilerSuite) TestPartialQueryFailureIsIsolated() {
	s.journal.seed(MailboxRecord{
		IdentityID:       "anowak",
		Email:            "anowak@zsel.opole.pl",
		Stage:            StageActive,
		LastTransitionAt: cycleNow.Add(-time.Hour),
	})
	s.dir.maillessErr = sentinel.ErrDirectoryUnavailable
	s.dir.disabled = []Identity{teacher("anowak", true)}
	r := s.newReconciler()

	report := r.RunCycle(s.ctx)

	s.Equal([]string{"mailless"}, report.FailedQueries)
	s.Equal(1, report.Archived)
	s.Zero(report.Failed)
	s.False(report.TotalFailure())
}

func (s *ReconcilerSuite) TestAllQueriesFailingAbandonsCycle() {
	s.dir.maillessErr = sentinel.ErrDirectoryUnavailable
	s.dir.disabledErr = sentinel.ErrDirectoryUnavailable
	s.dir.membersErr = sentinel.ErrDirectoryUnavailable
	r := s.newReconciler()

	report := r.RunCycle(s.ctx)
	s.True(report.TotalFailure())
	s.Len(report.FailedQueries, 3)
	s.Empty(s.backend.calls)
}

func (s *ReconcilerSuite) TestJournalWriteFailureCountsAsFailure() {
	s.journal.seed(MailboxRecord{
		IdentityID:       "anowak",
		Email:            "anowak@zsel.opole.pl",
		Stage:            StageActive,
		LastTransitionAt: cycleNow.Add(-time.Hour),
	})
	s.dir.disabled = []Identity{teacher("anowak", true)}
	s.journal.commitErr = errors.New("disk full")
	r := s.newReconciler()

	// The backend archived, but the result could not be recorded: the
	// action must be reported failed so the next cycle retries.
	report := r.RunCycle(s.ctx)
	s.Equal(1, report.Failed)
	s.Zero(report.Archived)
	s.Equal(StageActive, s.journal.stage("anowak"))

	s.journal.commitErr = nil
	report = r.RunCycle(s.ctx)
	s.Equal(1, report.Archived)
	s.Equal(2, s.backend.count("archive"))
}

func (s *ReconcilerSuite) TestBackendFailureLeavesStageUnchanged() {
	s.dir.mailless = []Identity{student("jkowalski")}
	s.backend.createErr = errors.New("dovecot unreachable")
	r := s.newReconciler()

	report := r.RunCycle(s.ctx)
	s.Equal(1, report.Failed)
	_, err := s.journal.Get(s.ctx, "jkowalski")
	s.ErrorIs(err, sentinel.ErrNotFound)
	s.Empty(s.dir.mailWrites)
}

func (s *ReconcilerSuite) TestRejectedDecisionIsSkippedNotFailed() {
	s.journal.seed(MailboxRecord{
		IdentityID:       "anowak",
		Email:            "anowak@zsel.opole.pl",
		Stage:            StageArchived,
		LastTransitionAt: cycleNow.Add(-181 * 24 * time.Hour),
	})
	s.dir.disabled = []Identity{teacher("anowak", true)}
	r := s.newReconciler()
	// Force a policy/state-machine disagreement, the shape a racing
	// writer would produce.
	r.lifecycle.Retention = 365 * 24 * time.Hour

	report := r.RunCycle(s.ctx)
	s.Equal(1, report.Skipped)
	s.Zero(report.Failed)
	s.Zero(report.Deleted)
	s.Empty(s.backend.calls)
	s.Equal(StageArchived, s.journal.stage("anowak"))
}

func (s *ReconcilerSuite) TestSameIdentityAcrossQueriesProcessedOnce() {
	s.journal.seed(MailboxRecord{
		IdentityID:       "anowak",
		Email:            "anowak@zsel.opole.pl",
		Stage:            StageActive,
		LastTransitionAt: cycleNow.Add(-time.Hour),
	})
	locked := teacher("anowak", true)
	s.dir.disabled = []Identity{locked}
	s.dir.members = []Identity{locked}
	r := s.newReconciler()

	report := r.RunCycle(s.ctx)
	s.Equal(1, report.Archived)
	s.Equal(1, s.backend.count("archive"))
}

func (s *ReconcilerSuite) TestUnknownUnitProvisionsWithStudentQuota() {
	guest := Identity{ID: "gkowal", DN: "uid=gkowal,ou=goscie,dc=zsel,dc=opole,dc=pl", OU: "ou=goscie"}
	s.dir.mailless = []Identity{guest}
	r := s.newReconciler()

	report := r.RunCycle(s.ctx)
	s.Equal(1, report.Provisioned)
	s.Require().Len(s.backend.calls, 1)
	s.EqualValues(1<<30, s.backend.calls[0].quota)
}

func (s *ReconcilerSuite) TestManyIdentitiesWithBoundedWorkers() {
	for _, id := range []string{"a01", "a02", "a03", "a04", "a05", "a06", "a07", "a08", "a09", "a10"} {
		s.dir.mailless = append(s.dir.mailless, student(id))
	}
	r := s.newReconciler(WithMaxInFlight(3))

	report := r.RunCycle(s.ctx)
	s.Equal(10, report.Provisioned)
	s.Zero(report.Failed)
	s.Equal(10, s.backend.count("create"))
}
