package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"path"
)

// Dovecot is the adapter for a Dovecot-backed mail store. The actual
// doveadm integration is not implemented; the adapter records the
// intent so the surrounding lifecycle can be exercised end to end.
//
// TODO: shell out to doveadm (mailbox create, quota set, backup) once
// the mail host exposes it to this service account.
type Dovecot struct {
	logger      *slog.Logger
	archiveBase string
}

// NewDovecot builds the adapter. archiveBase is where frozen maildirs
// land, e.g. /archive/mail.
func NewDovecot(logger *slog.Logger, archiveBase string) *Dovecot {
	if archiveBase == "" {
		archiveBase = "/archive/mail"
	}
	return &Dovecot{logger: logger, archiveBase: archiveBase}
}

func (d *Dovecot) Create(ctx context.Context, email string, quotaBytes int64) (string, error) {
	d.logger.InfoContext(ctx, "creating mailbox", "email", email, "quota_bytes", quotaBytes)
	return email, nil
}

func (d *Dovecot) Archive(ctx context.Context, identityID string) (string, error) {
	location := path.Join(d.archiveBase, identityID)
	d.logger.InfoContext(ctx, "archiving mailbox", "identity_id", identityID, "location", location)
	return location, nil
}

func (d *Dovecot) Delete(ctx context.Context, identityID string) error {
	d.logger.WarnContext(ctx, "permanently deleting mailbox", "identity_id", identityID)
	return nil
}

var _ Backend = (*Dovecot)(nil)

// String identifies the adapter in logs.
func (d *Dovecot) String() string {
	return fmt.Sprintf("dovecot(archive=%s)", d.archiveBase)
}
