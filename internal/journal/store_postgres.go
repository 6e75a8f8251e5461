package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"mailprov/internal/provision"
	"mailprov/pkg/platform/sentinel"
)

// PostgresStore persists mailbox records in PostgreSQL. This store is
// pure I/O; stage validation and retention rules belong to the
// reconciler and its state machine. The upsert's row lock gives the
// per-identity commit linearization the journal contract requires.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens a pgx-backed connection, runs the embedded
// migrations, and returns the store.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}
	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing handle without running migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	goose.SetBaseFS(Migrations)
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("journal migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Get(ctx context.Context, identityID string) (*provision.MailboxRecord, error) {
	query := `
		SELECT identity_id, email, stage, aliases, last_transition_at
		FROM mailbox_records
		WHERE identity_id = $1
	`
	var (
		record  provision.MailboxRecord
		stage   string
		aliases sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, identityID).Scan(
		&record.IdentityID, &record.Email, &stage, &aliases, &record.LastTransitionAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get mailbox record: %w", err)
	}
	parsed, ok := provision.ParseStage(stage)
	if !ok {
		return nil, fmt.Errorf("get mailbox record: unknown stage %q for %s", stage, identityID)
	}
	record.Stage = parsed
	record.Aliases = splitAliases(aliases.String)
	return &record, nil
}

func (s *PostgresStore) Commit(ctx context.Context, record *provision.MailboxRecord) error {
	if record == nil || record.IdentityID == "" {
		return fmt.Errorf("%w: record with identity id is required", sentinel.ErrJournalWrite)
	}
	query := `
		INSERT INTO mailbox_records (identity_id, email, stage, aliases, last_transition_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (identity_id) DO UPDATE SET
			email = EXCLUDED.email,
			stage = EXCLUDED.stage,
			aliases = EXCLUDED.aliases,
			last_transition_at = EXCLUDED.last_transition_at,
			updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query,
		record.IdentityID,
		record.Email,
		record.Stage.String(),
		strings.Join(record.Aliases, ","),
		record.LastTransitionAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: commit %s: %v", sentinel.ErrJournalWrite, record.IdentityID, err)
	}
	return nil
}

// PurgeDeleted removes records that reached the Deleted stage before
// the cutoff. Housekeeping; the cutoff is the caller's business rule.
func (s *PostgresStore) PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM mailbox_records WHERE stage = 'deleted' AND last_transition_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge deleted records: %w", err)
	}
	return result.RowsAffected()
}

func splitAliases(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
