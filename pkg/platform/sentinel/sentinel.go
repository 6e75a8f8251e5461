package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and collaborator
// adapters return these (optionally wrapped) so the reconciler can
// classify outcomes without inspecting implementation details.
//
// These represent factual states about resources, not validation
// failures:
// - ErrNotFound: record does not exist in the journal
// - ErrInvalidTransition: requested lifecycle action is illegal for the record's stage
// - ErrDirectoryUnavailable: directory cannot be reached; retried next cycle, no state mutation
// - ErrBackendFailed: mailbox backend operation failed; record stage unchanged so the next cycle retries
// - ErrJournalWrite: journal commit failed; the action is reported as failed even if the backend call succeeded
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrDirectoryUnavailable = errors.New("directory unavailable")
	ErrBackendFailed        = errors.New("backend operation failed")
	ErrJournalWrite         = errors.New("journal write failed")
)
