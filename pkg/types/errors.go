package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components. Callers match with errors.Is;
// the structured types below carry details and match with errors.As.
var (
	// ErrLeaseLost means another writer took the lease. Fatal for the
	// current writer; the holder's shutdown signal fires alongside it.
	ErrLeaseLost = errors.New("lease lost")

	// ErrReadOnly means the backend is marked read-only and refuses writes.
	ErrReadOnly = errors.New("persistence is read-only")

	// ErrTooLarge means a single write batch exceeded MaxInsertSize rows.
	ErrTooLarge = errors.New("write batch too large")

	// ErrInvalidCursor means a paginated read was resumed with a cursor
	// that does not match the stream's ordering.
	ErrInvalidCursor = errors.New("invalid pagination cursor")

	// ErrOverloaded means the system shed the request under load.
	ErrOverloaded = errors.New("overloaded")

	// ErrWorkerOverloaded means no build worker could accept the job
	// within the client's fair share.
	ErrWorkerOverloaded = errors.New("worker pool overloaded")

	// ErrExpiredInQueue means a queued request waited past its deadline
	// before any worker picked it up.
	ErrExpiredInQueue = errors.New("request expired in queue")

	// ErrLogSinkExists means a log sink of the requested type is already
	// configured.
	ErrLogSinkExists = errors.New("log sink already exists")

	// ErrInvalidWebhookURL means a webhook sink config carried an
	// unparseable or non-HTTP URL.
	ErrInvalidWebhookURL = errors.New("invalid webhook URL")

	// ErrDuplicateInternalID means one write batch carried two revisions
	// of the same document at the same timestamp.
	ErrDuplicateInternalID = errors.New("duplicate internal id")
)

// SnapshotTooOldError is returned when a reader asks for an index snapshot
// older than the retention floor.
type SnapshotTooOldError struct {
	Requested Timestamp
	MinIndex  Timestamp
}

func (e *SnapshotTooOldError) Error() string {
	return fmt.Sprintf("snapshot %d is older than the minimum index snapshot %d", e.Requested, e.MinIndex)
}

// DocumentSnapshotTooOldError is returned when a reader asks for document
// revisions older than the document retention floor.
type DocumentSnapshotTooOldError struct {
	Requested   Timestamp
	MinDocument Timestamp
}

func (e *DocumentSnapshotTooOldError) Error() string {
	return fmt.Sprintf("document snapshot %d is older than the minimum document snapshot %d", e.Requested, e.MinDocument)
}

// DanglingIndexReferenceError is returned when an index entry points at a
// document id with no revision in the log.
type DanglingIndexReferenceError struct {
	Index IndexID
	ID    DocumentID
}

func (e *DanglingIndexReferenceError) Error() string {
	return fmt.Sprintf("Dangling index reference for index %s: document %s not found", e.Index, e.ID)
}

// DeletedDocumentReferenceError is returned when a non-tombstone index entry
// points at a document whose revision at the snapshot is a tombstone.
type DeletedDocumentReferenceError struct {
	Index IndexID
	ID    DocumentID
}

func (e *DeletedDocumentReferenceError) Error() string {
	return fmt.Sprintf("index %s references deleted document %s", e.Index, e.ID)
}

// OCCError reports an optimistic concurrency conflict: a committed
// transaction wrote a row or range the failing transaction had read. The
// description names the table and document involved so callers can log a
// human-readable diff.
type OCCError struct {
	Table       string
	Description string
}

func (e *OCCError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("optimistic concurrency conflict on table %q: %s", e.Table, e.Description)
	}
	return fmt.Sprintf("optimistic concurrency conflict on table %q", e.Table)
}

// IsRetriable reports whether a top-level retry loop may re-run the
// operation. OCC conflicts and load shedding are retriable; contract,
// retention, integrity, and validation failures are not.
func IsRetriable(err error) bool {
	var occ *OCCError
	if errors.As(err, &occ) {
		return true
	}
	return errors.Is(err, ErrOverloaded) ||
		errors.Is(err, ErrWorkerOverloaded) ||
		errors.Is(err, ErrExpiredInQueue)
}
