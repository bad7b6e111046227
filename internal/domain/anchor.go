package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// AnchorState is the lifecycle state of an AnchorRequest. States only move
// forward: PENDING -> SUBMITTED -> CONFIRMED, or -> FAILED from any
// non-terminal state.
type AnchorState string

const (
	AnchorStatePending   AnchorState = "PENDING"
	AnchorStateSubmitted AnchorState = "SUBMITTED"
	AnchorStateConfirmed AnchorState = "CONFIRMED"
	AnchorStateFailed    AnchorState = "FAILED"
)

// Terminal reports whether no further transition is allowed from state.
func (s AnchorState) Terminal() bool {
	return s == AnchorStateConfirmed || s == AnchorStateFailed
}

// AnchorRequest is the ledger-submission lineage for a single status event.
// Exactly one exists per anchored event. The ingestion path creates it in
// PENDING and never touches it again; the worker pool and reconciler own all
// later transitions. Rows are never deleted; FAILED rows stay for audit.
type AnchorRequest struct {
	ID             string
	EventID        string
	ShipmentID     string
	Payload        json.RawMessage
	PayloadHash    string
	State          AnchorState
	ProviderHandle string
	Attempts       int
	NextAttemptAt  time.Time
	LastError      string
	CreatedAt      time.Time
	SubmittedAt    *time.Time
	ConfirmedAt    *time.Time
}

const (
	LedgerErrorNetwork     = "NETWORK"
	LedgerErrorTimeout     = "TIMEOUT"
	LedgerErrorRateLimit   = "RATE_LIMIT"
	LedgerErrorUnavailable = "UNAVAILABLE"
	LedgerErrorRejected    = "REJECTED"
	LedgerErrorBadPayload  = "BAD_PAYLOAD"
)

// LedgerError classifies a ledger client failure so the retry policy can
// branch. Permanent errors move the request straight to FAILED; everything
// else is retried with backoff.
type LedgerError struct {
	Code      string
	Permanent bool
	Err       error
}

func (e *LedgerError) Error() string {
	msg := e.Code
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LedgerError) Unwrap() error { return e.Err }

// IsPermanentLedgerError reports whether err is a classified-permanent ledger
// failure. Unclassified errors are treated as transient.
func IsPermanentLedgerError(err error) bool {
	var lerr *LedgerError
	if errors.As(err, &lerr) {
		return lerr.Permanent
	}
	return false
}

// LedgerSubmissionStatus is the remote ledger's view of a submission.
type LedgerSubmissionStatus string

const (
	LedgerStatusConfirmed LedgerSubmissionStatus = "CONFIRMED"
	LedgerStatusPending   LedgerSubmissionStatus = "PENDING"
	LedgerStatusRejected  LedgerSubmissionStatus = "REJECTED"
)

// LedgerClient is the narrow boundary to the external ledger network. How an
// implementation authenticates, signs, or selects a network is its own
// business; it must only classify failures as *LedgerError so retries branch
// correctly. The idempotency key is derived from AnchorRequest.ID so a
// retried submission with an unknown prior outcome cannot create a second
// ledger entry.
type LedgerClient interface {
	Submit(ctx context.Context, payload json.RawMessage, idempotencyKey string) (handle string, err error)
	QueryStatus(ctx context.Context, handle string) (LedgerSubmissionStatus, error)
}

// AnchorRequestRepository is the durable outbox. Rows are claimed exclusively
// and only the claim holder may apply a transition.
type AnchorRequestRepository interface {
	// ClaimNextDue atomically claims one eligible row (PENDING, or SUBMITTED
	// with a due confirmation poll) that is unclaimed or whose claim expired.
	// Returns ErrNotFound when nothing is due.
	ClaimNextDue(ctx context.Context, now time.Time, claimTimeout time.Duration, claimToken string) (AnchorRequest, error)

	// MarkSubmitted transitions a claimed PENDING row to SUBMITTED, storing
	// the provider handle exactly once and scheduling the first confirmation
	// poll. Resets attempts and releases the claim.
	MarkSubmitted(ctx context.Context, id, claimToken, handle string, nextAttemptAt time.Time) error

	// MarkRetry records a transient failure on a claimed row: increments
	// attempts, pushes nextAttemptAt, releases the claim, keeps the state.
	MarkRetry(ctx context.Context, id, claimToken string, nextAttemptAt time.Time, lastError string) error

	// MarkConfirmed finishes a claimed SUBMITTED row.
	MarkConfirmed(ctx context.Context, id, claimToken string, confirmedAt time.Time) error

	// MarkFailed moves a claimed row to the terminal FAILED state.
	MarkFailed(ctx context.Context, id, claimToken, lastError string) error

	// ReleaseExpiredClaims clears claims older than the timeout so rows
	// abandoned by a dead worker become claimable again.
	ReleaseExpiredClaims(ctx context.Context, now time.Time, claimTimeout time.Duration) (int64, error)

	// CountStuckSubmitted counts SUBMITTED rows older than the staleness
	// threshold, for operator alerting.
	CountStuckSubmitted(ctx context.Context, olderThan time.Time) (int64, error)

	// ListByShipment returns the anchor requests for a shipment's events in
	// creation order, for the audit endpoint.
	ListByShipment(ctx context.Context, shipmentID string) ([]AnchorRequest, error)

	// GetByEventID returns the request anchored to the given event.
	GetByEventID(ctx context.Context, eventID string) (AnchorRequest, error)
}
