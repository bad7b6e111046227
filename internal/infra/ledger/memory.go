package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"freightd/internal/domain"
)

// Memory is an in-process ledger for development and deterministic tests.
// Submit outcomes can be scripted (a queue of errors consumed before
// submissions start succeeding) and confirmation can be delayed by a number
// of polls, which is enough to exercise every branch of the retry pipeline
// without a network.
type Memory struct {
	mu sync.Mutex

	submitOutcomes []error
	pollsToConfirm int
	rejectQueries  bool

	nextHandle  int
	byKey       map[string]string
	polls       map[string]int
	submissions map[string][]byte
}

type MemoryOption func(*Memory)

// WithSubmitOutcomes scripts the results of successive Submit calls; a nil
// entry means success. Once the queue drains, submissions succeed.
func WithSubmitOutcomes(outcomes ...error) MemoryOption {
	return func(m *Memory) { m.submitOutcomes = outcomes }
}

// WithPollsToConfirm makes QueryStatus report Pending for the first n polls
// of each handle.
func WithPollsToConfirm(n int) MemoryOption {
	return func(m *Memory) { m.pollsToConfirm = n }
}

// WithRejectedQueries makes every status query report a permanent rejection.
func WithRejectedQueries() MemoryOption {
	return func(m *Memory) { m.rejectQueries = true }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		byKey:       make(map[string]string),
		polls:       make(map[string]int),
		submissions: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Submit(ctx context.Context, payload json.RawMessage, idempotencyKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &domain.LedgerError{Code: domain.LedgerErrorTimeout, Err: err}
	}
	if idempotencyKey == "" {
		return "", &domain.LedgerError{Code: domain.LedgerErrorBadPayload, Permanent: true, Err: errors.New("idempotency key is required")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.submitOutcomes) > 0 {
		outcome := m.submitOutcomes[0]
		m.submitOutcomes = m.submitOutcomes[1:]
		if outcome != nil {
			return "", outcome
		}
	}

	// Idempotent replays land on the existing submission.
	if handle, ok := m.byKey[idempotencyKey]; ok {
		return handle, nil
	}
	m.nextHandle++
	handle := fmt.Sprintf("mem-%d", m.nextHandle)
	m.byKey[idempotencyKey] = handle
	m.submissions[handle] = append([]byte(nil), payload...)
	return handle, nil
}

func (m *Memory) QueryStatus(ctx context.Context, handle string) (domain.LedgerSubmissionStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", &domain.LedgerError{Code: domain.LedgerErrorTimeout, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.submissions[handle]; !ok {
		return "", &domain.LedgerError{Code: domain.LedgerErrorUnavailable, Err: fmt.Errorf("unknown handle %q", handle)}
	}
	if m.rejectQueries {
		return domain.LedgerStatusRejected, nil
	}
	m.polls[handle]++
	if m.polls[handle] <= m.pollsToConfirm {
		return domain.LedgerStatusPending, nil
	}
	return domain.LedgerStatusConfirmed, nil
}

// SubmissionCount reports how many distinct ledger entries exist; tests use
// it to prove retried submissions deduplicate.
func (m *Memory) SubmissionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submissions)
}
