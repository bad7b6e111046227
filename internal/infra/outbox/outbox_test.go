package outbox

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"freightd/internal/domain"
)

// testClock is a settable clock shared by the pipeline tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock { return &testClock{now: start} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func quietLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// memOutbox mirrors the claim discipline of the postgres repository closely
// enough to exercise the processor, pool and reconciler without a database.
type memOutbox struct {
	mu   sync.Mutex
	rows map[string]*domain.AnchorRequest

	claimToken map[string]string
	claimedAt  map[string]time.Time
}

func newMemOutbox() *memOutbox {
	return &memOutbox{
		rows:       make(map[string]*domain.AnchorRequest),
		claimToken: make(map[string]string),
		claimedAt:  make(map[string]time.Time),
	}
}

func (m *memOutbox) add(request domain.AnchorRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := request
	m.rows[request.ID] = &copied
}

func (m *memOutbox) get(id string) domain.AnchorRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memOutbox) ClaimNextDue(ctx context.Context, now time.Time, claimTimeout time.Duration, claimToken string) (domain.AnchorRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	staleBefore := now.Add(-claimTimeout)

	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.rows[ids[i]].NextAttemptAt.Before(m.rows[ids[j]].NextAttemptAt)
	})
	for _, id := range ids {
		row := m.rows[id]
		if row.State != domain.AnchorStatePending && row.State != domain.AnchorStateSubmitted {
			continue
		}
		if row.NextAttemptAt.After(now) {
			continue
		}
		if token := m.claimToken[id]; token != "" && !m.claimedAt[id].Before(staleBefore) {
			continue
		}
		m.claimToken[id] = claimToken
		m.claimedAt[id] = now
		return *row, nil
	}
	return domain.AnchorRequest{}, domain.ErrNotFound
}

func (m *memOutbox) transition(id, claimToken string, from []domain.AnchorState, mutate func(*domain.AnchorRequest)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || m.claimToken[id] != claimToken {
		return domain.ErrClaimLost
	}
	allowed := false
	for _, state := range from {
		if row.State == state {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.ErrClaimLost
	}
	mutate(row)
	delete(m.claimToken, id)
	delete(m.claimedAt, id)
	return nil
}

func (m *memOutbox) MarkSubmitted(ctx context.Context, id, claimToken, handle string, nextAttemptAt time.Time) error {
	return m.transition(id, claimToken, []domain.AnchorState{domain.AnchorStatePending}, func(row *domain.AnchorRequest) {
		now := time.Now().UTC()
		row.State = domain.AnchorStateSubmitted
		row.ProviderHandle = handle
		row.Attempts = 0
		row.NextAttemptAt = nextAttemptAt
		row.LastError = ""
		row.SubmittedAt = &now
	})
}

func (m *memOutbox) MarkRetry(ctx context.Context, id, claimToken string, nextAttemptAt time.Time, lastError string) error {
	return m.transition(id, claimToken, []domain.AnchorState{domain.AnchorStatePending, domain.AnchorStateSubmitted}, func(row *domain.AnchorRequest) {
		row.Attempts++
		row.NextAttemptAt = nextAttemptAt
		row.LastError = lastError
	})
}

func (m *memOutbox) MarkConfirmed(ctx context.Context, id, claimToken string, confirmedAt time.Time) error {
	return m.transition(id, claimToken, []domain.AnchorState{domain.AnchorStateSubmitted}, func(row *domain.AnchorRequest) {
		row.State = domain.AnchorStateConfirmed
		row.ConfirmedAt = &confirmedAt
	})
}

func (m *memOutbox) MarkFailed(ctx context.Context, id, claimToken, lastError string) error {
	return m.transition(id, claimToken, []domain.AnchorState{domain.AnchorStatePending, domain.AnchorStateSubmitted}, func(row *domain.AnchorRequest) {
		row.State = domain.AnchorStateFailed
		row.Attempts++
		row.LastError = lastError
	})
}

func (m *memOutbox) ReleaseExpiredClaims(ctx context.Context, now time.Time, claimTimeout time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	staleBefore := now.Add(-claimTimeout)
	var released int64
	for id := range m.claimToken {
		if m.claimedAt[id].Before(staleBefore) {
			delete(m.claimToken, id)
			delete(m.claimedAt, id)
			released++
		}
	}
	return released, nil
}

func (m *memOutbox) CountStuckSubmitted(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, row := range m.rows {
		if row.State == domain.AnchorStateSubmitted && row.SubmittedAt != nil && row.SubmittedAt.Before(olderThan) {
			count++
		}
	}
	return count, nil
}

func (m *memOutbox) ListByShipment(ctx context.Context, shipmentID string) ([]domain.AnchorRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AnchorRequest
	for _, row := range m.rows {
		if row.ShipmentID == shipmentID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memOutbox) GetByEventID(ctx context.Context, eventID string) (domain.AnchorRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.EventID == eventID {
			return *row, nil
		}
	}
	return domain.AnchorRequest{}, domain.ErrNotFound
}

// stubEvents only tracks MarkAnchored calls; the outbox pipeline never
// appends or reads events.
type stubEvents struct {
	mu       sync.Mutex
	anchored []string
}

func (s *stubEvents) Append(ctx context.Context, shipmentID string, build func(latest *domain.ShipmentStatusEvent, nextSeq int64) (domain.ShipmentStatusEvent, *domain.AnchorRequest, error)) (domain.ShipmentStatusEvent, error) {
	return domain.ShipmentStatusEvent{}, domain.ErrNotFound
}

func (s *stubEvents) Latest(ctx context.Context, shipmentID string) (domain.ShipmentStatusEvent, error) {
	return domain.ShipmentStatusEvent{}, domain.ErrNotFound
}

func (s *stubEvents) ListByShipment(ctx context.Context, shipmentID string) ([]domain.ShipmentStatusEvent, error) {
	return nil, domain.ErrNotFound
}

func (s *stubEvents) MarkAnchored(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchored = append(s.anchored, eventID)
	return nil
}

func (s *stubEvents) anchoredEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.anchored))
	copy(out, s.anchored)
	return out
}
