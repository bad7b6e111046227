//go:build integration
// +build integration

package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"freightd/internal/domain"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("POSTGRES_DSN_TEST"))
	if dsn == "" {
		t.Skip("POSTGRES_DSN_TEST not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	lockTestDB(t, db)
	if err := ApplyMigrations(db, filepath.Join("..", "..", "..", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func lockTestDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	conn, err := sqlDB.Conn(context.Background())
	if err != nil {
		t.Fatalf("open db conn: %v", err)
	}
	if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_lock(424242001)"); err != nil {
		_ = conn.Close()
		t.Fatalf("acquire db lock: %v", err)
	}
	t.Cleanup(func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock(424242001)")
		_ = conn.Close()
	})
}

func resetDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	if err := db.Exec("ALTER TABLE shipment_status_events DISABLE TRIGGER trg_events_append_only").Error; err != nil {
		t.Fatalf("disable trigger: %v", err)
	}
	if err := db.Exec("ALTER TABLE anchor_requests DISABLE TRIGGER trg_anchor_requests_no_delete").Error; err != nil {
		t.Fatalf("disable trigger: %v", err)
	}
	if err := db.Exec(`
		TRUNCATE shipments,
			locations,
			shipment_status_events,
			anchor_requests
		RESTART IDENTITY CASCADE`).Error; err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	if err := db.Exec("ALTER TABLE shipment_status_events ENABLE TRIGGER trg_events_append_only").Error; err != nil {
		t.Fatalf("enable trigger: %v", err)
	}
	if err := db.Exec("ALTER TABLE anchor_requests ENABLE TRIGGER trg_anchor_requests_no_delete").Error; err != nil {
		t.Fatalf("enable trigger: %v", err)
	}
}

func mustUUID(t *testing.T) string {
	t.Helper()
	id, err := newUUID()
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	return id
}

func insertShipment(t *testing.T, db *gorm.DB, shipmentID string) {
	t.Helper()
	if err := db.Create(&ShipmentModel{
		ID:        shipmentID,
		Reference: "ship-" + shipmentID[:8],
		CreatedAt: time.Now().UTC(),
	}).Error; err != nil {
		t.Fatalf("insert shipment: %v", err)
	}
}

func appendEvent(t *testing.T, repo *EventRepository, shipmentID string, status domain.Status, withAnchor bool) domain.ShipmentStatusEvent {
	t.Helper()
	event, err := repo.Append(context.Background(), shipmentID, func(latest *domain.ShipmentStatusEvent, nextSeq int64) (domain.ShipmentStatusEvent, *domain.AnchorRequest, error) {
		now := time.Now().UTC()
		eventID := mustUUID(t)
		event := domain.ShipmentStatusEvent{
			ID:         eventID,
			ShipmentID: shipmentID,
			Seq:        nextSeq,
			Status:     status,
			RecordedAt: now,
			RecordedBy: "tester",
		}
		if !withAnchor {
			return event, nil, nil
		}
		anchor := &domain.AnchorRequest{
			ID:            mustUUID(t),
			EventID:       eventID,
			ShipmentID:    shipmentID,
			Payload:       []byte(`{"event_id":"` + eventID + `"}`),
			PayloadHash:   "hash-" + eventID[:8],
			State:         domain.AnchorStatePending,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		return event, anchor, nil
	})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	return event
}

func TestEventRepository_AppendCreatesOutboxRowAtomically(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)

	shipmentID := mustUUID(t)
	insertShipment(t, db, shipmentID)

	events := NewEventRepository(db)
	outbox := NewAnchorRequestRepository(db)

	event := appendEvent(t, events, shipmentID, domain.StatusCreated, true)

	request, err := outbox.GetByEventID(context.Background(), event.ID)
	if err != nil {
		t.Fatalf("get anchor request: %v", err)
	}
	if request.State != domain.AnchorStatePending {
		t.Fatalf("expected PENDING, got %s", request.State)
	}

	latest, err := events.Latest(context.Background(), shipmentID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != event.ID || latest.Status != domain.StatusCreated {
		t.Fatalf("unexpected latest event: %+v", latest)
	}
}

func TestEventRepository_AppendAbortLeavesNothing(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)

	shipmentID := mustUUID(t)
	insertShipment(t, db, shipmentID)

	events := NewEventRepository(db)
	wantErr := domain.InvalidTransitionError{From: domain.StatusCreated, To: domain.StatusDelivered}
	_, err := events.Append(context.Background(), shipmentID, func(latest *domain.ShipmentStatusEvent, nextSeq int64) (domain.ShipmentStatusEvent, *domain.AnchorRequest, error) {
		return domain.ShipmentStatusEvent{}, nil, &wantErr
	})
	if !domain.IsInvalidTransition(err) {
		t.Fatalf("expected rejection to propagate, got %v", err)
	}

	if _, err := events.Latest(context.Background(), shipmentID); err != domain.ErrNotFound {
		t.Fatalf("expected empty log, got %v", err)
	}
}

func TestEventRepository_UnknownShipment(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)

	events := NewEventRepository(db)
	_, err := events.Append(context.Background(), mustUUID(t), func(latest *domain.ShipmentStatusEvent, nextSeq int64) (domain.ShipmentStatusEvent, *domain.AnchorRequest, error) {
		t.Fatal("build must not run for unknown shipment")
		return domain.ShipmentStatusEvent{}, nil, nil
	})
	if err != domain.ErrShipmentNotFound {
		t.Fatalf("expected ErrShipmentNotFound, got %v", err)
	}
}

func TestEventRepository_AppendOnlyTrigger(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)

	shipmentID := mustUUID(t)
	insertShipment(t, db, shipmentID)

	events := NewEventRepository(db)
	event := appendEvent(t, events, shipmentID, domain.StatusCreated, false)

	if err := db.Exec("UPDATE shipment_status_events SET status = 'DELIVERED' WHERE id = ?", event.ID).Error; err == nil {
		t.Fatal("expected update to fail")
	} else if !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("unexpected update error: %v", err)
	}
	if err := db.Exec("DELETE FROM shipment_status_events WHERE id = ?", event.ID).Error; err == nil {
		t.Fatal("expected delete to fail")
	} else if !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("unexpected delete error: %v", err)
	}

	// Flipping the anchored flag is the one permitted write.
	if err := events.MarkAnchored(context.Background(), event.ID); err != nil {
		t.Fatalf("mark anchored: %v", err)
	}
}

func TestAnchorRequestRepository_ClaimExclusive(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)

	shipmentID := mustUUID(t)
	insertShipment(t, db, shipmentID)

	events := NewEventRepository(db)
	outbox := NewAnchorRequestRepository(db)
	appendEvent(t, events, shipmentID, domain.StatusCreated, true)

	now := time.Now().UTC()
	first, err := outbox.ClaimNextDue(context.Background(), now, time.Minute, mustUUID(t))
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if first.State != domain.AnchorStatePending {
		t.Fatalf("expected PENDING claim, got %s", first.State)
	}

	if _, err := outbox.ClaimNextDue(context.Background(), now, time.Minute, mustUUID(t)); err != domain.ErrNotFound {
		t.Fatalf("expected second claim to find nothing, got %v", err)
	}
}

func TestAnchorRequestRepository_ExpiredClaimBecomesClaimable(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)

	shipmentID := mustUUID(t)
	insertShipment(t, db, shipmentID)

	events := NewEventRepository(db)
	outbox := NewAnchorRequestRepository(db)
	appendEvent(t, events, shipmentID, domain.StatusCreated, true)

	now := time.Now().UTC()
	if _, err := outbox.ClaimNextDue(context.Background(), now, time.Minute, mustUUID(t)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// A dead worker never releases; after the claim timeout the row is
	// claimable again.
	later := now.Add(2 * time.Minute)
	reclaimed, err := outbox.ClaimNextDue(context.Background(), later, time.Minute, mustUUID(t))
	if err != nil {
		t.Fatalf("reclaim after timeout: %v", err)
	}
	if reclaimed.State != domain.AnchorStatePending {
		t.Fatalf("unexpected state: %s", reclaimed.State)
	}
}

func TestAnchorRequestRepository_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)

	shipmentID := mustUUID(t)
	insertShipment(t, db, shipmentID)

	events := NewEventRepository(db)
	outbox := NewAnchorRequestRepository(db)
	event := appendEvent(t, events, shipmentID, domain.StatusCreated, true)

	now := time.Now().UTC()
	token := mustUUID(t)
	claimed, err := outbox.ClaimNextDue(context.Background(), now, time.Minute, token)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := outbox.MarkSubmitted(context.Background(), claimed.ID, token, "handle-1", now.Add(10*time.Second)); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	submitted, err := outbox.GetByEventID(context.Background(), event.ID)
	if err != nil {
		t.Fatalf("get submitted: %v", err)
	}
	if submitted.State != domain.AnchorStateSubmitted || submitted.ProviderHandle != "handle-1" || submitted.Attempts != 0 {
		t.Fatalf("unexpected submitted row: %+v", submitted)
	}

	// The claim was released at submit; confirm requires a fresh claim.
	token2 := mustUUID(t)
	reclaimed, err := outbox.ClaimNextDue(context.Background(), now.Add(20*time.Second), time.Minute, token2)
	if err != nil {
		t.Fatalf("reclaim for confirm: %v", err)
	}
	confirmedAt := now.Add(21 * time.Second)
	if err := outbox.MarkConfirmed(context.Background(), reclaimed.ID, token2, confirmedAt); err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}

	final, err := outbox.GetByEventID(context.Background(), event.ID)
	if err != nil {
		t.Fatalf("get confirmed: %v", err)
	}
	if final.State != domain.AnchorStateConfirmed || final.ConfirmedAt == nil {
		t.Fatalf("unexpected confirmed row: %+v", final)
	}

	// Terminal rows reject further transitions even with the right token.
	if err := outbox.MarkFailed(context.Background(), final.ID, token2, "late failure"); err != domain.ErrClaimLost {
		t.Fatalf("expected ErrClaimLost on terminal row, got %v", err)
	}
}

func TestAnchorRequestRepository_RetryIncrementsAttempts(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)

	shipmentID := mustUUID(t)
	insertShipment(t, db, shipmentID)

	events := NewEventRepository(db)
	outbox := NewAnchorRequestRepository(db)
	event := appendEvent(t, events, shipmentID, domain.StatusCreated, true)

	now := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		token := mustUUID(t)
		claimed, err := outbox.ClaimNextDue(context.Background(), now.Add(time.Duration(i)*time.Hour), time.Minute, token)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := outbox.MarkRetry(context.Background(), claimed.ID, token, now.Add(time.Duration(i)*time.Hour).Add(10*time.Second), "NETWORK: dial refused"); err != nil {
			t.Fatalf("mark retry %d: %v", i, err)
		}
		row, err := outbox.GetByEventID(context.Background(), event.ID)
		if err != nil {
			t.Fatalf("get row: %v", err)
		}
		if row.Attempts != i {
			t.Fatalf("expected attempts=%d, got %d", i, row.Attempts)
		}
		if row.State != domain.AnchorStatePending {
			t.Fatalf("retry must keep state, got %s", row.State)
		}
	}
}

func TestAnchorRequestRepository_CountStuckSubmitted(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)

	shipmentID := mustUUID(t)
	insertShipment(t, db, shipmentID)

	events := NewEventRepository(db)
	outbox := NewAnchorRequestRepository(db)
	appendEvent(t, events, shipmentID, domain.StatusCreated, true)

	now := time.Now().UTC()
	token := mustUUID(t)
	claimed, err := outbox.ClaimNextDue(context.Background(), now, time.Minute, token)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := outbox.MarkSubmitted(context.Background(), claimed.ID, token, "handle-1", now.Add(10*time.Second)); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}

	stuck, err := outbox.CountStuckSubmitted(context.Background(), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("count stuck: %v", err)
	}
	if stuck != 1 {
		t.Fatalf("expected 1 stuck row, got %d", stuck)
	}
	stuck, err = outbox.CountStuckSubmitted(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count stuck: %v", err)
	}
	if stuck != 0 {
		t.Fatalf("expected 0 stuck rows, got %d", stuck)
	}
}
