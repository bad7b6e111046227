package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"freightd/internal/domain"
)

const anchorPayloadVersion = "freightd_anchor_v1"

// BuildAnchorPayload serializes the fields of a status event that get
// anchored to the ledger. The serialization is canonical (fixed field set,
// lexically ordered keys, UTC timestamps) so the same event always produces
// the same bytes and the same digest, which makes the digest usable for
// correlating outbox rows with ledger entries.
func BuildAnchorPayload(event domain.ShipmentStatusEvent) (json.RawMessage, string, error) {
	if event.ID == "" {
		return nil, "", errors.New("event id is required")
	}
	if event.ShipmentID == "" {
		return nil, "", errors.New("shipment id is required")
	}
	fields := map[string]any{
		"v":           anchorPayloadVersion,
		"event_id":    event.ID,
		"shipment_id": event.ShipmentID,
		"seq":         event.Seq,
		"status":      string(event.Status),
		"recorded_at": event.RecordedAt.UTC().Format(time.RFC3339Nano),
		"recorded_by": event.RecordedBy,
	}
	if event.LocationID != "" {
		fields["location_id"] = event.LocationID
	}
	// encoding/json writes map keys in sorted order, which is all the
	// canonicalization this payload needs.
	canonical, err := json.Marshal(fields)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}
