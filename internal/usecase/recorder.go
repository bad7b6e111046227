package usecase

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"freightd/internal/domain"
)

// MetadataPreviousStatus carries the prior status on every transition event.
const MetadataPreviousStatus = "previous_status"

// MetadataLocationPing marks events recorded by RecordLocationPing.
const MetadataLocationPing = "ping"

// Recorder is the event ingestion path: it validates a proposed transition
// against the latest committed event and, on success, persists the new event
// together with its PENDING anchor outbox row in one transaction. Anchoring
// failures never reach callers of this type; the anchor pipeline owns them.
type Recorder struct {
	events    domain.EventRepository
	shipments domain.ShipmentRepository
	locations domain.LocationRepository
	signals   *SignalBus
	clock     Clock
}

func NewRecorder(events domain.EventRepository, shipments domain.ShipmentRepository, locations domain.LocationRepository, signals *SignalBus, clock Clock) (*Recorder, error) {
	if events == nil {
		return nil, errors.New("event repository is required")
	}
	if shipments == nil {
		return nil, errors.New("shipment repository is required")
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Recorder{
		events:    events,
		shipments: shipments,
		locations: locations,
		signals:   signals,
		clock:     clock,
	}, nil
}

type RecordStatusInput struct {
	ShipmentID string
	Status     domain.Status
	LocationID string
	Actor      string
	Metadata   map[string]string
}

// RecordStatus appends a status-change event. The proposed status must be the
// immediate successor of the shipment's current status; the first event of a
// shipment must carry the initial status. Validation runs against the latest
// event under the repository's per-shipment exclusion, so a concurrent append
// for the same shipment can never see a stale current status.
func (r *Recorder) RecordStatus(ctx context.Context, in RecordStatusInput) (domain.ShipmentStatusEvent, error) {
	if err := r.checkReferences(ctx, in.ShipmentID, in.LocationID); err != nil {
		return domain.ShipmentStatusEvent{}, err
	}

	var previous domain.Status
	event, err := r.events.Append(ctx, in.ShipmentID, func(latest *domain.ShipmentStatusEvent, nextSeq int64) (domain.ShipmentStatusEvent, *domain.AnchorRequest, error) {
		if latest == nil {
			if err := ValidateInitial(in.Status); err != nil {
				return domain.ShipmentStatusEvent{}, nil, err
			}
			previous = ""
		} else {
			if err := ValidateTransition(latest.Status, in.Status); err != nil {
				return domain.ShipmentStatusEvent{}, nil, err
			}
			previous = latest.Status
		}

		now := r.clock.Now().UTC()
		metadata := cloneMetadata(in.Metadata)
		if previous != "" {
			metadata[MetadataPreviousStatus] = string(previous)
		}
		event := domain.ShipmentStatusEvent{
			ID:         uuid.NewString(),
			ShipmentID: in.ShipmentID,
			Seq:        nextSeq,
			Status:     in.Status,
			LocationID: in.LocationID,
			RecordedAt: now,
			RecordedBy: in.Actor,
			Metadata:   metadata,
		}

		payload, hash, err := BuildAnchorPayload(event)
		if err != nil {
			return domain.ShipmentStatusEvent{}, nil, err
		}
		anchor := &domain.AnchorRequest{
			ID:            uuid.NewString(),
			EventID:       event.ID,
			ShipmentID:    event.ShipmentID,
			Payload:       payload,
			PayloadHash:   hash,
			State:         domain.AnchorStatePending,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		return event, anchor, nil
	})
	if err != nil {
		return domain.ShipmentStatusEvent{}, err
	}

	r.signals.Publish(StatusRecorded{
		ShipmentID:     event.ShipmentID,
		EventID:        event.ID,
		Status:         event.Status,
		PreviousStatus: previous,
	})
	return event, nil
}

// RecordLocationPing appends a location observation that does not change the
// shipment's status. Pings are not transitions, so the state machine is not
// consulted beyond requiring a non-empty log, and no anchor row is enqueued.
func (r *Recorder) RecordLocationPing(ctx context.Context, shipmentID, locationID, actor string) (domain.ShipmentStatusEvent, error) {
	if locationID == "" {
		return domain.ShipmentStatusEvent{}, domain.ErrLocationNotFound
	}
	if err := r.checkReferences(ctx, shipmentID, locationID); err != nil {
		return domain.ShipmentStatusEvent{}, err
	}

	event, err := r.events.Append(ctx, shipmentID, func(latest *domain.ShipmentStatusEvent, nextSeq int64) (domain.ShipmentStatusEvent, *domain.AnchorRequest, error) {
		if latest == nil {
			return domain.ShipmentStatusEvent{}, nil, domain.ErrNotFound
		}
		return domain.ShipmentStatusEvent{
			ID:         uuid.NewString(),
			ShipmentID: shipmentID,
			Seq:        nextSeq,
			Status:     latest.Status,
			LocationID: locationID,
			RecordedAt: r.clock.Now().UTC(),
			RecordedBy: actor,
			Metadata:   map[string]string{MetadataLocationPing: "true"},
		}, nil, nil
	})
	if err != nil {
		return domain.ShipmentStatusEvent{}, err
	}
	return event, nil
}

// CurrentStatus returns the latest event for a shipment.
func (r *Recorder) CurrentStatus(ctx context.Context, shipmentID string) (domain.ShipmentStatusEvent, error) {
	return r.events.Latest(ctx, shipmentID)
}

// History returns the shipment's full event log in recorded order.
func (r *Recorder) History(ctx context.Context, shipmentID string) ([]domain.ShipmentStatusEvent, error) {
	return r.events.ListByShipment(ctx, shipmentID)
}

func (r *Recorder) checkReferences(ctx context.Context, shipmentID, locationID string) error {
	if shipmentID == "" {
		return domain.ErrShipmentNotFound
	}
	if _, err := r.shipments.GetByID(ctx, shipmentID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrShipmentNotFound
		}
		return err
	}
	if locationID != "" && r.locations != nil {
		if _, err := r.locations.GetByID(ctx, locationID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrLocationNotFound
			}
			return err
		}
	}
	return nil
}

func cloneMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
