package domain

import (
	"context"
	"time"
)

// Status is one point in the shipment lifecycle. The set forms a strict
// linear order; transition legality is decided by usecase.ValidateTransition.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusInTransit Status = "IN_TRANSIT"
	StatusArrived   Status = "ARRIVED"
	StatusDelivered Status = "DELIVERED"
)

// StatusSequence lists every status in lifecycle order. The first entry is
// the required status of a shipment's first event.
var StatusSequence = []Status{
	StatusCreated,
	StatusInTransit,
	StatusArrived,
	StatusDelivered,
}

// StatusIndex returns the position of status in the lifecycle sequence,
// or -1 when the status is unknown.
func StatusIndex(status Status) int {
	for i, s := range StatusSequence {
		if s == status {
			return i
		}
	}
	return -1
}

// ShipmentStatusEvent is one observed fact about a shipment. Events are
// immutable once written; the log is append-only and the current status of a
// shipment is the status of its most recent event.
type ShipmentStatusEvent struct {
	ID         string
	ShipmentID string
	Seq        int64
	Status     Status
	LocationID string
	RecordedAt time.Time
	RecordedBy string
	Metadata   map[string]string
	Anchored   bool
}

// Shipment is the grouping key for a status event log. Current status is
// always derived from the log, never stored on the shipment row.
type Shipment struct {
	ID        string
	Reference string
	CreatedAt time.Time
}

type Location struct {
	ID        string
	Name      string
	Country   string
	CreatedAt time.Time
}

// EventRepository persists the append-only shipment status event log.
type EventRepository interface {
	// Append runs build under per-shipment mutual exclusion: build receives
	// the latest committed event for the shipment (nil when the log is
	// empty) plus the next sequence number, and returns the event to persist
	// along with an optional anchor request created in the same transaction.
	// Returning an error from build aborts the append without side effects.
	Append(ctx context.Context, shipmentID string, build func(latest *ShipmentStatusEvent, nextSeq int64) (ShipmentStatusEvent, *AnchorRequest, error)) (ShipmentStatusEvent, error)

	// Latest returns the most recent event for the shipment, or ErrNotFound
	// when the log is empty.
	Latest(ctx context.Context, shipmentID string) (ShipmentStatusEvent, error)

	// ListByShipment returns the full event log in recorded order.
	ListByShipment(ctx context.Context, shipmentID string) ([]ShipmentStatusEvent, error)

	// MarkAnchored flags an event whose anchor request reached CONFIRMED.
	MarkAnchored(ctx context.Context, eventID string) error
}

type ShipmentRepository interface {
	Create(ctx context.Context, shipment Shipment) error
	GetByID(ctx context.Context, id string) (Shipment, error)
}

type LocationRepository interface {
	Create(ctx context.Context, location Location) error
	GetByID(ctx context.Context, id string) (Location, error)
}
