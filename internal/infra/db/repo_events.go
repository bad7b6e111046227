package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"freightd/internal/domain"
)

type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append serializes concurrent appends for one shipment by locking the
// shipment row FOR UPDATE for the duration of the transaction. The build
// callback therefore always sees the true latest event, and the event plus
// its optional anchor outbox row commit atomically: a committed event whose
// anchoring was requested can never be observed without its PENDING row.
func (r *EventRepository) Append(ctx context.Context, shipmentID string, build func(latest *domain.ShipmentStatusEvent, nextSeq int64) (domain.ShipmentStatusEvent, *domain.AnchorRequest, error)) (domain.ShipmentStatusEvent, error) {
	if r.db == nil {
		return domain.ShipmentStatusEvent{}, errDBUnavailable
	}
	if shipmentID == "" {
		return domain.ShipmentStatusEvent{}, errors.New("shipment id is required")
	}

	var appended domain.ShipmentStatusEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var shipment ShipmentModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&shipment, "id = ?", shipmentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrShipmentNotFound
			}
			return err
		}

		var latest *domain.ShipmentStatusEvent
		nextSeq := int64(1)
		var latestModel ShipmentEventModel
		err := tx.Where("shipment_id = ?", shipmentID).
			Order("recorded_at DESC, seq DESC").
			First(&latestModel).Error
		switch {
		case err == nil:
			event, convErr := eventFromModel(latestModel)
			if convErr != nil {
				return convErr
			}
			latest = &event
			nextSeq = latestModel.Seq + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		event, anchor, err := build(latest, nextSeq)
		if err != nil {
			return err
		}

		eventModel, err := eventToModel(event)
		if err != nil {
			return err
		}
		if err := tx.Create(&eventModel).Error; err != nil {
			return err
		}
		if anchor != nil {
			anchorModel := anchorToModel(*anchor)
			if err := tx.Create(&anchorModel).Error; err != nil {
				return err
			}
		}
		appended = event
		return nil
	})
	if err != nil {
		return domain.ShipmentStatusEvent{}, err
	}
	return appended, nil
}

func (r *EventRepository) Latest(ctx context.Context, shipmentID string) (domain.ShipmentStatusEvent, error) {
	if r.db == nil {
		return domain.ShipmentStatusEvent{}, errDBUnavailable
	}
	var model ShipmentEventModel
	err := r.db.WithContext(ctx).
		Where("shipment_id = ?", shipmentID).
		Order("recorded_at DESC, seq DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ShipmentStatusEvent{}, domain.ErrNotFound
		}
		return domain.ShipmentStatusEvent{}, err
	}
	return eventFromModel(model)
}

func (r *EventRepository) ListByShipment(ctx context.Context, shipmentID string) ([]domain.ShipmentStatusEvent, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []ShipmentEventModel
	if err := r.db.WithContext(ctx).
		Where("shipment_id = ?", shipmentID).
		Order("recorded_at ASC, seq ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.ShipmentStatusEvent, 0, len(models))
	for _, model := range models {
		event, err := eventFromModel(model)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

// MarkAnchored is the one permitted write to a committed event row: flipping
// the anchored flag once its anchor request reaches CONFIRMED.
func (r *EventRepository) MarkAnchored(ctx context.Context, eventID string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	result := r.db.WithContext(ctx).
		Model(&ShipmentEventModel{}).
		Where("id = ?", eventID).
		Update("anchored", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func eventToModel(event domain.ShipmentStatusEvent) (ShipmentEventModel, error) {
	var metadataJSON []byte
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return ShipmentEventModel{}, err
		}
		metadataJSON = encoded
	}
	createdAt := event.RecordedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return ShipmentEventModel{
		ID:           event.ID,
		ShipmentID:   event.ShipmentID,
		Seq:          event.Seq,
		Status:       string(event.Status),
		LocationID:   stringPtrIfNotEmpty(event.LocationID),
		RecordedAt:   event.RecordedAt,
		RecordedBy:   event.RecordedBy,
		MetadataJSON: metadataJSON,
		Anchored:     event.Anchored,
		CreatedAt:    createdAt,
	}, nil
}

func eventFromModel(model ShipmentEventModel) (domain.ShipmentStatusEvent, error) {
	var metadata map[string]string
	if len(model.MetadataJSON) > 0 {
		if err := json.Unmarshal(model.MetadataJSON, &metadata); err != nil {
			return domain.ShipmentStatusEvent{}, err
		}
	}
	return domain.ShipmentStatusEvent{
		ID:         model.ID,
		ShipmentID: model.ShipmentID,
		Seq:        model.Seq,
		Status:     domain.Status(model.Status),
		LocationID: stringValue(model.LocationID),
		RecordedAt: model.RecordedAt,
		RecordedBy: model.RecordedBy,
		Metadata:   metadata,
		Anchored:   model.Anchored,
	}, nil
}
