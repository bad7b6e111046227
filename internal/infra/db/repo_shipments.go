package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"freightd/internal/domain"
)

type ShipmentRepository struct {
	db *gorm.DB
}

func NewShipmentRepository(db *gorm.DB) *ShipmentRepository {
	return &ShipmentRepository{db: db}
}

func (r *ShipmentRepository) Create(ctx context.Context, shipment domain.Shipment) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if shipment.ID == "" {
		return errors.New("shipment id is required")
	}
	if shipment.Reference == "" {
		return errors.New("shipment reference is required")
	}
	createdAt := shipment.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	model := ShipmentModel{
		ID:        shipment.ID,
		Reference: shipment.Reference,
		CreatedAt: createdAt,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrShipmentExists
	}
	return nil
}

func (r *ShipmentRepository) GetByID(ctx context.Context, id string) (domain.Shipment, error) {
	if r.db == nil {
		return domain.Shipment{}, errDBUnavailable
	}
	if id == "" {
		return domain.Shipment{}, errors.New("shipment id is required")
	}
	var model ShipmentModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Shipment{}, domain.ErrNotFound
		}
		return domain.Shipment{}, err
	}
	return domain.Shipment{
		ID:        model.ID,
		Reference: model.Reference,
		CreatedAt: model.CreatedAt,
	}, nil
}
