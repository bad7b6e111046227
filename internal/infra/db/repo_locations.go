package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"freightd/internal/domain"
)

type LocationRepository struct {
	db *gorm.DB
}

func NewLocationRepository(db *gorm.DB) *LocationRepository {
	return &LocationRepository{db: db}
}

func (r *LocationRepository) Create(ctx context.Context, location domain.Location) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if location.ID == "" {
		return errors.New("location id is required")
	}
	if location.Name == "" {
		return errors.New("location name is required")
	}
	createdAt := location.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	model := LocationModel{
		ID:        location.ID,
		Name:      location.Name,
		Country:   location.Country,
		CreatedAt: createdAt,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
}

func (r *LocationRepository) GetByID(ctx context.Context, id string) (domain.Location, error) {
	if r.db == nil {
		return domain.Location{}, errDBUnavailable
	}
	if id == "" {
		return domain.Location{}, errors.New("location id is required")
	}
	var model LocationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Location{}, domain.ErrNotFound
		}
		return domain.Location{}, err
	}
	return domain.Location{
		ID:        model.ID,
		Name:      model.Name,
		Country:   model.Country,
		CreatedAt: model.CreatedAt,
	}, nil
}
