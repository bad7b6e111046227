package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"freightd/internal/domain"
)

// claimRetries bounds how many candidate rows one ClaimNextDue call races
// for before reporting nothing due.
const claimRetries = 4

type AnchorRequestRepository struct {
	db *gorm.DB
}

func NewAnchorRequestRepository(db *gorm.DB) *AnchorRequestRepository {
	return &AnchorRequestRepository{db: db}
}

// ClaimNextDue picks the oldest eligible row and claims it with a conditional
// UPDATE. The update only succeeds while the row is still in the state the
// candidate read observed and still unclaimed (or stale-claimed), so two
// workers racing for the same row resolve to exactly one winner.
func (r *AnchorRequestRepository) ClaimNextDue(ctx context.Context, now time.Time, claimTimeout time.Duration, claimToken string) (domain.AnchorRequest, error) {
	if r.db == nil {
		return domain.AnchorRequest{}, errDBUnavailable
	}
	if claimToken == "" {
		return domain.AnchorRequest{}, errors.New("claim token is required")
	}
	staleBefore := now.Add(-claimTimeout)

	for i := 0; i < claimRetries; i++ {
		var candidate AnchorRequestModel
		err := r.db.WithContext(ctx).
			Where("state IN ?", []string{string(domain.AnchorStatePending), string(domain.AnchorStateSubmitted)}).
			Where("next_attempt_at <= ?", now).
			Where("claim_token IS NULL OR claimed_at < ?", staleBefore).
			Order("next_attempt_at ASC").
			First(&candidate).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.AnchorRequest{}, domain.ErrNotFound
			}
			return domain.AnchorRequest{}, err
		}

		result := r.db.WithContext(ctx).
			Model(&AnchorRequestModel{}).
			Where("id = ? AND state = ?", candidate.ID, candidate.State).
			Where("claim_token IS NULL OR claimed_at < ?", staleBefore).
			Updates(map[string]any{
				"claim_token": claimToken,
				"claimed_at":  now,
			})
		if result.Error != nil {
			return domain.AnchorRequest{}, result.Error
		}
		if result.RowsAffected == 1 {
			var claimed AnchorRequestModel
			if err := r.db.WithContext(ctx).First(&claimed, "id = ?", candidate.ID).Error; err != nil {
				return domain.AnchorRequest{}, err
			}
			return anchorFromModel(claimed), nil
		}
		// Lost the race for this row; try the next candidate.
	}
	return domain.AnchorRequest{}, domain.ErrNotFound
}

func (r *AnchorRequestRepository) MarkSubmitted(ctx context.Context, id, claimToken, handle string, nextAttemptAt time.Time) error {
	if handle == "" {
		return errors.New("provider handle is required")
	}
	now := time.Now().UTC()
	return r.transition(ctx, id, claimToken, []string{string(domain.AnchorStatePending)}, map[string]any{
		"state":           string(domain.AnchorStateSubmitted),
		"provider_handle": handle,
		"attempts":        0,
		"next_attempt_at": nextAttemptAt,
		"last_error":      nil,
		"submitted_at":    now,
		"claim_token":     nil,
		"claimed_at":      nil,
	})
}

func (r *AnchorRequestRepository) MarkRetry(ctx context.Context, id, claimToken string, nextAttemptAt time.Time, lastError string) error {
	return r.transition(ctx, id, claimToken, []string{string(domain.AnchorStatePending), string(domain.AnchorStateSubmitted)}, map[string]any{
		"attempts":        gorm.Expr("attempts + 1"),
		"next_attempt_at": nextAttemptAt,
		"last_error":      stringPtrIfNotEmpty(lastError),
		"claim_token":     nil,
		"claimed_at":      nil,
	})
}

func (r *AnchorRequestRepository) MarkConfirmed(ctx context.Context, id, claimToken string, confirmedAt time.Time) error {
	return r.transition(ctx, id, claimToken, []string{string(domain.AnchorStateSubmitted)}, map[string]any{
		"state":        string(domain.AnchorStateConfirmed),
		"confirmed_at": confirmedAt,
		"last_error":   nil,
		"claim_token":  nil,
		"claimed_at":   nil,
	})
}

func (r *AnchorRequestRepository) MarkFailed(ctx context.Context, id, claimToken, lastError string) error {
	// The failing attempt still counts, so a first-try permanent rejection
	// ends with attempts = 1.
	return r.transition(ctx, id, claimToken, []string{string(domain.AnchorStatePending), string(domain.AnchorStateSubmitted)}, map[string]any{
		"state":       string(domain.AnchorStateFailed),
		"attempts":    gorm.Expr("attempts + 1"),
		"last_error":  stringPtrIfNotEmpty(lastError),
		"claim_token": nil,
		"claimed_at":  nil,
	})
}

func (r *AnchorRequestRepository) transition(ctx context.Context, id, claimToken string, fromStates []string, updates map[string]any) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if id == "" || claimToken == "" {
		return errors.New("id and claim token are required")
	}
	result := r.db.WithContext(ctx).
		Model(&AnchorRequestModel{}).
		Where("id = ? AND claim_token = ? AND state IN ?", id, claimToken, fromStates).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (r *AnchorRequestRepository) ReleaseExpiredClaims(ctx context.Context, now time.Time, claimTimeout time.Duration) (int64, error) {
	if r.db == nil {
		return 0, errDBUnavailable
	}
	result := r.db.WithContext(ctx).
		Model(&AnchorRequestModel{}).
		Where("claim_token IS NOT NULL AND claimed_at < ?", now.Add(-claimTimeout)).
		Where("state IN ?", []string{string(domain.AnchorStatePending), string(domain.AnchorStateSubmitted)}).
		Updates(map[string]any{
			"claim_token": nil,
			"claimed_at":  nil,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *AnchorRequestRepository) CountStuckSubmitted(ctx context.Context, olderThan time.Time) (int64, error) {
	if r.db == nil {
		return 0, errDBUnavailable
	}
	var count int64
	err := r.db.WithContext(ctx).
		Model(&AnchorRequestModel{}).
		Where("state = ? AND submitted_at < ?", string(domain.AnchorStateSubmitted), olderThan).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *AnchorRequestRepository) ListByShipment(ctx context.Context, shipmentID string) ([]domain.AnchorRequest, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	if shipmentID == "" {
		return nil, errors.New("shipment id is required")
	}
	var models []AnchorRequestModel
	if err := r.db.WithContext(ctx).
		Where("shipment_id = ?", shipmentID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AnchorRequest, 0, len(models))
	for _, model := range models {
		out = append(out, anchorFromModel(model))
	}
	return out, nil
}

func (r *AnchorRequestRepository) GetByEventID(ctx context.Context, eventID string) (domain.AnchorRequest, error) {
	if r.db == nil {
		return domain.AnchorRequest{}, errDBUnavailable
	}
	var model AnchorRequestModel
	if err := r.db.WithContext(ctx).First(&model, "event_id = ?", eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.AnchorRequest{}, domain.ErrNotFound
		}
		return domain.AnchorRequest{}, err
	}
	return anchorFromModel(model), nil
}

func anchorToModel(request domain.AnchorRequest) AnchorRequestModel {
	createdAt := request.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return AnchorRequestModel{
		ID:             request.ID,
		EventID:        request.EventID,
		ShipmentID:     request.ShipmentID,
		Payload:        copyBytes(request.Payload),
		PayloadHash:    request.PayloadHash,
		State:          string(request.State),
		ProviderHandle: stringPtrIfNotEmpty(request.ProviderHandle),
		Attempts:       request.Attempts,
		NextAttemptAt:  request.NextAttemptAt,
		LastError:      stringPtrIfNotEmpty(request.LastError),
		CreatedAt:      createdAt,
		SubmittedAt:    request.SubmittedAt,
		ConfirmedAt:    request.ConfirmedAt,
		UpdatedAt:      createdAt,
	}
}

func anchorFromModel(model AnchorRequestModel) domain.AnchorRequest {
	return domain.AnchorRequest{
		ID:             model.ID,
		EventID:        model.EventID,
		ShipmentID:     model.ShipmentID,
		Payload:        copyBytes(model.Payload),
		PayloadHash:    model.PayloadHash,
		State:          domain.AnchorState(model.State),
		ProviderHandle: stringValue(model.ProviderHandle),
		Attempts:       model.Attempts,
		NextAttemptAt:  model.NextAttemptAt,
		LastError:      stringValue(model.LastError),
		CreatedAt:      model.CreatedAt,
		SubmittedAt:    model.SubmittedAt,
		ConfirmedAt:    model.ConfirmedAt,
	}
}
