// internal/ledger/idempotency.go
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay-backend/internal/models"
)

// BeginIdempotencyKey inserts the key row that locks a request. When the key
// already exists the stored row comes back with created=false so the guard
// can choose between replay and conflict. An existing row past its expiry is
// purged and the slot reused.
func (s *Store) BeginIdempotencyKey(ctx context.Context, key *models.IdempotencyKey, now time.Time) (bool, *models.IdempotencyKey, error) {
	for attempt := 0; attempt < 2; attempt++ {
		err := s.run(ctx, func(tx *gorm.DB) error {
			if err := tx.Create(key).Error; err != nil {
				if isUniqueViolation(err) {
					return ErrDuplicateKey
				}
				return err
			}
			return nil
		})
		if err == nil {
			return true, key, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return false, nil, err
		}

		var existing models.IdempotencyKey
		err = s.run(ctx, func(tx *gorm.DB) error {
			return tx.First(&existing, "key = ?", key.Key).Error
		})
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// The holder was purged between our insert and read; retry
				// the insert once.
				continue
			}
			return false, nil, err
		}

		if !existing.ExpiredAt(now) {
			return false, &existing, nil
		}

		// Stale holder: clear it and take the slot on the second pass.
		err = s.run(ctx, func(tx *gorm.DB) error {
			return tx.Unscoped().
				Where("id = ? AND expires_at <= ?", existing.ID, now).
				Delete(&models.IdempotencyKey{}).Error
		})
		if err != nil {
			return false, nil, err
		}

		// Regenerate the row ID so the retried insert is a fresh record.
		key.ID = uuid.Nil
	}

	return false, nil, ErrDuplicateKey
}

// CompleteIdempotencyKey persists the captured response against the key.
func (s *Store) CompleteIdempotencyKey(ctx context.Context, id uuid.UUID, status int, body []byte, contentType string, at time.Time) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.IdempotencyKey{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"response_status": status,
				"response_body":   body,
				"content_type":    contentType,
				"completed_at":    at,
			}).Error
	})
}

// DeleteIdempotencyKey removes a lock row whose handler never completed, so
// the client's retry is not stuck behind a dead request.
func (s *Store) DeleteIdempotencyKey(ctx context.Context, id uuid.UUID) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		return tx.Unscoped().Where("id = ?", id).Delete(&models.IdempotencyKey{}).Error
	})
}

// PurgeExpiredKeys removes keys past their expiry; the sweep loop calls this
// on an interval.
func (s *Store) PurgeExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	err := s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Unscoped().
			Where("expires_at <= ?", now).
			Delete(&models.IdempotencyKey{})
		purged = res.RowsAffected
		return res.Error
	})
	return purged, err
}
