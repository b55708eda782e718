// internal/ledger/webhooks.go
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

func (s *Store) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		return tx.Create(sub).Error
	})
}

func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.First(&sub, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) GetMerchantSubscription(ctx context.Context, merchantID, id uuid.UUID) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.First(&sub, "id = ? AND merchant_id = ?", id, merchantID).Error
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, merchantID uuid.UUID, params utils.PaginationParams) ([]models.WebhookSubscription, int64, error) {
	var subs []models.WebhookSubscription
	var total int64

	err := s.run(ctx, func(tx *gorm.DB) error {
		query := tx.Model(&models.WebhookSubscription{}).Where("merchant_id = ?", merchantID)
		if params.Status != "" {
			query = query.Where("status = ?", params.Status)
		}

		if err := query.Count(&total).Error; err != nil {
			return err
		}

		query = utils.ApplySort(query, params, []string{"created_at", "last_success_at"})
		query = utils.ApplyPagination(query, params)
		return query.Find(&subs).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

func (s *Store) SaveSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		return tx.Save(sub).Error
	})
}

func (s *Store) DeleteSubscription(ctx context.Context, merchantID, id uuid.UUID) (bool, error) {
	var deleted bool
	err := s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND merchant_id = ?", id, merchantID).
			Delete(&models.WebhookSubscription{})
		deleted = res.RowsAffected > 0
		return res.Error
	})
	return deleted, err
}

// ActiveSubscriptions returns the merchant's ACTIVE subscriptions; event-set
// matching happens in the caller since the event list is a JSON column.
func (s *Store) ActiveSubscriptions(ctx context.Context, merchantID uuid.UUID) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.
			Where("merchant_id = ? AND status = ?", merchantID, models.WebhookStatusActive).
			Find(&subs).Error
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// RecordDeliverySuccess clears the failure bookkeeping and returns the
// subscription to ACTIVE.
func (s *Store) RecordDeliverySuccess(ctx context.Context, subID uuid.UUID, at time.Time) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.WebhookSubscription{}).
			Where("id = ?", subID).
			Updates(map[string]interface{}{
				"failed_attempts":     0,
				"last_success_at":     at,
				"last_attempt_at":     at,
				"last_failure_reason": "",
				"status":              models.WebhookStatusActive,
			}).Error
	})
}

// RecordDeliveryFailure bumps the consecutive-failure counter atomically and
// quarantines the subscription once the counter reaches maxRetries. The
// refreshed subscription is returned so the caller can schedule the retry.
func (s *Store) RecordDeliveryFailure(ctx context.Context, subID uuid.UUID, reason string, at time.Time) (*models.WebhookSubscription, bool, error) {
	var sub models.WebhookSubscription
	var quarantined bool

	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.Transaction(func(inner *gorm.DB) error {
			res := inner.Model(&models.WebhookSubscription{}).
				Where("id = ?", subID).
				Updates(map[string]interface{}{
					"failed_attempts":     gorm.Expr("failed_attempts + 1"),
					"last_attempt_at":     at,
					"last_failure_reason": reason,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return gorm.ErrRecordNotFound
			}

			if err := inner.First(&sub, "id = ?", subID).Error; err != nil {
				return err
			}

			if sub.FailedAttempts >= sub.MaxRetries && sub.Status == models.WebhookStatusActive {
				if err := inner.Model(&models.WebhookSubscription{}).
					Where("id = ?", subID).
					Update("status", models.WebhookStatusFailed).Error; err != nil {
					return err
				}
				sub.Status = models.WebhookStatusFailed
				quarantined = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return &sub, quarantined, nil
}

// ReactivateSubscription is the manual recovery path out of FAILED.
func (s *Store) ReactivateSubscription(ctx context.Context, merchantID, id uuid.UUID) (bool, error) {
	var changed bool
	err := s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.WebhookSubscription{}).
			Where("id = ? AND merchant_id = ? AND status IN ?", id, merchantID,
				[]models.WebhookStatus{models.WebhookStatusFailed, models.WebhookStatusInactive}).
			Updates(map[string]interface{}{
				"status":          models.WebhookStatusActive,
				"failed_attempts": 0,
			})
		changed = res.RowsAffected > 0
		return res.Error
	})
	return changed, err
}

func (s *Store) CreateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		return tx.Create(delivery).Error
	})
}

func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error) {
	var delivery models.WebhookDelivery
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.First(&delivery, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

// ListDeliveries pages through a subscription's delivery history, optionally
// narrowed to one status.
func (s *Store) ListDeliveries(ctx context.Context, subscriptionID uuid.UUID, params utils.PaginationParams) ([]models.WebhookDelivery, int64, error) {
	var deliveries []models.WebhookDelivery
	var total int64

	err := s.run(ctx, func(tx *gorm.DB) error {
		query := tx.Model(&models.WebhookDelivery{}).Where("subscription_id = ?", subscriptionID)
		if params.Status != "" {
			query = query.Where("status = ?", params.Status)
		}

		if err := query.Count(&total).Error; err != nil {
			return err
		}

		query = utils.ApplySort(query, params, []string{"created_at", "delivered_at"})
		query = utils.ApplyPagination(query, params)
		return query.Find(&deliveries).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return deliveries, total, nil
}

// DueDeliveries returns unclaimed PENDING deliveries whose retry time has
// come, oldest first so per-transaction ordering is preserved.
func (s *Store) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.WebhookDelivery, error) {
	var deliveries []models.WebhookDelivery
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.
			Where("status = ? AND claimed_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= ?)",
				models.DeliveryStatusPending, now).
			Order("created_at").
			Limit(limit).
			Find(&deliveries).Error
	})
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}

// ClaimDelivery takes the in-flight lock on a delivery row. False means
// another worker got there first.
func (s *Store) ClaimDelivery(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var claimed bool
	err := s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.WebhookDelivery{}).
			Where("id = ? AND status = ? AND claimed_at IS NULL", id, models.DeliveryStatusPending).
			Update("claimed_at", at)
		claimed = res.RowsAffected > 0
		return res.Error
	})
	return claimed, err
}

// ReleaseDelivery records a failed attempt and unlocks the row for the next
// sweep.
func (s *Store) ReleaseDelivery(ctx context.Context, id uuid.UUID, nextRetryAt *time.Time, lastError string, responseStatus int) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.WebhookDelivery{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"claimed_at":      nil,
				"attempts":        gorm.Expr("attempts + 1"),
				"next_retry_at":   nextRetryAt,
				"last_error":      lastError,
				"response_status": responseStatus,
			}).Error
	})
}

func (s *Store) CompleteDelivery(ctx context.Context, id uuid.UUID, responseStatus int, at time.Time) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.WebhookDelivery{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":          models.DeliveryStatusDelivered,
				"claimed_at":      nil,
				"attempts":        gorm.Expr("attempts + 1"),
				"response_status": responseStatus,
				"delivered_at":    at,
				"last_error":      "",
			}).Error
	})
}

// FailDelivery parks the row permanently once its subscription is
// quarantined.
func (s *Store) FailDelivery(ctx context.Context, id uuid.UUID, lastError string, responseStatus int) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.WebhookDelivery{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":          models.DeliveryStatusFailed,
				"claimed_at":      nil,
				"attempts":        gorm.Expr("attempts + 1"),
				"last_error":      lastError,
				"response_status": responseStatus,
			}).Error
	})
}

// EarlierPendingDeliveryExists checks whether an older delivery for the same
// subscription and transaction is still pending; the younger one must wait so
// events arrive in generation order.
func (s *Store) EarlierPendingDeliveryExists(ctx context.Context, subID uuid.UUID, transactionID *uuid.UUID, before time.Time) (bool, error) {
	if transactionID == nil {
		return false, nil
	}

	var count int64
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.WebhookDelivery{}).
			Where("subscription_id = ? AND transaction_id = ? AND status = ? AND created_at < ?",
				subID, transactionID, models.DeliveryStatusPending, before).
			Count(&count).Error
	})
	return count > 0, err
}

// ResetSubscriptionBacklog re-arms a reactivated subscription's pending
// deliveries so the next sweep picks them up immediately.
func (s *Store) ResetSubscriptionBacklog(ctx context.Context, subID uuid.UUID, now time.Time) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.WebhookDelivery{}).
			Where("subscription_id = ? AND status = ?", subID, models.DeliveryStatusPending).
			Updates(map[string]interface{}{
				"next_retry_at": now,
				"claimed_at":    nil,
			}).Error
	})
}
