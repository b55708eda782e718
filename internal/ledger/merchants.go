// internal/ledger/merchants.go
package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

func (s *Store) CreateMerchant(ctx context.Context, merchant *models.Merchant) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		err := tx.Create(merchant).Error
		if isUniqueViolation(err) {
			return ErrDuplicateMerchant
		}
		return err
	})
}

func (s *Store) GetMerchant(ctx context.Context, id uuid.UUID) (*models.Merchant, error) {
	var merchant models.Merchant
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.First(&merchant, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

// GetMerchantByAPIKeyHash resolves the merchant behind a presented API key.
// The caller hashes the key; plain keys are never stored or queried.
func (s *Store) GetMerchantByAPIKeyHash(ctx context.Context, hash string) (*models.Merchant, error) {
	var merchant models.Merchant
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.First(&merchant, "api_key_hash = ?", hash).Error
	})
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

func (s *Store) GetMerchantByEmail(ctx context.Context, email string) (*models.Merchant, error) {
	var merchant models.Merchant
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.First(&merchant, "email = ?", email).Error
	})
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

func (s *Store) SaveMerchant(ctx context.Context, merchant *models.Merchant) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		return tx.Save(merchant).Error
	})
}

// UpdateMerchantSettlement sets the payout address and auto-settlement flag.
func (s *Store) UpdateMerchantSettlement(ctx context.Context, id uuid.UUID, settlementAddress string, autoSettlement bool) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.Merchant{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"settlement_address": settlementAddress,
				"auto_settlement":    autoSettlement,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// SetMerchantStatus switches a merchant between ACTIVE and SUSPENDED.
func (s *Store) SetMerchantStatus(ctx context.Context, id uuid.UUID, status models.MerchantStatus) (bool, error) {
	var changed bool
	err := s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.Merchant{}).
			Where("id = ? AND status <> ?", id, status).
			Update("status", status)
		changed = res.RowsAffected > 0
		return res.Error
	})
	return changed, err
}

func (s *Store) ListMerchants(ctx context.Context, params utils.PaginationParams) ([]models.Merchant, int64, error) {
	var merchants []models.Merchant
	var total int64

	err := s.run(ctx, func(tx *gorm.DB) error {
		query := tx.Model(&models.Merchant{})
		if params.Status != "" {
			query = query.Where("status = ?", params.Status)
		}

		if err := query.Count(&total).Error; err != nil {
			return err
		}

		query = utils.ApplySort(query, params, []string{"created_at", "business_name", "email"})
		query = utils.ApplyPagination(query, params)
		return query.Find(&merchants).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return merchants, total, nil
}
