// internal/ledger/addresses.go
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

func (s *Store) CreatePaymentAddress(ctx context.Context, address *models.PaymentAddress) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		return tx.Create(address).Error
	})
}

func (s *Store) GetPaymentAddress(ctx context.Context, id uuid.UUID) (*models.PaymentAddress, error) {
	var address models.PaymentAddress
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.First(&address, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &address, nil
}

func (s *Store) GetPaymentAddressByAddress(ctx context.Context, addr string) (*models.PaymentAddress, error) {
	var address models.PaymentAddress
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.First(&address, "address = ?", addr).Error
	})
	if err != nil {
		return nil, err
	}
	return &address, nil
}

// WatchableAddresses returns the ACTIVE, monitored, unexpired addresses the
// monitor may match transfers against.
func (s *Store) WatchableAddresses(ctx context.Context, now time.Time) ([]models.PaymentAddress, error) {
	var addresses []models.PaymentAddress
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.
			Where("status = ? AND monitoring_enabled = ? AND expires_at > ?",
				models.AddressStatusActive, true, now).
			Order("created_at").
			Find(&addresses).Error
	})
	if err != nil {
		return nil, err
	}
	return addresses, nil
}

// ExpirableAddresses returns ACTIVE addresses whose window has closed,
// regardless of the monitoring flag.
func (s *Store) ExpirableAddresses(ctx context.Context, now time.Time) ([]models.PaymentAddress, error) {
	var addresses []models.PaymentAddress
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.
			Where("status = ? AND expires_at <= ?", models.AddressStatusActive, now).
			Order("expires_at").
			Find(&addresses).Error
	})
	if err != nil {
		return nil, err
	}
	return addresses, nil
}

// MarkAddressUsed flips ACTIVE to USED. Returns false without error when the
// address already left ACTIVE, so concurrent confirmations stay idempotent.
func (s *Store) MarkAddressUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) (bool, error) {
	var changed bool
	err := s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.PaymentAddress{}).
			Where("id = ? AND status = ?", id, models.AddressStatusActive).
			Updates(map[string]interface{}{
				"status":  models.AddressStatusUsed,
				"used_at": usedAt,
			})
		changed = res.RowsAffected > 0
		return res.Error
	})
	return changed, err
}

// MarkAddressExpired flips ACTIVE to EXPIRED on wall-clock expiry.
func (s *Store) MarkAddressExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	var changed bool
	err := s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.PaymentAddress{}).
			Where("id = ? AND status = ?", id, models.AddressStatusActive).
			Update("status", models.AddressStatusExpired)
		changed = res.RowsAffected > 0
		return res.Error
	})
	return changed, err
}

func (s *Store) BlacklistAddress(ctx context.Context, id uuid.UUID) (bool, error) {
	var changed bool
	err := s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.PaymentAddress{}).
			Where("id = ? AND status = ?", id, models.AddressStatusActive).
			Updates(map[string]interface{}{
				"status":             models.AddressStatusBlacklisted,
				"monitoring_enabled": false,
			})
		changed = res.RowsAffected > 0
		return res.Error
	})
	return changed, err
}

// DisableMonitoring detaches an address from the monitor without touching its
// status; the merchant-facing delete path uses this.
func (s *Store) DisableMonitoring(ctx context.Context, id uuid.UUID, merchantID uuid.UUID) (bool, error) {
	var changed bool
	err := s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.PaymentAddress{}).
			Where("id = ? AND merchant_id = ?", id, merchantID).
			Update("monitoring_enabled", false)
		changed = res.RowsAffected > 0
		return res.Error
	})
	return changed, err
}

// ExtendAddressExpiry pushes the expiry window out, used by the "expire"
// grace mode after a short payment. Only moves the window forward.
func (s *Store) ExtendAddressExpiry(ctx context.Context, id uuid.UUID, until time.Time) (bool, error) {
	var changed bool
	err := s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.PaymentAddress{}).
			Where("id = ? AND status = ? AND expires_at < ?", id, models.AddressStatusActive, until).
			Update("expires_at", until)
		changed = res.RowsAffected > 0
		return res.Error
	})
	return changed, err
}

func (s *Store) UpdateScanCursor(ctx context.Context, id uuid.UUID, block uint64) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.PaymentAddress{}).
			Where("id = ? AND last_scanned_block < ?", id, block).
			Update("last_scanned_block", block).Error
	})
}

func (s *Store) ListPaymentAddresses(ctx context.Context, merchantID uuid.UUID, params utils.PaginationParams) ([]models.PaymentAddress, int64, error) {
	var addresses []models.PaymentAddress
	var total int64

	err := s.run(ctx, func(tx *gorm.DB) error {
		query := tx.Model(&models.PaymentAddress{}).Where("merchant_id = ?", merchantID)
		if params.Status != "" {
			query = query.Where("status = ?", params.Status)
		}

		if err := query.Count(&total).Error; err != nil {
			return err
		}

		query = utils.ApplySort(query, params, []string{"created_at", "expires_at", "expected_amount"})
		query = utils.ApplyPagination(query, params)
		return query.Find(&addresses).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return addresses, total, nil
}

// CountQualifyingTransactions reports how many live transactions satisfy an
// address's invoice. Failed and expired rows never qualify; a short payment
// does not either, so an address holding only underpaid transfers still
// expires on schedule.
func (s *Store) CountQualifyingTransactions(ctx context.Context, addressID uuid.UUID) (int64, error) {
	var count int64
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.Transaction{}).
			Where("payment_address_id = ? AND status NOT IN ? AND deviation_status <> ?", addressID,
				[]models.TransactionStatus{models.TransactionStatusFailed, models.TransactionStatusExpired},
				models.DeviationStatusUnderpaid).
			Count(&count).Error
	})
	return count, err
}

// SumReceivedForAddress totals every live transfer credited to an address,
// short payments included, so top-ups accumulate toward the expected amount.
func (s *Store) SumReceivedForAddress(ctx context.Context, addressID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.Transaction{}).
			Select("COALESCE(SUM(amount), 0)").
			Where("payment_address_id = ? AND status NOT IN ?", addressID,
				[]models.TransactionStatus{models.TransactionStatusFailed, models.TransactionStatusExpired}).
			Scan(&total).Error
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}
