// internal/ledger/transactions.go
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

// CreateTransaction inserts a new transaction row. A duplicate chain tx hash
// comes back as ErrDuplicateTransaction; the unique constraint is the
// enforcement mechanism, so concurrent sightings of the same transfer race
// safely.
func (s *Store) CreateTransaction(ctx context.Context, transaction *models.Transaction) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(transaction).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTransaction
			}
			return err
		}
		return nil
	})
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var transaction models.Transaction
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.First(&transaction, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &transaction, nil
}

func (s *Store) GetTransactionByHash(ctx context.Context, hash string) (*models.Transaction, error) {
	var transaction models.Transaction
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.First(&transaction, "tx_hash = ?", hash).Error
	})
	if err != nil {
		return nil, err
	}
	return &transaction, nil
}

// RaiseConfirmations applies a reported confirmation count. The write is
// conditional on the stored value being lower and the transaction still
// confirming, which makes duplicate block notifications a silent no-op.
func (s *Store) RaiseConfirmations(ctx context.Context, id uuid.UUID, confirmations int64) (bool, error) {
	var updated bool
	err := s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND confirmations < ? AND status IN ?", id, confirmations,
				[]models.TransactionStatus{models.TransactionStatusPending, models.TransactionStatusConfirming}).
			Update("confirmations", confirmations)
		updated = res.RowsAffected > 0
		return res.Error
	})
	return updated, err
}

// TransitionTransaction moves a transaction between lifecycle states with a
// conditional write. ErrStaleTransition means the row was not in any of the
// from states; callers decide whether that is a race to ignore or a bug.
func (s *Store) TransitionTransaction(ctx context.Context, id uuid.UUID, from []models.TransactionStatus, to models.TransactionStatus, updates map[string]interface{}) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		if updates == nil {
			updates = map[string]interface{}{}
		}
		updates["status"] = to

		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status IN ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleTransition
		}
		return nil
	})
}

// OpenTransactions returns every transaction still moving through
// confirmation, oldest first, for the monitor's depth-tracking pass.
func (s *Store) OpenTransactions(ctx context.Context, limit int) ([]models.Transaction, error) {
	var transactions []models.Transaction
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.
			Where("status IN ?", []models.TransactionStatus{
				models.TransactionStatusPending, models.TransactionStatusConfirming}).
			Order("created_at").
			Limit(limit).
			Find(&transactions).Error
	})
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

// ActiveTransactionsForAddress returns the transactions still moving through
// confirmation for one address.
func (s *Store) ActiveTransactionsForAddress(ctx context.Context, addressID uuid.UUID) ([]models.Transaction, error) {
	var transactions []models.Transaction
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.
			Where("payment_address_id = ? AND status IN ?", addressID,
				[]models.TransactionStatus{models.TransactionStatusPending, models.TransactionStatusConfirming}).
			Order("created_at").
			Find(&transactions).Error
	})
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

// PendingTransactionsForAddress returns PENDING rows for the expiry path.
func (s *Store) PendingTransactionsForAddress(ctx context.Context, addressID uuid.UUID) ([]models.Transaction, error) {
	var transactions []models.Transaction
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.
			Where("payment_address_id = ? AND status = ?", addressID, models.TransactionStatusPending).
			Find(&transactions).Error
	})
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

// SettleableTransactions returns CONFIRMED payment transactions for merchants
// with auto-settlement enabled, with the merchant preloaded for batching.
func (s *Store) SettleableTransactions(ctx context.Context, limit int) ([]models.Transaction, error) {
	var transactions []models.Transaction
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.
			Joins("JOIN merchants ON merchants.id = transactions.merchant_id").
			Where("transactions.status = ? AND transactions.transaction_type = ? AND merchants.auto_settlement = ? AND merchants.settlement_address <> ''",
				models.TransactionStatusConfirmed, models.TransactionTypePayment, true).
			Preload("Merchant").
			Order("transactions.created_at").
			Limit(limit).
			Find(&transactions).Error
	})
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func (s *Store) ListTransactions(ctx context.Context, merchantID uuid.UUID, params utils.PaginationParams) ([]models.Transaction, int64, error) {
	var transactions []models.Transaction
	var total int64

	err := s.run(ctx, func(tx *gorm.DB) error {
		query := tx.Model(&models.Transaction{}).Where("merchant_id = ?", merchantID)
		if params.Status != "" {
			query = query.Where("status = ?", params.Status)
		}
		if params.Type != "" {
			query = query.Where("transaction_type = ?", params.Type)
		}

		if err := query.Count(&total).Error; err != nil {
			return err
		}

		query = utils.ApplySort(query, params, []string{"created_at", "amount", "confirmations"})
		query = utils.ApplyPagination(query, params)
		return query.Find(&transactions).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return transactions, total, nil
}

// SumPaymentVolumeSince totals the merchant's recorded payment volume from a
// point in time, for daily and monthly limit checks. Failed and expired rows
// do not count against limits.
func (s *Store) SumPaymentVolumeSince(ctx context.Context, merchantID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.Transaction{}).
			Select("COALESCE(SUM(amount), 0)").
			Where("merchant_id = ? AND transaction_type = ? AND status NOT IN ? AND created_at >= ?",
				merchantID, models.TransactionTypePayment,
				[]models.TransactionStatus{models.TransactionStatusFailed, models.TransactionStatusExpired},
				since).
			Scan(&total).Error
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// TransactionsSettledBetween returns settled payments in a window, for the
// reconciliation report.
func (s *Store) TransactionsSettledBetween(ctx context.Context, from, to time.Time) ([]models.Transaction, error) {
	var transactions []models.Transaction
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.
			Where("status = ? AND settled_at >= ? AND settled_at < ?", models.TransactionStatusSettled, from, to).
			Preload("Merchant").
			Order("settled_at").
			Find(&transactions).Error
	})
	if err != nil {
		return nil, err
	}
	return transactions, nil
}
