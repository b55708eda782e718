// internal/services/transaction_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay-backend/internal/chain"
	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/events"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

// EventPublisher is the dispatch gateway surface the services emit through.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event)
}

// TransactionService owns the payment lifecycle. Every transition is one
// conditional ledger write; the event for a transition is emitted only by the
// writer that won the conditional update, so each occurrence produces exactly
// one event no matter how many loops observe it.
type TransactionService struct {
	store  *ledger.Store
	events EventPublisher
	config *config.Config
}

func NewTransactionService(store *ledger.Store, publisher EventPublisher, cfg *config.Config) *TransactionService {
	return &TransactionService{
		store:  store,
		events: publisher,
		config: cfg,
	}
}

// RecordTransfer ingests one on-chain transfer credited to a payment address.
// Duplicate sightings of the same chain transaction are silent no-ops. The
// returned transaction is nil when nothing was recorded.
func (s *TransactionService) RecordTransfer(ctx context.Context, addressID uuid.UUID, transfer chain.Transfer) (*models.Transaction, error) {
	address, err := s.store.GetPaymentAddress(ctx, addressID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment address: %w", err)
	}

	if address.Status != models.AddressStatusActive {
		if address.Status == models.AddressStatusBlacklisted {
			logrus.WithFields(logrus.Fields{
				"address":     address.Address,
				"tx_hash":     transfer.TxHash,
				"amount":      transfer.Amount.String(),
				"merchant_id": address.MerchantID,
			}).Warn("Policy violation: payment against a blacklisted address")
		}
		return nil, nil
	}

	merchant, err := s.store.GetMerchant(ctx, address.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load merchant: %w", err)
	}

	// Top-ups accumulate: the deviation is judged on everything received so
	// far, not on this transfer alone.
	prior, err := s.store.SumReceivedForAddress(ctx, address.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to total prior transfers: %w", err)
	}
	received := prior.Add(transfer.Amount)
	deviation, deviationStatus := s.classifyDeviation(received, address.ExpectedAmount)

	transaction := &models.Transaction{
		MerchantID:       address.MerchantID,
		PaymentAddressID: &address.ID,
		TxHash:           transfer.TxHash,
		TransactionType:  models.TransactionTypePayment,
		Status:           models.TransactionStatusPending,
		Amount:           transfer.Amount,
		FeeAmount:        merchant.FeeFor(transfer.Amount),
		Currency:         address.Currency,
		FromAddress:      transfer.From,
		ToAddress:        transfer.To,
		BlockNumber:      transfer.BlockNumber,
		BlockHash:        transfer.BlockHash,
		DeviationPercent: deviation,
		DeviationStatus:  deviationStatus,
	}

	if err := s.store.CreateTransaction(ctx, transaction); err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to record transfer %s: %w", transfer.TxHash, err)
	}

	logrus.WithFields(logrus.Fields{
		"tx_hash":          transaction.TxHash,
		"address":          address.Address,
		"amount":           transaction.Amount.String(),
		"deviation_status": deviationStatus,
	}).Info("Payment transfer recorded")

	if deviationStatus == models.DeviationStatusUnderpaid && s.config.Payment.GraceMode == config.GraceModeExpire {
		grace := time.Now().Add(time.Duration(s.config.Payment.GracePeriod) * time.Second)
		if _, err := s.store.ExtendAddressExpiry(ctx, address.ID, grace); err != nil {
			logrus.Warnf("Failed to extend expiry for short-paid address %s: %v", address.Address, err)
		}
	}

	s.events.Publish(ctx, events.NewPaymentReceived(transaction))
	return transaction, nil
}

// classifyDeviation compares the cumulative received amount against the
// invoice and bins it by the configured symmetric thresholds.
func (s *TransactionService) classifyDeviation(received, expected decimal.Decimal) (decimal.Decimal, models.DeviationStatus) {
	if !expected.IsPositive() {
		return decimal.Zero, models.DeviationStatusWithinTolerance
	}

	deviation := received.Sub(expected).Div(expected).Mul(decimal.NewFromInt(100)).Round(4)
	switch {
	case deviation.LessThan(decimal.NewFromFloat(-s.config.Payment.UnderpaymentThreshold)):
		return deviation, models.DeviationStatusUnderpaid
	case deviation.GreaterThan(decimal.NewFromFloat(s.config.Payment.OverpaymentThreshold)):
		return deviation, models.DeviationStatusOverpaid
	default:
		return deviation, models.DeviationStatusWithinTolerance
	}
}

// ApplyConfirmations folds a reported confirmation depth into a transaction.
// A depth at or below the stored value is a complete no-op: no write, no
// state change, no event.
func (s *TransactionService) ApplyConfirmations(ctx context.Context, transactionID uuid.UUID, confirmations int64) error {
	raised, err := s.store.RaiseConfirmations(ctx, transactionID, confirmations)
	if err != nil {
		return fmt.Errorf("failed to raise confirmations: %w", err)
	}
	if !raised {
		return nil
	}

	transaction, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("failed to reload transaction: %w", err)
	}

	if transaction.Status == models.TransactionStatusPending && transaction.Confirmations >= 1 {
		err := s.store.TransitionTransaction(ctx, transaction.ID,
			[]models.TransactionStatus{models.TransactionStatusPending},
			models.TransactionStatusConfirming, nil)
		if err != nil && !errors.Is(err, ledger.ErrStaleTransition) {
			return fmt.Errorf("failed to start confirming: %w", err)
		}
		transaction.Status = models.TransactionStatusConfirming
	}

	if transaction.Confirmations >= int64(s.config.Chain.RequiredConfirmations) {
		return s.confirm(ctx, transaction)
	}
	return nil
}

// confirm finalizes a fully-confirmed payment. The conditional transition
// decides which caller emits the event; losers see a stale transition and
// back off silently.
func (s *TransactionService) confirm(ctx context.Context, transaction *models.Transaction) error {
	now := time.Now().UTC()
	err := s.store.TransitionTransaction(ctx, transaction.ID,
		[]models.TransactionStatus{models.TransactionStatusPending, models.TransactionStatusConfirming},
		models.TransactionStatusConfirmed,
		map[string]interface{}{"confirmed_at": now})
	if errors.Is(err, ledger.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to confirm transaction: %w", err)
	}

	// A short payment leaves the address ACTIVE so top-ups can still arrive;
	// anything else retires it.
	if transaction.PaymentAddressID != nil && transaction.DeviationStatus != models.DeviationStatusUnderpaid {
		if _, err := s.store.MarkAddressUsed(ctx, *transaction.PaymentAddressID, now); err != nil {
			logrus.Warnf("Failed to mark address used for transaction %s: %v", transaction.TxHash, err)
		}
	}

	transaction.Status = models.TransactionStatusConfirmed
	transaction.ConfirmedAt = &now
	logrus.WithFields(logrus.Fields{
		"tx_hash":       transaction.TxHash,
		"confirmations": transaction.Confirmations,
	}).Info("Payment confirmed")

	s.events.Publish(ctx, events.NewPaymentConfirmed(transaction))
	return nil
}

// Fail moves a live transaction to FAILED, for reorg-dropped or reverted
// transfers. Terminal transactions are left untouched.
func (s *TransactionService) Fail(ctx context.Context, transactionID uuid.UUID, reason string) error {
	transaction, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("failed to load transaction: %w", err)
	}

	err = s.store.TransitionTransaction(ctx, transaction.ID,
		[]models.TransactionStatus{models.TransactionStatusPending, models.TransactionStatusConfirming},
		models.TransactionStatusFailed,
		map[string]interface{}{"failure_reason": reason})
	if errors.Is(err, ledger.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fail transaction: %w", err)
	}

	transaction.Status = models.TransactionStatusFailed
	transaction.FailureReason = reason
	logrus.WithFields(logrus.Fields{
		"tx_hash": transaction.TxHash,
		"reason":  reason,
	}).Warn("Payment failed")

	s.events.Publish(ctx, events.NewPaymentFailed(transaction))
	return nil
}

// MarkSettled stamps a confirmed payment with its settlement transaction.
func (s *TransactionService) MarkSettled(ctx context.Context, transaction *models.Transaction, settlementTxHash string) error {
	now := time.Now().UTC()
	err := s.store.TransitionTransaction(ctx, transaction.ID,
		[]models.TransactionStatus{models.TransactionStatusConfirmed},
		models.TransactionStatusSettled,
		map[string]interface{}{
			"settlement_tx_hash": settlementTxHash,
			"settled_at":         now,
		})
	if errors.Is(err, ledger.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to settle transaction: %w", err)
	}

	transaction.Status = models.TransactionStatusSettled
	transaction.SettlementTxHash = settlementTxHash
	transaction.SettledAt = &now

	s.events.Publish(ctx, events.NewTransactionSettled(transaction))
	return nil
}

// ExpireAddress closes an address whose payment window has passed. The
// conditional status flip guarantees one expiry event per address; PENDING
// transactions die with it, while CONFIRMING ones keep going because the
// money is already on chain.
func (s *TransactionService) ExpireAddress(ctx context.Context, address *models.PaymentAddress) error {
	marked, err := s.store.MarkAddressExpired(ctx, address.ID)
	if err != nil {
		return fmt.Errorf("failed to expire address: %w", err)
	}
	if !marked {
		return nil
	}

	pending, err := s.store.PendingTransactionsForAddress(ctx, address.ID)
	if err != nil {
		return fmt.Errorf("failed to list pending transactions: %w", err)
	}
	for i := range pending {
		err := s.store.TransitionTransaction(ctx, pending[i].ID,
			[]models.TransactionStatus{models.TransactionStatusPending},
			models.TransactionStatusExpired, nil)
		if err != nil && !errors.Is(err, ledger.ErrStaleTransition) {
			logrus.Warnf("Failed to expire transaction %s: %v", pending[i].TxHash, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"address":     address.Address,
		"merchant_id": address.MerchantID,
	}).Info("Payment address expired")

	s.events.Publish(ctx, events.NewAddressExpired(address))
	return nil
}

// Get fetches one of the merchant's transactions. Another merchant's
// transaction is indistinguishable from a missing one.
func (s *TransactionService) Get(ctx context.Context, merchantID, id uuid.UUID) (*models.Transaction, error) {
	transaction, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if transaction.MerchantID != merchantID {
		return nil, gorm.ErrRecordNotFound
	}
	return transaction, nil
}

func (s *TransactionService) List(ctx context.Context, merchantID uuid.UUID, params utils.PaginationParams) ([]models.Transaction, int64, error) {
	return s.store.ListTransactions(ctx, merchantID, params)
}
