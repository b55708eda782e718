// internal/services/address_service.go
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

	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/utils"
	"github.com/chainpay/chainpay-backend/internal/wallet"
)

// Policy violations handlers translate into 4xx responses.
var (
	ErrMerchantSuspended    = errors.New("merchant account is not active")
	ErrInvalidAmount        = errors.New("expected amount must be positive")
	ErrAmountBelowMinimum   = errors.New("expected amount is below the merchant minimum")
	ErrAmountAboveMaximum   = errors.New("expected amount is above the merchant maximum")
	ErrDailyLimitExceeded   = errors.New("daily payment volume limit exceeded")
	ErrMonthlyLimitExceeded = errors.New("monthly payment volume limit exceeded")
)

// AddressService issues single-use deposit addresses and manages their
// lifecycle on behalf of merchants.
type AddressService struct {
	store  *ledger.Store
	wallet *wallet.Wallet
	config *config.Config
}

func NewAddressService(store *ledger.Store, wallet *wallet.Wallet, cfg *config.Config) *AddressService {
	return &AddressService{
		store:  store,
		wallet: wallet,
		config: cfg,
	}
}

type GenerateAddressInput struct {
	ExpectedAmount decimal.Decimal
	Currency       string
	ExpiresIn      int // seconds; 0 means the configured default
	CallbackURL    string
	Metadata       map[string]interface{}
}

// Generate derives a fresh deposit address after checking the merchant's
// payment policy: amount bounds first, then daily and monthly volume headroom
// against the running counters.
func (s *AddressService) Generate(ctx context.Context, merchant *models.Merchant, input GenerateAddressInput) (*models.PaymentAddress, error) {
	if merchant.Status != models.MerchantStatusActive {
		return nil, ErrMerchantSuspended
	}
	if !input.ExpectedAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if input.ExpectedAmount.LessThan(merchant.MinPaymentAmount) {
		return nil, ErrAmountBelowMinimum
	}
	if merchant.MaxPaymentAmount.IsPositive() && input.ExpectedAmount.GreaterThan(merchant.MaxPaymentAmount) {
		return nil, ErrAmountAboveMaximum
	}

	if err := s.checkVolumeLimits(ctx, merchant, input.ExpectedAmount); err != nil {
		return nil, err
	}

	depositAddress, derivationPath, err := s.wallet.NewDepositAddress()
	if err != nil {
		return nil, fmt.Errorf("failed to derive deposit address: %w", err)
	}

	ttl := input.ExpiresIn
	if ttl <= 0 {
		ttl = s.config.Payment.AddressTTL
	}
	currency := input.Currency
	if currency == "" {
		currency = "USDT"
	}

	address := &models.PaymentAddress{
		MerchantID:        merchant.ID,
		Address:           depositAddress,
		DerivationPath:    derivationPath,
		Status:            models.AddressStatusActive,
		AddressType:       models.AddressTypeMerchantPayment,
		ExpectedAmount:    input.ExpectedAmount,
		Currency:          currency,
		ExpiresAt:         time.Now().Add(time.Duration(ttl) * time.Second),
		MonitoringEnabled: true,
		CallbackURL:       input.CallbackURL,
		Metadata:          models.JSONB(input.Metadata),
	}
	if err := s.store.CreatePaymentAddress(ctx, address); err != nil {
		return nil, fmt.Errorf("failed to create payment address: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"merchant_id":     merchant.ID,
		"address":         depositAddress,
		"expected_amount": input.ExpectedAmount.String(),
		"expires_at":      address.ExpiresAt.Format(time.RFC3339),
	}).Info("Payment address generated")

	return address, nil
}

// checkVolumeLimits rejects a new address when the expected amount would push
// the merchant past its daily or monthly volume cap. A zero cap means
// unlimited. Counters start at midnight UTC and the first of the month.
func (s *AddressService) checkVolumeLimits(ctx context.Context, merchant *models.Merchant, amount decimal.Decimal) error {
	now := time.Now().UTC()

	if merchant.DailyLimit.IsPositive() {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		volume, err := s.store.SumPaymentVolumeSince(ctx, merchant.ID, dayStart)
		if err != nil {
			return fmt.Errorf("failed to compute daily volume: %w", err)
		}
		if volume.Add(amount).GreaterThan(merchant.DailyLimit) {
			return ErrDailyLimitExceeded
		}
	}

	if merchant.MonthlyLimit.IsPositive() {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		volume, err := s.store.SumPaymentVolumeSince(ctx, merchant.ID, monthStart)
		if err != nil {
			return fmt.Errorf("failed to compute monthly volume: %w", err)
		}
		if volume.Add(amount).GreaterThan(merchant.MonthlyLimit) {
			return ErrMonthlyLimitExceeded
		}
	}

	return nil
}

// Get fetches one of the merchant's addresses. Another merchant's address is
// indistinguishable from a missing one.
func (s *AddressService) Get(ctx context.Context, merchantID, id uuid.UUID) (*models.PaymentAddress, error) {
	address, err := s.store.GetPaymentAddress(ctx, id)
	if err != nil {
		return nil, err
	}
	if address.MerchantID != merchantID {
		return nil, gorm.ErrRecordNotFound
	}
	return address, nil
}

func (s *AddressService) List(ctx context.Context, merchantID uuid.UUID, params utils.PaginationParams) ([]models.PaymentAddress, int64, error) {
	return s.store.ListPaymentAddresses(ctx, merchantID, params)
}

// Deactivate turns monitoring off so the scanner stops matching transfers.
// The address row and its history stay.
func (s *AddressService) Deactivate(ctx context.Context, merchantID, id uuid.UUID) error {
	disabled, err := s.store.DisableMonitoring(ctx, id, merchantID)
	if err != nil {
		return fmt.Errorf("failed to disable monitoring: %w", err)
	}
	if !disabled {
		return gorm.ErrRecordNotFound
	}
	return nil
}
