// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// IDs are generated client-side so the same models work against postgres and
// the sqlite driver used in tests.
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Enums
type MerchantStatus string

const (
	MerchantStatusActive    MerchantStatus = "active"
	MerchantStatusSuspended MerchantStatus = "suspended"
)

type AddressStatus string

const (
	AddressStatusActive      AddressStatus = "active"
	AddressStatusExpired     AddressStatus = "expired"
	AddressStatusUsed        AddressStatus = "used"
	AddressStatusBlacklisted AddressStatus = "blacklisted"
)

type AddressType string

const (
	AddressTypeMerchantPayment AddressType = "merchant_payment"
	AddressTypeHotWallet       AddressType = "hot_wallet"
	AddressTypeColdWallet      AddressType = "cold_wallet"
	AddressTypeSettlement      AddressType = "settlement"
)

type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusConfirming TransactionStatus = "confirming"
	TransactionStatusConfirmed  TransactionStatus = "confirmed"
	TransactionStatusFailed     TransactionStatus = "failed"
	TransactionStatusExpired    TransactionStatus = "expired"
	TransactionStatusSettled    TransactionStatus = "settled"
)

// Terminal reports whether no further transition may leave the status.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusFailed || s == TransactionStatusExpired || s == TransactionStatusSettled
}

type TransactionType string

const (
	TransactionTypePayment    TransactionType = "payment"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeSettlement TransactionType = "settlement"
	TransactionTypeFee        TransactionType = "fee"
	TransactionTypeTransfer   TransactionType = "transfer"
)

type DeviationStatus string

const (
	DeviationStatusWithinTolerance DeviationStatus = "within_tolerance"
	DeviationStatusUnderpaid       DeviationStatus = "underpaid"
	DeviationStatusOverpaid        DeviationStatus = "overpaid"
)

type WebhookStatus string

const (
	WebhookStatusActive   WebhookStatus = "active"
	WebhookStatusInactive WebhookStatus = "inactive"
	WebhookStatusFailed   WebhookStatus = "failed"
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)
