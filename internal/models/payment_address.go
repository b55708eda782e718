// internal/models/payment_address.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentAddress struct {
	BaseModel
	MerchantID        uuid.UUID       `json:"merchant_id" gorm:"type:uuid;not null;index"`
	Address           string          `json:"address" gorm:"size:128;uniqueIndex;not null"`
	DerivationPath    string          `json:"-" gorm:"size:64"`
	Status            AddressStatus   `json:"status" gorm:"type:varchar(20);default:'active';index"`
	AddressType       AddressType     `json:"address_type" gorm:"type:varchar(30);default:'merchant_payment'"`
	ExpectedAmount    decimal.Decimal `json:"expected_amount" gorm:"type:decimal(36,18);not null"`
	Currency          string          `json:"currency" gorm:"size:10;default:'USDT'"`
	ExpiresAt         time.Time       `json:"expires_at" gorm:"not null;index"`
	MonitoringEnabled bool            `json:"monitoring_enabled" gorm:"default:true"`
	CallbackURL       string          `json:"callback_url" gorm:"size:500"`
	Metadata          JSONB           `json:"metadata,omitempty" gorm:"type:jsonb"`
	LastScannedBlock  uint64          `json:"last_scanned_block" gorm:"default:0"`
	UsedAt            *time.Time      `json:"used_at,omitempty"`

	// Relationships
	Merchant     *Merchant     `json:"merchant,omitempty" gorm:"foreignKey:MerchantID"`
	Transactions []Transaction `json:"transactions,omitempty" gorm:"foreignKey:PaymentAddressID"`
}

// Expired reports whether the address window has closed; the boundary instant
// itself counts as expired.
func (a *PaymentAddress) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Watchable reports whether the monitor may match transfers against this
// address.
func (a *PaymentAddress) Watchable(now time.Time) bool {
	return a.Status == AddressStatusActive && a.MonitoringEnabled && !a.Expired(now)
}
