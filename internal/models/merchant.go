// internal/models/merchant.go
package models

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/shopspring/decimal"
)

type Merchant struct {
	BaseModel
	BusinessName      string          `json:"business_name" gorm:"size:255;not null"`
	Email             string          `json:"email" gorm:"size:255;uniqueIndex;not null"`
	APIKeyHash        string          `json:"-" gorm:"size:64;uniqueIndex;not null"`
	Status            MerchantStatus  `json:"status" gorm:"type:varchar(20);default:'active';index"`
	FeePercent        decimal.Decimal `json:"fee_percent" gorm:"type:decimal(5,2);default:1.0"`
	FeeFixed          decimal.Decimal `json:"fee_fixed" gorm:"type:decimal(36,18);default:0"`
	MinPaymentAmount  decimal.Decimal `json:"min_payment_amount" gorm:"type:decimal(36,18);default:1"`
	MaxPaymentAmount  decimal.Decimal `json:"max_payment_amount" gorm:"type:decimal(36,18);default:100000"`
	DailyLimit        decimal.Decimal `json:"daily_limit" gorm:"type:decimal(36,18);default:0"`
	MonthlyLimit      decimal.Decimal `json:"monthly_limit" gorm:"type:decimal(36,18);default:0"`
	SettlementAddress string          `json:"settlement_address" gorm:"size:128"`
	AutoSettlement    bool            `json:"auto_settlement" gorm:"default:false"`
	Metadata          JSONB           `json:"metadata,omitempty" gorm:"type:jsonb"`

	// Relationships
	PaymentAddresses []PaymentAddress      `json:"payment_addresses,omitempty" gorm:"foreignKey:MerchantID"`
	Transactions     []Transaction         `json:"transactions,omitempty" gorm:"foreignKey:MerchantID"`
	Webhooks         []WebhookSubscription `json:"webhooks,omitempty" gorm:"foreignKey:MerchantID"`
}

// HashAPIKey returns the stored form of an API key. Keys are high-entropy
// random strings, so a plain digest is sufficient and keeps lookups indexable.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (m *Merchant) SetAPIKey(key string) {
	m.APIKeyHash = HashAPIKey(key)
}

func (m *Merchant) CheckAPIKey(key string) bool {
	return subtle.ConstantTimeCompare([]byte(m.APIKeyHash), []byte(HashAPIKey(key))) == 1
}

// FeeFor computes the platform fee for a payment amount: percentage plus fixed.
func (m *Merchant) FeeFor(amount decimal.Decimal) decimal.Decimal {
	percent := amount.Mul(m.FeePercent).Div(decimal.NewFromInt(100))
	return percent.Add(m.FeeFixed)
}
