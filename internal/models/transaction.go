// internal/models/transaction.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Transaction struct {
	BaseModel
	MerchantID       uuid.UUID         `json:"merchant_id" gorm:"type:uuid;not null;index"`
	PaymentAddressID *uuid.UUID        `json:"payment_address_id" gorm:"type:uuid;index"`
	TxHash           string            `json:"tx_hash" gorm:"size:66;uniqueIndex;not null"`
	TransactionType  TransactionType   `json:"transaction_type" gorm:"type:varchar(20);default:'payment';index"`
	Status           TransactionStatus `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	Amount           decimal.Decimal   `json:"amount" gorm:"type:decimal(36,18);not null"`
	FeeAmount        decimal.Decimal   `json:"fee_amount" gorm:"type:decimal(36,18);default:0"`
	Currency         string            `json:"currency" gorm:"size:10;default:'USDT'"`
	FromAddress      string            `json:"from_address" gorm:"size:128"`
	ToAddress        string            `json:"to_address" gorm:"size:128;index"`
	Confirmations    int64             `json:"confirmations" gorm:"default:0"`
	BlockNumber      uint64            `json:"block_number"`
	BlockHash        string            `json:"block_hash" gorm:"size:66"`
	BlockTime        *time.Time        `json:"block_time,omitempty"`
	DeviationPercent decimal.Decimal   `json:"deviation_percent" gorm:"type:decimal(8,4);default:0"`
	DeviationStatus  DeviationStatus   `json:"deviation_status" gorm:"type:varchar(20);default:'within_tolerance'"`
	WebhookSent      bool              `json:"webhook_sent" gorm:"default:false"`
	SettlementTxHash string            `json:"settlement_tx_hash,omitempty" gorm:"size:66"`
	FailureReason    string            `json:"failure_reason,omitempty" gorm:"type:text"`
	ConfirmedAt      *time.Time        `json:"confirmed_at,omitempty"`
	SettledAt        *time.Time        `json:"settled_at,omitempty"`

	// Relationships
	Merchant       *Merchant       `json:"merchant,omitempty" gorm:"foreignKey:MerchantID"`
	PaymentAddress *PaymentAddress `json:"payment_address,omitempty" gorm:"foreignKey:PaymentAddressID"`
}

// NetAmount is what the merchant is owed after platform fees.
func (t *Transaction) NetAmount() decimal.Decimal {
	return t.Amount.Sub(t.FeeAmount)
}
