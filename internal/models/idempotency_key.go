// internal/models/idempotency_key.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// IdempotencyKey records one accepted mutating request. A row with a nil
// CompletedAt is the lock for a request still in flight.
type IdempotencyKey struct {
	BaseModel
	Key            string     `json:"key" gorm:"size:255;uniqueIndex;not null"`
	MerchantID     *uuid.UUID `json:"merchant_id,omitempty" gorm:"type:uuid;index"`
	Method         string     `json:"method" gorm:"size:10"`
	Path           string     `json:"path" gorm:"size:255"`
	RequestHash    string     `json:"-" gorm:"size:64"`
	ResponseStatus int        `json:"response_status"`
	ResponseBody   []byte     `json:"-" gorm:"type:bytea"`
	ContentType    string     `json:"-" gorm:"size:100"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at" gorm:"index;not null"`
}

func (k *IdempotencyKey) Completed() bool {
	return k.CompletedAt != nil
}

func (k *IdempotencyKey) ExpiredAt(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}
