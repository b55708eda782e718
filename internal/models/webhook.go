// internal/models/webhook.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StringList stores a set of event names as a JSON array column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, l)
}

func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

type WebhookSubscription struct {
	BaseModel
	MerchantID        uuid.UUID  `json:"merchant_id" gorm:"type:uuid;not null;index"`
	URL               string     `json:"url" gorm:"size:500;not null"`
	Events            StringList `json:"events" gorm:"type:jsonb"`
	Secret            string     `json:"-" gorm:"size:128;not null"`
	Status            WebhookStatus `json:"status" gorm:"type:varchar(20);default:'active';index"`
	FailedAttempts    int        `json:"failed_attempts" gorm:"default:0"`
	LastFailureReason string     `json:"last_failure_reason,omitempty" gorm:"size:500"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	MaxRetries        int        `json:"max_retries" gorm:"default:3"`
	RetryInterval     int        `json:"retry_interval" gorm:"default:15"`

	// Relationships
	Merchant *Merchant `json:"merchant,omitempty" gorm:"foreignKey:MerchantID"`
}

// SubscribedTo reports whether the subscription wants this event type. An
// empty event set means "everything".
func (w *WebhookSubscription) SubscribedTo(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	return w.Events.Contains(eventType)
}

// WebhookDelivery is one event occurrence queued for one subscription. The row
// doubles as the in-flight lock: an attempt first claims it with a conditional
// update.
type WebhookDelivery struct {
	BaseModel
	SubscriptionID uuid.UUID      `json:"subscription_id" gorm:"type:uuid;not null;index"`
	MerchantID     uuid.UUID      `json:"merchant_id" gorm:"type:uuid;index"`
	TransactionID  *uuid.UUID     `json:"transaction_id,omitempty" gorm:"type:uuid;index"`
	EventID        uuid.UUID      `json:"event_id" gorm:"type:uuid;index"`
	EventType      string         `json:"event_type" gorm:"size:50;index"`
	Payload        JSONB          `json:"payload" gorm:"type:jsonb"`
	Status         DeliveryStatus `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	Attempts       int            `json:"attempts" gorm:"default:0"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty" gorm:"index"`
	ClaimedAt      *time.Time     `json:"-"`
	LastError      string         `json:"last_error,omitempty" gorm:"size:500"`
	ResponseStatus int            `json:"response_status,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`

	// Relationships
	Subscription *WebhookSubscription `json:"subscription,omitempty" gorm:"foreignKey:SubscriptionID"`
}
