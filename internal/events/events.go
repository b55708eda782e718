// internal/events/events.go
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chainpay/chainpay-backend/internal/models"
)

// Event types published on the dispatch stream. Webhook subscriptions filter
// on these names.
const (
	TypePaymentReceived     = "payment.received"
	TypePaymentConfirmed    = "payment.confirmed"
	TypePaymentFailed       = "payment.failed"
	TypeTransactionSettled  = "transaction.settled"
	TypeAddressExpired      = "address.expired"
	TypeSettlementCompleted = "settlement.completed"
)

// Event is one domain occurrence. The ID is minted once at emit time and
// survives redelivery, so consumers can deduplicate.
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	MerchantID    uuid.UUID              `json:"merchant_id"`
	TransactionID *uuid.UUID             `json:"transaction_id,omitempty"`
	Data          map[string]interface{} `json:"data"`
	OccurredAt    time.Time              `json:"occurred_at"`
}

func newEvent(eventType string, merchantID uuid.UUID, transactionID *uuid.UUID, data map[string]interface{}) Event {
	return Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		MerchantID:    merchantID,
		TransactionID: transactionID,
		Data:          data,
		OccurredAt:    time.Now().UTC(),
	}
}

func transactionData(transaction *models.Transaction) map[string]interface{} {
	data := map[string]interface{}{
		"transaction_id":    transaction.ID.String(),
		"tx_hash":           transaction.TxHash,
		"status":            string(transaction.Status),
		"amount":            transaction.Amount.String(),
		"currency":          transaction.Currency,
		"to_address":        transaction.ToAddress,
		"confirmations":     transaction.Confirmations,
		"deviation_percent": transaction.DeviationPercent.String(),
		"deviation_status":  string(transaction.DeviationStatus),
	}
	if transaction.PaymentAddressID != nil {
		data["payment_address_id"] = transaction.PaymentAddressID.String()
	}
	if transaction.ConfirmedAt != nil {
		data["confirmed_at"] = transaction.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	if transaction.SettledAt != nil {
		data["settled_at"] = transaction.SettledAt.UTC().Format(time.RFC3339)
	}
	if transaction.FailureReason != "" {
		data["failure_reason"] = transaction.FailureReason
	}
	return data
}

// NewPaymentReceived marks a transfer first seen on chain.
func NewPaymentReceived(transaction *models.Transaction) Event {
	return newEvent(TypePaymentReceived, transaction.MerchantID, &transaction.ID, transactionData(transaction))
}

// NewPaymentConfirmed marks a transfer that reached the confirmation depth.
func NewPaymentConfirmed(transaction *models.Transaction) Event {
	return newEvent(TypePaymentConfirmed, transaction.MerchantID, &transaction.ID, transactionData(transaction))
}

// NewPaymentFailed marks a transfer dropped or reverted on chain.
func NewPaymentFailed(transaction *models.Transaction) Event {
	return newEvent(TypePaymentFailed, transaction.MerchantID, &transaction.ID, transactionData(transaction))
}

// NewTransactionSettled marks funds swept to the merchant settlement address.
func NewTransactionSettled(transaction *models.Transaction) Event {
	return newEvent(TypeTransactionSettled, transaction.MerchantID, &transaction.ID, transactionData(transaction))
}

// NewAddressExpired marks a payment address whose window closed without a
// confirmed payment.
func NewAddressExpired(address *models.PaymentAddress) Event {
	return newEvent(TypeAddressExpired, address.MerchantID, nil, map[string]interface{}{
		"payment_address_id": address.ID.String(),
		"address":            address.Address,
		"expected_amount":    address.ExpectedAmount.String(),
		"currency":           address.Currency,
		"expired_at":         address.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// NewSettlementCompleted summarizes one settlement batch for a merchant.
func NewSettlementCompleted(merchantID uuid.UUID, settlementTxHash string, transactionIDs []string, gross, fees, net string) Event {
	return newEvent(TypeSettlementCompleted, merchantID, nil, map[string]interface{}{
		"settlement_tx_hash": settlementTxHash,
		"transaction_ids":    transactionIDs,
		"transaction_count":  len(transactionIDs),
		"gross_amount":       gross,
		"fee_amount":         fees,
		"net_amount":         net,
	})
}

// Encode flattens the event into stream fields. The payload rides as one JSON
// blob so the stream schema never chases the event schema.
func (e Event) Encode() (map[string]interface{}, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", e.ID, err)
	}
	return map[string]interface{}{
		"id":      e.ID,
		"type":    e.Type,
		"payload": string(payload),
	}, nil
}

// Decode rebuilds an event from stream fields produced by Encode.
func Decode(values map[string]interface{}) (Event, error) {
	raw, ok := values["payload"].(string)
	if !ok {
		return Event{}, fmt.Errorf("stream entry has no payload field")
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return Event{}, fmt.Errorf("failed to decode event payload: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return Event{}, fmt.Errorf("decoded event is missing id or type")
	}
	return event, nil
}
