// internal/webhook/engine_test.go
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/events"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

type capturedRequest struct {
	body      []byte
	timestamp string
	signature string
	event     string
}

// captureServer records every webhook attempt and answers with a settable
// status code.
type captureServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
	status   int
}

func newCaptureServer(status int) *captureServer {
	cs := &captureServer{status: status}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var envelope struct {
			Event string `json:"event"`
		}
		json.Unmarshal(body, &envelope)

		cs.mu.Lock()
		cs.requests = append(cs.requests, capturedRequest{
			body:      body,
			timestamp: r.Header.Get(headerTimestamp),
			signature: r.Header.Get(headerSignature),
			event:     envelope.Event,
		})
		code := cs.status
		cs.mu.Unlock()

		w.WriteHeader(code)
	}))
	return cs
}

func (cs *captureServer) setStatus(code int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.status = code
}

func (cs *captureServer) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.requests)
}

func (cs *captureServer) last() capturedRequest {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.requests[len(cs.requests)-1]
}

func (cs *captureServer) eventsSeen() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var names []string
	for _, r := range cs.requests {
		names = append(names, r.event)
	}
	return names
}

type engineFixture struct {
	store    *ledger.Store
	engine   *Engine
	merchant *models.Merchant
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "webhook.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Merchant{},
		&models.WebhookSubscription{},
		&models.WebhookDelivery{},
	))
	store := ledger.NewStore(db, ledger.NewCircuitBreaker(5, 30*time.Second))

	cfg := &config.Config{
		Environment: "test",
		Webhook: config.WebhookConfig{
			DeliveryTimeout: 5,
			RetryInterval:   15,
			MaxRetries:      3,
			SweepInterval:   30,
		},
	}

	merchant := &models.Merchant{
		BusinessName: "Hook Receiver",
		Email:        "hooks@test.local",
		Status:       models.MerchantStatusActive,
	}
	merchant.SetAPIKey("cp_webhook_key")
	require.NoError(t, store.CreateMerchant(context.Background(), merchant))

	return &engineFixture{
		store:    store,
		engine:   NewEngine(store, cfg),
		merchant: merchant,
	}
}

const testSecret = "whsec_0123456789abcdef0123456789abcdef"

func (f *engineFixture) createSubscription(t *testing.T, url string, eventTypes ...string) *models.WebhookSubscription {
	t.Helper()
	subscription := &models.WebhookSubscription{
		MerchantID:    f.merchant.ID,
		URL:           url,
		Events:        models.StringList(eventTypes),
		Secret:        testSecret,
		Status:        models.WebhookStatusActive,
		MaxRetries:    3,
		RetryInterval: 15,
	}
	require.NoError(t, f.store.CreateSubscription(context.Background(), subscription))
	return subscription
}

func (f *engineFixture) deliveries(t *testing.T, subscriptionID uuid.UUID) []models.WebhookDelivery {
	t.Helper()
	rows, _, err := f.store.ListDeliveries(context.Background(), subscriptionID, utils.PaginationParams{
		Page: 1, Limit: 50, Sort: "created_at", Order: "asc",
	})
	require.NoError(t, err)
	return rows
}

func paymentEvent(eventType string, merchantID uuid.UUID, transactionID *uuid.UUID) events.Event {
	data := map[string]interface{}{
		"status":   "confirmed",
		"amount":   "100",
		"currency": "USDT",
	}
	if transactionID != nil {
		data["transaction_id"] = transactionID.String()
	}
	return events.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		MerchantID:    merchantID,
		TransactionID: transactionID,
		Data:          data,
		OccurredAt:    time.Now().UTC(),
	}
}

func TestHandleEventDeliversSignedPayload(t *testing.T) {
	f := newEngineFixture(t)
	server := newCaptureServer(http.StatusOK)
	defer server.Close()

	subscription := f.createSubscription(t, server.URL, events.TypePaymentConfirmed)
	txID := uuid.New()

	require.NoError(t, f.engine.HandleEvent(context.Background(), paymentEvent(events.TypePaymentConfirmed, f.merchant.ID, &txID)))

	require.Equal(t, 1, server.count())
	received := server.last()

	var envelope struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(received.body, &envelope))
	assert.Equal(t, events.TypePaymentConfirmed, envelope.Event)
	assert.Equal(t, txID.String(), envelope.Data["transaction_id"])

	assert.NotEmpty(t, received.timestamp)
	assert.True(t, VerifySignature(testSecret, received.timestamp, received.body, received.signature),
		"the receiver-side check must accept what the engine signed")
	assert.False(t, VerifySignature("wrong-secret", received.timestamp, received.body, received.signature))

	rows := f.deliveries(t, subscription.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliveryStatusDelivered, rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Equal(t, http.StatusOK, rows[0].ResponseStatus)
	assert.NotNil(t, rows[0].DeliveredAt)

	reloaded, err := f.store.GetSubscription(context.Background(), subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.FailedAttempts)
	assert.NotNil(t, reloaded.LastSuccessAt)
}

func TestHandleEventMatchesSubscribedTypesOnly(t *testing.T) {
	f := newEngineFixture(t)
	server := newCaptureServer(http.StatusOK)
	defer server.Close()

	narrow := f.createSubscription(t, server.URL, events.TypePaymentFailed)
	catchAll := f.createSubscription(t, server.URL)

	require.NoError(t, f.engine.HandleEvent(context.Background(), paymentEvent(events.TypePaymentConfirmed, f.merchant.ID, nil)))

	assert.Empty(t, f.deliveries(t, narrow.ID), "a filtered subscription sees nothing")
	assert.Len(t, f.deliveries(t, catchAll.ID), 1, "an empty event set means everything")
	assert.Equal(t, 1, server.count())
}

func TestFailuresBackOffThenQuarantine(t *testing.T) {
	f := newEngineFixture(t)
	server := newCaptureServer(http.StatusInternalServerError)
	defer server.Close()

	subscription := f.createSubscription(t, server.URL, events.TypePaymentConfirmed)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleEvent(ctx, paymentEvent(events.TypePaymentConfirmed, f.merchant.ID, nil)))

	// First failure: retry in one base interval.
	rows := f.deliveries(t, subscription.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliveryStatusPending, rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempts)
	require.NotNil(t, rows[0].NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(15*time.Second), *rows[0].NextRetryAt, 2*time.Second)

	reloaded, err := f.store.GetSubscription(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.FailedAttempts)
	assert.Equal(t, models.WebhookStatusActive, reloaded.Status)

	// Not due yet: the sweep must not retry early.
	f.engine.sweep(ctx)
	assert.Equal(t, 1, server.count())

	// Second failure: the interval doubles.
	require.NoError(t, f.store.ResetSubscriptionBacklog(ctx, subscription.ID, time.Now()))
	f.engine.sweep(ctx)
	require.Equal(t, 2, server.count())

	rows = f.deliveries(t, subscription.ID)
	require.NotNil(t, rows[0].NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), *rows[0].NextRetryAt, 2*time.Second)

	// Third failure: the subscription is quarantined and the row parks.
	require.NoError(t, f.store.ResetSubscriptionBacklog(ctx, subscription.ID, time.Now()))
	f.engine.sweep(ctx)
	require.Equal(t, 3, server.count())

	reloaded, err = f.store.GetSubscription(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, reloaded.Status)
	assert.Equal(t, 3, reloaded.FailedAttempts)

	rows = f.deliveries(t, subscription.ID)
	assert.Equal(t, models.DeliveryStatusFailed, rows[0].Status)

	// No fourth attempt, ever.
	require.NoError(t, f.store.ResetSubscriptionBacklog(ctx, subscription.ID, time.Now()))
	f.engine.sweep(ctx)
	assert.Equal(t, 3, server.count())
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	f := newEngineFixture(t)
	server := newCaptureServer(http.StatusBadGateway)
	defer server.Close()

	subscription := f.createSubscription(t, server.URL, events.TypePaymentConfirmed)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleEvent(ctx, paymentEvent(events.TypePaymentConfirmed, f.merchant.ID, nil)))
	require.NoError(t, f.store.ResetSubscriptionBacklog(ctx, subscription.ID, time.Now()))
	f.engine.sweep(ctx)
	require.Equal(t, 2, server.count())

	server.setStatus(http.StatusOK)
	require.NoError(t, f.store.ResetSubscriptionBacklog(ctx, subscription.ID, time.Now()))
	f.engine.sweep(ctx)
	require.Equal(t, 3, server.count())

	reloaded, err := f.store.GetSubscription(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.FailedAttempts, "one success wipes the consecutive-failure count")
	assert.Equal(t, models.WebhookStatusActive, reloaded.Status)

	rows := f.deliveries(t, subscription.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliveryStatusDelivered, rows[0].Status)
	assert.Equal(t, 3, rows[0].Attempts)
}

func TestPerTransactionOrderingHoldsYoungerEvents(t *testing.T) {
	f := newEngineFixture(t)
	server := newCaptureServer(http.StatusServiceUnavailable)
	defer server.Close()

	subscription := f.createSubscription(t, server.URL)
	ctx := context.Background()
	txID := uuid.New()

	require.NoError(t, f.engine.HandleEvent(ctx, paymentEvent(events.TypePaymentReceived, f.merchant.ID, &txID)))
	require.Equal(t, 1, server.count())

	// The endpoint recovers, but the younger event must still wait for the
	// older one.
	server.setStatus(http.StatusOK)
	require.NoError(t, f.engine.HandleEvent(ctx, paymentEvent(events.TypePaymentConfirmed, f.merchant.ID, &txID)))
	assert.Equal(t, 1, server.count(), "the confirmed event may not overtake the received event")

	rows := f.deliveries(t, subscription.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, models.DeliveryStatusPending, rows[0].Status)
	assert.Equal(t, models.DeliveryStatusPending, rows[1].Status)
	assert.Equal(t, 0, rows[1].Attempts, "the held delivery is never claimed")

	// One sweep drains both in generation order.
	require.NoError(t, f.store.ResetSubscriptionBacklog(ctx, subscription.ID, time.Now()))
	f.engine.sweep(ctx)

	assert.Equal(t, []string{
		events.TypePaymentReceived,
		events.TypePaymentReceived,
		events.TypePaymentConfirmed,
	}, server.eventsSeen())

	for _, row := range f.deliveries(t, subscription.ID) {
		assert.Equal(t, models.DeliveryStatusDelivered, row.Status)
	}
}

func TestUnrelatedTransactionsAreNotHeld(t *testing.T) {
	f := newEngineFixture(t)
	server := newCaptureServer(http.StatusServiceUnavailable)
	defer server.Close()

	subscription := f.createSubscription(t, server.URL)
	ctx := context.Background()

	stuck := uuid.New()
	require.NoError(t, f.engine.HandleEvent(ctx, paymentEvent(events.TypePaymentReceived, f.merchant.ID, &stuck)))

	server.setStatus(http.StatusOK)
	other := uuid.New()
	require.NoError(t, f.engine.HandleEvent(ctx, paymentEvent(events.TypePaymentConfirmed, f.merchant.ID, &other)))

	rows := f.deliveries(t, subscription.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, models.DeliveryStatusPending, rows[0].Status)
	assert.Equal(t, models.DeliveryStatusDelivered, rows[1].Status,
		"ordering is per transaction, not per subscription")
}

func TestSweepLeavesQuarantinedBacklogAlone(t *testing.T) {
	f := newEngineFixture(t)
	server := newCaptureServer(http.StatusOK)
	defer server.Close()

	subscription := f.createSubscription(t, server.URL)
	ctx := context.Background()

	delivery := &models.WebhookDelivery{
		SubscriptionID: subscription.ID,
		MerchantID:     f.merchant.ID,
		EventID:        uuid.New(),
		EventType:      events.TypePaymentConfirmed,
		Payload:        models.JSONB{"status": "confirmed"},
		Status:         models.DeliveryStatusPending,
	}
	require.NoError(t, f.store.CreateDelivery(ctx, delivery))

	subscription.Status = models.WebhookStatusFailed
	require.NoError(t, f.store.SaveSubscription(ctx, subscription))

	f.engine.sweep(ctx)
	assert.Equal(t, 0, server.count(), "a quarantined endpoint receives nothing")

	rows := f.deliveries(t, subscription.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliveryStatusPending, rows[0].Status)
}

func TestConnectionFailureCountsAsAttempt(t *testing.T) {
	f := newEngineFixture(t)
	server := newCaptureServer(http.StatusOK)
	deadURL := server.URL
	server.Close()

	subscription := f.createSubscription(t, deadURL)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleEvent(ctx, paymentEvent(events.TypePaymentConfirmed, f.merchant.ID, nil)))

	rows := f.deliveries(t, subscription.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.DeliveryStatusPending, rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.NotEmpty(t, rows[0].LastError)

	reloaded, err := f.store.GetSubscription(ctx, subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.FailedAttempts)
}

func TestSendTestDoesNotTouchDeliveryState(t *testing.T) {
	f := newEngineFixture(t)
	server := newCaptureServer(http.StatusOK)
	defer server.Close()

	subscription := f.createSubscription(t, server.URL)

	status, err := f.engine.SendTest(context.Background(), subscription)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	require.Equal(t, 1, server.count())
	received := server.last()
	assert.Equal(t, "webhook.test", received.event)
	assert.True(t, VerifySignature(testSecret, received.timestamp, received.body, received.signature))

	assert.Empty(t, f.deliveries(t, subscription.ID))

	reloaded, err := f.store.GetSubscription(context.Background(), subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.FailedAttempts)
	assert.Nil(t, reloaded.LastSuccessAt)
}
