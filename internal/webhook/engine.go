// internal/webhook/engine.go
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/events"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/models"
)

const (
	headerTimestamp = "X-Timestamp"
	headerSignature = "X-Signature"

	// sweepBatch bounds how many overdue deliveries one sweep picks up.
	sweepBatch = 100

	// maxResponseBytes is how much of an endpoint's answer gets drained
	// before the connection goes back to the pool.
	maxResponseBytes = 4096
)

// Engine fans events out to merchant webhook endpoints. Every event becomes
// one delivery row per matching subscription; the row carries the retry state
// and doubles as the in-flight lock, so the engine can attempt from both the
// live event path and the periodic retry sweep without double-sending.
type Engine struct {
	store  *ledger.Store
	client *http.Client
	config *config.Config

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewEngine(store *ledger.Store, cfg *config.Config) *Engine {
	return &Engine{
		store: store,
		client: &http.Client{
			Timeout: time.Duration(cfg.Webhook.DeliveryTimeout) * time.Second,
		},
		config: cfg,
		stop:   make(chan struct{}),
	}
}

// Start launches the retry sweep loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.sweepLoop()
}

// Stop blocks until the sweep loop exits. In-flight HTTP attempts finish on
// their own timeout.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

// HandleEvent is the dispatch consumer: it queues one delivery per matching
// ACTIVE subscription and fires the first attempt inline. Failures from here
// on are the sweep's problem.
func (e *Engine) HandleEvent(ctx context.Context, event events.Event) error {
	subscriptions, err := e.store.ActiveSubscriptions(ctx, event.MerchantID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	eventID, err := uuid.Parse(event.ID)
	if err != nil {
		eventID = uuid.New()
	}

	for i := range subscriptions {
		subscription := &subscriptions[i]
		if !subscription.SubscribedTo(event.Type) {
			continue
		}

		delivery := &models.WebhookDelivery{
			SubscriptionID: subscription.ID,
			MerchantID:     event.MerchantID,
			TransactionID:  event.TransactionID,
			EventID:        eventID,
			EventType:      event.Type,
			Payload:        models.JSONB(event.Data),
		}
		if err := e.store.CreateDelivery(ctx, delivery); err != nil {
			logrus.Errorf("Failed to queue webhook delivery for subscription %s: %v", subscription.ID, err)
			continue
		}

		e.attempt(ctx, subscription, delivery)
	}
	return nil
}

// SendTest fires a synthetic event at the subscription endpoint without
// queueing a delivery row or touching the failure counter.
func (e *Engine) SendTest(ctx context.Context, subscription *models.WebhookSubscription) (int, error) {
	probe := &models.WebhookDelivery{
		EventType: "webhook.test",
		Payload: models.JSONB{
			"subscription_id": subscription.ID.String(),
			"sent_at":         time.Now().UTC().Format(time.RFC3339),
		},
	}
	return e.post(ctx, subscription, probe)
}

// attempt makes one delivery try if the row is free and nothing older for the
// same transaction is still pending on this subscription.
func (e *Engine) attempt(ctx context.Context, subscription *models.WebhookSubscription, delivery *models.WebhookDelivery) {
	blocked, err := e.store.EarlierPendingDeliveryExists(ctx, subscription.ID, delivery.TransactionID, delivery.CreatedAt)
	if err != nil {
		logrus.Warnf("Failed to check delivery order for %s: %v", delivery.ID, err)
		return
	}
	if blocked {
		// An older event for this transaction has not landed yet; the sweep
		// picks this row up again once it has.
		return
	}

	claimed, err := e.store.ClaimDelivery(ctx, delivery.ID, time.Now())
	if err != nil {
		logrus.Warnf("Failed to claim delivery %s: %v", delivery.ID, err)
		return
	}
	if !claimed {
		return
	}

	status, postErr := e.post(ctx, subscription, delivery)
	if postErr == nil {
		completedAt := time.Now()
		if err := e.store.RecordDeliverySuccess(ctx, subscription.ID, completedAt); err != nil {
			logrus.Errorf("Failed to record delivery success for %s: %v", subscription.ID, err)
		}
		if err := e.store.CompleteDelivery(ctx, delivery.ID, status, completedAt); err != nil {
			logrus.Errorf("Failed to complete delivery %s: %v", delivery.ID, err)
		}
		return
	}

	reason := postErr.Error()
	failedAt := time.Now()

	refreshed, quarantined, err := e.store.RecordDeliveryFailure(ctx, subscription.ID, reason, failedAt)
	if err != nil {
		logrus.Errorf("Failed to record delivery failure for %s: %v", subscription.ID, err)
		next := failedAt.Add(e.retryDelay(subscription, 1))
		if err := e.store.ReleaseDelivery(ctx, delivery.ID, &next, reason, status); err != nil {
			logrus.Errorf("Failed to release delivery %s: %v", delivery.ID, err)
		}
		return
	}

	if quarantined {
		logrus.WithFields(logrus.Fields{
			"subscription_id": subscription.ID,
			"failed_attempts": refreshed.FailedAttempts,
			"reason":          reason,
		}).Warn("Webhook subscription quarantined")
		if err := e.store.FailDelivery(ctx, delivery.ID, reason, status); err != nil {
			logrus.Errorf("Failed to park delivery %s: %v", delivery.ID, err)
		}
		return
	}

	next := failedAt.Add(e.retryDelay(refreshed, refreshed.FailedAttempts))
	if err := e.store.ReleaseDelivery(ctx, delivery.ID, &next, reason, status); err != nil {
		logrus.Errorf("Failed to release delivery %s: %v", delivery.ID, err)
	}
}

// post signs and sends one webhook attempt. A non-2xx answer is an error so
// the caller books it as a failed attempt.
func (e *Engine) post(ctx context.Context, subscription *models.WebhookSubscription, delivery *models.WebhookDelivery) (int, error) {
	body, err := json.Marshal(map[string]interface{}{
		"event": delivery.EventType,
		"data":  map[string]interface{}(delivery.Payload),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode payload: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, subscription.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerSignature, Sign(subscription.Secret, timestamp, body))

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// retryDelay doubles the subscription's base interval per consecutive
// failure: first retry after interval, second after 2x, third after 4x.
func (e *Engine) retryDelay(subscription *models.WebhookSubscription, failedAttempts int) time.Duration {
	interval := subscription.RetryInterval
	if interval <= 0 {
		interval = e.config.Webhook.RetryInterval
	}

	exp := failedAttempts - 1
	if exp < 0 {
		exp = 0
	}
	// The shift is capped so an oversized retry budget cannot overflow the
	// duration.
	if exp > 16 {
		exp = 16
	}
	return time.Duration(interval) * time.Second << exp
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Duration(e.config.Webhook.SweepInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweep(context.Background())
		}
	}
}

// sweep retries every due delivery whose subscription is still ACTIVE.
// Quarantined and paused endpoints keep their backlog untouched until
// reactivation re-arms it.
func (e *Engine) sweep(ctx context.Context) {
	due, err := e.store.DueDeliveries(ctx, time.Now(), sweepBatch)
	if err != nil {
		logrus.Warnf("Failed to list due deliveries: %v", err)
		return
	}

	for i := range due {
		delivery := &due[i]

		subscription, err := e.store.GetSubscription(ctx, delivery.SubscriptionID)
		if err != nil {
			logrus.Warnf("Failed to load subscription %s: %v", delivery.SubscriptionID, err)
			continue
		}
		if subscription.Status != models.WebhookStatusActive {
			continue
		}

		e.attempt(ctx, subscription, delivery)
	}
}
