// internal/services/webhook_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/events"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/utils"
	"github.com/chainpay/chainpay-backend/internal/webhook"
)

var ErrUnknownEventType = errors.New("unknown event type")

// subscribableEvents is the closed set merchants may subscribe to.
var subscribableEvents = map[string]struct{}{
	events.TypePaymentReceived:     {},
	events.TypePaymentConfirmed:    {},
	events.TypePaymentFailed:       {},
	events.TypeTransactionSettled:  {},
	events.TypeAddressExpired:      {},
	events.TypeSettlementCompleted: {},
}

// WebhookService manages merchant webhook subscriptions. Delivery itself is
// the engine's job.
type WebhookService struct {
	store  *ledger.Store
	engine *webhook.Engine
	config *config.Config
}

func NewWebhookService(store *ledger.Store, engine *webhook.Engine, cfg *config.Config) *WebhookService {
	return &WebhookService{
		store:  store,
		engine: engine,
		config: cfg,
	}
}

type CreateSubscriptionInput struct {
	URL    string
	Events []string
}

// Create registers a subscription and mints its signing secret. The secret is
// returned exactly once, on the created model; reads never include it.
func (s *WebhookService) Create(ctx context.Context, merchantID uuid.UUID, input CreateSubscriptionInput) (*models.WebhookSubscription, string, error) {
	if err := validateEventTypes(input.Events); err != nil {
		return nil, "", err
	}

	secret, err := utils.GenerateWebhookSecret()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}

	subscription := &models.WebhookSubscription{
		MerchantID:    merchantID,
		URL:           input.URL,
		Events:        models.StringList(input.Events),
		Secret:        secret,
		Status:        models.WebhookStatusActive,
		MaxRetries:    s.config.Webhook.MaxRetries,
		RetryInterval: s.config.Webhook.RetryInterval,
	}
	if err := s.store.CreateSubscription(ctx, subscription); err != nil {
		return nil, "", fmt.Errorf("failed to create subscription: %w", err)
	}
	return subscription, secret, nil
}

func (s *WebhookService) Get(ctx context.Context, merchantID, id uuid.UUID) (*models.WebhookSubscription, error) {
	return s.store.GetMerchantSubscription(ctx, merchantID, id)
}

func (s *WebhookService) List(ctx context.Context, merchantID uuid.UUID, params utils.PaginationParams) ([]models.WebhookSubscription, int64, error) {
	return s.store.ListSubscriptions(ctx, merchantID, params)
}

type UpdateSubscriptionInput struct {
	URL    string
	Events []string
}

func (s *WebhookService) Update(ctx context.Context, merchantID, id uuid.UUID, input UpdateSubscriptionInput) (*models.WebhookSubscription, error) {
	subscription, err := s.store.GetMerchantSubscription(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}

	if input.URL != "" {
		subscription.URL = input.URL
	}
	if input.Events != nil {
		if err := validateEventTypes(input.Events); err != nil {
			return nil, err
		}
		subscription.Events = models.StringList(input.Events)
	}

	if err := s.store.SaveSubscription(ctx, subscription); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	return subscription, nil
}

func (s *WebhookService) Delete(ctx context.Context, merchantID, id uuid.UUID) error {
	deleted, err := s.store.DeleteSubscription(ctx, merchantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if !deleted {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Activate is the manual way out of quarantine: the failure counter resets
// and the pending backlog is re-armed for the next sweep.
func (s *WebhookService) Activate(ctx context.Context, merchantID, id uuid.UUID) (*models.WebhookSubscription, error) {
	reactivated, err := s.store.ReactivateSubscription(ctx, merchantID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reactivate subscription: %w", err)
	}
	if !reactivated {
		return nil, gorm.ErrRecordNotFound
	}

	if err := s.store.ResetSubscriptionBacklog(ctx, id, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to re-arm delivery backlog: %w", err)
	}
	return s.store.GetMerchantSubscription(ctx, merchantID, id)
}

// Test sends a signed synthetic event to the endpoint and reports the HTTP
// status it answered with. Counters and delivery rows are untouched.
func (s *WebhookService) Test(ctx context.Context, merchantID, id uuid.UUID) (int, error) {
	subscription, err := s.store.GetMerchantSubscription(ctx, merchantID, id)
	if err != nil {
		return 0, err
	}
	return s.engine.SendTest(ctx, subscription)
}

func (s *WebhookService) Deliveries(ctx context.Context, merchantID, id uuid.UUID, params utils.PaginationParams) ([]models.WebhookDelivery, int64, error) {
	if _, err := s.store.GetMerchantSubscription(ctx, merchantID, id); err != nil {
		return nil, 0, err
	}
	return s.store.ListDeliveries(ctx, id, params)
}

func validateEventTypes(eventTypes []string) error {
	for _, eventType := range eventTypes {
		if _, known := subscribableEvents[eventType]; !known {
			return fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
		}
	}
	return nil
}
