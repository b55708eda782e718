// internal/handlers/webhooks.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay-backend/internal/services"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

type WebhookHandler struct {
	webhooks *services.WebhookService
}

func NewWebhookHandler(webhooks *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		webhooks: webhooks,
	}
}

type createWebhookRequest struct {
	URL    string   `json:"url" validate:"required,url"`
	Events []string `json:"events"`
}

// POST /v1/webhooks
func (h *WebhookHandler) Create(c *gin.Context) {
	merchantID, exists := utils.GetMerchantIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	// Validate request
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	subscription, secret, err := h.webhooks.Create(c.Request.Context(), merchantID, services.CreateSubscriptionInput{
		URL:    req.URL,
		Events: req.Events,
	})
	if err != nil {
		if errors.Is(err, services.ErrUnknownEventType) {
			utils.UnprocessableResponse(c, "UNKNOWN_EVENT_TYPE", err.Error())
			return
		}
		utils.InternalErrorResponse(c, "Failed to create webhook subscription")
		return
	}

	// The signing secret is only ever shown here.
	utils.CreatedResponse(c, gin.H{
		"subscription": subscription,
		"secret":       secret,
	})
}

// GET /v1/webhooks
func (h *WebhookHandler) List(c *gin.Context) {
	merchantID, exists := utils.GetMerchantIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}

	params := utils.GetPaginationParams(c)

	subscriptions, total, err := h.webhooks.List(c.Request.Context(), merchantID, params)
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to list webhook subscriptions")
		return
	}

	result := utils.CreatePaginationResult(subscriptions, total, params)
	utils.PaginatedResponse(c, result)
}

// GET /v1/webhooks/:id
func (h *WebhookHandler) Get(c *gin.Context) {
	merchantID, id, ok := h.subscriptionScope(c)
	if !ok {
		return
	}

	subscription, err := h.webhooks.Get(c.Request.Context(), merchantID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFoundResponse(c, "Webhook subscription")
			return
		}
		utils.InternalErrorResponse(c, "Failed to load webhook subscription")
		return
	}

	utils.SuccessResponse(c, subscription)
}

type updateWebhookRequest struct {
	URL    string   `json:"url" validate:"omitempty,url"`
	Events []string `json:"events"`
}

// PUT /v1/webhooks/:id
func (h *WebhookHandler) Update(c *gin.Context) {
	merchantID, id, ok := h.subscriptionScope(c)
	if !ok {
		return
	}

	var req updateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	// Validate request
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	subscription, err := h.webhooks.Update(c.Request.Context(), merchantID, id, services.UpdateSubscriptionInput{
		URL:    req.URL,
		Events: req.Events,
	})
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			utils.NotFoundResponse(c, "Webhook subscription")
		case errors.Is(err, services.ErrUnknownEventType):
			utils.UnprocessableResponse(c, "UNKNOWN_EVENT_TYPE", err.Error())
		default:
			utils.InternalErrorResponse(c, "Failed to update webhook subscription")
		}
		return
	}

	utils.SuccessResponse(c, subscription)
}

// DELETE /v1/webhooks/:id
func (h *WebhookHandler) Delete(c *gin.Context) {
	merchantID, id, ok := h.subscriptionScope(c)
	if !ok {
		return
	}

	if err := h.webhooks.Delete(c.Request.Context(), merchantID, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFoundResponse(c, "Webhook subscription")
			return
		}
		utils.InternalErrorResponse(c, "Failed to delete webhook subscription")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": "Webhook subscription deleted",
	})
}

// POST /v1/webhooks/:id/activate
func (h *WebhookHandler) Activate(c *gin.Context) {
	merchantID, id, ok := h.subscriptionScope(c)
	if !ok {
		return
	}

	subscription, err := h.webhooks.Activate(c.Request.Context(), merchantID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFoundResponse(c, "Webhook subscription")
			return
		}
		utils.InternalErrorResponse(c, "Failed to reactivate webhook subscription")
		return
	}

	utils.SuccessResponse(c, subscription)
}

// POST /v1/webhooks/:id/test
func (h *WebhookHandler) Test(c *gin.Context) {
	merchantID, id, ok := h.subscriptionScope(c)
	if !ok {
		return
	}

	status, err := h.webhooks.Test(c.Request.Context(), merchantID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFoundResponse(c, "Webhook subscription")
			return
		}
		// A failing endpoint is the probe's finding, not our failure.
		result := gin.H{
			"delivered": false,
			"error":     err.Error(),
		}
		if status != 0 {
			result["response_status"] = status
		}
		utils.SuccessResponse(c, result)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"delivered":       status >= http.StatusOK && status < http.StatusMultipleChoices,
		"response_status": status,
	})
}

// GET /v1/webhooks/:id/deliveries
func (h *WebhookHandler) Deliveries(c *gin.Context) {
	merchantID, id, ok := h.subscriptionScope(c)
	if !ok {
		return
	}

	params := utils.GetPaginationParams(c)

	deliveries, total, err := h.webhooks.Deliveries(c.Request.Context(), merchantID, id, params)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFoundResponse(c, "Webhook subscription")
			return
		}
		utils.InternalErrorResponse(c, "Failed to list webhook deliveries")
		return
	}

	result := utils.CreatePaginationResult(deliveries, total, params)
	utils.PaginatedResponse(c, result)
}

// subscriptionScope pulls the merchant from context and the subscription ID
// from the path, writing the error response itself when either is missing.
func (h *WebhookHandler) subscriptionScope(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	merchantID, exists := utils.GetMerchantIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return uuid.Nil, uuid.Nil, false
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid subscription ID", nil)
		return uuid.Nil, uuid.Nil, false
	}

	return merchantID, id, true
}
