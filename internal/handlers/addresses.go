// internal/handlers/addresses.go
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay-backend/internal/middleware"
	"github.com/chainpay/chainpay-backend/internal/services"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

type AddressHandler struct {
	addresses *services.AddressService
}

func NewAddressHandler(addresses *services.AddressService) *AddressHandler {
	return &AddressHandler{
		addresses: addresses,
	}
}

type generateAddressRequest struct {
	ExpectedAmount string                 `json:"expected_amount" validate:"required,amount"`
	Currency       string                 `json:"currency" validate:"omitempty,oneof=USDT"`
	ExpiresIn      int                    `json:"expires_in" validate:"omitempty,min=60,max=604800"`
	CallbackURL    string                 `json:"callback_url" validate:"omitempty,url"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// POST /v1/addresses
func (h *AddressHandler) Generate(c *gin.Context) {
	merchant := middleware.CurrentMerchant(c)
	if merchant == nil {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req generateAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	// Validate request
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	amount, err := decimal.NewFromString(req.ExpectedAmount)
	if err != nil {
		utils.BadRequestResponse(c, "Invalid expected amount", nil)
		return
	}

	address, err := h.addresses.Generate(c.Request.Context(), merchant, services.GenerateAddressInput{
		ExpectedAmount: amount,
		Currency:       req.Currency,
		ExpiresIn:      req.ExpiresIn,
		CallbackURL:    req.CallbackURL,
		Metadata:       req.Metadata,
	})
	if err != nil {
		respondAddressPolicyError(c, err)
		return
	}

	utils.CreatedResponse(c, address)
}

// respondAddressPolicyError maps service policy violations onto typed 4xx
// responses.
func respondAddressPolicyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrMerchantSuspended):
		utils.ForbiddenResponse(c, err.Error())
	case errors.Is(err, services.ErrInvalidAmount):
		utils.BadRequestResponse(c, err.Error(), nil)
	case errors.Is(err, services.ErrAmountBelowMinimum):
		utils.UnprocessableResponse(c, "AMOUNT_BELOW_MINIMUM", err.Error())
	case errors.Is(err, services.ErrAmountAboveMaximum):
		utils.UnprocessableResponse(c, "AMOUNT_ABOVE_MAXIMUM", err.Error())
	case errors.Is(err, services.ErrDailyLimitExceeded):
		utils.UnprocessableResponse(c, "DAILY_LIMIT_EXCEEDED", err.Error())
	case errors.Is(err, services.ErrMonthlyLimitExceeded):
		utils.UnprocessableResponse(c, "MONTHLY_LIMIT_EXCEEDED", err.Error())
	default:
		utils.InternalErrorResponse(c, "Failed to generate payment address")
	}
}

// GET /v1/addresses
func (h *AddressHandler) List(c *gin.Context) {
	merchantID, exists := utils.GetMerchantIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}

	params := utils.GetPaginationParams(c)

	addresses, total, err := h.addresses.List(c.Request.Context(), merchantID, params)
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to list payment addresses")
		return
	}

	result := utils.CreatePaginationResult(addresses, total, params)
	utils.PaginatedResponse(c, result)
}

// GET /v1/addresses/:id
func (h *AddressHandler) Get(c *gin.Context) {
	merchantID, exists := utils.GetMerchantIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid address ID", nil)
		return
	}

	address, err := h.addresses.Get(c.Request.Context(), merchantID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFoundResponse(c, "Payment address")
			return
		}
		utils.InternalErrorResponse(c, "Failed to load payment address")
		return
	}

	utils.SuccessResponse(c, address)
}

// DELETE /v1/addresses/:id
func (h *AddressHandler) Deactivate(c *gin.Context) {
	merchantID, exists := utils.GetMerchantIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid address ID", nil)
		return
	}

	if err := h.addresses.Deactivate(c.Request.Context(), merchantID, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFoundResponse(c, "Payment address")
			return
		}
		utils.InternalErrorResponse(c, "Failed to deactivate payment address")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": "Monitoring stopped for this address",
	})
}
