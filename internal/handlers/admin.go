// internal/handlers/admin.go
package handlers

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/dispatch"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/services"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

type AdminHandler struct {
	store   *ledger.Store
	reports *services.ReportService
	gateway *dispatch.Gateway
	config  *config.Config
}

func NewAdminHandler(store *ledger.Store, reports *services.ReportService, gateway *dispatch.Gateway, cfg *config.Config) *AdminHandler {
	return &AdminHandler{
		store:   store,
		reports: reports,
		gateway: gateway,
		config:  cfg,
	}
}

// GET /v1/admin/merchants
func (h *AdminHandler) ListMerchants(c *gin.Context) {
	params := utils.GetPaginationParams(c)

	merchants, total, err := h.store.ListMerchants(c.Request.Context(), params)
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to list merchants")
		return
	}

	result := utils.CreatePaginationResult(merchants, total, params)
	utils.PaginatedResponse(c, result)
}

type createMerchantRequest struct {
	BusinessName      string `json:"business_name" validate:"required,min=2,max=255"`
	Email             string `json:"email" validate:"required,email"`
	FeePercent        string `json:"fee_percent" validate:"omitempty,amount"`
	FeeFixed          string `json:"fee_fixed" validate:"omitempty,amount"`
	MinPaymentAmount  string `json:"min_payment_amount" validate:"omitempty,amount"`
	MaxPaymentAmount  string `json:"max_payment_amount" validate:"omitempty,amount"`
	DailyLimit        string `json:"daily_limit" validate:"omitempty,amount"`
	MonthlyLimit      string `json:"monthly_limit" validate:"omitempty,amount"`
	SettlementAddress string `json:"settlement_address" validate:"omitempty,chain_address"`
	AutoSettlement    bool   `json:"auto_settlement"`
}

// POST /v1/admin/merchants
func (h *AdminHandler) CreateMerchant(c *gin.Context) {
	var req createMerchantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	// Validate request
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	merchant := &models.Merchant{
		BusinessName:      req.BusinessName,
		Email:             req.Email,
		Status:            models.MerchantStatusActive,
		SettlementAddress: req.SettlementAddress,
		AutoSettlement:    req.AutoSettlement,
	}
	if err := applyDecimalField(&merchant.FeePercent, req.FeePercent); err != nil {
		utils.BadRequestResponse(c, "Invalid fee_percent", nil)
		return
	}
	if err := applyDecimalField(&merchant.FeeFixed, req.FeeFixed); err != nil {
		utils.BadRequestResponse(c, "Invalid fee_fixed", nil)
		return
	}
	if err := applyDecimalField(&merchant.MinPaymentAmount, req.MinPaymentAmount); err != nil {
		utils.BadRequestResponse(c, "Invalid min_payment_amount", nil)
		return
	}
	if err := applyDecimalField(&merchant.MaxPaymentAmount, req.MaxPaymentAmount); err != nil {
		utils.BadRequestResponse(c, "Invalid max_payment_amount", nil)
		return
	}
	if err := applyDecimalField(&merchant.DailyLimit, req.DailyLimit); err != nil {
		utils.BadRequestResponse(c, "Invalid daily_limit", nil)
		return
	}
	if err := applyDecimalField(&merchant.MonthlyLimit, req.MonthlyLimit); err != nil {
		utils.BadRequestResponse(c, "Invalid monthly_limit", nil)
		return
	}

	apiKey, err := utils.GenerateAPIKey()
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to generate API key")
		return
	}
	merchant.SetAPIKey(apiKey)

	if err := h.store.CreateMerchant(c.Request.Context(), merchant); err != nil {
		if errors.Is(err, ledger.ErrDuplicateMerchant) {
			utils.ConflictResponse(c, "A merchant with this email already exists")
			return
		}
		utils.InternalErrorResponse(c, "Failed to create merchant")
		return
	}

	// The plain API key is only ever shown here.
	utils.CreatedResponse(c, gin.H{
		"merchant": merchant,
		"api_key":  apiKey,
	})
}

func applyDecimalField(target *decimal.Decimal, value string) error {
	if value == "" {
		return nil
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return err
	}
	*target = parsed
	return nil
}

type merchantStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active suspended"`
}

// PUT /v1/admin/merchants/:id/status
func (h *AdminHandler) UpdateMerchantStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid merchant ID", nil)
		return
	}

	var req merchantStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	// Validate request
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	updated, err := h.store.SetMerchantStatus(c.Request.Context(), id, models.MerchantStatus(req.Status))
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to update merchant status")
		return
	}
	if !updated {
		utils.NotFoundResponse(c, "Merchant")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"merchant_id": id,
		"status":      req.Status,
	})
}

// POST /v1/admin/addresses/:id/blacklist
func (h *AdminHandler) BlacklistAddress(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid address ID", nil)
		return
	}

	blacklisted, err := h.store.BlacklistAddress(c.Request.Context(), id)
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to blacklist address")
		return
	}
	if !blacklisted {
		utils.NotFoundResponse(c, "Payment address")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"address_id":  id,
		"blacklisted": true,
	})
}

// GET /v1/admin/reports/settlement?date=2026-08-21
//
// Generates the settlement report for the given UTC day; yesterday when the
// date parameter is absent.
func (h *AdminHandler) SettlementReport(c *gin.Context) {
	day := time.Now().UTC().Add(-24 * time.Hour)
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			utils.BadRequestResponse(c, "Invalid date, expected YYYY-MM-DD", nil)
			return
		}
		day = parsed
	}

	report, err := h.reports.Generate(c.Request.Context(), day)
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to generate settlement report")
		return
	}

	utils.SuccessResponse(c, report)
}

// GET /v1/admin/health/dispatch
func (h *AdminHandler) DispatchHealth(c *gin.Context) {
	breaker := h.store.Breaker()

	utils.SuccessResponse(c, gin.H{
		"mode":             h.gateway.Mode(),
		"buffer_depth":     h.gateway.BufferDepth(),
		"dropped_events":   h.gateway.Dropped(),
		"breaker_state":    breaker.State(),
		"breaker_failures": breaker.Failures(),
	})
}
