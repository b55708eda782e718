// internal/handlers/merchant.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/middleware"
	"github.com/chainpay/chainpay-backend/internal/stream"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

type MerchantHandler struct {
	store *ledger.Store
	hub   *stream.Hub
}

func NewMerchantHandler(store *ledger.Store, hub *stream.Hub) *MerchantHandler {
	return &MerchantHandler{
		store: store,
		hub:   hub,
	}
}

// GET /v1/merchant
func (h *MerchantHandler) Profile(c *gin.Context) {
	merchant := middleware.CurrentMerchant(c)
	if merchant == nil {
		utils.UnauthorizedResponse(c, "")
		return
	}

	utils.SuccessResponse(c, merchant)
}

type settlementConfigRequest struct {
	SettlementAddress string `json:"settlement_address" validate:"required,chain_address"`
	AutoSettlement    bool   `json:"auto_settlement"`
}

// PUT /v1/merchant/settlement
func (h *MerchantHandler) UpdateSettlement(c *gin.Context) {
	merchant := middleware.CurrentMerchant(c)
	if merchant == nil {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req settlementConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	// Validate request
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	if err := h.store.UpdateMerchantSettlement(c.Request.Context(), merchant.ID, req.SettlementAddress, req.AutoSettlement); err != nil {
		utils.InternalErrorResponse(c, "Failed to update settlement configuration")
		return
	}

	updated, err := h.store.GetMerchant(c.Request.Context(), merchant.ID)
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to load merchant")
		return
	}

	utils.SuccessResponse(c, updated)
}

// GET /v1/merchant/events/stream
func (h *MerchantHandler) EventStream(c *gin.Context) {
	merchantID, exists := utils.GetMerchantIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}

	h.hub.ServeClient(c.Writer, c.Request, merchantID)
}
