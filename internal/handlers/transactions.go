// internal/handlers/transactions.go
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay-backend/internal/services"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

type TransactionHandler struct {
	transactions *services.TransactionService
}

func NewTransactionHandler(transactions *services.TransactionService) *TransactionHandler {
	return &TransactionHandler{
		transactions: transactions,
	}
}

// GET /v1/transactions
func (h *TransactionHandler) List(c *gin.Context) {
	merchantID, exists := utils.GetMerchantIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}

	params := utils.GetPaginationParams(c)

	transactions, total, err := h.transactions.List(c.Request.Context(), merchantID, params)
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to list transactions")
		return
	}

	result := utils.CreatePaginationResult(transactions, total, params)
	utils.PaginatedResponse(c, result)
}

// GET /v1/transactions/:id
func (h *TransactionHandler) Get(c *gin.Context) {
	merchantID, exists := utils.GetMerchantIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid transaction ID", nil)
		return
	}

	transaction, err := h.transactions.Get(c.Request.Context(), merchantID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFoundResponse(c, "Transaction")
			return
		}
		utils.InternalErrorResponse(c, "Failed to load transaction")
		return
	}

	utils.SuccessResponse(c, transaction)
}
