// internal/handlers/auth.go
package handlers

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/middleware"
	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

type AuthHandler struct {
	store  *ledger.Store
	config *config.Config
}

func NewAuthHandler(store *ledger.Store, cfg *config.Config) *AuthHandler {
	return &AuthHandler{
		store:  store,
		config: cfg,
	}
}

type tokenRequest struct {
	APIKey string `json:"api_key" validate:"required"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Role        string `json:"role"`
}

// POST /v1/auth/token
//
// Exchanges an API key for a short-lived bearer JWT. The operations key
// configured on the server yields an admin token; every other key is looked
// up as a merchant key.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	// Validate request
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	if h.isAdminKey(req.APIKey) {
		token, err := utils.GenerateJWT(uuid.Nil, "operations", middleware.RoleAdmin, h.config.JWT.AccessTokenTTL)
		if err != nil {
			utils.InternalErrorResponse(c, "Failed to issue token")
			return
		}
		utils.SuccessResponse(c, tokenResponse{
			AccessToken: token,
			TokenType:   "Bearer",
			ExpiresIn:   h.config.JWT.AccessTokenTTL * 3600, // Convert hours to seconds
			Role:        middleware.RoleAdmin,
		})
		return
	}

	merchant, err := h.store.GetMerchantByAPIKeyHash(c.Request.Context(), models.HashAPIKey(req.APIKey))
	if err != nil {
		utils.UnauthorizedResponse(c, "Invalid API key")
		return
	}
	if merchant.Status != models.MerchantStatusActive {
		utils.ForbiddenResponse(c, "Merchant account is suspended")
		return
	}

	token, err := utils.GenerateJWT(merchant.ID, merchant.BusinessName, middleware.RoleMerchant, h.config.JWT.AccessTokenTTL)
	if err != nil {
		utils.InternalErrorResponse(c, "Failed to issue token")
		return
	}

	utils.SuccessResponse(c, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   h.config.JWT.AccessTokenTTL * 3600, // Convert hours to seconds
		Role:        middleware.RoleMerchant,
	})
}

// isAdminKey compares in constant time; an empty configured key disables the
// admin exchange entirely.
func (h *AuthHandler) isAdminKey(candidate string) bool {
	adminKey := h.config.Server.AdminAPIKey
	if adminKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(adminKey)) == 1
}
