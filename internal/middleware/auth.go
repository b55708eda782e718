// internal/middleware/auth.go
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

// Context keys set by the auth middlewares.
const (
	ContextMerchant   = "merchant"
	ContextMerchantID = "merchant_id"
	ContextRole       = "role"
)

// Roles carried in JWT claims.
const (
	RoleMerchant = "merchant"
	RoleAdmin    = "admin"
)

// MerchantAuth authenticates a merchant request either by API key
// (server-to-server) or by bearer JWT (dashboard). The merchant row is loaded
// fresh on every request so a suspension takes effect immediately.
func MerchantAuth(store *ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-Key"); key != "" {
			merchant, err := store.GetMerchantByAPIKeyHash(c.Request.Context(), models.HashAPIKey(key))
			if err != nil {
				unauthorized(c, "invalid API key")
				return
			}
			admit(c, merchant)
			return
		}

		claims, ok := bearerClaims(c)
		if !ok {
			unauthorized(c, "missing credentials")
			return
		}
		if claims.Role != RoleMerchant {
			unauthorized(c, "invalid token")
			return
		}

		merchantID, err := uuid.Parse(claims.MerchantID)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}
		merchant, err := store.GetMerchant(c.Request.Context(), merchantID)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}
		admit(c, merchant)
	}
}

// AdminAuth gates the admin surface behind a JWT carrying the admin role.
func AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c)
		if !ok {
			unauthorized(c, "missing credentials")
			return
		}
		if claims.Role != RoleAdmin {
			utils.ErrorResponse(c, http.StatusForbidden, "FORBIDDEN", "admin access required", nil)
			c.Abort()
			return
		}
		c.Set(ContextRole, RoleAdmin)
		c.Next()
	}
}

func admit(c *gin.Context, merchant *models.Merchant) {
	if merchant.Status != models.MerchantStatusActive {
		utils.ErrorResponse(c, http.StatusForbidden, "ACCOUNT_SUSPENDED", "merchant account is suspended", nil)
		c.Abort()
		return
	}
	c.Set(ContextMerchant, merchant)
	c.Set(ContextMerchantID, merchant.ID)
	c.Set(ContextRole, RoleMerchant)
	c.Next()
}

func unauthorized(c *gin.Context, message string) {
	utils.ErrorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
	c.Abort()
}

func bearerClaims(c *gin.Context) (*utils.JWTClaims, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return nil, false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, false
	}
	claims, err := utils.ValidateJWT(parts[1])
	if err != nil {
		return nil, false
	}
	return claims, true
}

// CurrentMerchant returns the merchant MerchantAuth admitted, or nil on
// routes without it.
func CurrentMerchant(c *gin.Context) *models.Merchant {
	value, exists := c.Get(ContextMerchant)
	if !exists {
		return nil
	}
	merchant, _ := value.(*models.Merchant)
	return merchant
}
