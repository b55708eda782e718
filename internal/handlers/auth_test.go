// internal/handlers/auth_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/middleware"
	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

// newHandlerStore opens a throwaway sqlite ledger for HTTP-level tests.
func newHandlerStore(t *testing.T) *ledger.Store {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "handlers.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Merchant{},
		&models.PaymentAddress{},
		&models.Transaction{},
		&models.WebhookSubscription{},
		&models.WebhookDelivery{},
		&models.IdempotencyKey{},
	))
	return ledger.NewStore(db, ledger.NewCircuitBreaker(5, 30*time.Second))
}

// tokenPayload is the data half of a successful token exchange response.
type tokenPayload struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Role        string `json:"role"`
}

type AuthHandlerSuite struct {
	suite.Suite
	store  *ledger.Store
	router *gin.Engine
	config *config.Config
	seq    int
}

func (s *AuthHandlerSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	utils.SetJWTSecret("handler-test-secret")

	s.store = newHandlerStore(s.T())
	s.config = &config.Config{}
	s.config.Server.AdminAPIKey = "ops_key_for_tests"
	s.config.JWT.AccessTokenTTL = 24

	s.router = gin.New()
	s.router.POST("/v1/auth/token", NewAuthHandler(s.store, s.config).IssueToken)
}

func (s *AuthHandlerSuite) seedMerchant(status models.MerchantStatus) (*models.Merchant, string) {
	s.seq++
	apiKey := fmt.Sprintf("cp_handler_key_%d", s.seq)
	merchant := &models.Merchant{
		BusinessName: "Token Shop",
		Email:        fmt.Sprintf("tokens-%d@test.local", s.seq),
		Status:       status,
	}
	merchant.SetAPIKey(apiKey)
	s.Require().NoError(s.store.CreateMerchant(context.Background(), merchant))
	return merchant, apiKey
}

func (s *AuthHandlerSuite) exchange(apiKey string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]string{"api_key": apiKey})
	req, _ := http.NewRequest(http.MethodPost, "/v1/auth/token", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *AuthHandlerSuite) parseToken(w *httptest.ResponseRecorder) tokenPayload {
	var response struct {
		Success bool         `json:"success"`
		Data    tokenPayload `json:"data"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &response))
	s.Require().True(response.Success)
	return response.Data
}

func (s *AuthHandlerSuite) TestMerchantKeyYieldsMerchantToken() {
	merchant, apiKey := s.seedMerchant(models.MerchantStatusActive)

	w := s.exchange(apiKey)
	s.Require().Equal(http.StatusOK, w.Code)

	payload := s.parseToken(w)
	s.Equal("Bearer", payload.TokenType)
	s.Equal(24*3600, payload.ExpiresIn)
	s.Equal(middleware.RoleMerchant, payload.Role)

	claims, err := utils.ValidateJWT(payload.AccessToken)
	s.Require().NoError(err)
	s.Equal(merchant.ID.String(), claims.MerchantID)
	s.Equal(middleware.RoleMerchant, claims.Role)
}

func (s *AuthHandlerSuite) TestOperationsKeyYieldsAdminToken() {
	w := s.exchange("ops_key_for_tests")
	s.Require().Equal(http.StatusOK, w.Code)

	payload := s.parseToken(w)
	s.Equal(middleware.RoleAdmin, payload.Role)

	claims, err := utils.ValidateJWT(payload.AccessToken)
	s.Require().NoError(err)
	s.Equal(middleware.RoleAdmin, claims.Role)
}

func (s *AuthHandlerSuite) TestUnknownKeyRejected() {
	w := s.exchange("cp_never_issued")
	s.Equal(http.StatusUnauthorized, w.Code)
	s.Contains(w.Body.String(), "UNAUTHORIZED")
}

func (s *AuthHandlerSuite) TestSuspendedMerchantCannotExchange() {
	_, apiKey := s.seedMerchant(models.MerchantStatusSuspended)

	w := s.exchange(apiKey)
	s.Equal(http.StatusForbidden, w.Code)
	s.Contains(w.Body.String(), "suspended")
}

func (s *AuthHandlerSuite) TestOperationsExchangeDisabledWithoutConfiguredKey() {
	s.config.Server.AdminAPIKey = ""

	// With no operations key configured the same credential falls through to
	// the merchant lookup and dies there.
	w := s.exchange("ops_key_for_tests")
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *AuthHandlerSuite) TestMissingKeyFailsValidation() {
	req, _ := http.NewRequest(http.MethodPost, "/v1/auth/token", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	s.Equal(http.StatusBadRequest, w.Code)
	s.Contains(w.Body.String(), "VALIDATION_ERROR")
}

func TestAuthHandlerSuite(t *testing.T) {
	suite.Run(t, new(AuthHandlerSuite))
}
