// internal/middleware/idempotency.go
package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

const idempotencyHeader = "Idempotency-Key"

type responseRecorder struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency makes a mutating route safe to retry. The client key is locked
// in the ledger before the handler runs; once the handler finishes, the
// captured response is stored against the key and replayed byte-for-byte on
// any later request carrying it. A request whose twin is still in flight gets
// a 409 instead of a second execution.
func Idempotency(store *ledger.Store, cfg config.IdempotencyConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetHeader(idempotencyHeader)
		if clientKey == "" {
			// No client key. The request still flows through the guard,
			// under a key nothing else can ever collide with, so it is
			// never deduplicated.
			clientKey = uuid.New().String()
		}

		var merchantID *uuid.UUID
		scope := "anon"
		if value, exists := c.Get(ContextMerchantID); exists {
			if id, ok := value.(uuid.UUID); ok {
				merchantID = &id
				scope = id.String()
			}
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			utils.BadRequestResponse(c, "failed to read request body", nil)
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(body))

		now := time.Now().UTC()
		row := &models.IdempotencyKey{
			Key:         fmt.Sprintf("%s:%s:%s:%s", scope, c.Request.Method, c.FullPath(), clientKey),
			MerchantID:  merchantID,
			Method:      c.Request.Method,
			Path:        c.FullPath(),
			RequestHash: utils.HashBytes(body),
			ExpiresAt:   now.Add(time.Duration(cfg.KeyTTL) * time.Second),
		}

		created, existing, err := store.BeginIdempotencyKey(c.Request.Context(), row, now)
		if err != nil {
			utils.ServiceUnavailableResponse(c, "failed to register idempotency key")
			c.Abort()
			return
		}

		if !created {
			if existing.RequestHash != row.RequestHash {
				utils.UnprocessableResponse(c, "IDEMPOTENCY_KEY_REUSED",
					"This idempotency key was already used with a different request body")
				c.Abort()
				return
			}
			if !existing.Completed() {
				utils.ConflictResponse(c, "A request with this idempotency key is still being processed")
				c.Abort()
				return
			}
			replayResponse(c, existing)
			return
		}

		recorder := &responseRecorder{body: &bytes.Buffer{}, ResponseWriter: c.Writer}
		c.Writer = recorder

		completed := false
		defer func() {
			if completed {
				return
			}
			// The handler never finished; release the lock so the client's
			// retry is not stuck behind a dead request.
			if err := store.DeleteIdempotencyKey(c.Request.Context(), row.ID); err != nil {
				logrus.WithError(err).Error("Failed to release idempotency key")
			}
		}()

		c.Next()

		if err := store.CompleteIdempotencyKey(
			c.Request.Context(),
			row.ID,
			recorder.Status(),
			recorder.body.Bytes(),
			recorder.Header().Get("Content-Type"),
			time.Now().UTC(),
		); err != nil {
			logrus.WithError(err).Error("Failed to persist idempotent response")
			return
		}
		completed = true
	}
}

func replayResponse(c *gin.Context, key *models.IdempotencyKey) {
	contentType := key.ContentType
	if contentType == "" {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(key.ResponseStatus, contentType, key.ResponseBody)
	c.Abort()
}
