// internal/middleware/logging.go
package middleware

import (
	"bytes"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// maxLoggedBody caps how much of an error response lands in the log.
const maxLoggedBody = 2048

type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// RequestLog emits one structured entry per request. Error responses carry a
// truncated copy of the body so a failed payment call can be diagnosed from
// the log alone.
func RequestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.IsWebsocket() {
			c.Next()
			return
		}

		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
		c.Writer = blw

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		fields := logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}
		if merchantID, exists := c.Get(ContextMerchantID); exists {
			fields["merchant_id"] = merchantID
		}

		if c.Writer.Status() >= 400 {
			body := blw.body.Bytes()
			if len(body) > maxLoggedBody {
				body = body[:maxLoggedBody]
			}
			fields["response"] = string(body)
			logrus.WithFields(fields).Warn("Request failed")
			return
		}

		logrus.WithFields(fields).Info("Request processed")
	}
}
