package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/harsha-chodavarapu/student-app/internal/domain"
	"github.com/harsha-chodavarapu/student-app/internal/storage"
)

const (
	headerUserID    = "X-User-ID"
	headerRequestID = "X-Request-ID"

	ctxUserID    = "userID"
	ctxRequestID = "requestID"

	testUserEmail = "test@example.com"
)

var allowedOrigins = []string{
	"http://localhost:5173",
	"http://localhost:8080",
}

func CORS() gin.HandlerFunc {
	config := cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", headerUserID},
		ExposeHeaders:    []string{headerRequestID},
		AllowCredentials: true,
	}
	return cors.New(config)
}

// RequestLogger tags each request with an id and logs it once it completes,
// at a level chosen by the response status.
func RequestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ctxRequestID, requestID)
		c.Header(headerRequestID, requestID)

		c.Next()

		status := c.Writer.Status()
		entry := log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"http_method": c.Request.Method,
			"route":       c.FullPath(),
			"status_code": status,
			"latency_ms":  time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("error", c.Errors.String())
		}

		switch {
		case status >= 500:
			entry.Error("request completed with server error")
		case status >= 400:
			entry.Warn("request completed with client error")
		default:
			entry.Info("request completed")
		}
	}
}

func MaxBodySize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 {
			// multipart framing adds a little on top of the file itself
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+64*1024)
		}
		c.Next()
	}
}

// Identity resolves the acting user from the X-User-ID header. Outside
// production it can fall back to a provisioned test user.
func Identity(store *storage.Store, allowTestUser bool, testCoins int) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(headerUserID))
		if userID == "" {
			if !allowTestUser {
				respondMessage(c, http.StatusUnauthorized, "missing user identity")
				c.Abort()
				return
			}
			user, err := store.EnsureUser(c.Request.Context(), domain.User{
				Email: testUserEmail,
				Name:  "Test User",
				Coins: testCoins,
			})
			if err != nil {
				respondError(c, err)
				c.Abort()
				return
			}
			userID = user.ID
		}

		c.Set(ctxUserID, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
