// Package middleware carries the HTTP cross-cutting concerns: request
// ids, CORS, and the three authentication schemes (project API keys,
// the admin token, driver callback tokens).
package middleware

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/meetloop/meetloop/internal/apikey"
	"github.com/meetloop/meetloop/internal/config"
	"github.com/meetloop/meetloop/internal/driver"
	apierrors "github.com/meetloop/meetloop/internal/errors"
)

// Context keys set by the auth middlewares
const (
	ContextKeyRequestID   = "request_id"
	ContextKeyProjectID   = "project_id"
	ContextKeyDriverBotID = "driver_bot_id"
)

// APIKeyHeader carries the project API key
const APIKeyHeader = "X-API-Key"

// RequestID adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// CORS configures CORS headers
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowed := false
		for _, o := range allowedOrigins {
			if o == origin || o == "*" {
				allowed = true
				break
			}
		}

		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-API-Key")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID")
			c.Header("Access-Control-Max-Age", "43200")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// APIKeyAuth validates the project API key and scopes the request to the
// key's project. Revoked and unknown keys get the same response.
func APIKeyAuth(keys *apikey.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := c.GetHeader(APIKeyHeader)
		if rawKey == "" {
			respondWithError(c, apierrors.ErrInvalidAPIKeyError)
			c.Abort()
			return
		}

		key, err := keys.Validate(c.Request.Context(), rawKey)
		if err != nil {
			if !errors.Is(err, apikey.ErrInvalidAPIKey) && !errors.Is(err, apikey.ErrAPIKeyRevoked) {
				respondWithError(c, apierrors.ErrInternalServerError)
			} else {
				respondWithError(c, apierrors.ErrInvalidAPIKeyError)
			}
			c.Abort()
			return
		}

		c.Set(ContextKeyProjectID, key.ProjectID)
		c.Next()
	}
}

// AdminAuth validates the static admin bearer token
func AdminAuth(cfg *config.AdminConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil || cfg.Token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) != 1 {
			respondWithError(c, apierrors.ErrInvalidAdminTokenError)
			c.Abort()
			return
		}
		c.Next()
	}
}

// DriverAuth validates the short-lived callback token the driver received
// at join time. The token is bound to one bot id; a token minted for one
// bot cannot report on another.
func DriverAuth(tokens *driver.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			respondWithError(c, apierrors.ErrInvalidDriverTokenError)
			c.Abort()
			return
		}

		botID, err := tokens.Verify(tokenString)
		if err != nil {
			respondWithError(c, apierrors.ErrInvalidDriverTokenError)
			c.Abort()
			return
		}

		if pathID := c.Param("id"); pathID != "" && pathID != botID.String() {
			respondWithError(c, apierrors.ErrInvalidDriverTokenError)
			c.Abort()
			return
		}

		c.Set(ContextKeyDriverBotID, botID)
		c.Next()
	}
}

// GetProjectID extracts the authenticated project id. Must run after
// APIKeyAuth.
func GetProjectID(c *gin.Context) uuid.UUID {
	v, exists := c.Get(ContextKeyProjectID)
	if !exists {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}

// GetDriverBotID extracts the bot id bound to the driver token
func GetDriverBotID(c *gin.Context) uuid.UUID {
	v, exists := c.Get(ContextKeyDriverBotID)
	if !exists {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}

// GetRequestID extracts the request ID from the gin context
func GetRequestID(c *gin.Context) string {
	v, exists := c.Get(ContextKeyRequestID)
	if !exists {
		return ""
	}
	id, _ := v.(string)
	return id
}

func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// respondWithError sends a standardized error response
func respondWithError(c *gin.Context, err *apierrors.APIError) {
	c.JSON(err.HTTPStatus, apierrors.ErrorResponse{
		Error:     *err,
		RequestID: GetRequestID(c),
	})
}
