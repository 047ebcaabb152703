package driver

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/meetloop/meetloop/internal/config"
)

// Driver callbacks carry a short-lived token minted at join time, so a
// compromised or misrouted driver instance can only report on the bot it
// was handed.

var (
	ErrInvalidToken = errors.New("invalid driver callback token")
	ErrTokenExpired = errors.New("driver callback token expired")
)

const callbackSubject = "driver-callback"

// CallbackClaims are the JWT claims on a driver callback token
type CallbackClaims struct {
	BotID string `json:"bot_id"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies driver callback tokens
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates a token issuer from driver configuration
func NewTokenIssuer(cfg *config.DriverConfig) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(cfg.CallbackSecret),
		ttl:    cfg.CallbackTTL,
	}
}

// Mint issues a callback token bound to one bot id
func (t *TokenIssuer) Mint(botID uuid.UUID) (string, error) {
	now := time.Now()
	claims := CallbackClaims{
		BotID: botID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   callbackSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign callback token: %w", err)
	}
	return signed, nil
}

// Verify checks a callback token and returns the bot id it is bound to
func (t *TokenIssuer) Verify(tokenString string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CallbackClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrTokenExpired
		}
		return uuid.Nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*CallbackClaims)
	if !ok || !token.Valid || claims.Subject != callbackSubject {
		return uuid.Nil, ErrInvalidToken
	}

	botID, err := uuid.Parse(claims.BotID)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return botID, nil
}
