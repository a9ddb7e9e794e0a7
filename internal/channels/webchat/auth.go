package webchat

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/camino-travel/switchboard/internal/channels"
)

// visitor is the identity carried by a chat widget token.
type visitor struct {
	ID   string
	Name string
}

type visitorClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// tokenService signs and verifies visitor JWTs with an HMAC secret.
type tokenService struct {
	secret []byte
}

// issue mints a token whose subject is the visitor id. A non-positive ttl
// produces a token without an expiry.
func (s tokenService) issue(visitorID, name string, ttl time.Duration) (string, error) {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return "", channels.ErrInvalidInput("visitor id is required", nil)
	}

	now := time.Now()
	claims := visitorClaims{
		Name: strings.TrimSpace(name),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  visitorID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", channels.ErrInternal("failed to sign visitor token", err)
	}
	return signed, nil
}

// validate parses a visitor token, enforcing the HMAC signing method.
func (s tokenService) validate(token string) (*visitor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, channels.ErrUnauthorized("missing visitor token", nil)
	}

	parsed, err := jwt.ParseWithClaims(token, &visitorClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, channels.ErrUnauthorized("invalid visitor token", err)
	}

	claims, ok := parsed.Claims.(*visitorClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, channels.ErrUnauthorized("visitor token has no subject", nil)
	}
	return &visitor{ID: claims.Subject, Name: claims.Name}, nil
}
