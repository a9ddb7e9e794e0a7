package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errBadConsoleToken = errors.New("gateway: invalid console token")

// agentTokenService mints and checks the bearer tokens agents use against
// the console API and the notification socket. Subject carries the agent id.
type agentTokenService struct {
	secret []byte
}

func newAgentTokens(secret string) *agentTokenService {
	return &agentTokenService{secret: []byte(secret)}
}

// enabled reports whether console auth is configured at all. An empty secret
// leaves the console open, which only makes sense behind a trusted proxy.
func (t *agentTokenService) enabled() bool {
	return len(t.secret) > 0
}

// issue mints a token for an agent. Tokens do not expire; agents are expected
// to re-register after a console restart anyway.
func (t *agentTokenService) issue(agentID string) (string, error) {
	if agentID == "" {
		return "", fmt.Errorf("gateway: agent id is required for a token")
	}
	claims := jwt.RegisteredClaims{
		Subject:  agentID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("gateway: sign console token: %w", err)
	}
	return signed, nil
}

// validate checks a token and returns the agent id it names.
func (t *agentTokenService) validate(raw string) (string, error) {
	if raw == "" {
		return "", errBadConsoleToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errBadConsoleToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errBadConsoleToken
	}
	return claims.Subject, nil
}
