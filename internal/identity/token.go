package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoProfileClaim is returned when the token carries no usable profile id.
var ErrNoProfileClaim = errors.New("identity: token has no profile claim")

// ProfileFromToken extracts the default profile id from a session access
// token. The parse is deliberately unverified: signature verification is the
// server's job, the client only needs the claim to seed the binding.
func ProfileFromToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("identity: empty token")
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("identity: parse token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrNoProfileClaim
	}

	if v, ok := claims["profile_id"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}

	// Fall back to the subject claim for tokens issued before profile
	// switching existed.
	if sub, err := claims.GetSubject(); err == nil && strings.TrimSpace(sub) != "" {
		return strings.TrimSpace(sub), nil
	}

	return "", ErrNoProfileClaim
}
