package sessiontoken

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidToken is returned by Parse for tokens that do not verify or do
// not carry session claims.
var ErrInvalidToken = errors.New("sessiontoken: invalid token")

// Claims is the signed payload of a session id.
type Claims struct {
	SessionID string `json:"sid"`
	IssuedAt  int64  `json:"iat"`
}

// Issue signs a session id.
func Issue(s Signer, sessionID string, now time.Time) (string, error) {
	payload, err := json.Marshal(Claims{SessionID: sessionID, IssuedAt: now.Unix()})
	if err != nil {
		return "", fmt.Errorf("marshal session claims: %w", err)
	}
	token, err := s.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign session claims: %w", err)
	}
	return token, nil
}

// Parse verifies token and returns its claims.
func Parse(s Signer, token string) (Claims, error) {
	payload, _, err := s.Verify(token)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if c.SessionID == "" {
		return Claims{}, fmt.Errorf("%w: missing sid", ErrInvalidToken)
	}
	return c, nil
}
