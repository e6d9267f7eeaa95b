package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/workhub/portal-realtime/internal/core/errors"
)

// maxIdentityLen bounds the accepted user identifier length.
const maxIdentityLen = 128

// IdentityVerifier resolves the auth handshake payload to a user identifier.
//
// In trusted mode (no secret) the payload is taken as the raw user ID, which
// matches deployments where the gateway sits behind the portal's own session
// layer. When a secret is configured the payload must be a signed HS256 token
// whose subject carries the user ID.
type IdentityVerifier struct {
	secretKey []byte
}

// NewIdentityVerifier creates a verifier. An empty secret enables trusted mode.
func NewIdentityVerifier(secret string) *IdentityVerifier {
	if secret == "" {
		return &IdentityVerifier{}
	}
	return &IdentityVerifier{secretKey: []byte(secret)}
}

// Verify returns the user ID carried by the handshake payload, or an error
// when the payload is invalid. Callers treat any error as "stay anonymous".
func (v *IdentityVerifier) Verify(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", fmt.Errorf("%w: empty", apperrors.ErrInvalidAuthPayload)
	}

	if v.secretKey == nil {
		if utf8.RuneCountInString(payload) > maxIdentityLen {
			return "", fmt.Errorf("%w: identifier too long", apperrors.ErrInvalidAuthPayload)
		}
		return payload, nil
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(payload, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secretKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrInvalidAuthPayload, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: invalid token", apperrors.ErrInvalidAuthPayload)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", apperrors.ErrInvalidAuthPayload)
	}

	return claims.Subject, nil
}

// SignIdentity issues a signed handshake token for the given user ID. The
// portal's session layer calls this when handing the browser its realtime
// credentials.
func (v *IdentityVerifier) SignIdentity(userID string) (string, error) {
	if v.secretKey == nil {
		return userID, nil
	}

	claims := &jwt.RegisteredClaims{Subject: userID}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}
