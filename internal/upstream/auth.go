package upstream

import (
	"encoding/base64"
	"reconciler/internal/apperrors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenLifetime bounds each Registry bearer token. Tokens are minted per call.
const tokenLifetime = 5 * time.Minute

// bearerSigner mints RS256 tokens whose issuer is the configured member id.
type bearerSigner struct {
	memberID      string
	privateKeyPEM string
	now           func() time.Time
}

func (s *bearerSigner) header(op string) (string, error) {
	if strings.TrimSpace(s.privateKeyPEM) == "" {
		return "", apperrors.UpstreamAuth(op, "registry signing key is not configured")
	}
	if s.memberID == "" {
		return "", apperrors.UpstreamAuth(op, "registry member id is not configured")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(s.privateKeyPEM))
	if err != nil {
		return "", apperrors.UpstreamAuth(op, "registry signing key is not a valid RSA private key: "+err.Error())
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.memberID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", apperrors.UpstreamAuth(op, "failed to sign registry token: "+err.Error())
	}
	if token == "" {
		return "", apperrors.UpstreamAuth(op, "generated registry token is empty")
	}
	return "Bearer " + token, nil
}

// basicCredential is the static shared secret for the ResultStore.
type basicCredential struct {
	username string
	password string
}

func (c *basicCredential) header(op string) (string, error) {
	if c.password == "" {
		return "", apperrors.UpstreamAuth(op, "result store shared secret is not configured")
	}
	raw := c.username + ":" + c.password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), nil
}
