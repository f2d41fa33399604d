// internal/auth/auth.go
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// minSecretLen is the signing key length; shorter secrets are stretched with sha256.
const minSecretLen = 32

const tokenIssuer = "novelintruder"

// Token is a player's claim on one session.
type Token struct {
	SessionID string `json:"session_id"`
	ExpiresAt int64  `json:"expires_at"`
	IssuedAt  int64  `json:"issued_at"`
}

type sessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// Issuer signs and checks session tokens (HS256 JWT).
type Issuer struct {
	secret     []byte
	expiration time.Duration
	now        func() time.Time
}

// NewIssuer 创建令牌签发器
func NewIssuer(secret string, expiration time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("secret key is required")
	}
	key := []byte(secret)
	if len(key) < minSecretLen {
		sum := sha256.Sum256(key)
		key = sum[:]
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &Issuer{secret: key, expiration: expiration, now: time.Now}, nil
}

// Issue returns a signed token for the session.
func (i *Issuer) Issue(sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.Errorf("invalid session id %q", sessionID)
	}
	now := i.now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expiration)),
		},
		SessionID: sessionID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// Parse validates signature and expiry.
func (i *Issuer) Parse(tokenString string) (*Token, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, errors.New("token is required")
	}

	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(tokenString, &parsed, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, errors.New("invalid token signature")
		}
		return nil, errors.Wrap(err, "invalid token")
	}

	if parsed.SessionID == "" || parsed.ExpiresAt == nil {
		return nil, errors.New("invalid token claims")
	}
	if !parsed.ExpiresAt.Time.After(i.now()) {
		return nil, errors.New("token has expired")
	}

	tok := &Token{SessionID: parsed.SessionID, ExpiresAt: parsed.ExpiresAt.Unix()}
	if parsed.IssuedAt != nil {
		tok.IssuedAt = parsed.IssuedAt.Unix()
	}
	return tok, nil
}

// Verify checks that the token is valid and belongs to the session.
func (i *Issuer) Verify(tokenString, sessionID string) error {
	tok, err := i.Parse(tokenString)
	if err != nil {
		return err
	}
	if tok.SessionID != sessionID {
		return errors.New("token does not belong to this session")
	}
	return nil
}

// GenerateSecureKey returns a random base64 secret, used by `check` to suggest one.
func GenerateSecureKey(length int) (string, error) {
	if length <= 0 {
		length = minSecretLen
	}
	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}
