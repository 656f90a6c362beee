package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the lifetime of a signed session token
const DefaultTokenTTL = 5 * time.Minute

// Claims carried by a signed session token
type Claims struct {
	UserID         string  `json:"userId"`
	OrganizationID *string `json:"organizationId,omitempty"`
	SessionID      string  `json:"sessionId"`
	jwt.RegisteredClaims
}

// Signer mints and parses HS256 session tokens
type Signer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewSigner creates a signer. The secret must be at least 32 bytes.
func NewSigner(secret []byte, ttl time.Duration, issuer string) (*Signer, error) {
	if len(secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if issuer == "" {
		issuer = "authgate"
	}
	return &Signer{secret: secret, ttl: ttl, issuer: issuer, now: time.Now}, nil
}

// TTL returns the token lifetime
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Mint signs a token for the session
func (s *Signer) Mint(userID string, organizationID *string, sessionID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := Claims{
		UserID:         userID,
		OrganizationID: organizationID,
		SessionID:      sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *Signer) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return s.secret, nil
}

// Parse verifies signature, issuer and expiry. An expired token yields an
// error matching jwt.ErrTokenExpired.
func (s *Signer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.SessionID == "" || claims.UserID == "" {
		return nil, errors.New("session token missing required claims")
	}
	return claims, nil
}

// ParseIgnoringExpiry verifies the signature and issuer but not the time
// claims. Used only to refresh an expired token.
func (s *Signer) ParseIgnoringExpiry(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, err
	}
	if claims.Issuer != s.issuer {
		return nil, jwt.ErrTokenInvalidIssuer
	}
	if claims.SessionID == "" || claims.UserID == "" {
		return nil, errors.New("session token missing required claims")
	}
	return claims, nil
}
