package sso

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/state"
)

// appleSecretTTL is how long a minted client secret stays valid. Apple
// allows up to six months; one exchange needs seconds.
const appleSecretTTL = 5 * time.Minute

// AppleSecret mints the ES256 client-secret JWT Apple requires in place of a
// static secret
type AppleSecret struct {
	teamID   string
	keyID    string
	clientID string
	key      *ecdsa.PrivateKey
	now      func() time.Time
}

// NewAppleSecret parses the PEM encoded P-256 key downloaded from the Apple
// developer portal
func NewAppleSecret(teamID, keyID, clientID, privateKeyPEM string) (*AppleSecret, error) {
	if teamID == "" || keyID == "" || clientID == "" {
		return nil, fmt.Errorf("apple team id, key id and client id are required")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse apple private key: %w", err)
	}
	return &AppleSecret{teamID: teamID, keyID: keyID, clientID: clientID, key: key, now: time.Now}, nil
}

// Mint returns a fresh client secret
func (s *AppleSecret) Mint() (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    s.teamID,
		Subject:   s.clientID,
		Audience:  jwt.ClaimStrings{AppleIssuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appleSecretTTL)),
	})
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign apple client secret: %w", err)
	}
	return signed, nil
}

type appleUser struct {
	Name struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	} `json:"name"`
}

// AppleProfile folds the user blob Apple sends on the first authorization
// into the display name. Later authorizations omit it.
func AppleProfile(r *http.Request, id *auth.ExternalIdentity) {
	raw := r.FormValue("user")
	if raw == "" || strings.TrimSpace(id.DisplayName) != "" {
		return
	}
	var u appleUser
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return
	}
	id.DisplayName = strings.TrimSpace(u.Name.FirstName + " " + u.Name.LastName)
}

// NewAppleProvider wires the Apple preset with its minted secret and user
// blob handling
func NewAppleProvider(c Credentials, secret *AppleSecret, states *state.Manager, logger *observability.Logger, opts ...OAuth2Option) (*OAuth2Provider, error) {
	opts = append([]OAuth2Option{WithClientSecret(secret.Mint), WithProfile(AppleProfile)}, opts...)
	return NewOAuth2Provider(ApplePreset(c), states, logger, opts...)
}
