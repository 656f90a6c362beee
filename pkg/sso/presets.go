package sso

import (
	"strings"

	"golang.org/x/oauth2/endpoints"
)

// Well-known endpoints
const (
	GoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

	MicrosoftIssuer       = "https://login.microsoftonline.com/common/v2.0"
	MicrosoftTenantIssuer = "https://login.microsoftonline.com/{tenantid}/v2.0"
	MicrosoftJWKSURL      = "https://login.microsoftonline.com/common/discovery/v2.0/keys"

	AppleIssuer   = "https://appleid.apple.com"
	AppleAuthURL  = "https://appleid.apple.com/auth/authorize"
	AppleTokenURL = "https://appleid.apple.com/auth/token"
	AppleJWKSURL  = "https://appleid.apple.com/auth/keys"
)

// Credentials are the per-deployment settings for a preset
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// GooglePreset returns the Google configuration: profile scopes and the v2
// userinfo endpoint, whose verification flag is verified_email.
func GooglePreset(c Credentials) *ProviderConfig {
	return &ProviderConfig{
		Name:         ProviderGoogle,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		AuthURL:      endpoints.Google.AuthURL,
		TokenURL:     endpoints.Google.TokenURL,
		RedirectURL:  c.RedirectURL,
		Scopes:       []string{"email", "profile"},
		Source:       SourceUserInfo,
		UserInfoURL:  GoogleUserInfoURL,
		Claims: ClaimMap{
			Subject:       "id",
			EmailVerified: "verified_email",
		},
	}
}

// MicrosoftPreset returns the Microsoft identity platform configuration.
// resource is an optional extra scope (for example an API's .default scope).
// Microsoft emails are treated as verified.
func MicrosoftPreset(c Credentials, resource string) *ProviderConfig {
	ms := endpoints.AzureAD("common")
	scopes := []string{"openid", "email", "profile"}
	if r := strings.TrimSpace(resource); r != "" {
		scopes = append(scopes, r)
	}
	return &ProviderConfig{
		Name:         ProviderMicrosoft,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		AuthURL:      ms.AuthURL,
		TokenURL:     ms.TokenURL,
		RedirectURL:  c.RedirectURL,
		Scopes:       scopes,
		Source:       SourceIDToken,
		IssuerURL:    MicrosoftIssuer,
		JWKSURL:      MicrosoftJWKSURL,
		TenantIssuer: MicrosoftTenantIssuer,
		TrustEmail:   true,
	}
}

// ApplePreset returns the Sign in with Apple configuration. The client
// secret is minted per exchange, see AppleSecret.
func ApplePreset(c Credentials) *ProviderConfig {
	return &ProviderConfig{
		Name:        ProviderApple,
		ClientID:    c.ClientID,
		AuthURL:     AppleAuthURL,
		TokenURL:    AppleTokenURL,
		RedirectURL: c.RedirectURL,
		Scopes:      []string{"email", "name"},
		Source:      SourceIDToken,
		IssuerURL:   AppleIssuer,
		JWKSURL:     AppleJWKSURL,
	}
}
