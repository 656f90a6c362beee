package sso

import (
	"fmt"
	"time"
)

// Provider names used in routes and identities
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
	ProviderApple     = "apple"
	ProviderSAML      = "saml"
)

// Cookie names
const (
	StateCookie         = "oauth_state"
	SAMLRequestIDCookie = "saml_request_id"
	SAMLDomainCookie    = "saml_domain"
)

// DefaultExchangeTimeout bounds every outbound call to an identity provider
const DefaultExchangeTimeout = 10 * time.Second

// IdentitySource says where an OAuth2 provider's claims come from
type IdentitySource string

const (
	// SourceUserInfo fetches claims from a userinfo endpoint with the access token
	SourceUserInfo IdentitySource = "userinfo"
	// SourceIDToken verifies the id_token returned by the token endpoint
	SourceIDToken IdentitySource = "id_token"
)

// ClaimMap names the claims an identity is built from
type ClaimMap struct {
	Subject       string
	Email         string
	EmailVerified string
	Name          string
	Avatar        string
}

// ProviderConfig configures an authorization-code provider
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	AuthParams   map[string]string

	Source      IdentitySource
	UserInfoURL string
	IssuerURL   string
	JWKSURL     string

	Claims ClaimMap

	// TenantIssuer replaces the IssuerURL match for multi-tenant
	// endpoints, which sign with the user's tenant as issuer. The id_token
	// iss must equal it with {tenantid} set to the token's tid claim.
	TenantIssuer string

	// TrustEmail marks every email from this provider as verified
	TrustEmail bool
}

// Validate checks required fields
func (c *ProviderConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.AuthURL == "" {
		return fmt.Errorf("auth_url is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("token_url is required")
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("redirect_url is required")
	}
	if len(c.Scopes) == 0 {
		return fmt.Errorf("scopes are required")
	}
	switch c.Source {
	case SourceUserInfo:
		if c.UserInfoURL == "" {
			return fmt.Errorf("user_info_url is required")
		}
	case SourceIDToken:
		if c.IssuerURL == "" {
			return fmt.Errorf("issuer_url is required")
		}
	default:
		return fmt.Errorf("unsupported identity source: %q", c.Source)
	}
	return nil
}

func (c ClaimMap) withDefaults() ClaimMap {
	if c.Subject == "" {
		c.Subject = "sub"
	}
	if c.Email == "" {
		c.Email = "email"
	}
	if c.EmailVerified == "" {
		c.EmailVerified = "email_verified"
	}
	if c.Name == "" {
		c.Name = "name"
	}
	if c.Avatar == "" {
		c.Avatar = "picture"
	}
	return c
}
