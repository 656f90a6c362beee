package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/state"
)

// ClientSecretFunc produces the client secret for one code exchange
type ClientSecretFunc func() (string, error)

// ProfileFunc folds provider-specific callback data into an identity
type ProfileFunc func(r *http.Request, id *auth.ExternalIdentity)

// OAuth2Provider implements the authorization-code flow shared by every
// OAuth2 preset
type OAuth2Provider struct {
	cfg          *ProviderConfig
	claims       ClaimMap
	oauth2Config *oauth2.Config
	states       *state.Manager
	logger       *observability.Logger

	client   *http.Client
	timeout  time.Duration
	keySet   oidc.KeySet
	verifier *oidc.IDTokenVerifier
	secret   ClientSecretFunc
	profile  ProfileFunc
	now      func() time.Time
}

// OAuth2Option configures an OAuth2Provider
type OAuth2Option func(*OAuth2Provider)

// WithHTTPClient replaces the outbound client. Its timeout is left alone.
func WithHTTPClient(client *http.Client) OAuth2Option {
	return func(p *OAuth2Provider) {
		p.client = client
	}
}

// WithExchangeTimeout bounds the token exchange and identity lookup
func WithExchangeTimeout(d time.Duration) OAuth2Option {
	return func(p *OAuth2Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithKeySet verifies id_tokens against ks instead of the remote JWKS
func WithKeySet(ks oidc.KeySet) OAuth2Option {
	return func(p *OAuth2Provider) {
		p.keySet = ks
	}
}

// WithClientSecret mints the client secret per exchange
func WithClientSecret(fn ClientSecretFunc) OAuth2Option {
	return func(p *OAuth2Provider) {
		p.secret = fn
	}
}

// WithProfile installs a callback-data hook
func WithProfile(fn ProfileFunc) OAuth2Option {
	return func(p *OAuth2Provider) {
		p.profile = fn
	}
}

// WithProviderClock overrides the clock used for id_token expiry checks
func WithProviderClock(now func() time.Time) OAuth2Option {
	return func(p *OAuth2Provider) {
		p.now = now
	}
}

// NewOAuth2Provider creates a provider from cfg
func NewOAuth2Provider(cfg *ProviderConfig, states *state.Manager, logger *observability.Logger, opts ...OAuth2Option) (*OAuth2Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s provider config: %w", cfg.Name, err)
	}

	p := &OAuth2Provider{
		cfg:    cfg,
		claims: cfg.Claims.withDefaults(),
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		states:  states,
		logger:  logger.WithField("provider", cfg.Name),
		timeout: DefaultExchangeTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   p.timeout,
		}
	}

	if cfg.Source == SourceIDToken {
		ks := p.keySet
		if ks == nil {
			if cfg.JWKSURL == "" {
				return nil, fmt.Errorf("invalid %s provider config: jwks_url is required", cfg.Name)
			}
			ks = oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), p.client), cfg.JWKSURL)
		}
		p.verifier = oidc.NewVerifier(cfg.IssuerURL, ks, &oidc.Config{
			ClientID:        cfg.ClientID,
			SkipIssuerCheck: cfg.TenantIssuer != "",
			Now:             func() time.Time { return p.now() },
		})
	}

	return p, nil
}

// Name returns the route name
func (p *OAuth2Provider) Name() string { return p.cfg.Name }

// Kind returns auth.KindOAuth2
func (p *OAuth2Provider) Kind() auth.ProviderKind { return auth.KindOAuth2 }

// Config returns the provider configuration
func (p *OAuth2Provider) Config() *ProviderConfig { return p.cfg }

// Begin issues the state cookie and returns the authorization URL
func (p *OAuth2Provider) Begin(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, error) {
	token, err := p.states.Issue(ctx, w, StateCookie, state.Context{"provider": p.cfg.Name})
	if err != nil {
		return "", autherr.Wrap(err, autherr.KindInternal, "issue state")
	}

	opts := make([]oauth2.AuthCodeOption, 0, len(p.cfg.AuthParams))
	for k, v := range p.cfg.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return p.oauth2Config.AuthCodeURL(token, opts...), nil
}

// IsCallback reports whether r is the IdP returning to us rather than a
// browser starting a login
func (p *OAuth2Provider) IsCallback(r *http.Request) bool {
	return r.FormValue("code") != "" || r.FormValue("state") != "" || r.FormValue("error") != ""
}

// Complete consumes state, exchanges the code and extracts the identity
func (p *OAuth2Provider) Complete(ctx context.Context, w http.ResponseWriter, r *http.Request) (*auth.ExternalIdentity, error) {
	sc, err := p.states.ConsumeRequest(ctx, w, r, StateCookie, r.FormValue("state"))
	if err != nil {
		return nil, err
	}
	if sc["provider"] != p.cfg.Name {
		return nil, autherr.ErrInvalidState
	}

	if e := r.FormValue("error"); e != "" {
		p.logger.WithField("idp_error", e).Warn("identity provider returned an error")
		return nil, autherr.New(autherr.KindInvalidCredential, "Sign in was not completed")
	}
	code := r.FormValue("code")
	if code == "" {
		return nil, autherr.New(autherr.KindInvalidCredential, "Missing authorization code")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	conf := *p.oauth2Config
	if p.secret != nil {
		secret, err := p.secret()
		if err != nil {
			return nil, autherr.Wrap(err, autherr.KindInternal, "mint client secret")
		}
		conf.ClientSecret = secret
	}

	token, err := conf.Exchange(ctx, code)
	if err != nil {
		p.logger.WithError(err).Warn("token exchange failed")
		return nil, autherr.Wrap(err, autherr.KindProviderUnavailable, "Token exchange failed")
	}

	var claims map[string]interface{}
	switch p.cfg.Source {
	case SourceIDToken:
		claims, err = p.idTokenClaims(ctx, token)
	default:
		claims, err = p.userInfoClaims(ctx, &conf, token)
	}
	if err != nil {
		return nil, err
	}

	id := p.identity(claims)
	if p.profile != nil {
		p.profile(r, id)
	}
	if strings.TrimSpace(id.Email) == "" {
		return nil, autherr.ErrMissingEmail
	}
	return id, nil
}

func (p *OAuth2Provider) idTokenClaims(ctx context.Context, token *oauth2.Token) (map[string]interface{}, error) {
	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, autherr.New(autherr.KindProviderUnavailable, "Token response carried no id_token")
	}
	idToken, err := p.verifier.Verify(oidc.ClientContext(ctx, p.client), raw)
	if err != nil {
		p.logger.WithError(err).Warn("id_token verification failed")
		return nil, autherr.Wrap(err, autherr.KindInvalidCredential, "Invalid ID token")
	}
	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, autherr.Wrap(err, autherr.KindInvalidCredential, "Invalid ID token")
	}
	if tmpl := p.cfg.TenantIssuer; tmpl != "" {
		tid := stringClaim(claims, "tid")
		if tid == "" || idToken.Issuer != strings.ReplaceAll(tmpl, "{tenantid}", tid) {
			p.logger.WithFields(map[string]interface{}{
				"issuer": idToken.Issuer,
				"tid":    tid,
			}).Warn("id_token issuer does not match its tenant")
			return nil, autherr.New(autherr.KindInvalidCredential, "Invalid ID token")
		}
	}
	return claims, nil
}

func (p *OAuth2Provider) userInfoClaims(ctx context.Context, conf *oauth2.Config, token *oauth2.Token) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "build userinfo request")
	}
	resp, err := conf.Client(ctx, token).Do(req)
	if err != nil {
		return nil, autherr.Wrap(err, autherr.KindProviderUnavailable, "Failed to fetch user info")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, autherr.Wrap(
			fmt.Errorf("userinfo status %d: %s", resp.StatusCode, string(body)),
			autherr.KindProviderUnavailable, "Failed to fetch user info")
	}

	var claims map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, autherr.Wrap(err, autherr.KindProviderUnavailable, "Failed to decode user info")
	}
	return claims, nil
}

func (p *OAuth2Provider) identity(claims map[string]interface{}) *auth.ExternalIdentity {
	return &auth.ExternalIdentity{
		Kind:          auth.KindOAuth2,
		Provider:      p.cfg.Name,
		Subject:       stringClaim(claims, p.claims.Subject),
		Email:         stringClaim(claims, p.claims.Email),
		EmailVerified: p.cfg.TrustEmail || boolClaim(claims, p.claims.EmailVerified),
		DisplayName:   stringClaim(claims, p.claims.Name),
		AvatarURL:     stringClaim(claims, p.claims.Avatar),
	}
}

func stringClaim(claims map[string]interface{}, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// boolClaim accepts JSON booleans and the "true"/"false" strings some
// providers send instead
func boolClaim(claims map[string]interface{}, key string) bool {
	switch v := claims[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}
