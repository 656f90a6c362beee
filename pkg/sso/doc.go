// Package sso implements the browser-redirect identity channels: OAuth2
// authorization-code providers (Google, Microsoft, Apple) and multi-tenant
// SAML 2.0.
//
// # Overview
//
// Every channel implements Provider. Begin sets the anti-forgery cookies and
// returns the IdP URL; Complete validates the callback and returns an
// auth.ExternalIdentity carrying at least a provider-asserted email. Complete
// never creates users or sessions, that is the identity resolver's job.
//
// # OAuth2
//
// OAuth2Provider runs the code flow on golang.org/x/oauth2. The state token
// is issued by pkg/state into the oauth_state cookie and consumed exactly
// once on callback. Claims come either from a userinfo endpoint (Google) or
// from an id_token verified with go-oidc (Microsoft, Apple):
//
//	google, err := sso.NewOAuth2Provider(sso.GooglePreset(sso.Credentials{
//		ClientID:     clientID,
//		ClientSecret: clientSecret,
//		RedirectURL:  baseURL + "/auth/google",
//	}), states, logger)
//
// Outbound calls share one otelhttp-instrumented client and are bounded by
// DefaultExchangeTimeout. Failures become autherr.KindProviderUnavailable and
// are not retried.
//
// # SAML
//
// SAMLProvider resolves the tenant from the email domain, binds the
// AuthnRequest ID as single-use state and checks the response InResponseTo
// against it before gosaml2 validates signature, audience and time. Tenants
// are loaded from YAML and reloaded on change:
//
//	tenants:
//	  - domain: acme.com
//	    idp_sso_url: https://idp.acme.com/sso
//	    idp_issuer: https://idp.acme.com
//	    idp_certificate: |
//	      -----BEGIN CERTIFICATE-----
//	      ...
//
// # Related Packages
//
//   - pkg/state: anti-forgery tokens
//   - pkg/identity: maps identities onto users
package sso
