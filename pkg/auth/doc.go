// Package auth defines the domain model shared by every authentication
// channel: users, registered passkeys, organizations and memberships,
// server-side sessions, one-time code records and the ExternalIdentity a
// provider adapter hands to the identity resolver.
//
// # External identities
//
// Every adapter (OAuth2, SAML, WebAuthn, email OTP) produces the same closed
// shape, so the resolver never branches on provider type:
//
//	id := &auth.ExternalIdentity{
//		Kind:          auth.KindOAuth2,
//		Provider:      "google",
//		Subject:       "1098...",
//		Email:         "alice@example.com",
//		EmailVerified: true,
//		DisplayName:   "Alice",
//	}
//
// # Tokens
//
// Opaque tokens (state, session ids for cookies) are 32 random bytes,
// base64url encoded:
//
//	token, err := auth.GenerateToken()
//
// One-time code records are keyed by a token derived from the code, so a
// store read alone never reveals the code:
//
//	token := auth.DeriveOTPToken(salt, email, code)
//
// Comparisons of secrets go through ConstantTimeEqual.
package auth
