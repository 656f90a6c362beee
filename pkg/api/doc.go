// Package api is the HTTP surface of authgate.
//
// Browser flows (OAuth2 and SAML callbacks, magic links, /home) answer with
// redirects and report failures as /login?error=<code>. JSON endpoints answer
// {"error": message} with the status of the error's kind.
//
// Route groups:
//
//	/auth/{provider}            OAuth2 and SAML begin and callback
//	/auth/saml/metadata         SP metadata for a configured domain
//	/auth/signup, /auth/login   email codes
//	/auth/verify, /magiclink    code and magic link verification
//	/auth/passkey/*             WebAuthn ceremonies, status and snooze
//	/auth/session, /auth/logout session lifecycle
//	/api/organizations          onboarding
//	/api/sysadmin/*             operator endpoints behind the elevated gate
//
// Usage:
//
//	server := api.NewServer(api.Deps{...})
//	http.ListenAndServe(":8080", server)
package api
