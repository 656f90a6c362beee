// Package contextkeys provides centralized context key definitions
//
// All request-scoped values shared across packages are keyed here so that
// producers and consumers agree on the key and the stored type.
//
//	ctx = contextkeys.WithAuth(ctx, authCtx)
//	authCtx, _ := ctx.Value(contextkeys.AuthKey).(*auth.AuthContext)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: session-protected endpoints, sysadmin gate
	AuthKey Key = "auth_context"

	// ClientKey contains ClientInfo
	// Set by: middleware.ClientInfoMiddleware
	// Used by: session creation, audit events
	ClientKey Key = "client_info"
)

// ClientInfo describes the caller's network origin
type ClientInfo struct {
	IP        string
	UserAgent string
}

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// WithClient adds client info to the context
func WithClient(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, ClientKey, info)
}

// GetClient retrieves client info; the zero value when absent
func GetClient(ctx context.Context) ClientInfo {
	info, _ := ctx.Value(ClientKey).(ClientInfo)
	return info
}
