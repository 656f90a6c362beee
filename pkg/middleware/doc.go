// Package middleware provides HTTP middleware for session authentication,
// client metadata and rate limiting.
//
// # Middleware Components
//
// AuthMiddleware: resolves the caller through an Authenticator (the session
// manager) and stores *auth.AuthContext on the request:
//
//	authn := middleware.NewAuthMiddleware(sessions, false)
//	router.Handle("/home", authn.Handler(home))
//
// ClientInfoMiddleware: records client IP and user agent for sessions and
// audit events.
//
// RateLimit: rejects callers over a Limiter with 429 {"error":"Too many
// requests"}. RateLimiter is an in-process token bucket on x/time/rate;
// DistributedRateLimiter is a Redis fixed window shared across instances.
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, middleware.OTPSendRateLimitConfig(), "otp")
//
// # Ordering
//
// ClientInfoMiddleware runs before AuthMiddleware so refreshed sessions carry
// the client metadata. sysadmin.Gate runs after AuthMiddleware.
//
// # Related Packages
//
//   - pkg/session: the Authenticator implementation
//   - pkg/sysadmin: elevated access gate
package middleware
