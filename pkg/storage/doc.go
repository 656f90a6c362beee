// Package storage defines the persistence contracts of the authentication
// core.
//
// # Architecture
//
// The storage layer uses interface segregation to compose focused capabilities:
//
//   - UserReader / UserWriter: user lookup (case-insensitive email) and the
//     few mutations verification flows perform
//   - ChallengeStore: the single pending WebAuthn ceremony per user, taken
//     atomically so a challenge is never usable twice
//   - AuthenticatorStore: registered passkeys and the strictly increasing
//     signature counter
//   - SessionStore: server-side session records and the expiry sweep
//   - OrganizationStore: organizations and the (user, organization)
//     membership join
//
// Store composes all of them. The PostgreSQL implementation lives in
// storage/postgres; Redis-backed stores for short-lived secrets (state,
// one-time codes) live in storage/redisstore.
//
// # Errors
//
// Implementations return ErrNotFound, ErrConflict and ErrCounterRegression
// (possibly wrapped) so services can map them onto authentication errors
// without knowing the backend.
package storage
