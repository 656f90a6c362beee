package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
)

// consumeOTPLua atomically validates and consumes a pending code.
// KEYS[1] = record hash key (keyed by the stored derived token)
// KEYS[2] = email index key
// ARGV[1] = presented derived token
// ARGV[2] = max attempts
// ARGV[3] = now (unix ms)
//
// Returns the flat HGETALL array on success, {"expired", redirect_path} for
// an expired record, or an error string: "not_found", "too_many_attempts",
// "invalid_code".
var consumeOTPLua = redis.NewScript(`
local rec = redis.call('HGETALL', KEYS[1])
if #rec == 0 then
  return {err='not_found'}
end

local f = {}
for i = 1, #rec, 2 do
  f[rec[i]] = rec[i + 1]
end

local function clear()
  redis.call('DEL', KEYS[1])
  if redis.call('GET', KEYS[2]) == f['token'] then
    redis.call('DEL', KEYS[2])
  end
end

if tonumber(ARGV[3]) > tonumber(f['expires_at']) then
  clear()
  return {'expired', f['redirect_path'] or ''}
end

if tonumber(f['attempts']) >= tonumber(ARGV[2]) then
  clear()
  return {err='too_many_attempts'}
end

if f['token'] ~= ARGV[1] then
  redis.call('HINCRBY', KEYS[1], 'attempts', 1)
  return {err='invalid_code'}
end

clear()
return rec
`)

// ExpiryGrace keeps records in Redis past their logical expiry so the consume
// script, not key eviction, decides that a code expired.
const ExpiryGrace = 15 * time.Minute

// OTPStore persists pending one-time codes. Records are hashes keyed by the
// derived token; a per-email index points at the single pending token so a
// new send replaces the old code.
type OTPStore struct {
	client redis.UniversalClient
	prefix string
}

// NewOTPStore creates an OTP store. prefix defaults to "otp".
func NewOTPStore(client redis.UniversalClient, prefix string) *OTPStore {
	if prefix == "" {
		prefix = "otp"
	}
	return &OTPStore{client: client, prefix: prefix}
}

func (s *OTPStore) recordKey(token string) string {
	return s.prefix + ":rec:" + token
}

func (s *OTPStore) emailKey(email string) string {
	return s.prefix + ":email:" + auth.NormalizeEmail(email)
}

// Save stores rec and points the email index at it, dropping any prior
// pending record for the same email.
func (s *OTPStore) Save(ctx context.Context, rec *auth.OTPRecord) error {
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("otp record has no lifetime")
	}
	emailKey := s.emailKey(rec.Email)

	previous, err := s.client.Get(ctx, emailKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis get failed: %w", err)
	}

	recordKey := s.recordKey(rec.Token)
	pipe := s.client.TxPipeline()
	if previous != "" && previous != rec.Token {
		pipe.Del(ctx, s.recordKey(previous))
	}
	pipe.Del(ctx, recordKey)
	pipe.HSet(ctx, recordKey, map[string]interface{}{
		"token":         rec.Token,
		"user_id":       rec.UserID,
		"email":         auth.NormalizeEmail(rec.Email),
		"purpose":       string(rec.Purpose),
		"redirect_path": rec.RedirectPath,
		"created_at":    rec.CreatedAt.UnixMilli(),
		"expires_at":    rec.ExpiresAt.UnixMilli(),
		"attempts":      rec.Attempts,
	})
	pipe.PExpire(ctx, recordKey, ttl+ExpiryGrace)
	pipe.Set(ctx, emailKey, rec.Token, ttl+ExpiryGrace)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// ConsumeByEmail consumes the pending record for email when token matches.
// A mismatch counts as a failed attempt against the pending record.
func (s *OTPStore) ConsumeByEmail(ctx context.Context, email, token string, maxAttempts int, now time.Time) (*auth.OTPRecord, error) {
	emailKey := s.emailKey(email)
	stored, err := s.client.Get(ctx, emailKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, autherr.ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return s.consume(ctx, s.recordKey(stored), email, token, maxAttempts, now)
}

// ConsumeByToken consumes the record a magic link points at
func (s *OTPStore) ConsumeByToken(ctx context.Context, token string, maxAttempts int, now time.Time) (*auth.OTPRecord, error) {
	recordKey := s.recordKey(token)
	email, err := s.client.HGet(ctx, recordKey, "email").Result()
	if errors.Is(err, redis.Nil) {
		return nil, autherr.ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget failed: %w", err)
	}
	return s.consume(ctx, recordKey, email, token, maxAttempts, now)
}

// consume runs the script. On ErrExpired the returned record carries only
// the email and redirect path so the caller can issue a replacement code.
func (s *OTPStore) consume(ctx context.Context, recordKey, email, token string, maxAttempts int, now time.Time) (*auth.OTPRecord, error) {
	result, err := consumeOTPLua.Run(ctx, s.client,
		[]string{recordKey, s.emailKey(email)},
		token,
		maxAttempts,
		now.UnixMilli(),
	).Result()
	if err != nil {
		switch err.Error() {
		case "not_found", "invalid_code":
			return nil, autherr.ErrInvalidCredential
		case "too_many_attempts":
			return nil, autherr.ErrTooManyAttempts
		default:
			return nil, fmt.Errorf("otp consume script failed: %w", err)
		}
	}

	values, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected lua result type %T", result)
	}
	if len(values) == 2 && values[0] == "expired" {
		redirect, _ := values[1].(string)
		return &auth.OTPRecord{Email: auth.NormalizeEmail(email), RedirectPath: redirect}, autherr.ErrExpired
	}
	rec := decodeOTPRecord(values)

	// Lua string comparison is not constant-time
	if !auth.ConstantTimeEqual(rec.Token, token) {
		return nil, autherr.ErrInvalidCredential
	}
	return rec, nil
}

func decodeOTPRecord(values []interface{}) *auth.OTPRecord {
	fields := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}

	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	expiresAt, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
	attempts, _ := strconv.Atoi(fields["attempts"])

	return &auth.OTPRecord{
		Token:        fields["token"],
		UserID:       fields["user_id"],
		Email:        fields["email"],
		Purpose:      auth.OTPPurpose(fields["purpose"]),
		RedirectPath: fields["redirect_path"],
		CreatedAt:    time.UnixMilli(createdAt),
		ExpiresAt:    time.UnixMilli(expiresAt),
		Attempts:     attempts,
	}
}
