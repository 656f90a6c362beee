package redisstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/storage"
)

// setupRedis creates a miniredis instance and a client bound to it
func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := NewClient(storage.Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(storage.Config{RedisURL: "invalid://url"})
	assert.Error(t, err)
}

func TestNewClient_ConnectionFailure(t *testing.T) {
	_, err := NewClient(storage.Config{RedisURL: "redis://localhost:9999"})
	assert.Error(t, err)
}

func TestStateStore_PutTake(t *testing.T) {
	client, mr := setupRedis(t)
	store := NewStateStore(client, "")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tok", []byte(`{"provider":"google"}`), 10*time.Minute))
	assert.True(t, mr.Exists("state:tok"))

	data, err := store.Take(ctx, "tok")
	require.NoError(t, err)
	assert.JSONEq(t, `{"provider":"google"}`, string(data))

	_, err = store.Take(ctx, "tok")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStateStore_PutRejectsReuse(t *testing.T) {
	client, _ := setupRedis(t)
	store := NewStateStore(client, "s")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tok", []byte("a"), time.Minute))
	assert.ErrorIs(t, store.Put(ctx, "tok", []byte("b"), time.Minute), storage.ErrConflict)
}

func TestStateStore_Expiry(t *testing.T) {
	client, mr := setupRedis(t)
	store := NewStateStore(client, "")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tok", []byte("x"), 10*time.Minute))
	mr.FastForward(11 * time.Minute)

	_, err := store.Take(ctx, "tok")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStateStore_ConcurrentTakeSingleWinner(t *testing.T) {
	client, _ := setupRedis(t)
	store := NewStateStore(client, "")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tok", []byte("x"), time.Minute))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Take(ctx, "tok"); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func newRecord(email, token string, now time.Time) *auth.OTPRecord {
	return &auth.OTPRecord{
		Token:        token,
		UserID:       "u-1",
		Email:        email,
		Purpose:      auth.PurposeLogin,
		RedirectPath: "/dashboard",
		CreatedAt:    now,
		ExpiresAt:    now.Add(15 * time.Minute),
	}
}

func TestOTPStore_ConsumeByEmail(t *testing.T) {
	client, mr := setupRedis(t)
	store := NewOTPStore(client, "")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, newRecord("Alice@Example.com", "tok-1", now)))

	rec, err := store.ConsumeByEmail(ctx, "alice@example.com", "tok-1", 3, now)
	require.NoError(t, err)
	assert.Equal(t, "u-1", rec.UserID)
	assert.Equal(t, "alice@example.com", rec.Email)
	assert.Equal(t, auth.PurposeLogin, rec.Purpose)
	assert.Equal(t, "/dashboard", rec.RedirectPath)
	assert.Equal(t, now.UnixMilli(), rec.CreatedAt.UnixMilli())

	assert.False(t, mr.Exists("otp:rec:tok-1"))
	assert.False(t, mr.Exists("otp:email:alice@example.com"))

	_, err = store.ConsumeByEmail(ctx, "alice@example.com", "tok-1", 3, now)
	assert.ErrorIs(t, err, autherr.ErrInvalidCredential)
}

func TestOTPStore_ConsumeByToken(t *testing.T) {
	client, _ := setupRedis(t)
	store := NewOTPStore(client, "")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, newRecord("bob@example.com", "tok-b", now)))

	rec, err := store.ConsumeByToken(ctx, "tok-b", 3, now)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", rec.Email)

	_, err = store.ConsumeByToken(ctx, "tok-b", 3, now)
	assert.ErrorIs(t, err, autherr.ErrInvalidCredential)

	_, err = store.ConsumeByEmail(ctx, "bob@example.com", "tok-b", 3, now)
	assert.ErrorIs(t, err, autherr.ErrInvalidCredential)
}

func TestOTPStore_Expired(t *testing.T) {
	client, mr := setupRedis(t)
	store := NewOTPStore(client, "")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, newRecord("c@example.com", "tok-c", now)))

	// the record outlives its logical expiry in Redis
	assert.Equal(t, 15*time.Minute+ExpiryGrace, mr.TTL("otp:rec:tok-c"))
	mr.FastForward(16 * time.Minute)
	require.True(t, mr.Exists("otp:rec:tok-c"))

	later := now.Add(16 * time.Minute)
	rec, err := store.ConsumeByEmail(ctx, "c@example.com", "tok-c", 3, later)
	assert.ErrorIs(t, err, autherr.ErrExpired)
	require.NotNil(t, rec)
	assert.Equal(t, "c@example.com", rec.Email)
	assert.Equal(t, "/dashboard", rec.RedirectPath)
	assert.False(t, mr.Exists("otp:rec:tok-c"))

	_, err = store.ConsumeByEmail(ctx, "c@example.com", "tok-c", 3, now)
	assert.ErrorIs(t, err, autherr.ErrInvalidCredential)
}

func TestOTPStore_AttemptsExhausted(t *testing.T) {
	client, mr := setupRedis(t)
	store := NewOTPStore(client, "")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, newRecord("d@example.com", "tok-d", now)))

	for i := 0; i < 3; i++ {
		_, err := store.ConsumeByEmail(ctx, "d@example.com", "wrong", 3, now)
		assert.ErrorIs(t, err, autherr.ErrInvalidCredential)
	}
	assert.Equal(t, "3", mr.HGet("otp:rec:tok-d", "attempts"))

	_, err := store.ConsumeByEmail(ctx, "d@example.com", "tok-d", 3, now)
	assert.ErrorIs(t, err, autherr.ErrTooManyAttempts)
	assert.False(t, mr.Exists("otp:rec:tok-d"))
}

func TestOTPStore_SaveReplacesPendingRecord(t *testing.T) {
	client, mr := setupRedis(t)
	store := NewOTPStore(client, "")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, newRecord("e@example.com", "old", now)))
	require.NoError(t, store.Save(ctx, newRecord("e@example.com", "new", now)))

	assert.False(t, mr.Exists("otp:rec:old"))

	_, err := store.ConsumeByToken(ctx, "old", 3, now)
	assert.ErrorIs(t, err, autherr.ErrInvalidCredential)

	_, err = store.ConsumeByEmail(ctx, "e@example.com", "new", 3, now)
	assert.NoError(t, err)
}

func TestOTPStore_ConcurrentConsumeSingleWinner(t *testing.T) {
	client, _ := setupRedis(t)
	store := NewOTPStore(client, "")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, newRecord("f@example.com", "tok-f", now)))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeByToken(ctx, "tok-f", 3, now); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
