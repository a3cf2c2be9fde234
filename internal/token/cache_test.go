package token_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/verbly-ai/verbly/internal/token"
)

// fakeSource counts mints and can be configured to fail or stall.
type fakeSource struct {
	mints atomic.Int64
	err   error
	delay time.Duration
	ttl   time.Duration
	now   func() time.Time
}

func (f *fakeSource) Mint(ctx context.Context, req token.Request) (token.Credential, error) {
	f.mints.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return token.Credential{}, ctx.Err()
		}
	}
	if f.err != nil {
		return token.Credential{}, f.err
	}
	now := time.Now()
	if f.now != nil {
		now = f.now()
	}
	ttl := f.ttl
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	return token.Credential{
		AccessToken:        "tok-1",
		ExpiresAt:          now.Add(ttl),
		NewSessionDeadline: now.Add(2 * time.Minute),
		ModelID:            "gemini-2.5-flash-native-audio-preview",
	}, nil
}

func TestCache_ConcurrentCallersShareOneMint(t *testing.T) {
	t.Parallel()

	src := &fakeSource{delay: 50 * time.Millisecond}
	cache := token.NewCache(src)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = cache.Credential(context.Background(), token.Request{SubjectID: "s1"}, false)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := src.mints.Load(); got != 1 {
		t.Fatalf("%d concurrent callers caused %d mints, want exactly 1", callers, got)
	}
}

func TestCache_ServesCachedCredentialWithinValidity(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	cache := token.NewCache(src)

	for range 5 {
		if _, err := cache.Credential(context.Background(), token.Request{SubjectID: "s1"}, false); err != nil {
			t.Fatalf("Credential: %v", err)
		}
	}
	if got := src.mints.Load(); got != 1 {
		t.Fatalf("sequential calls within validity caused %d mints, want 1", got)
	}
}

func TestCache_RefreshesBelowBufferWithoutForce(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	now := base
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	src := &fakeSource{ttl: 10 * time.Minute, now: clock}
	cache := token.NewCache(src, token.WithClock(clock))

	if _, err := cache.Credential(context.Background(), token.Request{SubjectID: "s1"}, false); err != nil {
		t.Fatalf("first Credential: %v", err)
	}

	// Advance to within the 5-minute refresh buffer: 10m ttl - 6m = 4m left.
	mu.Lock()
	now = base.Add(6 * time.Minute)
	mu.Unlock()

	if _, err := cache.Credential(context.Background(), token.Request{SubjectID: "s1"}, false); err != nil {
		t.Fatalf("second Credential: %v", err)
	}
	if got := src.mints.Load(); got != 2 {
		t.Fatalf("credential near expiry was not refreshed (mints=%d, want 2)", got)
	}
}

func TestCache_ForceBypassesCache(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	cache := token.NewCache(src)

	ctx := context.Background()
	if _, err := cache.Credential(ctx, token.Request{SubjectID: "s1"}, false); err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if _, err := cache.Credential(ctx, token.Request{SubjectID: "s1"}, true); err != nil {
		t.Fatalf("forced Credential: %v", err)
	}
	if got := src.mints.Load(); got != 2 {
		t.Fatalf("forced refresh did not mint (mints=%d, want 2)", got)
	}
}

func TestCache_ClearForcesFreshMint(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	cache := token.NewCache(src)

	ctx := context.Background()
	if _, err := cache.Credential(ctx, token.Request{SubjectID: "s1"}, false); err != nil {
		t.Fatalf("Credential: %v", err)
	}
	cache.Clear()
	if _, err := cache.Credential(ctx, token.Request{SubjectID: "s1"}, false); err != nil {
		t.Fatalf("Credential after Clear: %v", err)
	}
	if got := src.mints.Load(); got != 2 {
		t.Fatalf("Clear did not invalidate the cache (mints=%d, want 2)", got)
	}
}

func TestCache_MintFailureIsNotCached(t *testing.T) {
	t.Parallel()

	src := &fakeSource{err: errors.New("provisioning unreachable")}
	cache := token.NewCache(src)

	ctx := context.Background()
	if _, err := cache.Credential(ctx, token.Request{SubjectID: "s1"}, false); err == nil {
		t.Fatal("Credential succeeded against a failing source")
	}

	// Recovery: subsequent call mints again rather than replaying the error.
	src.err = nil
	if _, err := cache.Credential(ctx, token.Request{SubjectID: "s1"}, false); err != nil {
		t.Fatalf("Credential after recovery: %v", err)
	}
	if got := src.mints.Load(); got != 2 {
		t.Fatalf("mints = %d, want 2", got)
	}
}
