package throttle

import (
	"context"
	"testing"
	"time"
)

func TestAllow_RejectsWithinInterval(t *testing.T) {
	l := New(nil, 500*time.Millisecond)
	base := time.Now()
	l.now = func() time.Time { return base }

	ctx := context.Background()
	if !l.Allow(ctx, "k1") {
		t.Fatal("first attempt should be allowed")
	}
	if l.Allow(ctx, "k1") {
		t.Error("immediate reconnect should be rejected")
	}

	// A different key is unaffected.
	if !l.Allow(ctx, "k2") {
		t.Error("unrelated key should be allowed")
	}
}

func TestAllow_PermitsAfterInterval(t *testing.T) {
	l := New(nil, 500*time.Millisecond)
	base := time.Now()
	l.now = func() time.Time { return base }

	ctx := context.Background()
	if !l.Allow(ctx, "k1") {
		t.Fatal("first attempt should be allowed")
	}

	l.now = func() time.Time { return base.Add(501 * time.Millisecond) }
	if !l.Allow(ctx, "k1") {
		t.Error("attempt after the interval should be allowed")
	}
}

func TestAllow_ZeroIntervalOrEmptyKey(t *testing.T) {
	ctx := context.Background()

	l := New(nil, 0)
	if !l.Allow(ctx, "k1") || !l.Allow(ctx, "k1") {
		t.Error("zero interval should disable throttling")
	}

	l = New(nil, time.Second)
	if !l.Allow(ctx, "") || !l.Allow(ctx, "") {
		t.Error("empty key should never be throttled")
	}
}
