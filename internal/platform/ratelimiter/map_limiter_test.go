package ratelimiter

import (
	"fmt"
	"testing"
	"time"
)

func TestNew_Disabled(t *testing.T) {
	for _, tc := range []struct {
		rps   float64
		burst int
	}{{0, 10}, {-1, 10}, {5, 0}} {
		l := New(tc.rps, tc.burst, 0)
		if l != nil {
			t.Fatalf("New(%v, %d) = %v, want nil", tc.rps, tc.burst, l)
		}
		if !l.Allow("alice", time.Now()) {
			t.Error("nil limiter must allow")
		}
		if l.Len() != 0 {
			t.Error("nil limiter Len != 0")
		}
		l.Forget("alice")
	}
}

func TestMapLimiter_BurstThenRefill(t *testing.T) {
	l := New(1, 3, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if !l.Allow("alice", now) {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if l.Allow("alice", now) {
		t.Fatal("request beyond burst allowed")
	}
	if !l.Allow("bob", now) {
		t.Error("keys must not share a bucket")
	}
	if !l.Allow("alice", now.Add(time.Second)) {
		t.Error("token not refilled after 1s at 1 rps")
	}
	if !l.Allow("  ", now) {
		t.Error("empty key must not be limited")
	}
}

func TestMapLimiter_EvictsIdle(t *testing.T) {
	l := New(100, 100, time.Minute)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprint("idle-", i), start)
	}
	later := start.Add(2 * time.Minute)
	for i := 0; i < sweepEvery; i++ {
		l.Allow("active", later)
	}
	if got := l.Len(); got != 1 {
		t.Errorf("Len = %d, want 1 after sweep", got)
	}
	l.Forget("active")
	if got := l.Len(); got != 0 {
		t.Errorf("Len after Forget = %d", got)
	}
}
