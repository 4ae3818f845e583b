package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisRevoker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	revoker := NewRedisRevoker(client, time.Hour)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_123)

	if _, ok, err := revoker.RevokedAt(ctx, "w1"); err != nil || ok {
		t.Fatalf("expected no revocation, got ok=%v err=%v", ok, err)
	}

	if err := revoker.Revoke(ctx, "w1", at); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}

	got, ok, err := revoker.RevokedAt(ctx, "w1")
	if err != nil || !ok {
		t.Fatalf("expected revocation, got ok=%v err=%v", ok, err)
	}
	if !got.Equal(at) {
		t.Fatalf("expected %v, got %v", at, got)
	}

	if ttl := mr.TTL(keyPrefix + "w1"); ttl != time.Hour {
		t.Fatalf("expected ttl 1h, got %v", ttl)
	}

	// Entries written in whole seconds are still read correctly.
	if err := mr.Set(keyPrefix+"w2", "1700000000"); err != nil {
		t.Fatalf("seed legacy entry: %v", err)
	}
	got, ok, err = revoker.RevokedAt(ctx, "w2")
	if err != nil || !ok || !got.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("expected legacy seconds entry, got %v ok=%v err=%v", got, ok, err)
	}
}

func TestIsRevoked(t *testing.T) {
	revoker := NewMemoryRevoker()
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 500_000_000)

	revoked, err := IsRevoked(ctx, revoker, "w1", at.Add(-time.Hour))
	if err != nil || revoked {
		t.Fatalf("expected not revoked before any revocation, got %v %v", revoked, err)
	}

	_ = revoker.Revoke(ctx, "w1", at)

	cases := []struct {
		name     string
		issuedAt time.Time
		want     bool
	}{
		{"issued earlier", at.Add(-time.Minute), true},
		{"whole-second issued-at in the same second", time.Unix(at.Unix(), 0), true},
		{"issued in the same millisecond", at.Add(400 * time.Microsecond), true},
		{"issued later in the same second", at.Add(2 * time.Millisecond), false},
		{"issued after", at.Add(2 * time.Second), false},
	}
	for _, tc := range cases {
		got, err := IsRevoked(ctx, revoker, "w1", tc.issuedAt)
		if err != nil {
			t.Fatalf("%s: IsRevoked() error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}

	if revoked, _ := IsRevoked(ctx, revoker, "w2", at.Add(-time.Minute)); revoked {
		t.Fatal("revocation must not leak to other workers")
	}
}
