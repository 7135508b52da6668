package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*Denylist, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	denylist, err := NewDenylist("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create denylist: %v", err)
	}
	t.Cleanup(func() { _ = denylist.Close() })
	return denylist, s
}

func TestNewDenylist(t *testing.T) {
	denylist, _ := setupTestRedis(t)
	if err := denylist.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewDenylistBadURL(t *testing.T) {
	if _, err := NewDenylist("not-a-url"); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestRevokeAndCheck(t *testing.T) {
	denylist, _ := setupTestRedis(t)
	ctx := context.Background()

	revoked, err := denylist.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if revoked {
		t.Fatal("fresh token must not be revoked")
	}

	if err := denylist.Revoke(ctx, "jti-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	revoked, err = denylist.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if !revoked {
		t.Fatal("expected token to be revoked")
	}
}

func TestRevokedEntryExpiresWithToken(t *testing.T) {
	denylist, s := setupTestRedis(t)
	ctx := context.Background()

	if err := denylist.Revoke(ctx, "jti-2", time.Now().Add(10*time.Minute)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if ttl := s.TTL("revoked:jti-2"); ttl <= 0 || ttl > 10*time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	s.FastForward(11 * time.Minute)
	revoked, err := denylist.IsRevoked(ctx, "jti-2")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if revoked {
		t.Fatal("entry should expire with the token")
	}
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	denylist, s := setupTestRedis(t)
	if err := denylist.Revoke(context.Background(), "old", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if s.Exists("revoked:old") {
		t.Fatal("expired tokens should not be stored")
	}
}

func TestRevokeRequiresJTI(t *testing.T) {
	denylist, _ := setupTestRedis(t)
	if err := denylist.Revoke(context.Background(), "", time.Now().Add(time.Hour)); err == nil {
		t.Fatal("expected error for empty jti")
	}
}
