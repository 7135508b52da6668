// Package session keeps the list of access tokens revoked before they expire.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Denylist records revoked token ids in Redis. Entries expire together with
// the token they block, so the set never outgrows the live tokens.
type Denylist struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewDenylist connects to redisURL and checks the connection.
func NewDenylist(redisURL string) (*Denylist, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewDenylistWithClient(client), nil
}

func NewDenylistWithClient(client *redis.Client) *Denylist {
	return &Denylist{
		client: client,
		prefix: "revoked:",
		now:    time.Now,
	}
}

// Client exposes the connection so other Redis users can share it.
func (d *Denylist) Client() *redis.Client {
	return d.client
}

func (d *Denylist) key(jti string) string {
	return d.prefix + jti
}

// Revoke blocks jti until expiresAt. Tokens already expired need no entry.
func (d *Denylist) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return fmt.Errorf("revoke token: missing jti")
	}
	ttl := expiresAt.Sub(d.now())
	if ttl <= 0 {
		return nil
	}
	if err := d.client.Set(ctx, d.key(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (d *Denylist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return n > 0, nil
}

func (d *Denylist) Close() error {
	return d.client.Close()
}

func (d *Denylist) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
