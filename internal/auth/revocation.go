package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const revocationPrefix = "blacklist:"

// RedisRevocationList stores revoked tokens as "blacklist:<token>" keys that
// expire with the token.
type RedisRevocationList struct {
	client redis.UniversalClient
}

func NewRedisRevocationList(client redis.UniversalClient) *RedisRevocationList {
	return &RedisRevocationList{client: client}
}

func (l *RedisRevocationList) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := l.client.Exists(ctx, revocationPrefix+token).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revoke lists token until ttl passes.
func (l *RedisRevocationList) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	return l.client.Set(ctx, revocationPrefix+token, "revoked", ttl).Err()
}
