package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultOnlineTTL bounds how long an online marker survives without a
// reconnect.
const DefaultOnlineTTL = 24 * time.Hour

// Presence marks identities online and offline. Presence is advisory:
// callers treat a store failure as "take no action", never as fatal.
type Presence struct {
	client redis.Cmdable
	ttl    time.Duration
	log    zerolog.Logger
}

// NewPresence creates a Presence tracker whose online markers expire after
// ttl. A non-positive ttl selects DefaultOnlineTTL.
func NewPresence(client redis.Cmdable, ttl time.Duration, log zerolog.Logger) *Presence {
	if ttl <= 0 {
		ttl = DefaultOnlineTTL
	}
	return &Presence{client: client, ttl: ttl, log: log}
}

// SetOnline sets the identity's online marker, refreshing its TTL.
// Idempotent; safe to call on every reconnect.
func (p *Presence) SetOnline(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := p.client.Pipeline()
	pipe.Set(ctx, onlineKey(token), "1", 0)
	pipe.Expire(ctx, onlineKey(token), p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	p.log.Debug().Str("token", shortToken(token)).Msg("set online")
	return nil
}

// SetOffline deletes the identity's online marker unconditionally. The
// caller is responsible for ensuring no other live connection remains for
// the identity before calling this.
func (p *Presence) SetOffline(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := p.client.Del(ctx, onlineKey(token)).Err(); err != nil {
		return err
	}
	p.log.Debug().Str("token", shortToken(token)).Msg("set offline")
	return nil
}

// IsOnline reports whether the identity's online marker exists.
func (p *Presence) IsOnline(ctx context.Context, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := p.client.Exists(ctx, onlineKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// shortToken truncates a token for log lines; full tokens are opaque but
// long and nearly unique in their tail.
func shortToken(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[len(token)-6:]
}
