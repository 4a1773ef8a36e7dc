package session

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Unread tracks per-(room, identity) unread counters. Counters are only
// ever incremented by one (when another participant posts, see
// Messages.Append) or reset to zero, so totals are non-negative by
// construction. Missing or non-numeric values count as zero.
type Unread struct {
	client redis.Cmdable
	log    zerolog.Logger
}

// NewUnread creates an unread counter over the given store.
func NewUnread(client redis.Cmdable, log zerolog.Logger) *Unread {
	return &Unread{client: client, log: log}
}

// Total sums the identity's unread counters across all rooms, fetching
// them in one pipelined round trip.
func (u *Unread) Total(ctx context.Context, token string) (int, error) {
	keys, err := ScanKeys(ctx, u.client, unreadPattern(token))
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := u.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}

	total := 0
	for _, cmd := range cmds {
		val, err := cmd.Result()
		if err != nil {
			continue
		}
		if n, err := strconv.Atoi(val); err == nil {
			total += n
		}
	}
	return total, nil
}

// Reset sets the identity's unread counter for the room to zero.
func (u *Unread) Reset(ctx context.Context, token, roomID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := u.client.Set(ctx, unreadKey(roomID, token), 0, 0).Err(); err != nil {
		return err
	}
	u.log.Debug().Str("token", shortToken(token)).Str("room", roomID).Msg("reset unread")
	return nil
}

// Get returns the identity's unread counter for a single room.
func (u *Unread) Get(ctx context.Context, token, roomID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := u.client.Get(ctx, unreadKey(roomID, token)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
