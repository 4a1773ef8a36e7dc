package session

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Membership records that an identity belongs to a room, along with the
// identity's per-room author alias.
type Membership struct {
	RoomID   string `json:"roomId"`
	AuthorID string `json:"myAuthorId"`
}

// Roster is the room membership index. Membership is defined solely by the
// existence of a participant record; this core only reads those records.
type Roster struct {
	client redis.Cmdable
	log    zerolog.Logger
}

// NewRoster creates a membership index over the given store.
func NewRoster(client redis.Cmdable, log zerolog.Logger) *Roster {
	return &Roster{client: client, log: log}
}

// ListRooms enumerates every room the identity belongs to and fetches the
// identity's alias for each in one pipelined round trip. Participant
// records that vanish between the scan and the fetch are dropped.
func (r *Roster) ListRooms(ctx context.Context, token string) ([]Membership, error) {
	keys, err := ScanKeys(ctx, r.client, membershipPattern(token))
	if err != nil {
		return nil, err
	}

	rooms := make([]string, 0, len(keys))
	for _, key := range keys {
		if id := roomIDFromKey(key); id != "" {
			rooms = append(rooms, id)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(rooms))
	for i, roomID := range rooms {
		cmds[i] = pipe.HGet(ctx, participantKey(roomID, token), "authorId")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	memberships := make([]Membership, 0, len(rooms))
	for i, roomID := range rooms {
		alias, err := cmds[i].Result()
		if err != nil {
			continue
		}
		memberships = append(memberships, Membership{RoomID: roomID, AuthorID: alias})
	}
	r.log.Debug().Str("token", shortToken(token)).Int("rooms", len(memberships)).Msg("listed rooms")
	return memberships, nil
}

// IsMember reports whether the identity has a participant record in the
// room. O(1): a single existence check.
func (r *Roster) IsMember(ctx context.Context, token, roomID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := r.client.Exists(ctx, participantKey(roomID, token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
