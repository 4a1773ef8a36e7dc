package session

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// newTestClient starts a miniredis and returns a client bound to it.
func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

// seedRoom provisions a room the way the out-of-band provisioning path
// would: room metadata, one participant record per identity, and a zeroed
// unread counter per identity.
func seedRoom(t *testing.T, client redis.Cmdable, roomID, boardID, threadID string, participants map[string]string) {
	t.Helper()
	ctx := context.Background()

	if err := client.HSet(ctx, roomKey(roomID), map[string]any{
		"id":       roomID,
		"boardId":  boardID,
		"threadId": threadID,
	}).Err(); err != nil {
		t.Fatalf("seed room data: %v", err)
	}
	for token, alias := range participants {
		if err := client.HSet(ctx, participantKey(roomID, token), map[string]any{
			"ipHash":   token,
			"authorId": alias,
		}).Err(); err != nil {
			t.Fatalf("seed participant %s: %v", alias, err)
		}
		if err := client.Set(ctx, unreadKey(roomID, token), 0, 0).Err(); err != nil {
			t.Fatalf("seed unread counter for %s: %v", alias, err)
		}
	}
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
