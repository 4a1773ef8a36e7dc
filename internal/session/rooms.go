package session

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Participant is another identity's presence in a room, seen through its
// per-room alias only.
type Participant struct {
	AuthorID string `json:"authorId"`
	Online   bool   `json:"online"`
}

// RoomView joins room metadata, the viewer's unread count, and every
// participant's alias and online flag into the shape clients render.
type RoomView struct {
	ID           string        `json:"id"`
	BoardID      string        `json:"boardId"`
	ThreadID     string        `json:"threadId"`
	MyAuthorID   string        `json:"myAuthorId"`
	Participants []Participant `json:"participants"`
	Unread       int           `json:"unread"`
}

// Aggregator assembles RoomViews. It holds no state of its own; every call
// reads the store fresh.
type Aggregator struct {
	client redis.Cmdable
	log    zerolog.Logger
}

// NewAggregator creates a room view aggregator over the given store.
func NewAggregator(client redis.Cmdable, log zerolog.Logger) *Aggregator {
	return &Aggregator{client: client, log: log}
}

// roomFetch keeps one room's pipeline commands positionally associated
// with the view they hydrate.
type roomFetch struct {
	meta         *redis.MapStringStringCmd
	unread       *redis.StringCmd
	online       []*redis.StringCmd
	participants []*redis.MapStringStringCmd
}

// Rooms produces one view per membership. All metadata, counters, and
// participant state are fetched in a single pipelined batch; commands are
// held per room and per participant so results demultiplex back onto the
// right view. A room whose metadata has expired still yields a placeholder
// view with empty board and thread fields.
func (a *Aggregator) Rooms(ctx context.Context, token string, memberships []Membership) ([]RoomView, error) {
	views := make([]RoomView, len(memberships))
	for i, m := range memberships {
		views[i] = RoomView{
			ID:           m.RoomID,
			MyAuthorID:   m.AuthorID,
			Participants: []Participant{},
		}
	}

	participantKeys := make([][]string, len(memberships))
	for i, m := range memberships {
		keys, err := ScanKeys(ctx, a.client, participantPattern(m.RoomID))
		if err != nil {
			return nil, err
		}
		participantKeys[i] = keys
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := a.client.Pipeline()
	fetches := make([]roomFetch, len(memberships))
	for i, m := range memberships {
		fetches[i].meta = pipe.HGetAll(ctx, roomKey(m.RoomID))
		fetches[i].unread = pipe.Get(ctx, unreadKey(m.RoomID, token))
		for _, key := range participantKeys[i] {
			other := tokenFromParticipantKey(key)
			fetches[i].online = append(fetches[i].online, pipe.Get(ctx, onlineKey(other)))
			fetches[i].participants = append(fetches[i].participants, pipe.HGetAll(ctx, key))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for i := range views {
		f := fetches[i]
		if meta, err := f.meta.Result(); err == nil {
			views[i].BoardID = meta["boardId"]
			views[i].ThreadID = meta["threadId"]
		}
		if val, err := f.unread.Result(); err == nil {
			if n, err := strconv.Atoi(val); err == nil {
				views[i].Unread = n
			}
		}
		for j := range f.participants {
			record, err := f.participants[j].Result()
			if err != nil || len(record) == 0 {
				continue
			}
			online, _ := f.online[j].Result()
			views[i].Participants = append(views[i].Participants, Participant{
				AuthorID: record["authorId"],
				Online:   online == "1",
			})
		}
	}

	a.log.Debug().Str("token", shortToken(token)).Int("rooms", len(views)).Msg("compiled room views")
	return views, nil
}
