package session

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Store bundles the session components over one shared store client.
type Store struct {
	Presence *Presence
	Roster   *Roster
	Unread   *Unread
	Messages *Messages
	Rooms    *Aggregator
}

// NewStore wires every component to the same client. onlineTTL bounds the
// presence markers, roomTTL bounds room data and messages; non-positive
// values select the defaults.
func NewStore(client redis.Cmdable, onlineTTL, roomTTL time.Duration, log zerolog.Logger, opts ...MessagesOption) *Store {
	return &Store{
		Presence: NewPresence(client, onlineTTL, log),
		Roster:   NewRoster(client, log),
		Unread:   NewUnread(client, log),
		Messages: NewMessages(client, roomTTL, log, opts...),
		Rooms:    NewAggregator(client, log),
	}
}
