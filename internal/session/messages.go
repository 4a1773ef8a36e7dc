package session

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// MaxContentLength is the longest accepted message, in runes.
	MaxContentLength = 250

	// DefaultRoomTTL bounds how long room data, participant entries, and
	// messages survive without activity.
	DefaultRoomTTL = 10 * time.Minute
)

// Content validation and membership failures. Callers surface these to the
// sender only; they never produce stored state.
var (
	ErrEmptyContent   = errors.New("missing message content")
	ErrInvalidContent = errors.New("invalid message content")
	ErrContentTooLong = errors.New("message too long")
	ErrNotAMember     = errors.New("not a room participant")
)

// Message is one chat message. From is the author's per-room alias; it is
// nil when the message is viewed by its own author.
type Message struct {
	RoomID    string  `json:"roomId"`
	From      *string `json:"from"`
	Content   string  `json:"content"`
	CreatedAt int64   `json:"createdAt"`
}

// Messages is the append-only, TTL-bounded message log. Appending a
// message also refreshes the room's TTLs and increments every other
// participant's unread counter in the same pipelined batch. The batch is
// pipelined for efficiency, not atomicity: the individual operations are
// commutative (increments) or idempotent (TTL refreshes), so partial
// execution cannot corrupt state.
type Messages struct {
	client redis.Cmdable
	clock  clock.Clock
	ttl    time.Duration
	log    zerolog.Logger
}

// MessagesOption configures a Messages log.
type MessagesOption func(*Messages)

// WithClock substitutes the wall clock used for message timestamps.
func WithClock(clk clock.Clock) MessagesOption {
	return func(m *Messages) {
		m.clock = clk
	}
}

// NewMessages creates a message log whose entries expire after ttl. A
// non-positive ttl selects DefaultRoomTTL.
func NewMessages(client redis.Cmdable, ttl time.Duration, log zerolog.Logger, opts ...MessagesOption) *Messages {
	if ttl <= 0 {
		ttl = DefaultRoomTTL
	}
	m := &Messages{
		client: client,
		clock:  clock.New(),
		ttl:    ttl,
		log:    log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ValidateContent checks that content is present, textual, and within the
// length limit.
func ValidateContent(content string) error {
	if content == "" {
		return ErrEmptyContent
	}
	if !utf8.ValidString(content) || strings.ContainsRune(content, 0) {
		return ErrInvalidContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}

// Append validates content, resolves the poster's alias, and writes the
// message keyed by room and wall-clock timestamp. The same batch refreshes
// the room's and every participant entry's TTL and increments every other
// participant's unread counter; the poster's own counter is skipped.
//
// The returned message carries the poster's alias in From; callers echoing
// it back to the poster null the alias first.
func (m *Messages) Append(ctx context.Context, roomID, token, content string) (*Message, error) {
	if err := ValidateContent(content); err != nil {
		return nil, err
	}

	hgetCtx, cancel := context.WithTimeout(ctx, opTimeout)
	alias, err := m.client.HGet(hgetCtx, participantKey(roomID, token), "authorId").Result()
	cancel()
	if errors.Is(err, redis.Nil) || (err == nil && alias == "") {
		return nil, ErrNotAMember
	}
	if err != nil {
		return nil, err
	}

	entryKeys, err := ScanKeys(ctx, m.client, roomEntryPattern(roomID))
	if err != nil {
		return nil, err
	}

	ctx, cancel = context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := m.clock.Now().UnixMilli()
	key := messageKey(roomID, now)

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"roomId":    roomID,
		"from":      alias,
		"content":   content,
		"createdAt": now,
	})
	pipe.Expire(ctx, key, m.ttl)
	pipe.Expire(ctx, roomKey(roomID), m.ttl)
	for _, entry := range entryKeys {
		if isUnreadKey(entry) && !ownedBy(entry, token) {
			pipe.Incr(ctx, entry)
		}
		pipe.Expire(ctx, entry, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	m.log.Debug().Str("token", shortToken(token)).Str("room", roomID).Msg("message appended")
	return &Message{
		RoomID:    roomID,
		From:      &alias,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// List returns every live message in the room, sorted ascending by
// creation timestamp (scan order is arbitrary). Messages authored by the
// viewer carry a nil From so clients can mark their own messages.
func (m *Messages) List(ctx context.Context, roomID, viewerToken string) ([]Message, error) {
	keys, err := ScanKeys(ctx, m.client, messagePattern(roomID))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := m.client.Pipeline()
	aliasCmd := pipe.HGet(ctx, participantKey(roomID, viewerToken), "authorId")
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	myAlias, _ := aliasCmd.Result()

	msgs := make([]Message, 0, len(keys))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			// Expired between scan and fetch.
			continue
		}
		createdAt, _ := strconv.ParseInt(fields["createdAt"], 10, 64)
		msg := Message{
			RoomID:    roomID,
			Content:   fields["content"],
			CreatedAt: createdAt,
		}
		if from := fields["from"]; from != myAlias {
			msg.From = &from
		}
		msgs = append(msgs, msg)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt < msgs[j].CreatedAt
	})
	return msgs, nil
}
