package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
)

func newTestLog(t *testing.T) (*Messages, *redis.Client, *clock.Mock) {
	t.Helper()
	client, _ := newTestClient(t)
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMessages(client, 10*time.Minute, nopLogger(), WithClock(clk))
	return m, client, clk
}

func TestAppendAndList(t *testing.T) {
	m, client, _ := newTestLog(t)
	ctx := context.Background()
	seedRoom(t, client, "r1", "b", "111", map[string]string{"tok-a": "alias-a", "tok-b": "alias-b"})

	msg, err := m.Append(ctx, "r1", "tok-a", "hello")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if msg.From == nil || *msg.From != "alias-a" {
		t.Fatalf("expected stored message from alias-a, got %v", msg.From)
	}
	if msg.Content != "hello" {
		t.Fatalf("expected content 'hello', got %q", msg.Content)
	}

	// The author sees their own message with a nil author.
	msgs, err := m.List(ctx, "r1", "tok-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].From != nil {
		t.Fatalf("expected nil author for own message, got %q", *msgs[0].From)
	}

	// Another member sees the author's alias.
	msgs, err = m.List(ctx, "r1", "tok-b")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].From == nil || *msgs[0].From != "alias-a" {
		t.Fatalf("expected author alias-a, got %v", msgs[0].From)
	}
}

func TestAppendValidation(t *testing.T) {
	m, client, _ := newTestLog(t)
	ctx := context.Background()
	seedRoom(t, client, "r1", "b", "111", map[string]string{"tok-a": "alias-a", "tok-b": "alias-b"})

	cases := []struct {
		name    string
		content string
		want    error
	}{
		{"empty", "", ErrEmptyContent},
		{"too long", strings.Repeat("x", MaxContentLength+1), ErrContentTooLong},
		{"invalid utf8", "abc\xff", ErrInvalidContent},
		{"nul byte", "abc\x00def", ErrInvalidContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Append(ctx, "r1", "tok-a", tc.content); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	// No message stored, no counter incremented.
	msgs, _ := m.List(ctx, "r1", "tok-b")
	if len(msgs) != 0 {
		t.Fatalf("expected no stored messages, got %d", len(msgs))
	}
	if val, _ := client.Get(ctx, unreadKey("r1", "tok-b")).Result(); val != "0" {
		t.Fatalf("expected untouched counter, got %q", val)
	}
}

func TestAppendMaxLengthBoundary(t *testing.T) {
	m, client, _ := newTestLog(t)
	ctx := context.Background()
	seedRoom(t, client, "r1", "b", "111", map[string]string{"tok-a": "alias-a"})

	// Exactly 250 runes is accepted, including multibyte runes.
	content := strings.Repeat("é", MaxContentLength)
	if _, err := m.Append(ctx, "r1", "tok-a", content); err != nil {
		t.Fatalf("Append at boundary: %v", err)
	}
}

func TestAppendNotAMember(t *testing.T) {
	m, client, _ := newTestLog(t)
	ctx := context.Background()
	seedRoom(t, client, "r1", "b", "111", map[string]string{"tok-a": "alias-a"})

	if _, err := m.Append(ctx, "r1", "tok-z", "hello"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
	if _, err := m.Append(ctx, "r9", "tok-a", "hello"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember for unknown room, got %v", err)
	}
}

func TestAppendIncrementsOtherCountersOnly(t *testing.T) {
	m, client, _ := newTestLog(t)
	ctx := context.Background()
	seedRoom(t, client, "r1", "b", "111", map[string]string{
		"tok-a": "alias-a",
		"tok-b": "alias-b",
		"tok-c": "alias-c",
	})

	if _, err := m.Append(ctx, "r1", "tok-a", "hello"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	for token, want := range map[string]string{"tok-a": "0", "tok-b": "1", "tok-c": "1"} {
		val, err := client.Get(ctx, unreadKey("r1", token)).Result()
		if err != nil {
			t.Fatalf("get counter for %s: %v", token, err)
		}
		if val != want {
			t.Errorf("counter for %s: expected %s, got %s", token, want, val)
		}
	}
}

func TestAppendRefreshesRoomTTLs(t *testing.T) {
	client, mr := newTestClient(t)
	m := NewMessages(client, 10*time.Minute, nopLogger(), WithClock(clock.NewMock()))
	ctx := context.Background()
	seedRoom(t, client, "r1", "b", "111", map[string]string{"tok-a": "alias-a", "tok-b": "alias-b"})

	if _, err := m.Append(ctx, "r1", "tok-a", "hi"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	for _, key := range []string{
		roomKey("r1"),
		participantKey("r1", "tok-b"),
		unreadKey("r1", "tok-b"),
		participantKey("r1", "tok-a"),
		unreadKey("r1", "tok-a"),
	} {
		if ttl := mr.TTL(key); ttl != 10*time.Minute {
			t.Errorf("expected 10m TTL on %s, got %v", key, ttl)
		}
	}
}

func TestMessagesExpire(t *testing.T) {
	client, mr := newTestClient(t)
	m := NewMessages(client, time.Minute, nopLogger(), WithClock(clock.NewMock()))
	ctx := context.Background()
	seedRoom(t, client, "r1", "b", "111", map[string]string{"tok-a": "alias-a"})

	if _, err := m.Append(ctx, "r1", "tok-a", "ephemeral"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	msgs, err := m.List(ctx, "r1", "tok-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected messages to expire, got %d", len(msgs))
	}
}

func TestListSortedByCreationTime(t *testing.T) {
	m, client, clk := newTestLog(t)
	ctx := context.Background()
	seedRoom(t, client, "r1", "b", "111", map[string]string{"tok-a": "alias-a"})

	contents := []string{"first", "second", "third", "fourth"}
	for _, c := range contents {
		if _, err := m.Append(ctx, "r1", "tok-a", c); err != nil {
			t.Fatalf("Append %q: %v", c, err)
		}
		clk.Add(time.Second)
	}

	msgs, err := m.List(ctx, "r1", "tok-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != len(contents) {
		t.Fatalf("expected %d messages, got %d", len(contents), len(msgs))
	}
	for i, want := range contents {
		if msgs[i].Content != want {
			t.Errorf("position %d: expected %q, got %q", i, want, msgs[i].Content)
		}
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt < msgs[i-1].CreatedAt {
			t.Fatalf("timestamps not non-decreasing at %d", i)
		}
	}
}

func TestListEmptyRoom(t *testing.T) {
	m, client, _ := newTestLog(t)
	seedRoom(t, client, "r1", "b", "111", map[string]string{"tok-a": "alias-a"})

	msgs, err := m.List(context.Background(), "r1", "tok-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty list, got %d", len(msgs))
	}
}

func TestAppendStoreDown(t *testing.T) {
	client, mr := newTestClient(t)
	m := NewMessages(client, time.Minute, nopLogger())
	mr.Close()

	if _, err := m.Append(context.Background(), "r1", "tok-a", "hello"); err == nil {
		t.Fatal("expected error when store is unavailable")
	}
}
