package session

import (
	"context"
	"testing"
	"time"
)

func TestPresenceSetOnline(t *testing.T) {
	client, mr := newTestClient(t)
	p := NewPresence(client, time.Hour, nopLogger())
	ctx := context.Background()

	if err := p.SetOnline(ctx, "tok-a"); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}

	online, err := p.IsOnline(ctx, "tok-a")
	if err != nil {
		t.Fatalf("IsOnline: %v", err)
	}
	if !online {
		t.Fatal("expected tok-a to be online")
	}

	ttl := mr.TTL("ip:tok-a:online")
	if ttl != time.Hour {
		t.Fatalf("expected 1h TTL, got %v", ttl)
	}
}

func TestPresenceSetOnlineRefreshesTTL(t *testing.T) {
	client, mr := newTestClient(t)
	p := NewPresence(client, time.Hour, nopLogger())
	ctx := context.Background()

	if err := p.SetOnline(ctx, "tok-a"); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	mr.FastForward(30 * time.Minute)
	if err := p.SetOnline(ctx, "tok-a"); err != nil {
		t.Fatalf("SetOnline again: %v", err)
	}

	if ttl := mr.TTL("ip:tok-a:online"); ttl != time.Hour {
		t.Fatalf("expected TTL refreshed to 1h, got %v", ttl)
	}
}

func TestPresenceMarkerExpires(t *testing.T) {
	client, mr := newTestClient(t)
	p := NewPresence(client, time.Minute, nopLogger())
	ctx := context.Background()

	p.SetOnline(ctx, "tok-a")
	mr.FastForward(2 * time.Minute)

	online, err := p.IsOnline(ctx, "tok-a")
	if err != nil {
		t.Fatalf("IsOnline: %v", err)
	}
	if online {
		t.Fatal("expected marker to have expired")
	}
}

func TestPresenceSetOffline(t *testing.T) {
	client, _ := newTestClient(t)
	p := NewPresence(client, time.Hour, nopLogger())
	ctx := context.Background()

	p.SetOnline(ctx, "tok-a")
	if err := p.SetOffline(ctx, "tok-a"); err != nil {
		t.Fatalf("SetOffline: %v", err)
	}

	online, _ := p.IsOnline(ctx, "tok-a")
	if online {
		t.Fatal("expected tok-a to be offline")
	}
}

func TestPresenceSetOfflineIdempotent(t *testing.T) {
	client, _ := newTestClient(t)
	p := NewPresence(client, time.Hour, nopLogger())

	// Never online; must still succeed.
	if err := p.SetOffline(context.Background(), "tok-a"); err != nil {
		t.Fatalf("SetOffline on absent marker: %v", err)
	}
}

func TestPresenceStoreDown(t *testing.T) {
	client, mr := newTestClient(t)
	p := NewPresence(client, time.Hour, nopLogger())
	mr.Close()

	if err := p.SetOnline(context.Background(), "tok-a"); err == nil {
		t.Fatal("expected error when store is unavailable")
	}
	if err := p.SetOffline(context.Background(), "tok-a"); err == nil {
		t.Fatal("expected error when store is unavailable")
	}
}
