package session

import (
	"context"
	"testing"
)

func TestRosterListRooms(t *testing.T) {
	client, _ := newTestClient(t)
	r := NewRoster(client, nopLogger())
	ctx := context.Background()

	seedRoom(t, client, "r1", "b", "111", map[string]string{"tok-a": "alias-a1", "tok-b": "alias-b1"})
	seedRoom(t, client, "r2", "x", "222", map[string]string{"tok-a": "alias-a2"})
	seedRoom(t, client, "r3", "g", "333", map[string]string{"tok-b": "alias-b3"})

	memberships, err := r.ListRooms(ctx, "tok-a")
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(memberships) != 2 {
		t.Fatalf("expected 2 rooms for tok-a, got %d", len(memberships))
	}

	byRoom := make(map[string]string)
	for _, m := range memberships {
		byRoom[m.RoomID] = m.AuthorID
	}
	if byRoom["r1"] != "alias-a1" {
		t.Errorf("expected alias-a1 in r1, got %q", byRoom["r1"])
	}
	if byRoom["r2"] != "alias-a2" {
		t.Errorf("expected alias-a2 in r2, got %q", byRoom["r2"])
	}
}

func TestRosterListRoomsNone(t *testing.T) {
	client, _ := newTestClient(t)
	r := NewRoster(client, nopLogger())

	memberships, err := r.ListRooms(context.Background(), "tok-z")
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(memberships) != 0 {
		t.Fatalf("expected no rooms, got %d", len(memberships))
	}
}

func TestRosterListRoomsStoreDown(t *testing.T) {
	client, mr := newTestClient(t)
	r := NewRoster(client, nopLogger())
	mr.Close()

	if _, err := r.ListRooms(context.Background(), "tok-a"); err == nil {
		t.Fatal("expected error when store is unavailable")
	}
}

func TestRosterIsMember(t *testing.T) {
	client, _ := newTestClient(t)
	r := NewRoster(client, nopLogger())
	ctx := context.Background()

	seedRoom(t, client, "r1", "b", "111", map[string]string{"tok-a": "alias-a1"})

	member, err := r.IsMember(ctx, "tok-a", "r1")
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if !member {
		t.Fatal("expected tok-a to be a member of r1")
	}

	member, err = r.IsMember(ctx, "tok-b", "r1")
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if member {
		t.Fatal("expected tok-b not to be a member of r1")
	}

	member, err = r.IsMember(ctx, "tok-a", "r9")
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if member {
		t.Fatal("expected no membership in unknown room")
	}
}
