package ws

import (
	"encoding/json"
	"fmt"

	"github.com/christopherjohns/boardchat/internal/session"
)

// Envelope is the JSON structure exchanged over the WebSocket. Payload
// shape is fixed per event; see the payload types below.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound events.
const (
	EventRefresh     = "refresh"
	EventTotalUnread = "total unread"
	EventResetUnread = "reset unread"
	EventRooms       = "rooms"
	EventMessages    = "messages"
	EventMessage     = "message"
)

// Outbound-only events.
const (
	EventSession          = "session"
	EventUserConnected    = "user connected"
	EventUserDisconnected = "user disconnected"
	EventIncrUnread       = "incr unread"
	EventIncrTotalUnread  = "incr total unread"
	EventError            = "error"
)

// SessionPayload is sent to a connection once it is established, carrying
// the rooms the identity belongs to.
type SessionPayload struct {
	Rooms []session.Membership `json:"rooms"`
}

// CountPayload carries a total unread count.
type CountPayload struct {
	Count int `json:"count"`
}

// RoomPayload names a room, for reset-unread requests and confirmations.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// PostPayload is an inbound request to post a message.
type PostPayload struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

// PresencePayload announces a participant connecting to or disconnecting
// from a room, identified by their per-room alias.
type PresencePayload struct {
	RoomID   string `json:"roomId"`
	AuthorID string `json:"authorId"`
}

// UnreadDeltaPayload announces an unread counter increment to a room.
type UnreadDeltaPayload struct {
	RoomID string `json:"roomId"`
	Count  int    `json:"count"`
}

// ErrorPayload reports a rejected request to the sender only.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Encode marshals an event and payload into a wire-ready envelope.
func Encode(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("ws: marshal %q payload: %w", event, err)
		}
		raw = data
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}
