package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/boardchat/internal/identity"
	"github.com/christopherjohns/boardchat/internal/metrics"
	"github.com/christopherjohns/boardchat/internal/ratelimit"
	"github.com/christopherjohns/boardchat/internal/session"
)

// disconnectTimeout bounds the store work done while tearing a connection
// down; the request context is already gone by then.
const disconnectTimeout = 5 * time.Second

// Handler owns the connection lifecycle: it derives the identity from the
// transport address, marks presence, joins broadcast groups, dispatches
// request events, and on the identity's last disconnect clears presence
// and notifies its rooms.
//
// No request failure is fatal: store errors degrade to empty results or
// no-ops for the requesting connection only.
type Handler struct {
	hub     *Hub
	codec   *identity.Codec
	store   *session.Store
	limiter *ratelimit.PostLimiter
	log     zerolog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithPostLimiter bounds how fast one identity can post messages.
func WithPostLimiter(l *ratelimit.PostLimiter) HandlerOption {
	return func(h *Handler) {
		h.limiter = l
	}
}

// NewHandler creates a WebSocket Handler.
func NewHandler(hub *Hub, codec *identity.Codec, store *session.Store, log zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:   hub,
		codec: codec,
		store: store,
		log:   log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// connState is the per-connection view of the identity's room list,
// mutable by refresh requests while the read loop runs.
type connState struct {
	mu          sync.Mutex
	memberships []session.Membership
}

func (s *connState) set(ms []session.Membership) {
	s.mu.Lock()
	s.memberships = ms
	s.mu.Unlock()
}

func (s *connState) get() []session.Membership {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberships
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// connection through its lifecycle: Connecting, Active, Disconnected.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin checks happen at the fronting proxy.
	})
	if err != nil {
		h.log.Debug().Err(err).Msg("accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	token := h.codec.Hash(identity.ClientAddress(r))
	client := newClient(conn, token)
	log := h.log.With().Str("token", shortToken(token)).Str("client", client.id).Logger()

	// Presence is best-effort: a store failure here must not refuse the
	// connection.
	if err := h.store.Presence.SetOnline(ctx, token); err != nil {
		metrics.StoreErrors.WithLabelValues("set_online").Inc()
		log.Warn().Err(err).Msg("set online failed")
	}

	memberships, err := h.store.Roster.ListRooms(ctx, token)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list_rooms").Inc()
		log.Warn().Err(err).Msg("list rooms failed, starting with none")
		memberships = nil
	}
	state := &connState{memberships: memberships}

	connCtx := h.hub.AddClient(client)
	defer h.disconnect(client, state, log)

	h.hub.Join(ctx, client, token)
	for _, m := range memberships {
		h.hub.Join(ctx, client, m.RoomID)
		h.hub.Emit(ctx, m.RoomID, EventUserConnected, PresencePayload{RoomID: m.RoomID, AuthorID: m.AuthorID}, client)
	}

	h.hub.Send(client, EventSession, SessionPayload{Rooms: nonNil(memberships)})
	metrics.ConnectionsTotal.Inc()
	log.Debug().Int("rooms", len(memberships)).Msg("connection established")

	h.readLoop(ctx, connCtx, client, state, log)
}

// disconnect runs the last-connection check: when no live connection
// remains anywhere for this identity, presence is cleared and every room
// is told. A second connection opening between the count and the presence
// write can produce a spurious offline broadcast; presence is advisory and
// the next connect repairs it.
func (h *Handler) disconnect(client *Client, state *connState, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	h.hub.RemoveClient(ctx, client)

	remaining, err := h.hub.GroupCount(ctx, client.token)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("group_count").Inc()
		log.Warn().Err(err).Msg("remaining-connections check failed, leaving presence as is")
		return
	}
	if remaining > 0 {
		log.Debug().Int("remaining", remaining).Msg("identity still connected elsewhere")
		return
	}

	for _, m := range state.get() {
		h.hub.Emit(ctx, m.RoomID, EventUserDisconnected, PresencePayload{RoomID: m.RoomID, AuthorID: m.AuthorID}, nil)
	}
	if err := h.store.Presence.SetOffline(ctx, client.token); err != nil {
		metrics.StoreErrors.WithLabelValues("set_offline").Inc()
		log.Warn().Err(err).Msg("set offline failed")
	}
	if h.limiter != nil {
		h.limiter.Forget(client.token)
	}
	log.Debug().Msg("last connection closed")
}

// readLoop dispatches inbound request events until the connection closes
// or the connection manager cancels connCtx. Handlers are independent: any
// order, any number of times.
func (h *Handler) readLoop(ctx, connCtx context.Context, client *Client, state *connState, log zerolog.Logger) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		h.hub.ConnMgr().TouchActivity(client)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Event {
		case EventRefresh:
			h.handleRefresh(ctx, client, state, log)
		case EventTotalUnread:
			h.handleTotalUnread(ctx, client, log)
		case EventResetUnread:
			h.handleResetUnread(ctx, client, env.Payload, log)
		case EventRooms:
			h.handleRooms(ctx, client, state, log)
		case EventMessages:
			h.handleMessages(ctx, client, env.Payload, log)
		case EventMessage:
			h.handlePost(ctx, client, env.Payload, log)
		}
	}
}

func (h *Handler) handleRefresh(ctx context.Context, client *Client, state *connState, log zerolog.Logger) {
	memberships, err := h.store.Roster.ListRooms(ctx, client.token)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list_rooms").Inc()
		log.Warn().Err(err).Msg("refresh failed, keeping previous room list")
		return
	}
	state.set(memberships)
	log.Debug().Int("rooms", len(memberships)).Msg("room list refreshed")
}

func (h *Handler) handleTotalUnread(ctx context.Context, client *Client, log zerolog.Logger) {
	count, err := h.store.Unread.Total(ctx, client.token)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("total_unread").Inc()
		log.Warn().Err(err).Msg("total unread failed, reporting zero")
		count = 0
	}
	h.hub.Send(client, EventTotalUnread, CountPayload{Count: count})
}

func (h *Handler) handleResetUnread(ctx context.Context, client *Client, payload json.RawMessage, log zerolog.Logger) {
	var p RoomPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.RoomID == "" {
		return
	}
	if err := h.store.Unread.Reset(ctx, client.token, p.RoomID); err != nil {
		metrics.StoreErrors.WithLabelValues("reset_unread").Inc()
		log.Warn().Err(err).Str("room", p.RoomID).Msg("reset unread failed")
	}
}

func (h *Handler) handleRooms(ctx context.Context, client *Client, state *connState, log zerolog.Logger) {
	views, err := h.store.Rooms.Rooms(ctx, client.token, state.get())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("rooms").Inc()
		log.Warn().Err(err).Msg("room views failed, reporting none")
		views = nil
	}
	if views == nil {
		views = []session.RoomView{}
	}
	h.hub.Send(client, EventRooms, views)
}

func (h *Handler) handleMessages(ctx context.Context, client *Client, payload json.RawMessage, log zerolog.Logger) {
	var roomID string
	if err := json.Unmarshal(payload, &roomID); err != nil || roomID == "" {
		h.hub.Send(client, EventMessages, []session.Message{})
		return
	}

	member, err := h.store.Roster.IsMember(ctx, client.token, roomID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("is_member").Inc()
		log.Warn().Err(err).Str("room", roomID).Msg("membership check failed")
	}
	if !member {
		// Non-members get an empty list and no unread state is touched.
		h.hub.Send(client, EventMessages, []session.Message{})
		return
	}

	msgs, err := h.store.Messages.List(ctx, roomID, client.token)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list_messages").Inc()
		log.Warn().Err(err).Str("room", roomID).Msg("list messages failed, reporting none")
		msgs = nil
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	h.hub.Send(client, EventMessages, msgs)

	// Fetching a room's messages marks it read.
	if err := h.store.Unread.Reset(ctx, client.token, roomID); err != nil {
		metrics.StoreErrors.WithLabelValues("reset_unread").Inc()
		log.Warn().Err(err).Str("room", roomID).Msg("reset unread failed")
	}
	count, err := h.store.Unread.Total(ctx, client.token)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("total_unread").Inc()
		count = 0
	}
	h.hub.Send(client, EventResetUnread, RoomPayload{RoomID: roomID})
	h.hub.Send(client, EventTotalUnread, CountPayload{Count: count})
}

func (h *Handler) handlePost(ctx context.Context, client *Client, payload json.RawMessage, log zerolog.Logger) {
	var p PostPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.RoomID == "" {
		h.hub.Send(client, EventError, ErrorPayload{Message: "invalid message payload"})
		return
	}

	if h.limiter != nil && !h.limiter.Allow(client.token) {
		metrics.MessagesRejected.WithLabelValues("rate_limit").Inc()
		h.hub.Send(client, EventError, ErrorPayload{Message: "posting too fast"})
		return
	}

	msg, err := h.store.Messages.Append(ctx, p.RoomID, client.token, p.Content)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotAMember):
		metrics.MessagesRejected.WithLabelValues("membership").Inc()
		h.hub.Send(client, EventError, ErrorPayload{Message: err.Error()})
		return
	case errors.Is(err, session.ErrEmptyContent),
		errors.Is(err, session.ErrInvalidContent),
		errors.Is(err, session.ErrContentTooLong):
		metrics.MessagesRejected.WithLabelValues("validation").Inc()
		h.hub.Send(client, EventError, ErrorPayload{Message: err.Error()})
		return
	default:
		// Store failure: the sender sees no confirmation.
		metrics.StoreErrors.WithLabelValues("append_message").Inc()
		log.Warn().Err(err).Str("room", p.RoomID).Msg("append failed")
		return
	}

	metrics.MessagesPosted.Inc()
	h.hub.Emit(ctx, p.RoomID, EventIncrTotalUnread, UnreadDeltaPayload{RoomID: p.RoomID, Count: 1}, client)
	h.hub.Emit(ctx, p.RoomID, EventIncrUnread, UnreadDeltaPayload{RoomID: p.RoomID, Count: 1}, client)
	h.hub.Emit(ctx, p.RoomID, EventMessage, msg, client)

	// The sender's own echo carries no author.
	echo := *msg
	echo.From = nil
	h.hub.Send(client, EventMessage, echo)
}

func nonNil(ms []session.Membership) []session.Membership {
	if ms == nil {
		return []session.Membership{}
	}
	return ms
}

// shortToken truncates a token for log fields.
func shortToken(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[len(token)-6:]
}
