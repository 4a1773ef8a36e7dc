package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Client is one physical WebSocket connection. A client belongs to several
// broadcast groups at once: its identity group (every tab/device of the
// same visitor) and one group per room it is a member of.
type Client struct {
	conn  *websocket.Conn
	send  chan []byte
	id    string
	token string

	mu     sync.Mutex
	groups map[string]struct{}
}

func newClient(conn *websocket.Conn, token string) *Client {
	return &Client{
		conn:   conn,
		id:     generateClientID(),
		token:  token,
		groups: make(map[string]struct{}),
	}
}

// Token returns the client's identity token.
func (c *Client) Token() string {
	return c.token
}

// Hub manages WebSocket clients grouped by broadcast group. Group emits
// reach every local member and, when a Relay is attached, every member on
// other processes as well.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Client]struct{}
	conns  *ConnManager
	relay  *Relay
	log    zerolog.Logger
}

// NewHub creates a Hub. relay may be nil for single-process deployments
// and tests; group counts are then process-local.
func NewHub(relay *Relay, log zerolog.Logger, opts ...ConnManagerOption) *Hub {
	h := &Hub{
		groups: make(map[string]map[*Client]struct{}),
		conns:  NewConnManager(log, opts...),
		relay:  relay,
		log:    log,
	}
	if relay != nil {
		relay.attach(h)
	}
	return h
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// AddClient registers a client and starts its write pump. The returned
// context is cancelled when the client is removed.
func (h *Hub) AddClient(c *Client) context.Context {
	return h.conns.Add(c)
}

// RemoveClient leaves every group the client joined and stops its write
// pump.
func (h *Hub) RemoveClient(ctx context.Context, c *Client) {
	c.mu.Lock()
	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()

	for _, g := range groups {
		h.Leave(ctx, c, g)
	}
	h.conns.Remove(c)
}

// Join adds the client to a broadcast group. With a relay attached the
// group's shared connection counter is incremented so other processes see
// the membership.
func (h *Hub) Join(ctx context.Context, c *Client, group string) {
	h.mu.Lock()
	if h.groups[group] == nil {
		h.groups[group] = make(map[*Client]struct{})
	}
	h.groups[group][c] = struct{}{}
	h.mu.Unlock()

	c.mu.Lock()
	c.groups[group] = struct{}{}
	c.mu.Unlock()

	if h.relay != nil {
		if err := h.relay.AddConn(ctx, group); err != nil {
			h.log.Warn().Err(err).Str("group", group).Msg("group counter increment failed")
		}
	}
}

// Leave removes the client from a broadcast group.
func (h *Hub) Leave(ctx context.Context, c *Client, group string) {
	h.mu.Lock()
	if members, ok := h.groups[group]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.groups, group)
	c.mu.Unlock()

	if h.relay != nil {
		if _, err := h.relay.RemoveConn(ctx, group); err != nil {
			h.log.Warn().Err(err).Str("group", group).Msg("group counter decrement failed")
		}
	}
}

// GroupCount reports how many live connections the group has. With a
// relay attached the count is cluster-wide; otherwise it is local. The
// count is advisory: a connection may open or close between the read and
// whatever the caller decides from it.
func (h *Hub) GroupCount(ctx context.Context, group string) (int, error) {
	if h.relay != nil {
		return h.relay.GroupCount(ctx, group)
	}
	return h.LocalGroupSize(group), nil
}

// LocalGroupSize returns the number of in-process members of a group.
func (h *Hub) LocalGroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Emit broadcasts an event to every member of a group, excluding at most
// one local client (the sender). With a relay attached the envelope is
// also published for delivery on other processes.
func (h *Hub) Emit(ctx context.Context, group, event string, payload any, exclude *Client) {
	data, err := Encode(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}
	h.deliverLocal(group, data, exclude)
	if h.relay != nil {
		h.relay.Publish(ctx, group, data)
	}
}

// Send queues an event for a single connection.
func (h *Hub) Send(c *Client, event string, payload any) {
	data, err := Encode(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode send")
		return
	}
	h.conns.Send(c, data)
}

// deliverLocal fans a pre-encoded envelope out to the group's in-process
// members.
func (h *Hub) deliverLocal(group string, data []byte, exclude *Client) {
	h.mu.RLock()
	members := h.groups[group]
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if c == exclude {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.conns.Send(c, data)
	}
}

func generateClientID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
