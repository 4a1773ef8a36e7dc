package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// relayChannel is the pub/sub channel all processes share for group
// fanout.
const relayChannel = "boardchat:fanout"

// groupCounterTTL bounds the shared group connection counters so crashed
// processes cannot pin counts forever.
const groupCounterTTL = 24 * time.Hour

// relayFrame is one cross-process broadcast: a pre-encoded envelope
// addressed to a group, stamped with the publishing process so the origin
// skips its own publications (it already delivered locally).
type relayFrame struct {
	Origin string          `json:"origin"`
	Group  string          `json:"group"`
	Data   json.RawMessage `json:"data"`
}

// Relay fans group broadcasts out across server processes through the
// store's pub/sub, and keeps shared per-group connection counters so any
// process can ask how many live connections an identity has cluster-wide.
type Relay struct {
	client redis.UniversalClient
	origin string
	log    zerolog.Logger
	hub    *Hub
}

// NewRelay creates a relay over the given store client. Call Run to start
// consuming remote broadcasts.
func NewRelay(client redis.UniversalClient, log zerolog.Logger) *Relay {
	return &Relay{
		client: client,
		origin: generateClientID(),
		log:    log,
	}
}

// attach wires the relay to the hub it delivers remote broadcasts into.
func (r *Relay) attach(h *Hub) {
	r.hub = h
}

// Run subscribes to the fanout channel and replays remote broadcasts into
// the local hub until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, relayChannel)
	defer sub.Close()

	// Fail fast if the subscription could not be established.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("ws: relay subscription closed")
			}
			var frame relayFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				r.log.Warn().Err(err).Msg("malformed relay frame")
				continue
			}
			if frame.Origin == r.origin || r.hub == nil {
				continue
			}
			r.hub.deliverLocal(frame.Group, frame.Data, nil)
		}
	}
}

// Publish sends a pre-encoded envelope to the group's members on other
// processes. Best-effort: a publish failure is logged, not returned, since
// local delivery has already happened.
func (r *Relay) Publish(ctx context.Context, group string, data []byte) {
	frame, err := json.Marshal(relayFrame{Origin: r.origin, Group: group, Data: data})
	if err != nil {
		r.log.Error().Err(err).Msg("marshal relay frame")
		return
	}
	if err := r.client.Publish(ctx, relayChannel, frame).Err(); err != nil {
		r.log.Warn().Err(err).Str("group", group).Msg("relay publish failed")
	}
}

// AddConn increments the group's shared connection counter.
func (r *Relay) AddConn(ctx context.Context, group string) error {
	pipe := r.client.Pipeline()
	pipe.Incr(ctx, groupConnsKey(group))
	pipe.Expire(ctx, groupConnsKey(group), groupCounterTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveConn decrements the group's shared connection counter and returns
// the remaining count. The key is deleted once the count reaches zero so
// idle groups leave nothing behind.
func (r *Relay) RemoveConn(ctx context.Context, group string) (int, error) {
	n, err := r.client.Decr(ctx, groupConnsKey(group)).Result()
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		if err := r.client.Del(ctx, groupConnsKey(group)).Err(); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return int(n), nil
}

// GroupCount reads the group's shared connection counter.
func (r *Relay) GroupCount(ctx context.Context, group string) (int, error) {
	val, err := r.client.Get(ctx, groupConnsKey(group)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

func groupConnsKey(group string) string {
	return "group:" + group + ":conns"
}
