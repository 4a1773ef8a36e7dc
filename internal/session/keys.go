// Package session is the redis-backed state core for anonymous room chat:
// presence markers, room membership, per-room unread counters, message
// history, and the aggregated room view. The store is the system of record;
// every component takes a redis.Cmdable so tests can substitute miniredis.
package session

import (
	"fmt"
	"strings"
)

// Key families. Room and message keys carry a short TTL refreshed on
// activity; the online marker carries a session-scale TTL.
//
//	ip:<token>:online                    online marker
//	room:<id>:data                       room metadata hash
//	room:<id>:ip:<token>:data            participant record hash
//	room:<id>:ip:<token>:unread          unread counter
//	room:<id>:message:<ms>:data          message hash, keyed by write time

func onlineKey(token string) string {
	return "ip:" + token + ":online"
}

func roomKey(roomID string) string {
	return "room:" + roomID + ":data"
}

func participantKey(roomID, token string) string {
	return "room:" + roomID + ":ip:" + token + ":data"
}

func unreadKey(roomID, token string) string {
	return "room:" + roomID + ":ip:" + token + ":unread"
}

func messageKey(roomID string, ts int64) string {
	return fmt.Sprintf("room:%s:message:%d:data", roomID, ts)
}

// Scan patterns over the families above.

func membershipPattern(token string) string {
	return "room:*:ip:" + token + ":data"
}

func unreadPattern(token string) string {
	return "room:*:ip:" + token + ":unread"
}

func participantPattern(roomID string) string {
	return "room:" + roomID + ":ip:*:data"
}

// roomEntryPattern matches every per-participant key of a room, both the
// record hashes and the unread counters.
func roomEntryPattern(roomID string) string {
	return "room:" + roomID + ":ip:*:*"
}

func messagePattern(roomID string) string {
	return "room:" + roomID + ":message:*:data"
}

// roomIDFromKey extracts the room ID from any room-scoped key.
func roomIDFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// tokenFromParticipantKey extracts the identity token from a
// room:<id>:ip:<token>:... key.
func tokenFromParticipantKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 4 || parts[2] != "ip" {
		return ""
	}
	return parts[3]
}

// isUnreadKey reports whether a room entry key is an unread counter.
func isUnreadKey(key string) bool {
	return strings.HasSuffix(key, ":unread")
}

// ownedBy reports whether a room entry key belongs to the given token.
func ownedBy(key, token string) bool {
	return strings.Contains(key, ":ip:"+token+":")
}
