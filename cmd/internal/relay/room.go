package relay

import (
	"log/slog"
	"sync"

	v1 "concierge/shared/contracts/relay/v1"
)

// Room is the set of viewers subscribed to one conversation.
//
// Join and Leave are safe under concurrent Broadcast, and Broadcast never
// blocks: a viewer whose queue is full misses the envelope.
type Room struct {
	log            *slog.Logger
	ConversationID int64

	mu      sync.RWMutex
	members map[string]*Client
}

func newRoom(log *slog.Logger, conversationID int64) *Room {
	return &Room{
		log:            log,
		ConversationID: conversationID,
		members:        make(map[string]*Client),
	}
}

// Join subscribes client.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("relay.room.join", "conversation_id", r.ConversationID, "session_id", client.SessionID)
}

// Leave unsubscribes sessionID. The client itself stays connected.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, ok := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if ok {
		r.log.Info("relay.room.leave", "conversation_id", r.ConversationID, "session_id", sessionID)
	}
}

// Len returns the number of subscribed viewers.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast queues env for every member and returns how many were skipped.
func (r *Room) Broadcast(env v1.Envelope) (dropped int) {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			dropped++
		}
	}
	return dropped
}
