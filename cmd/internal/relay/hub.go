// Package relay pushes what the message synchronizer learns by polling to
// local WebSocket viewers, and lets those viewers send through the open
// conversation view.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"concierge/cmd/internal/api"
	"concierge/cmd/internal/chatsync"
	v1 "concierge/shared/contracts/relay/v1"
)

// Hub owns the rooms and turns synchronizer updates into message_new fan-out.
type Hub struct {
	log       *slog.Logger
	mediaBase string
	metrics   *Metrics

	mu    sync.RWMutex
	rooms map[int64]*Room
}

// NewHub constructs a Hub. mediaBase resolves relative image paths of
// relayed messages; metrics may be nil.
func NewHub(log *slog.Logger, mediaBase string, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:       log,
		mediaBase: mediaBase,
		metrics:   metrics,
		rooms:     make(map[int64]*Room),
	}
}

// Join subscribes client to the room of conversationID, creating the room
// on first use.
func (h *Hub) Join(conversationID int64, client *Client) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[conversationID]
	if !ok {
		r = newRoom(h.log, conversationID)
		h.rooms[conversationID] = r
	}
	r.Join(client)
	return r
}

// Leave unsubscribes sessionID from room and drops the room once it is empty.
func (h *Hub) Leave(room *Room, sessionID string) {
	if room == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	room.Leave(sessionID)
	if room.Len() == 0 && h.rooms[room.ConversationID] == room {
		delete(h.rooms, room.ConversationID)
	}
}

func (h *Hub) lookup(conversationID int64) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[conversationID]
}

// Publish fans the appended messages of u out to the conversation's room.
// It never blocks; it is meant to be called from a chatsync.Observer.
func (h *Hub) Publish(u chatsync.Update) {
	room := h.lookup(u.ConversationID)
	if room == nil || room.Len() == 0 {
		return
	}

	now := time.Now().UTC()
	dropped := 0
	for _, m := range u.Appended {
		payload, _ := json.Marshal(h.messagePayload(m))
		dropped += room.Broadcast(newEnvelope(v1.TypeMessageNew, payload, now))
	}

	h.metrics.fanout(len(u.Appended), dropped)
	if dropped > 0 {
		h.log.Warn("relay.publish.dropped", "conversation_id", u.ConversationID, "dropped", dropped)
	}
}

func (h *Hub) messagePayload(m api.Message) v1.MessageNewPayload {
	return v1.MessageNewPayload{
		ConversationID: m.SessionID,
		MessageID:      m.ID,
		SenderType:     string(m.SenderType),
		SenderID:       m.SenderID,
		SenderName:     api.StringValue(m.SenderDisplayName),
		Title:          api.StringValue(m.Title),
		Text:           m.Content,
		ImageURL:       api.ResolveURL(h.mediaBase, api.StringValue(m.ImageURL)),
		CreditCost:     m.CreditCost,
		CreatedAt:      m.CreatedAt.Time,
	}
}
