// Package v1 defines the concierge relay protocol v1: the envelopes a local
// viewer exchanges with a running concierge client over WebSocket.
//
// It has no dependencies outside the standard library so viewers written
// against it stay decoupled from the client internals.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subprotocol is the WebSocket subprotocol name viewers must offer.
const Subprotocol = "concierge.relay.v1"

// Version is embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a relay session (viewer -> client).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (client -> viewer).
	TypeHelloAck = "hello_ack"

	// TypeConversationJoin subscribes to a conversation and is echoed back.
	TypeConversationJoin = "conversation_join"

	// TypeMessageSend asks the client to send a message through the open view.
	TypeMessageSend = "message_send"
	// TypeMessageAck confirms the backend accepted a send.
	TypeMessageAck = "message_ack"
	// TypeMessageNew carries one message appended by the synchronizer.
	TypeMessageNew = "message_new"

	// TypeConversationHistoryFetch requests messages from the local log.
	TypeConversationHistoryFetch = "conversation_history_fetch"
	// TypeConversationHistoryChunk answers a history fetch.
	TypeConversationHistoryChunk = "conversation_history_chunk"

	// TypeError reports a failed request (client -> viewer).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.Code.
const (
	CodeBadJSON       = "bad_json"
	CodeBadEnvelope   = "bad_envelope"
	CodeRateLimited   = "rate_limited"
	CodeHelloFailed   = "hello_failed"
	CodeJoinFailed    = "join_failed"
	CodeNotJoined     = "not_joined"
	CodeNotOpen       = "not_open"
	CodeEmptyText     = "empty_text"
	CodeSendFailed    = "send_failed"
	CodeHistoryFailed = "history_failed"
	CodeUnsupported   = "unsupported"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationJoin,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeConversationHistoryFetch,
		TypeConversationHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the viewer to open a relay session.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

// HelloAckPayload carries the relay session id and the conversation the
// client currently has open (0 when none).
type HelloAckPayload struct {
	SessionID      string `json:"session_id"`
	ConversationID int64  `json:"conversation_id,omitempty"`
}

// ConversationJoinPayload subscribes to message_new envelopes of a conversation.
type ConversationJoinPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

// MessageSendPayload asks the client to send Text into ConversationID.
type MessageSendPayload struct {
	ConversationID int64  `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	Text           string `json:"text"`
}

// MessageAckPayload confirms a send and returns the backend-assigned id.
type MessageAckPayload struct {
	ConversationID int64     `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	MessageID      int64     `json:"message_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageNewPayload is one chat message as held in the client's log.
type MessageNewPayload struct {
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	SenderType     string    `json:"sender_type"`
	SenderID       int64     `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Title          string    `json:"title,omitempty"`
	Text           string    `json:"text"`
	ImageURL       string    `json:"image_url,omitempty"`
	CreditCost     int       `json:"credit_cost,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationHistoryFetchPayload requests logged messages with id > AfterID.
type ConversationHistoryFetchPayload struct {
	ConversationID int64 `json:"conversation_id"`
	AfterID        int64 `json:"after_id,omitempty"`
	Limit          int   `json:"limit,omitempty"`
}

// ConversationHistoryChunkPayload answers a history fetch.
type ConversationHistoryChunkPayload struct {
	ConversationID int64               `json:"conversation_id"`
	Messages       []MessageNewPayload `json:"messages"`
	HasMore        bool                `json:"has_more"`
}

// ErrorPayload is a generic error response payload. For send failures
// Message is the backend's detail text, unchanged.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
