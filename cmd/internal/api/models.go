package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SenderType is the closed set of message authors.
type SenderType string

const (
	SenderUser    SenderType = "user"
	SenderPersona SenderType = "persona"
)

// Realm selects which account family a credential belongs to.
// End users and staff authenticate against different endpoints.
type Realm string

const (
	RealmUser  Realm = "user"
	RealmStaff Realm = "staff"
)

func (r Realm) authPrefix() string {
	if r == RealmStaff {
		return "/api/v1/staff/auth"
	}
	return "/api/v1/auth"
}

// Timestamp accepts both RFC 3339 and the naive ISO form the backend emits
// for timezone-less columns ("2006-01-02T15:04:05.999999"). Naive values are
// read as UTC.
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = v
		return nil
	}
	for _, layout := range naiveLayouts {
		if v, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("api: invalid timestamp %q", s)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Message is an immutable chat message as returned by the poll and send endpoints.
type Message struct {
	ID                int64      `json:"id"`
	SessionID         int64      `json:"session_id"`
	SenderType        SenderType `json:"sender_type"`
	SenderID          int64      `json:"sender_id"`
	SenderDisplayName *string    `json:"sender_display_name,omitempty"`
	Title             *string    `json:"title"`
	Content           string     `json:"content"`
	ImageURL          *string    `json:"image_url"`
	CreditCost        int        `json:"credit_cost"`
	CreatedAt         Timestamp  `json:"created_at"`
}

// PollResult is the fetchMessages response. LastMessageID is nil when the
// batch is empty and the request cursor was 0.
type PollResult struct {
	Messages      []Message `json:"messages"`
	LastMessageID *int64    `json:"last_message_id"`
}

// Conversation is a chat session pairing one end user with one persona.
type Conversation struct {
	ID              int64     `json:"id"`
	UserAccountID   int64     `json:"user_account_id"`
	UserDisplayName *string   `json:"user_display_name,omitempty"`
	PersonaID       int64     `json:"persona_id"`
	PersonaName     *string   `json:"persona_name,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       Timestamp `json:"created_at"`
	UpdatedAt       Timestamp `json:"updated_at"`
}

// Account is the authenticated principal returned by the me endpoints.
// CreditBalance is only populated for end users.
type Account struct {
	ID            int64   `json:"id"`
	Email         string  `json:"email"`
	DisplayName   string  `json:"display_name"`
	CreditBalance *int64  `json:"credit_balance,omitempty"`
	Role          string  `json:"role"`
	Status        string  `json:"status"`
	AvatarURL     *string `json:"avatar_url,omitempty"`
}

// Template is an operator reply template.
type Template struct {
	ID             int64  `json:"id"`
	StaffAccountID int64  `json:"staff_account_id"`
	Label          string `json:"label"`
	Content        string `json:"content"`
}

// Notification is an entry of the account's notification list.
type Notification struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      *string   `json:"body"`
	IsRead    bool      `json:"is_read"`
	CreatedAt Timestamp `json:"created_at"`
}

// Persona is the public profile of an operator-controlled chat identity.
type Persona struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	AvatarURL *string `json:"avatar_url"`
	Bio       *string `json:"bio,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type sendRequest struct {
	SessionID int64  `json:"session_id"`
	Content   string `json:"content"`
}

// StringValue dereferences an optional string.
func StringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
