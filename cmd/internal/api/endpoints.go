package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Login exchanges credentials for an access token in the given realm.
func (c *Client) Login(ctx context.Context, realm Realm, email, password string) (string, error) {
	var out tokenResponse
	err := c.do(ctx, "api.Login", http.MethodPost, realm.authPrefix()+"/login", nil,
		loginRequest{Email: strings.TrimSpace(email), Password: password}, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", errors.New("api.Login: empty access_token")
	}
	return out.AccessToken, nil
}

// Me returns the account owning token. It ignores the client's TokenSource so
// a candidate credential can be validated before it is installed.
func (c *Client) Me(ctx context.Context, realm Realm, token string) (Account, error) {
	var out Account
	err := c.WithTokens(StaticToken(token)).do(ctx, "api.Me", http.MethodGet, realm.authPrefix()+"/me", nil, nil, &out)
	return out, err
}

// ListConversations returns the sessions visible to the caller: all active
// sessions for staff, the caller's own sessions for end users.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, "api.ListConversations", http.MethodGet, "/api/v1/sessions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchMessages returns messages of conversationID strictly after afterID,
// oldest first.
func (c *Client) FetchMessages(ctx context.Context, conversationID, afterID int64) (PollResult, error) {
	q := url.Values{}
	q.Set("session_id", strconv.FormatInt(conversationID, 10))
	q.Set("last_message_id", strconv.FormatInt(afterID, 10))

	var out PollResult
	if err := c.do(ctx, "api.FetchMessages", http.MethodGet, "/api/v1/messages/poll", q, nil, &out); err != nil {
		return PollResult{}, err
	}
	return out, nil
}

// SendMessage persists content as a new message from the current actor.
// A rejection (closed session, insufficient balance) comes back as *Error.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string) (*Message, error) {
	var out Message
	err := c.do(ctx, "api.SendMessage", http.MethodPost, "/api/v1/messages/send", nil,
		sendRequest{SessionID: conversationID, Content: content}, &out)
	if err != nil {
		return nil, err
	}
	if out.ID == 0 {
		return nil, nil
	}
	return &out, nil
}

// ListTemplates returns the operator's reply templates.
func (c *Client) ListTemplates(ctx context.Context) ([]Template, error) {
	var out []Template
	if err := c.do(ctx, "api.ListTemplates", http.MethodGet, "/api/v1/templates", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListNotifications returns the caller's notifications, newest first.
func (c *Client) ListNotifications(ctx context.Context) ([]Notification, error) {
	var out []Notification
	if err := c.do(ctx, "api.ListNotifications", http.MethodGet, "/api/v1/notifications", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPersona returns a persona's public profile.
func (c *Client) GetPersona(ctx context.Context, id int64) (Persona, error) {
	var out Persona
	err := c.do(ctx, "api.GetPersona", http.MethodGet, "/api/v1/personas/"+strconv.FormatInt(id, 10), nil, nil, &out)
	return out, err
}
