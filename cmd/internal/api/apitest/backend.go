// Package apitest provides an in-memory stand-in for the concierge backend,
// served over httptest, for client and synchronizer tests.
//
// It mirrors the wire contract only: ids are allocated from one global
// sequence, poll returns messages strictly after last_message_id in id
// order, and sends from end users cost one credit.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"concierge/cmd/internal/api"
)

// PollCall records one poll request as seen by the backend.
type PollCall struct {
	ConversationID int64
	AfterID        int64
}

type account struct {
	api.Account
	realm    api.Realm
	password string
	token    string
	credits  int64
}

type conversation struct {
	api.Conversation
	msgs []api.Message // ordered by id
}

// Backend is a fake concierge backend. Methods are safe for concurrent use.
type Backend struct {
	srv *httptest.Server

	mu            sync.Mutex
	nextID        int64
	accounts      map[string]*account // token -> account
	conversations map[int64]*conversation
	personas      map[int64]api.Persona
	templates     []api.Template
	notifications map[int64][]api.Notification // account id -> list

	failPolls  int
	sendStatus int
	sendDetail string
	polls      []PollCall
	now        func() time.Time
}

// New starts a Backend and registers its shutdown with t.
func New(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		accounts:      make(map[string]*account),
		conversations: make(map[int64]*conversation),
		personas:      make(map[int64]api.Persona),
		notifications: make(map[int64][]api.Notification),
		now:           func() time.Time { return time.Now().UTC() },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", b.handleLogin(api.RealmUser))
	mux.HandleFunc("GET /api/v1/auth/me", b.handleMe(api.RealmUser))
	mux.HandleFunc("POST /api/v1/staff/auth/login", b.handleLogin(api.RealmStaff))
	mux.HandleFunc("GET /api/v1/staff/auth/me", b.handleMe(api.RealmStaff))
	mux.HandleFunc("GET /api/v1/sessions", b.handleSessions)
	mux.HandleFunc("GET /api/v1/messages/poll", b.handlePoll)
	mux.HandleFunc("POST /api/v1/messages/send", b.handleSend)
	mux.HandleFunc("GET /api/v1/templates", b.handleTemplates)
	mux.HandleFunc("GET /api/v1/notifications", b.handleNotifications)
	mux.HandleFunc("GET /api/v1/personas/{id}", b.handlePersona)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

// URL is the backend origin.
func (b *Backend) URL() string { return b.srv.URL }

func (b *Backend) allocID() int64 {
	b.nextID++
	return b.nextID
}

// AddUser registers an end user and returns its id and a valid token.
func (b *Backend) AddUser(email, password, displayName string, credits int64) (int64, string) {
	return b.addAccount(api.RealmUser, "user", email, password, displayName, credits)
}

// AddStaff registers a staff operator and returns its id and a valid token.
func (b *Backend) AddStaff(email, password, displayName string) (int64, string) {
	return b.addAccount(api.RealmStaff, "operator", email, password, displayName, 0)
}

func (b *Backend) addAccount(realm api.Realm, role, email, password, displayName string, credits int64) (int64, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.allocID()
	tok := fmt.Sprintf("tok-%s-%d", realm, id)
	a := &account{
		Account: api.Account{
			ID:          id,
			Email:       email,
			DisplayName: displayName,
			Role:        role,
			Status:      "active",
		},
		realm:    realm,
		password: password,
		token:    tok,
		credits:  credits,
	}
	b.accounts[tok] = a
	return id, tok
}

// AddPersona registers a persona profile.
func (b *Backend) AddPersona(id int64, name, avatarURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := api.Persona{ID: id, Name: name}
	if avatarURL != "" {
		p.AvatarURL = &avatarURL
	}
	b.personas[id] = p
}

// AddConversation opens an active session between userID and personaID.
func (b *Backend) AddConversation(userID, personaID int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.allocID()
	now := api.Timestamp{Time: b.now()}
	c := &conversation{Conversation: api.Conversation{
		ID:            id,
		UserAccountID: userID,
		PersonaID:     personaID,
		Status:        "active",
		CreatedAt:     now,
		UpdatedAt:     now,
	}}
	if p, ok := b.personas[personaID]; ok {
		name := p.Name
		c.PersonaName = &name
	}
	for _, a := range b.accounts {
		if a.ID == userID && a.realm == api.RealmUser {
			name := a.DisplayName
			c.UserDisplayName = &name
		}
	}
	b.conversations[id] = c
	return id
}

// CloseConversation marks a session closed; further sends are rejected.
func (b *Backend) CloseConversation(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.conversations[id]; c != nil {
		c.Status = "closed"
	}
}

// DeleteConversation removes a session entirely; polls then return 404.
func (b *Backend) DeleteConversation(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conversations, id)
}

// Post appends a message as if another party had sent it.
func (b *Backend) Post(conversationID int64, sender api.SenderType, senderID int64, content string) api.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(conversationID, sender, senderID, content, 0)
}

func (b *Backend) appendLocked(conversationID int64, sender api.SenderType, senderID int64, content string, cost int) api.Message {
	c := b.conversations[conversationID]
	if c == nil {
		panic(fmt.Sprintf("apitest: unknown conversation %d", conversationID))
	}
	m := api.Message{
		ID:         b.allocID(),
		SessionID:  conversationID,
		SenderType: sender,
		SenderID:   senderID,
		Content:    content,
		CreditCost: cost,
		CreatedAt:  api.Timestamp{Time: b.now()},
	}
	c.msgs = append(c.msgs, m)
	c.UpdatedAt = m.CreatedAt
	return m
}

// SetTemplates replaces the operator template list.
func (b *Backend) SetTemplates(ts ...api.Template) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.templates = append([]api.Template(nil), ts...)
}

// AddNotification appends a notification for accountID and returns its id.
func (b *Backend) AddNotification(accountID int64, title string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.allocID()
	b.notifications[accountID] = append(b.notifications[accountID], api.Notification{
		ID:        id,
		AccountID: accountID,
		Type:      "system",
		Title:     title,
		CreatedAt: api.Timestamp{Time: b.now()},
	})
	return id
}

// FailPolls makes the next n poll requests answer 503.
func (b *Backend) FailPolls(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPolls = n
}

// RejectSends makes every send answer status with detail until cleared with status 0.
func (b *Backend) RejectSends(status int, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendStatus = status
	b.sendDetail = detail
}

// PollCalls returns a copy of every poll request received so far.
func (b *Backend) PollCalls() []PollCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PollCall(nil), b.polls...)
}

// Credits returns the remaining credit balance of an end user.
func (b *Backend) Credits(userID int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.accounts {
		if a.ID == userID {
			return a.credits
		}
	}
	return 0
}

// ---- handlers ----

func (b *Backend) authenticate(w http.ResponseWriter, r *http.Request) *account {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	b.mu.Lock()
	a := b.accounts[tok]
	b.mu.Unlock()
	if tok == "" || a == nil {
		writeDetail(w, http.StatusUnauthorized, "認証情報が無効です")
		return nil
	}
	return a
}

func (b *Backend) handleLogin(realm api.Realm) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
			return
		}

		b.mu.Lock()
		var tok string
		for _, a := range b.accounts {
			if a.realm == realm && a.Email == in.Email && a.password == in.Password {
				tok = a.token
				break
			}
		}
		b.mu.Unlock()

		if tok == "" {
			writeDetail(w, http.StatusUnauthorized, "メールアドレスまたはパスワードが正しくありません")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": tok, "token_type": "bearer"})
	}
}

func (b *Backend) handleMe(realm api.Realm) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := b.authenticate(w, r)
		if a == nil {
			return
		}
		if a.realm != realm {
			writeDetail(w, http.StatusForbidden, "権限がありません")
			return
		}
		b.mu.Lock()
		out := a.Account
		if a.realm == api.RealmUser {
			credits := a.credits
			out.CreditBalance = &credits
		}
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, out)
	}
}

func (b *Backend) handleSessions(w http.ResponseWriter, r *http.Request) {
	a := b.authenticate(w, r)
	if a == nil {
		return
	}

	b.mu.Lock()
	out := make([]api.Conversation, 0, len(b.conversations))
	for _, c := range b.conversations {
		if a.realm == api.RealmUser && c.UserAccountID != a.ID {
			continue
		}
		if a.realm == api.RealmStaff && c.Status != "active" {
			continue
		}
		out = append(out, c.Conversation)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) lookupConversation(w http.ResponseWriter, a *account, raw string) *conversation {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "session_id must be an integer")
		return nil
	}
	c := b.conversations[id]
	if c == nil {
		writeDetail(w, http.StatusNotFound, "セッションが見つかりません")
		return nil
	}
	if a.realm == api.RealmUser && c.UserAccountID != a.ID {
		writeDetail(w, http.StatusForbidden, "権限がありません")
		return nil
	}
	return c
}

func (b *Backend) handlePoll(w http.ResponseWriter, r *http.Request) {
	a := b.authenticate(w, r)
	if a == nil {
		return
	}

	after, _ := strconv.ParseInt(r.URL.Query().Get("last_message_id"), 10, 64)
	convID, _ := strconv.ParseInt(r.URL.Query().Get("session_id"), 10, 64)

	b.mu.Lock()
	b.polls = append(b.polls, PollCall{ConversationID: convID, AfterID: after})
	if b.failPolls > 0 {
		b.failPolls--
		b.mu.Unlock()
		writeDetail(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	c := b.lookupConversation(w, a, r.URL.Query().Get("session_id"))
	if c == nil {
		b.mu.Unlock()
		return
	}

	start := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].ID > after })
	msgs := append([]api.Message{}, c.msgs[start:]...)
	b.mu.Unlock()

	var last *int64
	switch {
	case len(msgs) > 0:
		id := msgs[len(msgs)-1].ID
		last = &id
	case after > 0:
		last = &after
	}
	writeJSON(w, http.StatusOK, api.PollResult{Messages: msgs, LastMessageID: last})
}

func (b *Backend) handleSend(w http.ResponseWriter, r *http.Request) {
	a := b.authenticate(w, r)
	if a == nil {
		return
	}

	var in struct {
		SessionID int64  `json:"session_id"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sendStatus != 0 {
		writeDetail(w, b.sendStatus, b.sendDetail)
		return
	}

	c := b.lookupConversation(w, a, strconv.FormatInt(in.SessionID, 10))
	if c == nil {
		return
	}
	if c.Status != "active" {
		writeDetail(w, http.StatusBadRequest, "このセッションは終了しています")
		return
	}

	sender, cost := api.SenderPersona, 0
	if a.realm == api.RealmUser {
		if a.credits < 1 {
			writeDetail(w, http.StatusPaymentRequired, "クレジットが不足しています")
			return
		}
		a.credits--
		sender, cost = api.SenderUser, 1
	}

	m := b.appendLocked(c.ID, sender, a.ID, in.Content, cost)
	writeJSON(w, http.StatusCreated, m)
}

func (b *Backend) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if a := b.authenticate(w, r); a == nil {
		return
	}
	b.mu.Lock()
	out := append([]api.Template{}, b.templates...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleNotifications(w http.ResponseWriter, r *http.Request) {
	a := b.authenticate(w, r)
	if a == nil {
		return
	}
	b.mu.Lock()
	src := b.notifications[a.ID]
	out := make([]api.Notification, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handlePersona(w http.ResponseWriter, r *http.Request) {
	if a := b.authenticate(w, r); a == nil {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid persona id")
		return
	}
	b.mu.Lock()
	p, ok := b.personas[id]
	b.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "ペルソナが見つかりません")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
