package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"concierge/cmd/internal/chatsync"
	"concierge/cmd/internal/ids"
	v1 "concierge/shared/contracts/relay/v1"
)

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	maxPingFailures = 3
)

// DefaultAllowedOrigins admits browser viewers served from the local machine.
var DefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// ViewSource yields the conversation view currently open, or nil.
// *chatsync.Synchronizer satisfies it.
type ViewSource interface {
	Current() *chatsync.View
}

// Config tunes a Gateway. Zero values select defaults.
type Config struct {
	// AllowedOrigins is the Origin allowlist. "*" admits any origin.
	AllowedOrigins []string
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = DefaultAllowedOrigins
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// Gateway is the relay WebSocket endpoint.
//
// It enforces origin policy, subprotocol selection, rate limits, and
// heartbeats, and routes validated envelopes to the Hub and the open view.
type Gateway struct {
	log     *slog.Logger
	hub     *Hub
	views   ViewSource
	metrics *Metrics
	cfg     Config

	// Accept only authorizes same-host origins unless OriginPatterns lists the others.
	originPatterns []string
}

// NewGateway constructs a Gateway serving hub and forwarding sends to views.
func NewGateway(log *slog.Logger, hub *Hub, views ViewSource, cfg Config) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log, "", nil)
	}
	cfg = cfg.withDefaults()

	return &Gateway{
		log:            log,
		hub:            hub,
		views:          views,
		metrics:        hub.metrics,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the relay session until either side closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("relay.ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("relay.ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("relay.ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("relay.ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(sessionID, g.cfg.SendQueueSize)

	g.metrics.connected(1)
	defer g.metrics.connected(-1)
	g.log.Info("relay.ws.open", "session_id", sessionID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		joinedMu  sync.Mutex
		joined    *Room
	)

	// shutdown leaves the room before closing the client so no broadcaster
	// holds a member whose goroutines are gone.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			joinedMu.Lock()
			if joined != nil {
				g.hub.Leave(joined, sessionID)
				joined = nil
			}
			joinedMu.Unlock()

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("relay.ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("relay.ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.CodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("relay.ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(ctx, client, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}
		g.metrics.envelope(env.Type)

		joinedMu.Lock()
		room := joined
		joinedMu.Unlock()

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, v1.CodeHelloFailed, err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeConversationJoin:
			next, err := g.onJoin(ctx, client, env)
			if err != nil {
				g.replyError(ctx, client, v1.CodeJoinFailed, err)
				continue readLoop
			}
			if room != nil && room != next {
				g.hub.Leave(room, sessionID)
			}
			joinedMu.Lock()
			joined = next
			joinedMu.Unlock()

		case v1.TypeMessageSend:
			if room == nil {
				g.trySendError(ctx, client, v1.CodeNotJoined, "join first")
				continue readLoop
			}
			if err := g.onMessageSend(ctx, client, room, env); err != nil {
				g.replyError(ctx, client, v1.CodeSendFailed, err)
				continue readLoop
			}

		case v1.TypeConversationHistoryFetch:
			if room == nil {
				g.trySendError(ctx, client, v1.CodeNotJoined, "join first")
				continue readLoop
			}
			if err := g.onHistoryFetch(ctx, client, room, env); err != nil {
				g.replyError(ctx, client, v1.CodeHistoryFailed, err)
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	g.log.Info("relay.ws.closed", "session_id", sessionID)
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	ack := v1.HelloAckPayload{SessionID: client.SessionID}
	if v := g.current(); v != nil {
		ack.ConversationID = v.ConversationID()
	}
	ackPayload, _ := json.Marshal(ack)

	if !g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *Gateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) (*Room, error) {
	var p v1.ConversationJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if p.ConversationID <= 0 {
		return nil, errors.New("missing conversation_id")
	}

	room := g.hub.Join(p.ConversationID, client)

	echoPayload, _ := json.Marshal(v1.ConversationJoinPayload{ConversationID: room.ConversationID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeConversationJoin, echoPayload, time.Now().UTC())) {
		g.hub.Leave(room, client.SessionID)
		return nil, errors.New("backpressure: join echo")
	}
	return room, nil
}

func (g *Gateway) onMessageSend(ctx context.Context, client *Client, room *Room, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.ConversationID == 0 {
		p.ConversationID = room.ConversationID
	}
	if p.ConversationID != room.ConversationID {
		return errors.New("invalid conversation_id")
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return reject(v1.CodeEmptyText, chatsync.ErrEmptyContent)
	}
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	view, err := g.openView(room.ConversationID)
	if err != nil {
		return err
	}

	// The new message reaches viewers through the poll that Send kicks.
	m, err := view.Send(ctx, text)
	if err != nil {
		if errors.Is(err, chatsync.ErrEmptyContent) {
			return reject(v1.CodeEmptyText, err)
		}
		if errors.Is(err, chatsync.ErrViewClosed) {
			return reject(v1.CodeNotOpen, err)
		}
		return err
	}

	ack := v1.MessageAckPayload{ConversationID: room.ConversationID, ClientMsgID: p.ClientMsgID}
	if m != nil {
		ack.MessageID = m.ID
		ack.CreatedAt = m.CreatedAt.Time
	}
	ackPayload, _ := json.Marshal(ack)

	if !g.enqueue(ctx, client, newEnvelope(v1.TypeMessageAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: ack")
	}
	return nil
}

func (g *Gateway) onHistoryFetch(ctx context.Context, client *Client, room *Room, env v1.Envelope) error {
	var p v1.ConversationHistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.ConversationID == 0 {
		p.ConversationID = room.ConversationID
	}
	if p.ConversationID != room.ConversationID {
		return errors.New("not a member of conversation_id")
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	view, err := g.openView(room.ConversationID)
	if err != nil {
		return err
	}
	msgs, more := view.History(p.AfterID, limit)

	out := make([]v1.MessageNewPayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, g.hub.messagePayload(m))
	}

	chunkPayload, _ := json.Marshal(v1.ConversationHistoryChunkPayload{
		ConversationID: room.ConversationID,
		Messages:       out,
		HasMore:        more,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeConversationHistoryChunk, chunkPayload, time.Now().UTC())) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

func (g *Gateway) current() *chatsync.View {
	if g.views == nil {
		return nil
	}
	return g.views.Current()
}

func (g *Gateway) openView(conversationID int64) (*chatsync.View, error) {
	v := g.current()
	if v == nil || v.ConversationID() != conversationID {
		return nil, reject(v1.CodeNotOpen, fmt.Errorf("conversation %d is not open", conversationID))
	}
	return v, nil
}

// ---- errors ----

// requestError carries the error code a failed request is reported with.
type requestError struct {
	code string
	err  error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func reject(code string, err error) error { return &requestError{code: code, err: err} }

// replyError reports err with its own code when it has one, fallback otherwise.
// The message is err's text unchanged so backend rejections read verbatim.
func (g *Gateway) replyError(ctx context.Context, client *Client, fallback string, err error) {
	code := fallback
	var re *requestError
	if errors.As(err, &re) {
		code = re.code
	}
	g.trySendError(ctx, client, code, err.Error())
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns lists the allowlisted hosts for websocket.Accept.
// Accept matches patterns against the Origin host including its port, so
// each host is listed bare and with a port wildcard; enforceOrigin already
// ignores ports.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		if h := originHostOnly(a); h != "" {
			seen[h] = struct{}{}
			seen[h+":*"] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
