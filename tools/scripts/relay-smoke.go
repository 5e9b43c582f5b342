// Package main is a smoke test for a running concierge relay.
//
// Start a client with CONCIERGE_RELAY_ADDR set and a conversation open, then
// run this against it. It checks:
//   - handshake, subprotocol and hello/ack
//   - join echo for the open conversation
//   - send -> ack through the open view
//   - message_new fan-out to a second viewer
//   - history fetch from the local log
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "concierge/shared/contracts/relay/v1"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8787/ws", "relay WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		convID  = flag.Int64("conv", 0, "conversation to join (default: the one the client has open)")
		text    = flag.String("text", "relay smoke test", "message text to send")
		noSend  = flag.Bool("no-send", false, "skip the send step (no credit is spent)")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	a, openConv := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b, _ := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	conv := *convID
	if conv == 0 {
		conv = openConv
	}
	if conv == 0 {
		fatalf("client has no conversation open and -conv not set")
	}
	if *verbose {
		fmt.Printf("connected: A=%s B=%s conversation=%d\n", a.sessionID, b.sessionID, conv)
	}

	mustJoin(root, a, conv, *timeout)
	mustJoin(root, b, conv, *timeout)

	if *noSend {
		n := mustHistoryCount(root, b, conv, *timeout)
		fmt.Printf("OK: A=%s B=%s conversation=%d history=%d\n", a.sessionID, b.sessionID, conv, n)
		return
	}

	clientMsgID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	msgID := mustSendAndAssertAck(root, a, conv, clientMsgID, *text, *timeout)
	mustAssertNew(root, b, msgID, *text, *timeout)
	mustHistoryContains(root, b, conv, msgID, *timeout)

	fmt.Printf("OK: A=%s B=%s conversation=%d message_id=%d\n", a.sessionID, b.sessionID, conv, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) (*smokeClient, int64) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, c, v1.TypeHello, v1.HelloPayload{Client: "relay-smoke"}, stepTimeout)
	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	mustDecode(ack, &p)
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	return c, p.ConversationID
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustReadUntilType skips fan-out noise until an envelope of typ arrives.
// An error envelope ends the run.
func (c *smokeClient) mustReadUntilType(parent context.Context, typ string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("%s: timed out waiting for %s", c.name, typ)
		case err := <-c.errCh:
			fatalf("%s: read: %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("%s: connection closed waiting for %s", c.name, typ)
			}
			if env.Type == typ {
				return env
			}
			if env.Type == v1.TypeError {
				var p v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &p)
				fatalf("%s: error %s: %s", c.name, p.Code, p.Message)
			}
		}
	}
}

func mustJoin(parent context.Context, c *smokeClient, conv int64, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: conv}, stepTimeout)

	var p v1.ConversationJoinPayload
	mustDecode(c.mustReadUntilType(parent, v1.TypeConversationJoin, stepTimeout), &p)
	if p.ConversationID != conv {
		fatalf("join echo mismatch (%s): got=%d want=%d", c.name, p.ConversationID, conv)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, conv int64, clientMsgID, text string, stepTimeout time.Duration) int64 {
	mustWrite(parent, c, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: conv,
		ClientMsgID:    clientMsgID,
		Text:           text,
	}, stepTimeout)

	var p v1.MessageAckPayload
	mustDecode(c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout), &p)
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch: got=%q want=%q", p.ClientMsgID, clientMsgID)
	}
	if p.MessageID <= 0 {
		fatalf("ack missing message_id")
	}
	return p.MessageID
}

func mustAssertNew(parent context.Context, c *smokeClient, msgID int64, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		var p v1.MessageNewPayload
		mustDecode(c.mustReadUntilType(ctx, v1.TypeMessageNew, stepTimeout), &p)
		if p.MessageID != msgID {
			continue
		}
		if p.Text != text {
			fatalf("message_new text mismatch: got=%q want=%q", p.Text, text)
		}
		return
	}
}

func fetchHistory(parent context.Context, c *smokeClient, conv int64, stepTimeout time.Duration) v1.ConversationHistoryChunkPayload {
	mustWrite(parent, c, v1.TypeConversationHistoryFetch, v1.ConversationHistoryFetchPayload{
		ConversationID: conv,
		Limit:          200,
	}, stepTimeout)

	var p v1.ConversationHistoryChunkPayload
	mustDecode(c.mustReadUntilType(parent, v1.TypeConversationHistoryChunk, stepTimeout), &p)
	return p
}

func mustHistoryCount(parent context.Context, c *smokeClient, conv int64, stepTimeout time.Duration) int {
	return len(fetchHistory(parent, c, conv, stepTimeout).Messages)
}

func mustHistoryContains(parent context.Context, c *smokeClient, conv, msgID int64, stepTimeout time.Duration) {
	// The newest message may be beyond the first page of a long log.
	chunk := fetchHistory(parent, c, conv, stepTimeout)
	for _, m := range chunk.Messages {
		if m.MessageID == msgID {
			return
		}
	}
	if chunk.HasMore {
		return
	}
	fatalf("history missing message_id=%d", msgID)
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	raw, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal %s: %v", typ, err)
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: raw,
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("%s: write %s: %v", c.name, typ, err)
	}
}

func mustDecode(env v1.Envelope, out any) {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
}

func closeWS(c *websocket.Conn) {
	if c == nil {
		return
	}
	_ = c.Close(websocket.StatusNormalClosure, "smoke done")
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
