package console

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"concierge/cmd/internal/api"
	"concierge/cmd/internal/api/apitest"
	"concierge/cmd/internal/chatsync"
	"concierge/cmd/internal/clock"
)

// lockedBuffer is written by view goroutines and read by the test.
type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func (l *lockedBuffer) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(l.String(), substr) {
		if time.Now().After(deadline) {
			t.Fatalf("output missing %q:\n%s", substr, l.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type operatorFixture struct {
	be    *apitest.Backend
	convA int64
	convB int64
	out   *lockedBuffer
	con   *Console
}

func newOperatorFixture(t *testing.T) *operatorFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	be := apitest.New(t)
	be.AddPersona(7, "Aoi", "")
	uid, _ := be.AddUser("u@example.com", "pw", "Yuki", 3)
	_, staffTok := be.AddStaff("op@example.com", "pw", "Op")
	convA := be.AddConversation(uid, 7)
	convB := be.AddConversation(uid, 7)
	be.Post(convA, api.SenderUser, uid, "first in A")
	be.Post(convB, api.SenderUser, uid, "first in B")
	be.SetTemplates(
		api.Template{ID: 1, Label: "greet", Content: "いらっしゃいませ"},
		api.Template{ID: 2, Label: "bye", Content: "またね"},
	)

	client, err := api.NewClient(api.Config{BaseURL: be.URL(), Tokens: api.StaticToken(staffTok), Logger: log})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	out := &lockedBuffer{}
	var con *Console
	s := chatsync.New(client, chatsync.Options{
		Clock:    clock.Fake(time.Now()),
		Logger:   log,
		Observer: func(u chatsync.Update) { con.Observe(u) },
	})
	t.Cleanup(s.Close)

	con = New(s, client, Options{
		Out:    out,
		Render: Renderer{Role: api.RealmStaff, Location: time.UTC},
		Logger: log,
	})
	return &operatorFixture{be: be, convA: convA, convB: convB, out: out, con: con}
}

func TestConsole_SwitchRendersOnlyOpenConversation(t *testing.T) {
	t.Parallel()

	f := newOperatorFixture(t)
	ctx := context.Background()

	if _, err := f.con.Handle(ctx, "/list"); err != nil {
		t.Fatalf("/list: %v", err)
	}
	f.out.waitFor(t, "Aoi")

	if err := f.con.Open(ctx, f.convA); err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.out.waitFor(t, "Yuki: first in A")

	if _, err := f.con.Handle(ctx, "/switch "+itoa(f.convB)); err != nil {
		t.Fatalf("/switch: %v", err)
	}
	f.out.waitFor(t, "Yuki: first in B")

	// A new message in A must not render while B is open.
	f.be.Post(f.convA, api.SenderUser, 0, "late in A")
	if _, err := f.con.Handle(ctx, "hello B"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.out.waitFor(t, "Aoi: hello B")
	if strings.Contains(f.out.String(), "late in A") {
		t.Fatalf("message of closed conversation rendered:\n%s", f.out.String())
	}
}

func TestConsole_TemplatesAndDraft(t *testing.T) {
	t.Parallel()

	f := newOperatorFixture(t)
	ctx := context.Background()

	if err := f.con.Open(ctx, f.convA); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := f.con.Handle(ctx, "/templates"); err != nil {
		t.Fatalf("/templates: %v", err)
	}
	f.out.waitFor(t, " 2. bye: またね")

	if _, err := f.con.Handle(ctx, "/t 1"); err != nil {
		t.Fatalf("/t 1: %v", err)
	}
	if got := f.con.Composer().Draft(); got != "いらっしゃいませ" {
		t.Fatalf("draft=%q", got)
	}
	if _, err := f.con.Handle(ctx, "/t 9"); err == nil {
		t.Fatalf("/t 9: expected error")
	}

	// Empty line sends the draft.
	if _, err := f.con.Handle(ctx, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.out.waitFor(t, "Aoi: いらっしゃいませ")
	if got := f.con.Composer().Draft(); got != "" {
		t.Fatalf("draft after send=%q want empty", got)
	}
}

func TestConsole_FailedSendKeepsDraftForRetry(t *testing.T) {
	t.Parallel()

	f := newOperatorFixture(t)
	ctx := context.Background()

	if err := f.con.Open(ctx, f.convA); err != nil {
		t.Fatalf("Open: %v", err)
	}

	f.be.RejectSends(http.StatusBadRequest, "このセッションは終了しています")
	if _, err := f.con.Handle(ctx, "are you there?"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	f.out.waitFor(t, "! このセッションは終了しています")
	if got := f.con.Composer().Draft(); got != "are you there?" {
		t.Fatalf("draft=%q want kept", got)
	}

	f.be.RejectSends(0, "")
	if _, err := f.con.Handle(ctx, "/retry"); err != nil {
		t.Fatalf("/retry: %v", err)
	}
	f.out.waitFor(t, "Aoi: are you there?")
}

func TestConsole_RunStopsOnQuit(t *testing.T) {
	t.Parallel()

	f := newOperatorFixture(t)
	f.con.in = strings.NewReader("/bogus\n/switch x\n/quit\nnever sent\n")

	done := make(chan error, 1)
	go func() { done <- f.con.Run(context.Background(), f.convA) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after /quit")
	}

	out := f.out.String()
	if !strings.Contains(out, "-- conversation #"+itoa(f.convA)+" --") ||
		!strings.Contains(out, "! unknown command /bogus") ||
		!strings.Contains(out, "! usage: /switch ID") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if strings.Contains(out, "never sent") {
		t.Fatalf("input after /quit was handled")
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// countingPersonas counts GetPersona calls reaching the backend.
type countingPersonas struct {
	*api.Client
	mu    sync.Mutex
	calls int
}

func (c *countingPersonas) GetPersona(ctx context.Context, id int64) (api.Persona, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Client.GetPersona(ctx, id)
}

func TestConsole_PersonaNameFetchedWhenListOmitsIt(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	be := apitest.New(t)
	uid, _ := be.AddUser("u@example.com", "pw", "Yuki", 3)
	_, staffTok := be.AddStaff("op@example.com", "pw", "Op")
	// Persona registered after the conversations: the session list has no name.
	convA := be.AddConversation(uid, 9)
	convB := be.AddConversation(uid, 9)
	be.AddPersona(9, "Mio", "")
	be.Post(convA, api.SenderPersona, 9, "ようこそ")
	be.Post(convB, api.SenderPersona, 9, "またどうぞ")

	client, err := api.NewClient(api.Config{BaseURL: be.URL(), Tokens: api.StaticToken(staffTok), Logger: log})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	backend := &countingPersonas{Client: client}

	out := &lockedBuffer{}
	var con *Console
	s := chatsync.New(client, chatsync.Options{
		Clock:    clock.Fake(time.Now()),
		Logger:   log,
		Observer: func(u chatsync.Update) { con.Observe(u) },
	})
	t.Cleanup(s.Close)
	con = New(s, backend, Options{Out: out, Render: Renderer{Role: api.RealmStaff, Location: time.UTC}, Logger: log})

	ctx := context.Background()
	if err := con.Open(ctx, convA); err != nil {
		t.Fatalf("Open A: %v", err)
	}
	out.waitFor(t, "Mio: ようこそ")

	// A reload of the list must not lose the fetched name.
	if _, err := con.Handle(ctx, "/list"); err != nil {
		t.Fatalf("/list: %v", err)
	}
	if err := con.Open(ctx, convB); err != nil {
		t.Fatalf("Open B: %v", err)
	}
	out.waitFor(t, "Mio: またどうぞ")

	backend.mu.Lock()
	calls := backend.calls
	backend.mu.Unlock()
	if calls != 1 {
		t.Fatalf("GetPersona calls=%d want=1 (cached)", calls)
	}
}

func TestConsole_PersonaLookupFailureFallsBack(t *testing.T) {
	t.Parallel()

	f := newOperatorFixture(t)
	ctx := context.Background()

	// Unknown persona: the backend answers 404 and rendering falls back.
	uid, _ := f.be.AddUser("v@example.com", "pw", "Ken", 1)
	conv := f.be.AddConversation(uid, 404)
	f.be.Post(conv, api.SenderPersona, 404, "hi")

	if err := f.con.Open(ctx, conv); err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.out.waitFor(t, "persona: hi")
}
