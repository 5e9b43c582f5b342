package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"concierge/cmd/internal/api"
	"concierge/cmd/internal/api/apitest"
	"concierge/cmd/internal/auth/session"
)

type cliFixture struct {
	be       *apitest.Backend
	userID   int64
	userTok  string
	staffTok string
	conv     int64
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()

	be := apitest.New(t)
	be.AddPersona(7, "Aoi", "")
	uid, userTok := be.AddUser("u@example.com", "pw", "Yuki", 3)
	_, staffTok := be.AddStaff("op@example.com", "pw", "Op")
	conv := be.AddConversation(uid, 7)
	be.Post(conv, api.SenderPersona, 7, "こんにちは")
	return &cliFixture{be: be, userID: uid, userTok: userTok, staffTok: staffTok, conv: conv}
}

func (f *cliFixture) config() Config {
	return Config{
		APIURL:         f.be.URL(),
		PollInterval:   time.Hour,
		ListInterval:   time.Hour,
		RequestTimeout: 5 * time.Second,
		LogFormat:      "json",
	}
}

func quietEnv(in string, out io.Writer) cliEnv {
	return cliEnv{
		in:  strings.NewReader(in),
		out: out,
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func runCLI(t *testing.T, cfg Config, env cliEnv, args ...string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return execute(ctx, cfg, env, args)
}

func TestCLI_Conversations(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	var out bytes.Buffer
	if err := runCLI(t, f.config(), quietEnv("", &out), "conversations", "--token", f.userTok); err != nil {
		t.Fatalf("conversations: %v", err)
	}

	want := fmt.Sprintf("#%d  Yuki (#%d) / Aoi  [active]", f.conv, f.userID)
	if !strings.Contains(out.String(), want) {
		t.Fatalf("output=%q want containing %q", out.String(), want)
	}
}

func TestCLI_NotificationsOnce(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	f.be.AddNotification(f.userID, "クレジットを追加しました")

	var out bytes.Buffer
	cfg := f.config()
	cfg.Token = f.userTok
	if err := runCLI(t, cfg, quietEnv("", &out), "notifications"); err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if !strings.Contains(out.String(), "クレジットを追加しました") {
		t.Fatalf("output=%q", out.String())
	}
}

func TestCLI_ChatSendsThroughView(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	var out bytes.Buffer
	cfg := f.config()
	cfg.Token = f.userTok

	err := runCLI(t, cfg, quietEnv("よろしく\n/quit\n", &out), "chat", "--conversation", fmt.Sprint(f.conv))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got := f.be.Credits(f.userID); got != 2 {
		t.Fatalf("credits=%d want=2 (one message sent)", got)
	}
}

func TestCLI_ChatRequiresConversation(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	cfg := f.config()
	cfg.Token = f.userTok

	if err := runCLI(t, cfg, quietEnv("", io.Discard), "chat"); err == nil {
		t.Fatalf("chat without --conversation succeeded")
	}
}

func TestCLI_OperatorListsSessions(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	var out bytes.Buffer
	cfg := f.config()
	cfg.Token = f.staffTok

	if err := runCLI(t, cfg, quietEnv("/quit\n", &out), "operator"); err != nil {
		t.Fatalf("operator: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, fmt.Sprintf("#%d  Yuki", f.conv)) || !strings.Contains(got, "use /switch ID") {
		t.Fatalf("output=%q", got)
	}
}

func TestCLI_OperatorRejectsUnknownSession(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	cfg := f.config()
	cfg.Token = f.staffTok

	err := runCLI(t, cfg, quietEnv("", io.Discard), "operator", "--conversation", "9999")
	if err == nil || !strings.Contains(err.Error(), "not an active session") {
		t.Fatalf("err=%v want not an active session", err)
	}
}

func TestCLI_Credentials(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)

	t.Run("none", func(t *testing.T) {
		t.Parallel()
		err := runCLI(t, f.config(), quietEnv("", io.Discard), "conversations")
		if !errors.Is(err, ErrNoLogin) {
			t.Fatalf("err=%v want=%v", err, ErrNoLogin)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		t.Parallel()
		cfg := f.config()
		cfg.Token = "tok-bogus"
		err := runCLI(t, cfg, quietEnv("", io.Discard), "conversations")
		if !errors.Is(err, session.ErrInvalidCredential) {
			t.Fatalf("err=%v want=%v", err, session.ErrInvalidCredential)
		}
	})

	t.Run("email with prompted password", func(t *testing.T) {
		t.Parallel()
		var asked string
		env := quietEnv("", io.Discard)
		env.askPwd = func(prompt string) (string, error) {
			asked = prompt
			return "pw", nil
		}
		cfg := f.config()
		cfg.Email = "u@example.com"
		if err := runCLI(t, cfg, env, "conversations"); err != nil {
			t.Fatalf("conversations: %v", err)
		}
		if !strings.Contains(asked, "u@example.com") {
			t.Fatalf("prompt=%q", asked)
		}
	})
}

func TestRelayHTTP_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	cfg := f.config()
	cfg.Token = f.userTok
	cfg.RelayAddr = "127.0.0.1:0"

	a, err := New(cfg, api.RealmUser, slog.New(slog.NewTextHandler(io.Discard, nil)), strings.NewReader(""), io.Discard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(a.relayServer(ctx).Handler)
	defer srv.Close()

	get := func(path string) (int, string, http.Header) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b), resp.Header
	}

	if code, _, h := get("/healthz"); code != http.StatusOK || h.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("healthz code=%d nosniff=%q", code, h.Get("X-Content-Type-Options"))
	}
	if code, _, _ := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before auth=%d want=503", code)
	}

	if err := a.Authenticate(ctx, nil); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if code, _, _ := get("/readyz"); code != http.StatusOK {
		t.Fatalf("readyz after auth=%d want=200", code)
	}

	code, body, _ := get("/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics code=%d", code)
	}
	for _, want := range []string{"concierge_sync_open_views", "concierge_relay_connections", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestCLI_OperatorWatchSharesOutputWithChat(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	cfg := f.config()
	cfg.Token = f.staffTok
	cfg.PollInterval = 2 * time.Millisecond
	cfg.ListInterval = 2 * time.Millisecond

	inR, inW := io.Pipe()
	defer inW.Close()

	// Plain buffer: every writer must go through the console, and the
	// buffer is only read after the command returned.
	var out bytes.Buffer
	env := quietEnv("", &out)
	env.in = inR

	go func() {
		for i := 0; i < 20; i++ {
			f.be.Post(f.conv, api.SenderPersona, 7, fmt.Sprintf("msg %d", i))
			if i == 10 {
				f.be.AddConversation(f.userID, 7)
			}
			time.Sleep(3 * time.Millisecond)
		}
		time.Sleep(100 * time.Millisecond)
		_, _ = io.WriteString(inW, "/quit\n")
	}()

	err := runCLI(t, cfg, env, "operator", "--watch", "--conversation", fmt.Sprint(f.conv))
	if err != nil {
		t.Fatalf("operator: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"-- 1 active sessions --",
		"-- 2 active sessions --",
		"Aoi: msg 0",
		"Aoi: msg 19",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}
