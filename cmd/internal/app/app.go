// Package app wires the concierge client runtime: config, logging, the
// backend client, the synchronizer, the console and the optional relay server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"concierge/cmd/internal/api"
	"concierge/cmd/internal/auth/session"
	"concierge/cmd/internal/chatsync"
	"concierge/cmd/internal/console"
	"concierge/cmd/internal/relay"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
)

// ErrNoLogin is returned when neither a token nor an email is configured.
var ErrNoLogin = errors.New("no credential: set CONCIERGE_TOKEN or CONCIERGE_EMAIL")

// PasswordFunc asks for a password when none is configured.
type PasswordFunc func(prompt string) (string, error)

// App is the client runtime for one realm.
type App struct {
	cfg   Config
	log   Logger
	realm api.Realm

	in  io.Reader
	out io.Writer

	reg     *prometheus.Registry
	client  *api.Client
	session *session.Accessor
	sync    *chatsync.Synchronizer
	hub     *relay.Hub
	gateway *relay.Gateway
	console *console.Console
}

// New constructs a fully wired App. Nothing talks to the backend until
// Authenticate.
func New(cfg Config, realm api.Realm, log Logger, in io.Reader, out io.Writer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}

	a := &App{cfg: cfg, log: log, realm: realm, in: in, out: out}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var limiter *rate.Limiter
	if cfg.APIRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.APIRPS), max(cfg.APIBurst, 1))
	}

	// The accessor is the client's token source and needs the client to
	// log in; the unauthenticated client breaks the cycle.
	bare, err := api.NewClient(api.Config{
		BaseURL: cfg.APIURL,
		Timeout: cfg.RequestTimeout,
		Limiter: limiter,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}
	a.session = session.New(bare, realm, log)
	a.client = bare.WithTokens(a.session)

	a.hub = relay.NewHub(log, a.client.BaseURL(), relay.NewMetrics(a.reg))
	a.sync = chatsync.New(a.client, chatsync.Options{
		Interval: cfg.PollInterval,
		Logger:   log,
		Metrics:  chatsync.NewMetrics(a.reg),
		Observer: a.observe,
	})
	a.gateway = relay.NewGateway(log, a.hub, a.sync, relay.Config{
		AllowedOrigins: cfg.RelayAllowedOrigins,
		OriginRequired: cfg.RelayOriginRequired,
	})

	return a, nil
}

// observe fans appended messages out to the terminal and relay viewers.
func (a *App) observe(u chatsync.Update) {
	if a.console != nil {
		a.console.Observe(u)
	}
	a.hub.Publish(u)
}

// Authenticate establishes the session: a configured token is validated;
// otherwise email/password login is performed, asking ask for a missing
// password when ask is non-nil.
func (a *App) Authenticate(ctx context.Context, ask PasswordFunc) error {
	if a.cfg.Token != "" {
		return a.session.Init(ctx, a.cfg.Token)
	}
	if a.cfg.Email == "" {
		return ErrNoLogin
	}

	password := a.cfg.Password
	if password == "" && ask != nil {
		p, err := ask(fmt.Sprintf("password for %s: ", a.cfg.Email))
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = p
	}
	return a.session.Login(ctx, a.cfg.Email, password)
}

func (a *App) renderer() console.Renderer {
	r := console.Renderer{Role: a.realm, MediaBase: a.client.BaseURL(), Location: time.Local}
	if acc, ok := a.session.Current(); ok {
		r.Self = acc.ID
	}
	return r
}

func (a *App) newConsole() *console.Console {
	a.console = console.New(a.sync, a.client, console.Options{
		In:     a.in,
		Out:    a.out,
		Render: a.renderer(),
		Logger: a.log,
	})
	return a.console
}

// Chat runs the end-user view of conversationID until the console exits.
func (a *App) Chat(ctx context.Context, conversationID int64) error {
	if conversationID <= 0 {
		return chatsync.ErrInvalidConversation
	}
	con := a.newConsole()
	return a.withRelay(ctx, func(ctx context.Context) error {
		defer a.sync.Close()
		return con.Run(ctx, conversationID)
	})
}

// Operator runs the staff console. The session list is kept fresh in the
// background; conversationID, when positive, must be one of the sessions.
func (a *App) Operator(ctx context.Context, conversationID int64, watch bool) error {
	con := a.newConsole()
	r := a.renderer()

	sessions := chatsync.NewRefresher(a.client.ListConversations,
		func(c api.Conversation) int64 { return c.ID },
		chatsync.ListOptions[api.Conversation]{
			Interval: a.cfg.ListInterval,
			Logger:   a.log,
			OnChange: func(cs []api.Conversation) {
				con.SetConversations(cs)
				if !watch {
					return
				}
				// One write keeps the block whole between rendered messages.
				lines := []string{fmt.Sprintf("-- %d active sessions --", len(cs))}
				for _, c := range cs {
					lines = append(lines, r.Conversation(c))
				}
				con.Println(strings.Join(lines, "\n"))
			},
		})

	if _, err := sessions.Refresh(ctx); err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if conversationID > 0 && !sessions.Select(conversationID) {
		return fmt.Errorf("conversation %d is not an active session", conversationID)
	}
	if conversationID <= 0 && !watch {
		for _, c := range sessions.Items() {
			con.Println(r.Conversation(c))
		}
	}
	if conversationID <= 0 {
		con.Println("use /switch ID to open a session")
	}

	return a.withRelay(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithCancel(ctx)
		refreshed := make(chan struct{})
		go func() {
			defer close(refreshed)
			sessions.Run(ctx)
		}()
		defer func() {
			cancel()
			<-refreshed
		}()

		defer a.sync.Close()
		return con.Run(ctx, conversationID)
	})
}

// Conversations prints the conversation selector once.
func (a *App) Conversations(ctx context.Context) error {
	cs, err := a.client.ListConversations(ctx)
	if err != nil {
		return err
	}
	r := a.renderer()
	for _, c := range cs {
		a.printf("%s\n", r.Conversation(c))
	}
	return nil
}

// Notifications prints notifications; with watch it refreshes them until
// ctx is done, printing only when the list changed.
func (a *App) Notifications(ctx context.Context, watch bool) error {
	r := a.renderer()
	list := chatsync.NewRefresher(a.client.ListNotifications,
		func(n api.Notification) int64 { return n.ID },
		chatsync.ListOptions[api.Notification]{
			Interval: a.cfg.ListInterval,
			Logger:   a.log,
			OnChange: func(ns []api.Notification) {
				if watch {
					a.printf("-- %d notifications --\n", len(ns))
				}
				for _, n := range ns {
					a.printf("%s\n", r.Notification(n))
				}
			},
		})

	if _, err := list.Refresh(ctx); err != nil {
		return err
	}
	if !watch {
		return nil
	}
	list.Run(ctx)
	return nil
}

func (a *App) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.out, format, args...)
}

// withRelay runs fn with the relay server up when RelayAddr is set.
// The server is shut down when fn returns.
func (a *App) withRelay(ctx context.Context, fn func(ctx context.Context) error) error {
	if a.cfg.RelayAddr == "" {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := a.relayServer(ctx)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	a.log.Info("relay.start",
		"addr", a.cfg.RelayAddr,
		"ws_url", wsBaseURL(runtimeBaseURL(a.cfg.RelayAddr))+"/ws",
	)

	fnErr := make(chan error, 1)
	go func() { fnErr <- fn(ctx) }()

	var err error
	select {
	case err = <-fnErr:
	case err = <-errCh:
		a.log.Error("relay.fail", "err", err)
		cancel()
		<-fnErr
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.log.Error("relay.shutdown.fail", "err", serr)
	}
	a.log.Info("relay.stopped")
	return err
}

func (a *App) relayServer(ctx context.Context) *http.Server {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.reg, a.session.Authenticated, a.gateway)

	return &http.Server{
		Addr:              a.cfg.RelayAddr,
		Handler:           WithRequestLogging(WithSecurityHeaders(mux), a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.RelayReadHeaderLimit, 5*time.Second),
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		// WebSocket handlers observe shutdown through the request context.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
