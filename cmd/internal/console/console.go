// Package console is the line-oriented terminal front end of a conversation view.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"concierge/cmd/internal/api"
	"concierge/cmd/internal/chatsync"
)

// Backend is the directory data the console shows besides messages.
type Backend interface {
	ListConversations(ctx context.Context) ([]api.Conversation, error)
	ListTemplates(ctx context.Context) ([]api.Template, error)
	GetPersona(ctx context.Context, id int64) (api.Persona, error)
}

// Options configures a Console.
type Options struct {
	In     io.Reader
	Out    io.Writer
	Render Renderer
	Logger *slog.Logger
}

// Console reads chat input and commands and prints the open conversation.
type Console struct {
	sync    *chatsync.Synchronizer
	backend Backend
	in      io.Reader
	render  Renderer
	log     *slog.Logger

	composer *chatsync.Composer

	outMu sync.Mutex
	out   io.Writer

	mu            sync.Mutex
	want          int64
	conversations map[int64]api.Conversation
	templates     []api.Template
	// persona names fetched for conversations listed without one.
	personas map[int64]string
}

// New constructs a Console driving s. backend may be nil, which disables
// /list and /templates.
func New(s *chatsync.Synchronizer, backend Backend, opts Options) *Console {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	return &Console{
		sync:          s,
		backend:       backend,
		in:            opts.In,
		out:           opts.Out,
		render:        opts.Render,
		log:           opts.Logger,
		composer:      chatsync.NewComposer(nil),
		conversations: make(map[int64]api.Conversation),
		personas:      make(map[int64]string),
	}
}

// Observe renders the messages of u. Install it as (part of) the
// synchronizer's Observer.
func (c *Console) Observe(u chatsync.Update) {
	c.mu.Lock()
	want := c.want
	conv, ok := c.conversations[u.ConversationID]
	c.mu.Unlock()

	if want != u.ConversationID {
		return
	}
	var cp *api.Conversation
	if ok {
		cp = &conv
	}
	for _, m := range u.Appended {
		c.println(c.render.Message(m, cp))
	}
}

// SetConversations records conversation metadata used for sender names.
func (c *Console) SetConversations(cs []api.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conv := range cs {
		if api.StringValue(conv.PersonaName) == "" {
			if name, ok := c.personas[conv.PersonaID]; ok {
				conv.PersonaName = &name
			}
		}
		c.conversations[conv.ID] = conv
	}
}

// resolvePersona fills in the persona name of conversationID from the
// persona profile when the conversation list did not carry it.
func (c *Console) resolvePersona(ctx context.Context, conversationID int64) {
	c.mu.Lock()
	conv, ok := c.conversations[conversationID]
	c.mu.Unlock()
	if !ok || api.StringValue(conv.PersonaName) != "" || conv.PersonaID <= 0 || c.backend == nil {
		return
	}

	p, err := c.backend.GetPersona(ctx, conv.PersonaID)
	if err != nil || p.Name == "" {
		c.log.Debug("console.persona.fail", "persona_id", conv.PersonaID, "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.personas[conv.PersonaID] = p.Name
	for id, cv := range c.conversations {
		if cv.PersonaID == conv.PersonaID && api.StringValue(cv.PersonaName) == "" {
			name := p.Name
			cv.PersonaName = &name
			c.conversations[id] = cv
		}
	}
}

// Composer returns the console's draft holder.
func (c *Console) Composer() *chatsync.Composer { return c.composer }

// Open switches the console to conversationID.
func (c *Console) Open(ctx context.Context, conversationID int64) error {
	c.mu.Lock()
	_, known := c.conversations[conversationID]
	c.mu.Unlock()
	if !known && c.backend != nil {
		if cs, err := c.backend.ListConversations(ctx); err == nil {
			c.SetConversations(cs)
		}
	}
	c.resolvePersona(ctx, conversationID)

	c.println(fmt.Sprintf("-- conversation #%d --", conversationID))

	// Not held across sync.Open: closing the previous view waits for its
	// loop, which may be inside Observe.
	c.mu.Lock()
	c.want = conversationID
	c.mu.Unlock()

	v, err := c.sync.Open(ctx, conversationID)
	if err != nil {
		c.mu.Lock()
		c.want = 0
		c.mu.Unlock()
		c.composer.Retarget(nil)
		return err
	}
	c.composer.Retarget(v)
	return nil
}

// Run reads lines until EOF, /quit or ctx cancellation. When
// conversationID is positive it is opened first.
func (c *Console) Run(ctx context.Context, conversationID int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.backend != nil {
		if cs, err := c.backend.ListConversations(ctx); err == nil {
			c.SetConversations(cs)
		} else {
			c.log.Debug("console.conversations.fail", "err", err)
		}
	}
	if conversationID > 0 {
		if err := c.Open(ctx, conversationID); err != nil {
			return err
		}
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		sc.Buffer(make([]byte, 0, 4096), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			quit, err := c.Handle(ctx, line)
			if err != nil {
				c.println("! " + err.Error())
			}
			if quit {
				return nil
			}
		}
	}
}

// Handle processes one input line. Plain text becomes the draft and is
// submitted; an empty line submits the current draft.
func (c *Console) Handle(ctx context.Context, line string) (quit bool, err error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		if trimmed != "" {
			c.composer.SetDraft(line)
		}
		return false, c.submit(ctx)
	}

	cmd, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		c.println(helpText)
		return false, nil
	case "/retry":
		return false, c.submit(ctx)
	case "/draft":
		if arg != "" {
			c.composer.SetDraft(arg)
		}
		c.println("draft: " + c.composer.Draft())
		return false, nil
	case "/templates":
		return false, c.listTemplates(ctx)
	case "/t":
		return false, c.applyTemplate(ctx, arg)
	case "/switch":
		id, perr := strconv.ParseInt(arg, 10, 64)
		if perr != nil || id <= 0 {
			return false, fmt.Errorf("usage: /switch ID")
		}
		return false, c.Open(ctx, id)
	case "/list":
		return false, c.listConversations(ctx)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

const helpText = `commands:
  /list          list conversations
  /switch ID     open conversation ID
  /templates     list reply templates
  /t N           put template N into the draft (empty line sends)
  /draft [TEXT]  show or replace the draft
  /retry         resend the draft after a failure
  /quit          leave`

func (c *Console) submit(ctx context.Context) error {
	if strings.TrimSpace(c.composer.Draft()) == "" {
		return nil
	}
	if _, err := c.composer.Submit(ctx); err != nil {
		if errors.Is(err, chatsync.ErrViewClosed) {
			return errors.New("no conversation open (use /switch ID)")
		}
		// Kept for /retry; never resent automatically.
		c.println("! " + err.Error())
		c.println("  draft kept, /retry to resend")
		return nil
	}
	return nil
}

func (c *Console) listTemplates(ctx context.Context) error {
	if c.backend == nil {
		return errors.New("templates unavailable")
	}
	ts, err := c.backend.ListTemplates(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.templates = ts
	c.mu.Unlock()

	if len(ts) == 0 {
		c.println("no templates")
		return nil
	}
	for i, t := range ts {
		c.println(fmt.Sprintf("%2d. %s: %s", i+1, t.Label, t.Content))
	}
	return nil
}

func (c *Console) applyTemplate(ctx context.Context, arg string) error {
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return errors.New("usage: /t N")
	}

	c.mu.Lock()
	ts := c.templates
	c.mu.Unlock()
	if ts == nil && c.backend != nil {
		if ts, err = c.backend.ListTemplates(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		c.templates = ts
		c.mu.Unlock()
	}
	if n > len(ts) {
		return fmt.Errorf("no template %d", n)
	}

	c.composer.Apply(ts[n-1])
	c.println("draft: " + c.composer.Draft())
	return nil
}

func (c *Console) listConversations(ctx context.Context) error {
	if c.backend == nil {
		return errors.New("conversation list unavailable")
	}
	cs, err := c.backend.ListConversations(ctx)
	if err != nil {
		return err
	}
	c.SetConversations(cs)

	if len(cs) == 0 {
		c.println("no conversations")
		return nil
	}
	for _, conv := range cs {
		c.mu.Lock()
		conv = c.conversations[conv.ID]
		c.mu.Unlock()
		c.println(c.render.Conversation(conv))
	}
	return nil
}

// Println writes one line to the console output. It is safe to call from
// any goroutine; lines never interleave with rendered messages.
func (c *Console) Println(s string) { c.println(s) }

// Printf formats a line with fmt.Sprintf and writes it like Println.
func (c *Console) Printf(format string, args ...any) {
	c.println(strings.TrimSuffix(fmt.Sprintf(format, args...), "\n"))
}

func (c *Console) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = io.WriteString(c.out, s+"\n")
}
