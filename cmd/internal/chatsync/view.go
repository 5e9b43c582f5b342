package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"concierge/cmd/internal/api"
	"concierge/cmd/internal/clock"
)

// Fetcher is the message-fetch collaborator.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID, afterID int64) (api.PollResult, error)
}

// Sender is the message-send collaborator.
type Sender interface {
	SendMessage(ctx context.Context, conversationID int64, content string) (*api.Message, error)
}

// Backend is what a View consumes. *api.Client satisfies it.
type Backend interface {
	Fetcher
	Sender
}

// Update is delivered to the Observer after a poll appended messages.
type Update struct {
	ConversationID int64
	Appended       []api.Message
	Cursor         int64
}

// Observer is called after every poll that appended at least one message.
// Calls for one view are serialized and arrive in log order. An Observer
// must not call Close on the view it observes.
type Observer func(Update)

// PollResult reports the outcome of one Poll call.
type PollResult struct {
	Merge   MergeResult
	Cursor  int64
	Skipped bool
}

// View is one open conversation: its log, its cursor and its polling loop.
type View struct {
	id       int64
	backend  Backend
	clock    clock.Clock
	interval time.Duration
	log      *slog.Logger
	metrics  *Metrics
	observer Observer

	inFlight atomic.Bool
	kick     chan struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	msgs   *Log
	cursor int64
}

func newView(id int64, backend Backend, o Options) *View {
	return &View{
		id:       id,
		backend:  backend,
		clock:    o.Clock,
		interval: o.Interval,
		log:      o.Logger.With("conversation_id", id),
		metrics:  o.Metrics,
		observer: o.Observer,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		msgs:     NewLog(id),
	}
}

// ConversationID returns the id of the conversation this view is bound to.
func (v *View) ConversationID() int64 { return v.id }

// Cursor returns the last-seen message id.
func (v *View) Cursor() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cursor
}

// Messages returns a copy of the local log.
func (v *View) Messages() []api.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.msgs.Messages()
}

// History returns up to limit logged messages after afterID.
func (v *View) History(afterID int64, limit int) ([]api.Message, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.msgs.After(afterID, limit)
}

// Done is closed once the polling loop has exited.
func (v *View) Done() <-chan struct{} { return v.done }

// Poll fetches messages after the cursor and merges them into the log.
//
// If another Poll of this view is outstanding the call returns immediately
// with Skipped set. On error the log and cursor are unchanged.
func (v *View) Poll(ctx context.Context) (PollResult, error) {
	if !v.inFlight.CompareAndSwap(false, true) {
		v.metrics.poll("skipped")
		return PollResult{Skipped: true, Cursor: v.Cursor()}, nil
	}
	defer v.inFlight.Store(false)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return PollResult{}, ErrViewClosed
	}
	cursor := v.cursor
	v.mu.Unlock()

	res, err := v.backend.FetchMessages(ctx, v.id, cursor)
	if err != nil {
		v.metrics.poll("fail")
		return PollResult{Cursor: cursor}, err
	}

	v.mu.Lock()
	if v.closed {
		// Torn down while the request was in flight; the result belongs to a dead view.
		v.mu.Unlock()
		return PollResult{}, ErrViewClosed
	}
	merge := v.msgs.Merge(res.Messages)
	v.cursor = nextCursor(v.cursor, res, merge.Appended)
	out := PollResult{Merge: merge, Cursor: v.cursor}
	v.mu.Unlock()

	v.metrics.poll("ok")
	v.metrics.merged(merge, out.Cursor)

	if n := merge.Dropped(); n > 0 {
		v.log.Debug("sync.merge.dropped", "duplicates", merge.Duplicates, "stale", merge.Stale, "foreign", merge.Foreign)
	}

	if len(merge.Appended) > 0 && v.observer != nil {
		v.observer(Update{ConversationID: v.id, Appended: merge.Appended, Cursor: out.Cursor})
	}
	return out, nil
}

// Send submits content as a new message. Blank content is refused locally.
// Backend rejections are returned as-is so their text can be shown verbatim.
// Success schedules an immediate poll.
func (v *View) Send(ctx context.Context, content string) (*api.Message, error) {
	if strings.TrimSpace(content) == "" {
		v.metrics.send("empty")
		return nil, ErrEmptyContent
	}

	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return nil, ErrViewClosed
	}

	m, err := v.backend.SendMessage(ctx, v.id, content)
	if err != nil {
		v.metrics.send("fail")
		v.log.Info("sync.send.fail", "status", api.StatusOf(err), "err", err)
		return nil, err
	}
	v.metrics.send("ok")
	v.Kick()
	return m, nil
}

// Kick requests a poll without waiting for the next tick. Kicks coalesce.
func (v *View) Kick() {
	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// Close stops the loop, waits for it to exit and clears the log and cursor.
// It is idempotent.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.closed = true
		v.mu.Unlock()

		if v.cancel != nil {
			v.cancel()
			<-v.done
			v.metrics.viewClosed()
		}

		v.mu.Lock()
		v.msgs = NewLog(v.id)
		v.cursor = 0
		v.mu.Unlock()

		v.log.Debug("sync.view.closed")
	})
}

func (v *View) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	v.cancel = cancel
	v.metrics.viewOpened()
	go v.run(ctx)
}

func (v *View) run(ctx context.Context) {
	defer close(v.done)

	t := v.clock.NewTicker(v.interval)
	defer t.Stop()

	v.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			v.pollOnce(ctx)
		case <-v.kick:
			v.pollOnce(ctx)
		}
	}
}

func (v *View) pollOnce(ctx context.Context) {
	res, err := v.Poll(ctx)
	switch {
	case err == nil:
		if res.Skipped {
			v.log.Debug("sync.poll.skipped", "reason", "in_flight")
		}
	case errors.Is(err, ErrViewClosed), ctx.Err() != nil:
	case api.IsNotFound(err):
		// Still retried: a vanished conversation is not told apart from a transient failure.
		v.log.Warn("sync.poll.conversation_missing", "err", err)
	default:
		v.log.Debug("sync.poll.fail", "status", api.StatusOf(err), "err", err)
	}
}
