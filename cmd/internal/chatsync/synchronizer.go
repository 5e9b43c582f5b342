package chatsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"concierge/cmd/internal/clock"
)

// DefaultInterval is the polling period of an open view.
const DefaultInterval = 3 * time.Second

// Options configures a Synchronizer. Zero values select defaults.
type Options struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *Metrics
	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Synchronizer owns the single open conversation view of a client.
// It is safe for concurrent use.
type Synchronizer struct {
	backend Backend
	opts    Options

	mu      sync.Mutex
	current *View
}

// New constructs a Synchronizer polling through backend.
func New(backend Backend, opts Options) *Synchronizer {
	return &Synchronizer{backend: backend, opts: opts.withDefaults()}
}

// Open tears down the current view, if any, and opens conversationID.
// The previous view's loop has exited before the new view polls. The new
// view polls immediately and then every Interval until Close or until ctx
// is cancelled.
func (s *Synchronizer) Open(ctx context.Context, conversationID int64) (*View, error) {
	if conversationID <= 0 {
		return nil, ErrInvalidConversation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.Close()
		s.current = nil
	}

	v := newView(conversationID, s.backend, s.opts)
	v.start(ctx)
	s.current = v

	s.opts.Logger.Info("sync.view.open", "conversation_id", conversationID, "interval", s.opts.Interval)
	return v, nil
}

// Current returns the open view, or nil.
func (s *Synchronizer) Current() *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close tears down the open view, if any.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
}
