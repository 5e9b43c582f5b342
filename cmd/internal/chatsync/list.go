package chatsync

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"concierge/cmd/internal/clock"
)

// DefaultListInterval is the refresh period of list views.
const DefaultListInterval = 10 * time.Second

// ListOptions configures a Refresher. Zero values select defaults.
type ListOptions[T any] struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
	// OnChange is called after a refresh that changed the snapshot.
	OnChange func(items []T)
}

// Refresher keeps a periodically reloaded snapshot of a list (sessions,
// notifications) together with a selection that survives reloads.
//
// A reload replaces the items but not the selection: the selected key is
// kept while an item with that key exists. A failed reload keeps the
// previous snapshot. It is safe for concurrent use.
type Refresher[T any, K comparable] struct {
	load func(ctx context.Context) ([]T, error)
	key  func(T) K
	opts ListOptions[T]

	inFlight atomic.Bool

	mu       sync.Mutex
	items    []T
	selected K
	hasSel   bool
	loaded   bool
}

// NewRefresher returns a Refresher built on load, identifying items by key.
func NewRefresher[T any, K comparable](load func(ctx context.Context) ([]T, error), key func(T) K, opts ListOptions[T]) *Refresher[T, K] {
	if opts.Interval <= 0 {
		opts.Interval = DefaultListInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Refresher[T, K]{load: load, key: key, opts: opts}
}

// Refresh reloads the list once. It reports whether the snapshot changed.
// A refresh that finds another one outstanding does nothing.
func (r *Refresher[T, K]) Refresh(ctx context.Context) (bool, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return false, nil
	}
	defer r.inFlight.Store(false)

	items, err := r.load(ctx)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	changed := !r.loaded || !reflect.DeepEqual(r.items, items)
	r.items = items
	r.loaded = true
	if r.hasSel && r.indexLocked(r.selected) < 0 {
		var zero K
		r.selected, r.hasSel = zero, false
	}
	snapshot := append([]T(nil), items...)
	r.mu.Unlock()

	if changed && r.opts.OnChange != nil {
		r.opts.OnChange(snapshot)
	}
	return changed, nil
}

// Run refreshes immediately and then every Interval until ctx is done.
func (r *Refresher[T, K]) Run(ctx context.Context) {
	t := r.opts.Clock.NewTicker(r.opts.Interval)
	defer t.Stop()

	r.refreshQuiet(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.refreshQuiet(ctx)
		}
	}
}

func (r *Refresher[T, K]) refreshQuiet(ctx context.Context) {
	if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.opts.Logger.Debug("list.refresh.fail", "err", err)
	}
}

// Items returns a copy of the snapshot.
func (r *Refresher[T, K]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

// Select marks the item with key k as selected. It reports false, leaving
// the selection unchanged, when no such item is loaded.
func (r *Refresher[T, K]) Select(k K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(k) < 0 {
		return false
	}
	r.selected, r.hasSel = k, true
	return true
}

// Selected returns the selected item, if any.
func (r *Refresher[T, K]) Selected() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if !r.hasSel {
		return zero, false
	}
	i := r.indexLocked(r.selected)
	if i < 0 {
		return zero, false
	}
	return r.items[i], true
}

func (r *Refresher[T, K]) indexLocked(k K) int {
	for i, it := range r.items {
		if r.key(it) == k {
			return i
		}
	}
	return -1
}
