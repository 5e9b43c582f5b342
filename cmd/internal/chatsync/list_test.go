package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"concierge/cmd/internal/clock"
)

type item struct {
	ID    int
	Title string
}

type listLoader struct {
	mu    sync.Mutex
	items []item
	err   error
	calls int
}

func (l *listLoader) load(context.Context) ([]item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return append([]item(nil), l.items...), nil
}

func (l *listLoader) set(items []item, err error) {
	l.mu.Lock()
	l.items, l.err = items, err
	l.mu.Unlock()
}

func itemKey(i item) int { return i.ID }

func TestRefresher_KeepsSelectionAcrossReloads(t *testing.T) {
	t.Parallel()

	ld := &listLoader{items: []item{{1, "a"}, {2, "b"}}}
	var changes int
	r := NewRefresher(ld.load, itemKey, ListOptions[item]{OnChange: func([]item) { changes++ }})
	ctx := context.Background()

	if changed, err := r.Refresh(ctx); err != nil || !changed {
		t.Fatalf("first Refresh changed=%v err=%v", changed, err)
	}
	if !r.Select(2) {
		t.Fatalf("Select(2) failed")
	}
	if r.Select(9) {
		t.Fatalf("Select(9) of missing item succeeded")
	}

	ld.set([]item{{3, "c"}, {2, "b2"}}, nil)
	if changed, _ := r.Refresh(ctx); !changed {
		t.Fatalf("reload with new items reported unchanged")
	}
	sel, ok := r.Selected()
	if !ok || sel != (item{2, "b2"}) {
		t.Fatalf("Selected()=%+v,%v want {2 b2}", sel, ok)
	}

	if changed, _ := r.Refresh(ctx); changed {
		t.Fatalf("identical reload reported changed")
	}
	if changes != 2 {
		t.Fatalf("OnChange calls=%d want=2", changes)
	}

	ld.set([]item{{3, "c"}}, nil)
	_, _ = r.Refresh(ctx)
	if _, ok := r.Selected(); ok {
		t.Fatalf("selection of removed item kept")
	}
}

func TestRefresher_FailureKeepsSnapshot(t *testing.T) {
	t.Parallel()

	ld := &listLoader{items: []item{{1, "a"}}}
	r := NewRefresher(ld.load, itemKey, ListOptions[item]{})
	ctx := context.Background()

	_, _ = r.Refresh(ctx)
	r.Select(1)

	boom := errors.New("boom")
	ld.set(nil, boom)
	if _, err := r.Refresh(ctx); !errors.Is(err, boom) {
		t.Fatalf("Refresh err=%v want=%v", err, boom)
	}
	if got := r.Items(); len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("Items()=%v after failure", got)
	}
	if _, ok := r.Selected(); !ok {
		t.Fatalf("selection lost after failure")
	}
}

func TestRefresher_RunLoadsAtStartAndOnTick(t *testing.T) {
	t.Parallel()

	ld := &listLoader{items: []item{{1, "a"}}}
	clk := clock.Fake(epoch)
	updates := make(chan []item, 4)
	r := NewRefresher(ld.load, itemKey, ListOptions[item]{
		Interval: 10 * time.Second,
		Clock:    clk,
		OnChange: func(items []item) { updates <- items },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitItems := func() []item {
		t.Helper()
		select {
		case items := <-updates:
			return items
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for refresh")
			return nil
		}
	}

	if got := waitItems(); len(got) != 1 {
		t.Fatalf("initial items=%v", got)
	}

	clk.WaitForTickers(1)
	ld.set([]item{{1, "a"}, {2, "b"}}, nil)
	clk.Advance(10 * time.Second)
	if got := waitItems(); len(got) != 2 {
		t.Fatalf("items after tick=%v", got)
	}
}
