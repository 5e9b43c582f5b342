package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"concierge/cmd/internal/api"
)

type fetchCall struct {
	conversationID int64
	afterID        int64
}

type fetchFunc func(ctx context.Context, conversationID, afterID int64) (api.PollResult, error)

// fakeBackend records every fetch on calls and answers with fetch.
type fakeBackend struct {
	calls chan fetchCall

	mu      sync.Mutex
	fetch   fetchFunc
	sendErr error
	sent    []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		calls: make(chan fetchCall, 64),
		fetch: func(context.Context, int64, int64) (api.PollResult, error) {
			return api.PollResult{}, nil
		},
	}
}

func (f *fakeBackend) setFetch(fn fetchFunc) {
	f.mu.Lock()
	f.fetch = fn
	f.mu.Unlock()
}

func (f *fakeBackend) FetchMessages(ctx context.Context, conversationID, afterID int64) (api.PollResult, error) {
	f.mu.Lock()
	fn := f.fetch
	f.mu.Unlock()

	f.calls <- fetchCall{conversationID: conversationID, afterID: afterID}
	return fn(ctx, conversationID, afterID)
}

func (f *fakeBackend) SendMessage(_ context.Context, conversationID int64, content string) (*api.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, content)
	return &api.Message{ID: int64(1000 + len(f.sent)), SessionID: conversationID, SenderType: api.SenderUser, Content: content}, nil
}

func waitFetch(t *testing.T, f *fakeBackend) fetchCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for fetch")
		return fetchCall{}
	}
}

func expectNoFetch(t *testing.T, f *fakeBackend) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected fetch %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func msg(conv, id int64) api.Message {
	return api.Message{ID: id, SessionID: conv, SenderType: api.SenderPersona, Content: "m"}
}

func batch(conv int64, ids ...int64) []api.Message {
	out := make([]api.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, msg(conv, id))
	}
	return out
}

func last(id int64) *int64 { return &id }

func ids(ms []api.Message) []int64 {
	out := make([]int64, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}
