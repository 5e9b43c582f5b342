package chatsync

import (
	"context"
	"errors"
	"testing"

	"concierge/cmd/internal/api"
)

type stubSubmitter struct {
	err   error
	calls []string
	hook  func()
}

func (s *stubSubmitter) Send(_ context.Context, content string) (*api.Message, error) {
	s.calls = append(s.calls, content)
	if s.hook != nil {
		s.hook()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &api.Message{ID: 1, Content: content}, nil
}

func TestComposerSubmit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantDraft string
	}{
		{name: "success clears draft", wantDraft: ""},
		{name: "failure keeps draft", err: &api.Error{Status: 400, Detail: "このセッションは終了しています"}, wantDraft: "hello"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sub := &stubSubmitter{err: tt.err}
			c := NewComposer(sub)
			c.SetDraft("hello")

			_, err := c.Submit(context.Background())
			if !errors.Is(err, tt.err) {
				t.Fatalf("Submit err=%v want=%v", err, tt.err)
			}
			if tt.err != nil && err.Error() != tt.err.Error() {
				t.Fatalf("error text=%q want verbatim %q", err.Error(), tt.err.Error())
			}
			if got := c.Draft(); got != tt.wantDraft {
				t.Fatalf("draft=%q want=%q", got, tt.wantDraft)
			}
			if len(sub.calls) != 1 {
				t.Fatalf("sends=%d want=1", len(sub.calls))
			}
		})
	}
}

func TestComposerSubmit_EditDuringSendSurvives(t *testing.T) {
	t.Parallel()

	sub := &stubSubmitter{}
	c := NewComposer(sub)
	c.SetDraft("first")
	sub.hook = func() { c.SetDraft("second") }

	if _, err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := c.Draft(); got != "second" {
		t.Fatalf("draft=%q want=second", got)
	}
}

func TestComposerSubmit_RejectsOverlap(t *testing.T) {
	t.Parallel()

	sub := &stubSubmitter{}
	c := NewComposer(sub)
	c.SetDraft("x")

	var nested error
	sub.hook = func() { _, nested = c.Submit(context.Background()) }
	if _, err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !errors.Is(nested, ErrSendInProgress) {
		t.Fatalf("overlapping Submit err=%v want=%v", nested, ErrSendInProgress)
	}
}

func TestComposerApplyAndRetarget(t *testing.T) {
	t.Parallel()

	a, b := &stubSubmitter{}, &stubSubmitter{}
	c := NewComposer(a)
	c.Apply(api.Template{ID: 1, Label: "greet", Content: "いらっしゃいませ"})
	if c.Draft() != "いらっしゃいませ" {
		t.Fatalf("draft=%q after Apply", c.Draft())
	}

	c.Retarget(b)
	if _, err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(a.calls) != 0 || len(b.calls) != 1 {
		t.Fatalf("calls a=%d b=%d want 0,1", len(a.calls), len(b.calls))
	}

	c.Retarget(nil)
	if _, err := c.Submit(context.Background()); !errors.Is(err, ErrViewClosed) {
		t.Fatalf("Submit without target err=%v want=%v", err, ErrViewClosed)
	}
}
