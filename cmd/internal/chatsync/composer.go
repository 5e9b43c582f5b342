package chatsync

import (
	"context"
	"sync"

	"concierge/cmd/internal/api"
)

// Submitter sends content into a conversation. *View satisfies it.
type Submitter interface {
	Send(ctx context.Context, content string) (*api.Message, error)
}

// Composer holds the input draft of a conversation view.
//
// A successful Submit clears the draft. A failed one leaves it in place so
// the user can resubmit; nothing is retried automatically because a send
// can have side effects such as a credit debit.
type Composer struct {
	mu      sync.Mutex
	target  Submitter
	draft   string
	sending bool
}

// NewComposer returns a Composer sending to target.
func NewComposer(target Submitter) *Composer {
	return &Composer{target: target}
}

// Retarget points the composer at another view. The draft is kept.
func (c *Composer) Retarget(target Submitter) {
	c.mu.Lock()
	c.target = target
	c.mu.Unlock()
}

// SetDraft replaces the draft.
func (c *Composer) SetDraft(s string) {
	c.mu.Lock()
	c.draft = s
	c.mu.Unlock()
}

// Draft returns the current draft.
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Apply replaces the draft with a reply template's body.
func (c *Composer) Apply(t api.Template) { c.SetDraft(t.Content) }

// Submit sends the draft.
func (c *Composer) Submit(ctx context.Context) (*api.Message, error) {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return nil, ErrSendInProgress
	}
	if c.target == nil {
		c.mu.Unlock()
		return nil, ErrViewClosed
	}
	c.sending = true
	target, draft := c.target, c.draft
	c.mu.Unlock()

	m, err := target.Send(ctx, draft)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sending = false
	if err != nil {
		return nil, err
	}
	if c.draft == draft {
		c.draft = ""
	}
	return m, nil
}
