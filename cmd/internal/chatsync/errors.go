package chatsync

import "errors"

var (
	// ErrEmptyContent is returned by Send for blank input. Nothing is sent.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrViewClosed is returned by operations on a torn-down view.
	ErrViewClosed = errors.New("conversation view closed")

	// ErrSendInProgress is returned by Composer.Submit while a previous submit is outstanding.
	ErrSendInProgress = errors.New("send already in progress")

	// ErrInvalidConversation is returned by Open for a non-positive conversation id.
	ErrInvalidConversation = errors.New("invalid conversation id")
)
