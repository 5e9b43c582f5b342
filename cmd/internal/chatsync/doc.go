// Package chatsync keeps a local, ordered, duplicate-free copy of one
// conversation's messages in step with the backend by polling.
//
// A View is bound to one open conversation. It polls immediately when
// opened and then on a fixed interval, merges each batch into its Log and
// advances a last-seen cursor that never moves backwards. At most one
// poll per view is outstanding at a time; a tick that finds a poll still
// running is skipped. Sending kicks an extra poll so the sender sees the
// new message without waiting for the next tick.
//
// Poll failures are swallowed by the loop and retried on the next tick.
// Send failures are returned to the caller unchanged.
//
// Opening another conversation through the Synchronizer tears the previous
// view down first: its ticker is stopped and its loop has exited before the
// new view issues its first poll.
package chatsync
