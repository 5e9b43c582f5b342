package chatsync

import (
	"sort"

	"concierge/cmd/internal/api"
)

// MergeResult describes what one Merge did with a batch.
type MergeResult struct {
	Appended []api.Message

	// Duplicates were already in the log.
	Duplicates int
	// Stale are unseen messages with an id not above the newest logged id.
	// Appending them would break id order, so they are dropped.
	Stale int
	// Foreign belong to another conversation.
	Foreign int
}

// Dropped is the number of messages Merge refused.
func (r MergeResult) Dropped() int { return r.Duplicates + r.Stale + r.Foreign }

// Log is the ordered message log of one conversation view.
//
// Invariants: ids are unique and strictly increasing in arrival order.
// Log is not safe for concurrent use; View guards it.
type Log struct {
	conversationID int64
	msgs           []api.Message
	seen           map[int64]struct{}
}

// NewLog returns an empty log for conversationID.
func NewLog(conversationID int64) *Log {
	return &Log{
		conversationID: conversationID,
		seen:           make(map[int64]struct{}),
	}
}

// Merge appends the messages of batch that are new, keeping batch order.
func (l *Log) Merge(batch []api.Message) MergeResult {
	var res MergeResult
	for _, m := range batch {
		if m.SessionID != 0 && m.SessionID != l.conversationID {
			res.Foreign++
			continue
		}
		if _, ok := l.seen[m.ID]; ok {
			res.Duplicates++
			continue
		}
		if m.ID <= l.Last() {
			res.Stale++
			continue
		}
		l.seen[m.ID] = struct{}{}
		l.msgs = append(l.msgs, m)
		res.Appended = append(res.Appended, m)
	}
	return res
}

// Last returns the newest id in the log, or 0 when empty.
func (l *Log) Last() int64 {
	if len(l.msgs) == 0 {
		return 0
	}
	return l.msgs[len(l.msgs)-1].ID
}

// Len returns the number of logged messages.
func (l *Log) Len() int { return len(l.msgs) }

// Contains reports whether id is logged.
func (l *Log) Contains(id int64) bool {
	_, ok := l.seen[id]
	return ok
}

// Messages returns a copy of the log.
func (l *Log) Messages() []api.Message {
	return append([]api.Message(nil), l.msgs...)
}

// After returns up to limit messages with id > afterID and whether more remain.
func (l *Log) After(afterID int64, limit int) ([]api.Message, bool) {
	start := sort.Search(len(l.msgs), func(i int) bool { return l.msgs[i].ID > afterID })
	rest := l.msgs[start:]
	if limit <= 0 || len(rest) <= limit {
		return append([]api.Message(nil), rest...), false
	}
	return append([]api.Message(nil), rest[:limit]...), true
}

// nextCursor never returns less than cur.
func nextCursor(cur int64, res api.PollResult, appended []api.Message) int64 {
	next := cur
	if res.LastMessageID != nil && *res.LastMessageID > next {
		next = *res.LastMessageID
	}
	for _, m := range appended {
		if m.ID > next {
			next = m.ID
		}
	}
	return next
}
