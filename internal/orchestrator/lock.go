package orchestrator

import (
	"context"
	"sync"
)

// ConversationLock serializes message handling per conversation. Waiters are
// served in arrival order; unrelated conversations never contend.
type ConversationLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{} // capacity 1: holding the token means holding the lock
	refs int
}

// NewConversationLock creates the lock table.
func NewConversationLock() *ConversationLock {
	return &ConversationLock{locks: make(map[string]*lockEntry)}
}

// Acquire blocks until the conversation lock is held or ctx is done. On
// success it returns a release func that must be called exactly once.
func (l *ConversationLock) Acquire(ctx context.Context, conversationID string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[conversationID]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		l.locks[conversationID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return func() { l.release(conversationID, entry) }, nil
	case <-ctx.Done():
		l.drop(conversationID, entry)
		return nil, ctx.Err()
	}
}

func (l *ConversationLock) release(conversationID string, entry *lockEntry) {
	<-entry.ch
	l.drop(conversationID, entry)
}

func (l *ConversationLock) drop(conversationID string, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, conversationID)
	}
}
