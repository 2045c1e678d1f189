package usecase

import (
	"context"
	"fmt"
	"sync"
)

// ConversationLocker provides operation-level mutual exclusion per
// conversation. The dispatcher holds the lock for a conversation from the
// moment a task starts working until it reaches a terminal state, so a
// second send on the same conversation queues instead of interleaving
// history writes.
type ConversationLocker struct {
	mu    sync.Mutex
	locks map[string]*convMutex
}

type convMutex struct {
	mu       sync.Mutex
	refCount int
}

// NewConversationLocker creates a new conversation locker.
func NewConversationLocker() *ConversationLocker {
	return &ConversationLocker{
		locks: make(map[string]*convMutex),
	}
}

// Lock acquires the lock for the given conversation id. It blocks until the
// lock is acquired or the context is cancelled. Returns an unlock function
// that MUST be called when the operation is complete.
func (cl *ConversationLocker) Lock(ctx context.Context, conversationID string) (unlock func(), err error) {
	// Get or create the per-conversation mutex.
	cl.mu.Lock()
	cm, ok := cl.locks[conversationID]
	if !ok {
		cm = &convMutex{}
		cl.locks[conversationID] = cm
	}
	cm.refCount++
	cl.mu.Unlock()

	// Try to acquire the conversation mutex with context cancellation support.
	acquired := make(chan struct{})
	go func() {
		cm.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		// Lock acquired successfully.
		return func() {
			cm.mu.Unlock()
			cl.mu.Lock()
			cm.refCount--
			if cm.refCount == 0 {
				delete(cl.locks, conversationID)
			}
			cl.mu.Unlock()
		}, nil

	case <-ctx.Done():
		// Context cancelled before lock acquired.
		// Must clean up: wait for the goroutine to finish acquiring,
		// then immediately release to prevent a permanent held lock.
		go func() {
			<-acquired
			cm.mu.Unlock()
			cl.mu.Lock()
			cm.refCount--
			if cm.refCount == 0 {
				delete(cl.locks, conversationID)
			}
			cl.mu.Unlock()
		}()
		return nil, fmt.Errorf("conversation lock: %w", ctx.Err())
	}
}

// ActiveCount returns the number of conversations with active or pending
// locks. Intended for testing.
func (cl *ConversationLocker) ActiveCount() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.locks)
}
