package usecase

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"opsbridge/internal/domain"
)

// defaultMaxHistory bounds how many messages a conversation retains. Older
// entries fall off the front once the bound is hit.
const defaultMaxHistory = 50

// Conversation is the in-memory message history for one context id. Writers
// are serialized by the dispatcher through ConversationLocker; reads may
// happen concurrently.
type Conversation struct {
	mu        sync.RWMutex
	ID        string
	Msgs      []domain.Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewConversation creates an empty conversation for the given context id.
func NewConversation(id string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        id,
		Msgs:      make([]domain.Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// AddMessage appends a message and updates the timestamp (thread-safe).
func (c *Conversation) AddMessage(msg domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c.Msgs = append(c.Msgs, msg)
	c.UpdatedAt = time.Now()
}

// Messages returns a copy of the message history (thread-safe).
func (c *Conversation) Messages() []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := make([]domain.Message, len(c.Msgs))
	copy(cp, c.Msgs)
	return cp
}

// Truncate keeps only the last N messages.
func (c *Conversation) Truncate(maxMessages int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Msgs) <= maxMessages {
		return
	}
	c.Msgs = c.Msgs[len(c.Msgs)-maxMessages:]
}

// Len returns the current history length.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Msgs)
}

// ConversationStore manages conversations keyed by context id. History is
// in-memory only and bounded per conversation.
type ConversationStore struct {
	mu          sync.RWMutex
	convs       map[string]*Conversation
	maxMessages int
	logger      *slog.Logger
}

// NewConversationStore creates a store that bounds each conversation to
// maxMessages entries (<= 0 selects the default).
func NewConversationStore(maxMessages int, logger *slog.Logger) *ConversationStore {
	if maxMessages <= 0 {
		maxMessages = defaultMaxHistory
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &ConversationStore{
		convs:       make(map[string]*Conversation),
		maxMessages: maxMessages,
		logger:      logger,
	}
}

// GetOrCreate returns an existing conversation or creates a new one.
func (cs *ConversationStore) GetOrCreate(id string) *Conversation {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok := cs.convs[id]; ok {
		return c
	}
	c := NewConversation(id)
	cs.convs[id] = c
	return c
}

// Get returns an existing conversation or ErrNotFound.
func (cs *ConversationStore) Get(id string) (*Conversation, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.convs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

// Append adds a message to the conversation, creating it if needed, and
// enforces the history bound.
func (cs *ConversationStore) Append(id string, msg domain.Message) *Conversation {
	c := cs.GetOrCreate(id)
	c.AddMessage(msg)
	c.Truncate(cs.maxMessages)
	return c
}

// Count returns the number of stored conversations.
func (cs *ConversationStore) Count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.convs)
}

// ReapIdle deletes conversations not updated within maxAge and returns the
// count of reaped conversations.
func (cs *ConversationStore) ReapIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	// Phase 1: identify idle conversations under the read lock.
	cs.mu.RLock()
	var idle []string
	for id, c := range cs.convs {
		c.mu.RLock()
		stale := c.UpdatedAt.Before(cutoff)
		c.mu.RUnlock()
		if stale {
			idle = append(idle, id)
		}
	}
	cs.mu.RUnlock()

	if len(idle) == 0 {
		return 0
	}

	// Phase 2: delete under the write lock.
	cs.mu.Lock()
	for _, id := range idle {
		delete(cs.convs, id)
	}
	cs.mu.Unlock()

	cs.logger.Info("conversation retention sweep", "removed", len(idle), "max_age", maxAge.String())
	return len(idle)
}
