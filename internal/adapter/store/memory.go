package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"agent-webapp/internal/domain"
)

// MemoryStore is a process-local domain.ConversationStore. History is lost
// on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[string]*domain.ConversationInfo
	messages map[string][]domain.MessageInfo
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string]*domain.ConversationInfo),
		messages: make(map[string][]domain.MessageInfo),
	}
}

// Create implements domain.ConversationStore.
func (s *MemoryStore) Create(_ context.Context, title string, metadata map[string]string) (*domain.ConversationInfo, error) {
	conv := &domain.ConversationInfo{
		ID:        domain.NewID(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
		Metadata:  copyMap(metadata),
	}
	s.mu.Lock()
	s.convs[conv.ID] = conv
	s.mu.Unlock()

	out := *conv
	out.Metadata = copyMap(conv.Metadata)
	return &out, nil
}

// List implements domain.ConversationStore, most recently active first.
func (s *MemoryStore) List(_ context.Context) ([]domain.ConversationInfo, error) {
	s.mu.RLock()
	out := make([]domain.ConversationInfo, 0, len(s.convs))
	for _, c := range s.convs {
		cp := *c
		cp.Metadata = copyMap(c.Metadata)
		out = append(out, cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ai, aj := lastActive(out[i]), lastActive(out[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Append implements domain.ConversationStore.
func (s *MemoryStore) Append(_ context.Context, conversationID string, msg domain.MessageInfo) error {
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return domain.NewDomainError("MemoryStore.Append", domain.ErrConversationNotFound, conversationID)
	}
	updated := msg.Timestamp.UTC()
	conv.UpdatedAt = &updated
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return nil
}

// Messages implements domain.ConversationStore.
func (s *MemoryStore) Messages(_ context.Context, conversationID string) ([]domain.MessageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.convs[conversationID]; !ok {
		return nil, domain.NewDomainError("MemoryStore.Messages", domain.ErrConversationNotFound, conversationID)
	}
	msgs := s.messages[conversationID]
	out := make([]domain.MessageInfo, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Close implements io.Closer.
func (s *MemoryStore) Close() error { return nil }

func lastActive(c domain.ConversationInfo) time.Time {
	if c.UpdatedAt != nil {
		return *c.UpdatedAt
	}
	return c.CreatedAt
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ domain.ConversationStore = (*MemoryStore)(nil)
