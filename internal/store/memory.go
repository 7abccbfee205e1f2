package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation.
// Thread-safe via sync.RWMutex. Messages are kept in creation order.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*Message
	byID     map[string]*Message
	users    map[string]User
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Message),
		users: make(map[string]User),
	}
}

// CreateMessage persists m, assigning id and creation time.
func (s *MemoryStore) CreateMessage(_ context.Context, m *Message) error {
	if err := validateMessage(m); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *m
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now().UTC()
	stored.Seen = false

	rec := stored
	s.messages = append(s.messages, &rec)
	s.byID[rec.ID] = &rec

	*m = stored
	return nil
}

// Conversation returns both directions of the viewer↔partner thread in
// creation order and marks partner→viewer messages seen.
func (s *MemoryStore) Conversation(_ context.Context, viewerID, partnerID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.messages {
		between := (m.SenderID == viewerID && m.RecipientID == partnerID) ||
			(m.SenderID == partnerID && m.RecipientID == viewerID)
		if !between {
			continue
		}
		if m.SenderID == partnerID && m.RecipientID == viewerID {
			m.Seen = true
		}
		out = append(out, *m)
	}
	return out, nil
}

// MarkSeen transitions one message to seen; idempotent.
func (s *MemoryStore) MarkSeen(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	m.Seen = true
	return nil
}

// UnseenBySender counts unseen messages addressed to viewer, by sender.
func (s *MemoryStore) UnseenBySender(_ context.Context, viewerID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, m := range s.messages {
		if m.RecipientID == viewerID && !m.Seen {
			counts[m.SenderID]++
		}
	}
	return counts, nil
}

// UpsertUser records a user for summary listings.
func (s *MemoryStore) UpsertUser(_ context.Context, u User) error {
	if u.ID == "" {
		return ErrInvalidUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

// ListUsers returns all known users except excludeID, sorted by name.
func (s *MemoryStore) ListUsers(_ context.Context, excludeID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]User, 0, len(s.users))
	for id, u := range s.users {
		if id == excludeID {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Ping always succeeds for the in-memory backend.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close(_ context.Context) error { return nil }
