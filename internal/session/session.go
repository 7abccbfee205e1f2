// Package session implements the client side of a conversation: it
// subscribes to live events, keeps the visible message list and online
// set current, and maintains local unseen tallies for the threads the
// user does not have open.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetherchat/tether/internal/store"
	"github.com/tetherchat/tether/internal/unseen"
)

// Backend is the server surface a session needs.
type Backend interface {
	// Conversation returns the full thread with partnerID, already
	// marked seen on the server side.
	Conversation(ctx context.Context, partnerID string) ([]store.Message, error)
	// MarkSeen flags a single message as seen.
	MarkSeen(ctx context.Context, messageID string) error
	// UnseenBySender returns the server's per-sender unseen counts.
	UnseenBySender(ctx context.Context) (map[string]int, error)
}

// Handlers receive live events from an EventSource.
type Handlers struct {
	OnlineUsers func(userIDs []string)
	NewMessage  func(msg store.Message)
}

// EventSource delivers server pushes to a subscriber. Subscribe returns
// a stop function that tears the subscription down.
type EventSource interface {
	Subscribe(h Handlers) (stop func(), err error)
}

// Session tracks one user's live conversation state.
type Session struct {
	userID  string
	backend Backend

	mu       sync.Mutex
	online   []string
	partner  string // open conversation, empty when none
	messages []store.Message

	counters *unseen.Counters
	stop     func()
}

// New creates a session for userID.
func New(userID string, backend Backend) *Session {
	return &Session{
		userID:   userID,
		backend:  backend,
		counters: unseen.NewCounters(),
	}
}

// Start loads the server's unseen snapshot and subscribes to live
// events. It must be called before OpenConversation.
func (s *Session) Start(ctx context.Context, src EventSource) error {
	counts, err := s.backend.UnseenBySender(ctx)
	if err != nil {
		return fmt.Errorf("loading unseen snapshot: %w", err)
	}
	s.counters.Load(counts)

	stop, err := src.Subscribe(Handlers{
		OnlineUsers: s.handleOnlineUsers,
		NewMessage:  s.handleNewMessage,
	})
	if err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}
	s.stop = stop
	return nil
}

// Stop tears down the event subscription.
func (s *Session) Stop() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

func (s *Session) handleOnlineUsers(userIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = userIDs
}

func (s *Session) handleNewMessage(msg store.Message) {
	s.mu.Lock()
	open := s.partner != "" && msg.SenderID == s.partner
	if open {
		// The user is looking at this thread right now, so the
		// message counts as seen immediately.
		msg.Seen = true
		s.messages = append(s.messages, msg)
	}
	s.mu.Unlock()

	if open {
		go func() {
			if err := s.backend.MarkSeen(context.Background(), msg.ID); err != nil {
				slog.Debug("marking pushed message seen",
					"message_id", msg.ID, "error", err)
			}
		}()
		return
	}
	s.counters.Increment(msg.SenderID)
}

// OpenConversation switches the open thread to partnerID and loads its
// history. The local unseen tally for the partner resets before the
// fetch so a push racing the open lands either in the history or in the
// visible thread, never in the badge.
func (s *Session) OpenConversation(ctx context.Context, partnerID string) ([]store.Message, error) {
	s.mu.Lock()
	s.partner = partnerID
	s.mu.Unlock()
	s.counters.Reset(partnerID)

	msgs, err := s.backend.Conversation(ctx, partnerID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partner != partnerID {
		// The user already moved on to another thread.
		return msgs, nil
	}
	// Pushes that raced the fetch are appended after the history,
	// deduplicated by id.
	known := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		known[m.ID] = struct{}{}
	}
	for _, m := range s.messages {
		if _, ok := known[m.ID]; !ok && m.SenderID == partnerID {
			msgs = append(msgs, m)
		}
	}
	s.messages = msgs
	return msgs, nil
}

// CloseConversation clears the open thread; subsequent pushes count as
// unseen again.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partner = ""
	s.messages = nil
}

// Messages returns a copy of the open thread.
func (s *Session) Messages() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Online returns the last received online set.
func (s *Session) Online() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.online))
	copy(out, s.online)
	return out
}

// Unseen returns the current per-sender unseen tallies.
func (s *Session) Unseen() map[string]int {
	return s.counters.Snapshot()
}
