// Package store owns the durable record of messages between two parties,
// including the seen flag and its false→true lifecycle. It is the sole
// writer of message state; the delivery path only reads messages to push
// them. Two backends are provided: an in-memory store for tests and
// single-binary runs, and a MongoDB store for production.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a message or user id does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidMessage is returned when a message is missing required fields.
var ErrInvalidMessage = errors.New("message must have sender, recipient and content")

// ErrInvalidUser is returned when a user record has no id.
var ErrInvalidUser = errors.New("user must have an id")

// Message is one chat message between two parties. Immutable after
// creation except for Seen (false→true only) and the soft-delete flags.
type Message struct {
	ID                string    `json:"id" bson:"_id"`
	SenderID          string    `json:"senderId" bson:"sender_id"`
	RecipientID       string    `json:"recipientId" bson:"recipient_id"`
	Text              string    `json:"text" bson:"text"`
	Image             string    `json:"image,omitempty" bson:"image,omitempty"`
	Seen              bool      `json:"seen" bson:"seen"`
	CreatedAt         time.Time `json:"createdAt" bson:"created_at"`
	DeleteForSender   bool      `json:"deleteForSender" bson:"delete_for_sender"`
	DeleteForReceiver bool      `json:"deleteForReceiver" bson:"delete_for_receiver"`
}

// User is the minimal user record this subsystem needs for the
// conversation summary; profile management lives elsewhere.
type User struct {
	ID   string `json:"id" bson:"_id"`
	Name string `json:"name" bson:"name"`
	Bio  string `json:"bio,omitempty" bson:"bio,omitempty"`
}

// Store is the persistence contract for the delivery subsystem. All
// operations are atomic from the caller's perspective.
type Store interface {
	// CreateMessage persists m, assigning its id and creation time.
	// A message is always created unseen.
	CreateMessage(ctx context.Context, m *Message) error

	// Conversation returns all messages between viewer and partner in
	// creation order, and as a side effect marks every partner→viewer
	// message seen. Returned records reflect the post-mark state.
	Conversation(ctx context.Context, viewerID, partnerID string) ([]Message, error)

	// MarkSeen transitions one message to seen. Marking an already-seen
	// message is a no-op, not an error; an unknown id is ErrNotFound.
	MarkSeen(ctx context.Context, id string) error

	// UnseenBySender counts not-yet-seen messages addressed to viewer,
	// grouped by sender. Senders with zero unseen messages are absent
	// from the result, not zero-valued.
	UnseenBySender(ctx context.Context, viewerID string) (map[string]int, error)

	// UpsertUser records a user for the conversation summary listing.
	UpsertUser(ctx context.Context, u User) error

	// ListUsers returns all known users except excludeID, sorted by name.
	ListUsers(ctx context.Context, excludeID string) ([]User, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}

func validateMessage(m *Message) error {
	if m == nil || m.SenderID == "" || m.RecipientID == "" || (m.Text == "" && m.Image == "") {
		return ErrInvalidMessage
	}
	return nil
}
