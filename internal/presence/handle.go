package presence

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
)

// Event names on the real-time channel.
const (
	EventOnlineUsers = "getOnlineUsers"
	EventNewMessage  = "newMessage"
)

// ErrStaleHandle is returned when pushing to a handle that has been
// replaced by a newer connection or already disconnected.
var ErrStaleHandle = errors.New("stale connection handle")

// ErrNotConnected is returned by Publish when the target user has no
// registered connection.
var ErrNotConnected = errors.New("user not connected")

// Pusher delivers one named event to a single live connection.
// Implementations must be safe for concurrent use; the registry never
// holds its lock across a Push.
type Pusher interface {
	Push(ctx context.Context, event string, payload any) error
}

// Handle represents one live bidirectional connection for one user.
// A handle is invalidated when its connection closes or when the same
// user connects again; pushes to an invalidated handle fail with
// ErrStaleHandle and are discarded by callers.
type Handle struct {
	id     string
	userID string
	pusher Pusher
	stale  atomic.Bool
}

// NewHandle wraps a connection's pusher for the given user identity.
func NewHandle(userID string, p Pusher) *Handle {
	return &Handle{
		id:     uuid.NewString(),
		userID: userID,
		pusher: p,
	}
}

// ID returns the unique identity of this connection instance.
func (h *Handle) ID() string { return h.id }

// UserID returns the user identity bound to this handle.
func (h *Handle) UserID() string { return h.userID }

// Stale reports whether this handle has been invalidated.
func (h *Handle) Stale() bool { return h.stale.Load() }

// Push delivers an event over the underlying connection.
// Pushes on a stale handle fail without touching the connection.
func (h *Handle) Push(ctx context.Context, event string, payload any) error {
	if h.stale.Load() {
		return ErrStaleHandle
	}
	return h.pusher.Push(ctx, event, payload)
}

func (h *Handle) invalidate() {
	h.stale.Store(true)
}
