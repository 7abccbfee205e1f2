package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Target selects the recipients of a Publish call.
type Target struct {
	all    bool
	userID string
}

// TargetAll addresses every registered connection.
func TargetAll() Target { return Target{all: true} }

// TargetUser addresses the single connection registered for userID.
func TargetUser(userID string) Target { return Target{userID: userID} }

// Publisher is the explicit publish interface the delivery path depends
// on, so it can be exercised against a fake registry in tests.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any, target Target) error
}

// Registry tracks which users currently hold an open connection.
// It is the only process-wide shared mutable state in the delivery
// subsystem; all mutation goes through Connect/Disconnect under one
// mutex, and the lock is never held across a socket write.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Handle

	// OnBroadcast, if set, is called once per online-set broadcast.
	OnBroadcast func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]*Handle)}
}

// Connect registers h for its user identity, replacing (not merging)
// any prior connection for the same user. The replaced handle is
// invalidated so late pushes and disconnects from it become no-ops.
// A handle with an empty user identity is ignored entirely: no mapping,
// no broadcast. Every registered connection then receives the full
// online set.
func (r *Registry) Connect(ctx context.Context, h *Handle) {
	if h == nil || h.UserID() == "" {
		slog.Debug("presence: ignoring connect without identity")
		return
	}

	r.mu.Lock()
	prev := r.byUser[h.UserID()]
	r.byUser[h.UserID()] = h
	r.mu.Unlock()

	if prev != nil {
		prev.invalidate()
		slog.Debug("presence: replaced connection", "user", h.UserID(), "stale_handle", prev.ID())
	}
	slog.Info("presence: user connected", "user", h.UserID(), "handle", h.ID())

	r.broadcastOnline(ctx)
}

// Disconnect removes the mapping for h's user, but only if h is still
// the registered handle: a late disconnect from a connection that has
// already been replaced must not evict the fresh one. Duplicate and
// out-of-order disconnects are no-ops. The updated online set is
// broadcast only when a mapping was actually removed.
func (r *Registry) Disconnect(ctx context.Context, h *Handle) {
	if h == nil || h.UserID() == "" {
		return
	}
	h.invalidate()

	r.mu.Lock()
	cur, ok := r.byUser[h.UserID()]
	removed := ok && cur == h
	if removed {
		delete(r.byUser, h.UserID())
	}
	r.mu.Unlock()

	if !removed {
		slog.Debug("presence: stale or duplicate disconnect ignored", "user", h.UserID(), "handle", h.ID())
		return
	}
	slog.Info("presence: user disconnected", "user", h.UserID(), "handle", h.ID())

	r.broadcastOnline(ctx)
}

// IsOnline reports whether userID has a registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// Lookup returns the registered handle for userID, if any.
func (r *Registry) Lookup(userID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byUser[userID]
	return h, ok
}

// Online returns the sorted set of currently connected user identities.
func (r *Registry) Online() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		users = append(users, id)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

// Publish implements Publisher. For TargetUser, a miss returns
// ErrNotConnected and a stale handle returns ErrStaleHandle; callers on
// the delivery path treat both as skips, not failures. For TargetAll,
// write errors to individual connections are logged and dropped because
// online-set broadcasts are idempotent full snapshots that self-heal on
// the next event.
func (r *Registry) Publish(ctx context.Context, event string, payload any, target Target) error {
	if !target.all {
		h, ok := r.Lookup(target.userID)
		if !ok {
			return ErrNotConnected
		}
		return h.Push(ctx, event, payload)
	}

	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.byUser))
	for _, h := range r.byUser {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		if err := h.Push(ctx, event, payload); err != nil {
			slog.Debug("presence: broadcast push failed", "user", h.UserID(), "error", err)
		}
	}
	return nil
}

// broadcastOnline sends the full online set to every connected party.
func (r *Registry) broadcastOnline(ctx context.Context) {
	_ = r.Publish(ctx, EventOnlineUsers, r.Online(), TargetAll())
	if r.OnBroadcast != nil {
		r.OnBroadcast()
	}
}
