package signaling

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/pkg/logger"
)

// ErrNoRoute is returned when a user has no live connection able to take a frame
var ErrNoRoute = errors.New("no live connection for user")

// Handle is one live transport connection for one user. A user may hold
// several handles at once (multi-device).
type Handle interface {
	// Send queues a frame for delivery. It must not block; a handle whose
	// outbound queue is full reports an error instead.
	Send(frame *Frame) error
}

// OfflineHook is invoked after the last handle of a user is unregistered.
type OfflineHook func(userID uuid.UUID)

// OnlineHook is invoked after the first handle of a user is registered.
type OnlineHook func(userID uuid.UUID)

// Registry tracks which live connections belong to which user. Entries are
// process-lifetime only; nothing here is persisted.
type Registry struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*userEntry

	onOffline OfflineHook
	onOnline  OnlineHook
}

// userEntry owns the handle set of a single user. Register and Unregister
// mutate the set under the registry lock so an entry can never be orphaned;
// the per-entry lock lets sends to different users proceed without
// contending on the registry.
type userEntry struct {
	mu      sync.Mutex
	handles map[Handle]struct{}
}

// NewRegistry creates an empty connection registry
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[uuid.UUID]*userEntry),
	}
}

// SetOfflineHook installs the callback fired when a user loses their last
// connection. Must be called before any traffic flows.
func (r *Registry) SetOfflineHook(hook OfflineHook) {
	r.onOffline = hook
}

// SetOnlineHook installs the callback fired when a user gains their first
// connection. Must be called before any traffic flows.
func (r *Registry) SetOnlineHook(hook OnlineHook) {
	r.onOnline = hook
}

// Register adds a live handle for userID. The registry lock is held across
// the insert: releasing it first would let a concurrent Unregister empty
// the set and drop the entry from the map, leaving the new handle on an
// orphaned entry the router can never reach.
func (r *Registry) Register(userID uuid.UUID, h Handle) {
	r.mu.Lock()
	entry, ok := r.users[userID]
	if !ok {
		entry = &userEntry{handles: make(map[Handle]struct{})}
		r.users[userID] = entry
	}

	entry.mu.Lock()
	wasEmpty := len(entry.handles) == 0
	entry.handles[h] = struct{}{}
	entry.mu.Unlock()
	r.mu.Unlock()

	if wasEmpty && r.onOnline != nil {
		r.onOnline(userID)
	}
}

// Unregister removes a handle. When the user's set becomes empty the entry
// is dropped and the offline hook fires, which drives the disconnect
// transition for every non-terminal session of that user.
func (r *Registry) Unregister(userID uuid.UUID, h Handle) {
	r.mu.Lock()
	entry, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return
	}

	entry.mu.Lock()
	delete(entry.handles, h)
	empty := len(entry.handles) == 0
	entry.mu.Unlock()

	if empty {
		delete(r.users, userID)
	}
	r.mu.Unlock()

	if empty && r.onOffline != nil {
		r.onOffline(userID)
	}
}

// HandlesFor returns a snapshot of the user's live handles, possibly empty
func (r *Registry) HandlesFor(userID uuid.UUID) []Handle {
	r.mu.RLock()
	entry, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	handles := make([]Handle, 0, len(entry.handles))
	for h := range entry.handles {
		handles = append(handles, h)
	}
	entry.mu.Unlock()

	return handles
}

// IsOnline reports whether the user has at least one live connection
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	entry, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.handles) > 0
}

// SendToUser fans a frame out to all of the user's live handles. Delivery is
// best-effort: per-handle failures are logged and skipped. ErrNoRoute is
// returned only when no handle accepted the frame.
func (r *Registry) SendToUser(userID uuid.UUID, frame *Frame) error {
	handles := r.HandlesFor(userID)
	if len(handles) == 0 {
		return ErrNoRoute
	}

	delivered := 0
	for _, h := range handles {
		if err := h.Send(frame); err != nil {
			logger.Warn("dropping signaling frame for slow connection",
				zap.String("user_id", userID.String()),
				zap.String("frame_type", string(frame.Type)),
				zap.Error(err))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return ErrNoRoute
	}
	return nil
}

// OnlineCount returns the number of users with at least one connection
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
