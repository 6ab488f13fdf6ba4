// Package presence derives online/offline state from connection registry
// occupancy and propagates status changes to interested users.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"swiftchat/internal/domain"
	"swiftchat/internal/protocol"
	"swiftchat/internal/registry"
)

// Tracker runs the per-user presence state machine:
//
//	Offline -> Online  on the first connection,
//	Online  -> Offline when the last connection closes, after a debounce
//	                   window that absorbs rapid reconnects.
//
// Presence is never stored as independent state here; every decision
// re-checks registry occupancy. The user store's is_online / last_seen
// columns are write-only mirrors for REST consumers.
type Tracker struct {
	reg      *registry.Registry
	users    domain.UserRepository
	parts    domain.ParticipantRepository
	log      *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	online  map[int64]bool
	pending map[int64]*time.Timer

	// annMu serializes announcements so status frames reach peers in the
	// order the transitions committed.
	annMu sync.Mutex
}

func NewTracker(
	users domain.UserRepository,
	parts domain.ParticipantRepository,
	log *slog.Logger,
	debounce time.Duration,
) *Tracker {
	return &Tracker{
		users:    users,
		parts:    parts,
		log:      log,
		debounce: debounce,
		online:   make(map[int64]bool),
		pending:  make(map[int64]*time.Timer),
	}
}

// SetRegistry wires the registry after construction. The registry needs the
// tracker's callback at construction time, so the tracker is built first.
func (t *Tracker) SetRegistry(reg *registry.Registry) {
	t.reg = reg
}

// OnTransition consumes a registry transition. Wire it as the registry's
// transition callback.
func (t *Tracker) OnTransition(tr registry.Transition) {
	if tr.Delta > 0 {
		t.handleConnect(tr.UserID)
		return
	}
	if tr.Count == 0 {
		t.scheduleOffline(tr.UserID)
	}
}

func (t *Tracker) handleConnect(userID int64) {
	t.mu.Lock()
	if timer, ok := t.pending[userID]; ok {
		// Reconnect inside the debounce window: the offline transition is
		// cancelled and no status event is ever emitted for it.
		timer.Stop()
		delete(t.pending, userID)
	}
	already := t.online[userID]
	t.online[userID] = true
	t.mu.Unlock()

	if already {
		return
	}
	t.announce(userID, true)
}

func (t *Tracker) scheduleOffline(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.pending[userID]; ok {
		timer.Stop()
	}
	t.pending[userID] = time.AfterFunc(t.debounce, func() {
		t.commitOffline(userID)
	})
}

func (t *Tracker) commitOffline(userID int64) {
	t.mu.Lock()
	delete(t.pending, userID)
	// Occupancy is authoritative: a register may have raced the timer.
	if t.reg.Count(userID) > 0 || !t.online[userID] {
		t.mu.Unlock()
		return
	}
	delete(t.online, userID)
	t.mu.Unlock()

	t.announce(userID, false)
}

// Online reports the debounced presence state for the user.
func (t *Tracker) Online(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

// announce mirrors the state into the user store and emits a user_status
// frame to every user sharing a conversation with the affected user, plus
// the user's own remaining connections.
func (t *Tracker) announce(userID int64, online bool) {
	t.annMu.Lock()
	defer t.annMu.Unlock()

	// The state may have flipped again while this announcement waited its
	// turn; delivering it now would show peers a stale status last.
	if t.Online(userID) != online {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	if err := t.users.SetOnlineStatus(ctx, userID, online, now); err != nil {
		t.log.Error("presence: mirror online status", "user_id", userID, "err", err)
	}

	user, err := t.users.GetByID(ctx, userID)
	if err != nil || user == nil {
		t.log.Error("presence: load user", "user_id", userID, "err", err)
		return
	}

	peers, err := t.parts.PeerIDs(ctx, userID)
	if err != nil {
		t.log.Error("presence: resolve peers", "user_id", userID, "err", err)
		return
	}

	frame := protocol.NewStatusFrame(userID, user.Username, online, now)
	targets := append(peers, userID)
	for _, uid := range targets {
		for _, h := range t.reg.Resolve(uid) {
			if err := h.Deliver(frame); err != nil {
				t.log.Debug("presence: deliver status", "user_id", uid, "conn_id", h.ID(), "err", err)
			}
		}
	}
	t.log.Info("presence: status change", "user_id", userID, "online", online, "peers", len(peers))
}

// Stop cancels all pending offline timers. Used at shutdown.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
	}
}
