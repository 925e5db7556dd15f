// Package session keeps the per-chat conversational state: what the engine
// expects as the worker's next message, plus the reference snapshot of the
// most recent task listing. Sessions live in memory only; losing one merely
// forces the worker to list tasks again.
package session

import (
	"context"
	"sync"
	"time"

	"fieldtask/app/core/refcodex"
)

type State string

const (
	StateIdle           State = "idle"
	StateListingSent    State = "listing_sent"
	StateAwaitingReason State = "awaiting_reason"
)

// Session is owned by a single chat identity. The mutex sequences message
// handling for that chat; there is no cross-session locking.
type Session struct {
	mu sync.Mutex

	ChatID        string
	State         State
	Codex         *refcodex.Snapshot
	PendingTaskID string // task awaiting a reason, at most one

	lastSeen time.Time
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// ReplaceCodex installs the snapshot of a fresh listing. The previous
// snapshot is discarded, never merged, so stale references stop resolving.
// A pending-reason task is dropped too; the worker moved on.
func (s *Session) ReplaceCodex(snap *refcodex.Snapshot) {
	s.Codex = snap
	s.State = StateListingSent
	s.PendingTaskID = ""
}

// AwaitReason records the task whose reason the next free-text message will
// carry.
func (s *Session) AwaitReason(taskID string) {
	s.State = StateAwaitingReason
	s.PendingTaskID = taskID
}

// ClearPending drops the pending-reason task and returns the session to idle
// without touching the codex snapshot.
func (s *Session) ClearPending() {
	s.State = StateIdle
	s.PendingTaskID = ""
}

type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	idleTTL  time.Duration // 0 disables expiry
}

func NewStore(idleTTL time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		idleTTL:  idleTTL,
	}
}

// Get returns the session for chatID, creating it lazily on first contact.
func (st *Store) Get(chatID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[chatID]
	if !ok {
		s = &Session{ChatID: chatID, State: StateIdle}
		st.sessions[chatID] = s
	}
	s.lastSeen = time.Now()
	return s
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Sweep drops idle sessions unseen for longer than the configured TTL and
// returns how many were removed. A session awaiting a reason is kept; its
// worker still owes input.
func (st *Store) Sweep(now time.Time) int {
	if st.idleTTL <= 0 {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for chatID, s := range st.sessions {
		if s.State == StateAwaitingReason {
			continue
		}
		if now.Sub(s.lastSeen) > st.idleTTL {
			delete(st.sessions, chatID)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep periodically until ctx is canceled. No-op when
// expiry is disabled.
func (st *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if st.idleTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				st.Sweep(now)
			}
		}
	}()
}
