package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// DefaultDebounce coalesces bursts of form edits into one write.
const DefaultDebounce = 250 * time.Millisecond

// SessionStore persists the checkout snapshot so it survives a reload or a
// round trip through the gateway's hosted page. Writes are debounced; Flush
// forces the pending write out and Clear discards it.
type SessionStore struct {
	Storage   Storage
	SessionID string
	Debounce  time.Duration
	Logger    zerolog.Logger

	mu      sync.Mutex
	pending *checkout.Snapshot
	timer   *time.Timer
	gen     uint64
	lastErr error

	// held for the whole of a write or delete so a Clear cannot interleave
	// with a timer-driven write
	ioMu sync.Mutex
}

// NewSessionStore builds a store for one session id.
func NewSessionStore(storage Storage, sessionID string, logger zerolog.Logger) *SessionStore {
	return &SessionStore{Storage: storage, SessionID: sessionID, Debounce: DefaultDebounce, Logger: logger}
}

// Save schedules snap to be written once edits settle.
func (s *SessionStore) Save(snap checkout.Snapshot) {
	cp := snap.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &cp
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
	}
	gen := s.gen
	s.timer = time.AfterFunc(s.debounce(), func() { s.fire(gen) })
}

func (s *SessionStore) debounce() time.Duration {
	if s.Debounce <= 0 {
		return DefaultDebounce
	}
	return s.Debounce
}

func (s *SessionStore) fire(gen uint64) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	if gen != s.gen || s.pending == nil {
		s.mu.Unlock()
		return
	}
	snap := *s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	err := s.write(context.Background(), snap)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if err != nil {
		s.Logger.Warn().Err(err).Str("session", s.SessionID).Msg("session_save_failed")
	}
}

// Flush writes any pending snapshot now.
func (s *SessionStore) Flush(ctx context.Context) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	if s.pending == nil {
		err := s.lastErr
		s.lastErr = nil
		s.mu.Unlock()
		return err
	}
	snap := *s.pending
	s.stopLocked()
	s.mu.Unlock()
	return s.write(ctx, snap)
}

// Load returns the snapshot for this session. A pending unsaved snapshot wins
// over storage. Malformed stored data is discarded and reported as absent.
func (s *SessionStore) Load(ctx context.Context) (checkout.Snapshot, bool, error) {
	s.mu.Lock()
	if s.pending != nil {
		snap := s.pending.Clone()
		s.mu.Unlock()
		return snap, true, nil
	}
	s.mu.Unlock()

	data, err := s.Storage.Get(ctx, SessionKey(s.SessionID))
	if errors.Is(err, ErrNotFound) {
		return checkout.Snapshot{}, false, nil
	}
	if err != nil {
		return checkout.Snapshot{}, false, fmt.Errorf("load session: %w", err)
	}
	var snap checkout.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.Logger.Warn().Err(err).Str("session", s.SessionID).Msg("session_malformed")
		return checkout.Snapshot{}, false, nil
	}
	return snap, true, nil
}

// Clear cancels any pending write and deletes the stored snapshot.
func (s *SessionStore) Clear(ctx context.Context) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	s.stopLocked()
	s.lastErr = nil
	s.mu.Unlock()
	if err := s.Storage.Delete(ctx, SessionKey(s.SessionID)); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close flushes the pending snapshot.
func (s *SessionStore) Close(ctx context.Context) error {
	return s.Flush(ctx)
}

// stopLocked drops the pending snapshot and invalidates scheduled writes.
func (s *SessionStore) stopLocked() {
	s.pending = nil
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *SessionStore) write(ctx context.Context, snap checkout.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.Storage.Set(ctx, SessionKey(s.SessionID), data, 0); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Merge restores a retry session: the stored form and payment method are kept
// while a cart already held in memory is not discarded.
func Merge(inMemory, stored checkout.Snapshot) checkout.Snapshot {
	out := stored.Clone()
	if len(inMemory.Cart) > 0 {
		out.Cart = append([]checkout.CartLine(nil), inMemory.Cart...)
	}
	return out
}
