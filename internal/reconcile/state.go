package reconcile

import (
	"context"
	"sync"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// Phase is where a checkout attempt currently is.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseInitiating      Phase = "initiating"
	PhaseAwaitingPayment Phase = "awaiting_payment"
	PhaseCreatingOrder   Phase = "creating_order"
	PhaseCompleted       Phase = "completed"
	PhaseFailed          Phase = "failed"
	PhaseTimedOut        Phase = "timed_out"
)

// Sources of a resolution.
const (
	SourcePoll       = "poll"
	SourceOrderCheck = "order_check"
	SourcePush       = "push"
	SourceTimeout    = "timeout"
	SourceReturn     = "return"
)

// Resolution is the settled outcome of a payment. Err is set for terminal
// failures and timeouts.
type Resolution struct {
	Status    checkout.Status
	OrderID   string
	PaymentID string
	Source    string
	Err       error
}

// State is shared by every producer working on one checkout attempt. The
// first Resolve wins; later producers observe Done and stand down.
type State struct {
	mu          sync.Mutex
	phase       Phase
	resolved    bool
	reported    bool
	creating    bool
	redirecting bool
	res         Resolution
	done        chan struct{}
}

func NewState() *State {
	return &State{phase: PhaseIdle, done: make(chan struct{})}
}

func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *State) SetPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Apply moves to next and runs fn. If fn fails the previous phase is
// restored.
func (s *State) Apply(ctx context.Context, next Phase, fn func(context.Context) error) error {
	s.mu.Lock()
	prev := s.phase
	s.phase = next
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		if s.phase == next {
			s.phase = prev
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// Resolve records r unless a resolution already exists. It reports whether
// r was accepted.
func (s *State) Resolve(r Resolution) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return false
	}
	s.resolved = true
	s.res = r
	close(s.done)
	return true
}

func (s *State) Resolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

func (s *State) Resolution() (Resolution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res, s.resolved
}

// Done is closed once the attempt is resolved.
func (s *State) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Reset starts a fresh attempt, keeping nothing from the previous one.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(PhaseIdle)
}

// TryBegin starts a fresh attempt in phase to unless the current phase is
// one of busy. Check and reset happen under one lock, so of two concurrent
// callers exactly one wins.
func (s *State) TryBegin(to Phase, busy ...Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range busy {
		if s.phase == p {
			return false
		}
	}
	s.resetLocked(to)
	return true
}

// Release returns an attempt that failed before doing anything to idle,
// unless it has already moved past from.
func (s *State) Release(from Phase) {
	s.mu.Lock()
	if s.phase == from {
		s.phase = PhaseIdle
	}
	s.mu.Unlock()
}

func (s *State) resetLocked(phase Phase) {
	s.phase = phase
	s.resolved = false
	s.reported = false
	s.creating = false
	s.redirecting = false
	s.res = Resolution{}
	s.done = make(chan struct{})
}

// TryBeginCreate takes the order-creation latch.
func (s *State) TryBeginCreate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creating {
		return false
	}
	s.creating = true
	return true
}

func (s *State) EndCreate() {
	s.mu.Lock()
	s.creating = false
	s.mu.Unlock()
}

// MarkReported takes the timeout-report latch. Only the first call returns
// true.
func (s *State) MarkReported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reported {
		return false
	}
	s.reported = true
	return true
}

func (s *State) SetRedirecting(v bool) {
	s.mu.Lock()
	s.redirecting = v
	s.mu.Unlock()
}

// Busy reports whether an order creation or gateway redirect is under way.
func (s *State) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creating || s.redirecting
}
