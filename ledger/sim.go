package ledger

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

type lockState uint8

const (
	stateLocked lockState = iota + 1
	stateClaimed
	stateRefunded
)

type simLock struct {
	params LockParams
	state  lockState
	secret [32]byte
}

// Sim is an in-process ledger honoring hashlock and timelock rules:
// claims need the preimage before the deadline, refunds are only
// valid after it. It backs tests and local single-process runs; the
// injected clock lets tests advance time deterministically.
type Sim struct {
	asset string
	clk   clock.Clock

	mu       sync.Mutex
	locks    map[LockRef]*simLock
	watchers map[LockRef][]chan Event

	// Test hooks: errors returned by the next matching calls.
	lockErr  error
	claimErr error
}

func NewSim(asset string, clk clock.Clock) *Sim {
	return &Sim{
		asset:    asset,
		clk:      clk,
		locks:    make(map[LockRef]*simLock),
		watchers: make(map[LockRef][]chan Event),
	}
}

// FailNextLock makes the next Lock call return err. Test hook.
func (s *Sim) FailNextLock(err error) {
	s.mu.Lock()
	s.lockErr = err
	s.mu.Unlock()
}

// FailNextClaim makes the next Claim call return err. Test hook.
func (s *Sim) FailNextClaim(err error) {
	s.mu.Lock()
	s.claimErr = err
	s.mu.Unlock()
}

func (s *Sim) Lock(ctx context.Context, p LockParams) (LockRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockErr; err != nil {
		s.lockErr = nil
		return "", err
	}
	if p.Amount <= 0 || !s.clk.Now().Before(p.Deadline) {
		return "", fmt.Errorf("%w: invalid lock params", ErrRejected)
	}
	ref := LockRef(uuid.NewString())
	s.locks[ref] = &simLock{params: p, state: stateLocked}
	s.emitLocked(ref, Event{Kind: EventLocked, Ref: ref, At: s.clk.Now()})

	// Surface the deadline to watchers of a still-locked commitment.
	s.clk.AfterFunc(p.Deadline.Sub(s.clk.Now()), func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if l, ok := s.locks[ref]; ok && l.state == stateLocked {
			s.emitLocked(ref, Event{Kind: EventTimedOut, Ref: ref, At: s.clk.Now()})
		}
	})
	return ref, nil
}

func (s *Sim) Claim(ctx context.Context, ref LockRef, secret [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.claimErr; err != nil {
		s.claimErr = nil
		return err
	}
	l, ok := s.locks[ref]
	if !ok {
		return ErrUnknownRef
	}
	if l.state == stateClaimed {
		return nil // idempotent re-claim
	}
	if l.state != stateLocked {
		return fmt.Errorf("%w: lock already refunded", ErrRejected)
	}
	if !s.clk.Now().Before(l.params.Deadline) {
		return fmt.Errorf("%w: deadline passed", ErrRejected)
	}
	if sha256.Sum256(secret[:]) != l.params.SecretHash {
		return fmt.Errorf("%w: secret does not match hashlock", ErrRejected)
	}
	l.state = stateClaimed
	l.secret = secret
	s.emitLocked(ref, Event{Kind: EventClaimed, Ref: ref, Secret: secret, At: s.clk.Now()})
	return nil
}

func (s *Sim) Refund(ctx context.Context, ref LockRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[ref]
	if !ok {
		return ErrUnknownRef
	}
	if l.state == stateRefunded {
		return nil // idempotent re-refund
	}
	if l.state != stateLocked {
		return fmt.Errorf("%w: lock already claimed", ErrRejected)
	}
	if s.clk.Now().Before(l.params.Deadline) {
		return fmt.Errorf("%w: refund before deadline", ErrRejected)
	}
	l.state = stateRefunded
	s.emitLocked(ref, Event{Kind: EventRefunded, Ref: ref, At: s.clk.Now()})
	return nil
}

// Watch subscribes to a lock's events. Already-reached states are
// replayed first so late subscribers converge on the same view.
func (s *Sim) Watch(ctx context.Context, ref LockRef) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[ref]
	if !ok {
		return nil, ErrUnknownRef
	}
	ch := make(chan Event, 8)
	ch <- Event{Kind: EventLocked, Ref: ref, At: s.clk.Now()}
	switch l.state {
	case stateClaimed:
		ch <- Event{Kind: EventClaimed, Ref: ref, Secret: l.secret, At: s.clk.Now()}
	case stateRefunded:
		ch <- Event{Kind: EventRefunded, Ref: ref, At: s.clk.Now()}
	}
	s.watchers[ref] = append(s.watchers[ref], ch)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.watchers[ref]
		for i, c := range subs {
			if c == ch {
				s.watchers[ref] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()
	return ch, nil
}

// Params returns a lock's parameters so a counterparty can audit the
// commitment (hash, amount, recipient, deadline) before proceeding.
func (s *Sim) Params(ref LockRef) (LockParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[ref]
	if !ok {
		return LockParams{}, ErrUnknownRef
	}
	return l.params, nil
}

// caller holds s.mu
func (s *Sim) emitLocked(ref LockRef, ev Event) {
	for _, ch := range s.watchers[ref] {
		select {
		case ch <- ev:
		default: // slow watcher; it will recover via replay
		}
	}
}

var _ Adapter = (*Sim)(nil)
