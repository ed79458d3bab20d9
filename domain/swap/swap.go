// Package swap settles matched orders with paired hashed-timelock
// commitments on two independent ledgers. Each of the two nodes runs
// its own session state machine; the protocol guarantees that either
// both legs are claimed or both are refundable, never a unilateral
// loss for an honest party.
package swap

import (
	"context"
	"errors"
	"time"

	"meshdex/domain/order"
	"meshdex/ledger"
)

// State of one swap session. Settled, Aborted and Refunded are
// terminal; TimedOut leads to Refunded once the own-leg refund lands.
type State uint8

const (
	Proposed State = iota + 1
	Locked
	SecretRevealed
	Settled
	Aborted
	TimedOut
	Refunded
)

func (s State) String() string {
	switch s {
	case Proposed:
		return "proposed"
	case Locked:
		return "locked"
	case SecretRevealed:
		return "secret_revealed"
	case Settled:
		return "settled"
	case Aborted:
		return "aborted"
	case TimedOut:
		return "timed_out"
	case Refunded:
		return "refunded"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == Settled || s == Aborted || s == Refunded
}

// Session is one side's view of an in-flight swap. It is never
// gossiped; the book only reflects the outcome. Terminal sessions go
// to the archive.
type Session struct {
	ID           string
	MakerOrderID order.ID
	TakerOrderID order.ID
	Pair         order.Pair
	Amount       int64
	Price        int64
	State        State
	SecretHash   [32]byte
	Deadline     time.Time
	Counterparty order.NodeID
	Initiator    bool
	OwnOrderID   order.ID
	Reason       string
	OpenedAt     time.Time
	ClosedAt     time.Time
}

// Proposal opens the handshake. The initiator has already generated
// the secret; only its hash travels.
type Proposal struct {
	SessionID      string
	From           order.NodeID
	MakerOrderID   order.ID
	TakerOrderID   order.ID
	InitiatorOrder order.ID
	ResponderOrder order.ID
	Pair           order.Pair
	Amount         int64
	Price          int64
	SecretHash     [32]byte
	// Deadline of the initiator's leg. The responder locks strictly
	// shorter.
	Deadline time.Time
}

// Accept is the responder's handshake answer.
type Accept struct {
	SessionID string
	Accepted  bool
	Reason    string
}

// LockNotice tells the counterparty where to find a placed
// commitment. Both directions use it.
type LockNotice struct {
	SessionID string
	From      order.NodeID
	Asset     string
	Ref       ledger.LockRef
}

// Messenger is the point-to-point handshake channel between the two
// coordinators of a match. Authentication is the transport's problem.
type Messenger interface {
	Propose(ctx context.Context, to order.NodeID, p Proposal) (Accept, error)
	NotifyLock(ctx context.Context, to order.NodeID, n LockNotice) error
}

// Archiver persists terminal sessions.
type Archiver interface {
	Archive(s Session) error
}

var (
	ErrUnknownSession = errors.New("swap: unknown session")
	ErrNoAdapter      = errors.New("swap: no ledger adapter for asset")
	ErrProposal       = errors.New("swap: proposal rejected")
)

// legGive returns the asset and quantity this order's owner locks:
// the buyer pays quote, the seller delivers base.
func legGive(o order.Order, amount, price int64) (string, int64) {
	if o.Side == order.Buy {
		return o.Pair.Quote, amount * price
	}
	return o.Pair.Base, amount
}

// legWant returns the asset and quantity this order's owner receives,
// i.e. what the counterparty must lock.
func legWant(o order.Order, amount, price int64) (string, int64) {
	if o.Side == order.Buy {
		return o.Pair.Base, amount
	}
	return o.Pair.Quote, amount * price
}
