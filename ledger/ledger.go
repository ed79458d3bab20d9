// Package ledger defines the chain-agnostic contract the settlement
// coordinator drives: place a hashed-timelock commitment, claim it
// with the secret before the deadline, or refund it after. Concrete
// chain adapters live behind this interface; the coordinator never
// sees chain-specific detail.
package ledger

import (
	"context"
	"errors"
	"time"

	"meshdex/domain/order"
)

// LockRef identifies one hashed-timelock commitment on a ledger.
type LockRef string

type EventKind uint8

const (
	EventLocked EventKind = iota + 1
	EventClaimed
	EventRefunded
	EventTimedOut
)

func (k EventKind) String() string {
	switch k {
	case EventLocked:
		return "locked"
	case EventClaimed:
		return "claimed"
	case EventRefunded:
		return "refunded"
	case EventTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Event is one observation from a ledger watch. Claims carry the
// revealed secret: that is how the counterparty learns it without an
// extra message (it is discoverable on-chain).
type Event struct {
	Kind   EventKind
	Ref    LockRef
	Secret [32]byte
	At     time.Time
}

// LockParams describes a commitment to place.
type LockParams struct {
	SecretHash [32]byte
	Sender     order.NodeID
	Recipient  order.NodeID
	Asset      string
	Amount     int64
	Deadline   time.Time
}

// ErrRejected marks a definitive ledger failure (invalid commitment,
// double spend, wrong secret, deadline passed). Callers must not
// retry it; transient errors are anything else.
var ErrRejected = errors.New("ledger: rejected")

// ErrUnknownRef is returned for operations on a lock the ledger does
// not know.
var ErrUnknownRef = errors.New("ledger: unknown lock ref")

// Adapter is the per-chain interface the coordinator consumes.
//
// Watch delivers events for one lock until the context is cancelled;
// re-subscribing replays the lock's terminal event if it already
// happened, so observers are idempotent by construction.
type Adapter interface {
	Lock(ctx context.Context, p LockParams) (LockRef, error)
	Claim(ctx context.Context, ref LockRef, secret [32]byte) error
	Refund(ctx context.Context, ref LockRef) error
	Watch(ctx context.Context, ref LockRef) (<-chan Event, error)
}
