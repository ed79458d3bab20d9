package order

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ID is a globally unique order identifier, assigned by the
// originating node.
type ID string

// NodeID identifies a node in the mesh.
type NodeID string

// Pair is a trading pair of two asset symbols.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) Symbol() string { return p.Base + "/" + p.Quote }

type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Status is derived from replicated state, never stored directly.
// Transitions are monotonic: an order never leaves a terminal status.
type Status uint8

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
	Expired
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled || s == Expired
}

// Order is the immutable part of an order. Fill progress and
// tombstones live in the replicated book state, keyed by ID.
//
// Price is in quote-asset ticks, Amount and MinFill in base-asset
// units. CreatedAt and ExpiresAt are unix nanoseconds; ExpiresAt == 0
// means the order never expires.
type Order struct {
	ID        ID
	Owner     NodeID
	Pair      Pair
	Side      Side
	Price     int64
	Amount    int64
	MinFill   int64
	CreatedAt int64
	ExpiresAt int64
}

var (
	ErrBadAmount = errors.New("order: amount must be positive")
	ErrBadPrice  = errors.New("order: price must be positive")
	ErrBadPair   = errors.New("order: pair symbols must be set")
	ErrBadFill   = errors.New("order: min fill exceeds amount")
)

// New builds a locally originated order with a fresh ID.
func New(owner NodeID, pair Pair, side Side, price, amount, minFill, now, expiresAt int64) (Order, error) {
	o := Order{
		ID:        ID(uuid.NewString()),
		Owner:     owner,
		Pair:      pair,
		Side:      side,
		Price:     price,
		Amount:    amount,
		MinFill:   minFill,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (o Order) Validate() error {
	if o.Amount <= 0 {
		return ErrBadAmount
	}
	if o.Price <= 0 {
		return ErrBadPrice
	}
	if o.Pair.Base == "" || o.Pair.Quote == "" {
		return ErrBadPair
	}
	if o.MinFill < 0 || o.MinFill > o.Amount {
		return ErrBadFill
	}
	return nil
}

// SignBytes is the canonical byte form covered by the owner's
// signature on an add delta.
func (o Order) SignBytes() []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%d:%d:%d:%d:%d:%d",
		o.ID, o.Owner, o.Pair.Symbol(), o.Side,
		o.Price, o.Amount, o.MinFill, o.CreatedAt, o.ExpiresAt))
}

// Expired reports whether the order's deadline has passed at now
// (unix nanoseconds).
func (o Order) Expired(now int64) bool {
	return o.ExpiresAt != 0 && now >= o.ExpiresAt
}
