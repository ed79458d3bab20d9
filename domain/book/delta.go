package book

import (
	"meshdex/domain/order"
	"meshdex/shard"
)

// Dot is a unique event identifier: the origin node plus its
// per-shard monotonic counter. Dots make adds and removes
// distinguishable under concurrent edits (OR-Set semantics).
type Dot struct {
	Node    order.NodeID
	Counter uint64
}

type OpKind uint8

const (
	OpAdd OpKind = iota + 1
	OpRemove
	OpFill
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpFill:
		return "fill"
	default:
		return "unknown"
	}
}

type RemoveReason uint8

const (
	ReasonCancel RemoveReason = iota + 1
	ReasonExpire
)

// Delta is the unit of replication. Merging any set of deltas in any
// order, with any duplication, yields the same shard state.
//
// For OpAdd, Order carries the full immutable order. For OpFill,
// FilledTotal is the origin node's cumulative fill for the order
// (a G-counter entry, merged by max), not an increment.
type Delta struct {
	Shard   shard.ID
	Origin  order.NodeID
	Counter uint64
	Kind    OpKind

	OrderID     order.ID
	Order       *order.Order
	Reason      RemoveReason
	FilledTotal int64
}

func (d Delta) Dot() Dot { return Dot{Node: d.Origin, Counter: d.Counter} }

type MergeStatus uint8

const (
	// MergeApplied means the delta changed local state.
	MergeApplied MergeStatus = iota
	// MergeDuplicate means the delta had been seen before; merging it
	// again was a no-op by idempotence.
	MergeDuplicate
	// MergeRejected means the delta was malformed and was not applied,
	// not even partially.
	MergeRejected
)

func (s MergeStatus) String() string {
	switch s {
	case MergeApplied:
		return "applied"
	case MergeDuplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

// MergeOutcome reports how a remote delta was handled.
type MergeOutcome struct {
	Status MergeStatus
	Reason string
}

func rejected(reason string) MergeOutcome {
	return MergeOutcome{Status: MergeRejected, Reason: reason}
}
