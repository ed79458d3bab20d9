package book

import (
	"sync"

	"meshdex/domain/order"
)

// record is the replicated per-order state: the immutable order, the
// OR-Set add/remove dots, and the fill G-counter. ord stays nil when
// a fill or remove delta outruns its add; the record becomes visible
// once the add merges in.
type record struct {
	ord     *order.Order
	adds    map[Dot]struct{}
	removes map[Dot]RemoveReason
	fills   map[order.NodeID]int64

	// Node-local state, never merged or gossiped.
	reserved int64
	closedAt int64
}

func newRecord() *record {
	return &record{
		adds:    make(map[Dot]struct{}),
		removes: make(map[Dot]RemoveReason),
		fills:   make(map[order.NodeID]int64),
	}
}

// filledTotal is the owner's cumulative fill. Only the owner
// originates fills for its order; entries merged under any other
// origin are forged and carry no weight.
func (r *record) filledTotal() int64 {
	if r.ord == nil {
		return 0
	}
	return r.fills[r.ord.Owner]
}

// remaining clamps at zero: a replayed fill total may overshoot the
// original amount, but the replicated view never reports a negative
// remainder.
func (r *record) remaining() int64 {
	if r.ord == nil {
		return 0
	}
	rem := r.ord.Amount - r.filledTotal()
	if rem < 0 {
		rem = 0
	}
	return rem
}

// visible implements OR-Set visibility: an order is present while at
// least one add dot is not covered by a remove dot from the same node
// with an equal or later counter.
func (r *record) visible() bool {
	if r.ord == nil || len(r.adds) == 0 {
		return false
	}
	for a := range r.adds {
		covered := false
		for rm := range r.removes {
			if rm.Node == a.Node && rm.Counter >= a.Counter {
				covered = true
				break
			}
		}
		if !covered {
			return true
		}
	}
	return false
}

// status derives the order status from replicated state. The
// derivation is a pure function of a merged state, so converged
// replicas agree on it. Terminal statuses are stable: fills only
// grow and tombstones are never retracted.
func (r *record) status() order.Status {
	if r.ord == nil {
		return order.Open
	}
	if r.remaining() == 0 {
		return order.Filled
	}
	if !r.visible() {
		// Deterministic precedence across concurrently recorded
		// reasons: cancellation wins over expiry. Only the owner's
		// tombstones count; forged removes never cover an add.
		for d, reason := range r.removes {
			if d.Node != r.ord.Owner {
				continue
			}
			if reason == ReasonCancel {
				return order.Cancelled
			}
		}
		return order.Expired
	}
	if r.filledTotal() > 0 {
		return order.PartiallyFilled
	}
	return order.Open
}

type logEntry struct {
	delta   Delta
	orderID order.ID
}

// shardState holds one shard's replica. Merges are serialized per
// shard by mu; independent shards merge fully in parallel.
type shardState struct {
	mu     sync.Mutex
	orders map[order.ID]*record

	// vv is the shard version vector: the highest counter seen per
	// node. It drives anti-entropy digests.
	vv map[order.NodeID]uint64

	// log retains applied deltas for anti-entropy replay. Entries are
	// dropped together with their order at tombstone GC; deltas of
	// live orders are retained indefinitely.
	log  []logEntry
	seen map[Dot]struct{}
}

func newShardState() *shardState {
	return &shardState{
		orders: make(map[order.ID]*record),
		vv:     make(map[order.NodeID]uint64),
		seen:   make(map[Dot]struct{}),
	}
}

func (s *shardState) recordFor(id order.ID) *record {
	r, ok := s.orders[id]
	if !ok {
		r = newRecord()
		s.orders[id] = r
	}
	return r
}

// observe registers an applied delta in the version vector and the
// anti-entropy log. Returns false when the dot was already known.
func (s *shardState) observe(d Delta, id order.ID) bool {
	dot := d.Dot()
	if _, ok := s.seen[dot]; ok {
		return false
	}
	s.seen[dot] = struct{}{}
	if d.Counter > s.vv[d.Origin] {
		s.vv[d.Origin] = d.Counter
	}
	s.log = append(s.log, logEntry{delta: d, orderID: id})
	return true
}

func (s *shardState) nextCounter(node order.NodeID) uint64 {
	return s.vv[node] + 1
}
