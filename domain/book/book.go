// Package book implements the replicated order book: a conflict-free
// replicated container of orders that converges across nodes without
// coordination. Orders are held in an OR-Set keyed by order ID with
// per-event dots; fill progress is a per-order G-counter keyed by
// node. Merge is commutative, associative and idempotent.
package book

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshdex/domain/order"
	"meshdex/shard"
)

var (
	ErrNotFound     = errors.New("book: order not found")
	ErrNotOwner     = errors.New("book: order not owned by this node")
	ErrTerminal     = errors.New("book: order already in a terminal status")
	ErrDuplicateID  = errors.New("book: order id already present")
	ErrNotExpired   = errors.New("book: order has not expired")
	ErrOverFill     = errors.New("book: fill exceeds remaining amount")
	ErrOverReserve  = errors.New("book: reservation exceeds unreserved remainder")
	ErrReserved     = errors.New("book: order has amount reserved for settlement")
	ErrBadFillValue = errors.New("book: fill amount must be positive")
)

// Book is one node's replica of the global order book, partitioned
// into shards. All local mutations go through the Apply* methods,
// which produce deltas for gossip; remote deltas enter through
// MergeRemote.
type Book struct {
	node   order.NodeID
	router *shard.Router
	log    *zap.Logger

	shards []*shardState

	// index maps order IDs to their shard so callers can address
	// orders without knowing the pair.
	indexMu sync.RWMutex
	index   map[order.ID]shard.ID

	now func() int64
}

func New(node order.NodeID, router *shard.Router, log *zap.Logger) *Book {
	shards := make([]*shardState, router.Count())
	for i := range shards {
		shards[i] = newShardState()
	}
	return &Book{
		node:   node,
		router: router,
		log:    log.Named("book"),
		shards: shards,
		index:  make(map[order.ID]shard.ID),
		now:    func() int64 { return time.Now().UnixNano() },
	}
}

// SetNowFunc overrides the book's clock. Test hook.
func (b *Book) SetNowFunc(now func() int64) { b.now = now }

func (b *Book) Node() order.NodeID { return b.node }

func (b *Book) shardOf(id order.ID) (*shardState, shard.ID, bool) {
	b.indexMu.RLock()
	sid, ok := b.index[id]
	b.indexMu.RUnlock()
	if !ok {
		return nil, 0, false
	}
	return b.shards[sid], sid, true
}

func (b *Book) indexPut(id order.ID, sid shard.ID) {
	b.indexMu.Lock()
	b.index[id] = sid
	b.indexMu.Unlock()
}

// ApplyAdd inserts a locally submitted order and returns the delta to
// gossip. The order must be owned by this node.
func (b *Book) ApplyAdd(o order.Order) (Delta, error) {
	if o.Owner != b.node {
		return Delta{}, ErrNotOwner
	}
	if err := o.Validate(); err != nil {
		return Delta{}, err
	}
	sid := b.router.ShardFor(o.Pair)
	s := b.shards[sid]

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.orders[o.ID]; ok && r.ord != nil {
		return Delta{}, ErrDuplicateID
	}
	d := Delta{
		Shard:   sid,
		Origin:  b.node,
		Counter: s.nextCounter(b.node),
		Kind:    OpAdd,
		OrderID: o.ID,
		Order:   &o,
	}
	r := s.recordFor(o.ID)
	cp := o
	r.ord = &cp
	r.adds[d.Dot()] = struct{}{}
	s.observe(d, o.ID)
	b.indexPut(o.ID, sid)
	b.log.Debug("local add", zap.String("order", string(o.ID)), zap.Uint32("shard", uint32(sid)))
	return d, nil
}

// ApplyCancel tombstones a locally owned open order.
func (b *Book) ApplyCancel(id order.ID) (Delta, error) {
	return b.applyRemove(id, ReasonCancel)
}

// ApplyExpire tombstones a locally owned order whose deadline has
// passed.
func (b *Book) ApplyExpire(id order.ID) (Delta, error) {
	return b.applyRemove(id, ReasonExpire)
}

func (b *Book) applyRemove(id order.ID, reason RemoveReason) (Delta, error) {
	s, sid, ok := b.shardOf(id)
	if !ok {
		return Delta{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.orders[id]
	if !ok || r.ord == nil {
		return Delta{}, ErrNotFound
	}
	if r.ord.Owner != b.node {
		return Delta{}, ErrNotOwner
	}
	if r.status().Terminal() {
		return Delta{}, ErrTerminal
	}
	// An in-flight settlement pins the order: cancelling under a live
	// hashed-timelock would risk a fill with nothing behind it.
	if r.reserved > 0 {
		return Delta{}, ErrReserved
	}
	if reason == ReasonExpire && !r.ord.Expired(b.now()) {
		return Delta{}, ErrNotExpired
	}
	d := Delta{
		Shard:   sid,
		Origin:  b.node,
		Counter: s.nextCounter(b.node),
		Kind:    OpRemove,
		OrderID: id,
		Reason:  reason,
	}
	r.removes[d.Dot()] = reason
	s.observe(d, id)
	b.noteTerminal(r)
	return d, nil
}

// ApplyFill records settled volume against a locally owned order.
// Only the owner node originates fills for its orders; other nodes
// learn them via gossip. The delta carries the owner's cumulative
// fill total, so re-merging it is idempotent.
func (b *Book) ApplyFill(id order.ID, amount int64) (Delta, error) {
	s, sid, ok := b.shardOf(id)
	if !ok {
		return Delta{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return b.fillLocked(s, sid, id, amount)
}

func (b *Book) fillLocked(s *shardState, sid shard.ID, id order.ID, amount int64) (Delta, error) {
	if amount <= 0 {
		return Delta{}, ErrBadFillValue
	}
	r, ok := s.orders[id]
	if !ok || r.ord == nil {
		return Delta{}, ErrNotFound
	}
	if r.ord.Owner != b.node {
		return Delta{}, ErrNotOwner
	}
	if r.status().Terminal() {
		return Delta{}, ErrTerminal
	}
	if amount > r.remaining() {
		return Delta{}, ErrOverFill
	}
	total := r.fills[b.node] + amount
	d := Delta{
		Shard:       sid,
		Origin:      b.node,
		Counter:     s.nextCounter(b.node),
		Kind:        OpFill,
		OrderID:     id,
		FilledTotal: total,
	}
	r.fills[b.node] = total
	s.observe(d, id)
	b.noteTerminal(r)
	return d, nil
}

// MergeRemote folds one replicated delta into local state. It is safe
// to call concurrently with local reads, snapshots and other merges;
// malformed deltas are rejected without partial application.
func (b *Book) MergeRemote(d Delta) MergeOutcome {
	if !b.router.Valid(d.Shard) {
		return rejected("unknown shard")
	}
	if d.Origin == "" || d.Counter == 0 {
		return rejected("missing origin dot")
	}
	switch d.Kind {
	case OpAdd:
		if d.Order == nil {
			return rejected("add without order")
		}
		if err := d.Order.Validate(); err != nil {
			return rejected(err.Error())
		}
		if d.Order.ID != d.OrderID {
			return rejected("order id mismatch")
		}
		if d.Order.Owner != d.Origin {
			return rejected("add not originated by owner")
		}
		if b.router.ShardFor(d.Order.Pair) != d.Shard {
			return rejected("order routed to wrong shard")
		}
	case OpRemove:
		if d.Reason != ReasonCancel && d.Reason != ReasonExpire {
			return rejected("invalid remove reason")
		}
	case OpFill:
		if d.FilledTotal <= 0 {
			return rejected("non-positive fill total")
		}
	default:
		return rejected("unknown op kind")
	}
	if d.OrderID == "" {
		return rejected("missing order id")
	}

	s := b.shards[d.Shard]
	s.mu.Lock()
	defer s.mu.Unlock()

	dot := d.Dot()
	if _, dup := s.seen[dot]; dup {
		return MergeOutcome{Status: MergeDuplicate}
	}

	// Fills and removes are owner-only mutations, but rejecting a
	// non-owner delta here would make the outcome depend on whether
	// the add has merged yet. They merge unconditionally; reads ignore
	// any entry whose origin is not the order's owner, so a forged
	// delta is inert on every replica regardless of delivery order.
	r := s.recordFor(d.OrderID)
	switch d.Kind {
	case OpAdd:
		if r.ord == nil {
			cp := *d.Order
			r.ord = &cp
		}
		r.adds[dot] = struct{}{}
	case OpRemove:
		r.removes[dot] = d.Reason
	case OpFill:
		if d.FilledTotal > r.fills[d.Origin] {
			r.fills[d.Origin] = d.FilledTotal
		}
	}
	s.observe(d, d.OrderID)
	b.indexPut(d.OrderID, d.Shard)
	b.noteTerminal(r)
	return MergeOutcome{Status: MergeApplied}
}

// noteTerminal stamps the local time an order was first observed in a
// terminal status, starting its tombstone retention clock. Caller
// holds the shard lock.
func (b *Book) noteTerminal(r *record) {
	if r.closedAt == 0 && r.ord != nil && r.status().Terminal() {
		r.closedAt = b.now()
	}
}

// Reserve earmarks part of an order's remainder for an in-flight
// settlement. Reservations are node-local: they are never gossiped
// and exist only to keep the matching sweep from re-offering the same
// liquidity.
func (b *Book) Reserve(id order.ID, amount int64) error {
	s, _, ok := b.shardOf(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.orders[id]
	if !ok || r.ord == nil {
		return ErrNotFound
	}
	if r.status().Terminal() {
		return ErrTerminal
	}
	if amount <= 0 || amount > r.remaining()-r.reserved {
		return ErrOverReserve
	}
	r.reserved += amount
	return nil
}

// Release returns a reserved amount to the open book, e.g. after a
// settlement failure. Releasing more than is reserved clamps to zero.
func (b *Book) Release(id order.ID, amount int64) {
	s, _, ok := b.shardOf(id)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.orders[id]
	if !ok {
		return
	}
	r.reserved -= amount
	if r.reserved < 0 {
		r.reserved = 0
	}
}

// CommitFill converts a reservation into settled volume on a locally
// owned order and returns the fill delta to gossip. Called by the
// settlement coordinator only after the swap reached Settled.
func (b *Book) CommitFill(id order.ID, amount int64) (Delta, error) {
	s, sid, ok := b.shardOf(id)
	if !ok {
		return Delta{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.orders[id]
	if ok {
		r.reserved -= amount
		if r.reserved < 0 {
			r.reserved = 0
		}
	}
	return b.fillLocked(s, sid, id, amount)
}

// Snapshot returns a point-in-time copy of a shard's open orders.
func (b *Book) Snapshot(sid shard.ID) *Snapshot {
	s := b.shards[sid]
	snap := &Snapshot{Shard: sid, TakenAt: b.now()}

	s.mu.Lock()
	for _, r := range s.orders {
		if r.ord == nil || !r.visible() {
			continue
		}
		st := r.status()
		if st.Terminal() {
			continue
		}
		rem := r.remaining() - r.reserved
		if rem <= 0 {
			continue
		}
		snap.Orders = append(snap.Orders, Entry{
			Order:     *r.ord,
			Remaining: rem,
			Status:    st,
		})
	}
	s.mu.Unlock()
	return snap
}

// Get returns a copy of one order plus its derived state.
func (b *Book) Get(id order.ID) (Entry, error) {
	s, _, ok := b.shardOf(id)
	if !ok {
		return Entry{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.orders[id]
	if !ok || r.ord == nil {
		return Entry{}, ErrNotFound
	}
	return Entry{Order: *r.ord, Remaining: r.remaining() - r.reserved, Status: r.status()}, nil
}

// VersionVector copies the shard's version vector for anti-entropy
// digests.
func (b *Book) VersionVector(sid shard.ID) map[order.NodeID]uint64 {
	s := b.shards[sid]
	s.mu.Lock()
	defer s.mu.Unlock()

	vv := make(map[order.NodeID]uint64, len(s.vv))
	for n, c := range s.vv {
		vv[n] = c
	}
	return vv
}

// DeltasSince returns retained deltas the holder of the given version
// vector has not seen. Used to answer anti-entropy digests.
func (b *Book) DeltasSince(sid shard.ID, remote map[order.NodeID]uint64) []Delta {
	s := b.shards[sid]
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Delta
	for _, e := range s.log {
		if e.delta.Counter > remote[e.delta.Origin] {
			out = append(out, e.delta)
		}
	}
	return out
}

// PruneTombstones garbage-collects orders that have been terminal for
// longer than the retention window, along with their retained deltas.
// Returns the number of orders collected.
func (b *Book) PruneTombstones(retention time.Duration) int {
	cutoff := b.now() - retention.Nanoseconds()
	pruned := 0
	for _, s := range b.shards {
		s.mu.Lock()
		drop := make(map[order.ID]struct{})
		for id, r := range s.orders {
			if r.closedAt != 0 && r.closedAt < cutoff {
				drop[id] = struct{}{}
			}
		}
		if len(drop) > 0 {
			kept := s.log[:0]
			for _, e := range s.log {
				if _, gone := drop[e.orderID]; gone {
					delete(s.seen, e.delta.Dot())
					continue
				}
				kept = append(kept, e)
			}
			s.log = kept
			for id := range drop {
				delete(s.orders, id)
			}
		}
		s.mu.Unlock()

		if len(drop) > 0 {
			b.indexMu.Lock()
			for id := range drop {
				delete(b.index, id)
			}
			b.indexMu.Unlock()
			pruned += len(drop)
		}
	}
	if pruned > 0 {
		b.log.Debug("pruned tombstones", zap.Int("orders", pruned))
	}
	return pruned
}

// Equal reports whether two replicas hold identical replicated state
// for a shard. Node-local fields (reservations, retention stamps) are
// ignored. Intended for convergence tests and diagnostics.
func (b *Book) Equal(other *Book, sid shard.ID) bool {
	if b == other {
		return true
	}
	a, o := b.shards[sid], other.shards[sid]
	// Both shard locks are needed; taking them in node-id order keeps
	// concurrent a.Equal(b) and b.Equal(a) from deadlocking. Replicas
	// carry distinct node ids.
	first, second := a, o
	if other.node < b.node {
		first, second = o, a
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if len(a.orders) != len(o.orders) {
		return false
	}
	for id, ra := range a.orders {
		ro, ok := o.orders[id]
		if !ok || !sameRecord(ra, ro) {
			return false
		}
	}
	return true
}

func sameRecord(a, b *record) bool {
	if (a.ord == nil) != (b.ord == nil) {
		return false
	}
	if a.ord != nil && *a.ord != *b.ord {
		return false
	}
	if len(a.adds) != len(b.adds) || len(a.removes) != len(b.removes) || len(a.fills) != len(b.fills) {
		return false
	}
	for d := range a.adds {
		if _, ok := b.adds[d]; !ok {
			return false
		}
	}
	for d, reason := range a.removes {
		if other, ok := b.removes[d]; !ok || other != reason {
			return false
		}
	}
	for n, v := range a.fills {
		if b.fills[n] != v {
			return false
		}
	}
	return true
}

// String summarizes a merge outcome for logs.
func (o MergeOutcome) String() string {
	if o.Reason == "" {
		return o.Status.String()
	}
	return fmt.Sprintf("%s (%s)", o.Status, o.Reason)
}
