package book

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"meshdex/domain/order"
	"meshdex/shard"
)

var testPair = order.Pair{Base: "BTC", Quote: "ETH"}

func newTestBook(t *testing.T, node order.NodeID) *Book {
	t.Helper()
	return New(node, shard.NewRouter(4), zap.NewNop())
}

func mustOrder(t *testing.T, b *Book, price, amount int64) (order.Order, Delta) {
	t.Helper()
	o, err := order.New(b.Node(), testPair, order.Buy, price, amount, 0, time.Now().UnixNano(), 0)
	require.NoError(t, err)
	d, err := b.ApplyAdd(o)
	require.NoError(t, err)
	return o, d
}

func TestAddCancelLifecycle(t *testing.T) {
	b := newTestBook(t, "node-a")
	o, _ := mustOrder(t, b, 10, 5)

	e, err := b.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Open, e.Status)
	assert.Equal(t, int64(5), e.Remaining)

	_, err = b.ApplyCancel(o.ID)
	require.NoError(t, err)

	e, err = b.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Cancelled, e.Status)

	// No resurrection of a terminal order.
	_, err = b.ApplyCancel(o.ID)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = b.ApplyFill(o.ID, 1)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestCancelRequiresOwnership(t *testing.T) {
	a := newTestBook(t, "node-a")
	bb := newTestBook(t, "node-b")

	o, d := mustOrder(t, a, 10, 5)
	require.Equal(t, MergeApplied, bb.MergeRemote(d).Status)

	_, err := bb.ApplyCancel(o.ID)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestFillProgressAndTerminalFill(t *testing.T) {
	b := newTestBook(t, "node-a")
	o, _ := mustOrder(t, b, 10, 5)

	_, err := b.ApplyFill(o.ID, 3)
	require.NoError(t, err)
	e, _ := b.Get(o.ID)
	assert.Equal(t, order.PartiallyFilled, e.Status)
	assert.Equal(t, int64(2), e.Remaining)

	_, err = b.ApplyFill(o.ID, 3)
	assert.ErrorIs(t, err, ErrOverFill)

	_, err = b.ApplyFill(o.ID, 2)
	require.NoError(t, err)
	e, _ = b.Get(o.ID)
	assert.Equal(t, order.Filled, e.Status)
	assert.Equal(t, int64(0), e.Remaining)
}

func TestMergeIsIdempotent(t *testing.T) {
	a := newTestBook(t, "node-a")
	bb := newTestBook(t, "node-b")

	o, add := mustOrder(t, a, 10, 5)
	fill, err := a.ApplyFill(o.ID, 2)
	require.NoError(t, err)

	require.Equal(t, MergeApplied, bb.MergeRemote(add).Status)
	require.Equal(t, MergeApplied, bb.MergeRemote(fill).Status)
	assert.Equal(t, MergeDuplicate, bb.MergeRemote(fill).Status)
	assert.Equal(t, MergeDuplicate, bb.MergeRemote(add).Status)

	e, err := bb.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Remaining)
	assert.True(t, a.Equal(bb, a.router.ShardFor(testPair)))
}

func TestMergeOutOfOrderDelivery(t *testing.T) {
	a := newTestBook(t, "node-a")
	bb := newTestBook(t, "node-b")

	o, add := mustOrder(t, a, 10, 5)
	fill, err := a.ApplyFill(o.ID, 2)
	require.NoError(t, err)

	// Fill arrives before its add; it parks on a stub until the add
	// merges in.
	require.Equal(t, MergeApplied, bb.MergeRemote(fill).Status)
	_, err = bb.Get(o.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.Equal(t, MergeApplied, bb.MergeRemote(add).Status)
	e, err := bb.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Remaining)
}

func TestRemainingNeverNegative(t *testing.T) {
	a := newTestBook(t, "node-a")
	bb := newTestBook(t, "node-b")

	o, add := mustOrder(t, a, 10, 5)
	require.Equal(t, MergeApplied, bb.MergeRemote(add).Status)

	// A fill total past the original amount (e.g. an overshooting
	// replica) clamps at zero and marks the order filled.
	over := Delta{
		Shard:       add.Shard,
		Origin:      a.Node(),
		Counter:     2,
		Kind:        OpFill,
		OrderID:     o.ID,
		FilledTotal: o.Amount + 5,
	}
	require.Equal(t, MergeApplied, bb.MergeRemote(over).Status)
	e, err := bb.Get(o.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, e.Remaining, int64(0))
	assert.Equal(t, order.Filled, e.Status)
}

func TestMergeRejectsMalformedDeltas(t *testing.T) {
	a := newTestBook(t, "node-a")
	bb := newTestBook(t, "node-b")
	o, add := mustOrder(t, a, 10, 5)

	bad := add
	bad.Shard = 99
	assert.Equal(t, MergeRejected, bb.MergeRemote(bad).Status)

	bad = add
	bad.Order = nil
	assert.Equal(t, MergeRejected, bb.MergeRemote(bad).Status)

	bad = add
	other := o
	other.Owner = "node-c"
	bad.Order = &other
	assert.Equal(t, MergeRejected, bb.MergeRemote(bad).Status)

	bad = Delta{Shard: add.Shard, Origin: "node-a", Counter: 9, Kind: OpFill, OrderID: o.ID}
	assert.Equal(t, MergeRejected, bb.MergeRemote(bad).Status)

	// Rejection is total: nothing was applied.
	_, err := bb.Get(o.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestForgedMutationsConvergeInAnyOrder merges well-formed fill and
// remove deltas forged by a non-owner node, in both delivery orders
// relative to the order's add. Every replica must end with the same
// state and the forgeries must carry no weight.
func TestForgedMutationsConvergeInAnyOrder(t *testing.T) {
	a := newTestBook(t, "node-a")
	o, add := mustOrder(t, a, 10, 5)

	forgedFill := Delta{
		Shard:       add.Shard,
		Origin:      "node-m",
		Counter:     1,
		Kind:        OpFill,
		OrderID:     o.ID,
		FilledTotal: 5,
	}
	forgedCancel := Delta{
		Shard:   add.Shard,
		Origin:  "node-m",
		Counter: 2,
		Kind:    OpRemove,
		OrderID: o.ID,
		Reason:  ReasonCancel,
	}

	r1 := newTestBook(t, "r1")
	r2 := newTestBook(t, "r2")
	for _, d := range []Delta{add, forgedFill, forgedCancel} {
		require.Equal(t, MergeApplied, r1.MergeRemote(d).Status)
	}
	for _, d := range []Delta{forgedFill, forgedCancel, add} {
		require.Equal(t, MergeApplied, r2.MergeRemote(d).Status)
	}

	assert.True(t, r1.Equal(r2, add.Shard), "delivery order must not matter")
	for _, replica := range []*Book{r1, r2} {
		e, err := replica.Get(o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.Open, e.Status)
		assert.Equal(t, int64(5), e.Remaining)
	}

	// The order is still live and matchable.
	snap := r1.Snapshot(add.Shard)
	require.Len(t, snap.Orders, 1)
}

// Equal takes both replicas' shard locks; symmetric concurrent calls
// must not deadlock.
func TestEqualSymmetricCallsDoNotDeadlock(t *testing.T) {
	a := newTestBook(t, "node-a")
	bb := newTestBook(t, "node-b")
	_, add := mustOrder(t, a, 10, 5)
	require.Equal(t, MergeApplied, bb.MergeRemote(add).Status)

	assert.True(t, a.Equal(a, add.Shard), "a replica equals itself")

	done := make(chan struct{}, 2)
	for _, pair := range [][2]*Book{{a, bb}, {bb, a}} {
		x, y := pair[0], pair[1]
		go func() {
			for i := 0; i < 500; i++ {
				x.Equal(y, add.Shard)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Equal deadlocked")
		}
	}
}

func TestReservationsAreLocalAndNetted(t *testing.T) {
	b := newTestBook(t, "node-a")
	o, _ := mustOrder(t, b, 10, 5)
	sid := b.router.ShardFor(testPair)

	require.NoError(t, b.Reserve(o.ID, 3))
	assert.ErrorIs(t, b.Reserve(o.ID, 3), ErrOverReserve)

	snap := b.Snapshot(sid)
	require.Len(t, snap.Orders, 1)
	assert.Equal(t, int64(2), snap.Orders[0].Remaining)

	b.Release(o.ID, 3)
	snap = b.Snapshot(sid)
	assert.Equal(t, int64(5), snap.Orders[0].Remaining)
}

func TestCommitFillConsumesReservation(t *testing.T) {
	b := newTestBook(t, "node-a")
	o, _ := mustOrder(t, b, 10, 5)

	require.NoError(t, b.Reserve(o.ID, 3))
	d, err := b.CommitFill(o.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, OpFill, d.Kind)
	assert.Equal(t, int64(3), d.FilledTotal)

	e, _ := b.Get(o.ID)
	assert.Equal(t, int64(2), e.Remaining)
	assert.Equal(t, order.PartiallyFilled, e.Status)
}

func TestDeltasSinceAnswersDigests(t *testing.T) {
	a := newTestBook(t, "node-a")
	bb := newTestBook(t, "node-b")
	sid := a.router.ShardFor(testPair)

	o, add := mustOrder(t, a, 10, 5)
	fill, err := a.ApplyFill(o.ID, 1)
	require.NoError(t, err)

	// b has seen nothing: it is missing both deltas.
	missing := a.DeltasSince(sid, bb.VersionVector(sid))
	require.Len(t, missing, 2)

	bb.MergeRemote(add)
	missing = a.DeltasSince(sid, bb.VersionVector(sid))
	require.Len(t, missing, 1)
	assert.Equal(t, fill.Counter, missing[0].Counter)

	bb.MergeRemote(fill)
	assert.Empty(t, a.DeltasSince(sid, bb.VersionVector(sid)))
}

func TestPruneTombstones(t *testing.T) {
	b := newTestBook(t, "node-a")
	now := time.Now().UnixNano()
	b.SetNowFunc(func() int64 { return now })

	o, _ := mustOrder(t, b, 10, 5)
	_, err := b.ApplyCancel(o.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, b.PruneTombstones(time.Hour))

	now += (2 * time.Hour).Nanoseconds()
	assert.Equal(t, 1, b.PruneTombstones(time.Hour))
	_, err = b.Get(o.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	sid := b.router.ShardFor(testPair)
	assert.Empty(t, b.DeltasSince(sid, map[order.NodeID]uint64{}))
}

func TestExpiryRequiresDeadline(t *testing.T) {
	b := newTestBook(t, "node-a")
	now := time.Now().UnixNano()
	b.SetNowFunc(func() int64 { return now })

	o, err := order.New(b.Node(), testPair, order.Sell, 10, 5, 0, now, now+int64(time.Minute))
	require.NoError(t, err)
	_, err = b.ApplyAdd(o)
	require.NoError(t, err)

	_, err = b.ApplyExpire(o.ID)
	assert.ErrorIs(t, err, ErrNotExpired)

	now += int64(2 * time.Minute)
	_, err = b.ApplyExpire(o.ID)
	require.NoError(t, err)
	e, _ := b.Get(o.ID)
	assert.Equal(t, order.Expired, e.Status)
}

// TestConvergenceProperty drives two replicas with the same set of
// deltas under random interleaving, duplication and reordering, and
// requires identical replicated state: merge commutativity,
// associativity and idempotence in one property.
func TestConvergenceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		router := shard.NewRouter(4)
		nodes := []order.NodeID{"n1", "n2", "n3"}
		books := make(map[order.NodeID]*Book, len(nodes))
		for _, n := range nodes {
			books[n] = New(n, router, zap.NewNop())
		}

		pairs := []order.Pair{
			{Base: "BTC", Quote: "ETH"},
			{Base: "LTC", Quote: "BTC"},
			{Base: "DOGE", Quote: "ETH"},
		}

		// Each virtual node emits a stream of valid local operations.
		var deltas []Delta
		var open []order.ID
		owners := make(map[order.ID]order.NodeID)

		nOps := rapid.IntRange(1, 40).Draw(rt, "ops")
		for i := 0; i < nOps; i++ {
			owner := nodes[rapid.IntRange(0, len(nodes)-1).Draw(rt, "owner")]
			b := books[owner]
			kind := rapid.IntRange(0, 2).Draw(rt, "kind")
			switch {
			case kind == 0 || len(open) == 0:
				pair := pairs[rapid.IntRange(0, len(pairs)-1).Draw(rt, "pair")]
				o, err := order.New(owner, pair, order.Buy,
					int64(rapid.IntRange(1, 100).Draw(rt, "price")),
					int64(rapid.IntRange(1, 50).Draw(rt, "amount")),
					0, int64(i+1), 0)
				if err != nil {
					rt.Fatal(err)
				}
				d, err := b.ApplyAdd(o)
				if err != nil {
					rt.Fatal(err)
				}
				deltas = append(deltas, d)
				open = append(open, o.ID)
				owners[o.ID] = owner
			case kind == 1:
				id := open[rapid.IntRange(0, len(open)-1).Draw(rt, "victim")]
				d, err := books[owners[id]].ApplyCancel(id)
				if err == nil {
					deltas = append(deltas, d)
				}
			default:
				id := open[rapid.IntRange(0, len(open)-1).Draw(rt, "fillee")]
				d, err := books[owners[id]].ApplyFill(id, 1)
				if err == nil {
					deltas = append(deltas, d)
				}
			}
		}

		// First, emitters exchange everything so each holds the full
		// delta set.
		for _, d := range deltas {
			for _, n := range nodes {
				if n != d.Origin {
					books[n].MergeRemote(d)
				}
			}
		}

		// Two fresh replicas merge the full set in independent random
		// orders with duplicates.
		seed := rapid.Int64().Draw(rt, "seed")
		ra, rb := New("ra", router, zap.NewNop()), New("rb", router, zap.NewNop())
		for i, replica := range []*Book{ra, rb} {
			rng := rand.New(rand.NewSource(seed + int64(i)))
			perm := rng.Perm(len(deltas))
			for _, j := range perm {
				replica.MergeRemote(deltas[j])
				if rng.Intn(3) == 0 {
					replica.MergeRemote(deltas[rng.Intn(len(deltas))])
				}
			}
		}

		for sid := uint32(0); sid < router.Count(); sid++ {
			if !ra.Equal(rb, shard.ID(sid)) {
				rt.Fatalf("replicas diverged on shard %d", sid)
			}
			if !ra.Equal(books[nodes[0]], shard.ID(sid)) {
				rt.Fatalf("replica differs from emitter on shard %d", sid)
			}
		}
	})
}

func TestVersionVectorTracksOrigins(t *testing.T) {
	a := newTestBook(t, "node-a")
	sid := a.router.ShardFor(testPair)

	for i := 0; i < 3; i++ {
		o, err := order.New(a.Node(), testPair, order.Sell, 10, 5, 0, int64(i+1), 0)
		require.NoError(t, err)
		_, err = a.ApplyAdd(o)
		require.NoError(t, err)
	}
	vv := a.VersionVector(sid)
	assert.Equal(t, uint64(3), vv["node-a"])
}

func BenchmarkMergeRemote(b *testing.B) {
	router := shard.NewRouter(4)
	src := New("src", router, zap.NewNop())
	dst := New("dst", router, zap.NewNop())

	deltas := make([]Delta, 0, b.N)
	for i := 0; i < b.N; i++ {
		o, _ := order.New("src", testPair, order.Buy, 10, 5, 0, int64(i+1), 0)
		o.ID = order.ID(fmt.Sprintf("o-%d", i))
		d, _ := src.ApplyAdd(o)
		deltas = append(deltas, d)
	}
	b.ResetTimer()
	for _, d := range deltas {
		dst.MergeRemote(d)
	}
}
