package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshdex/domain/book"
	"meshdex/domain/match"
	"meshdex/domain/order"
	"meshdex/domain/swap"
	"meshdex/infra/outbox"
	"meshdex/shard"
)

type fakePusher struct {
	mu     sync.Mutex
	deltas []book.Delta
}

func (p *fakePusher) OnLocalDelta(d book.Delta) {
	p.mu.Lock()
	p.deltas = append(p.deltas, d)
	p.mu.Unlock()
}

func (p *fakePusher) kinds() []book.OpKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]book.OpKind, len(p.deltas))
	for i, d := range p.deltas {
		out[i] = d.Kind
	}
	return out
}

// fakeSettler records candidates and holds sessions "in flight" until
// the test releases them, like a real coordinator would.
type fakeSettler struct {
	mu      sync.Mutex
	cands   []match.Candidate
	release chan struct{}
}

func (s *fakeSettler) Initiate(_ context.Context, cand match.Candidate) error {
	s.mu.Lock()
	s.cands = append(s.cands, cand)
	s.mu.Unlock()
	<-s.release
	return nil
}

func (s *fakeSettler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cands)
}

var testPair = order.Pair{Base: "BTC", Quote: "ETH"}

func newService(t *testing.T, node order.NodeID) (*Service, *book.Book, *fakePusher, *fakeSettler) {
	t.Helper()
	router := shard.NewRouter(4)
	b := book.New(node, router, zap.NewNop())
	push := &fakePusher{}
	settle := &fakeSettler{release: make(chan struct{})}
	t.Cleanup(func() { close(settle.release) })
	svc := New(node, b, match.NewEngine(zap.NewNop()), router, push, settle, Options{}, zap.NewNop())
	return svc, b, push, settle
}

func TestSubmitAndCancel(t *testing.T) {
	svc, b, push, _ := newService(t, "n1")

	id, err := svc.Submit(SubmitRequest{Pair: testPair, Side: order.Buy, Price: 10, Amount: 5})
	require.NoError(t, err)

	e, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, order.Open, e.Status)

	require.NoError(t, svc.Cancel(id))
	e, err = b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, order.Cancelled, e.Status)

	assert.Equal(t, []book.OpKind{book.OpAdd, book.OpRemove}, push.kinds())
}

func TestSubmitRejectsInvalid(t *testing.T) {
	svc, _, push, _ := newService(t, "n1")
	_, err := svc.Submit(SubmitRequest{Pair: testPair, Side: order.Buy, Price: 0, Amount: 5})
	assert.ErrorIs(t, err, order.ErrBadPrice)
	assert.Empty(t, push.kinds())
}

func TestSweepInitiatesWhenWeOwnSmallerID(t *testing.T) {
	svc, b, _, settle := newService(t, "n1")

	buy, err := svc.Submit(SubmitRequest{Pair: testPair, Side: order.Buy, Price: 10, Amount: 5})
	require.NoError(t, err)

	// Remote sell crossing our buy. Choose an ID ordering where the
	// smaller order is ours, making us the initiator.
	sell := order.Order{
		ID: "zzzz-remote", Owner: "n2", Pair: testPair, Side: order.Sell,
		Price: 9, Amount: 3, CreatedAt: 1,
	}
	sid := shard.NewRouter(4).ShardFor(testPair)
	out := b.MergeRemote(book.Delta{
		Shard: sid, Origin: "n2", Counter: 1, Kind: book.OpAdd, OrderID: sell.ID, Order: &sell,
	})
	require.Equal(t, book.MergeApplied, out.Status)
	require.True(t, buy < sell.ID, "test assumes our order sorts first")

	svc.sweepOnce(context.Background())
	require.Eventually(t, func() bool { return settle.count() == 1 }, time.Second, 5*time.Millisecond)

	// The reservation keeps the sweep from re-dispatching the pair.
	svc.sweepOnce(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, settle.count())

	e, err := b.Get(buy)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Remaining, "reserved amount netted out")
}

func TestSweepStaysQuietAsResponder(t *testing.T) {
	svc, b, _, settle := newService(t, "n1")

	// Our sell has the larger ID, so the counterparty initiates.
	sellID, err := svc.Submit(SubmitRequest{Pair: testPair, Side: order.Sell, Price: 9, Amount: 3})
	require.NoError(t, err)

	buy := order.Order{
		ID: "----remote", Owner: "n2", Pair: testPair, Side: order.Buy,
		Price: 10, Amount: 5, CreatedAt: 1,
	}
	sid := shard.NewRouter(4).ShardFor(testPair)
	out := b.MergeRemote(book.Delta{
		Shard: sid, Origin: "n2", Counter: 1, Kind: book.OpAdd, OrderID: buy.ID, Order: &buy,
	})
	require.Equal(t, book.MergeApplied, out.Status)
	require.True(t, buy.ID < sellID, "test assumes the remote order sorts first")

	svc.sweepOnce(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, settle.count())
}

func TestSelfTradeSettlesDirectly(t *testing.T) {
	svc, b, push, settle := newService(t, "n1")

	buy, err := svc.Submit(SubmitRequest{Pair: testPair, Side: order.Buy, Price: 10, Amount: 5})
	require.NoError(t, err)
	sell, err := svc.Submit(SubmitRequest{Pair: testPair, Side: order.Sell, Price: 9, Amount: 3})
	require.NoError(t, err)

	svc.sweepOnce(context.Background())
	assert.Zero(t, settle.count(), "no swap needed for a self trade")

	be, err := b.Get(buy)
	require.NoError(t, err)
	assert.Equal(t, int64(2), be.Remaining)
	se, err := b.Get(sell)
	require.NoError(t, err)
	assert.Equal(t, order.Filled, se.Status)

	assert.Equal(t, []book.OpKind{book.OpAdd, book.OpAdd, book.OpFill, book.OpFill}, push.kinds())
}

func TestExpirySweep(t *testing.T) {
	svc, b, push, _ := newService(t, "n1")

	id, err := svc.Submit(SubmitRequest{Pair: testPair, Side: order.Buy, Price: 10, Amount: 5, TTL: time.Millisecond})
	require.NoError(t, err)

	base := svc.now()
	svc.now = func() int64 { return base + time.Hour.Nanoseconds() }
	b.SetNowFunc(svc.now)

	svc.expireOnce()

	e, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, order.Expired, e.Status)
	assert.Equal(t, []book.OpKind{book.OpAdd, book.OpRemove}, push.kinds())
}

func TestArchiveTapStagesEvent(t *testing.T) {
	out, err := outbox.Open(t.TempDir())
	require.NoError(t, err)
	defer out.Close()

	var archived []swap.Session
	tap := NewArchiveTap(archiverFunc(func(s swap.Session) error {
		archived = append(archived, s)
		return nil
	}), out, zap.NewNop())

	sess := swap.Session{
		ID: "s1", State: swap.Settled, Pair: testPair, Amount: 3, Price: 10,
		ClosedAt: time.Unix(0, 12345),
	}
	require.NoError(t, tap.Archive(sess))
	require.Len(t, archived, 1)

	rec, err := out.Get(1)
	require.NoError(t, err)
	var ev SettlementEvent
	require.NoError(t, json.Unmarshal(rec.Payload, &ev))
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "settled", ev.State)
	assert.Equal(t, "BTC/ETH", ev.Pair)
	assert.Equal(t, int64(12345), ev.ClosedAt)
}

type archiverFunc func(swap.Session) error

func (f archiverFunc) Archive(s swap.Session) error { return f(s) }
