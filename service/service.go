// Package service is the only write entry point into the node. It
// coordinates the replicated book, the matching sweep, gossip push and
// the settlement hand-off, and runs the periodic maintenance jobs.
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshdex/domain/book"
	"meshdex/domain/match"
	"meshdex/domain/order"
	"meshdex/shard"
)

// Pusher fans a locally produced delta out to peers.
type Pusher interface {
	OnLocalDelta(d book.Delta)
}

// Settler drives one swap session to a terminal state.
type Settler interface {
	Initiate(ctx context.Context, cand match.Candidate) error
}

type Options struct {
	SweepInterval  time.Duration
	ExpiryInterval time.Duration
	GCInterval     time.Duration
	Retention      time.Duration
}

func (o Options) withDefaults() Options {
	if o.SweepInterval == 0 {
		o.SweepInterval = 500 * time.Millisecond
	}
	if o.ExpiryInterval == 0 {
		o.ExpiryInterval = time.Second
	}
	if o.Retention == 0 {
		o.Retention = 24 * time.Hour
	}
	if o.GCInterval == 0 {
		o.GCInterval = o.Retention / 10
	}
	return o
}

type Service struct {
	node   order.NodeID
	book   *book.Book
	engine *match.Engine
	router *shard.Router
	push   Pusher
	settle Settler
	opts   Options
	log    *zap.Logger

	now func() int64

	// inflight guards against re-dispatching the same order pair while
	// its session runs: our reservation nets out our side, but the
	// counterparty's reservation is invisible to our snapshot.
	inflightMu sync.Mutex
	inflight   map[[2]order.ID]struct{}
}

func New(
	node order.NodeID,
	b *book.Book,
	engine *match.Engine,
	router *shard.Router,
	push Pusher,
	settle Settler,
	opts Options,
	log *zap.Logger,
) *Service {
	return &Service{
		node:     node,
		book:     b,
		engine:   engine,
		router:   router,
		push:     push,
		settle:   settle,
		opts:     opts.withDefaults(),
		log:      log.Named("service"),
		now:      func() int64 { return time.Now().UnixNano() },
		inflight: make(map[[2]order.ID]struct{}),
	}
}

type SubmitRequest struct {
	Pair    order.Pair
	Side    order.Side
	Price   int64
	Amount  int64
	MinFill int64
	TTL     time.Duration
}

// Submit creates a local order, inserts it and gossips the add.
func (s *Service) Submit(req SubmitRequest) (order.ID, error) {
	now := s.now()
	var expires int64
	if req.TTL > 0 {
		expires = now + req.TTL.Nanoseconds()
	}
	o, err := order.New(s.node, req.Pair, req.Side, req.Price, req.Amount, req.MinFill, now, expires)
	if err != nil {
		return "", err
	}
	d, err := s.book.ApplyAdd(o)
	if err != nil {
		return "", err
	}
	s.push.OnLocalDelta(d)
	s.log.Info("order submitted",
		zap.String("order", string(o.ID)),
		zap.String("pair", req.Pair.Symbol()),
		zap.String("side", req.Side.String()),
		zap.Int64("price", req.Price),
		zap.Int64("amount", req.Amount))
	return o.ID, nil
}

// Cancel tombstones a locally owned order and gossips the removal.
func (s *Service) Cancel(id order.ID) error {
	d, err := s.book.ApplyCancel(id)
	if err != nil {
		return err
	}
	s.push.OnLocalDelta(d)
	return nil
}

// Order returns one order with its derived state.
func (s *Service) Order(id order.ID) (book.Entry, error) {
	return s.book.Get(id)
}

// Run drives the matching sweep, the expiry sweep and tombstone GC
// until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, s.opts.SweepInterval, func() { s.sweepOnce(ctx) }) })
	g.Go(func() error { return s.loop(ctx, s.opts.ExpiryInterval, s.expireOnce) })
	g.Go(func() error {
		return s.loop(ctx, s.opts.GCInterval, func() { s.book.PruneTombstones(s.opts.Retention) })
	})
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Service) loop(ctx context.Context, every time.Duration, fn func()) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// sweepOnce scans every shard snapshot for crossings and hands each
// candidate to settlement.
func (s *Service) sweepOnce(ctx context.Context) {
	for sid := uint32(0); sid < s.router.Count(); sid++ {
		snap := s.book.Snapshot(shard.ID(sid))
		for _, cand := range s.engine.FindMatches(snap) {
			s.dispatch(ctx, cand)
		}
	}
}

// dispatch decides this node's role for one candidate. Both nodes
// compute the same candidates from converged state; exactly one party
// initiates, decided by the lexical order of the two order IDs so no
// coordination is needed.
func (s *Service) dispatch(ctx context.Context, cand match.Candidate) {
	ours := map[order.NodeID]bool{s.node: true}
	ownBuy, ownSell := ours[cand.BuyOwner], ours[cand.SellOwner]

	switch {
	case ownBuy && ownSell:
		s.settleSelfTrade(cand)
	case !ownBuy && !ownSell:
		// Third-party trade; the parties handle it.
	default:
		initiator := cand.BuyOwner
		if cand.SellOrder < cand.BuyOrder {
			initiator = cand.SellOwner
		}
		if initiator != s.node {
			// We respond when the proposal arrives.
			return
		}
		own := cand.BuyOrder
		if ownSell {
			own = cand.SellOrder
		}
		key := [2]order.ID{cand.BuyOrder, cand.SellOrder}
		s.inflightMu.Lock()
		if _, busy := s.inflight[key]; busy {
			s.inflightMu.Unlock()
			return
		}
		s.inflight[key] = struct{}{}
		s.inflightMu.Unlock()

		if err := s.book.Reserve(own, cand.Amount); err != nil {
			// Already reserved by an in-flight session, or raced a merge.
			s.clearInflight(key)
			return
		}
		go func() {
			defer s.clearInflight(key)
			if err := s.settle.Initiate(ctx, cand); err != nil {
				s.log.Warn("settlement failed",
					zap.String("buy", string(cand.BuyOrder)),
					zap.String("sell", string(cand.SellOrder)),
					zap.Error(err))
			}
		}()
	}
}

func (s *Service) clearInflight(key [2]order.ID) {
	s.inflightMu.Lock()
	delete(s.inflight, key)
	s.inflightMu.Unlock()
}

// settleSelfTrade fills both legs directly: both orders are ours, so
// there is nothing to swap across ledgers.
func (s *Service) settleSelfTrade(cand match.Candidate) {
	for _, id := range []order.ID{cand.BuyOrder, cand.SellOrder} {
		d, err := s.book.ApplyFill(id, cand.Amount)
		if err != nil {
			s.log.Error("self trade fill failed", zap.String("order", string(id)), zap.Error(err))
			continue
		}
		s.push.OnLocalDelta(d)
	}
	s.log.Info("self trade settled",
		zap.String("buy", string(cand.BuyOrder)),
		zap.String("sell", string(cand.SellOrder)),
		zap.Int64("amount", cand.Amount),
		zap.Int64("price", cand.Price))
}

// expireOnce tombstones this node's orders whose deadline has passed.
// Only the owner expires its orders; peers learn through gossip.
func (s *Service) expireOnce() {
	now := s.now()
	for sid := uint32(0); sid < s.router.Count(); sid++ {
		snap := s.book.Snapshot(shard.ID(sid))
		for _, e := range snap.Orders {
			if e.Order.Owner != s.node || !e.Order.Expired(now) {
				continue
			}
			d, err := s.book.ApplyExpire(e.Order.ID)
			if err != nil {
				continue
			}
			s.push.OnLocalDelta(d)
			s.log.Debug("order expired", zap.String("order", string(e.Order.ID)))
		}
	}
}
