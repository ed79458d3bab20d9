package swap

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshdex/domain/book"
	"meshdex/domain/match"
	"meshdex/domain/order"
	"meshdex/ledger"
)

// Book is the slice of the order book the coordinator touches. The
// reservation itself is taken by the caller before hand-off; the
// coordinator either converts it into a fill or releases it.
type Book interface {
	Get(id order.ID) (book.Entry, error)
	Release(id order.ID, amount int64)
	CommitFill(id order.ID, amount int64) (book.Delta, error)
}

// Auditor is implemented by ledger adapters that can expose a lock's
// parameters for counterparty verification. Adapters that cannot
// (opaque chains) skip the audit; the hashlock still protects funds.
type Auditor interface {
	Params(ref ledger.LockRef) (ledger.LockParams, error)
}

type Config struct {
	// LockTimeout is the initiator leg's timelock. The responder leg
	// gets half of it, keeping the second lock strictly shorter.
	LockTimeout  time.Duration
	RetryInitial time.Duration
	MaxRetries   uint64
}

func (c Config) withDefaults() Config {
	if c.LockTimeout == 0 {
		c.LockTimeout = 2 * time.Minute
	}
	if c.RetryInitial == 0 {
		c.RetryInitial = 100 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	return c
}

// AcceptFunc vets an inbound proposal and reserves the responder's
// order remainder. A non-nil error rejects the proposal.
type AcceptFunc func(p Proposal) error

type running struct {
	mu     sync.Mutex
	sess   Session
	notice chan LockNotice
}

func (r *running) transition(st State) {
	r.mu.Lock()
	r.sess.State = st
	r.mu.Unlock()
}

func (r *running) snapshot() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

// Coordinator drives swap sessions for one node. One goroutine per
// in-flight session; the book is only touched in short calls, never
// across ledger waits.
type Coordinator struct {
	node    order.NodeID
	book    Book
	ledgers map[string]ledger.Adapter
	msgr    Messenger
	archive Archiver
	accept  AcceptFunc
	clk     clock.Clock
	cfg     Config
	log     *zap.Logger
	emit    func(book.Delta)

	mu       sync.Mutex
	sessions map[string]*running
	wg       sync.WaitGroup
}

func NewCoordinator(
	b Book,
	node order.NodeID,
	ledgers map[string]ledger.Adapter,
	msgr Messenger,
	archive Archiver,
	accept AcceptFunc,
	clk clock.Clock,
	cfg Config,
	emit func(book.Delta),
	log *zap.Logger,
) *Coordinator {
	return &Coordinator{
		node:     node,
		book:     b,
		ledgers:  ledgers,
		msgr:     msgr,
		archive:  archive,
		accept:   accept,
		clk:      clk,
		cfg:      cfg.withDefaults(),
		log:      log.Named("swap"),
		emit:     emit,
		sessions: make(map[string]*running),
	}
}

// Session returns a copy of an in-flight session's state.
func (c *Coordinator) Session(id string) (Session, bool) {
	c.mu.Lock()
	r, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	return r.snapshot(), true
}

// Wait blocks until every in-flight session driver has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

func (c *Coordinator) track(sess Session) *running {
	r := &running{sess: sess, notice: make(chan LockNotice, 1)}
	c.mu.Lock()
	c.sessions[sess.ID] = r
	c.mu.Unlock()
	return r
}

// finish stamps the terminal state, archives the session and drops it
// from the in-flight set.
func (c *Coordinator) finish(r *running, st State, reason string) {
	r.mu.Lock()
	r.sess.State = st
	r.sess.Reason = reason
	r.sess.ClosedAt = c.clk.Now()
	sess := r.sess
	r.mu.Unlock()

	c.mu.Lock()
	delete(c.sessions, sess.ID)
	c.mu.Unlock()

	if err := c.archive.Archive(sess); err != nil {
		c.log.Error("archive failed", zap.String("session", sess.ID), zap.Error(err))
	}
	c.log.Info("session finished",
		zap.String("session", sess.ID),
		zap.String("state", st.String()),
		zap.String("reason", reason))
}

// retry runs op with bounded exponential backoff. Definitive ledger
// rejections are not retried.
func (c *Coordinator) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitial
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, ledger.ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx))
}

// HandleLockNotice routes a counterparty's lock announcement to its
// session. Duplicate notices are dropped; the driver consumes one.
func (c *Coordinator) HandleLockNotice(ctx context.Context, n LockNotice) error {
	c.mu.Lock()
	r, ok := c.sessions[n.SessionID]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	select {
	case r.notice <- n:
	default:
	}
	return nil
}

// roles splits a candidate into this node's order, the counterparty's
// order and the counterparty itself.
func (c *Coordinator) roles(cand match.Candidate) (own, peer order.ID, to order.NodeID, err error) {
	switch c.node {
	case cand.BuyOwner:
		return cand.BuyOrder, cand.SellOrder, cand.SellOwner, nil
	case cand.SellOwner:
		return cand.SellOrder, cand.BuyOrder, cand.BuyOwner, nil
	default:
		return "", "", "", fmt.Errorf("swap: node %s is not a party to the candidate", c.node)
	}
}

// Initiate runs the initiator side of one swap to a terminal state.
// The caller has already reserved cand.Amount on this node's order and
// typically runs Initiate in its own goroutine.
func (c *Coordinator) Initiate(ctx context.Context, cand match.Candidate) error {
	own, peer, to, err := c.roles(cand)
	if err != nil {
		return err
	}
	entry, err := c.book.Get(own)
	if err != nil {
		return fmt.Errorf("swap: own order: %w", err)
	}

	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		c.book.Release(own, cand.Amount)
		return fmt.Errorf("swap: generate secret: %w", err)
	}
	hash := sha256.Sum256(secret[:])
	deadline := c.clk.Now().Add(c.cfg.LockTimeout)

	r := c.track(Session{
		ID:           uuid.NewString(),
		MakerOrderID: cand.Maker,
		TakerOrderID: takerOf(cand),
		Pair:         cand.Pair,
		Amount:       cand.Amount,
		Price:        cand.Price,
		State:        Proposed,
		SecretHash:   hash,
		Deadline:     deadline,
		Counterparty: to,
		Initiator:    true,
		OwnOrderID:   own,
		OpenedAt:     c.clk.Now(),
	})
	c.log.Info("initiating swap",
		zap.String("session", r.sess.ID),
		zap.String("counterparty", string(to)),
		zap.Int64("amount", cand.Amount),
		zap.Int64("price", cand.Price))

	// Handshake.
	prop := Proposal{
		SessionID:      r.sess.ID,
		From:           c.node,
		MakerOrderID:   cand.Maker,
		TakerOrderID:   takerOf(cand),
		InitiatorOrder: own,
		ResponderOrder: peer,
		Pair:           cand.Pair,
		Amount:         cand.Amount,
		Price:          cand.Price,
		SecretHash:     hash,
		Deadline:       deadline,
	}
	var acc Accept
	err = c.retry(ctx, func() error {
		var e error
		acc, e = c.msgr.Propose(ctx, to, prop)
		return e
	})
	if err != nil {
		c.abort(r, own, cand.Amount, fmt.Sprintf("handshake failed: %v", err))
		return err
	}
	if !acc.Accepted {
		c.abort(r, own, cand.Amount, "counterparty declined: "+acc.Reason)
		return fmt.Errorf("%w: %s", ErrProposal, acc.Reason)
	}

	// Lock own leg.
	giveAsset, giveQty := legGive(entry.Order, cand.Amount, cand.Price)
	adp, ok := c.ledgers[giveAsset]
	if !ok {
		c.abort(r, own, cand.Amount, "no adapter for "+giveAsset)
		return ErrNoAdapter
	}
	var ownRef ledger.LockRef
	err = c.retry(ctx, func() error {
		var e error
		ownRef, e = adp.Lock(ctx, ledger.LockParams{
			SecretHash: hash,
			Sender:     c.node,
			Recipient:  to,
			Asset:      giveAsset,
			Amount:     giveQty,
			Deadline:   deadline,
		})
		return e
	})
	if err != nil {
		c.abort(r, own, cand.Amount, fmt.Sprintf("own lock failed: %v", err))
		return err
	}
	events, err := adp.Watch(ctx, ownRef)
	if err != nil {
		c.abort(r, own, cand.Amount, fmt.Sprintf("watch own lock: %v", err))
		return err
	}

	if err := c.retry(ctx, func() error {
		return c.msgr.NotifyLock(ctx, to, LockNotice{
			SessionID: r.sess.ID, From: c.node, Asset: giveAsset, Ref: ownRef,
		})
	}); err != nil {
		// Funds are already committed; only the timelock gets them back.
		return c.refundOwnLeg(ctx, r, adp, ownRef, events, own, cand.Amount,
			fmt.Sprintf("lock notice failed: %v", err))
	}

	// Wait for the counterparty's leg.
	var notice LockNotice
	select {
	case notice = <-r.notice:
	case <-c.clk.After(deadline.Sub(c.clk.Now())):
		return c.refundOwnLeg(ctx, r, adp, ownRef, events, own, cand.Amount,
			"counterparty never locked")
	case <-ctx.Done():
		return c.refundOwnLeg(ctx, r, adp, ownRef, events, own, cand.Amount, "cancelled")
	}

	wantAsset, wantQty := legWant(entry.Order, cand.Amount, cand.Price)
	peerAdp, ok := c.ledgers[wantAsset]
	if !ok || notice.Asset != wantAsset {
		return c.refundOwnLeg(ctx, r, adp, ownRef, events, own, cand.Amount,
			"counterparty locked wrong asset")
	}
	// The responder's timelock must expire strictly before ours, or we
	// could be claimed against after losing our refund window.
	if reason, ok := auditLock(peerAdp, notice.Ref, hash, wantQty, c.node, c.clk.Now(), deadline); !ok {
		return c.refundOwnLeg(ctx, r, adp, ownRef, events, own, cand.Amount, reason)
	}
	r.transition(Locked)

	// Claiming the counterparty leg reveals the secret on-chain.
	if err := c.retry(ctx, func() error {
		return peerAdp.Claim(ctx, notice.Ref, secret)
	}); err != nil {
		return c.refundOwnLeg(ctx, r, adp, ownRef, events, own, cand.Amount,
			fmt.Sprintf("claim failed: %v", err))
	}
	r.transition(SecretRevealed)

	return c.awaitOwnClaim(ctx, r, adp, ownRef, events, own, cand.Amount)
}

func takerOf(cand match.Candidate) order.ID {
	if cand.Maker == cand.BuyOrder {
		return cand.SellOrder
	}
	return cand.BuyOrder
}

// HandleProposal vets an inbound proposal and, if accepted, starts the
// responder driver for the session.
func (c *Coordinator) HandleProposal(ctx context.Context, p Proposal) Accept {
	reject := func(reason string) Accept {
		c.log.Info("proposal rejected", zap.String("session", p.SessionID), zap.String("reason", reason))
		return Accept{SessionID: p.SessionID, Reason: reason}
	}

	if p.Amount <= 0 || p.Price <= 0 {
		return reject("non-positive amount or price")
	}
	if p.SecretHash == ([32]byte{}) {
		return reject("missing secret hash")
	}
	if !c.clk.Now().Before(p.Deadline) {
		return reject("deadline already passed")
	}
	entry, err := c.book.Get(p.ResponderOrder)
	if err != nil || entry.Order.Owner != c.node {
		return reject("responder order unknown")
	}
	if c.accept != nil {
		if err := c.accept(p); err != nil {
			return reject(err.Error())
		}
	}

	r := c.track(Session{
		ID:           p.SessionID,
		MakerOrderID: p.MakerOrderID,
		TakerOrderID: p.TakerOrderID,
		Pair:         p.Pair,
		Amount:       p.Amount,
		Price:        p.Price,
		State:        Proposed,
		SecretHash:   p.SecretHash,
		Counterparty: p.From,
		OwnOrderID:   p.ResponderOrder,
		OpenedAt:     c.clk.Now(),
	})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.driveResponder(ctx, r, p, entry.Order)
	}()
	return Accept{SessionID: p.SessionID, Accepted: true}
}

func (c *Coordinator) driveResponder(ctx context.Context, r *running, p Proposal, own order.Order) {
	// Wait for the initiator's leg to appear.
	var notice LockNotice
	select {
	case notice = <-r.notice:
	case <-c.clk.After(p.Deadline.Sub(c.clk.Now())):
		c.abort(r, own.ID, p.Amount, "initiator never locked")
		return
	case <-ctx.Done():
		c.abort(r, own.ID, p.Amount, "cancelled")
		return
	}

	wantAsset, wantQty := legWant(own, p.Amount, p.Price)
	peerAdp, ok := c.ledgers[wantAsset]
	if !ok || notice.Asset != wantAsset {
		c.abort(r, own.ID, p.Amount, "initiator locked wrong asset")
		return
	}
	// Our leg gets half the window; the initiator's lock must outlive
	// it so the secret we reveal on our leg stays claimable by us.
	ownDeadline := c.clk.Now().Add(c.cfg.LockTimeout / 2)
	if reason, ok := auditLock(peerAdp, notice.Ref, p.SecretHash, wantQty, c.node, ownDeadline, p.Deadline.Add(time.Nanosecond)); !ok {
		c.abort(r, own.ID, p.Amount, reason)
		return
	}

	giveAsset, giveQty := legGive(own, p.Amount, p.Price)
	adp, ok := c.ledgers[giveAsset]
	if !ok {
		c.abort(r, own.ID, p.Amount, "no adapter for "+giveAsset)
		return
	}
	r.mu.Lock()
	r.sess.Deadline = ownDeadline
	r.mu.Unlock()

	var ownRef ledger.LockRef
	if err := c.retry(ctx, func() error {
		var e error
		ownRef, e = adp.Lock(ctx, ledger.LockParams{
			SecretHash: p.SecretHash,
			Sender:     c.node,
			Recipient:  p.From,
			Asset:      giveAsset,
			Amount:     giveQty,
			Deadline:   ownDeadline,
		})
		return e
	}); err != nil {
		c.abort(r, own.ID, p.Amount, fmt.Sprintf("own lock failed: %v", err))
		return
	}
	events, err := adp.Watch(ctx, ownRef)
	if err != nil {
		c.abort(r, own.ID, p.Amount, fmt.Sprintf("watch own lock: %v", err))
		return
	}
	if err := c.retry(ctx, func() error {
		return c.msgr.NotifyLock(ctx, p.From, LockNotice{
			SessionID: p.SessionID, From: c.node, Asset: giveAsset, Ref: ownRef,
		})
	}); err != nil {
		_ = c.refundOwnLeg(ctx, r, adp, ownRef, events, own.ID, p.Amount,
			fmt.Sprintf("lock notice failed: %v", err))
		return
	}
	r.transition(Locked)

	// The initiator claims our leg first, revealing the secret. We then
	// claim theirs with it.
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.abort(r, own.ID, p.Amount, "watch closed")
				return
			}
			switch ev.Kind {
			case ledger.EventClaimed:
				r.transition(SecretRevealed)
				if err := c.retry(ctx, func() error {
					return peerAdp.Claim(ctx, notice.Ref, ev.Secret)
				}); err != nil {
					// Own leg is spent and the counter leg would not pay
					// out; honest timing cannot get here. The volume is
					// gone either way, so it is committed as filled
					// rather than released back as phantom liquidity,
					// and the archived record carries a violation reason
					// so operators can triage the funds at risk.
					c.log.Error("counter claim failed after own leg claimed",
						zap.String("session", p.SessionID), zap.Error(err))
					c.commitOwnFill(own.ID, p.Amount)
					c.finish(r, Aborted, fmt.Sprintf("protocol violation: counter claim failed after own leg claimed: %v", err))
					return
				}
				c.settle(r, own.ID, p.Amount)
				return
			case ledger.EventTimedOut:
				_ = c.refundOwnLeg(ctx, r, adp, ownRef, events, own.ID, p.Amount,
					"secret never revealed")
				return
			}
		case <-ctx.Done():
			_ = c.refundOwnLeg(ctx, r, adp, ownRef, events, own.ID, p.Amount, "cancelled")
			return
		}
	}
}

// awaitOwnClaim watches the initiator's own leg after the secret is
// out: a claim by the counterparty settles the session, a timeout
// falls back to refund.
func (c *Coordinator) awaitOwnClaim(
	ctx context.Context,
	r *running,
	adp ledger.Adapter,
	ref ledger.LockRef,
	events <-chan ledger.Event,
	own order.ID,
	amount int64,
) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.abort(r, own, amount, "watch closed")
				return errors.New("swap: watch closed")
			}
			switch ev.Kind {
			case ledger.EventClaimed:
				c.settle(r, own, amount)
				return nil
			case ledger.EventTimedOut:
				return c.refundOwnLeg(ctx, r, adp, ref, events, own, amount,
					"own leg never claimed")
			}
		case <-ctx.Done():
			return c.refundOwnLeg(ctx, r, adp, ref, events, own, amount, "cancelled")
		}
	}
}

// settle commits the reserved amount as a fill and gossips the delta.
func (c *Coordinator) settle(r *running, own order.ID, amount int64) {
	c.commitOwnFill(own, amount)
	c.finish(r, Settled, "")
}

func (c *Coordinator) commitOwnFill(own order.ID, amount int64) {
	d, err := c.book.CommitFill(own, amount)
	if err != nil {
		c.log.Error("commit fill failed", zap.String("order", string(own)), zap.Error(err))
	} else if c.emit != nil {
		c.emit(d)
	}
}

// abort ends a session whose own leg was never locked. The reservation
// goes back to the open book.
func (c *Coordinator) abort(r *running, own order.ID, amount int64, reason string) {
	c.book.Release(own, amount)
	c.finish(r, Aborted, reason)
}

// refundOwnLeg is the failure path once our funds are committed: wait
// out the timelock, refund, release the reservation.
func (c *Coordinator) refundOwnLeg(
	ctx context.Context,
	r *running,
	adp ledger.Adapter,
	ref ledger.LockRef,
	events <-chan ledger.Event,
	own order.ID,
	amount int64,
	reason string,
) error {
	r.transition(TimedOut)
	c.log.Warn("refunding own leg", zap.String("session", r.snapshot().ID), zap.String("reason", reason))

	deadline := r.snapshot().Deadline
wait:
	for c.clk.Now().Before(deadline) {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// The counterparty can still claim with the secret until the
			// timelock expires; that settles the trade after all.
			if ev.Kind == ledger.EventClaimed {
				c.settle(r, own, amount)
				return nil
			}
			if ev.Kind == ledger.EventTimedOut {
				break wait
			}
		case <-c.clk.After(deadline.Sub(c.clk.Now())):
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	err := c.retry(ctx, func() error { return adp.Refund(ctx, ref) })
	if err != nil {
		c.log.Error("refund failed", zap.String("session", r.snapshot().ID), zap.Error(err))
	}
	c.book.Release(own, amount)
	c.finish(r, Refunded, reason)
	return fmt.Errorf("swap: refunded: %s", reason)
}

// auditLock verifies a counterparty commitment against expectations.
// minDeadline is the instant the lock must still be claimable at;
// maxDeadline caps it from above (zero time = uncapped).
func auditLock(
	adp ledger.Adapter,
	ref ledger.LockRef,
	hash [32]byte,
	amount int64,
	recipient order.NodeID,
	minDeadline, maxDeadline time.Time,
) (string, bool) {
	aud, ok := adp.(Auditor)
	if !ok {
		return "", true
	}
	p, err := aud.Params(ref)
	if err != nil {
		return "counterparty lock not found", false
	}
	if p.SecretHash != hash {
		return "counterparty lock has wrong secret hash", false
	}
	if p.Amount != amount {
		return "counterparty lock has wrong amount", false
	}
	if p.Recipient != recipient {
		return "counterparty lock pays wrong recipient", false
	}
	if p.Deadline.Before(minDeadline) {
		return "counterparty timelock too short", false
	}
	if !maxDeadline.IsZero() && !p.Deadline.Before(maxDeadline) {
		return "counterparty timelock not shorter than own", false
	}
	return "", true
}
