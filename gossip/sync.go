// Package gossip disseminates order-book deltas between peers and
// runs the anti-entropy protocol that repairs whatever push delivery
// misses. Deltas are pushed to a bounded fan-out on write; version
// vector digests are exchanged periodically so a peer that was
// partitioned converges once reconnected. Delivery may be lossy,
// duplicated and reordered: merge idempotence makes that safe.
package gossip

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshdex/domain/book"
	"meshdex/domain/order"
	"meshdex/identity"
	"meshdex/shard"
	"meshdex/wire"
)

// Inbound is one payload received from a peer. The payload is an
// opaque signed envelope; authenticity is checked here, not in the
// transport.
type Inbound struct {
	Peer    order.NodeID
	Payload []byte
}

// Transport moves opaque payloads between peers. Implementations:
// transport/grpcpeer for the wire, memTransport in tests.
type Transport interface {
	Send(ctx context.Context, peer order.NodeID, payload []byte) error
	Receive() <-chan Inbound
	Close() error
}

type Config struct {
	Fanout         int
	DigestInterval time.Duration
	QueueLimit     int
	MaxBatch       int
}

func (c Config) withDefaults() Config {
	if c.Fanout == 0 {
		c.Fanout = 3
	}
	if c.DigestInterval == 0 {
		c.DigestInterval = 5 * time.Second
	}
	if c.QueueLimit == 0 {
		c.QueueLimit = 4096
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = 256
	}
	return c
}

type Sync struct {
	node      order.NodeID
	book      *book.Book
	router    *shard.Router
	transport Transport
	signer    identity.Signer
	verifier  identity.Verifier
	peers     []order.NodeID
	cfg       Config
	log       *zap.Logger

	queues map[order.NodeID]*peerQueue
	rng    *rand.Rand
}

func NewSync(
	b *book.Book,
	router *shard.Router,
	transport Transport,
	signer identity.Signer,
	verifier identity.Verifier,
	peers []order.NodeID,
	cfg Config,
	log *zap.Logger,
) *Sync {
	cfg = cfg.withDefaults()
	s := &Sync{
		node:      signer.Node(),
		book:      b,
		router:    router,
		transport: transport,
		signer:    signer,
		verifier:  verifier,
		peers:     peers,
		cfg:       cfg,
		log:       log.Named("gossip"),
		queues:    make(map[order.NodeID]*peerQueue, len(peers)),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, p := range peers {
		s.queues[p] = newPeerQueue(cfg.QueueLimit)
	}
	return s
}

// OnLocalDelta queues a locally produced delta for push to a bounded
// fan-out of peers. Never blocks the caller: queues are bounded and
// coalescing.
func (s *Sync) OnLocalDelta(d book.Delta) {
	for _, p := range s.fanoutPeers() {
		if s.queues[p].push(d) {
			s.log.Warn("peer queue overflow, dropped oldest delta",
				zap.String("peer", string(p)))
		}
	}
}

func (s *Sync) fanoutPeers() []order.NodeID {
	if len(s.peers) <= s.cfg.Fanout {
		return s.peers
	}
	idx := s.rng.Perm(len(s.peers))[:s.cfg.Fanout]
	out := make([]order.NodeID, 0, s.cfg.Fanout)
	for _, i := range idx {
		out = append(out, s.peers[i])
	}
	return out
}

// Run drives the sender loops, the receive loop and the periodic
// digest exchange until the context is cancelled.
func (s *Sync) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for peer, q := range s.queues {
		peer, q := peer, q
		g.Go(func() error { return s.sendLoop(ctx, peer, q) })
	}
	g.Go(func() error { return s.receiveLoop(ctx) })
	g.Go(func() error { return s.digestLoop(ctx) })

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Sync) sendLoop(ctx context.Context, peer order.NodeID, q *peerQueue) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		}
		for {
			batch := q.drain(s.cfg.MaxBatch)
			if len(batch) == 0 {
				break
			}
			if err := s.sendDeltas(ctx, peer, batch); err != nil {
				// Lost pushes are repaired by anti-entropy.
				s.log.Warn("push failed",
					zap.String("peer", string(peer)),
					zap.Int("deltas", len(batch)),
					zap.Error(err))
				break
			}
		}
	}
}

func (s *Sync) sendDeltas(ctx context.Context, peer order.NodeID, ds []book.Delta) error {
	env := &wire.Envelope{
		Kind:    wire.KindDeltas,
		From:    s.node,
		Payload: wire.EncodeDeltas(ds),
	}
	env.Signature = s.signer.Sign(env.SignBytes())
	return s.transport.Send(ctx, peer, wire.EncodeEnvelope(env))
}

func (s *Sync) digestLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.DigestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if len(s.peers) == 0 {
				continue
			}
			peer := s.peers[s.rng.Intn(len(s.peers))]
			if err := s.sendDigest(ctx, peer); err != nil {
				s.log.Warn("digest send failed", zap.String("peer", string(peer)), zap.Error(err))
			}
		}
	}
}

func (s *Sync) sendDigest(ctx context.Context, peer order.NodeID) error {
	digest := make(wire.Digest, s.router.Count())
	for sid := uint32(0); sid < s.router.Count(); sid++ {
		digest[shard.ID(sid)] = s.book.VersionVector(shard.ID(sid))
	}
	env := &wire.Envelope{
		Kind:    wire.KindDigest,
		From:    s.node,
		Payload: wire.EncodeDigest(digest),
	}
	env.Signature = s.signer.Sign(env.SignBytes())
	return s.transport.Send(ctx, peer, wire.EncodeEnvelope(env))
}

func (s *Sync) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case inb, ok := <-s.transport.Receive():
			if !ok {
				return nil
			}
			s.handle(ctx, inb)
		}
	}
}

func (s *Sync) handle(ctx context.Context, inb Inbound) {
	env, err := wire.DecodeEnvelope(inb.Payload)
	if err != nil {
		s.log.Warn("dropping undecodable payload", zap.String("peer", string(inb.Peer)), zap.Error(err))
		return
	}
	if !s.verifier.Verify(env.From, env.SignBytes(), env.Signature) {
		s.log.Warn("dropping unauthenticated envelope",
			zap.String("peer", string(inb.Peer)),
			zap.String("claimed_from", string(env.From)))
		return
	}

	switch env.Kind {
	case wire.KindDeltas:
		s.handleDeltas(env)
	case wire.KindDigest:
		s.handleDigest(ctx, env)
	default:
		s.log.Warn("unknown envelope kind", zap.Uint8("kind", uint8(env.Kind)))
	}
}

func (s *Sync) handleDeltas(env *wire.Envelope) {
	ds, err := wire.DecodeDeltas(env.Payload)
	if err != nil {
		s.log.Warn("dropping malformed delta batch", zap.String("from", string(env.From)), zap.Error(err))
		return
	}
	for _, d := range ds {
		out := s.book.MergeRemote(d)
		if out.Status == book.MergeRejected {
			s.log.Warn("rejected delta",
				zap.String("from", string(env.From)),
				zap.String("order", string(d.OrderID)),
				zap.String("reason", out.Reason))
		}
	}
}

// handleDigest answers an anti-entropy digest with the deltas the
// sender has not seen.
func (s *Sync) handleDigest(ctx context.Context, env *wire.Envelope) {
	digest, err := wire.DecodeDigest(env.Payload)
	if err != nil {
		s.log.Warn("dropping malformed digest", zap.String("from", string(env.From)), zap.Error(err))
		return
	}
	var missing []book.Delta
	for sid, vv := range digest {
		if !s.router.Valid(sid) {
			continue
		}
		missing = append(missing, s.book.DeltasSince(sid, vv)...)
	}
	for len(missing) > 0 {
		n := len(missing)
		if n > s.cfg.MaxBatch {
			n = s.cfg.MaxBatch
		}
		if err := s.sendDeltas(ctx, env.From, missing[:n]); err != nil {
			s.log.Warn("anti-entropy reply failed", zap.String("peer", string(env.From)), zap.Error(err))
			return
		}
		missing = missing[n:]
	}
}
