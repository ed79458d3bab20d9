package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshdex/config"
	"meshdex/domain/book"
	"meshdex/domain/match"
	"meshdex/domain/order"
	"meshdex/domain/swap"
	"meshdex/gossip"
	"meshdex/identity"
	"meshdex/infra/outbox"
	"meshdex/infra/swapstore"
	"meshdex/jobs/broadcaster"
	"meshdex/ledger"
	"meshdex/service"
	"meshdex/shard"
	"meshdex/transport/grpcpeer"
)

func main() {
	cfgPath := flag.String("config", "node.toml", "path to the node configuration file")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*cfgPath, log); err != nil {
		log.Fatal("node exited", zap.Error(err))
	}
}

func run(cfgPath string, log *zap.Logger) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	node := order.NodeID(cfg.NodeID)

	// ---------------- Identity ----------------

	signer, err := buildSigner(node, cfg.PrivKey, log)
	if err != nil {
		return err
	}
	directory := identity.NewDirectory()
	directory.Register(node, signer.PublicKey())

	peerIDs := make([]order.NodeID, 0, len(cfg.Peers))
	peerAddrs := make([]grpcpeer.PeerAddr, 0, len(cfg.Peers))
	for id, p := range cfg.Peers {
		pid := order.NodeID(id)
		if err := directory.RegisterHex(pid, p.PubKey); err != nil {
			return err
		}
		peerIDs = append(peerIDs, pid)
		peerAddrs = append(peerAddrs, grpcpeer.PeerAddr{Node: pid, Addr: p.Addr})
	}

	// ---------------- Storage ----------------

	out, err := outbox.Open(filepath.Join(cfg.DataDir, "outbox"))
	if err != nil {
		return err
	}
	defer out.Close()

	sessions, err := swapstore.Open(filepath.Join(cfg.DataDir, "swaps"))
	if err != nil {
		return err
	}
	defer sessions.Close()

	// ---------------- Domain ----------------

	router := shard.NewRouter(cfg.Shards)
	b := book.New(node, router, log)
	engine := match.NewEngine(log)

	clk := clock.New()
	ledgers := make(map[string]ledger.Adapter, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		ledgers[asset] = ledger.NewSim(asset, clk)
	}

	// ---------------- Transport ----------------

	transport := grpcpeer.New(node, peerAddrs, log)
	defer transport.Close()

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	sync := gossip.NewSync(b, router, transport, signer, directory, peerIDs, gossip.Config{
		Fanout:         cfg.Gossip.Fanout,
		DigestInterval: cfg.Gossip.DigestInterval.Duration,
		QueueLimit:     cfg.Gossip.QueueLimit,
		MaxBatch:       cfg.Gossip.MaxBatch,
	}, log)

	// ---------------- Settlement ----------------

	msgr := grpcpeer.NewMessenger(transport, signer, directory)
	archive := service.NewArchiveTap(sessions, out, log)
	accept := func(p swap.Proposal) error {
		return b.Reserve(p.ResponderOrder, p.Amount)
	}
	coord := swap.NewCoordinator(b, node, ledgers, msgr, archive, accept, clk, swap.Config{
		LockTimeout:  cfg.Swap.LockTimeout.Duration,
		RetryInitial: cfg.Swap.RetryInitial.Duration,
		MaxRetries:   cfg.Swap.MaxRetries,
	}, sync.OnLocalDelta, log)
	msgr.Bind(coord)

	// ---------------- Service ----------------

	svc := service.New(node, b, engine, router, sync, coord, service.Options{
		SweepInterval:  cfg.SweepInterval.Duration,
		ExpiryInterval: cfg.ExpiryInterval.Duration,
		Retention:      cfg.TombstoneRetention.Duration,
	}, log)

	// ---------------- Run ----------------

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return transport.Serve(lis) })
	g.Go(func() error { return sync.Run(ctx) })
	g.Go(func() error { return svc.Run(ctx) })
	if len(cfg.Kafka.Brokers) > 0 {
		bc, err := broadcaster.New(out, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.DrainInterval.Duration, log)
		if err != nil {
			return err
		}
		defer bc.Close()
		g.Go(func() error { return bc.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return transport.Close()
	})

	log.Info("node running",
		zap.String("node", cfg.NodeID),
		zap.String("listen", cfg.ListenAddr),
		zap.Int("peers", len(cfg.Peers)),
		zap.Uint32("shards", cfg.Shards))

	err = g.Wait()
	coord.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// buildSigner wraps the configured private key, or generates an
// ephemeral one and prints the public key so peers can be configured.
func buildSigner(node order.NodeID, privHex string, log *zap.Logger) (identity.Signer, error) {
	if privHex == "" {
		signer, pub, err := identity.Generate(node)
		if err != nil {
			return nil, err
		}
		log.Warn("no privkey configured, generated ephemeral identity",
			zap.String("pubkey", hex.EncodeToString(pub)))
		return signer, nil
	}
	raw, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("decode privkey: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("privkey: want %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return identity.NewSigner(node, ed25519.PrivateKey(raw)), nil
}
