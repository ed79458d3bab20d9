// Package grpcpeer carries gossip payloads between peers over gRPC
// client streams. Payloads are already signed, framed envelopes, so
// the transport moves raw bytes: a hand-rolled service descriptor with
// a pass-through codec avoids a generated marshalling layer the
// envelope format would only duplicate.
package grpcpeer

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"meshdex/domain/order"
	"meshdex/gossip"
)

const serviceName = "meshdex.Peer"

// frame is the single message type on the relay stream. The first
// frame of a stream is the hello carrying the sender's node id; every
// later frame is an opaque gossip payload.
type frame struct {
	data []byte
}

// rawCodec passes *frame bytes through unmodified.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("grpcpeer: marshal %T, want *frame", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("grpcpeer: unmarshal into %T, want *frame", v)
	}
	f.data = data
	return nil
}

func (rawCodec) Name() string { return "meshdex-raw" }

// PeerAddr is one reachable peer.
type PeerAddr struct {
	Node order.NodeID
	Addr string
}

// Transport implements gossip.Transport over persistent client
// streams. Each node runs a server accepting inbound relays and lazily
// dials outbound streams to its configured peers.
type Transport struct {
	node  order.NodeID
	addrs map[order.NodeID]string
	log   *zap.Logger

	in chan gossip.Inbound

	mu      sync.Mutex
	conns   map[order.NodeID]*grpc.ClientConn
	streams map[order.NodeID]*peerStream
	swap    swapEndpoint

	server *grpc.Server
}

// swapEndpoint handles a unary swap handshake envelope and returns the
// reply envelope. Wired by the Messenger.
type swapEndpoint interface {
	handleSwap(ctx context.Context, raw []byte) ([]byte, error)
}

func New(node order.NodeID, peers []PeerAddr, log *zap.Logger) *Transport {
	addrs := make(map[order.NodeID]string, len(peers))
	for _, p := range peers {
		addrs[p.Node] = p.Addr
	}
	return &Transport{
		node:    node,
		addrs:   addrs,
		log:     log.Named("grpcpeer"),
		in:      make(chan gossip.Inbound, 1024),
		conns:   make(map[order.NodeID]*grpc.ClientConn),
		streams: make(map[order.NodeID]*peerStream),
	}
}

// peerStream serializes writes: gRPC forbids concurrent SendMsg on one
// stream, and a peer's push loop and the digest loop can race.
type peerStream struct {
	mu sync.Mutex
	s  grpc.ClientStream
}

func (p *peerStream) send(f *frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s.SendMsg(f)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Swap",
		Handler:    swapHandler,
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Relay",
		Handler:       relayHandler,
		ClientStreams: true,
	}},
}

// Serve accepts inbound relay streams on lis until Close.
func (t *Transport) Serve(lis net.Listener) error {
	t.mu.Lock()
	t.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	t.server.RegisterService(&serviceDesc, t)
	srv := t.server
	t.mu.Unlock()

	t.log.Info("listening for peers", zap.String("addr", lis.Addr().String()))
	return srv.Serve(lis)
}

func relayHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(*Transport).relay(stream)
}

func swapHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req frame
	if err := dec(&req); err != nil {
		return nil, err
	}
	t := srv.(*Transport)
	t.mu.Lock()
	ep := t.swap
	t.mu.Unlock()
	if ep == nil {
		return nil, fmt.Errorf("grpcpeer: no swap endpoint registered")
	}
	resp, err := ep.handleSwap(ctx, req.data)
	if err != nil {
		return nil, err
	}
	return &frame{data: resp}, nil
}

func (t *Transport) setSwap(ep swapEndpoint) {
	t.mu.Lock()
	t.swap = ep
	t.mu.Unlock()
}

// call issues the unary swap RPC against a peer.
func (t *Transport) call(ctx context.Context, peer order.NodeID, raw []byte) ([]byte, error) {
	conn, err := t.connFor(peer)
	if err != nil {
		return nil, err
	}
	var reply frame
	if err := conn.Invoke(ctx, "/"+serviceName+"/Swap", &frame{data: raw}, &reply); err != nil {
		return nil, fmt.Errorf("grpcpeer: swap call to %s: %w", peer, err)
	}
	return reply.data, nil
}

// relay drains one inbound peer stream. The hello frame names the
// sender; payload authenticity is still verified upstream against the
// envelope signature, so a lying hello buys nothing.
func (t *Transport) relay(stream grpc.ServerStream) error {
	var hello frame
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}
	peer := order.NodeID(hello.data)
	if peer == "" {
		return fmt.Errorf("grpcpeer: empty hello")
	}
	t.log.Debug("peer stream opened", zap.String("peer", string(peer)))

	for {
		var f frame
		if err := stream.RecvMsg(&f); err != nil {
			t.log.Debug("peer stream closed", zap.String("peer", string(peer)), zap.Error(err))
			return nil
		}
		select {
		case t.in <- gossip.Inbound{Peer: peer, Payload: f.data}:
		case <-stream.Context().Done():
			return nil
		}
	}
}

// Send relays one payload to a peer, dialing and opening the stream on
// first use. A failed stream is torn down so the next Send redials.
func (t *Transport) Send(ctx context.Context, peer order.NodeID, payload []byte) error {
	stream, err := t.streamFor(ctx, peer)
	if err != nil {
		return err
	}
	if err := stream.send(&frame{data: payload}); err != nil {
		t.dropStream(peer)
		return fmt.Errorf("grpcpeer: send to %s: %w", peer, err)
	}
	return nil
}

// connFor returns the (lazily dialed) client connection for a peer.
func (t *Transport) connFor(peer order.NodeID) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connForLocked(peer)
}

func (t *Transport) connForLocked(peer order.NodeID) (*grpc.ClientConn, error) {
	if conn, ok := t.conns[peer]; ok {
		return conn, nil
	}
	addr, ok := t.addrs[peer]
	if !ok {
		return nil, fmt.Errorf("grpcpeer: no address for peer %s", peer)
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcpeer: dial %s: %w", peer, err)
	}
	t.conns[peer] = conn
	return conn, nil
}

func (t *Transport) streamFor(ctx context.Context, peer order.NodeID) (*peerStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.streams[peer]; ok {
		return s, nil
	}
	conn, err := t.connForLocked(peer)
	if err != nil {
		return nil, err
	}

	desc := &grpc.StreamDesc{StreamName: "Relay", ClientStreams: true}
	stream, err := conn.NewStream(ctx, desc, "/"+serviceName+"/Relay")
	if err != nil {
		return nil, fmt.Errorf("grpcpeer: open stream to %s: %w", peer, err)
	}
	if err := stream.SendMsg(&frame{data: []byte(t.node)}); err != nil {
		return nil, fmt.Errorf("grpcpeer: hello to %s: %w", peer, err)
	}
	ps := &peerStream{s: stream}
	t.streams[peer] = ps
	return ps, nil
}

func (t *Transport) dropStream(peer order.NodeID) {
	t.mu.Lock()
	delete(t.streams, peer)
	t.mu.Unlock()
}

func (t *Transport) Receive() <-chan gossip.Inbound { return t.in }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer, s := range t.streams {
		_ = s.s.CloseSend()
		delete(t.streams, peer)
	}
	for peer, c := range t.conns {
		_ = c.Close()
		delete(t.conns, peer)
	}
	if t.server != nil {
		t.server.GracefulStop()
	}
	return nil
}

var _ gossip.Transport = (*Transport)(nil)
