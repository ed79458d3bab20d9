package grpcpeer

import (
	"context"
	"encoding/json"
	"fmt"

	"meshdex/domain/order"
	"meshdex/domain/swap"
	"meshdex/identity"
	"meshdex/wire"
)

// SwapService is the coordinator surface inbound handshakes land on.
type SwapService interface {
	HandleProposal(ctx context.Context, p swap.Proposal) swap.Accept
	HandleLockNotice(ctx context.Context, n swap.LockNotice) error
}

// Messenger carries swap handshakes over the peer connections as
// signed envelopes, one request/reply RPC per message. Bodies are
// JSON: handshakes are rare and small, the hot path stays protowire.
type Messenger struct {
	t        *Transport
	signer   identity.Signer
	verifier identity.Verifier
	svc      SwapService
}

func NewMessenger(t *Transport, signer identity.Signer, verifier identity.Verifier) *Messenger {
	return &Messenger{t: t, signer: signer, verifier: verifier}
}

// Bind attaches the coordinator and starts serving inbound handshakes.
// Separate from the constructor because the coordinator itself is
// built with the messenger.
func (m *Messenger) Bind(svc SwapService) {
	m.svc = svc
	m.t.setSwap(m)
}

func (m *Messenger) Propose(ctx context.Context, to order.NodeID, p swap.Proposal) (swap.Accept, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return swap.Accept{}, fmt.Errorf("grpcpeer: encode proposal: %w", err)
	}
	env, err := m.exchange(ctx, to, wire.KindSwapPropose, body)
	if err != nil {
		return swap.Accept{}, err
	}
	if env.Kind != wire.KindSwapAccept {
		return swap.Accept{}, fmt.Errorf("grpcpeer: unexpected reply kind %d", env.Kind)
	}
	var acc swap.Accept
	if err := json.Unmarshal(env.Payload, &acc); err != nil {
		return swap.Accept{}, fmt.Errorf("grpcpeer: decode accept: %w", err)
	}
	return acc, nil
}

func (m *Messenger) NotifyLock(ctx context.Context, to order.NodeID, n swap.LockNotice) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("grpcpeer: encode lock notice: %w", err)
	}
	env, err := m.exchange(ctx, to, wire.KindSwapLock, body)
	if err != nil {
		return err
	}
	if env.Kind != wire.KindSwapAck {
		return fmt.Errorf("grpcpeer: unexpected reply kind %d", env.Kind)
	}
	return nil
}

// exchange sends one sealed envelope and authenticates the reply.
func (m *Messenger) exchange(ctx context.Context, to order.NodeID, kind wire.Kind, body []byte) (*wire.Envelope, error) {
	raw, err := m.t.call(ctx, to, m.seal(kind, body))
	if err != nil {
		return nil, err
	}
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("grpcpeer: reply from %s: %w", to, err)
	}
	if env.From != to || !m.verifier.Verify(env.From, env.SignBytes(), env.Signature) {
		return nil, fmt.Errorf("grpcpeer: unauthenticated reply claiming to be %s", env.From)
	}
	return env, nil
}

func (m *Messenger) seal(kind wire.Kind, body []byte) []byte {
	env := &wire.Envelope{Kind: kind, From: m.signer.Node(), Payload: body}
	env.Signature = m.signer.Sign(env.SignBytes())
	return wire.EncodeEnvelope(env)
}

// handleSwap serves one inbound handshake envelope.
func (m *Messenger) handleSwap(ctx context.Context, raw []byte) ([]byte, error) {
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if !m.verifier.Verify(env.From, env.SignBytes(), env.Signature) {
		return nil, fmt.Errorf("grpcpeer: unauthenticated handshake claiming to be %s", env.From)
	}
	if m.svc == nil {
		return nil, fmt.Errorf("grpcpeer: no swap service bound")
	}

	switch env.Kind {
	case wire.KindSwapPropose:
		var p swap.Proposal
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("grpcpeer: decode proposal: %w", err)
		}
		if p.From != env.From {
			return nil, fmt.Errorf("grpcpeer: proposal sender mismatch")
		}
		// The session driver outlives this RPC.
		acc := m.svc.HandleProposal(context.WithoutCancel(ctx), p)
		body, err := json.Marshal(acc)
		if err != nil {
			return nil, err
		}
		return m.seal(wire.KindSwapAccept, body), nil

	case wire.KindSwapLock:
		var n swap.LockNotice
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			return nil, fmt.Errorf("grpcpeer: decode lock notice: %w", err)
		}
		if n.From != env.From {
			return nil, fmt.Errorf("grpcpeer: lock notice sender mismatch")
		}
		if err := m.svc.HandleLockNotice(ctx, n); err != nil {
			return nil, err
		}
		return m.seal(wire.KindSwapAck, nil), nil

	default:
		return nil, fmt.Errorf("grpcpeer: unexpected handshake kind %d", env.Kind)
	}
}

var _ swap.Messenger = (*Messenger)(nil)
