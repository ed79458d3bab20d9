// Package identity authenticates order deltas and swap handshakes
// with ed25519 keys. Each node signs what it originates; a directory
// of peer public keys verifies inbound envelopes.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"meshdex/domain/order"
)

type Signer interface {
	Node() order.NodeID
	Sign(msg []byte) []byte
	PublicKey() ed25519.PublicKey
}

type Verifier interface {
	Verify(node order.NodeID, msg, sig []byte) bool
}

type keySigner struct {
	node order.NodeID
	priv ed25519.PrivateKey
}

// NewSigner wraps an existing private key.
func NewSigner(node order.NodeID, priv ed25519.PrivateKey) Signer {
	return &keySigner{node: node, priv: priv}
}

// Generate creates a fresh keypair for a node.
func Generate(node order.NodeID) (Signer, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &keySigner{node: node, priv: priv}, pub, nil
}

func (s *keySigner) Node() order.NodeID { return s.node }

func (s *keySigner) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

func (s *keySigner) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Directory is a Verifier backed by a registry of peer public keys.
type Directory struct {
	mu   sync.RWMutex
	keys map[order.NodeID]ed25519.PublicKey
}

func NewDirectory() *Directory {
	return &Directory{keys: make(map[order.NodeID]ed25519.PublicKey)}
}

func (d *Directory) Register(node order.NodeID, pub ed25519.PublicKey) {
	d.mu.Lock()
	d.keys[node] = pub
	d.mu.Unlock()
}

// RegisterHex registers a peer key given as hex, the form peer keys
// take in node configuration.
func (d *Directory) RegisterHex(node order.NodeID, pubHex string) error {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("decode public key for %s: %w", node, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("public key for %s: want %d bytes, got %d", node, ed25519.PublicKeySize, len(raw))
	}
	d.Register(node, ed25519.PublicKey(raw))
	return nil
}

// Verify reports whether sig is a valid signature by node over msg.
// Unknown nodes never verify.
func (d *Directory) Verify(node order.NodeID, msg, sig []byte) bool {
	d.mu.RLock()
	pub, ok := d.keys[node]
	d.mu.RUnlock()
	if !ok || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
