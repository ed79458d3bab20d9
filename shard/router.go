// Package shard partitions the order book and gossip traffic by
// trading pair. Routing is a pure function of the pair symbol so that
// every node reaches the same decision without coordination.
package shard

import (
	"hash/fnv"

	"meshdex/domain/order"
)

// ID names one partition of the book.
type ID uint32

type Router struct {
	count uint32
}

// NewRouter builds a router over a fixed shard count. Changing the
// count is a coordinated resharding operation, not supported on the
// hot path.
func NewRouter(count uint32) *Router {
	if count == 0 {
		count = 1
	}
	return &Router{count: count}
}

func (r *Router) Count() uint32 { return r.count }

// ShardFor maps a pair to its shard. fnv-1a is stable across
// platforms and Go versions, which is all determinism requires.
func (r *Router) ShardFor(p order.Pair) ID {
	h := fnv.New32a()
	h.Write([]byte(p.Symbol()))
	return ID(h.Sum32() % r.count)
}

// Valid reports whether id addresses an existing shard.
func (r *Router) Valid(id ID) bool {
	return uint32(id) < r.count
}
