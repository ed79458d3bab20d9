package book

import (
	"meshdex/domain/order"
	"meshdex/shard"
)

// Entry is one open order as seen by a snapshot. Remaining is net of
// the node-local reserved amount, so matching never re-offers
// liquidity that is already committed to an in-flight settlement.
type Entry struct {
	Order     order.Order
	Remaining int64
	Status    order.Status
}

// Snapshot is a point-in-time, read-only copy of a shard's open
// orders. It is built under a short critical section and shares no
// memory with live book state; readers never block writers beyond
// construction.
type Snapshot struct {
	Shard   shard.ID
	TakenAt int64
	Orders  []Entry
}
