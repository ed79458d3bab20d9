package gossip

import (
	"sync"

	"meshdex/domain/book"
	"meshdex/domain/order"
)

type queueKey struct {
	id     order.ID
	kind   book.OpKind
	origin order.NodeID
}

// peerQueue is a bounded outbound queue with coalescing: a newer
// delta for the same (order, op, origin) replaces the queued one.
// Fill totals and dot sets are monotone, so the latest value subsumes
// anything it replaced and convergence is unaffected. On overflow the
// oldest entry is dropped; anti-entropy digests repair the gap.
type peerQueue struct {
	mu     sync.Mutex
	limit  int
	items  map[queueKey]book.Delta
	fifo   []queueKey
	notify chan struct{}
}

func newPeerQueue(limit int) *peerQueue {
	return &peerQueue{
		limit:  limit,
		items:  make(map[queueKey]book.Delta),
		notify: make(chan struct{}, 1),
	}
}

// push queues one delta, reporting whether the oldest entry had to be
// evicted to make room.
func (q *peerQueue) push(d book.Delta) bool {
	key := queueKey{id: d.OrderID, kind: d.Kind, origin: d.Origin}

	evicted := false
	q.mu.Lock()
	if _, ok := q.items[key]; ok {
		q.items[key] = d // coalesce
	} else {
		if len(q.fifo) >= q.limit {
			oldest := q.fifo[0]
			q.fifo = q.fifo[1:]
			delete(q.items, oldest)
			evicted = true
		}
		q.items[key] = d
		q.fifo = append(q.fifo, key)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// drain pops up to max queued deltas in arrival order.
func (q *peerQueue) drain(max int) []book.Delta {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.fifo)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	out := make([]book.Delta, 0, n)
	for _, key := range q.fifo[:n] {
		out = append(out, q.items[key])
		delete(q.items, key)
	}
	q.fifo = q.fifo[n:]
	return out
}
