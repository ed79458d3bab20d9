// Package match finds crossing orders on an immutable book snapshot.
// Matching is a pure function of the snapshot: independent nodes
// holding the same snapshot compute the same candidate sequence, so
// counterparties agree on amount and price without communicating.
package match

import (
	"go.uber.org/zap"

	"github.com/google/btree"

	"meshdex/domain/book"
	"meshdex/domain/order"
)

// Candidate is a detected crossing pair. Ephemeral: it lives between
// detection and hand-off to settlement and is never replicated.
type Candidate struct {
	BuyOrder   order.ID
	SellOrder  order.ID
	BuyOwner   order.NodeID
	SellOwner  order.NodeID
	Pair       order.Pair
	Amount     int64
	Price      int64
	// Maker is the resting side whose price the candidate carries.
	Maker      order.ID
	DetectedAt int64
}

type Engine struct {
	log *zap.Logger
}

func NewEngine(log *zap.Logger) *Engine {
	return &Engine{log: log.Named("match")}
}

// working is a mutable scan-local view of one snapshot entry.
type working struct {
	e         book.Entry
	remaining int64
}

// Priority: price, then time, then lexical order ID. The ID tie-break
// makes the scan fully deterministic even for equal timestamps.
func earlier(a, b *working) bool {
	if a.e.Order.CreatedAt != b.e.Order.CreatedAt {
		return a.e.Order.CreatedAt < b.e.Order.CreatedAt
	}
	return a.e.Order.ID < b.e.Order.ID
}

func buyLess(a, b *working) bool {
	if a.e.Order.Price != b.e.Order.Price {
		return a.e.Order.Price > b.e.Order.Price
	}
	return earlier(a, b)
}

func sellLess(a, b *working) bool {
	if a.e.Order.Price != b.e.Order.Price {
		return a.e.Order.Price < b.e.Order.Price
	}
	return earlier(a, b)
}

// FindMatches scans one shard snapshot and returns match candidates
// in deterministic order. The snapshot is not mutated; re-running on
// the same snapshot yields the same result. Fills are only committed
// to the book by the settlement coordinator after the swap succeeds.
func (en *Engine) FindMatches(snap *book.Snapshot) []Candidate {
	buys := btree.NewG(8, buyLess)
	sells := btree.NewG(8, sellLess)

	for _, e := range snap.Orders {
		if e.Remaining <= 0 || e.Order.Expired(snap.TakenAt) {
			continue
		}
		w := &working{e: e, remaining: e.Remaining}
		if e.Order.Side == order.Buy {
			buys.ReplaceOrInsert(w)
		} else {
			sells.ReplaceOrInsert(w)
		}
	}

	var out []Candidate
	for {
		buy, okB := buys.Min()
		sell, okS := sells.Min()
		if !okB || !okS {
			break
		}
		if buy.e.Order.Price < sell.e.Order.Price {
			break
		}

		// The resting order arrived first; price improvement favors
		// the taker.
		resting := buy
		if earlier(sell, buy) {
			resting = sell
		}
		amount := buy.remaining
		if sell.remaining < amount {
			amount = sell.remaining
		}

		if !fillAcceptable(buy, amount) || !fillAcceptable(sell, amount) {
			// Dust pair: drop the smaller-remaining side from the scan
			// (deterministically, the sell on a tie) and keep going.
			if buy.remaining < sell.remaining {
				buys.DeleteMin()
			} else {
				sells.DeleteMin()
			}
			continue
		}

		out = append(out, Candidate{
			BuyOrder:   buy.e.Order.ID,
			SellOrder:  sell.e.Order.ID,
			BuyOwner:   buy.e.Order.Owner,
			SellOwner:  sell.e.Order.Owner,
			Pair:       buy.e.Order.Pair,
			Amount:     amount,
			Price:      resting.e.Order.Price,
			Maker:      resting.e.Order.ID,
			DetectedAt: snap.TakenAt,
		})

		buy.remaining -= amount
		sell.remaining -= amount
		if buy.remaining == 0 {
			buys.DeleteMin()
		}
		if sell.remaining == 0 {
			sells.DeleteMin()
		}
	}

	if len(out) > 0 && en.log.Core().Enabled(zap.DebugLevel) {
		en.log.Debug("matching sweep",
			zap.Uint32("shard", uint32(snap.Shard)),
			zap.Int("candidates", len(out)))
	}
	return out
}

// fillAcceptable: a fill must either complete the side or meet its
// minimum partial-fill amount.
func fillAcceptable(w *working, amount int64) bool {
	return amount == w.remaining || amount >= w.e.Order.MinFill
}
