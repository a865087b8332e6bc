package orderbook

import (
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/lemonstand/market-engine/internal/model"
)

// bookEntry is a single order resting on the book. Seq is the insertion
// sequence and gives strict time priority even for equal timestamps.
type bookEntry struct {
	Price   decimal.Decimal
	Seq     uint64
	OrderID string
	Order   *model.Order
}

// bidLess orders the buy queue: price descending, then insertion order.
// Min() is the best bid.
func bidLess(a, b bookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	return a.Seq < b.Seq
}

// askLess orders the sell queue: price ascending, then insertion order.
// Min() is the best ask.
func askLess(a, b bookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	return a.Seq < b.Seq
}

// Book holds both queues for one company. The mutex is held for a whole
// submission (insert + match to fixpoint), so orders for a company resolve
// one at a time.
type Book struct {
	companyID string
	mu        sync.Mutex
	bids      *btree.BTreeG[bookEntry]
	asks      *btree.BTreeG[bookEntry]
	index     map[string]bookEntry // order id → entry
	seq       uint64
	lastTrade *model.Trade
	mm        *marketMaker
}

func newBook(companyID string, mm *marketMaker) *Book {
	const degree = 32
	return &Book{
		companyID: companyID,
		bids:      btree.NewG[bookEntry](degree, bidLess),
		asks:      btree.NewG[bookEntry](degree, askLess),
		index:     make(map[string]bookEntry),
		mm:        mm,
	}
}

func (b *Book) insert(o *model.Order) {
	b.seq++
	e := bookEntry{Price: o.Price, Seq: b.seq, OrderID: o.ID, Order: o}
	if o.Side == model.SideBuy {
		b.bids.ReplaceOrInsert(e)
	} else {
		b.asks.ReplaceOrInsert(e)
	}
	b.index[o.ID] = e
}

// remove deletes an order by id; false if it is not resting.
func (b *Book) remove(orderID string) (*model.Order, bool) {
	e, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	delete(b.index, orderID)
	if e.Order.Side == model.SideBuy {
		b.bids.Delete(e)
	} else {
		b.asks.Delete(e)
	}
	return e.Order, true
}

func (b *Book) bestBid() (bookEntry, bool) { return b.bids.Min() }
func (b *Book) bestAsk() (bookEntry, bool) { return b.asks.Min() }

func (b *Book) tree(side model.Side) *btree.BTreeG[bookEntry] {
	if side == model.SideBuy {
		return b.bids
	}
	return b.asks
}

// restingShares sums remaining shares on one side, optionally limited to
// one participant, optionally excluding one participant.
func (b *Book) restingShares(side model.Side, only, exclude string) int64 {
	var total int64
	b.tree(side).Ascend(func(e bookEntry) bool {
		pid := e.Order.ParticipantID
		if (only == "" || pid == only) && (exclude == "" || pid != exclude) {
			total += e.Order.Remaining
		}
		return true
	})
	return total
}

// levels aggregates at most n price levels from one side in priority order.
func (b *Book) levels(side model.Side, n int) []model.PriceLevel {
	levels := make([]model.PriceLevel, 0, n)
	if n <= 0 {
		return levels
	}
	b.tree(side).Ascend(func(e bookEntry) bool {
		if last := len(levels) - 1; last >= 0 && levels[last].Price.Equal(e.Price) {
			levels[last].Shares += e.Order.Remaining
			levels[last].OrderCount++
			return true
		}
		if len(levels) >= n {
			return false
		}
		levels = append(levels, model.PriceLevel{
			Price:      e.Price,
			Shares:     e.Order.Remaining,
			OrderCount: 1,
		})
		return true
	})
	return levels
}

// ordersOf returns copies of a participant's resting orders.
func (b *Book) ordersOf(participantID string) []model.Order {
	var out []model.Order
	collect := func(e bookEntry) bool {
		if e.Order.ParticipantID == participantID {
			out = append(out, *e.Order)
		}
		return true
	}
	b.bids.Ascend(collect)
	b.asks.Ascend(collect)
	return out
}
