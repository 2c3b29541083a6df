// Package book maintains the per-market limit order book: open orders
// partitioned by outcome and side, sorted by price-time priority. The
// book only mutates its own indexes — all collateral and position
// effects are applied by the matching engine.
package book

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/pairmint/market-engine/internal/model"
)

// ErrOrderNotFound is returned when removing an order the book does not hold.
var ErrOrderNotFound = errors.New("book: order not found")

// Level is one price level: all resting orders at a price, FIFO by
// submission time.
type Level struct {
	Price  decimal.Decimal
	orders []*model.Order
}

// Quantity is the total remaining quantity at this level.
func (l *Level) Quantity() int64 {
	var total int64
	for _, o := range l.orders {
		total += o.Remaining()
	}
	return total
}

// priceKey formats a price for the level index. Prices sit on the
// 0.01–0.99 tick grid, so the fixed-width form sorts lexicographically
// the same as numerically.
func priceKey(p decimal.Decimal) string {
	return p.StringFixed(2)
}

// queue holds the levels for one (outcome, side) in a B-tree map keyed
// by price. Buys take their best from the high end, sells from the low.
type queue struct {
	levels *btree.Map[string, *Level]
}

func newQueue() *queue {
	return &queue{levels: btree.NewMap[string, *Level](32)}
}

func (q *queue) insert(o *model.Order) {
	key := priceKey(o.Price)
	lvl, ok := q.levels.Get(key)
	if !ok {
		lvl = &Level{Price: o.Price}
		q.levels.Set(key, lvl)
	}
	lvl.orders = append(lvl.orders, o)
}

func (q *queue) remove(o *model.Order) bool {
	key := priceKey(o.Price)
	lvl, ok := q.levels.Get(key)
	if !ok {
		return false
	}
	for i, rest := range lvl.orders {
		if rest.ID != o.ID {
			continue
		}
		lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
		if len(lvl.orders) == 0 {
			q.levels.Delete(key)
		}
		return true
	}
	return false
}

// head returns the FIFO-first order at the best price, or nil. For buy
// queues best is the highest price, for sell queues the lowest.
func (q *queue) head(buy bool) *model.Order {
	var best *model.Order
	take := func(_ string, lvl *Level) bool {
		best = lvl.orders[0]
		return false
	}
	if buy {
		q.levels.Reverse(take)
	} else {
		q.levels.Scan(take)
	}
	return best
}

type sideKey struct {
	outcome model.Outcome
	side    model.Side
}

// Book is the order book for a single market. Not safe for concurrent
// use; the matching engine serializes access per market.
type Book struct {
	MarketID string
	queues   map[sideKey]*queue
	byID     map[string]*model.Order
}

// New creates an empty book for a market.
func New(marketID string) *Book {
	b := &Book{
		MarketID: marketID,
		queues:   make(map[sideKey]*queue, 4),
		byID:     make(map[string]*model.Order),
	}
	for _, outcome := range []model.Outcome{model.OutcomeYes, model.OutcomeNo} {
		for _, side := range []model.Side{model.SideBuy, model.SideSell} {
			b.queues[sideKey{outcome, side}] = newQueue()
		}
	}
	return b
}

// Insert adds a resting order. Orders must be inserted in submission
// order for time priority to hold.
func (b *Book) Insert(o *model.Order) {
	b.queues[sideKey{o.Outcome, o.Side}].insert(o)
	b.byID[o.ID] = o
}

// Remove takes an order out of the book.
func (b *Book) Remove(orderID string) (*model.Order, error) {
	o, ok := b.byID[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	b.queues[sideKey{o.Outcome, o.Side}].remove(o)
	delete(b.byID, orderID)
	return o, nil
}

// Get returns the resting order with the given id, or nil.
func (b *Book) Get(orderID string) *model.Order {
	return b.byID[orderID]
}

// BestBuy returns the highest-priced resting buy for an outcome, FIFO
// within the level, or nil.
func (b *Book) BestBuy(outcome model.Outcome) *model.Order {
	return b.queues[sideKey{outcome, model.SideBuy}].head(true)
}

// BestSell returns the lowest-priced resting sell for an outcome, or nil.
func (b *Book) BestSell(outcome model.Outcome) *model.Order {
	return b.queues[sideKey{outcome, model.SideSell}].head(false)
}

// DepthLevel is one aggregated price level in a book snapshot.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth returns aggregated levels for one (outcome, side), best first.
func (b *Book) Depth(outcome model.Outcome, side model.Side) []DepthLevel {
	q := b.queues[sideKey{outcome, side}]
	out := make([]DepthLevel, 0, q.levels.Len())
	visit := func(_ string, lvl *Level) bool {
		out = append(out, DepthLevel{Price: lvl.Price, Quantity: lvl.Quantity(), Orders: len(lvl.orders)})
		return true
	}
	if side == model.SideBuy {
		q.levels.Reverse(visit)
	} else {
		q.levels.Scan(visit)
	}
	return out
}

// OpenSellQuantity is the total remaining quantity a user has committed
// to resting sell orders for one outcome. Used to stop a user selling
// the same shares twice.
func (b *Book) OpenSellQuantity(userID string, outcome model.Outcome) int64 {
	var total int64
	q := b.queues[sideKey{outcome, model.SideSell}]
	q.levels.Scan(func(_ string, lvl *Level) bool {
		for _, o := range lvl.orders {
			if o.UserID == userID {
				total += o.Remaining()
			}
		}
		return true
	})
	return total
}

// Orders returns every resting order, no particular priority order.
func (b *Book) Orders() []*model.Order {
	out := make([]*model.Order, 0, len(b.byID))
	for _, o := range b.byID {
		out = append(out, o)
	}
	return out
}

// Size is the number of resting orders.
func (b *Book) Size() int {
	return len(b.byID)
}
