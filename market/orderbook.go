package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// bookSide 单侧价位表及其缓存的最优价。
type bookSide struct {
	levels  map[string]Level // canonical price -> level
	best    decimal.Decimal
	hasBest bool
}

func newBookSide() bookSide {
	return bookSide{levels: make(map[string]Level)}
}

// apply 写入一侧的增量，然后一次性全量扫描重算最优价。
// 中途 panic 时先按已写入的价位重算最优价再继续抛出，价位表与缓存最优价始终一致。
func (s *bookSide) apply(updates []Level, better func(a, b decimal.Decimal) bool) {
	defer func() {
		if r := recover(); r != nil {
			s.recomputeBest(better)
			panic(r)
		}
	}()
	for _, lv := range updates {
		key := lv.Price.String()
		if lv.Quantity.IsZero() {
			delete(s.levels, key)
			continue
		}
		s.levels[key] = lv
	}
	s.recomputeBest(better)
}

func (s *bookSide) recomputeBest(better func(a, b decimal.Decimal) bool) {
	s.hasBest = false
	s.best = decimal.Zero
	for _, lv := range s.levels {
		if !s.hasBest || better(lv.Price, s.best) {
			s.best = lv.Price
			s.hasBest = true
		}
	}
}

// top 返回最靠近对手方的 depth 个价位，按 better 排序。
func (s *bookSide) top(depth int, better func(a, b decimal.Decimal) bool) []Level {
	if depth <= 0 || len(s.levels) == 0 {
		return []Level{}
	}
	out := make([]Level, 0, len(s.levels))
	for _, lv := range s.levels {
		out = append(out, lv)
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i].Price, out[j].Price) })
	if len(out) > depth {
		out = out[:depth]
	}
	return out
}

func higher(a, b decimal.Decimal) bool { return a.GreaterThan(b) }
func lower(a, b decimal.Decimal) bool  { return a.LessThan(b) }

// OrderBook 维护价格->数量映射（价位聚合），并缓存买一/卖一。
// 读写由同一把 RWMutex 保护，Apply 对读者整体可见。
type OrderBook struct {
	mu          sync.RWMutex
	bids        bookSide
	asks        bookSide
	lastApplied time.Time
	now         func() time.Time
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids: newBookSide(),
		asks: newBookSide(),
		now:  time.Now,
	}
}

// Apply 应用增量更新，qty 为 0 表示删除该档。
// 没有变更的一侧（包括其缓存最优价）保持不动。
func (ob *OrderBook) Apply(delta Delta) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if len(delta.Asks) > 0 {
		ob.asks.apply(delta.Asks, lower)
	}
	if len(delta.Bids) > 0 {
		ob.bids.apply(delta.Bids, higher)
	}
	if !delta.Empty() {
		ob.lastApplied = ob.now()
	}
}

// BestBid 返回买一（原始刻度）；买盘为空时 ok=false。
func (ob *OrderBook) BestBid() (price decimal.Decimal, ok bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bids.best, ob.bids.hasBest
}

// BestAsk 返回卖一（原始刻度）；卖盘为空时 ok=false。
func (ob *OrderBook) BestAsk() (price decimal.Decimal, ok bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.asks.best, ob.asks.hasBest
}

// Len 返回两侧价位数量。
func (ob *OrderBook) Len() (bids, asks int) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.bids.levels), len(ob.asks.levels)
}

// Snapshot 返回展示刻度的只读快照：卖盘价格升序、买盘价格降序，各最多 depth 档。
func (ob *OrderBook) Snapshot(depth int) Snapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	snap := Snapshot{
		Asks:      toDisplayLevels(ob.asks.top(depth, lower)),
		Bids:      toDisplayLevels(ob.bids.top(depth, higher)),
		HasBid:    ob.bids.hasBest,
		HasAsk:    ob.asks.hasBest,
		BidLevels: len(ob.bids.levels),
		AskLevels: len(ob.asks.levels),
		UpdatedAt: ob.lastApplied,
	}
	if snap.HasBid {
		snap.BestBid = ToDisplay(ob.bids.best)
	}
	if snap.HasAsk {
		snap.BestAsk = ToDisplay(ob.asks.best)
	}
	return snap
}

func toDisplayLevels(raw []Level) []Level {
	for i := range raw {
		raw[i] = Level{Price: ToDisplay(raw[i].Price), Quantity: ToDisplay(raw[i].Quantity)}
	}
	return raw
}
