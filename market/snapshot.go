package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot represents a read-only, display-scaled view of the book.
type Snapshot struct {
	Asks      []Level // ascending by price
	Bids      []Level // descending by price
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	HasBid    bool
	HasAsk    bool
	BidLevels int
	AskLevels int
	UpdatedAt time.Time
}

// TwoSided 两侧都有报价时才计算价差。
func (s Snapshot) TwoSided() bool {
	return s.HasBid && s.HasAsk
}

// Crossed 买一 >= 卖一。只做识别，不修正盘口。
func (s Snapshot) Crossed() bool {
	return s.TwoSided() && s.BestBid.GreaterThanOrEqual(s.BestAsk)
}

// Spread 卖一 - 买一；任一侧为空时返回 0。
func (s Snapshot) Spread() decimal.Decimal {
	if !s.TwoSided() {
		return decimal.Zero
	}
	return s.BestAsk.Sub(s.BestBid)
}

// Mid 返回中间价；若缺失任一侧返回 0。
func (s Snapshot) Mid() decimal.Decimal {
	if !s.TwoSided() {
		return decimal.Zero
	}
	return s.BestAsk.Add(s.BestBid).Div(decimal.NewFromInt(2))
}
