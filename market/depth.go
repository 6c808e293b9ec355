package market

import "github.com/shopspring/decimal"

// ScaleExponent feed 中价格/数量均为放大 10^18 的整数。
const ScaleExponent = 18

// DepthSide 标识盘口方向。
type DepthSide int

const (
	DepthSideBid DepthSide = iota
	DepthSideAsk
)

func (s DepthSide) String() string {
	if s == DepthSideAsk {
		return "ask"
	}
	return "bid"
}

// Level 单个价位（原始整数刻度）。
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Delta 一批增量更新；每个价位给出的是新的绝对数量，0 表示删除。
type Delta struct {
	Bids []Level
	Asks []Level
}

// Empty 两侧都没有变更。
func (d Delta) Empty() bool {
	return len(d.Bids) == 0 && len(d.Asks) == 0
}

// ToDisplay 把原始整数刻度转换为展示刻度（除以 10^18）。
func ToDisplay(raw decimal.Decimal) decimal.Decimal {
	return raw.Shift(-ScaleExponent)
}
