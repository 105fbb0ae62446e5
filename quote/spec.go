package quote

import "github.com/shopspring/decimal"

// Side 报价方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回对侧方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Spec 是一条不可变的目标报价：方向、价格、数量，以及产生它的
// 控制循环代次。代次单调递增，生命周期管理器据此丢弃被新 tick
// 取代的陈旧意图。
type Spec struct {
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Level      int // 档位序号，0 为最内档
	Generation uint64
}

// Reduces 判断该报价成交后是否会降低给定持仓的绝对值。
func (q Spec) Reduces(inventory decimal.Decimal) bool {
	switch {
	case inventory.IsPositive():
		return q.Side == SideSell
	case inventory.IsNegative():
		return q.Side == SideBuy
	default:
		return false
	}
}
