package inventory

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Tracker 维护单市场的带符号净仓位与加权平均成本。
// 仅由订单生命周期管理器在成交落地时写入。
type Tracker struct {
	mu       sync.RWMutex
	net      decimal.Decimal
	avgCost  decimal.Decimal
	realized decimal.Decimal
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Apply 按一笔成交调整仓位。deltaQty 正为买入、负为卖出。
// 返回该笔成交实现的盈亏增量（减仓部分按均价结算，加仓部分为零）。
func (t *Tracker) Apply(deltaQty, price decimal.Decimal) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	realizedDelta := decimal.Zero
	if !t.net.IsZero() && t.net.Sign() != deltaQty.Sign() {
		// 减仓（或反向开仓）：先对冲既有仓位。
		closing := deltaQty.Abs()
		if closing.GreaterThan(t.net.Abs()) {
			closing = t.net.Abs()
		}
		// 多头减仓盈亏 = (卖价-均价)*量；空头相反。
		diff := price.Sub(t.avgCost)
		if t.net.IsNegative() {
			diff = diff.Neg()
		}
		realizedDelta = diff.Mul(closing)
		t.realized = t.realized.Add(realizedDelta)
	}

	newNet := t.net.Add(deltaQty)
	switch {
	case newNet.IsZero():
		t.avgCost = decimal.Zero
	case t.net.IsZero() || t.net.Sign() != newNet.Sign():
		// 开新仓或翻向：成本重置为本次成交价。
		t.avgCost = price
	case t.net.Sign() == deltaQty.Sign():
		// 同向加仓：加权平均成本。
		total := t.avgCost.Mul(t.net.Abs()).Add(price.Mul(deltaQty.Abs()))
		t.avgCost = total.Div(newNet.Abs())
	}
	t.net = newNet
	return realizedDelta
}

// NetExposure 返回带符号净仓位。
func (t *Tracker) NetExposure() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.net
}

// AvgCost 返回当前持仓均价。
func (t *Tracker) AvgCost() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.avgCost
}

// RealizedPnL 返回会话累计已实现盈亏。
func (t *Tracker) RealizedPnL() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.realized
}
