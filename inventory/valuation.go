package inventory

import "github.com/shopspring/decimal"

// Valuation 基于当前 mid 价估值：返回净仓位、名义敞口与未实现盈亏。
func (t *Tracker) Valuation(mid decimal.Decimal) (net, notional, unrealized decimal.Decimal) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	net = t.net
	notional = t.net.Abs().Mul(mid)
	unrealized = mid.Sub(t.avgCost).Mul(t.net)
	return
}
