package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingUpdate 资金费率推送载荷。
type FundingUpdate struct {
	MarketID    string
	FundingRate decimal.Decimal
	Timestamp   time.Time
}

// FundingRouter 将外部资金费率流按市场分发到对应 State。
// 未知市场的更新被忽略；时间戳单调性由各 State 自行裁决。
type FundingRouter struct {
	states map[string]*State
}

func NewFundingRouter(states map[string]*State) *FundingRouter {
	return &FundingRouter{states: states}
}

// Dispatch 投递一条资金费率更新，返回是否被目标市场采纳。
func (r *FundingRouter) Dispatch(u FundingUpdate) bool {
	st, ok := r.states[u.MarketID]
	if !ok {
		return false
	}
	return st.ApplyFunding(u.FundingRate, u.Timestamp)
}
