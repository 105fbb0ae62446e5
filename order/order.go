package order

import (
	"time"

	"github.com/shopspring/decimal"

	"funding-mm-go/quote"
)

// State 订单生命周期状态。
type State string

const (
	// StatePending 已发送、未确认。
	StatePending State = "PENDING"
	// StateLive 已确认、挂在盘口。
	StateLive State = "LIVE"
	// StatePartiallyFilled 已确认且有部分成交。
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	// StateFilled 全部成交（交易所终态）。
	StateFilled State = "FILLED"
	// StateCancelled 已撤销（交易所终态）。
	StateCancelled State = "CANCELLED"
	// StateRejected 被拒绝（交易所终态）。
	StateRejected State = "REJECTED"
	// StateAbandoned 本地终态：确认超时后放弃。区别于交易所终态，
	// 迟到的确认仍可把它拉回 Live 并立即补发撤单。
	StateAbandoned State = "ABANDONED"
)

// Order 订单。身份 = 创建时分配且终生不变的 ClientID，
// 加上确认时由交易所分配的 ExchangeID。
// 仅订单生命周期管理器可变更它；其他组件只拿到只读副本。
type Order struct {
	ClientID   string
	ExchangeID string
	MarketID   string
	Side       quote.Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	FilledSize decimal.Decimal
	Level      int
	Generation uint64
	State      State
	ReduceOnly bool
	LastError  string

	// LastSeq 已应用的网关事件序号（单订单内单调），
	// 重复投递按该水位线幂等丢弃。
	LastSeq uint64

	SubmittedAt time.Time

	// cancelRequested 已发出撤单意图，避免重复撤单。
	cancelRequested bool
}

// Active 是否仍可能产生成交。
func (o *Order) Active() bool {
	switch o.State {
	case StatePending, StateLive, StatePartiallyFilled:
		return true
	default:
		return false
	}
}

// Remaining 剩余未成交数量。
func (o *Order) Remaining() decimal.Decimal {
	return o.Size.Sub(o.FilledSize)
}
