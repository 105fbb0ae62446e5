// Package gateway 定义交易所网关契约：下单/撤单请求为异步提交，
// 结果（确认/拒绝/成交）通过事件流回送。契约要求 at-least-once、
// 单订单内按序投递；跨订单之间不保证顺序。
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"funding-mm-go/quote"
)

// EventKind 网关事件类型。
type EventKind int

const (
	// EventAck 下单确认，携带交易所订单号。
	EventAck EventKind = iota
	// EventReject 下单拒绝。
	EventReject
	// EventCancelAck 撤单确认。
	EventCancelAck
	// EventCancelReject 撤单拒绝（如订单已终态）。
	EventCancelReject
	// EventFill 成交（可能为部分成交）。
	EventFill
)

func (k EventKind) String() string {
	switch k {
	case EventAck:
		return "ACK"
	case EventReject:
		return "REJECT"
	case EventCancelAck:
		return "CANCEL_ACK"
	case EventCancelReject:
		return "CANCEL_REJECT"
	case EventFill:
		return "FILL"
	default:
		return "UNKNOWN"
	}
}

// Event 网关回报。Seq 为单订单内单调递增序号（从 1 起），
// 成交事件必须携带，重复投递依靠它做幂等去重；
// 零序号的成交视为契约违规，消费方直接丢弃。
type Event struct {
	Kind       EventKind
	ClientID   string
	ExchangeID string
	Seq        uint64
	FillSize   decimal.Decimal // 本次成交增量
	FillPrice  decimal.Decimal
	Reason     string
	Timestamp  time.Time
}

// OrderSpec 下单请求。
type OrderSpec struct {
	ClientID   string
	MarketID   string
	Side       quote.Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	ReduceOnly bool
}

// ErrGatewayClosed 网关已关闭。
var ErrGatewayClosed = errors.New("gateway: closed")

// Gateway 由交易所适配器实现。Place/Cancel 只负责把意图递交出去，
// 成败经 Events 异步回报；Amend 仅在 SupportsAmend 为真时可用，
// 否则调用方走撤销重挂路径。
type Gateway interface {
	Place(ctx context.Context, spec OrderSpec) error
	Cancel(ctx context.Context, clientID, exchangeID string) error
	Amend(ctx context.Context, clientID, exchangeID string, price, size decimal.Decimal) error
	SupportsAmend() bool
	Events() <-chan Event
}
