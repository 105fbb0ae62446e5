// Package sim 提供一个遵守网关契约的模拟交易所：可配置确认延迟、
// 部分成交、重复投递与拒单注入，供 sim 入口和集成测试使用。
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"funding-mm-go/gateway"
	"funding-mm-go/quote"
)

// Config 模拟网关行为。
type Config struct {
	AckLatency time.Duration // 下单/撤单到回报的延迟
	FillAfter  time.Duration // 确认后多久产生成交；0 表示不主动成交
	// RejectEvery 每第 N 张下单注入一次拒绝；0 关闭。
	RejectEvery int
	// SilentEvery 每第 N 张下单不回任何确认（模拟网关超时）；0 关闭。
	SilentEvery int
	// PartialFills 成交拆成两笔增量投递。
	PartialFills bool
	// DuplicateFills 每笔成交事件重复投递一次（at-least-once 语义）。
	DuplicateFills bool
	// EventBuffer 事件通道容量。
	EventBuffer int
}

type simOrder struct {
	clientID   string
	exchangeID string
	side       quote.Side
	price      decimal.Decimal
	size       decimal.Decimal
	filled     decimal.Decimal
	seq        uint64
	terminal   bool
	cancelled  bool
}

// Gateway 模拟网关。事件按单订单内顺序投递，不支持原子改单。
type Gateway struct {
	cfg Config

	mu       sync.Mutex
	orders   map[string]*simOrder // by clientID
	byExch   map[string]*simOrder
	placed   int
	exchSeq  int
	closed   bool
	events   chan gateway.Event
	timersWG sync.WaitGroup
}

// NewGateway 创建模拟网关。
func NewGateway(cfg Config) *Gateway {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Gateway{
		cfg:    cfg,
		orders: make(map[string]*simOrder),
		byExch: make(map[string]*simOrder),
		events: make(chan gateway.Event, cfg.EventBuffer),
	}
}

// Events 实现 gateway.Gateway。
func (g *Gateway) Events() <-chan gateway.Event {
	return g.events
}

// SupportsAmend 模拟所不支持原子改单，调用方应走撤销重挂。
func (g *Gateway) SupportsAmend() bool { return false }

// Amend 恒定失败。
func (g *Gateway) Amend(ctx context.Context, clientID, exchangeID string, price, size decimal.Decimal) error {
	return fmt.Errorf("sim: amend not supported")
}

// Place 受理下单并按配置异步回报。
func (g *Gateway) Place(ctx context.Context, spec gateway.OrderSpec) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return gateway.ErrGatewayClosed
	}
	g.placed++
	n := g.placed
	o := &simOrder{
		clientID: spec.ClientID,
		side:     spec.Side,
		price:    spec.Price,
		size:     spec.Size,
	}
	g.orders[spec.ClientID] = o
	silent := g.cfg.SilentEvery > 0 && n%g.cfg.SilentEvery == 0
	reject := !silent && g.cfg.RejectEvery > 0 && n%g.cfg.RejectEvery == 0
	g.mu.Unlock()

	if silent {
		return nil // 永不确认，调用方将按超时处理
	}
	if reject {
		g.after(g.cfg.AckLatency, func() {
			g.mu.Lock()
			o.terminal = true
			g.mu.Unlock()
			g.emit(gateway.Event{
				Kind: gateway.EventReject, ClientID: o.clientID,
				Reason: "sim: injected reject", Timestamp: time.Now(),
			})
		})
		return nil
	}

	g.after(g.cfg.AckLatency, func() {
		g.mu.Lock()
		if o.terminal || o.cancelled {
			g.mu.Unlock()
			return
		}
		g.exchSeq++
		o.exchangeID = fmt.Sprintf("sim-%d", g.exchSeq)
		g.byExch[o.exchangeID] = o
		g.mu.Unlock()

		g.emit(gateway.Event{
			Kind: gateway.EventAck, ClientID: o.clientID, ExchangeID: o.exchangeID,
			Timestamp: time.Now(),
		})
		if g.cfg.FillAfter > 0 {
			g.after(g.cfg.FillAfter, func() { g.fill(o) })
		}
	})
	return nil
}

// Cancel 受理撤单。对已终态订单回 CancelReject，幂等无害。
func (g *Gateway) Cancel(ctx context.Context, clientID, exchangeID string) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return gateway.ErrGatewayClosed
	}
	o := g.orders[clientID]
	if o == nil && exchangeID != "" {
		o = g.byExch[exchangeID]
	}
	g.mu.Unlock()
	if o == nil {
		return fmt.Errorf("sim: unknown order %s", clientID)
	}

	g.after(g.cfg.AckLatency, func() {
		g.mu.Lock()
		if o.terminal {
			g.mu.Unlock()
			g.emit(gateway.Event{
				Kind: gateway.EventCancelReject, ClientID: o.clientID, ExchangeID: o.exchangeID,
				Reason: "sim: order already terminal", Timestamp: time.Now(),
			})
			return
		}
		o.cancelled = true
		o.terminal = true
		g.mu.Unlock()
		g.emit(gateway.Event{
			Kind: gateway.EventCancelAck, ClientID: o.clientID, ExchangeID: o.exchangeID,
			Timestamp: time.Now(),
		})
	})
	return nil
}

// fill 产出成交事件；可拆两笔、可重复投递。
func (g *Gateway) fill(o *simOrder) {
	g.mu.Lock()
	if o.terminal || o.cancelled {
		g.mu.Unlock()
		return
	}
	remaining := o.size.Sub(o.filled)
	if !remaining.IsPositive() {
		g.mu.Unlock()
		return
	}
	parts := []decimal.Decimal{remaining}
	if g.cfg.PartialFills {
		half := remaining.Div(decimal.NewFromInt(2))
		parts = []decimal.Decimal{half, remaining.Sub(half)}
	}
	type out struct {
		ev gateway.Event
	}
	var outs []out
	for _, p := range parts {
		if !p.IsPositive() {
			continue
		}
		o.seq++
		o.filled = o.filled.Add(p)
		ev := gateway.Event{
			Kind: gateway.EventFill, ClientID: o.clientID, ExchangeID: o.exchangeID,
			Seq: o.seq, FillSize: p, FillPrice: o.price, Timestamp: time.Now(),
		}
		outs = append(outs, out{ev: ev})
		if g.cfg.DuplicateFills {
			outs = append(outs, out{ev: ev}) // 同序号原样重发
		}
	}
	if !o.size.Sub(o.filled).IsPositive() {
		o.terminal = true
	}
	g.mu.Unlock()

	for _, x := range outs {
		g.emit(x.ev)
	}
}

func (g *Gateway) after(d time.Duration, fn func()) {
	g.timersWG.Add(1)
	if d <= 0 {
		// 零延迟仍保持异步语义。
		go func() {
			defer g.timersWG.Done()
			fn()
		}()
		return
	}
	time.AfterFunc(d, func() {
		defer g.timersWG.Done()
		fn()
	})
}

func (g *Gateway) emit(ev gateway.Event) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return
	}
	select {
	case g.events <- ev:
	default:
		// 测试网关：事件缓冲打满直接丢弃，不阻塞定时器协程。
	}
}

// Close 停止受理新请求并等待在途回报结束。
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.timersWG.Wait()
}
