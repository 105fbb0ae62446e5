package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-mm-go/gateway"
	"funding-mm-go/inventory"
	"funding-mm-go/market"
	"funding-mm-go/metrics"
	"funding-mm-go/posttrade"
	"funding-mm-go/quote"
	"funding-mm-go/risk"
)

// PerfSink 绩效事件出口；核心对它只做非阻塞投递。
type PerfSink interface {
	Record(ev posttrade.FillEvent)
}

// levelKey 目标报价与挂单按 方向+档位 对齐。
type levelKey struct {
	Side  quote.Side
	Level int
}

// Config 生命周期管理器配置。
type Config struct {
	MarketID string
	TickSize decimal.Decimal
	// ToleranceTicks 容忍带：挂单价偏离目标不超过 N 个 tick 时不撤换，
	// 避免亚 tick 噪声导致的无谓撤单。
	ToleranceTicks int64
	// AckTimeout 下单后超过该时长未收到确认则本地放弃并按拒单计数。
	AckTimeout time.Duration
	// TerminalRetention 终态订单在索引中的保留时长，窗口内仍可解析
	// 迟到/重复回报；超期清出，防止长会话下索引无界增长。
	TerminalRetention time.Duration
}

// Manager 订单生命周期管理器：协调「想挂什么」与「实际挂着什么」。
// 独占订单集与持仓的写权；风控与报价引擎只读快照。
type Manager struct {
	cfg     Config
	gw      gateway.Gateway
	machine *Machine
	inv     *inventory.Tracker
	state   *market.State
	perf    PerfSink
	log     *zap.Logger
	met     *metrics.Set

	now func() time.Time

	mu         sync.Mutex
	byClient   map[string]*Order
	byExchange map[string]*Order
	live       map[levelKey]*Order // 每档当前意图订单
	retiring   map[string]*Order   // 已发撤单、等待终态
	pending    map[string]*Order   // 等待确认，超时扫描只看这里
	done       []doneRef           // 终态订单按进入时间排队等待清出
	consec     int                 // 连续拒单计数
	idSeq      uint64
}

// doneRef 终态订单的索引清理凭据。
type doneRef struct {
	clientID   string
	exchangeID string
	at         time.Time
}

// NewManager 创建生命周期管理器。perf、met 可为 nil。
func NewManager(cfg Config, gw gateway.Gateway, inv *inventory.Tracker, state *market.State, perf PerfSink, met *metrics.Set, log *zap.Logger) (*Manager, error) {
	if gw == nil {
		return nil, fmt.Errorf("order: gateway required")
	}
	if inv == nil || state == nil {
		return nil, fmt.Errorf("order: inventory and market state required")
	}
	if !cfg.TickSize.IsPositive() {
		return nil, fmt.Errorf("order: tickSize must be > 0")
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 3 * time.Second
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		gw:         gw,
		machine:    NewMachine(),
		inv:        inv,
		state:      state,
		perf:       perf,
		log:        log,
		met:        met,
		now:        time.Now,
		byClient:   make(map[string]*Order),
		byExchange: make(map[string]*Order),
		live:       make(map[levelKey]*Order),
		retiring:   make(map[string]*Order),
		pending:    make(map[string]*Order),
	}, nil
}

// 网关调用延迟到解锁后执行，锁内只累积意图。
type action struct {
	kind       string // "place" | "cancel" | "amend"
	spec       gateway.OrderSpec
	clientID   string
	exchangeID string
	price      decimal.Decimal
	size       decimal.Decimal
}

// Sync 每 tick 一次：将风控放行后的目标报价集与当前挂单对账，
// 产出下/撤/改单意图。Halt 时不再新挂，仅撤光现有订单。
func (m *Manager) Sync(ctx context.Context, approved []quote.Spec, generation uint64, directive risk.Directive) {
	m.mu.Lock()
	var acts []action

	if directive == risk.Halt {
		acts = m.cancelAllLocked()
		m.mu.Unlock()
		m.issue(ctx, acts)
		return
	}
	reduceOnly := directive != risk.Continue

	targets := make(map[levelKey]quote.Spec, len(approved))
	for _, q := range approved {
		targets[levelKey{Side: q.Side, Level: q.Level}] = q
	}

	for key, spec := range targets {
		cur, ok := m.live[key]
		switch {
		case !ok:
			acts = append(acts, m.placeLocked(spec, reduceOnly))
		case m.withinTolerance(cur.Price, spec.Price) && cur.Active():
			// 容忍带内：当前代次重新确认这张挂单，保留在盘口。
			cur.Generation = spec.Generation
		case m.gw.SupportsAmend() && cur.ExchangeID != "" && cur.Active() && !cur.cancelRequested:
			cur.Price = spec.Price
			cur.Generation = spec.Generation
			acts = append(acts, action{
				kind: "amend", clientID: cur.ClientID, exchangeID: cur.ExchangeID,
				price: spec.Price, size: cur.Remaining(),
			})
		default:
			acts = append(acts, m.retireLocked(cur)...)
			acts = append(acts, m.placeLocked(spec, reduceOnly))
		}
	}

	// 被本代次确认过的订单 Generation == generation；其余一律属于
	// 被取代的旧意图，即使价格仍然吻合也无条件撤销，保证盘口上
	// 不残留过期 tick 的意图。
	for _, cur := range m.live {
		if cur.Generation == generation {
			continue
		}
		acts = append(acts, m.retireLocked(cur)...)
	}

	// 上一 tick 撤单失败的订单留在 retiring 且标记已清，这里重发。
	acts = append(acts, m.retryRetiringLocked()...)

	m.mu.Unlock()
	m.issue(ctx, acts)
}

// CheckTimeouts 将确认超时的 Pending 订单转入本地 ABANDONED 终态，
// 并按拒单计数（网关超时在计数口径上等同拒单）。每 tick 调用，
// 顺带清出超过保留期的终态订单索引。
func (m *Manager) CheckTimeouts() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)
	for _, o := range m.pending {
		if now.Sub(o.SubmittedAt) <= m.cfg.AckTimeout {
			continue
		}
		if err := m.transitionLocked(o, StateAbandoned); err != nil {
			continue
		}
		m.detachLocked(o)
		o.cancelRequested = false
		m.consec++
		m.met.IncReject()
		m.met.SetConsecutiveRejects(m.consec)
		m.log.Warn("place ack timeout, order abandoned",
			zap.String("client_id", o.ClientID),
			zap.String("side", string(o.Side)),
			zap.String("price", o.Price.String()))
	}
}

// HandleEvent 应用一条网关回报。同一订单的事件按网关投递顺序应用；
// 重复投递按订单内序号幂等丢弃。
func (m *Manager) HandleEvent(ctx context.Context, ev gateway.Event) {
	m.mu.Lock()
	o := m.resolveLocked(ev)
	if o == nil {
		m.mu.Unlock()
		m.log.Debug("event for unknown order",
			zap.String("kind", ev.Kind.String()),
			zap.String("client_id", ev.ClientID),
			zap.String("exchange_id", ev.ExchangeID))
		return
	}

	var acts []action
	switch ev.Kind {
	case gateway.EventAck:
		acts = m.applyAckLocked(o, ev)
	case gateway.EventReject:
		m.applyRejectLocked(o, ev)
	case gateway.EventCancelAck:
		m.applyCancelAckLocked(o)
	case gateway.EventCancelReject:
		// 对已终态订单的撤单被拒是预期内的幂等无害事件。
		m.log.Debug("cancel rejected", zap.String("client_id", o.ClientID), zap.String("reason", ev.Reason))
	case gateway.EventFill:
		m.applyFillLocked(o, ev)
	}
	m.mu.Unlock()
	m.issue(ctx, acts)
}

func (m *Manager) applyAckLocked(o *Order, ev gateway.Event) []action {
	switch o.State {
	case StateAbandoned:
		// 迟到确认：恢复为 Live 但绝不留它无人看管，立即补发撤单。
		// 超时已计过一次拒单，这里不再增减计数。
		if err := m.transitionLocked(o, StateLive); err != nil {
			return nil
		}
		o.ExchangeID = ev.ExchangeID
		m.byExchange[o.ExchangeID] = o
		o.cancelRequested = true
		m.retiring[o.ClientID] = o
		m.log.Warn("late ack after abandon, cancelling",
			zap.String("client_id", o.ClientID),
			zap.String("exchange_id", o.ExchangeID))
		return []action{{kind: "cancel", clientID: o.ClientID, exchangeID: o.ExchangeID}}
	case StatePending:
		if err := m.transitionLocked(o, StateLive); err != nil {
			return nil
		}
		o.ExchangeID = ev.ExchangeID
		m.byExchange[o.ExchangeID] = o
		m.consec = 0
		m.met.SetConsecutiveRejects(0)
	}
	// Live/Partial 上的重复确认：无操作。
	return nil
}

func (m *Manager) applyRejectLocked(o *Order, ev gateway.Event) {
	if m.machine.Terminal(o.State) {
		return
	}
	if err := m.transitionLocked(o, StateRejected); err != nil {
		return
	}
	o.LastError = ev.Reason
	m.detachLocked(o)
	m.consec++
	m.met.IncReject()
	m.met.SetConsecutiveRejects(m.consec)
	m.log.Warn("order rejected",
		zap.String("client_id", o.ClientID),
		zap.String("reason", ev.Reason),
		zap.Int("consecutive_rejects", m.consec))
}

func (m *Manager) applyCancelAckLocked(o *Order) {
	// 撤单与成交竞态：已 FILLED 的订单收到迟到的撤单确认，
	// 成交转换胜出，这里按幂等丢弃。ABANDONED 同理保持本地终态。
	if m.machine.Terminal(o.State) {
		return
	}
	if err := m.transitionLocked(o, StateCancelled); err != nil {
		return
	}
	m.detachLocked(o)
}

func (m *Manager) applyFillLocked(o *Order, ev gateway.Event) {
	// Seq 为成交事件必填：零值无法参与水位线去重，按契约违规丢弃，
	// 否则 at-least-once 投递下重复成交会被二次入账。
	if ev.Seq == 0 {
		m.log.Warn("fill without sequence dropped",
			zap.String("client_id", o.ClientID),
			zap.String("fill_size", ev.FillSize.String()))
		return
	}
	// 单订单序号水位线：重复（或乱序重放的旧）成交按无操作丢弃。
	if ev.Seq <= o.LastSeq {
		return
	}
	if m.machine.ExchangeTerminal(o.State) {
		return
	}
	delta := ev.FillSize
	if remaining := o.Remaining(); delta.GreaterThan(remaining) {
		delta = remaining
	}
	if !delta.IsPositive() {
		return
	}
	o.LastSeq = ev.Seq
	o.FilledSize = o.FilledSize.Add(delta)

	signed := delta
	if o.Side == quote.SideSell {
		signed = delta.Neg()
	}
	realized := m.inv.Apply(signed, ev.FillPrice)

	// 持仓绝不滞后于已确认成交：立即写回市场状态，
	// 下一 tick 的风控决策依赖它。
	mark := ev.FillPrice
	if snap := m.state.Snapshot(); snap.HasBook {
		mark = snap.MidPrice
	}
	net, notional, _ := m.inv.Valuation(mark)
	m.state.SetInventory(net, notional)

	m.met.IncFill()
	m.met.SetInventory(net.InexactFloat64())

	if m.perf != nil {
		m.perf.Record(posttrade.FillEvent{
			MarketID:      o.MarketID,
			Side:          o.Side,
			Price:         ev.FillPrice,
			Size:          delta,
			RealizedDelta: realized,
			Timestamp:     ev.Timestamp,
		})
	}

	if !o.Remaining().IsPositive() {
		if err := m.transitionLocked(o, StateFilled); err == nil {
			m.detachLocked(o)
		}
		return
	}
	_ = m.transitionLocked(o, StatePartiallyFilled)
}

// CancelAll 撤销全部在途订单；对已终态订单重复撤单是无操作。
func (m *Manager) CancelAll(ctx context.Context) {
	m.mu.Lock()
	acts := m.cancelAllLocked()
	m.mu.Unlock()
	m.issue(ctx, acts)
}

// ConsecutiveRejects 返回当前连续拒单计数，供风控 Halt 判定。
func (m *Manager) ConsecutiveRejects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consec
}

// ActiveOrders 返回全部在途订单的只读副本。
func (m *Manager) ActiveOrders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Order, 0, len(m.live)+len(m.retiring))
	for _, o := range m.live {
		res = append(res, *o)
	}
	for _, o := range m.retiring {
		res = append(res, *o)
	}
	return res
}

// Lookup 按 ClientID 返回订单副本。
func (m *Manager) Lookup(clientID string) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byClient[clientID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// --- 内部 ---

func (m *Manager) resolveLocked(ev gateway.Event) *Order {
	if ev.ClientID != "" {
		if o, ok := m.byClient[ev.ClientID]; ok {
			return o
		}
	}
	if ev.ExchangeID != "" {
		if o, ok := m.byExchange[ev.ExchangeID]; ok {
			return o
		}
	}
	return nil
}

func (m *Manager) placeLocked(spec quote.Spec, reduceOnly bool) action {
	m.idSeq++
	o := &Order{
		ClientID:    fmt.Sprintf("%s-%d-%d", m.cfg.MarketID, spec.Generation, m.idSeq),
		MarketID:    m.cfg.MarketID,
		Side:        spec.Side,
		Price:       spec.Price,
		Size:        spec.Size,
		Level:       spec.Level,
		Generation:  spec.Generation,
		State:       StatePending,
		ReduceOnly:  reduceOnly,
		SubmittedAt: m.now(),
	}
	m.byClient[o.ClientID] = o
	m.pending[o.ClientID] = o
	m.live[levelKey{Side: o.Side, Level: o.Level}] = o
	return action{kind: "place", clientID: o.ClientID, spec: gateway.OrderSpec{
		ClientID:   o.ClientID,
		MarketID:   o.MarketID,
		Side:       o.Side,
		Price:      o.Price,
		Size:       o.Size,
		ReduceOnly: reduceOnly,
	}}
}

// withinTolerance 判断挂单价与目标价的偏离是否在容忍带内。
func (m *Manager) withinTolerance(cur, target decimal.Decimal) bool {
	band := m.cfg.TickSize.Mul(decimal.NewFromInt(m.cfg.ToleranceTicks))
	return !cur.Sub(target).Abs().GreaterThan(band)
}

// retireLocked 把订单移出意图集并产出撤单动作；重复撤销无操作。
func (m *Manager) retireLocked(o *Order) []action {
	key := levelKey{Side: o.Side, Level: o.Level}
	if m.live[key] == o {
		delete(m.live, key)
	}
	if o.cancelRequested || m.machine.Terminal(o.State) {
		return nil
	}
	o.cancelRequested = true
	m.retiring[o.ClientID] = o
	return []action{{kind: "cancel", clientID: o.ClientID, exchangeID: o.ExchangeID}}
}

func (m *Manager) cancelAllLocked() []action {
	var acts []action
	for _, o := range m.live {
		acts = append(acts, m.retireLocked(o)...)
	}
	return append(acts, m.retryRetiringLocked()...)
}

func (m *Manager) retryRetiringLocked() []action {
	var acts []action
	for _, o := range m.retiring {
		if o.cancelRequested || m.machine.Terminal(o.State) {
			continue
		}
		o.cancelRequested = true
		acts = append(acts, action{kind: "cancel", clientID: o.ClientID, exchangeID: o.ExchangeID})
	}
	return acts
}

// detachLocked 将终态订单移出在途集合；byClient/byExchange 在保留期内
// 留存，用于解析迟到/重复的回报，到期由 pruneLocked 清出。
func (m *Manager) detachLocked(o *Order) {
	key := levelKey{Side: o.Side, Level: o.Level}
	if m.live[key] == o {
		delete(m.live, key)
	}
	delete(m.retiring, o.ClientID)
	if m.machine.ExchangeTerminal(o.State) {
		m.done = append(m.done, doneRef{clientID: o.ClientID, exchangeID: o.ExchangeID, at: m.now()})
	}
}

// pruneLocked 清出超过保留期的终态订单索引。ClientID 不复用，
// 清出后迟到的回报按未知订单丢弃。
func (m *Manager) pruneLocked(now time.Time) {
	for len(m.done) > 0 && now.Sub(m.done[0].at) > m.cfg.TerminalRetention {
		ref := m.done[0]
		m.done = m.done[1:]
		delete(m.byClient, ref.clientID)
		if ref.exchangeID != "" {
			delete(m.byExchange, ref.exchangeID)
		}
	}
}

func (m *Manager) transitionLocked(o *Order, to State) error {
	if err := m.machine.Validate(o.State, to); err != nil {
		m.log.Debug("transition dropped",
			zap.String("client_id", o.ClientID),
			zap.String("from", string(o.State)),
			zap.String("to", string(to)))
		return err
	}
	if o.State == StatePending && to != StatePending {
		delete(m.pending, o.ClientID)
	}
	o.State = to
	return nil
}

// issue 在锁外把意图递交网关。下单的同步失败等价于立即拒单；
// 撤单失败允许下一 tick 重试。
func (m *Manager) issue(ctx context.Context, acts []action) {
	for _, a := range acts {
		switch a.kind {
		case "place":
			m.met.IncIntent("place")
			if err := m.gw.Place(ctx, a.spec); err != nil {
				m.onPlaceError(a.clientID, err)
			}
		case "cancel":
			m.met.IncIntent("cancel")
			if err := m.gw.Cancel(ctx, a.clientID, a.exchangeID); err != nil {
				m.onCancelError(a.clientID, err)
			}
		case "amend":
			m.met.IncIntent("amend")
			if err := m.gw.Amend(ctx, a.clientID, a.exchangeID, a.price, a.size); err != nil {
				m.onAmendError(a.clientID, err)
			}
		}
	}
}

func (m *Manager) onPlaceError(clientID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byClient[clientID]
	if !ok || m.machine.Terminal(o.State) {
		return
	}
	if terr := m.transitionLocked(o, StateRejected); terr != nil {
		return
	}
	o.LastError = err.Error()
	m.detachLocked(o)
	m.consec++
	m.met.IncReject()
	m.met.SetConsecutiveRejects(m.consec)
	m.log.Warn("place failed", zap.String("client_id", clientID), zap.Error(err))
}

func (m *Manager) onCancelError(clientID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.byClient[clientID]; ok && !m.machine.Terminal(o.State) {
		// 允许下一 tick 重发撤单。
		o.cancelRequested = false
	}
	m.log.Warn("cancel failed", zap.String("client_id", clientID), zap.Error(err))
}

func (m *Manager) onAmendError(clientID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.byClient[clientID]; ok && !m.machine.Terminal(o.State) {
		// 改单失败后交易所侧价格不可知：移出意图集转入待撤，
		// 下一 tick 撤销重挂。
		key := levelKey{Side: o.Side, Level: o.Level}
		if m.live[key] == o {
			delete(m.live, key)
		}
		o.cancelRequested = false
		m.retiring[o.ClientID] = o
	}
	m.log.Warn("amend failed", zap.String("client_id", clientID), zap.Error(err))
}
