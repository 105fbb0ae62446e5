package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-mm-go/gateway"
	"funding-mm-go/infrastructure/alert"
	"funding-mm-go/inventory"
	"funding-mm-go/market"
	"funding-mm-go/metrics"
	"funding-mm-go/order"
	"funding-mm-go/quote"
	"funding-mm-go/risk"
)

// SessionState 会话状态。
type SessionState int

const (
	StateIdle SessionState = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 会话配置。
type Config struct {
	MarketID      string
	TickInterval  time.Duration
	InitialEquity decimal.Decimal
	// FeedStaleAfter 行情陈旧告警窗口；零值不告警。报价引擎有自己的陈旧判定，
	// 这里只负责让人知道行情断了。
	FeedStaleAfter time.Duration
}

// Components 会话依赖组件。
type Components struct {
	State     *market.State
	Quoter    quote.Engine
	Risk      *risk.Manager
	Orders    *order.Manager
	Inventory *inventory.Tracker
	Gateway   gateway.Gateway
	Metrics   *metrics.Set
	Alerts    *alert.Manager
	Logger    *zap.Logger
}

// Session 单市场控制循环：持有该市场的全部可变状态并显式传递，
// 无全局状态，一个进程可并行运行多个市场会话。
// tick 不可重入——上一 tick 的意图递交网关之前不开始下一次计算；
// 网关回报在同一循环里随到随应用。
type Session struct {
	cfg Config

	state  *market.State
	quoter quote.Engine
	riskM  *risk.Manager
	orders *order.Manager
	inv    *inventory.Tracker
	gw     gateway.Gateway
	met    *metrics.Set
	alerts *alert.Manager
	log    *zap.Logger

	mu       sync.RWMutex
	st       SessionState
	stopChan chan struct{}
	doneChan chan struct{}

	generation    uint64
	lastDirective risk.Directive

	// 统计
	totalTicks  int64
	totalEvents int64
}

// NewSession 创建会话。
func NewSession(cfg Config, c Components) (*Session, error) {
	if cfg.MarketID == "" {
		return nil, fmt.Errorf("engine: marketID required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if c.State == nil || c.Quoter == nil || c.Risk == nil || c.Orders == nil || c.Inventory == nil || c.Gateway == nil {
		return nil, fmt.Errorf("engine: missing components")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return &Session{
		cfg:      cfg,
		state:    c.State,
		quoter:   c.Quoter,
		riskM:    c.Risk,
		orders:   c.Orders,
		inv:      c.Inventory,
		gw:       c.Gateway,
		met:      c.Metrics,
		alerts:   c.Alerts,
		log:      c.Logger.With(zap.String("market", cfg.MarketID)),
		st:       StateIdle,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start 启动控制循环。
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.st != StateIdle && s.st != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("engine: session already started (state: %s)", s.st)
	}
	if s.st == StateStopped {
		s.stopChan = make(chan struct{})
		s.doneChan = make(chan struct{})
	}
	s.st = StateRunning
	s.mu.Unlock()

	s.log.Info("session starting", zap.Duration("tick_interval", s.cfg.TickInterval))
	go s.run(ctx)
	return nil
}

// Stop 停止控制循环并撤销全部挂单；幂等。
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.st == StateStopped || s.st == StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	select {
	case <-s.doneChan:
	case <-time.After(10 * time.Second):
		s.log.Warn("timeout waiting for session loop to stop")
	}

	// Halt 之下新挂单停止，但撤单清理继续。
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.orders.CancelAll(ctx)

	s.mu.Lock()
	s.st = StateStopped
	s.mu.Unlock()
	s.log.Info("session stopped")
	return nil
}

// Pause 暂停报价（不撤单）。
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st != StateRunning {
		return fmt.Errorf("engine: session not running (state: %s)", s.st)
	}
	s.st = StatePaused
	s.log.Info("session paused")
	return nil
}

// Resume 恢复报价。
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st != StatePaused {
		return fmt.Errorf("engine: session not paused (state: %s)", s.st)
	}
	s.st = StateRunning
	s.log.Info("session resumed")
	return nil
}

// State 返回会话状态。
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// ResetHalt 运维通道：清除风控 Halt 闩锁。
func (s *Session) ResetHalt() {
	s.riskM.Reset()
}

func (s *Session) run(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	events := s.gw.Events()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("context done, stopping session loop")
			return
		case <-s.stopChan:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.totalEvents++
			s.orders.HandleEvent(ctx, ev)
		case <-ticker.C:
			s.onTick(ctx)
		}
	}
}

// onTick 一次完整控制循环：快照 → 报价 → 风控 → 对账。
func (s *Session) onTick(ctx context.Context) {
	s.mu.RLock()
	paused := s.st == StatePaused
	s.mu.RUnlock()
	if paused {
		return
	}

	start := time.Now()
	s.totalTicks++

	// 确认超时在目标计算前结清，拒单计数对本 tick 的风控可见。
	s.orders.CheckTimeouts()

	snap := s.state.Snapshot()
	s.generation++

	if s.cfg.FeedStaleAfter > 0 && snap.Stale(s.cfg.FeedStaleAfter, start) {
		s.alerts.FeedDown(s.cfg.MarketID, start.Sub(snap.BookUpdatedAt))
	}

	proposed := s.quoter.Quotes(snap, s.generation, start)
	s.met.AddQuotes(len(proposed))

	equity := s.equity(snap)
	s.riskM.UpdateEquity(equity)
	s.riskM.ObserveRealized(s.inv.RealizedPnL(), start)

	approved, rs := s.riskM.Evaluate(snap, proposed, s.orders.ConsecutiveRejects(), s.generation)
	s.met.SetRiskDirective(int(rs.Directive))
	if rs.Directive != s.lastDirective {
		s.alerts.DirectiveChange(s.cfg.MarketID, s.lastDirective.String(), rs.Directive.String(),
			rs.Directive > s.lastDirective)
		s.lastDirective = rs.Directive
	}

	s.orders.Sync(ctx, approved, s.generation, rs.Directive)

	s.met.ObserveTick(time.Since(start))
}

// equity = 初始权益 + 已实现盈亏 + 未实现盈亏（按 mid 估值）。
func (s *Session) equity(snap *market.Snapshot) decimal.Decimal {
	eq := s.cfg.InitialEquity.Add(s.inv.RealizedPnL())
	if snap.HasBook {
		_, _, unrealized := s.inv.Valuation(snap.MidPrice)
		eq = eq.Add(unrealized)
	}
	return eq
}
