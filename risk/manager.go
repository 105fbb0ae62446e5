package risk

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-mm-go/market"
	"funding-mm-go/quote"
)

// Directive 是风控对本轮报价的裁决。
type Directive int

const (
	// Continue 正常放行报价。
	Continue Directive = iota
	// ReduceOnly 仅放行减少仓位方向的报价。
	ReduceOnly
	// Flatten 丢弃提议报价，改为发出限价强平单直至仓位归零。
	Flatten
	// Halt 停止一切新下单，撤销全部挂单；需要人工复位。
	Halt
)

func (d Directive) String() string {
	switch d {
	case Continue:
		return "CONTINUE"
	case ReduceOnly:
		return "REDUCE_ONLY"
	case Flatten:
		return "FLATTEN"
	case Halt:
		return "HALT"
	default:
		return "UNKNOWN"
	}
}

// Config 风控管理器配置。
type Config struct {
	Limits               Limits
	SoftThresholdRatio   decimal.Decimal // |仓位| 超过 MaxInventory*该比例进入 ReduceOnly
	FlattenAggressionBps decimal.Decimal // 强平限价相对 mid 的让价（bp）
	TickSize             decimal.Decimal
	LotSize              decimal.Decimal
	// CooldownAfterLoss 亏损冷静期：出现已实现亏损后的该时长内只放行
	// 减仓方向的报价，避免亏损后立刻在同一行情里重复受损。零值关闭。
	CooldownAfterLoss time.Duration
}

// Validate 校验配置。
func (c Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	switch {
	case !c.SoftThresholdRatio.IsPositive() || c.SoftThresholdRatio.GreaterThan(decimal.NewFromInt(1)):
		return errors.New("risk: softThresholdRatio must be in (0,1]")
	case c.FlattenAggressionBps.IsNegative():
		return errors.New("risk: flattenAggressionBps must be >= 0")
	case !c.TickSize.IsPositive():
		return errors.New("risk: tickSize must be > 0")
	case !c.LotSize.IsPositive():
		return errors.New("risk: lotSize must be > 0")
	case c.CooldownAfterLoss < 0:
		return errors.New("risk: cooldownAfterLoss must be >= 0")
	}
	return nil
}

// State 为每 tick 重新计算的派生风险状态快照。
type State struct {
	Directive          Directive
	Drawdown           decimal.Decimal
	EquityPeak         decimal.Decimal
	ConsecutiveRejects int
	Flattening         bool
	CoolingDown        bool
}

// Manager 风控管理器：只对报价引擎的输出做门禁，不持有任何订单，
// 订单状态所有权始终单线留在生命周期管理器。
type Manager struct {
	cfg Config
	log *zap.Logger

	now func() time.Time

	mu            sync.Mutex
	directive     Directive
	halted        bool // Halt 为闩锁状态，仅 Reset 可清除
	flattening    bool
	equityNow     decimal.Decimal
	equityPeak    decimal.Decimal
	lastRealized  decimal.Decimal
	cooldownUntil time.Time
}

// NewManager 创建风控管理器。initialEquity 为会话初始权益。
func NewManager(cfg Config, initialEquity decimal.Decimal, log *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		directive:  Continue,
		equityNow:  initialEquity,
		equityPeak: initialEquity,
	}, nil
}

// ObserveRealized 观察会话累计已实现盈亏。出现回落即有亏损成交落地，
// 开启（或顺延）冷静期；盈利不清除已在途的冷静期。
func (m *Manager) ObserveRealized(total decimal.Decimal, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.CooldownAfterLoss > 0 && total.LessThan(m.lastRealized) {
		m.cooldownUntil = now.Add(m.cfg.CooldownAfterLoss)
		m.log.Warn("realized loss, cooldown engaged",
			zap.String("realized_delta", total.Sub(m.lastRealized).String()),
			zap.Time("until", m.cooldownUntil))
	}
	m.lastRealized = total
}

func (m *Manager) coolingDownLocked() bool {
	return m.cfg.CooldownAfterLoss > 0 && m.now().Before(m.cooldownUntil)
}

// UpdateEquity 更新当前权益并维护峰值，用于回撤计算。
func (m *Manager) UpdateEquity(equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equityNow = equity
	if equity.GreaterThan(m.equityPeak) {
		m.equityPeak = equity
	}
}

// Drawdown 返回当前回撤比例（1 - equity/peak，非负）。
func (m *Manager) Drawdown() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drawdownLocked()
}

func (m *Manager) drawdownLocked() decimal.Decimal {
	if !m.equityPeak.IsPositive() {
		return decimal.Zero
	}
	dd := decimal.NewFromInt(1).Sub(m.equityNow.Div(m.equityPeak))
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// Evaluate 评估提议报价集并给出裁决。consecutiveRejects 由生命周期
// 管理器维护的连续拒单计数。
func (m *Manager) Evaluate(snap *market.Snapshot, proposed []quote.Spec, consecutiveRejects int, generation uint64) ([]quote.Spec, State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.directive

	// Halt 优先并闩锁：连续拒单意味着网关/鉴权级故障而非行情问题，
	// 下一 tick 的良好状态不得自动解除，防止来回抖动。
	if m.halted || consecutiveRejects > m.cfg.Limits.MaxConsecutiveRejects {
		m.halted = true
		m.directive = Halt
		m.logTransition(prev, snap, consecutiveRejects)
		return nil, m.stateLocked(consecutiveRejects)
	}

	absInv := snap.Inventory.Abs()
	dd := m.drawdownLocked()

	hardInvBreach := absInv.GreaterThan(m.cfg.Limits.MaxInventory)
	notionalBreach := m.cfg.Limits.MaxInventoryNotional.IsPositive() &&
		snap.InventoryNotional.GreaterThan(m.cfg.Limits.MaxInventoryNotional)
	ddBreach := m.cfg.Limits.MaxDrawdown.IsPositive() && !dd.LessThan(m.cfg.Limits.MaxDrawdown)

	if hardInvBreach || notionalBreach || ddBreach || m.flattening {
		// 强平进行中：仓位归零且回撤恢复前不退出。
		if absInv.IsZero() && !ddBreach && !notionalBreach {
			m.flattening = false
		} else {
			m.flattening = true
			m.directive = Flatten
			m.logTransition(prev, snap, consecutiveRejects)
			return m.flattenSpecsLocked(snap, generation), m.stateLocked(consecutiveRejects)
		}
	}

	// 软阈值或亏损冷静期：仅放行减仓方向。仓位为零时冷静期内不挂任何新单。
	soft := m.cfg.Limits.MaxInventory.Mul(m.cfg.SoftThresholdRatio)
	if absInv.GreaterThan(soft) || m.coolingDownLocked() {
		m.directive = ReduceOnly
		m.logTransition(prev, snap, consecutiveRejects)
		approved := make([]quote.Spec, 0, len(proposed))
		for _, q := range proposed {
			if q.Reduces(snap.Inventory) {
				approved = append(approved, q)
			}
		}
		return approved, m.stateLocked(consecutiveRejects)
	}

	m.directive = Continue
	m.logTransition(prev, snap, consecutiveRejects)
	return proposed, m.stateLocked(consecutiveRejects)
}

// flattenSpecsLocked 生成强平报价：仅减仓方向、激进但有界的限价、
// 数量覆盖全部仓位。
func (m *Manager) flattenSpecsLocked(snap *market.Snapshot, generation uint64) []quote.Spec {
	absInv := snap.Inventory.Abs()
	size := absInv.Div(m.cfg.LotSize).Floor().Mul(m.cfg.LotSize)
	if !size.IsPositive() || !snap.MidPrice.IsPositive() {
		return nil
	}
	give := m.cfg.FlattenAggressionBps.Div(decimal.NewFromInt(10000))
	if snap.Inventory.IsPositive() {
		// 多头：低于 mid 的卖单，穿越盘口但让价有界。
		px := snap.MidPrice.Mul(decimal.NewFromInt(1).Sub(give))
		px = px.Div(m.cfg.TickSize).Floor().Mul(m.cfg.TickSize)
		return []quote.Spec{{Side: quote.SideSell, Price: px, Size: size, Level: 0, Generation: generation}}
	}
	px := snap.MidPrice.Mul(decimal.NewFromInt(1).Add(give))
	px = px.Div(m.cfg.TickSize).Ceil().Mul(m.cfg.TickSize)
	return []quote.Spec{{Side: quote.SideBuy, Price: px, Size: size, Level: 0, Generation: generation}}
}

func (m *Manager) stateLocked(rejects int) State {
	return State{
		Directive:          m.directive,
		Drawdown:           m.drawdownLocked(),
		EquityPeak:         m.equityPeak,
		ConsecutiveRejects: rejects,
		Flattening:         m.flattening,
		CoolingDown:        m.coolingDownLocked(),
	}
}

func (m *Manager) logTransition(prev Directive, snap *market.Snapshot, rejects int) {
	if prev == m.directive {
		return
	}
	m.log.Warn("risk directive changed",
		zap.String("market", snap.MarketID),
		zap.String("from", prev.String()),
		zap.String("to", m.directive.String()),
		zap.String("inventory", snap.Inventory.String()),
		zap.String("drawdown", m.drawdownLocked().String()),
		zap.Int("consecutive_rejects", rejects),
	)
}

// Directive 返回最近一次裁决。
func (m *Manager) Directive() Directive {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.directive
}

// Halted 返回是否处于闩锁 Halt。
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// Reset 人工复位 Halt 闩锁，同时清除强平标记。仅供运维通道调用。
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		m.log.Warn("risk halt latch cleared by operator")
	}
	m.halted = false
	m.flattening = false
	m.cooldownUntil = time.Time{}
	m.directive = Continue
}
