package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"funding-mm-go/market"
	"funding-mm-go/quote"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig() Config {
	return Config{
		Limits: Limits{
			MaxInventory:          d("1"),
			MaxInventoryNotional:  d("5000"),
			MaxDrawdown:           d("0.2"),
			MaxConsecutiveRejects: 5,
		},
		SoftThresholdRatio:   d("0.7"),
		FlattenAggressionBps: d("20"),
		TickSize:             d("0.01"),
		LotSize:              d("0.001"),
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(testConfig(), d("10000"), nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func snapWith(inv, notional string) *market.Snapshot {
	return &market.Snapshot{
		MarketID:          "ETH-PERP",
		MidPrice:          d("2000"),
		HasBook:           true,
		BookUpdatedAt:     time.Now(),
		Inventory:         d(inv),
		InventoryNotional: d(notional),
	}
}

func proposedBothSides() []quote.Spec {
	return []quote.Spec{
		{Side: quote.SideBuy, Price: d("1999"), Size: d("0.1"), Level: 0, Generation: 1},
		{Side: quote.SideSell, Price: d("2001"), Size: d("0.1"), Level: 0, Generation: 1},
	}
}

func TestEvaluateContinuePassesThrough(t *testing.T) {
	m := newTestManager(t)

	approved, st := m.Evaluate(snapWith("0.1", "200"), proposedBothSides(), 0, 1)
	if st.Directive != Continue {
		t.Fatalf("directive = %s, want CONTINUE", st.Directive)
	}
	if len(approved) != 2 {
		t.Errorf("approved %d quotes, want 2", len(approved))
	}
}

func TestEvaluateSoftBreachReduceOnly(t *testing.T) {
	m := newTestManager(t)

	// 0.75 > 1*0.7：软阈值触发，多头只放行卖单。
	approved, st := m.Evaluate(snapWith("0.75", "1500"), proposedBothSides(), 0, 1)
	if st.Directive != ReduceOnly {
		t.Fatalf("directive = %s, want REDUCE_ONLY", st.Directive)
	}
	if len(approved) != 1 || approved[0].Side != quote.SideSell {
		t.Errorf("approved = %+v, want single sell", approved)
	}

	// 空头软阈值：只放行买单。
	approved, st = m.Evaluate(snapWith("-0.8", "1600"), proposedBothSides(), 0, 2)
	if st.Directive != ReduceOnly {
		t.Fatalf("directive = %s, want REDUCE_ONLY", st.Directive)
	}
	if len(approved) != 1 || approved[0].Side != quote.SideBuy {
		t.Errorf("approved = %+v, want single buy", approved)
	}
}

func TestEvaluateHardInventoryBreachFlattens(t *testing.T) {
	m := newTestManager(t)

	approved, st := m.Evaluate(snapWith("1.2345", "2469"), proposedBothSides(), 0, 1)
	if st.Directive != Flatten {
		t.Fatalf("directive = %s, want FLATTEN", st.Directive)
	}
	if !st.Flattening {
		t.Error("flattening latch should be set")
	}
	if len(approved) != 1 {
		t.Fatalf("approved %d specs, want single flatten order", len(approved))
	}
	fl := approved[0]
	if fl.Side != quote.SideSell {
		t.Errorf("long flatten must sell, got %s", fl.Side)
	}
	// 数量按 lot 向下对齐覆盖全部仓位。
	if !fl.Size.Equal(d("1.234")) {
		t.Errorf("flatten size = %s, want 1.234", fl.Size)
	}
	// 限价 = mid*(1-20bp) 向下取 tick：2000*0.998 = 1996。
	if !fl.Price.Equal(d("1996")) {
		t.Errorf("flatten price = %s, want 1996", fl.Price)
	}
}

func TestEvaluateShortFlattenBuysAboveMid(t *testing.T) {
	m := newTestManager(t)

	approved, st := m.Evaluate(snapWith("-1.5", "3000"), proposedBothSides(), 0, 1)
	if st.Directive != Flatten {
		t.Fatalf("directive = %s, want FLATTEN", st.Directive)
	}
	fl := approved[0]
	if fl.Side != quote.SideBuy {
		t.Errorf("short flatten must buy, got %s", fl.Side)
	}
	// 2000*1.002 = 2004，向上取 tick。
	if !fl.Price.Equal(d("2004")) {
		t.Errorf("flatten price = %s, want 2004", fl.Price)
	}
	if !fl.Size.Equal(d("1.5")) {
		t.Errorf("flatten size = %s, want 1.5", fl.Size)
	}
}

func TestFlattenLatchedUntilFlat(t *testing.T) {
	m := newTestManager(t)

	_, st := m.Evaluate(snapWith("1.2", "2400"), proposedBothSides(), 0, 1)
	if st.Directive != Flatten {
		t.Fatal("expected FLATTEN")
	}

	// 仓位回到软阈值之下但未归零：仍然强平，不得退回 ReduceOnly。
	_, st = m.Evaluate(snapWith("0.3", "600"), proposedBothSides(), 0, 2)
	if st.Directive != Flatten {
		t.Errorf("directive = %s, flatten must latch until flat", st.Directive)
	}

	// 仓位归零后退出强平。
	approved, st := m.Evaluate(snapWith("0", "0"), proposedBothSides(), 0, 3)
	if st.Directive != Continue {
		t.Errorf("directive = %s, want CONTINUE after flat", st.Directive)
	}
	if len(approved) != 2 {
		t.Errorf("approved %d quotes, want 2", len(approved))
	}
}

func TestEvaluateNotionalBreach(t *testing.T) {
	m := newTestManager(t)

	_, st := m.Evaluate(snapWith("0.5", "6000"), proposedBothSides(), 0, 1)
	if st.Directive != Flatten {
		t.Errorf("directive = %s, notional breach must flatten", st.Directive)
	}
}

func TestDrawdownBreach(t *testing.T) {
	m := newTestManager(t)

	m.UpdateEquity(d("12000")) // 峰值抬升
	m.UpdateEquity(d("9000"))  // 回撤 25% >= 20%

	if !m.Drawdown().Equal(d("0.25")) {
		t.Fatalf("drawdown = %s, want 0.25", m.Drawdown())
	}
	_, st := m.Evaluate(snapWith("0.1", "200"), proposedBothSides(), 0, 1)
	if st.Directive != Flatten {
		t.Errorf("directive = %s, drawdown breach must flatten", st.Directive)
	}
}

func TestDrawdownNeverNegative(t *testing.T) {
	m := newTestManager(t)
	m.UpdateEquity(d("11000"))
	if !m.Drawdown().IsZero() {
		t.Errorf("drawdown at new peak = %s, want 0", m.Drawdown())
	}
}

func TestHaltLatchAndReset(t *testing.T) {
	m := newTestManager(t)

	approved, st := m.Evaluate(snapWith("0.1", "200"), proposedBothSides(), 6, 1)
	if st.Directive != Halt {
		t.Fatalf("directive = %s, want HALT", st.Directive)
	}
	if approved != nil {
		t.Error("halt must approve nothing")
	}
	if !m.Halted() {
		t.Error("halt latch should be set")
	}

	// 拒单计数恢复正常也不得自动解除。
	_, st = m.Evaluate(snapWith("0.1", "200"), proposedBothSides(), 0, 2)
	if st.Directive != Halt {
		t.Errorf("directive = %s, halt must stay latched", st.Directive)
	}

	m.Reset()
	if m.Halted() {
		t.Error("reset should clear the latch")
	}
	approved, st = m.Evaluate(snapWith("0.1", "200"), proposedBothSides(), 0, 3)
	if st.Directive != Continue || len(approved) != 2 {
		t.Errorf("after reset directive = %s approved = %d", st.Directive, len(approved))
	}
}

func TestHaltBeatsFlatten(t *testing.T) {
	m := newTestManager(t)

	// 同时满足强平与熔断条件：Halt 优先。
	_, st := m.Evaluate(snapWith("2", "4000"), proposedBothSides(), 10, 1)
	if st.Directive != Halt {
		t.Errorf("directive = %s, halt takes precedence", st.Directive)
	}
}

func TestLossCooldownSuppressesNewExposure(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownAfterLoss = time.Minute
	m, err := NewManager(cfg, d("10000"), nil)
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Now()
	m.now = func() time.Time { return clock }

	m.ObserveRealized(d("5"), clock) // 盈利不触发
	_, st := m.Evaluate(snapWith("0.1", "200"), proposedBothSides(), 0, 1)
	if st.Directive != Continue || st.CoolingDown {
		t.Fatalf("profit must not start cooldown: %+v", st)
	}

	m.ObserveRealized(d("2"), clock) // 已实现盈亏回落 = 亏损成交
	approved, st := m.Evaluate(snapWith("0.1", "200"), proposedBothSides(), 0, 2)
	if st.Directive != ReduceOnly || !st.CoolingDown {
		t.Fatalf("directive = %s coolingDown = %v, want REDUCE_ONLY cooldown", st.Directive, st.CoolingDown)
	}
	if len(approved) != 1 || approved[0].Side != quote.SideSell {
		t.Errorf("approved = %+v, cooldown must pass only the reducing side", approved)
	}

	// 仓位为零：冷静期内两侧都不是减仓方向，不挂任何新单。
	approved, _ = m.Evaluate(snapWith("0", "0"), proposedBothSides(), 0, 3)
	if len(approved) != 0 {
		t.Errorf("approved = %+v, flat book in cooldown must place nothing", approved)
	}

	// 冷静期结束恢复正常放行。
	clock = clock.Add(2 * time.Minute)
	approved, st = m.Evaluate(snapWith("0.1", "200"), proposedBothSides(), 0, 4)
	if st.Directive != Continue || len(approved) != 2 {
		t.Errorf("after cooldown directive = %s approved = %d", st.Directive, len(approved))
	}
}

func TestLossCooldownDisabledByDefault(t *testing.T) {
	m := newTestManager(t)

	m.ObserveRealized(d("5"), time.Now())
	m.ObserveRealized(d("-10"), time.Now())
	_, st := m.Evaluate(snapWith("0.1", "200"), proposedBothSides(), 0, 1)
	if st.Directive != Continue || st.CoolingDown {
		t.Errorf("zero cooldown config must not gate: %+v", st)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := testConfig()
	bad.SoftThresholdRatio = d("1.5")
	if err := bad.Validate(); err == nil {
		t.Error("softThresholdRatio > 1 must be rejected")
	}

	bad = testConfig()
	bad.Limits.MaxConsecutiveRejects = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero reject limit must be rejected")
	}
}
