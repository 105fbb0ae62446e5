package quote

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"funding-mm-go/market"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig() Config {
	return Config{
		BaseSpreadBps:    d("10"),
		MaxSkewBps:       d("4"),
		FundingSkewCoeff: d("10000"),
		LevelStepBps:     d("5"),
		OrderSize:        d("0.3"),
		Levels:           3,
		MaxInventory:     d("1"),
		TickSize:         d("0.01"),
		LotSize:          d("0.001"),
		Staleness:        time.Second,
	}
}

func snapAt(mid string, now time.Time) *market.Snapshot {
	return &market.Snapshot{
		MarketID:      "ETH-PERP",
		MidPrice:      d(mid),
		HasBook:       true,
		BookUpdatedAt: now,
	}
}

func findLevel(specs []Spec, side Side, level int) (Spec, bool) {
	for _, q := range specs {
		if q.Side == side && q.Level == level {
			return q, true
		}
	}
	return Spec{}, false
}

func TestQuotesSymmetricAtZeroSkew(t *testing.T) {
	e, err := NewPMM(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	specs := e.Quotes(snapAt("2000", now), 1, now)
	if len(specs) != 6 {
		t.Fatalf("got %d specs, want 6", len(specs))
	}

	bid0, _ := findLevel(specs, SideBuy, 0)
	ask0, _ := findLevel(specs, SideSell, 0)
	// 半价差 5bp：2000 * (1 ± 0.0005)
	if !bid0.Price.Equal(d("1999")) {
		t.Errorf("bid0 = %s, want 1999", bid0.Price)
	}
	if !ask0.Price.Equal(d("2001")) {
		t.Errorf("ask0 = %s, want 2001", ask0.Price)
	}
	if !bid0.Size.Equal(d("0.1")) || !ask0.Size.Equal(d("0.1")) {
		t.Errorf("sizes = %s/%s, want 0.1", bid0.Size, ask0.Size)
	}
	if bid0.Generation != 1 {
		t.Errorf("generation = %d, want 1", bid0.Generation)
	}

	// 外层档位按步进向外推。
	bid1, _ := findLevel(specs, SideBuy, 1)
	ask1, _ := findLevel(specs, SideSell, 1)
	if !bid1.Price.Equal(d("1998")) || !ask1.Price.Equal(d("2002")) {
		t.Errorf("level1 = %s/%s, want 1998/2002", bid1.Price, ask1.Price)
	}
}

func TestQuotesLongInventoryShiftsDown(t *testing.T) {
	e, _ := NewPMM(testConfig())
	now := time.Now()
	snap := snapAt("2000", now)
	snap.Inventory = d("1") // 满库存：倾斜打满 4bp

	specs := e.Quotes(snap, 1, now)
	bid0, _ := findLevel(specs, SideBuy, 0)
	ask0, _ := findLevel(specs, SideSell, 0)

	// bidOff = 5+4 = 9bp，askOff = 5-4 = 1bp：双边整体下移。
	if !bid0.Price.Equal(d("1998.2")) {
		t.Errorf("bid0 = %s, want 1998.2", bid0.Price)
	}
	if !ask0.Price.Equal(d("2000.2")) {
		t.Errorf("ask0 = %s, want 2000.2", ask0.Price)
	}
}

func TestQuotesShortInventoryShiftsUp(t *testing.T) {
	e, _ := NewPMM(testConfig())
	now := time.Now()
	snap := snapAt("2000", now)
	snap.Inventory = d("-0.5") // 半库存空头：倾斜 -2bp

	specs := e.Quotes(snap, 1, now)
	bid0, _ := findLevel(specs, SideBuy, 0)
	ask0, _ := findLevel(specs, SideSell, 0)

	// bidOff = 5-2 = 3bp，askOff = 5+2 = 7bp。
	if !bid0.Price.Equal(d("1999.4")) {
		t.Errorf("bid0 = %s, want 1999.4", bid0.Price)
	}
	if !ask0.Price.Equal(d("2001.4")) {
		t.Errorf("ask0 = %s, want 2001.4", ask0.Price)
	}
}

func TestQuotesFundingSkew(t *testing.T) {
	e, _ := NewPMM(testConfig())
	now := time.Now()
	snap := snapAt("2000", now)
	snap.FundingRate = d("0.0001") // 1bp * 系数 10000 / 10000 = 1bp 倾斜

	specs := e.Quotes(snap, 1, now)
	bid0, _ := findLevel(specs, SideBuy, 0)
	ask0, _ := findLevel(specs, SideSell, 0)

	if !bid0.Price.Equal(d("1998.8")) {
		t.Errorf("bid0 = %s, want 1998.8", bid0.Price)
	}
	if !ask0.Price.Equal(d("2000.8")) {
		t.Errorf("ask0 = %s, want 2000.8", ask0.Price)
	}
}

func TestQuotesSkewClamped(t *testing.T) {
	e, _ := NewPMM(testConfig())
	now := time.Now()
	snap := snapAt("2000", now)
	snap.Inventory = d("1")        // +4bp（打满）
	snap.FundingRate = d("0.01")   // 100bp -> 截断到 4bp

	specs := e.Quotes(snap, 1, now)
	bid0, _ := findLevel(specs, SideBuy, 0)
	ask0, _ := findLevel(specs, SideSell, 0)

	// 合计 8bp 再截断回 4bp：与单独满库存相同。
	if !bid0.Price.Equal(d("1998.2")) {
		t.Errorf("bid0 = %s, want 1998.2", bid0.Price)
	}
	if !ask0.Price.Equal(d("2000.2")) {
		t.Errorf("ask0 = %s, want 2000.2", ask0.Price)
	}
}

func TestQuotesNeverCrossMid(t *testing.T) {
	cfg := testConfig()
	cfg.BaseSpreadBps = d("1") // 半价差 0.5bp，倾斜足以推过 mid
	cfg.MaxSkewBps = d("50")
	e, _ := NewPMM(cfg)
	now := time.Now()
	snap := snapAt("2000", now)
	snap.Inventory = d("1")

	specs := e.Quotes(snap, 1, now)
	if len(specs) == 0 {
		t.Fatal("expected quotes")
	}
	for _, q := range specs {
		if q.Side == SideBuy && q.Price.GreaterThan(snap.MidPrice) {
			t.Errorf("bid %s crosses mid %s", q.Price, snap.MidPrice)
		}
		if q.Side == SideSell && q.Price.LessThan(snap.MidPrice) {
			t.Errorf("ask %s crosses mid %s", q.Price, snap.MidPrice)
		}
	}
	bid0, _ := findLevel(specs, SideBuy, 0)
	ask0, _ := findLevel(specs, SideSell, 0)
	if !bid0.Price.LessThan(ask0.Price) {
		t.Errorf("level0 crossed: bid %s ask %s", bid0.Price, ask0.Price)
	}
}

func TestQuotesStaleOrMissingBook(t *testing.T) {
	e, _ := NewPMM(testConfig())
	now := time.Now()

	if got := e.Quotes(nil, 1, now); got != nil {
		t.Error("nil snapshot must yield no quotes")
	}

	stale := snapAt("2000", now.Add(-2*time.Second))
	if got := e.Quotes(stale, 1, now); got != nil {
		t.Error("stale snapshot must yield no quotes")
	}

	noBook := &market.Snapshot{MarketID: "ETH-PERP"}
	if got := e.Quotes(noBook, 1, now); got != nil {
		t.Error("missing book must yield no quotes")
	}
}

func TestQuotesLotTruncation(t *testing.T) {
	cfg := testConfig()
	cfg.OrderSize = d("0.1") // 0.1/3 = 0.0333... -> 0.033
	e, _ := NewPMM(cfg)
	now := time.Now()

	specs := e.Quotes(snapAt("2000", now), 1, now)
	if len(specs) == 0 {
		t.Fatal("expected quotes")
	}
	for _, q := range specs {
		if !q.Size.Equal(d("0.033")) {
			t.Errorf("size = %s, want 0.033", q.Size)
		}
	}

	// 均分后不足一个 lot：宁可不报。
	cfg.OrderSize = d("0.002")
	e2, _ := NewPMM(cfg)
	if got := e2.Quotes(snapAt("2000", now), 1, now); got != nil {
		t.Error("sub-lot per-level size must yield no quotes")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := testConfig()
	bad.Levels = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero levels must be rejected")
	}

	bad = testConfig()
	bad.TickSize = decimal.Zero
	if err := bad.Validate(); err == nil {
		t.Error("zero tick must be rejected")
	}
}

func TestSpecReduces(t *testing.T) {
	sell := Spec{Side: SideSell}
	buy := Spec{Side: SideBuy}

	if !sell.Reduces(d("1")) || buy.Reduces(d("1")) {
		t.Error("long inventory is reduced by sells only")
	}
	if !buy.Reduces(d("-1")) || sell.Reduces(d("-1")) {
		t.Error("short inventory is reduced by buys only")
	}
	if buy.Reduces(decimal.Zero) || sell.Reduces(decimal.Zero) {
		t.Error("flat inventory is reduced by nothing")
	}
}
