package quote

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"funding-mm-go/market"
)

// Engine 是策略能力接口：给定市场快照产出目标报价集。
// 不同策略实现同一接口，会话启动时选定，运行期不切换。
type Engine interface {
	Quotes(snap *market.Snapshot, generation uint64, now time.Time) []Spec
}

// Config 控制 PMM 报价参数。价格/数量全部使用 decimal，
// 避免二进制浮点在 tick 对齐上的累积漂移。
type Config struct {
	BaseSpreadBps    decimal.Decimal // 基础全价差（bp）
	MaxSkewBps       decimal.Decimal // 倾斜总量上限（bp）
	FundingSkewCoeff decimal.Decimal // 资金费率 -> 倾斜 bp 的系数
	LevelStepBps     decimal.Decimal // 相邻档位向外步进（bp）
	OrderSize        decimal.Decimal // 单侧总数量，均分到各档
	Levels           int             // 档位数
	MaxInventory     decimal.Decimal // 库存倾斜归一化分母
	TickSize         decimal.Decimal // 价格最小变动
	LotSize          decimal.Decimal // 数量最小变动
	Staleness        time.Duration   // 行情陈旧窗口
}

// Validate 校验报价配置。
func (c Config) Validate() error {
	switch {
	case !c.BaseSpreadBps.IsPositive():
		return errors.New("quote: baseSpreadBps must be > 0")
	case c.MaxSkewBps.IsNegative():
		return errors.New("quote: maxSkewBps must be >= 0")
	case !c.OrderSize.IsPositive():
		return errors.New("quote: orderSize must be > 0")
	case c.Levels <= 0:
		return errors.New("quote: levels must be > 0")
	case !c.MaxInventory.IsPositive():
		return errors.New("quote: maxInventory must be > 0")
	case !c.TickSize.IsPositive():
		return errors.New("quote: tickSize must be > 0")
	case !c.LotSize.IsPositive():
		return errors.New("quote: lotSize must be > 0")
	}
	return nil
}

var (
	two         = decimal.NewFromInt(2)
	tenThousand = decimal.NewFromInt(10000)
)

// PMM 围绕 mid 的双边做市报价引擎：库存与资金费率共同决定倾斜，
// 相同输入产出相同报价。无 I/O，无会话内可变状态。
type PMM struct {
	cfg Config
}

// NewPMM 创建 PMM 报价引擎。
func NewPMM(cfg Config) (*PMM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PMM{cfg: cfg}, nil
}

// Quotes 计算目标报价集。盘口缺失或行情陈旧时返回空集而不是
// 基于过期 mid 报价。
func (e *PMM) Quotes(snap *market.Snapshot, generation uint64, now time.Time) []Spec {
	if snap == nil || snap.Stale(e.cfg.Staleness, now) {
		return nil
	}
	ref := snap.MidPrice
	if !ref.IsPositive() {
		return nil
	}

	// 库存倾斜：多头为正，使两侧报价整体下移（卖得更勤、买得更远）。
	invSkew := clampBps(
		snap.Inventory.Div(e.cfg.MaxInventory).Mul(e.cfg.MaxSkewBps),
		e.cfg.MaxSkewBps,
	)
	// 资金倾斜：费率为正（多头付费）时偏向做空，与库存倾斜同向叠加。
	fundSkew := clampBps(
		snap.FundingRate.Mul(e.cfg.FundingSkewCoeff),
		e.cfg.MaxSkewBps,
	)
	// 总倾斜再次截断，约束最坏情况下偏离 mid 的幅度。
	totalSkew := clampBps(invSkew.Add(fundSkew), e.cfg.MaxSkewBps)

	halfSpread := e.cfg.BaseSpreadBps.Div(two)
	sizePerLevel := truncateToLot(
		e.cfg.OrderSize.Div(decimal.NewFromInt(int64(e.cfg.Levels))),
		e.cfg.LotSize,
	)
	if !sizePerLevel.IsPositive() {
		return nil
	}

	specs := make([]Spec, 0, e.cfg.Levels*2)
	for lvl := 0; lvl < e.cfg.Levels; lvl++ {
		step := e.cfg.LevelStepBps.Mul(decimal.NewFromInt(int64(lvl)))

		bidOff := halfSpread.Add(step).Add(totalSkew)
		askOff := halfSpread.Add(step).Sub(totalSkew)

		bid := roundToTick(ref.Mul(decimal.NewFromInt(1).Sub(bidOff.Div(tenThousand))), e.cfg.TickSize)
		ask := roundToTick(ref.Mul(decimal.NewFromInt(1).Add(askOff.Div(tenThousand))), e.cfg.TickSize)

		// 倾斜加舍入可能把报价推过 mid；夹回以保证 bid <= mid <= ask。
		if bid.GreaterThan(ref) {
			bid = floorToTick(ref, e.cfg.TickSize)
		}
		if ask.LessThan(ref) {
			ask = ceilToTick(ref, e.cfg.TickSize)
		}
		// 同档位双边不得交叉。
		if !bid.LessThan(ask) {
			ask = ask.Add(e.cfg.TickSize)
		}
		if !bid.IsPositive() {
			continue
		}

		specs = append(specs,
			Spec{Side: SideBuy, Price: bid, Size: sizePerLevel, Level: lvl, Generation: generation},
			Spec{Side: SideSell, Price: ask, Size: sizePerLevel, Level: lvl, Generation: generation},
		)
	}
	return specs
}

// clampBps 将 v 截断到 [-max, max]。
func clampBps(v, max decimal.Decimal) decimal.Decimal {
	if v.GreaterThan(max) {
		return max
	}
	if v.LessThan(max.Neg()) {
		return max.Neg()
	}
	return v
}

// roundToTick 四舍五入到最近合法 tick。
func roundToTick(p, tick decimal.Decimal) decimal.Decimal {
	return p.Div(tick).Round(0).Mul(tick)
}

func floorToTick(p, tick decimal.Decimal) decimal.Decimal {
	return p.Div(tick).Floor().Mul(tick)
}

func ceilToTick(p, tick decimal.Decimal) decimal.Decimal {
	return p.Div(tick).Ceil().Mul(tick)
}

// truncateToLot 数量只向下截断，绝不向上取整放大敞口。
func truncateToLot(q, lot decimal.Decimal) decimal.Decimal {
	return q.Div(lot).Floor().Mul(lot)
}
