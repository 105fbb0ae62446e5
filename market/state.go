package market

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot 表示某一时刻的完整市场视图；一经发布不可变，
// 读者要么看到整个快照，要么什么都看不到，不存在半更新状态。
type Snapshot struct {
	MarketID          string
	MidPrice          decimal.Decimal
	BestBid           decimal.Decimal
	BestAsk           decimal.Decimal
	HasBook           bool // 双边盘口是否齐全
	FundingRate       decimal.Decimal
	Inventory         decimal.Decimal
	InventoryNotional decimal.Decimal
	BookUpdatedAt     time.Time
	FundingUpdatedAt  time.Time
}

// Stale 判断盘口数据是否超出允许的陈旧窗口。
func (s *Snapshot) Stale(window time.Duration, now time.Time) bool {
	if !s.HasBook {
		return true
	}
	if window <= 0 {
		return false
	}
	return now.Sub(s.BookUpdatedAt) > window
}

// State 维护单个市场的最新行情与持仓。写入端（行情接入、订单生命周期管理器）
// 持锁修改工作副本后整体发布新快照；读取端通过原子指针无锁获取。
type State struct {
	marketID string

	mu   sync.Mutex // 仅写入端竞争
	work Snapshot
	snap atomic.Pointer[Snapshot]

	// 资金费率水位线：时间戳必须单调递增，否则丢弃。
	fundingHighWater time.Time
	// 资金费率阈值：绝对值低于阈值的费率按 0 处理，避免噪声驱动倾斜。
	fundingThreshold decimal.Decimal
}

// NewState 创建市场状态容器。threshold 为资金费率生效阈值，可为零值表示不过滤。
func NewState(marketID string, fundingThreshold decimal.Decimal) *State {
	s := &State{
		marketID:         marketID,
		fundingThreshold: fundingThreshold,
	}
	s.work = Snapshot{MarketID: marketID}
	s.publishLocked()
	return s
}

// Snapshot 返回最新发布的市场快照，调用方不得修改。
func (s *State) Snapshot() *Snapshot {
	return s.snap.Load()
}

// ApplyBook 应用一次盘口更新，返回是否被采纳。bid/ask 任一缺失（零值）
// 视为单边盘口，此时不产生 mid，报价引擎会因 HasBook=false 而停止报价；
// 交叉盘口按坏数据丢弃。
func (s *State) ApplyBook(bestBid, bestAsk decimal.Decimal, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 交叉盘口（bid > ask）会产出越界的 mid，整条丢弃，保留上一次盘口。
	if bestBid.IsPositive() && bestAsk.IsPositive() && bestBid.GreaterThan(bestAsk) {
		return false
	}

	s.work.BestBid = bestBid
	s.work.BestAsk = bestAsk
	s.work.HasBook = bestBid.IsPositive() && bestAsk.IsPositive()
	if s.work.HasBook {
		s.work.MidPrice = bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	} else {
		s.work.MidPrice = decimal.Zero
	}
	s.work.BookUpdatedAt = ts
	s.publishLocked()
	return true
}

// ApplyFunding 应用资金费率更新。乱序或重复时间戳直接丢弃（单市场要求单调），
// 返回是否被采纳。
func (s *State) ApplyFunding(rate decimal.Decimal, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ts.After(s.fundingHighWater) {
		return false
	}
	s.fundingHighWater = ts

	if s.fundingThreshold.IsPositive() && rate.Abs().LessThan(s.fundingThreshold) {
		rate = decimal.Zero
	}
	s.work.FundingRate = rate
	s.work.FundingUpdatedAt = ts
	s.publishLocked()
	return true
}

// SetInventory 由订单生命周期管理器在成交落地后同步持仓。
// 除其之外任何组件都不得写入持仓。
func (s *State) SetInventory(position, notional decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.work.Inventory = position
	s.work.InventoryNotional = notional
	s.publishLocked()
}

func (s *State) publishLocked() {
	snap := s.work
	s.snap.Store(&snap)
}
