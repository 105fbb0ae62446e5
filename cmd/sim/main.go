// sim 在模拟撮合网关上跑一段有界的做市会话：合成盘口随机游走、
// 周期性资金费率推送，结束后输出成交与持仓汇总。用于联调与演示，
// 不连任何外部服务。
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-mm-go/infrastructure/logger"
	"funding-mm-go/internal/engine"
	"funding-mm-go/inventory"
	"funding-mm-go/market"
	"funding-mm-go/order"
	"funding-mm-go/posttrade"
	"funding-mm-go/quote"
	"funding-mm-go/risk"
	"funding-mm-go/sim"
)

func main() {
	marketID := flag.String("market", "ETH-PERP", "市场标识")
	duration := flag.Duration("duration", 30*time.Second, "运行时长")
	tickEvery := flag.Duration("tick", 250*time.Millisecond, "控制循环周期")
	seed := flag.Int64("seed", time.Now().UnixNano(), "行情随机种子")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: "info", Console: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	tick := decimal.RequireFromString("0.01")
	lot := decimal.RequireFromString("0.001")

	qc := quote.Config{
		BaseSpreadBps:    decimal.RequireFromString("10"),
		MaxSkewBps:       decimal.RequireFromString("4"),
		FundingSkewCoeff: decimal.RequireFromString("5000"),
		LevelStepBps:     decimal.RequireFromString("5"),
		OrderSize:        decimal.RequireFromString("0.3"),
		Levels:           3,
		MaxInventory:     decimal.RequireFromString("1"),
		TickSize:         tick,
		LotSize:          lot,
		Staleness:        2 * time.Second,
	}
	quoter, err := quote.NewPMM(qc)
	if err != nil {
		log.Fatal("quote config", zap.Error(err))
	}

	initialEquity := decimal.RequireFromString("10000")
	riskMgr, err := risk.NewManager(risk.Config{
		Limits: risk.Limits{
			MaxInventory:          decimal.RequireFromString("1"),
			MaxInventoryNotional:  decimal.RequireFromString("5000"),
			MaxDrawdown:           decimal.RequireFromString("0.2"),
			MaxConsecutiveRejects: 10,
		},
		SoftThresholdRatio:   decimal.RequireFromString("0.7"),
		FlattenAggressionBps: decimal.RequireFromString("20"),
		TickSize:             tick,
		LotSize:              lot,
		CooldownAfterLoss:    15 * time.Second,
	}, initialEquity, log)
	if err != nil {
		log.Fatal("risk config", zap.Error(err))
	}

	state := market.NewState(*marketID, decimal.RequireFromString("0.00001"))
	inv := inventory.NewTracker()
	perf := posttrade.NewTracker(0)

	gw := sim.NewGateway(sim.Config{
		AckLatency:   10 * time.Millisecond,
		FillAfter:    150 * time.Millisecond,
		RejectEvery:  25,
		PartialFills: true,
	})

	orderMgr, err := order.NewManager(order.Config{
		MarketID:       *marketID,
		TickSize:       tick,
		ToleranceTicks: 2,
		AckTimeout:     time.Second,
	}, gw, inv, state, perf, nil, log)
	if err != nil {
		log.Fatal("order manager", zap.Error(err))
	}

	sess, err := engine.NewSession(engine.Config{
		MarketID:      *marketID,
		TickInterval:  *tickEvery,
		InitialEquity: initialEquity,
	}, engine.Components{
		State:     state,
		Quoter:    quoter,
		Risk:      riskMgr,
		Orders:    orderMgr,
		Inventory: inv,
		Gateway:   gw,
		Logger:    log,
	})
	if err != nil {
		log.Fatal("session", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	go feed(ctx, state, *seed)

	if err := sess.Start(ctx); err != nil {
		log.Fatal("start", zap.Error(err))
	}
	<-ctx.Done()
	_ = sess.Stop()
	gw.Close()

	r := perf.Snapshot()
	net, notional, unrealized := inv.Valuation(state.Snapshot().MidPrice)
	log.Info("simulation complete",
		zap.Int("fills", r.Fills),
		zap.String("volume", r.Volume.String()),
		zap.String("buy_volume", r.BuyVolume.String()),
		zap.String("sell_volume", r.SellVolume.String()),
		zap.String("realized_pnl", r.RealizedPnL.String()),
		zap.String("net_position", net.String()),
		zap.String("notional", notional.String()),
		zap.String("unrealized_pnl", unrealized.String()))
	perf.Close()
}

// feed 合成行情：mid 以 tick 为步长随机游走，盘口一 tick 宽；
// 每隔几秒推一条小幅资金费率。
func feed(ctx context.Context, state *market.State, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	tick := decimal.RequireFromString("0.01")

	midTicks := int64(200_000) // 2000.00
	fundingAt := time.Now()

	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			midTicks += int64(rng.Intn(7)) - 3
			mid := decimal.NewFromInt(midTicks).Mul(tick)
			state.ApplyBook(mid.Sub(tick), mid.Add(tick), now)

			if now.Sub(fundingAt) > 3*time.Second {
				fundingAt = now
				// ±2bp 区间的资金费率
				rate := decimal.NewFromInt(int64(rng.Intn(41)) - 20).Div(decimal.NewFromInt(100_000))
				state.ApplyFunding(rate, now)
			}
		}
	}
}
