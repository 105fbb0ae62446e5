package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"funding-mm-go/config"
	"funding-mm-go/gateway"
	"funding-mm-go/infrastructure/alert"
	"funding-mm-go/infrastructure/logger"
	"funding-mm-go/internal/engine"
	"funding-mm-go/inventory"
	"funding-mm-go/market"
	"funding-mm-go/metrics"
	"funding-mm-go/order"
	"funding-mm-go/posttrade"
	"funding-mm-go/quote"
	"funding-mm-go/risk"
	"funding-mm-go/sim"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    cfg.Log.Console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	metrics.StartServer(cfg.MetricsAddr)
	alerts := alert.NewManager([]alert.Channel{alert.NewZapChannel("log", log)}, time.Minute)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 配置变更走停止-重建-重启，运行中的会话不做原地热改。
	reload := make(chan config.AppConfig, 1)
	go func() {
		w := config.Watcher{Path: *cfgPath, Log: log}
		if err := w.Start(ctx, func(c config.AppConfig) {
			select {
			case reload <- c:
			default:
			}
		}); err != nil && ctx.Err() == nil {
			log.Warn("config watcher exited", zap.Error(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	startWatchdog(ctx)

	for {
		runCtx, stopRun := context.WithCancel(ctx)
		stopAll, err := startSessions(runCtx, cfg, log, alerts)
		if err != nil {
			stopRun()
			log.Fatal("start sessions", zap.Error(err))
		}
		log.Info("runner started", zap.Int("markets", len(cfg.Markets)), zap.String("env", cfg.Env))

		select {
		case <-ctx.Done():
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			stopAll()
			stopRun()
			log.Info("runner exit")
			return
		case next := <-reload:
			log.Info("config changed, rebuilding sessions")
			stopAll()
			stopRun()
			cfg = next
		}
	}
}

// startSessions 为每个配置市场构建并启动一个会话。
// 行情从 websocket 流进入；委托侧默认接模拟撮合网关纸面运行，
// 真实交易所适配器在部署侧注入。
func startSessions(ctx context.Context, cfg config.AppConfig, log *zap.Logger, alerts *alert.Manager) (stop func(), err error) {
	states := make(map[string]*market.State, len(cfg.Markets))
	for id, mc := range cfg.Markets {
		states[id] = market.NewState(id, mc.FundingThresholdDec())
	}

	if cfg.Feed.URL != "" {
		feed := gateway.NewWSFeed(cfg.Feed.URL, states, log)
		if cfg.Feed.ReadIdleTimeoutMs > 0 {
			feed.ReadIdleTimeout = time.Duration(cfg.Feed.ReadIdleTimeoutMs) * time.Millisecond
		}
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("market feed terminated", zap.Error(err))
			}
		}()
	}

	var (
		sessions []*engine.Session
		gateways []*sim.Gateway
		perfs    map[string]*posttrade.Tracker
	)
	perfs = make(map[string]*posttrade.Tracker)

	cleanup := func() {
		for _, s := range sessions {
			_ = s.Stop()
		}
		for _, g := range gateways {
			g.Close()
		}
		for id, p := range perfs {
			r := p.Snapshot()
			log.Info("session performance",
				zap.String("market", id),
				zap.Int("fills", r.Fills),
				zap.String("volume", r.Volume.String()),
				zap.String("realized_pnl", r.RealizedPnL.String()),
				zap.Int("dropped_events", r.DroppedEvents))
			p.Close()
		}
	}

	for id, mc := range cfg.Markets {
		qc, err := mc.BuildQuote()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("market %s: %w", id, err)
		}
		quoter, err := quote.NewPMM(qc)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("market %s: %w", id, err)
		}
		rc, err := mc.BuildRisk()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("market %s: %w", id, err)
		}
		riskMgr, err := risk.NewManager(rc, mc.InitialEquityDec(), log)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("market %s: %w", id, err)
		}

		inv := inventory.NewTracker()
		perf := posttrade.NewTracker(0)
		perfs[id] = perf
		met := metrics.NewSet(nil, id)

		gw := sim.NewGateway(sim.Config{AckLatency: 20 * time.Millisecond})
		gateways = append(gateways, gw)

		orderMgr, err := order.NewManager(order.Config{
			MarketID:       id,
			TickSize:       qc.TickSize,
			ToleranceTicks: int64(mc.ToleranceTicks),
			AckTimeout:     time.Duration(mc.AckTimeoutMs) * time.Millisecond,
		}, gw, inv, states[id], perf, met, log)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("market %s: %w", id, err)
		}

		sess, err := engine.NewSession(engine.Config{
			MarketID:       id,
			TickInterval:   time.Duration(mc.TickIntervalMs) * time.Millisecond,
			InitialEquity:  mc.InitialEquityDec(),
			FeedStaleAfter: time.Duration(mc.StalenessMs) * time.Millisecond,
		}, engine.Components{
			State:     states[id],
			Quoter:    quoter,
			Risk:      riskMgr,
			Orders:    orderMgr,
			Inventory: inv,
			Gateway:   gw,
			Metrics:   met,
			Alerts:    alerts,
			Logger:    log,
		})
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("market %s: %w", id, err)
		}
		if err := sess.Start(ctx); err != nil {
			cleanup()
			return nil, fmt.Errorf("market %s: %w", id, err)
		}
		sessions = append(sessions, sess)
	}

	return cleanup, nil
}

// systemd watchdog：按约定间隔的一半喂狗。
func startWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}
