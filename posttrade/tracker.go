// Package posttrade 消费核心产出的成交/盈亏事件流做绩效汇总。
// 纯观测用途：核心绝不阻塞在本包上，队列有界，背压时丢弃最旧事件。
package posttrade

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"funding-mm-go/quote"
)

// FillEvent 不可变成交事件。
type FillEvent struct {
	MarketID      string
	Side          quote.Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	RealizedDelta decimal.Decimal
	Timestamp     time.Time
}

// Report 绩效快照。
type Report struct {
	Fills         int
	Volume        decimal.Decimal
	BuyVolume     decimal.Decimal
	SellVolume    decimal.Decimal
	RealizedPnL   decimal.Decimal
	DroppedEvents int
	LastFillAt    time.Time
}

// Tracker 绩效跟踪器：有界环形队列 + 独立消费协程。
type Tracker struct {
	mu      sync.Mutex
	queue   chan FillEvent
	dropped int

	aggMu  sync.RWMutex
	report Report

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewTracker 创建并启动跟踪器。capacity <= 0 时取 1024。
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = 1024
	}
	t := &Tracker{
		queue:    make(chan FillEvent, capacity),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	go t.consume()
	return t
}

// Record 投递一条成交事件；队列满时丢最旧，调用方永不阻塞。
func (t *Tracker) Record(ev FillEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		select {
		case t.queue <- ev:
			return
		default:
		}
		// 队列满：弹出最旧一条再重试。
		select {
		case <-t.queue:
			t.dropped++
		default:
		}
	}
}

func (t *Tracker) consume() {
	defer close(t.doneChan)
	for {
		select {
		case <-t.stopChan:
			// 吃掉剩余事件后退出。
			for {
				select {
				case ev := <-t.queue:
					t.apply(ev)
				default:
					return
				}
			}
		case ev := <-t.queue:
			t.apply(ev)
		}
	}
}

func (t *Tracker) apply(ev FillEvent) {
	t.aggMu.Lock()
	defer t.aggMu.Unlock()
	t.report.Fills++
	t.report.Volume = t.report.Volume.Add(ev.Size)
	if ev.Side == quote.SideBuy {
		t.report.BuyVolume = t.report.BuyVolume.Add(ev.Size)
	} else {
		t.report.SellVolume = t.report.SellVolume.Add(ev.Size)
	}
	t.report.RealizedPnL = t.report.RealizedPnL.Add(ev.RealizedDelta)
	if ev.Timestamp.After(t.report.LastFillAt) {
		t.report.LastFillAt = ev.Timestamp
	}
}

// Snapshot 返回当前绩效快照。
func (t *Tracker) Snapshot() Report {
	t.aggMu.RLock()
	r := t.report
	t.aggMu.RUnlock()

	t.mu.Lock()
	r.DroppedEvents = t.dropped
	t.mu.Unlock()
	return r
}

// Close 停止消费协程，等待在途事件汇总完毕。
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stopChan) })
	<-t.doneChan
}
