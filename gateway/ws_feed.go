package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-mm-go/market"
)

// feedMessage 行情流消息。价格字段用字符串承载，解析为 decimal，
// 避免 JSON number 经由 float64 引入精度损失。
type feedMessage struct {
	Type    string `json:"type"` // "book" | "funding"
	Market  string `json:"market"`
	BestBid string `json:"bestBid"`
	BestAsk string `json:"bestAsk"`
	Rate    string `json:"fundingRate"`
	TsMs    int64  `json:"ts"`
}

// WSFeed 行情 websocket 客户端：订阅盘口与资金费率流，解析后写入
// 各市场 State。断线按指数退避重连，读取设置空闲超时。
type WSFeed struct {
	URL     string
	Dialer  *websocket.Dialer
	States  map[string]*market.State
	Funding *market.FundingRouter
	Log     *zap.Logger

	// ReadIdleTimeout 超过该时长未收到任何消息则断开重连。
	ReadIdleTimeout time.Duration
}

// NewWSFeed 创建行情客户端。
func NewWSFeed(url string, states map[string]*market.State, log *zap.Logger) *WSFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSFeed{
		URL:             url,
		Dialer:          websocket.DefaultDialer,
		States:          states,
		Funding:         market.NewFundingRouter(states),
		Log:             log,
		ReadIdleTimeout: 30 * time.Second,
	}
}

// Run 阻塞运行直到 ctx 取消。单次连接失败后退避重连，
// 退避区间 1s~30s 指数增长，成功收到消息后复位。
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := f.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.Log.Warn("market feed disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (f *WSFeed) runConn(ctx context.Context) error {
	conn, _, err := f.Dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// ctx 取消时强制关闭连接，让 ReadMessage 立刻返回。
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	f.Log.Info("market feed connected", zap.String("url", f.URL))
	for {
		if f.ReadIdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(f.ReadIdleTimeout))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handle(raw)
	}
}

func (f *WSFeed) handle(raw []byte) {
	var msg feedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.Log.Debug("drop unparsable feed message", zap.Error(err))
		return
	}
	ts := time.UnixMilli(msg.TsMs)

	switch msg.Type {
	case "book":
		st, ok := f.States[msg.Market]
		if !ok {
			return
		}
		bid, err1 := decimal.NewFromString(msg.BestBid)
		ask, err2 := decimal.NewFromString(msg.BestAsk)
		if err1 != nil || err2 != nil {
			f.Log.Debug("drop book update with bad prices",
				zap.String("market", msg.Market), zap.String("bid", msg.BestBid), zap.String("ask", msg.BestAsk))
			return
		}
		if !st.ApplyBook(bid, ask, ts) {
			f.Log.Debug("drop crossed book update",
				zap.String("market", msg.Market), zap.String("bid", msg.BestBid), zap.String("ask", msg.BestAsk))
		}
	case "funding":
		rate, err := decimal.NewFromString(msg.Rate)
		if err != nil {
			f.Log.Debug("drop funding update with bad rate",
				zap.String("market", msg.Market), zap.String("rate", msg.Rate))
			return
		}
		f.Funding.Dispatch(market.FundingUpdate{MarketID: msg.Market, FundingRate: rate, Timestamp: ts})
	}
}
