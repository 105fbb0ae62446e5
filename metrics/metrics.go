// Package metrics provides Prometheus metrics for the market maker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set 单市场指标集合。nil 接收者安全，便于测试中省略指标。
type Set struct {
	quotesGenerated    prometheus.Counter
	intentsTotal       *prometheus.CounterVec
	fillsTotal         prometheus.Counter
	rejectsTotal       prometheus.Counter
	consecutiveRejects prometheus.Gauge
	inventory          prometheus.Gauge
	riskDirective      prometheus.Gauge
	tickDuration       prometheus.Histogram
}

// NewSet 注册并返回某市场的指标集合。reg 为 nil 时使用默认注册表。
func NewSet(reg prometheus.Registerer, marketID string) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"market": marketID}

	return &Set{
		quotesGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_quotes_generated_total", Help: "Quote specs produced by the quote engine.", ConstLabels: labels,
		}),
		intentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_order_intents_total", Help: "Order intents emitted by kind.", ConstLabels: labels,
		}, []string{"kind"}),
		fillsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_fills_applied_total", Help: "Fill events applied (deduplicated).", ConstLabels: labels,
		}),
		rejectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_order_rejects_total", Help: "Place rejects including ack timeouts.", ConstLabels: labels,
		}),
		consecutiveRejects: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_consecutive_rejects", Help: "Current consecutive reject streak.", ConstLabels: labels,
		}),
		inventory: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_inventory", Help: "Signed net position.", ConstLabels: labels,
		}),
		riskDirective: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_risk_directive", Help: "Risk directive: 0=continue 1=reduce_only 2=flatten 3=halt.", ConstLabels: labels,
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "mm_tick_duration_seconds", Help: "Control loop tick duration.", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
}

func (s *Set) AddQuotes(n int) {
	if s == nil {
		return
	}
	s.quotesGenerated.Add(float64(n))
}

func (s *Set) IncIntent(kind string) {
	if s == nil {
		return
	}
	s.intentsTotal.WithLabelValues(kind).Inc()
}

func (s *Set) IncFill() {
	if s == nil {
		return
	}
	s.fillsTotal.Inc()
}

func (s *Set) IncReject() {
	if s == nil {
		return
	}
	s.rejectsTotal.Inc()
}

func (s *Set) SetConsecutiveRejects(n int) {
	if s == nil {
		return
	}
	s.consecutiveRejects.Set(float64(n))
}

func (s *Set) SetInventory(v float64) {
	if s == nil {
		return
	}
	s.inventory.Set(v)
}

func (s *Set) SetRiskDirective(d int) {
	if s == nil {
		return
	}
	s.riskDirective.Set(float64(d))
}

func (s *Set) ObserveTick(d time.Duration) {
	if s == nil {
		return
	}
	s.tickDuration.Observe(d.Seconds())
}

// StartServer 启动 /metrics 服务；addr 为空则不启动。
func StartServer(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
