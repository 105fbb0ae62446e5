// Package config 负责运行配置的加载、校验与热更新监听。
// 价格/数量类参数一律以十进制字符串进入，解析为 decimal 后下发，
// 不经过二进制浮点。
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"funding-mm-go/quote"
	"funding-mm-go/risk"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env         string                  `yaml:"env"`
	MetricsAddr string                  `yaml:"metricsAddr"`
	Log         LogConfig               `yaml:"log"`
	Feed        FeedConfig              `yaml:"feed"`
	Markets     map[string]MarketConfig `yaml:"markets"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Console    bool   `yaml:"console"`
}

type FeedConfig struct {
	URL               string `yaml:"url"`
	ReadIdleTimeoutMs int    `yaml:"readIdleTimeoutMs"`
}

// MarketConfig 单市场参数。数值参数用字符串承载十进制。
type MarketConfig struct {
	TickSize         string      `yaml:"tickSize"`
	LotSize          string      `yaml:"lotSize"`
	TickIntervalMs   int         `yaml:"tickIntervalMs"`
	ToleranceTicks   int         `yaml:"toleranceTicks"`
	AckTimeoutMs     int         `yaml:"ackTimeoutMs"`
	StalenessMs      int         `yaml:"stalenessMs"`
	FundingThreshold string      `yaml:"fundingThreshold"`
	InitialEquity    string      `yaml:"initialEquity"`
	Quote            QuoteConfig `yaml:"quote"`
	Risk             RiskConfig  `yaml:"risk"`
}

type QuoteConfig struct {
	BaseSpreadBps    string `yaml:"baseSpreadBps"`
	MaxSkewBps       string `yaml:"maxSkewBps"`
	FundingSkewCoeff string `yaml:"fundingSkewCoeff"`
	LevelStepBps     string `yaml:"levelStepBps"`
	OrderSize        string `yaml:"orderSize"`
	Levels           int    `yaml:"levels"`
	MaxInventory     string `yaml:"maxInventory"`
}

type RiskConfig struct {
	MaxInventory          string `yaml:"maxInventory"`
	MaxInventoryNotional  string `yaml:"maxInventoryNotional"`
	MaxDrawdown           string `yaml:"maxDrawdown"`
	MaxConsecutiveRejects int    `yaml:"maxConsecutiveRejects"`
	SoftThresholdRatio    string `yaml:"softThresholdRatio"`
	FlattenAggressionBps  string `yaml:"flattenAggressionBps"`
	CooldownAfterLossMs   int    `yaml:"cooldownAfterLossMs"`
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides select fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("MM_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("MM_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present and parseable.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if len(cfg.Markets) == 0 {
		return errors.New("markets config is required")
	}
	for id, mc := range cfg.Markets {
		if _, err := mc.BuildQuote(); err != nil {
			return fmt.Errorf("market %s: %w", id, err)
		}
		if _, err := mc.BuildRisk(); err != nil {
			return fmt.Errorf("market %s: %w", id, err)
		}
		if mc.TickIntervalMs <= 0 {
			return fmt.Errorf("market %s: tickIntervalMs must be > 0", id)
		}
		if mc.ToleranceTicks < 0 {
			return fmt.Errorf("market %s: toleranceTicks must be >= 0", id)
		}
		if mc.AckTimeoutMs < 0 {
			return fmt.Errorf("market %s: ackTimeoutMs must be >= 0", id)
		}
		if mc.StalenessMs <= 0 {
			return fmt.Errorf("market %s: stalenessMs must be > 0", id)
		}
		if _, err := parseDec("fundingThreshold", mc.FundingThreshold); err != nil {
			return fmt.Errorf("market %s: %w", id, err)
		}
		if _, err := parseDec("initialEquity", mc.InitialEquity); err != nil {
			return fmt.Errorf("market %s: %w", id, err)
		}
	}
	return nil
}

// BuildQuote 把该市场配置转为报价引擎参数并校验。
func (mc MarketConfig) BuildQuote() (quote.Config, error) {
	var (
		qc  quote.Config
		err error
	)
	if qc.TickSize, err = parseDec("tickSize", mc.TickSize); err != nil {
		return qc, err
	}
	if qc.LotSize, err = parseDec("lotSize", mc.LotSize); err != nil {
		return qc, err
	}
	if qc.BaseSpreadBps, err = parseDec("quote.baseSpreadBps", mc.Quote.BaseSpreadBps); err != nil {
		return qc, err
	}
	if qc.MaxSkewBps, err = parseDec("quote.maxSkewBps", mc.Quote.MaxSkewBps); err != nil {
		return qc, err
	}
	if qc.FundingSkewCoeff, err = parseDec("quote.fundingSkewCoeff", mc.Quote.FundingSkewCoeff); err != nil {
		return qc, err
	}
	if qc.LevelStepBps, err = parseDec("quote.levelStepBps", mc.Quote.LevelStepBps); err != nil {
		return qc, err
	}
	if qc.OrderSize, err = parseDec("quote.orderSize", mc.Quote.OrderSize); err != nil {
		return qc, err
	}
	if qc.MaxInventory, err = parseDec("quote.maxInventory", mc.Quote.MaxInventory); err != nil {
		return qc, err
	}
	qc.Levels = mc.Quote.Levels
	qc.Staleness = time.Duration(mc.StalenessMs) * time.Millisecond
	if err := qc.Validate(); err != nil {
		return qc, err
	}
	return qc, nil
}

// BuildRisk 把该市场配置转为风控参数并校验。
func (mc MarketConfig) BuildRisk() (risk.Config, error) {
	var (
		rc  risk.Config
		err error
	)
	if rc.Limits.MaxInventory, err = parseDec("risk.maxInventory", mc.Risk.MaxInventory); err != nil {
		return rc, err
	}
	if rc.Limits.MaxInventoryNotional, err = parseDec("risk.maxInventoryNotional", mc.Risk.MaxInventoryNotional); err != nil {
		return rc, err
	}
	if rc.Limits.MaxDrawdown, err = parseDec("risk.maxDrawdown", mc.Risk.MaxDrawdown); err != nil {
		return rc, err
	}
	rc.Limits.MaxConsecutiveRejects = mc.Risk.MaxConsecutiveRejects
	if rc.SoftThresholdRatio, err = parseDec("risk.softThresholdRatio", mc.Risk.SoftThresholdRatio); err != nil {
		return rc, err
	}
	if rc.FlattenAggressionBps, err = parseDec("risk.flattenAggressionBps", mc.Risk.FlattenAggressionBps); err != nil {
		return rc, err
	}
	rc.CooldownAfterLoss = time.Duration(mc.Risk.CooldownAfterLossMs) * time.Millisecond
	if rc.TickSize, err = parseDec("tickSize", mc.TickSize); err != nil {
		return rc, err
	}
	if rc.LotSize, err = parseDec("lotSize", mc.LotSize); err != nil {
		return rc, err
	}
	if err := rc.Validate(); err != nil {
		return rc, err
	}
	return rc, nil
}

// FundingThresholdDec 返回解析后的资金费率底噪阈值。
func (mc MarketConfig) FundingThresholdDec() decimal.Decimal {
	d, _ := parseDec("fundingThreshold", mc.FundingThreshold)
	return d
}

// InitialEquityDec 返回解析后的初始权益。
func (mc MarketConfig) InitialEquityDec() decimal.Decimal {
	d, _ := parseDec("initialEquity", mc.InitialEquity)
	return d
}

func parseDec(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
