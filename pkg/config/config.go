package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FeedConfig 推送行情源配置
type FeedConfig struct {
	URL                  string        `yaml:"url"`                  // WebSocket 地址
	ProxyURL             string        `yaml:"proxyUrl"`             // 可选代理
	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval"`    // 心跳间隔（默认 10s）
	SilenceTimeout       time.Duration `yaml:"silenceTimeout"`       // 入站静默超时（默认 30s），超时强制重连
	BackoffMin           time.Duration `yaml:"backoffMin"`           // 重连退避下限（默认 1s）
	BackoffMax           time.Duration `yaml:"backoffMax"`           // 重连退避上限（默认 60s）
	UptimeResetThreshold time.Duration `yaml:"uptimeResetThreshold"` // 连接稳定多久后重置退避（默认 30s）
	WriteTimeout         time.Duration `yaml:"writeTimeout"`         // 写超时（默认 10s）
}

// UpdaterConfig 价格更新管线配置
type UpdaterConfig struct {
	DebounceQuiet    time.Duration `yaml:"debounceQuiet"`    // 每个市场的合并静默期（默认 1s）
	RecomputePerSec  int           `yaml:"recomputePerSec"`  // 全局重算速率上限（默认 8/s）
	RecomputeBurst   int           `yaml:"recomputeBurst"`   // 令牌桶容量（默认 10）
	UserViewCacheTTL time.Duration `yaml:"userViewCacheTtl"` // 用户视图缓存 TTL（默认 30s）
	CatalogInterval  time.Duration `yaml:"catalogInterval"`  // 市场目录轮询周期（默认 1m）
}

// SubscriptionConfig 订阅管理配置
type SubscriptionConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcileInterval"` // 全量对账周期（默认 5m）
}

// ReplicationConfig 跟单复制配置
type ReplicationConfig struct {
	DedupTTL        time.Duration `yaml:"dedupTtl"`        // 去重记录 TTL（默认 5m）
	MinTradeUSD     float64       `yaml:"minTradeUsd"`     // 最小下单金额（默认 1.05）
	MinFloorPolicy  string        `yaml:"minFloorPolicy"`  // 低于最小金额的策略: drop | round_up（默认 drop）
	SellSizing      string        `yaml:"sellSizing"`      // 卖出按什么定比例: budget | position（默认 budget）
	FollowerTimeout time.Duration `yaml:"followerTimeout"` // 单个跟单者下单超时（默认 15s）
	RetryDelay      time.Duration `yaml:"retryDelay"`      // 失败后一次补发的固定延迟（默认 2s）
}

// ReadModelConfig 读模型（仓位/用户/配额）数据服务配置
type ReadModelConfig struct {
	BaseURL    string        `yaml:"baseUrl"`    // 数据 API 地址
	Timeout    time.Duration `yaml:"timeout"`    // 请求超时（默认 10s）
	RetryCount int           `yaml:"retryCount"` // resty 重试次数（默认 2）
}

// OpsConfig 运维/调试服务配置
type OpsConfig struct {
	Enabled    bool   `yaml:"enabled"`    // 是否启动 ops server
	ListenAddr string `yaml:"listenAddr"` // 监听地址（默认 127.0.0.1:9180）
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"outputFile"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// JournalConfig 跟单流水（sqlite）配置
type JournalConfig struct {
	Path string `yaml:"path"` // sqlite 文件路径，空则不落盘
}

// Config 全局配置
type Config struct {
	Feed         FeedConfig         `yaml:"feed"`
	Updater      UpdaterConfig      `yaml:"updater"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Replication  ReplicationConfig  `yaml:"replication"`
	ReadModel    ReadModelConfig    `yaml:"readModel"`
	Ops          OpsConfig          `yaml:"ops"`
	Log          LogConfig          `yaml:"log"`
	Journal      JournalConfig      `yaml:"journal"`
}

// Default 返回带默认值的配置
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			HeartbeatInterval:    10 * time.Second,
			SilenceTimeout:       30 * time.Second,
			BackoffMin:           1 * time.Second,
			BackoffMax:           60 * time.Second,
			UptimeResetThreshold: 30 * time.Second,
			WriteTimeout:         10 * time.Second,
		},
		Updater: UpdaterConfig{
			DebounceQuiet:    1 * time.Second,
			RecomputePerSec:  8,
			RecomputeBurst:   10,
			UserViewCacheTTL: 30 * time.Second,
			CatalogInterval:  time.Minute,
		},
		Subscription: SubscriptionConfig{
			ReconcileInterval: 5 * time.Minute,
		},
		Replication: ReplicationConfig{
			DedupTTL:        5 * time.Minute,
			MinTradeUSD:     1.05, // 略高于交易所 $1 下限，避免 "min size" 报错
			MinFloorPolicy:  "drop",
			SellSizing:      "budget",
			FollowerTimeout: 15 * time.Second,
			RetryDelay:      2 * time.Second,
		},
		ReadModel: ReadModelConfig{
			Timeout:    10 * time.Second,
			RetryCount: 2,
		},
		Ops: OpsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9180",
		},
		Log: LogConfig{
			Level:      "info",
			OutputFile: "logs/copyflow.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
	}
}

// Load 加载配置：默认值 <- yaml 文件（可选） <- 环境变量
// 启动时会尝试加载 .env 文件（不存在则忽略）。
func Load(path string) (*Config, error) {
	// 加载 .env（如果存在）
	_ = godotenv.Load()

	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败 %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败 %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置的硬性约束
func (c *Config) Validate() error {
	if c.Feed.BackoffMin <= 0 || c.Feed.BackoffMax < c.Feed.BackoffMin {
		return fmt.Errorf("feed 退避配置无效: min=%v max=%v", c.Feed.BackoffMin, c.Feed.BackoffMax)
	}
	switch c.Replication.MinFloorPolicy {
	case "drop", "round_up":
	default:
		return fmt.Errorf("无效的 minFloorPolicy: %q（只支持 drop | round_up）", c.Replication.MinFloorPolicy)
	}
	switch c.Replication.SellSizing {
	case "budget", "position":
	default:
		return fmt.Errorf("无效的 sellSizing: %q（只支持 budget | position）", c.Replication.SellSizing)
	}
	if c.Updater.RecomputePerSec <= 0 {
		return fmt.Errorf("updater.recomputePerSec 必须 > 0")
	}
	return nil
}

// applyEnvOverrides 环境变量覆盖（部署时不想动 yaml 的场景）
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COPYFLOW_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("COPYFLOW_FEED_PROXY"); v != "" {
		cfg.Feed.ProxyURL = v
	}
	if v := os.Getenv("COPYFLOW_READMODEL_URL"); v != "" {
		cfg.ReadModel.BaseURL = v
	}
	if v := os.Getenv("COPYFLOW_OPS_ADDR"); v != "" {
		cfg.Ops.ListenAddr = v
	}
	if v := os.Getenv("COPYFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("COPYFLOW_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("COPYFLOW_MIN_TRADE_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Replication.MinTradeUSD = f
		}
	}
}
