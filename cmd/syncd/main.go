package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/copyflow/internal/events"
	"github.com/betbot/copyflow/internal/feed"
	"github.com/betbot/copyflow/internal/journal"
	"github.com/betbot/copyflow/internal/metrics"
	"github.com/betbot/copyflow/internal/opsserver"
	"github.com/betbot/copyflow/internal/readmodel"
	"github.com/betbot/copyflow/internal/services"
	"github.com/betbot/copyflow/internal/store"
	"github.com/betbot/copyflow/pkg/cache"
	"github.com/betbot/copyflow/pkg/config"
	"github.com/betbot/copyflow/pkg/logger"
	"github.com/betbot/copyflow/pkg/ratelimit"
	"github.com/betbot/copyflow/pkg/shutdown"
)

// viewInvalidator 把仓位刷新接到用户视图缓存的失效上
type viewInvalidator struct {
	views *cache.UserViewCache
}

func (v viewInvalidator) InvalidateUserViews(userIDs []string) {
	for _, id := range userIDs {
		v.views.Invalidate(id)
	}
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（yaml）")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	if cfg.Feed.URL == "" {
		logrus.Errorf("缺少 feed.url（或环境变量 COPYFLOW_FEED_URL）")
		os.Exit(1)
	}
	if cfg.ReadModel.BaseURL == "" {
		logrus.Errorf("缺少 readModel.baseUrl（或环境变量 COPYFLOW_READMODEL_URL）")
		os.Exit(1)
	}

	// 用配置重新初始化日志（文件输出 + 轮转）
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.OutputFile,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		logrus.Errorf("重新初始化日志失败: %v", err)
		os.Exit(1)
	}

	logger.Info("🚀 启动行情同步/跟单复制服务...")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 基础设施
	bus := events.NewBus(256)
	markets := store.NewMarketStore()
	positions := store.NewPositionStore()
	userViews := cache.NewUserViewCache(cfg.Updater.UserViewCacheTTL)

	// 读模型 / 订单出口（同一个数据服务）
	dataAPI := readmodel.New(cfg.ReadModel.BaseURL, cfg.ReadModel.Timeout)

	// 价格更新管线：每市场合并 + 全局令牌桶
	limiter := ratelimit.NewTokenBucket(cfg.Updater.RecomputeBurst, cfg.Updater.RecomputePerSec)
	updater := services.NewPriceUpdater(
		markets, positions, bus,
		viewInvalidator{views: userViews},
		cfg.Updater.DebounceQuiet, limiter,
	)

	// 推送行情源
	feedClient := feed.NewClient(feed.Config{
		URL:                  cfg.Feed.URL,
		ProxyURL:             cfg.Feed.ProxyURL,
		HeartbeatInterval:    cfg.Feed.HeartbeatInterval,
		SilenceTimeout:       cfg.Feed.SilenceTimeout,
		BackoffMin:           cfg.Feed.BackoffMin,
		BackoffMax:           cfg.Feed.BackoffMax,
		UptimeResetThreshold: cfg.Feed.UptimeResetThreshold,
		WriteTimeout:         cfg.Feed.WriteTimeout,
	}, updater.HandleFrame)

	// 订阅管理器：持仓 ⇔ 订阅 的最小集
	subscriptions := services.NewSubscriptionManager(
		feedClient, markets, positions, bus, cfg.Subscription.ReconcileInterval)

	// 市场目录轮询（慢路径）
	poller := services.NewMarketPoller(dataAPI, markets, cfg.Updater.CatalogInterval)

	// 跟单流水（可选）
	var copyJournal *journal.SQLite
	var journalSink services.CopyJournal
	if cfg.Journal.Path != "" {
		copyJournal, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			logrus.Errorf("打开跟单流水失败: %v", err)
			os.Exit(1)
		}
		journalSink = copyJournal
		logger.Infof("跟单流水已启用: %s", cfg.Journal.Path)
	}

	// 复制监听器
	replicator := services.NewReplicator(
		dataAPI, dataAPI, positions, bus, journalSink,
		cache.NewDedupCache(cfg.Replication.DedupTTL),
		services.ReplicatorOptions{
			MinTradeUSD:     decimal.NewFromFloat(cfg.Replication.MinTradeUSD),
			MinFloorPolicy:  cfg.Replication.MinFloorPolicy,
			SellSizing:      cfg.Replication.SellSizing,
			FollowerTimeout: cfg.Replication.FollowerTimeout,
			RetryDelay:      cfg.Replication.RetryDelay,
		},
	)

	// 启动顺序：消费方先就绪，再放开入口
	// 轮询器先跑一次，让订阅对账能拿到市场元信息。
	replicator.Start(rootCtx)
	poller.Start(rootCtx)
	subscriptions.Start(rootCtx)
	if err := feedClient.Start(rootCtx); err != nil {
		logrus.Errorf("启动 feed 客户端失败: %v", err)
		os.Exit(1)
	}

	// 可选：metrics/pprof（默认关闭，通过环境变量启用）
	if addr := os.Getenv("COPYFLOW_PPROF_ADDR"); addr != "" {
		if _, err := metrics.StartAsync(rootCtx, addr); err != nil {
			logrus.Errorf("metrics/pprof 启动失败: %v", err)
		} else {
			logger.Infof("📊 metrics/pprof 启用: listen=%s (expvar:/debug/vars, pprof:/debug/pprof)", addr)
		}
	}

	var ops *opsserver.Server
	if cfg.Ops.Enabled {
		ops = opsserver.New(feedClient, updater, replicator, subscriptions,
			poller, markets, positions, copyJournal, bus)
		ops.Start(cfg.Ops.ListenAddr)
	}

	// 注册关闭回调
	shutdownMgr := shutdown.NewManager()
	shutdownMgr.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
		if ops != nil {
			_ = ops.Shutdown(ctx)
		}
	})
	shutdownMgr.OnShutdown(func(_ context.Context, _ *sync.WaitGroup) {
		feedClient.Close()
	})
	shutdownMgr.OnShutdown(func(_ context.Context, _ *sync.WaitGroup) {
		subscriptions.Close()
		poller.Close()
		replicator.Close()
		updater.Close()
	})

	logger.Info("✅ 服务已启动，按 Ctrl+C 停止")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("收到停止信号，正在关闭...")
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	shutdownMgr.Shutdown(shutdownCtx)

	// 事件总线和流水最后关：前面的组件可能还在发收尾事件
	bus.Close()
	if copyJournal != nil {
		_ = copyJournal.Close()
	}

	logger.Info("✅ 服务已停止")
}
