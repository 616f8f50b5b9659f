package opsserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/betbot/copyflow/internal/domain"
	"github.com/betbot/copyflow/internal/events"
	"github.com/betbot/copyflow/internal/feed"
	"github.com/betbot/copyflow/internal/journal"
	"github.com/betbot/copyflow/internal/services"
	"github.com/betbot/copyflow/internal/store"
	"github.com/betbot/copyflow/pkg/logger"
)

// Server 运维 HTTP 服务
// 排障接口都是只读的：健康检查、feed 快照、复制统计、跟单流水。
// 唯一的写入口是 /api/ingest/trade，供上游成交监听器投递领单者
// 成交事件（至少一次投递，幂等由复制监听器的去重保证）。
type Server struct {
	feed          *feed.Client
	updater       *services.PriceUpdater
	replicator    *services.Replicator
	subscriptions *services.SubscriptionManager
	poller        *services.MarketPoller
	markets       *store.MarketStore
	positions     *store.PositionStore
	journal       *journal.SQLite // 可为 nil（未配置落盘）
	bus           *events.Bus     // 可为 nil（禁用 ingest）

	httpSrv *http.Server
}

// New 创建 ops 服务
func New(
	feedClient *feed.Client,
	updater *services.PriceUpdater,
	replicator *services.Replicator,
	subscriptions *services.SubscriptionManager,
	poller *services.MarketPoller,
	markets *store.MarketStore,
	positions *store.PositionStore,
	copyJournal *journal.SQLite,
	bus *events.Bus,
) *Server {
	return &Server{
		feed:          feedClient,
		updater:       updater,
		replicator:    replicator,
		subscriptions: subscriptions,
		poller:        poller,
		markets:       markets,
		positions:     positions,
		journal:       copyJournal,
		bus:           bus,
	}
}

// Router 构建路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/feed/snapshot", s.handleFeedSnapshot)
	api.GET("/updater/stats", s.handleUpdaterStats)
	api.GET("/replication/stats", s.handleReplicationStats)
	api.GET("/replication/journal/:followerID", s.handleJournal)
	api.GET("/overview", s.handleOverview)
	api.POST("/ingest/trade", s.handleIngestTrade)

	return r
}

// Start 在指定地址启动服务（非阻塞）
func (s *Server) Start(addr string) {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("ops 服务监听 %s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("ops 服务退出: %v", err)
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleFeedSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"snapshot":      s.feed.DebugSnapshot(),
		"state":         s.feed.State().String(),
		"epoch":         s.feed.Epoch(),
		"subscriptions": s.feed.SubscriptionCount(),
	})
}

func (s *Server) handleUpdaterStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.updater.Stats())
}

func (s *Server) handleReplicationStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pairs": s.replicator.StatsSnapshot()})
}

func (s *Server) handleJournal(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "流水未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := s.journal.RecentForFollower(c.Request.Context(), c.Param("followerID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleIngestTrade(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "事件总线未启用"})
		return
	}
	var ev domain.TradeEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !ev.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "事件缺少必要字段"})
		return
	}
	s.bus.Publish(services.TopicLeaderTrade, ev)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "txId": ev.TxID})
}

func (s *Server) handleOverview(c *gin.Context) {
	polls, pollFails := s.poller.Stats()
	c.JSON(http.StatusOK, gin.H{
		"feedState":      s.feed.State().String(),
		"trackedMarkets": s.subscriptions.TrackedMarkets(),
		"markets":        s.markets.Len(),
		"positions":      s.positions.Len(),
		"updater":        s.updater.Stats(),
		"catalogPolls":   polls,
		"catalogFails":   pollFails,
	})
}
