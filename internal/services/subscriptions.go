package services

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/copyflow/internal/domain"
	"github.com/betbot/copyflow/internal/events"
	"github.com/betbot/copyflow/internal/metrics"
	"github.com/betbot/copyflow/internal/store"
	"github.com/betbot/copyflow/pkg/logger"
)

// 事件主题
const (
	TopicPositionOpened = "position:opened" // payload: domain.Position
	TopicPositionClosed = "position:closed" // payload: domain.Position
	TopicMarketPrice    = "market:price"    // payload: MarketPriceUpdate
)

// FeedControl 订阅管理器需要的推送源控制面
type FeedControl interface {
	Subscribe(ids ...string) error
	Unsubscribe(ids ...string) error
}

// SubscriptionManager 订阅管理器
// 维护"有持仓的市场 ⇔ 已订阅的资产"这个最小订阅集：建仓即订阅、
// 市场上最后一个仓位平掉即退订。退订决策永远基于最新持仓状态
// 重新检查，避免并发建仓被误退订。
type SubscriptionManager struct {
	feed      FeedControl
	markets   *store.MarketStore
	positions *store.PositionStore
	bus       *events.Bus
	interval  time.Duration

	mu      sync.Mutex
	tracked map[string][]string // marketID → 已订阅的资产 ID

	cancelSubs []func()
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewSubscriptionManager 创建订阅管理器
func NewSubscriptionManager(
	feed FeedControl,
	markets *store.MarketStore,
	positions *store.PositionStore,
	bus *events.Bus,
	reconcileInterval time.Duration,
) *SubscriptionManager {
	if reconcileInterval <= 0 {
		reconcileInterval = 5 * time.Minute
	}
	return &SubscriptionManager{
		feed:      feed,
		markets:   markets,
		positions: positions,
		bus:       bus,
		interval:  reconcileInterval,
		tracked:   make(map[string][]string),
	}
}

// Start 订阅仓位事件并启动周期对账循环
func (m *SubscriptionManager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if m.bus != nil {
		m.cancelSubs = append(m.cancelSubs,
			m.bus.Subscribe(TopicPositionOpened, func(msg events.Message) {
				if p, ok := msg.Payload.(domain.Position); ok {
					m.OnPositionOpened(p.MarketID)
				}
			}),
			m.bus.Subscribe(TopicPositionClosed, func(msg events.Message) {
				if p, ok := msg.Payload.(domain.Position); ok {
					m.OnPositionClosed(p.MarketID)
				}
			}),
		)
	}

	// 启动时先把订阅集对齐到当前持仓
	m.Reconcile()

	m.wg.Add(1)
	go m.reconcileLoop()
}

// Close 停止对账循环并解除事件订阅
func (m *SubscriptionManager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	for _, cancel := range m.cancelSubs {
		cancel()
	}
	m.cancelSubs = nil
	m.wg.Wait()
}

// OnPositionOpened 建仓回调：确保该市场的资产已订阅
// 重复建仓是 no-op（订阅集不变）。
func (m *SubscriptionManager) OnPositionOpened(marketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeMarketLocked(marketID)
}

// OnPositionClosed 平仓回调
// 用最新持仓状态重新检查：市场里还有别的持仓就保持订阅。
func (m *SubscriptionManager) OnPositionClosed(marketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.positions.HasActiveInMarket(marketID) {
		return
	}
	m.unsubscribeMarketLocked(marketID)
}

// Reconcile 全量对账：订阅集对齐到当前持仓市场集
// 推送来源但已无订阅的市场同时降级回 poll，让轮询价格重新生效。
func (m *SubscriptionManager) Reconcile() {
	desired := make(map[string]struct{})
	for _, id := range m.positions.ActiveMarketIDs() {
		desired[id] = struct{}{}
	}

	m.mu.Lock()
	added, removed := 0, 0
	for marketID := range desired {
		if _, ok := m.tracked[marketID]; !ok {
			if m.subscribeMarketLocked(marketID) {
				added++
			}
		}
	}
	for marketID := range m.tracked {
		if _, ok := desired[marketID]; !ok {
			m.unsubscribeMarketLocked(marketID)
			removed++
		}
	}
	m.mu.Unlock()

	// 没有订阅兴趣的 feed 市场降级，poll 写入重新生效
	demoted := 0
	for _, marketID := range m.markets.FeedSourcedIDs() {
		if _, ok := desired[marketID]; !ok {
			if m.markets.Demote(marketID) {
				demoted++
			}
		}
	}

	metrics.ReconcileRuns.Add(1)
	if added > 0 || removed > 0 || demoted > 0 {
		logger.Infof("订阅对账完成: 新增=%d 移除=%d 降级=%d 当前=%d", added, removed, demoted, len(desired))
	}
}

// TrackedMarkets 当前已订阅的市场数量（ops 快照用）
func (m *SubscriptionManager) TrackedMarkets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

func (m *SubscriptionManager) subscribeMarketLocked(marketID string) bool {
	if _, ok := m.tracked[marketID]; ok {
		return false
	}
	market, ok := m.markets.Get(marketID)
	if !ok {
		// 市场元信息未就绪：留给下一轮对账
		logger.Debugf("市场 %s 不在存储中，暂不订阅", marketID)
		return false
	}

	assetIDs := market.AssetIDs()
	if err := m.feed.Subscribe(assetIDs...); err != nil {
		logger.Warnf("订阅市场 %s 失败: %v", marketID, err)
		// 订阅指令失败不影响期望集合，feed 客户端重连后会全量重发
	}
	m.tracked[marketID] = assetIDs
	return true
}

func (m *SubscriptionManager) unsubscribeMarketLocked(marketID string) {
	assetIDs, ok := m.tracked[marketID]
	if !ok {
		return
	}
	delete(m.tracked, marketID)
	if err := m.feed.Unsubscribe(assetIDs...); err != nil {
		logger.Warnf("退订市场 %s 失败: %v", marketID, err)
	}
}

func (m *SubscriptionManager) reconcileLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile()
		}
	}
}
