package services

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/copyflow/internal/events"
	"github.com/betbot/copyflow/internal/feed"
	"github.com/betbot/copyflow/internal/metrics"
	"github.com/betbot/copyflow/internal/ports"
	"github.com/betbot/copyflow/internal/store"
	"github.com/betbot/copyflow/pkg/debounce"
	"github.com/betbot/copyflow/pkg/logger"
	"github.com/betbot/copyflow/pkg/ratelimit"
)

// MarketPriceUpdate 价格重算完成事件（TopicMarketPrice 的 payload）
type MarketPriceUpdate struct {
	MarketID         string
	PrimaryPrice     decimal.Decimal
	UpdatedPositions int
	At               time.Time
}

// PriceUpdater 市场价格更新器
// 快路径：推送帧到达即写入市场存储（来源优先级由存储保证）。
// 慢路径：每个市场做静默合并（一串密集 tick 只触发一次重算），
// 重算整体再过一个全局令牌桶，保护下游的盈亏计算和缓存失效。
type PriceUpdater struct {
	markets     *store.MarketStore
	positions   *store.PositionStore
	bus         *events.Bus
	invalidator ports.UserViewInvalidator
	coalescer   *debounce.Coalescer[string, decimal.Decimal]

	lastEpoch atomic.Uint64

	framesApplied atomic.Uint64
	framesUnknown atomic.Uint64
	recomputes    atomic.Uint64
}

// NewPriceUpdater 创建价格更新器
// quiet 是每个市场的合并静默期，limiter 是全局重算速率上限。
func NewPriceUpdater(
	markets *store.MarketStore,
	positions *store.PositionStore,
	bus *events.Bus,
	invalidator ports.UserViewInvalidator,
	quiet time.Duration,
	limiter ratelimit.RateLimiter,
) *PriceUpdater {
	u := &PriceUpdater{
		markets:     markets,
		positions:   positions,
		bus:         bus,
		invalidator: invalidator,
	}
	u.coalescer = debounce.NewCoalescer[string, decimal.Decimal](quiet, limiter, u.recompute)
	return u
}

// HandleFrame 推送帧回调（实现 feed.Handler）
// 同一纪元内按接收顺序处理；观察到更高纪元后丢弃旧纪元的帧。
func (u *PriceUpdater) HandleFrame(frame feed.Frame, epoch uint64) {
	for {
		last := u.lastEpoch.Load()
		if epoch < last {
			return // 陈旧纪元
		}
		if epoch == last || u.lastEpoch.CompareAndSwap(last, epoch) {
			break
		}
	}

	switch f := frame.(type) {
	case feed.PriceFrame:
		u.applyPrice(f.AssetID, f.Price)
	case feed.BatchPriceFrame:
		for _, change := range f.Changes {
			u.applyPrice(change.AssetID, change.Price)
		}
	default:
		// 心跳/未知帧在 feed 客户端层已经消化
	}
}

// applyPrice 单条价格：立即写存储，然后为所属市场安排一次合并重算
func (u *PriceUpdater) applyPrice(assetID string, price decimal.Decimal) {
	marketID, ok := u.markets.ApplyFeedPrice(assetID, price, time.Now())
	if !ok {
		// 未订阅/未知的资产：丢弃计数，不拆流水线
		u.framesUnknown.Add(1)
		return
	}
	u.framesApplied.Add(1)
	u.coalescer.Trigger(marketID, price)
}

// recompute 合并窗口到期后的重算：刷新该市场全部持仓的盈亏，
// 失效相关用户的视图缓存，并广播价格事件。
func (u *PriceUpdater) recompute(marketID string, _ decimal.Decimal) {
	market, ok := u.markets.Get(marketID)
	if !ok || len(market.Outcomes) == 0 {
		return
	}
	// 统一按主结果（第一个 outcome）报价重算
	primaryPrice := market.Outcomes[0].Price

	now := time.Now()
	updated := u.positions.RefreshPrices(marketID, primaryPrice, now)
	u.recomputes.Add(1)
	metrics.PriceRecomputes.Add(1)

	if len(updated) > 0 && u.invalidator != nil {
		userIDs := make([]string, 0, len(updated))
		seen := make(map[string]struct{}, len(updated))
		for _, p := range updated {
			if _, ok := seen[p.UserID]; !ok {
				seen[p.UserID] = struct{}{}
				userIDs = append(userIDs, p.UserID)
			}
		}
		u.invalidator.InvalidateUserViews(userIDs)
	}

	if u.bus != nil {
		u.bus.Publish(TopicMarketPrice, MarketPriceUpdate{
			MarketID:         marketID,
			PrimaryPrice:     primaryPrice,
			UpdatedPositions: len(updated),
			At:               now,
		})
	}

	logger.Debugf("市场 %s 重算完成: price=%s positions=%d", marketID, primaryPrice.String(), len(updated))
}

// Close 取消尚未触发的合并窗口
func (u *PriceUpdater) Close() {
	u.coalescer.Close()
}

// UpdaterStats 更新器运行统计
type UpdaterStats struct {
	FramesApplied uint64 `json:"framesApplied"`
	FramesUnknown uint64 `json:"framesUnknown"`
	Recomputes    uint64 `json:"recomputes"`
	Pending       int    `json:"pending"`
}

// Stats 当前统计快照
func (u *PriceUpdater) Stats() UpdaterStats {
	return UpdaterStats{
		FramesApplied: u.framesApplied.Load(),
		FramesUnknown: u.framesUnknown.Load(),
		Recomputes:    u.recomputes.Load(),
		Pending:       u.coalescer.PendingCount(),
	}
}
