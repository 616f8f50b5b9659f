package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/copyflow/internal/domain"
	"github.com/betbot/copyflow/internal/events"
	"github.com/betbot/copyflow/internal/metrics"
	"github.com/betbot/copyflow/internal/ports"
	"github.com/betbot/copyflow/internal/store"
	"github.com/betbot/copyflow/pkg/cache"
	"github.com/betbot/copyflow/pkg/logger"
)

// 复制监听器事件主题
const (
	TopicLeaderTrade = "trade:leader" // payload: domain.TradeEvent
	TopicCopyResult  = "trade:copy"   // payload: CopyResult
)

// CopyResult 单个跟单者的复制结果
type CopyResult struct {
	TxID        string
	FollowerID  string
	Leader      string
	Side        domain.TradeSide
	NotionalUSD decimal.Decimal
	OrderTxID   string
	Skipped     bool
	SkipReason  string
	Err         string
	At          time.Time
}

// CopyJournalEntry 跟单流水记录
type CopyJournalEntry struct {
	SourceTxID  string
	FollowerID  string
	Leader      string
	MarketID    string
	Outcome     string
	Side        string
	NotionalUSD decimal.Decimal
	OrderTxID   string
	Status      string // copied | skipped | failed
	Detail      string
	At          time.Time
}

// CopyJournal 跟单流水出口（sqlite 等），失败只记日志不阻断复制
type CopyJournal interface {
	Record(ctx context.Context, entry CopyJournalEntry) error
}

// ReplicatorOptions 复制行为参数
type ReplicatorOptions struct {
	MinTradeUSD     decimal.Decimal // 低于这个金额视为碎单
	MinFloorPolicy  string          // drop: 跳过碎单；round_up: 抬到下限再下单
	SellSizing      string          // budget: 卖出和买入同口径；position: 不超过持仓
	FollowerTimeout time.Duration   // 单个跟单者的下单超时
	RetryDelay      time.Duration   // 传输层失败后一次补发的固定延迟
}

func (o *ReplicatorOptions) withDefaults() {
	if o.MinTradeUSD.IsZero() {
		o.MinTradeUSD = decimal.RequireFromString("1.05")
	}
	if o.MinFloorPolicy == "" {
		o.MinFloorPolicy = "drop"
	}
	if o.SellSizing == "" {
		o.SellSizing = "budget"
	}
	if o.FollowerTimeout <= 0 {
		o.FollowerTimeout = 15 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
}

// Replicator 跟单复制监听器
// 消费领单者成交事件（至少一次投递），按 TxID 去重后对每个生效的
// 跟单配置并行复制。单个跟单者的失败（余额不足、下单超时）只影响
// 它自己，其余跟单者照常成交。
type Replicator struct {
	readModel ports.ReadModel
	orders    ports.OrderSubmitter
	positions *store.PositionStore
	bus       *events.Bus
	journal   CopyJournal
	dedup     *cache.DedupCache
	opts      ReplicatorOptions

	statsMu sync.Mutex
	stats   map[string]*domain.ReplicationStats // followerID|leader → 累计统计

	cancelSub func()
}

// NewReplicator 创建复制监听器
func NewReplicator(
	readModel ports.ReadModel,
	orders ports.OrderSubmitter,
	positions *store.PositionStore,
	bus *events.Bus,
	journal CopyJournal,
	dedup *cache.DedupCache,
	opts ReplicatorOptions,
) *Replicator {
	opts.withDefaults()
	return &Replicator{
		readModel: readModel,
		orders:    orders,
		positions: positions,
		bus:       bus,
		journal:   journal,
		dedup:     dedup,
		opts:      opts,
		stats:     make(map[string]*domain.ReplicationStats),
	}
}

// Start 订阅领单者成交事件
func (r *Replicator) Start(ctx context.Context) {
	if r.bus == nil {
		return
	}
	r.cancelSub = r.bus.Subscribe(TopicLeaderTrade, func(msg events.Message) {
		if ev, ok := msg.Payload.(domain.TradeEvent); ok {
			r.HandleTrade(ctx, ev)
		}
	})
}

// Close 解除事件订阅
func (r *Replicator) Close() {
	if r.cancelSub != nil {
		r.cancelSub()
		r.cancelSub = nil
	}
}

// HandleTrade 处理一条领单者成交
// 去重在最前面：同一 TxID 的重复投递整体跳过。复制本身只读
// 不可变的事件字段，所以重复跳过不影响正确性。
func (r *Replicator) HandleTrade(ctx context.Context, ev domain.TradeEvent) {
	if !ev.Valid() {
		logger.Warnf("丢弃字段不全的成交事件: tx=%s leader=%s", ev.TxID, ev.LeaderAddress)
		return
	}
	if !r.dedup.MarkIfNew(ev.TxID) {
		logger.Debugf("成交 %s 已处理过，跳过", ev.TxID)
		return
	}

	leader, found, err := r.readModel.ResolveLeader(ctx, ev.LeaderAddress)
	if err != nil {
		logger.Errorf("解析领单者 %s 失败: %v", ev.LeaderAddress, err)
		return
	}
	if !found || !leader.Active {
		// 不是被跟的地址：正常情况，静默忽略
		return
	}

	allocations, err := r.readModel.AllocationsForLeader(ctx, ev.LeaderAddress)
	if err != nil {
		logger.Errorf("拉取 %s 的跟单配置失败: %v", ev.LeaderAddress, err)
		return
	}

	active := allocations[:0]
	for _, a := range allocations {
		if a.Active {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return
	}

	logger.Infof("复制成交 %s: leader=%s %s %s@%s notional=%s followers=%d",
		ev.TxID, leader.Alias, ev.Side, ev.Outcome, ev.Price.String(),
		ev.NotionalUSD.String(), len(active))

	// 每个跟单者独立 goroutine + 独立超时，互不拖累
	var wg sync.WaitGroup
	for _, allocation := range active {
		wg.Add(1)
		go func(a domain.FollowerAllocation) {
			defer wg.Done()
			r.copyForFollower(ctx, ev, a)
		}(allocation)
	}
	wg.Wait()
}

// copyForFollower 为单个跟单者复制一笔成交
func (r *Replicator) copyForFollower(ctx context.Context, ev domain.TradeEvent, a domain.FollowerAllocation) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.FollowerTimeout)
	defer cancel()

	result := CopyResult{
		TxID:       ev.TxID,
		FollowerID: a.FollowerID,
		Leader:     ev.LeaderAddress,
		Side:       ev.Side,
		At:         time.Now(),
	}

	notional, skipReason, err := r.sizeOrder(ctx, ev, a)
	switch {
	case err != nil:
		result.Err = err.Error()
		logger.Errorf("跟单者 %s 额度计算失败: %v", a.FollowerID, err)
		r.finish(ctx, ev, a, result, "failed", err.Error())
		return
	case skipReason != "":
		result.Skipped = true
		result.SkipReason = skipReason
		logger.Infof("跟单者 %s 跳过成交 %s: %s", a.FollowerID, ev.TxID, skipReason)
		r.finish(ctx, ev, a, result, "skipped", skipReason)
		return
	}
	result.NotionalUSD = notional

	orderResult, err := r.submitWithRetry(ctx, ports.OrderRequest{
		FollowerID:  a.FollowerID,
		MarketID:    ev.MarketID,
		Outcome:     ev.Outcome,
		Side:        ev.Side,
		NotionalUSD: notional,
		Price:       ev.Price,
		SourceTxID:  ev.TxID,
		Mode:        a.Mode,
	})
	if err != nil {
		result.Err = err.Error()
		logger.Errorf("跟单者 %s 下单失败: %v", a.FollowerID, err)
		r.finish(ctx, ev, a, result, "failed", err.Error())
		return
	}
	if !orderResult.Success {
		result.Err = orderResult.Message
		logger.Warnf("跟单者 %s 下单被拒: %s", a.FollowerID, orderResult.Message)
		r.finish(ctx, ev, a, result, "failed", orderResult.Message)
		return
	}

	result.OrderTxID = orderResult.TxID
	r.applyPosition(ev, a, notional)
	logger.Infof("跟单者 %s 复制成功: %s $%s (order=%s)",
		a.FollowerID, ev.Side, notional.String(), orderResult.TxID)
	r.finish(ctx, ev, a, result, "copied", "")
}

// sizeOrder 计算复制金额
// fixed: min(配置金额, 可用余额)
// proportional: min(领单金额, 余额 × 百分比)
// 单笔上限之后再套；卖出按 position 口径时不超过现有持仓。
func (r *Replicator) sizeOrder(ctx context.Context, ev domain.TradeEvent, a domain.FollowerAllocation) (decimal.Decimal, string, error) {
	balance, err := r.readModel.AvailableBalance(ctx, a.FollowerID)
	if err != nil {
		return decimal.Zero, "", err
	}

	var notional decimal.Decimal
	switch a.Mode {
	case domain.ModeFixed:
		notional = decimal.Min(a.Value, balance)
	case domain.ModeProportional:
		budget := balance.Mul(a.Value).Div(hundredPct)
		notional = decimal.Min(ev.NotionalUSD, budget)
	default:
		return decimal.Zero, "", fmt.Errorf("未知的额度模式: %q", a.Mode)
	}

	if a.MaxNotionalUSD != nil && notional.GreaterThan(*a.MaxNotionalUSD) {
		notional = *a.MaxNotionalUSD
	}

	// 卖出只卖得出持有的部分
	if ev.Side == domain.TradeSideSell && r.opts.SellSizing == "position" {
		held, err := r.readModel.FollowerPositionNotional(ctx, a.FollowerID, ev.MarketID, ev.Outcome)
		if err != nil {
			return decimal.Zero, "", err
		}
		if held.IsZero() {
			return decimal.Zero, "没有可卖持仓", nil
		}
		notional = decimal.Min(notional, held)
	}

	if notional.LessThan(r.opts.MinTradeUSD) {
		if r.opts.MinFloorPolicy == "round_up" && balance.GreaterThanOrEqual(r.opts.MinTradeUSD) {
			return r.opts.MinTradeUSD, "", nil
		}
		return decimal.Zero, fmt.Sprintf("金额 $%s 低于下限 $%s", notional.String(), r.opts.MinTradeUSD.String()), nil
	}
	return notional, "", nil
}

// submitWithRetry 提交订单；传输层失败固定延迟后补发一次
// 业务拒绝（Success=false）不重试。
func (r *Replicator) submitWithRetry(ctx context.Context, req ports.OrderRequest) (ports.OrderResult, error) {
	result, err := r.orders.SubmitOrder(ctx, req)
	if err == nil {
		return result, nil
	}

	logger.Warnf("跟单者 %s 下单传输失败，%v 后补发: %v", req.FollowerID, r.opts.RetryDelay, err)
	select {
	case <-ctx.Done():
		return ports.OrderResult{}, ctx.Err()
	case <-time.After(r.opts.RetryDelay):
	}
	return r.orders.SubmitOrder(ctx, req)
}

// applyPosition 复制成功后维护跟单者在本进程内的仓位视图
// 买入建仓/加仓并广播 position:opened；卖光后平仓并广播 position:closed。
func (r *Replicator) applyPosition(ev domain.TradeEvent, a domain.FollowerAllocation, notional decimal.Decimal) {
	if r.positions == nil {
		return
	}

	posID := followerPositionID(a.FollowerID, ev.MarketID, ev.Outcome)
	now := time.Now()

	qty := decimal.Zero
	if !ev.Price.IsZero() {
		qty = notional.Div(ev.Price)
	}

	existing, found := r.positions.Get(posID)

	if ev.Side == domain.TradeSideBuy {
		if found && existing.IsActive() {
			existing.Quantity = existing.Quantity.Add(qty)
			existing.UpdatedAt = now
			r.positions.Upsert(existing)
			return
		}
		position := domain.Position{
			ID:           posID,
			UserID:       a.FollowerID,
			MarketID:     ev.MarketID,
			Outcome:      ev.Outcome,
			Side:         domain.SidePrimary,
			Quantity:     qty,
			EntryPrice:   ev.Price,
			CurrentPrice: ev.Price,
			Status:       domain.PositionStatusActive,
			UpdatedAt:    now,
		}
		r.positions.Upsert(position)
		if r.bus != nil {
			r.bus.Publish(TopicPositionOpened, position)
		}
		return
	}

	// SELL
	if !found || !existing.IsActive() {
		return
	}
	remaining := existing.Quantity.Sub(qty)
	if remaining.GreaterThan(decimal.Zero) {
		existing.Quantity = remaining
		existing.UpdatedAt = now
		r.positions.Upsert(existing)
		return
	}
	closed, ok := r.positions.Close(posID, now)
	if ok && r.bus != nil {
		r.bus.Publish(TopicPositionClosed, closed)
	}
}

// finish 统计、流水、事件的统一收尾
// 跟单者自己的超时上下文可能已经到期，收尾写入用独立的短超时。
func (r *Replicator) finish(_ context.Context, ev domain.TradeEvent, a domain.FollowerAllocation, result CopyResult, status, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats := r.bumpStats(a.FollowerID, ev.LeaderAddress, status, result.NotionalUSD)

	if r.journal != nil {
		entry := CopyJournalEntry{
			SourceTxID:  ev.TxID,
			FollowerID:  a.FollowerID,
			Leader:      ev.LeaderAddress,
			MarketID:    ev.MarketID,
			Outcome:     ev.Outcome,
			Side:        string(ev.Side),
			NotionalUSD: result.NotionalUSD,
			OrderTxID:   result.OrderTxID,
			Status:      status,
			Detail:      detail,
			At:          result.At,
		}
		if err := r.journal.Record(ctx, entry); err != nil {
			logger.Warnf("写跟单流水失败: %v", err)
		}
	}

	// 统计回写是尽力而为：失败不影响复制结果
	if err := r.readModel.WriteStats(ctx, a.FollowerID, ev.LeaderAddress, stats); err != nil {
		logger.Warnf("回写跟单者 %s 统计失败: %v", a.FollowerID, err)
	}

	if r.bus != nil {
		r.bus.Publish(TopicCopyResult, result)
	}
}

// bumpStats 更新并返回某个跟单对的累计统计快照
func (r *Replicator) bumpStats(followerID, leader, status string, notional decimal.Decimal) domain.ReplicationStats {
	key := followerID + "|" + leader

	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	stats, ok := r.stats[key]
	if !ok {
		stats = &domain.ReplicationStats{}
		r.stats[key] = stats
	}
	switch status {
	case "copied":
		stats.Copied++
		stats.TotalCopiedUSD = stats.TotalCopiedUSD.Add(notional)
		stats.LastCopyAt = time.Now()
		metrics.TradesCopied.Add(1)
	case "skipped":
		stats.Skipped++
		metrics.TradesSkipped.Add(1)
	case "failed":
		stats.Failed++
		metrics.CopyFailures.Add(1)
	}
	return *stats
}

// StatsSnapshot 全部跟单对的统计快照（ops 用）
func (r *Replicator) StatsSnapshot() map[string]domain.ReplicationStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	out := make(map[string]domain.ReplicationStats, len(r.stats))
	for key, stats := range r.stats {
		out[key] = *stats
	}
	return out
}

var hundredPct = decimal.NewFromInt(100)

func followerPositionID(followerID, marketID, outcome string) string {
	return strings.Join([]string{followerID, marketID, outcome}, ":")
}
