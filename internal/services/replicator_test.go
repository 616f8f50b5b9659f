package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/copyflow/internal/domain"
	"github.com/betbot/copyflow/internal/ports"
	"github.com/betbot/copyflow/internal/store"
	"github.com/betbot/copyflow/pkg/cache"
)

type fakeReadModel struct {
	mu          sync.Mutex
	leaders     map[string]ports.Leader
	allocations map[string][]domain.FollowerAllocation
	balances    map[string]decimal.Decimal
	held        map[string]decimal.Decimal // followerID → 持仓名义价值
	statsWrites int
}

func newFakeReadModel() *fakeReadModel {
	return &fakeReadModel{
		leaders:     make(map[string]ports.Leader),
		allocations: make(map[string][]domain.FollowerAllocation),
		balances:    make(map[string]decimal.Decimal),
		held:        make(map[string]decimal.Decimal),
	}
}

func (f *fakeReadModel) ResolveLeader(_ context.Context, address string) (ports.Leader, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	leader, ok := f.leaders[address]
	return leader, ok, nil
}

func (f *fakeReadModel) AllocationsForLeader(_ context.Context, leaderAddress string) ([]domain.FollowerAllocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.FollowerAllocation(nil), f.allocations[leaderAddress]...), nil
}

func (f *fakeReadModel) AvailableBalance(_ context.Context, followerID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[followerID], nil
}

func (f *fakeReadModel) FollowerPositionNotional(_ context.Context, followerID, _, _ string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[followerID], nil
}

func (f *fakeReadModel) WriteStats(_ context.Context, _, _ string, _ domain.ReplicationStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsWrites++
	return nil
}

type fakeOrders struct {
	mu       sync.Mutex
	orders   []ports.OrderRequest
	failFor   map[string]error  // followerID → 传输层错误
	rejectFor map[string]string // followerID → 业务拒绝原因
	failOnce  map[string]bool   // followerID → 只失败第一次
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{
		failFor:   make(map[string]error),
		rejectFor: make(map[string]string),
		failOnce:  make(map[string]bool),
	}
}

func (f *fakeOrders) SubmitOrder(_ context.Context, req ports.OrderRequest) (ports.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)

	if err, ok := f.failFor[req.FollowerID]; ok {
		if f.failOnce[req.FollowerID] {
			delete(f.failFor, req.FollowerID)
		}
		return ports.OrderResult{}, err
	}
	if reason, ok := f.rejectFor[req.FollowerID]; ok {
		return ports.OrderResult{Success: false, Message: reason}, nil
	}
	return ports.OrderResult{Success: true, TxID: "order-" + req.FollowerID}, nil
}

func (f *fakeOrders) ordersFor(followerID string) []ports.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ports.OrderRequest, 0)
	for _, o := range f.orders {
		if o.FollowerID == followerID {
			out = append(out, o)
		}
	}
	return out
}

func leaderTrade(txID string, notional string) domain.TradeEvent {
	return domain.TradeEvent{
		TxID:          txID,
		LeaderAddress: "0xleader",
		MarketID:      "mkt-1",
		Outcome:       "Up",
		Side:          domain.TradeSideBuy,
		Quantity:      decimal.RequireFromString(notional).Div(decimal.RequireFromString("0.50")),
		Price:         decimal.RequireFromString("0.50"),
		NotionalUSD:   decimal.RequireFromString(notional),
		Sequence:      1,
		Timestamp:     time.Now(),
	}
}

type replicatorFixture struct {
	rm        *fakeReadModel
	orders    *fakeOrders
	positions *store.PositionStore
	rep       *Replicator
}

func newReplicatorFixture(opts ReplicatorOptions) *replicatorFixture {
	rm := newFakeReadModel()
	orders := newFakeOrders()
	positions := store.NewPositionStore()
	rm.leaders["0xleader"] = ports.Leader{ID: "ldr-1", Address: "0xleader", Alias: "whale", Active: true}

	opts.RetryDelay = 10 * time.Millisecond
	rep := NewReplicator(rm, orders, positions, nil, nil, cache.NewDedupCache(time.Minute), opts)
	return &replicatorFixture{rm: rm, orders: orders, positions: positions, rep: rep}
}

func (fx *replicatorFixture) addFollower(id string, mode domain.AllocationMode, value, balance string) {
	fx.rm.allocations["0xleader"] = append(fx.rm.allocations["0xleader"], domain.FollowerAllocation{
		FollowerID:    id,
		LeaderAddress: "0xleader",
		Mode:          mode,
		Value:         decimal.RequireFromString(value),
		Active:        true,
	})
	fx.rm.balances[id] = decimal.RequireFromString(balance)
}

func TestReplicator_EndToEndFixedAndProportional(t *testing.T) {
	fx := newReplicatorFixture(ReplicatorOptions{})
	// F1 固定 $20；F2 按余额 25% 做预算（2000 × 25% = 500）
	fx.addFollower("f1", domain.ModeFixed, "20", "1000")
	fx.addFollower("f2", domain.ModeProportional, "25", "2000")

	fx.rep.HandleTrade(context.Background(), leaderTrade("tx-1", "100"))

	f1 := fx.orders.ordersFor("f1")
	require.Len(t, f1, 1)
	assert.True(t, f1[0].NotionalUSD.Equal(decimal.NewFromInt(20)), "固定额度: $20")

	f2 := fx.orders.ordersFor("f2")
	require.Len(t, f2, 1)
	// min(领单金额 $100, 预算 $500) = $100
	assert.True(t, f2[0].NotionalUSD.Equal(decimal.NewFromInt(100)))

	// 成功复制后本地有了仓位视图
	assert.Len(t, fx.positions.ActiveByUser("f1"), 1)
	assert.Len(t, fx.positions.ActiveByUser("f2"), 1)
}

func TestReplicator_DedupIsIdempotent(t *testing.T) {
	fx := newReplicatorFixture(ReplicatorOptions{})
	fx.addFollower("f1", domain.ModeFixed, "20", "1000")

	ev := leaderTrade("tx-dup", "100")
	fx.rep.HandleTrade(context.Background(), ev)
	fx.rep.HandleTrade(context.Background(), ev) // 至少一次投递的重复

	assert.Len(t, fx.orders.ordersFor("f1"), 1, "重复投递只复制一次")
}

func TestReplicator_PartialFailureIsolation(t *testing.T) {
	fx := newReplicatorFixture(ReplicatorOptions{})
	fx.addFollower("fa", domain.ModeFixed, "20", "1000")
	fx.addFollower("fb", domain.ModeFixed, "20", "1000")
	fx.addFollower("fc", domain.ModeFixed, "20", "1000")
	fx.orders.rejectFor["fb"] = "insufficient balance"

	fx.rep.HandleTrade(context.Background(), leaderTrade("tx-2", "100"))

	// fb 被拒不影响 fa / fc
	assert.Len(t, fx.orders.ordersFor("fa"), 1)
	assert.Len(t, fx.orders.ordersFor("fc"), 1)
	assert.Len(t, fx.positions.ActiveByUser("fb"), 0)

	stats := fx.rep.StatsSnapshot()
	assert.Equal(t, int64(1), stats["fb|0xleader"].Failed)
	assert.Equal(t, int64(1), stats["fa|0xleader"].Copied)
}

func TestReplicator_TransportErrorRetriedOnce(t *testing.T) {
	fx := newReplicatorFixture(ReplicatorOptions{})
	fx.addFollower("f1", domain.ModeFixed, "20", "1000")
	fx.orders.failFor["f1"] = errors.New("connection reset")
	fx.orders.failOnce["f1"] = true

	fx.rep.HandleTrade(context.Background(), leaderTrade("tx-3", "100"))

	// 第一次传输失败，补发一次成功
	require.Len(t, fx.orders.ordersFor("f1"), 2)
	stats := fx.rep.StatsSnapshot()
	assert.Equal(t, int64(1), stats["f1|0xleader"].Copied)
}

func TestReplicator_BusinessRejectNotRetried(t *testing.T) {
	fx := newReplicatorFixture(ReplicatorOptions{})
	fx.addFollower("f1", domain.ModeFixed, "20", "1000")
	fx.orders.rejectFor["f1"] = "market closed"

	fx.rep.HandleTrade(context.Background(), leaderTrade("tx-4", "100"))

	assert.Len(t, fx.orders.ordersFor("f1"), 1, "业务拒绝不补发")
}

func TestReplicator_MinFloorDrop(t *testing.T) {
	fx := newReplicatorFixture(ReplicatorOptions{MinTradeUSD: decimal.RequireFromString("1.05")})
	// 余额 2000 × 0.05% = $1，低于 $1.05 下限
	fx.addFollower("f1", domain.ModeProportional, "0.05", "2000")

	fx.rep.HandleTrade(context.Background(), leaderTrade("tx-5", "100"))

	assert.Empty(t, fx.orders.ordersFor("f1"))
	stats := fx.rep.StatsSnapshot()
	assert.Equal(t, int64(1), stats["f1|0xleader"].Skipped)
}

func TestReplicator_MinFloorRoundUp(t *testing.T) {
	fx := newReplicatorFixture(ReplicatorOptions{
		MinTradeUSD:    decimal.RequireFromString("1.05"),
		MinFloorPolicy: "round_up",
	})
	fx.addFollower("f1", domain.ModeProportional, "0.05", "2000")

	fx.rep.HandleTrade(context.Background(), leaderTrade("tx-6", "100"))

	orders := fx.orders.ordersFor("f1")
	require.Len(t, orders, 1)
	assert.True(t, orders[0].NotionalUSD.Equal(decimal.RequireFromString("1.05")), "碎单抬到下限")
}

func TestReplicator_MaxNotionalCap(t *testing.T) {
	fx := newReplicatorFixture(ReplicatorOptions{})
	maxNotional := decimal.NewFromInt(50)
	fx.rm.allocations["0xleader"] = []domain.FollowerAllocation{{
		FollowerID:     "f1",
		LeaderAddress:  "0xleader",
		Mode:           domain.ModeProportional,
		Value:          decimal.NewFromInt(50),
		MaxNotionalUSD: &maxNotional,
		Active:         true,
	}}
	fx.rm.balances["f1"] = decimal.NewFromInt(2000)

	fx.rep.HandleTrade(context.Background(), leaderTrade("tx-7", "100"))

	orders := fx.orders.ordersFor("f1")
	require.Len(t, orders, 1)
	assert.True(t, orders[0].NotionalUSD.Equal(decimal.NewFromInt(50)), "单笔上限生效")
}

func TestReplicator_SellPositionSizing(t *testing.T) {
	fx := newReplicatorFixture(ReplicatorOptions{SellSizing: "position"})
	fx.addFollower("f1", domain.ModeFixed, "100", "1000")
	fx.addFollower("f2", domain.ModeFixed, "100", "1000")
	fx.rm.held["f1"] = decimal.NewFromInt(30) // 只持有 $30
	// f2 没有持仓

	ev := leaderTrade("tx-8", "100")
	ev.Side = domain.TradeSideSell
	fx.rep.HandleTrade(context.Background(), ev)

	f1 := fx.orders.ordersFor("f1")
	require.Len(t, f1, 1)
	assert.True(t, f1[0].NotionalUSD.Equal(decimal.NewFromInt(30)), "卖出不超过持仓")

	assert.Empty(t, fx.orders.ordersFor("f2"), "没有持仓就不卖")
	stats := fx.rep.StatsSnapshot()
	assert.Equal(t, int64(1), stats["f2|0xleader"].Skipped)
}

func TestReplicator_UnknownLeaderIgnored(t *testing.T) {
	fx := newReplicatorFixture(ReplicatorOptions{})
	fx.addFollower("f1", domain.ModeFixed, "20", "1000")

	ev := leaderTrade("tx-9", "100")
	ev.LeaderAddress = "0xunknown"
	fx.rep.HandleTrade(context.Background(), ev)

	assert.Empty(t, fx.orders.ordersFor("f1"))
}

func TestReplicator_InactiveAllocationSkipped(t *testing.T) {
	fx := newReplicatorFixture(ReplicatorOptions{})
	fx.rm.allocations["0xleader"] = []domain.FollowerAllocation{{
		FollowerID:    "f1",
		LeaderAddress: "0xleader",
		Mode:          domain.ModeFixed,
		Value:         decimal.NewFromInt(20),
		Active:        false,
	}}
	fx.rm.balances["f1"] = decimal.NewFromInt(1000)

	fx.rep.HandleTrade(context.Background(), leaderTrade("tx-10", "100"))
	assert.Empty(t, fx.orders.ordersFor("f1"))
}

func TestReplicator_SellReducesAndClosesPosition(t *testing.T) {
	fx := newReplicatorFixture(ReplicatorOptions{})
	fx.addFollower("f1", domain.ModeFixed, "20", "1000")

	// 先买入建仓
	fx.rep.HandleTrade(context.Background(), leaderTrade("tx-buy", "100"))
	require.Len(t, fx.positions.ActiveByUser("f1"), 1)

	// 卖出同等金额 → 仓位清零并关闭
	sell := leaderTrade("tx-sell", "100")
	sell.Side = domain.TradeSideSell
	fx.rep.HandleTrade(context.Background(), sell)

	assert.Empty(t, fx.positions.ActiveByUser("f1"))
}
