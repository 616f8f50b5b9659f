package services

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/copyflow/internal/domain"
	"github.com/betbot/copyflow/internal/feed"
	"github.com/betbot/copyflow/internal/store"
	"github.com/betbot/copyflow/pkg/ratelimit"
)

type fakeInvalidator struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeInvalidator) InvalidateUserViews(userIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userIDs)
}

func (f *fakeInvalidator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newUpdaterFixture(t *testing.T, quiet time.Duration) (*PriceUpdater, *store.MarketStore, *store.PositionStore, *fakeInvalidator) {
	t.Helper()
	markets := store.NewMarketStore()
	positions := store.NewPositionStore()
	invalidator := &fakeInvalidator{}
	seedMarket(t, markets, "mkt-1")

	limiter := ratelimit.NewTokenBucket(1000, 1000)
	u := NewPriceUpdater(markets, positions, nil, invalidator, quiet, limiter)
	t.Cleanup(u.Close)
	return u, markets, positions, invalidator
}

func waitCond(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待条件超时")
}

func TestPriceUpdater_BurstCoalescesIntoOneRecompute(t *testing.T) {
	u, markets, positions, _ := newUpdaterFixture(t, 50*time.Millisecond)

	positions.Upsert(domain.Position{
		ID: "p1", UserID: "u1", MarketID: "mkt-1", Side: domain.SidePrimary,
		Quantity: decimal.NewFromInt(100), EntryPrice: decimal.RequireFromString("0.40"),
		Status: domain.PositionStatusActive,
	})

	// 一串密集 tick：存储即时更新，重算只发生一次且用最后的价格
	for _, p := range []string{"0.50", "0.51", "0.52", "0.53", "0.55"} {
		u.HandleFrame(feed.PriceFrame{AssetID: "mkt-1-up", Price: decimal.RequireFromString(p)}, 1)
	}

	m, _ := markets.Get("mkt-1")
	up, _ := m.OutcomeByAsset("mkt-1-up")
	assert.True(t, up.Price.Equal(decimal.RequireFromString("0.55")), "存储立即反映最新价")

	waitCond(t, 2*time.Second, func() bool { return u.Stats().Recomputes == 1 })

	p1, _ := positions.Get("p1")
	assert.True(t, p1.PnL.Equal(decimal.RequireFromString("15")), "盈亏按最后价格计算")

	// 静默期过后没有第二次重算
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, uint64(1), u.Stats().Recomputes)
}

func TestPriceUpdater_StaleEpochDiscarded(t *testing.T) {
	u, markets, _, _ := newUpdaterFixture(t, 10*time.Millisecond)

	u.HandleFrame(feed.PriceFrame{AssetID: "mkt-1-up", Price: decimal.RequireFromString("0.60")}, 2)
	// 旧纪元的帧必须被丢弃
	u.HandleFrame(feed.PriceFrame{AssetID: "mkt-1-up", Price: decimal.RequireFromString("0.10")}, 1)

	m, _ := markets.Get("mkt-1")
	up, _ := m.OutcomeByAsset("mkt-1-up")
	assert.True(t, up.Price.Equal(decimal.RequireFromString("0.60")))
	assert.Equal(t, uint64(1), u.Stats().FramesApplied)
}

func TestPriceUpdater_UnknownAssetCounted(t *testing.T) {
	u, _, _, _ := newUpdaterFixture(t, 10*time.Millisecond)

	u.HandleFrame(feed.PriceFrame{AssetID: "nope", Price: decimal.RequireFromString("0.5")}, 1)
	assert.Equal(t, uint64(1), u.Stats().FramesUnknown)
	assert.Equal(t, uint64(0), u.Stats().FramesApplied)
}

func TestPriceUpdater_InvalidatesUserViews(t *testing.T) {
	u, _, positions, invalidator := newUpdaterFixture(t, 10*time.Millisecond)

	positions.Upsert(domain.Position{
		ID: "p1", UserID: "u1", MarketID: "mkt-1", Side: domain.SidePrimary,
		Quantity: decimal.NewFromInt(10), EntryPrice: decimal.RequireFromString("0.40"),
		Status: domain.PositionStatusActive,
	})
	positions.Upsert(domain.Position{
		ID: "p2", UserID: "u2", MarketID: "mkt-1", Side: domain.SidePrimary,
		Quantity: decimal.NewFromInt(10), EntryPrice: decimal.RequireFromString("0.40"),
		Status: domain.PositionStatusActive,
	})

	u.HandleFrame(feed.PriceFrame{AssetID: "mkt-1-up", Price: decimal.RequireFromString("0.5")}, 1)

	waitCond(t, 2*time.Second, func() bool { return invalidator.callCount() == 1 })
	invalidator.mu.Lock()
	defer invalidator.mu.Unlock()
	require.Len(t, invalidator.calls, 1)
	assert.ElementsMatch(t, []string{"u1", "u2"}, invalidator.calls[0])
}

func TestPriceUpdater_BatchFrame(t *testing.T) {
	u, markets, _, _ := newUpdaterFixture(t, 10*time.Millisecond)

	u.HandleFrame(feed.BatchPriceFrame{
		AssetID: "mkt-1",
		Changes: []feed.PriceChange{
			{AssetID: "mkt-1-up", Price: decimal.RequireFromString("0.61")},
			{AssetID: "mkt-1-down", Price: decimal.RequireFromString("0.39")},
		},
	}, 1)

	m, _ := markets.Get("mkt-1")
	up, _ := m.OutcomeByAsset("mkt-1-up")
	down, _ := m.OutcomeByAsset("mkt-1-down")
	assert.True(t, up.Price.Equal(decimal.RequireFromString("0.61")))
	assert.True(t, down.Price.Equal(decimal.RequireFromString("0.39")))
}
