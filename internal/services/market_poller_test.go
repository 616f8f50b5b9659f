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
	"github.com/betbot/copyflow/internal/store"
)

type fakeCatalog struct {
	mu      sync.Mutex
	markets []domain.Market
	err     error
	fetches int
}

func (f *fakeCatalog) FetchMarkets(_ context.Context) ([]domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Market, len(f.markets))
	copy(out, f.markets)
	return out, nil
}

func (f *fakeCatalog) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func catalogMarket(id, price string) domain.Market {
	return domain.Market{
		ID:       id,
		Question: "test",
		Outcomes: []domain.Outcome{
			{Name: "Up", AssetID: id + "-up", Price: decimal.RequireFromString(price)},
			{Name: "Down", AssetID: id + "-down", Price: decimal.RequireFromString(price)},
		},
	}
}

func TestMarketPoller_StartFetchesImmediately(t *testing.T) {
	catalog := &fakeCatalog{markets: []domain.Market{
		catalogMarket("mkt-1", "0.4"),
		catalogMarket("mkt-2", "0.6"),
	}}
	markets := store.NewMarketStore()

	p := NewMarketPoller(catalog, markets, time.Hour)
	p.Start(context.Background())
	defer p.Close()

	assert.Equal(t, 1, catalog.fetchCount())
	assert.Equal(t, 2, markets.Len())

	m, ok := markets.Get("mkt-1")
	require.True(t, ok)
	assert.Equal(t, domain.SourcePoll, m.Source)
	assert.True(t, m.Outcomes[0].Price.Equal(decimal.RequireFromString("0.4")))
}

func TestMarketPoller_FeedPriceSurvivesPoll(t *testing.T) {
	catalog := &fakeCatalog{markets: []domain.Market{catalogMarket("mkt-1", "0.4")}}
	markets := store.NewMarketStore()

	p := NewMarketPoller(catalog, markets, time.Hour)
	p.Start(context.Background())
	defer p.Close()

	// feed 升级来源后，后续轮询不得覆盖价格
	_, ok := markets.ApplyFeedPrice("mkt-1-up", decimal.RequireFromString("0.9"), time.Now())
	require.True(t, ok)

	p.PollOnce()

	m, ok := markets.Get("mkt-1")
	require.True(t, ok)
	assert.Equal(t, domain.SourceFeed, m.Source)
	assert.True(t, m.Outcomes[0].Price.Equal(decimal.RequireFromString("0.9")))
}

func TestMarketPoller_FetchErrorCounted(t *testing.T) {
	catalog := &fakeCatalog{err: errors.New("目录不可用")}
	markets := store.NewMarketStore()

	p := NewMarketPoller(catalog, markets, time.Hour)
	p.Start(context.Background())
	defer p.Close()

	polls, fails := p.Stats()
	assert.Equal(t, int64(0), polls)
	assert.Equal(t, int64(1), fails)
	assert.Equal(t, 0, markets.Len())
}

func TestMarketPoller_PeriodicRefresh(t *testing.T) {
	catalog := &fakeCatalog{markets: []domain.Market{catalogMarket("mkt-1", "0.4")}}
	markets := store.NewMarketStore()

	p := NewMarketPoller(catalog, markets, 20*time.Millisecond)
	p.Start(context.Background())
	defer p.Close()

	waitCond(t, time.Second, func() bool { return catalog.fetchCount() >= 3 })
}
