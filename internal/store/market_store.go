package store

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/copyflow/internal/domain"
)

// marketEntry 单个市场记录，自带互斥锁做记录级串行化
type marketEntry struct {
	mu sync.Mutex
	m  domain.Market
}

// MarketStore 市场状态存储（进程内）
// 两条写路径汇聚在这里：轮询器整体刷新（慢路径）和推送价格更新
// （快路径）。来源优先级规则：市场一旦被 feed 写过，在显式降级
// （Demote）之前 poll 写入不得覆盖它的价格。
type MarketStore struct {
	mu      sync.RWMutex
	entries map[string]*marketEntry
	byAsset map[string]string // assetID → marketID 二级索引
}

// NewMarketStore 创建市场存储
func NewMarketStore() *MarketStore {
	return &MarketStore{
		entries: make(map[string]*marketEntry),
		byAsset: make(map[string]string),
	}
}

// entry 查找或创建记录；create=false 时未命中返回 nil
func (s *MarketStore) entry(marketID string, create bool) *marketEntry {
	s.mu.RLock()
	e, ok := s.entries[marketID]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[marketID]; ok {
		return e
	}
	e = &marketEntry{}
	s.entries[marketID] = e
	return e
}

// UpsertFromPoll 应用一次轮询刷新
// 返回价格是否真正生效：feed 来源的市场只合并元信息（问题、结果
// 方向、资产 ID），价格保持 feed 值不动，返回 false。
func (s *MarketStore) UpsertFromPoll(m domain.Market) bool {
	if !m.IsValid() {
		return false
	}

	e := s.entry(m.ID, true)
	e.mu.Lock()
	applied := s.mergePollLocked(e, m)
	e.mu.Unlock()

	s.indexAssets(&m)
	return applied
}

func (s *MarketStore) mergePollLocked(e *marketEntry, m domain.Market) bool {
	if e.m.ID != "" && e.m.Source == domain.SourceFeed {
		// feed 优先：只更新元信息，价格不动
		e.m.Question = m.Question
		e.m.Outcomes = mergeOutcomesKeepPrices(e.m.Outcomes, m.Outcomes)
		return false
	}

	e.m = cloneMarket(m)
	e.m.Source = domain.SourcePoll
	if e.m.UpdatedAt.IsZero() {
		e.m.UpdatedAt = time.Now()
	}
	return true
}

// ApplyFeedPrice 应用一条推送价格
// 命中资产索引时更新对应结果的价格并把来源升级为 feed；
// 返回所属市场 ID 和是否生效。
func (s *MarketStore) ApplyFeedPrice(assetID string, price decimal.Decimal, now time.Time) (string, bool) {
	s.mu.RLock()
	marketID, ok := s.byAsset[assetID]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}

	e := s.entry(marketID, false)
	if e == nil {
		return "", false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	outcome, ok := e.m.OutcomeByAsset(assetID)
	if !ok {
		return marketID, false
	}
	outcome.Price = price
	e.m.Source = domain.SourceFeed
	e.m.UpdatedAt = now
	return marketID, true
}

// Demote 把市场来源降回 poll（推送静默/对账时调用）
// 降级后下一次轮询写入重新生效。
func (s *MarketStore) Demote(marketID string) bool {
	e := s.entry(marketID, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.m.Source != domain.SourceFeed {
		return false
	}
	e.m.Source = domain.SourcePoll
	return true
}

// Get 按市场 ID 取快照副本
func (s *MarketStore) Get(marketID string) (domain.Market, bool) {
	e := s.entry(marketID, false)
	if e == nil {
		return domain.Market{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.m.ID == "" {
		return domain.Market{}, false
	}
	return cloneMarket(e.m), true
}

// MarketIDByAsset 资产 ID → 市场 ID
func (s *MarketStore) MarketIDByAsset(assetID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	marketID, ok := s.byAsset[assetID]
	return marketID, ok
}

// FeedSourcedIDs 当前所有 feed 来源的市场 ID（对账降级用）
func (s *MarketStore) FeedSourcedIDs() []string {
	s.mu.RLock()
	entries := make([]*marketEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	ids := make([]string, 0)
	for _, e := range entries {
		e.mu.Lock()
		if e.m.Source == domain.SourceFeed {
			ids = append(ids, e.m.ID)
		}
		e.mu.Unlock()
	}
	return ids
}

// Remove 删除市场及其资产索引
func (s *MarketStore) Remove(marketID string) {
	e := s.entry(marketID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	assetIDs := e.m.AssetIDs()
	e.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, marketID)
	for _, id := range assetIDs {
		if s.byAsset[id] == marketID {
			delete(s.byAsset, id)
		}
	}
}

// Len 市场数量
func (s *MarketStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MarketStore) indexAssets(m *domain.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range m.Outcomes {
		s.byAsset[o.AssetID] = m.ID
	}
}

// mergeOutcomesKeepPrices 用新的结果集合并元信息，价格沿用旧值
func mergeOutcomesKeepPrices(old, incoming []domain.Outcome) []domain.Outcome {
	merged := make([]domain.Outcome, len(incoming))
	copy(merged, incoming)
	for i := range merged {
		for j := range old {
			if old[j].AssetID == merged[i].AssetID {
				merged[i].Price = old[j].Price
				break
			}
		}
	}
	return merged
}

func cloneMarket(m domain.Market) domain.Market {
	out := m
	out.Outcomes = make([]domain.Outcome, len(m.Outcomes))
	copy(out.Outcomes, m.Outcomes)
	return out
}
