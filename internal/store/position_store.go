package store

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/copyflow/internal/domain"
)

// PositionStore 仓位存储（进程内）
// 写路径：成交建仓/加仓、平仓、价格刷新。记录按仓位 ID 串行化，
// 市场/用户维度各有一个二级索引用于订阅兴趣和视图查询。
type PositionStore struct {
	mu       sync.RWMutex
	entries  map[string]*positionEntry
	byMarket map[string]map[string]struct{} // marketID → 仓位 ID 集合
	byUser   map[string]map[string]struct{} // userID → 仓位 ID 集合
}

type positionEntry struct {
	mu sync.Mutex
	p  domain.Position
}

// NewPositionStore 创建仓位存储
func NewPositionStore() *PositionStore {
	return &PositionStore{
		entries:  make(map[string]*positionEntry),
		byMarket: make(map[string]map[string]struct{}),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// Upsert 写入/覆盖仓位并维护二级索引
func (s *PositionStore) Upsert(p domain.Position) {
	if p.ID == "" {
		return
	}

	s.mu.Lock()
	e, ok := s.entries[p.ID]
	if !ok {
		e = &positionEntry{}
		s.entries[p.ID] = e
	}
	addIndex(s.byMarket, p.MarketID, p.ID)
	addIndex(s.byUser, p.UserID, p.ID)
	s.mu.Unlock()

	e.mu.Lock()
	e.p = p
	e.mu.Unlock()
}

// Get 按仓位 ID 取快照
func (s *PositionStore) Get(id string) (domain.Position, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return domain.Position{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p, true
}

// ActiveByMarket 某市场的全部持仓中仓位
func (s *PositionStore) ActiveByMarket(marketID string) []domain.Position {
	return s.activeByIndex(s.byMarket, marketID)
}

// ActiveByUser 某用户的全部持仓中仓位
func (s *PositionStore) ActiveByUser(userID string) []domain.Position {
	return s.activeByIndex(s.byUser, userID)
}

// HasActiveInMarket 市场里是否还有持仓中仓位
// 平仓后的退订决策要用最新状态重新检查，防止并发建仓被误退订。
func (s *PositionStore) HasActiveInMarket(marketID string) bool {
	s.mu.RLock()
	ids := s.byMarket[marketID]
	entries := make([]*positionEntry, 0, len(ids))
	for id := range ids {
		if e, ok := s.entries[id]; ok {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		active := e.p.IsActive()
		e.mu.Unlock()
		if active {
			return true
		}
	}
	return false
}

// ActiveMarketIDs 所有存在持仓中仓位的市场 ID（订阅同步用）
func (s *PositionStore) ActiveMarketIDs() []string {
	s.mu.RLock()
	marketIDs := make([]string, 0, len(s.byMarket))
	for id := range s.byMarket {
		marketIDs = append(marketIDs, id)
	}
	s.mu.RUnlock()

	out := make([]string, 0, len(marketIDs))
	for _, id := range marketIDs {
		if s.HasActiveInMarket(id) {
			out = append(out, id)
		}
	}
	return out
}

// RefreshPrices 用最新主结果价格刷新某市场的全部持仓中仓位
// 返回刷新后的快照（用于失效下游视图缓存）。
func (s *PositionStore) RefreshPrices(marketID string, primaryPrice decimal.Decimal, now time.Time) []domain.Position {
	s.mu.RLock()
	ids := s.byMarket[marketID]
	entries := make([]*positionEntry, 0, len(ids))
	for id := range ids {
		if e, ok := s.entries[id]; ok {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	updated := make([]domain.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.p.IsActive() {
			e.p.ApplyPrice(primaryPrice, now)
			updated = append(updated, e.p)
		}
		e.mu.Unlock()
	}
	return updated
}

// Close 原子平仓：清零数量、置为 closed，返回平仓后的快照
// 已平仓的仓位再次 Close 是 no-op（返回 false）。
func (s *PositionStore) Close(id string, now time.Time) (domain.Position, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return domain.Position{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.p.IsActive() {
		return e.p, false
	}
	e.p.Close(now)
	return e.p, true
}

// Remove 删除仓位及其索引
func (s *PositionStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	e.mu.Lock()
	marketID, userID := e.p.MarketID, e.p.UserID
	e.mu.Unlock()

	delete(s.entries, id)
	dropIndex(s.byMarket, marketID, id)
	dropIndex(s.byUser, userID, id)
}

// Len 仓位数量（含已平仓）
func (s *PositionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *PositionStore) activeByIndex(index map[string]map[string]struct{}, key string) []domain.Position {
	s.mu.RLock()
	ids := index[key]
	entries := make([]*positionEntry, 0, len(ids))
	for id := range ids {
		if e, ok := s.entries[id]; ok {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	out := make([]domain.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.p.IsActive() {
			out = append(out, e.p)
		}
		e.mu.Unlock()
	}
	return out
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func dropIndex(index map[string]map[string]struct{}, key, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}
