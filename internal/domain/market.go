package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource 价格来源
type PriceSource string

const (
	SourcePoll PriceSource = "poll" // 周期性轮询（慢路径）
	SourceFeed PriceSource = "feed" // 实时推送（快路径）
)

// Outcome 市场的一个结果方向
type Outcome struct {
	Name    string          // 结果名称（例如 Yes / No / Up / Down）
	AssetID string          // 推送协议里的资产 ID（订阅用）
	Price   decimal.Decimal // 当前价格（0~1）
}

// Market 市场领域模型
// 价格由轮询器（外部）和价格更新器共同维护；一旦 Source=feed，
// 在显式降级之前 poll 写入不得覆盖价格（来源优先级规则）。
type Market struct {
	ID        string      // 市场主键（condition ID）
	Question  string      // 问题描述
	Outcomes  []Outcome   // 各结果方向及其价格
	Source    PriceSource // 最近一次生效写入的来源
	UpdatedAt time.Time   // 最近一次生效写入时间
}

// IsValid 验证市场是否具备完整的隔离键与资产信息
func (m *Market) IsValid() bool {
	if m == nil || strings.TrimSpace(m.ID) == "" || len(m.Outcomes) == 0 {
		return false
	}
	for _, o := range m.Outcomes {
		if strings.TrimSpace(o.AssetID) == "" {
			return false
		}
	}
	return true
}

// AssetIDs 返回市场所有可订阅的资产 ID
func (m *Market) AssetIDs() []string {
	ids := make([]string, 0, len(m.Outcomes))
	for _, o := range m.Outcomes {
		ids = append(ids, o.AssetID)
	}
	return ids
}

// OutcomeByAsset 按资产 ID 查找结果方向
func (m *Market) OutcomeByAsset(assetID string) (*Outcome, bool) {
	for i := range m.Outcomes {
		if m.Outcomes[i].AssetID == assetID {
			return &m.Outcomes[i], true
		}
	}
	return nil, false
}
