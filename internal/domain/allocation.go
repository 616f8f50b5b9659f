package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllocationMode 跟单额度模式
type AllocationMode string

const (
	// ModeFixed 固定额度：每次跟单固定金额
	ModeFixed AllocationMode = "fixed"
	// ModeProportional 比例额度：按跟单者余额的百分比做预算，
	// 再与领单成交金额取小
	ModeProportional AllocationMode = "proportional"
)

// FollowerAllocation 跟单配置（由外部创建，统计字段由复制监听器维护）
type FollowerAllocation struct {
	FollowerID     string           // 跟单者
	LeaderAddress  string           // 被跟的领单者
	Mode           AllocationMode   // fixed / proportional
	Value          decimal.Decimal  // fixed: 金额；proportional: 百分比（25 = 25%）
	MaxNotionalUSD *decimal.Decimal // 单笔上限（可选）
	Active         bool             // 是否生效
	Stats          ReplicationStats // 运行统计
}

// ReplicationStats 跟单运行统计
type ReplicationStats struct {
	Copied         int64           // 成功跟单次数
	Skipped        int64           // 跳过次数（低于下限等）
	Failed         int64           // 失败次数
	TotalCopiedUSD decimal.Decimal // 累计跟单金额
	LastCopyAt     time.Time       // 最近一次成功跟单时间
}
