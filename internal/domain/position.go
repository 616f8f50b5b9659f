package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus 仓位状态
type PositionStatus string

const (
	PositionStatusActive PositionStatus = "active" // 持仓中
	PositionStatusClosed PositionStatus = "closed" // 已平仓
)

// OutcomeSide 仓位方向相对于主结果的关系
// 价格统一按主结果报价：买入互补方向时盈亏按 (1-price) 计算。
type OutcomeSide string

const (
	SidePrimary    OutcomeSide = "primary"
	SideComplement OutcomeSide = "complement"
)

// Position 仓位领域模型
// 不变量：active 状态下 Quantity > 0；平仓会把 Quantity 清零并和
// 取消行情订阅兴趣一起原子地置为 closed。
type Position struct {
	ID           string          // 仓位 ID
	UserID       string          // 持有者
	MarketID     string          // 所属市场
	Outcome      string          // 结果名称
	Side         OutcomeSide     // 相对主结果的方向
	Quantity     decimal.Decimal // 持仓数量
	EntryPrice   decimal.Decimal // 入场价格（主结果报价）
	CurrentPrice decimal.Decimal // 当前价格（主结果报价）
	PnL          decimal.Decimal // 未实现盈亏（USD）
	PnLPct       decimal.Decimal // 盈亏百分比
	Status       PositionStatus  // 仓位状态
	UpdatedAt    time.Time       // 最近刷新时间
}

// IsActive 检查仓位是否持仓中
func (p *Position) IsActive() bool {
	return p.Status == PositionStatusActive
}

var hundred = decimal.NewFromInt(100)

// ApplyPrice 用最新价格刷新当前价与盈亏
// 主结果: pnl = (current - entry) × qty
// 互补方向: pnl = ((1-current) - (1-entry)) × qty
// pnl_pct = pnl / (entry × qty) × 100，分母为 0 时取 0。
func (p *Position) ApplyPrice(current decimal.Decimal, now time.Time) {
	p.CurrentPrice = current

	diff := current.Sub(p.EntryPrice)
	if p.Side == SideComplement {
		diff = p.EntryPrice.Sub(current)
	}
	p.PnL = diff.Mul(p.Quantity)

	denom := p.EntryPrice.Mul(p.Quantity)
	if denom.IsZero() {
		p.PnLPct = decimal.Zero
	} else {
		p.PnLPct = p.PnL.Div(denom).Mul(hundred)
	}

	p.UpdatedAt = now
}

// Close 平仓：清零数量并置为 closed
func (p *Position) Close(now time.Time) {
	p.Quantity = decimal.Zero
	p.Status = PositionStatusClosed
	p.UpdatedAt = now
}
