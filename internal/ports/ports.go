package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/betbot/copyflow/internal/domain"
)

// OrderRequest 跟单下单请求
type OrderRequest struct {
	FollowerID  string              `json:"followerId"`
	MarketID    string              `json:"marketId"`
	Outcome     string              `json:"outcome"`
	Side        domain.TradeSide    `json:"side"`
	NotionalUSD decimal.Decimal     `json:"notionalUsd"`
	Price       decimal.Decimal     `json:"price"`
	SourceTxID  string              `json:"sourceTxId"` // 触发本单的领单者成交
	Mode        domain.AllocationMode `json:"mode"`
}

// OrderResult 下游执行结果
// Success=false 且 err=nil 表示业务拒绝（余额不足、市场关闭等），
// 这类失败不重试；err!=nil 表示传输层失败，可重试一次。
type OrderResult struct {
	Success bool   `json:"success"`
	TxID    string `json:"txId"`
	Message string `json:"message"`
}

// OrderSubmitter 订单执行出口（钱包、签名、撮合都在下游）
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// Leader 领单者档案
type Leader struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Alias   string `json:"alias"`
	Active  bool   `json:"active"`
}

// ReadModel 业务读模型出口
// 领单者档案、跟单配置、余额、持仓都由外部数据服务维护，
// 这里只读 + 回写复制统计。
type ReadModel interface {
	// ResolveLeader 按链上地址解析领单者；未注册返回 found=false
	ResolveLeader(ctx context.Context, address string) (leader Leader, found bool, err error)

	// AllocationsForLeader 某领单者的全部跟单配置（含已停用的，调用方过滤）
	AllocationsForLeader(ctx context.Context, leaderAddress string) ([]domain.FollowerAllocation, error)

	// AvailableBalance 跟随者当前可用余额（USD）
	AvailableBalance(ctx context.Context, followerID string) (decimal.Decimal, error)

	// FollowerPositionNotional 跟随者在某市场某方向上的持仓名义价值（USD）
	// 卖出按持仓比例缩放时使用。
	FollowerPositionNotional(ctx context.Context, followerID, marketID, outcome string) (decimal.Decimal, error)

	// WriteStats 回写一个跟单对的累计复制统计
	WriteStats(ctx context.Context, followerID, leaderAddress string, stats domain.ReplicationStats) error
}

// UserViewInvalidator 下游用户视图缓存失效
type UserViewInvalidator interface {
	InvalidateUserViews(userIDs []string)
}

// MarketCatalog 市场目录（慢路径价格来源）
// 周期性轮询器从这里拉全量市场写入存储；来源优先级保证它不会
// 覆盖 feed 价格。
type MarketCatalog interface {
	FetchMarkets(ctx context.Context) ([]domain.Market, error)
}
