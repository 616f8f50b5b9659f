package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide 交易方向
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// TradeEvent 领单者成交事件（不可变，至少一次投递）
type TradeEvent struct {
	TxID          string          `json:"txId"`          // 唯一事务 ID（去重键）
	LeaderAddress string          `json:"leaderAddress"` // 领单者钱包地址
	MarketID      string          `json:"marketId"`      // 市场 ID
	Outcome       string          `json:"outcome"`       // 结果名称
	Side          TradeSide       `json:"side"`          // BUY / SELL
	Quantity      decimal.Decimal `json:"quantity"`      // 成交数量
	Price         decimal.Decimal `json:"price"`         // 成交价格
	NotionalUSD   decimal.Decimal `json:"notionalUsd"`   // 成交金额（USD）
	Sequence      int64           `json:"sequence"`      // 序列号（同一领单者内递增）
	Timestamp     time.Time       `json:"timestamp"`     // 成交时间
}

// Valid 检查事件是否具备处理所需的最小字段
func (e *TradeEvent) Valid() bool {
	return e != nil && e.TxID != "" && e.LeaderAddress != "" && e.MarketID != "" &&
		(e.Side == TradeSideBuy || e.Side == TradeSideSell)
}
