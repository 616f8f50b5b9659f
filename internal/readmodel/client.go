package readmodel

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/copyflow/internal/domain"
	"github.com/betbot/copyflow/internal/ports"
)

// Client 业务数据服务的 HTTP 适配器
// 实现 ports.ReadModel 和 ports.OrderSubmitter。钱包、签名、撮合
// 都在数据服务背后，这里只做协议转换。
type Client struct {
	http *resty.Client
	// 下单走独立客户端：传输层重试由复制监听器控制，
	// HTTP 层自动重试会带来重复下单风险。
	orders *resty.Client
}

// New 创建数据服务客户端
func New(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时优先尊重 Retry-After 头
			if resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 5 * time.Second, nil
			}
			return 0, nil
		})

	orders := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	return &Client{http: client, orders: orders}
}

var _ ports.ReadModel = (*Client)(nil)
var _ ports.OrderSubmitter = (*Client)(nil)
var _ ports.MarketCatalog = (*Client)(nil)

type leaderResponse struct {
	Leader *ports.Leader `json:"leader"`
}

// ResolveLeader 按链上地址解析领单者档案
// 404 表示该地址未注册为领单者，不是错误。
func (c *Client) ResolveLeader(ctx context.Context, address string) (ports.Leader, bool, error) {
	var out leaderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("address", address).
		SetResult(&out).
		Get("/api/leaders/{address}")
	if err != nil {
		return ports.Leader{}, false, errors.Wrap(err, "查询领单者失败")
	}
	if resp.StatusCode() == http.StatusNotFound {
		return ports.Leader{}, false, nil
	}
	if !resp.IsSuccess() {
		return ports.Leader{}, false, errors.Errorf("查询领单者失败: http %d", resp.StatusCode())
	}
	if out.Leader == nil {
		return ports.Leader{}, false, nil
	}
	return *out.Leader, true, nil
}

type allocationDTO struct {
	FollowerID     string           `json:"followerId"`
	LeaderAddress  string           `json:"leaderAddress"`
	Mode           string           `json:"mode"`
	Value          decimal.Decimal  `json:"value"`
	MaxNotionalUSD *decimal.Decimal `json:"maxNotionalUsd"`
	Active         bool             `json:"active"`
}

type allocationsResponse struct {
	Allocations []allocationDTO `json:"allocations"`
}

// AllocationsForLeader 拉取某领单者的全部跟单配置
func (c *Client) AllocationsForLeader(ctx context.Context, leaderAddress string) ([]domain.FollowerAllocation, error) {
	var out allocationsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("leader", leaderAddress).
		SetResult(&out).
		Get("/api/allocations")
	if err != nil {
		return nil, errors.Wrap(err, "查询跟单配置失败")
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("查询跟单配置失败: http %d", resp.StatusCode())
	}

	allocations := make([]domain.FollowerAllocation, 0, len(out.Allocations))
	for _, dto := range out.Allocations {
		allocations = append(allocations, domain.FollowerAllocation{
			FollowerID:     dto.FollowerID,
			LeaderAddress:  dto.LeaderAddress,
			Mode:           domain.AllocationMode(dto.Mode),
			Value:          dto.Value,
			MaxNotionalUSD: dto.MaxNotionalUSD,
			Active:         dto.Active,
		})
	}
	return allocations, nil
}

type balanceResponse struct {
	Available decimal.Decimal `json:"available"`
}

// AvailableBalance 跟随者可用余额
func (c *Client) AvailableBalance(ctx context.Context, followerID string) (decimal.Decimal, error) {
	var out balanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("followerId", followerID).
		SetResult(&out).
		Get("/api/followers/{followerId}/balance")
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "查询余额失败")
	}
	if !resp.IsSuccess() {
		return decimal.Zero, errors.Errorf("查询余额失败: http %d", resp.StatusCode())
	}
	return out.Available, nil
}

type positionNotionalResponse struct {
	NotionalUSD decimal.Decimal `json:"notionalUsd"`
}

// FollowerPositionNotional 跟随者在某市场某方向的持仓名义价值
func (c *Client) FollowerPositionNotional(ctx context.Context, followerID, marketID, outcome string) (decimal.Decimal, error) {
	var out positionNotionalResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("followerId", followerID).
		SetQueryParams(map[string]string{
			"market":  marketID,
			"outcome": outcome,
		}).
		SetResult(&out).
		Get("/api/followers/{followerId}/position")
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "查询持仓失败")
	}
	if resp.StatusCode() == http.StatusNotFound {
		return decimal.Zero, nil
	}
	if !resp.IsSuccess() {
		return decimal.Zero, errors.Errorf("查询持仓失败: http %d", resp.StatusCode())
	}
	return out.NotionalUSD, nil
}

type statsPayload struct {
	LeaderAddress  string          `json:"leaderAddress"`
	Copied         int64           `json:"copied"`
	Skipped        int64           `json:"skipped"`
	Failed         int64           `json:"failed"`
	TotalCopiedUSD decimal.Decimal `json:"totalCopiedUsd"`
	LastCopyAt     time.Time       `json:"lastCopyAt"`
}

// WriteStats 回写跟单对的累计复制统计
func (c *Client) WriteStats(ctx context.Context, followerID, leaderAddress string, stats domain.ReplicationStats) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("followerId", followerID).
		SetBody(statsPayload{
			LeaderAddress:  leaderAddress,
			Copied:         stats.Copied,
			Skipped:        stats.Skipped,
			Failed:         stats.Failed,
			TotalCopiedUSD: stats.TotalCopiedUSD,
			LastCopyAt:     stats.LastCopyAt,
		}).
		Put("/api/followers/{followerId}/replication-stats")
	if err != nil {
		return errors.Wrap(err, "回写复制统计失败")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("回写复制统计失败: http %d", resp.StatusCode())
	}
	return nil
}

type outcomeDTO struct {
	Name    string          `json:"name"`
	AssetID string          `json:"assetId"`
	Price   decimal.Decimal `json:"price"`
}

type marketDTO struct {
	ID       string       `json:"id"`
	Question string       `json:"question"`
	Outcomes []outcomeDTO `json:"outcomes"`
}

type marketsResponse struct {
	Markets []marketDTO `json:"markets"`
}

// FetchMarkets 拉取市场目录（慢路径）
// 返回的市场标记为 poll 来源；来源优先级由存储层保证。
func (c *Client) FetchMarkets(ctx context.Context) ([]domain.Market, error) {
	var out marketsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/markets")
	if err != nil {
		return nil, errors.Wrap(err, "拉取市场目录失败")
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("拉取市场目录失败: http %d", resp.StatusCode())
	}

	markets := make([]domain.Market, 0, len(out.Markets))
	for _, dto := range out.Markets {
		outcomes := make([]domain.Outcome, 0, len(dto.Outcomes))
		for _, o := range dto.Outcomes {
			outcomes = append(outcomes, domain.Outcome{
				Name:    o.Name,
				AssetID: o.AssetID,
				Price:   o.Price,
			})
		}
		markets = append(markets, domain.Market{
			ID:       dto.ID,
			Question: dto.Question,
			Outcomes: outcomes,
			Source:   domain.SourcePoll,
		})
	}
	return markets, nil
}

// SubmitOrder 提交跟单订单
// 传输层错误通过 err 返回（可重试）；业务拒绝体现在 Success=false。
func (c *Client) SubmitOrder(ctx context.Context, req ports.OrderRequest) (ports.OrderResult, error) {
	var out ports.OrderResult
	resp, err := c.orders.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/api/orders")
	if err != nil {
		return ports.OrderResult{}, errors.Wrap(err, "提交订单失败")
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return ports.OrderResult{}, errors.Errorf("提交订单失败: http %d", resp.StatusCode())
	}
	if !resp.IsSuccess() {
		// 4xx 业务拒绝：不可重试
		return ports.OrderResult{Success: false, Message: resp.Status()}, nil
	}
	return out, nil
}
