package readmodel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/copyflow/internal/domain"
	"github.com/betbot/copyflow/internal/ports"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, 5*time.Second)
}

func TestClient_ResolveLeader(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/leaders/0xabc" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"leader": map[string]any{"id": "ldr-1", "address": "0xabc", "alias": "whale", "active": true},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	leader, found, err := c.ResolveLeader(context.Background(), "0xabc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ldr-1", leader.ID)

	// 未注册地址：found=false 且无错误
	_, found, err = c.ResolveLeader(context.Background(), "0xdef")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClient_AllocationsForLeader(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0xabc", r.URL.Query().Get("leader"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allocations": []map[string]any{
				{"followerId": "f1", "leaderAddress": "0xabc", "mode": "fixed", "value": "20", "active": true},
				{"followerId": "f2", "leaderAddress": "0xabc", "mode": "proportional", "value": "25", "maxNotionalUsd": "50", "active": true},
			},
		})
	})

	allocations, err := c.AllocationsForLeader(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Len(t, allocations, 2)

	assert.Equal(t, domain.ModeFixed, allocations[0].Mode)
	assert.True(t, allocations[0].Value.Equal(decimal.NewFromInt(20)))
	assert.Nil(t, allocations[0].MaxNotionalUSD)

	assert.Equal(t, domain.ModeProportional, allocations[1].Mode)
	require.NotNil(t, allocations[1].MaxNotionalUSD)
	assert.True(t, allocations[1].MaxNotionalUSD.Equal(decimal.NewFromInt(50)))
}

func TestClient_SubmitOrder(t *testing.T) {
	var gotReq ports.OrderRequest
	status := http.StatusOK
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(ports.OrderResult{Success: true, TxID: "tx-1"})
	})

	req := ports.OrderRequest{
		FollowerID:  "f1",
		MarketID:    "mkt-1",
		Outcome:     "Up",
		Side:        domain.TradeSideBuy,
		NotionalUSD: decimal.NewFromInt(20),
		SourceTxID:  "leader-tx",
	}

	result, err := c.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "tx-1", result.TxID)
	assert.Equal(t, "f1", gotReq.FollowerID)

	// 4xx 是业务拒绝：Success=false，不算传输层错误
	status = http.StatusUnprocessableEntity
	result, err = c.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Success)

	// 5xx 是传输层错误：交给调用方重试
	status = http.StatusInternalServerError
	_, err = c.SubmitOrder(context.Background(), req)
	assert.Error(t, err)
}

func TestClient_BalanceAndPosition(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/followers/f1/balance":
			_ = json.NewEncoder(w).Encode(map[string]any{"available": "500"})
		case "/api/followers/f1/position":
			_ = json.NewEncoder(w).Encode(map[string]any{"notionalUsd": "120.5"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	balance, err := c.AvailableBalance(context.Background(), "f1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(500)))

	notional, err := c.FollowerPositionNotional(context.Background(), "f1", "mkt-1", "Up")
	require.NoError(t, err)
	assert.True(t, notional.Equal(decimal.RequireFromString("120.5")))

	// 无持仓：0 且无错误
	notional, err = c.FollowerPositionNotional(context.Background(), "f2", "mkt-1", "Up")
	require.NoError(t, err)
	assert.True(t, notional.IsZero())
}

func TestClient_FetchMarkets(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/markets", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"markets": []map[string]any{
				{
					"id":       "mkt-1",
					"question": "Will it rain?",
					"outcomes": []map[string]any{
						{"name": "Yes", "assetId": "asset-yes", "price": "0.62"},
						{"name": "No", "assetId": "asset-no", "price": "0.38"},
					},
				},
			},
		})
	})

	markets, err := c.FetchMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 1)

	m := markets[0]
	assert.Equal(t, "mkt-1", m.ID)
	assert.Equal(t, domain.SourcePoll, m.Source)
	require.Len(t, m.Outcomes, 2)
	assert.Equal(t, "asset-yes", m.Outcomes[0].AssetID)
	assert.True(t, m.Outcomes[0].Price.Equal(decimal.RequireFromString("0.62")))
}
