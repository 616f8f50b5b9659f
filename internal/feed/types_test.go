package feed

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_Heartbeat(t *testing.T) {
	for _, raw := range []string{"", "  ", "PING", "PONG", "ping", "pong"} {
		frame := DecodeFrame([]byte(raw))
		assert.IsType(t, HeartbeatFrame{}, frame, "raw=%q", raw)
	}
}

func TestDecodeFrame_PriceChange(t *testing.T) {
	frame := DecodeFrame([]byte(`{"instrumentId":"asset-1","price":"0.42"}`))
	pf, ok := frame.(PriceFrame)
	require.True(t, ok, "期望价格帧，得到 %T", frame)
	assert.Equal(t, "asset-1", pf.AssetID)
	assert.True(t, pf.Price.Equal(decimal.RequireFromString("0.42")))
}

func TestDecodeFrame_AlternateKeys(t *testing.T) {
	cases := []string{
		`{"instrument_id":"asset-2","price":0.37}`,
		`{"assetId":"asset-2","price":"0.37"}`,
		`{"asset_id":"asset-2","price":0.37}`,
	}
	for _, raw := range cases {
		frame := DecodeFrame([]byte(raw))
		pf, ok := frame.(PriceFrame)
		require.True(t, ok, "raw=%s 得到 %T", raw, frame)
		assert.Equal(t, "asset-2", pf.AssetID)
		assert.True(t, pf.Price.Equal(decimal.RequireFromString("0.37")), "raw=%s", raw)
	}
}

func TestDecodeFrame_Batch(t *testing.T) {
	raw := `{"instrumentId":"mkt-3","priceChanges":[` +
		`{"assetId":"a1","price":"0.10"},` +
		`{"assetId":"a2","price":0.11},` +
		`{"price":"0.12"}]}`
	frame := DecodeFrame([]byte(raw))
	bf, ok := frame.(BatchPriceFrame)
	require.True(t, ok, "期望批量帧，得到 %T", frame)
	assert.Equal(t, "mkt-3", bf.AssetID)
	// 缺 assetId 的条目被跳过
	require.Len(t, bf.Changes, 2)
	assert.Equal(t, "a1", bf.Changes[0].AssetID)
	assert.True(t, bf.Changes[1].Price.Equal(decimal.RequireFromString("0.11")))
}

func TestDecodeFrame_Malformed(t *testing.T) {
	cases := []string{
		`{not json`,
		`{"something":"else"}`,
		`{"instrumentId":"x","price":"not-a-number"}`,
		`[1,2,3]`,
	}
	for _, raw := range cases {
		frame := DecodeFrame([]byte(raw))
		assert.IsType(t, UnknownFrame{}, frame, "raw=%s", raw)
	}
}
