package feed

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Action 订阅协议动作
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// SubscriptionRequest 出站订阅/退订帧
type SubscriptionRequest struct {
	Action Action   `json:"action"`
	IDs    []string `json:"ids"`
}

// Frame 入站帧的标记变体
// 解码器是宽容的：解不出来的内容落到 UnknownFrame，而不是报错。
type Frame interface {
	frame()
}

// PriceFrame 单资产价格帧
type PriceFrame struct {
	AssetID string
	Price   decimal.Decimal
}

// PriceChange 批量帧里的一条价格变化
type PriceChange struct {
	AssetID string
	Price   decimal.Decimal
}

// BatchPriceFrame 批量价格帧（一个 instrument 下的多条变化）
type BatchPriceFrame struct {
	AssetID string
	Changes []PriceChange
}

// HeartbeatFrame 心跳帧（PING/PONG/空消息）
type HeartbeatFrame struct{}

// UnknownFrame 无法识别的帧（保留原文，调用方决定是否记录）
type UnknownFrame struct {
	Raw []byte
}

func (PriceFrame) frame()      {}
func (BatchPriceFrame) frame() {}
func (HeartbeatFrame) frame()  {}
func (UnknownFrame) frame()    {}

// Handler 入站帧回调
// epoch 是连接纪元：重连后递增，消费方可据此丢弃陈旧帧。
type Handler func(frame Frame, epoch uint64)

// DecodeFrame 宽容解码入站帧
// 真实链路（尤其是代理/网关）里会出现空消息、文本心跳 PING/PONG、
// 未知字段和字符串/数字混用的价格，这里全部容忍。
func DecodeFrame(data []byte) Frame {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return HeartbeatFrame{}
	}

	if trimmed[0] != '{' && trimmed[0] != '[' {
		text := string(trimmed)
		if text == "PING" || text == "PONG" || text == "ping" || text == "pong" {
			return HeartbeatFrame{}
		}
		return UnknownFrame{Raw: trimmed}
	}

	var msg map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return UnknownFrame{Raw: trimmed}
	}

	assetID := decodeString(msg, "instrumentId", "instrument_id", "assetId", "asset_id")

	// 批量帧：{instrumentId, priceChanges:[{assetId, price}, ...]}
	if raw, ok := msg["priceChanges"]; ok {
		return decodeBatch(assetID, raw, trimmed)
	}
	if raw, ok := msg["price_changes"]; ok {
		return decodeBatch(assetID, raw, trimmed)
	}

	// 单资产帧：{instrumentId, price}
	if assetID != "" {
		if price, ok := decodePrice(msg, "price"); ok {
			return PriceFrame{AssetID: assetID, Price: price}
		}
	}

	return UnknownFrame{Raw: trimmed}
}

func decodeBatch(assetID string, raw json.RawMessage, orig []byte) Frame {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return UnknownFrame{Raw: orig}
	}

	changes := make([]PriceChange, 0, len(items))
	for _, item := range items {
		id := decodeString(item, "assetId", "asset_id", "instrumentId", "instrument_id")
		if id == "" {
			continue
		}
		price, ok := decodePrice(item, "price")
		if !ok {
			continue
		}
		changes = append(changes, PriceChange{AssetID: id, Price: price})
	}

	if len(changes) == 0 {
		return UnknownFrame{Raw: orig}
	}
	return BatchPriceFrame{AssetID: assetID, Changes: changes}
}

// decodeString 按候选键取第一个非空字符串
func decodeString(msg map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := msg[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// decodePrice 解析价格，容忍字符串 "0.55" 和数字 0.55 两种形态
func decodePrice(msg map[string]json.RawMessage, key string) (decimal.Decimal, bool) {
	raw, ok := msg[key]
	if !ok {
		return decimal.Zero, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return decimal.NewFromFloat(f), true
	}

	return decimal.Zero, false
}
