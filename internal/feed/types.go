// Package feed 提供事件源 WebSocket 客户端。
// 价格、链上活动、跟单成交都以带主题的信封消息从同一条连接到达。
package feed

import (
	"encoding/json"
	"time"
)

// Config 连接配置。
type Config struct {
	Endpoint         string        // WebSocket 端点
	AuthToken        string        // 订阅鉴权令牌（可为空）
	PingInterval     time.Duration // 心跳发送间隔
	HeartbeatTimeout time.Duration // 超过该时长未收到 PONG 视为断线
	BackoffBase      time.Duration // 重连退避基数
	BackoffMax       time.Duration // 重连退避上限
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	MessageBuffer    int // 投递通道缓冲
}

// DefaultConfig 默认连接配置。
func DefaultConfig() *Config {
	return &Config{
		PingInterval:     10 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		BackoffBase:      1 * time.Second,
		BackoffMax:       60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		MessageBuffer:    1024,
	}
}

// 订阅主题。价格主题带市场后缀（prices.<marketID>），
// 跟单成交和本方成交回报为固定主题。
const (
	TopicPricePrefix = "prices."
	TopicTrades      = "trades"
	TopicFills       = "fills"
)

// PriceTopic 拼接某个市场的价格主题。
func PriceTopic(marketID string) string {
	return TopicPricePrefix + marketID
}

// Envelope 事件源下发的信封消息。Sequence 按主题单调递增，
// 断档只记录日志，不做补偿（上游不支持回放）。
type Envelope struct {
	Topic    string          `json:"topic"`
	Sequence uint64          `json:"sequence"`
	Payload  json.RawMessage `json:"payload"`
}

// subscribeRequest 订阅/退订请求。
type subscribeRequest struct {
	Action    string   `json:"action"`
	Topics    []string `json:"topics"`
	AuthToken string   `json:"auth_token,omitempty"`
}

// RouteFunc 收到信封后的投递回调（由 dispatcher 提供）。
type RouteFunc func(Envelope)
