package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OrderSide 买卖方向。
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus 下单协作方返回的订单状态。
type OrderStatus string

const (
	OrderStatusLive    OrderStatus = "live"
	OrderStatusMatched OrderStatus = "matched"
	OrderStatusPartial OrderStatus = "partial" // 部分成交：镜像单接受现状，不补单
)

// OrderResult 下单协作方的返回。
type OrderResult struct {
	OrderID string
	Status  OrderStatus
}

// PriceTick 某个市场的实时价格。
type PriceTick struct {
	MarketID  string          `json:"market"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderFill 本方订单的一笔确认成交（含止损平仓和镜像单的成交回报）。
type OrderFill struct {
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market"`
	Side      OrderSide       `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// TradeExecution 被跟单交易员的一笔成交。
type TradeExecution struct {
	TradeID   string          `json:"trade_id"`
	Trader    common.Address  `json:"trader"`
	MarketID  string          `json:"market"`
	Side      OrderSide       `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// TradeMirrorRule 跟单规则。由 UI 层创建/删除，镜像器只读消费。
type TradeMirrorRule struct {
	ID            string
	FollowerID    string
	TraderAddress common.Address
	ScalingFactor decimal.Decimal
	MaxPerTrade   decimal.Decimal // 单笔镜像上限（shares），0 表示不限
	Active        bool
}
