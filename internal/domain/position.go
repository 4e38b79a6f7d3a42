package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotSource 仓位快照的来源。
type SnapshotSource string

const (
	SnapshotLocal  SnapshotSource = "local"  // 本地缓存，由确认成交增量维护
	SnapshotRemote SnapshotSource = "remote" // 交易所权威视图，由对账刷新
)

// PositionSnapshot 用户在某个市场上的仓位快照。
// Local 与 Remote 的分歧（漂移）由对账器处理：无挂单时 Remote 覆盖 Local，
// 有挂单时推迟到下个周期；持续漂移打 DriftFlag 交人工处理，不反复自动纠正。
type PositionSnapshot struct {
	UserID        string
	MarketID      string
	Size          decimal.Decimal
	AvgEntryPrice decimal.Decimal
	Source        SnapshotSource
	LastSyncedAt  time.Time
	DriftFlag     bool
}

// Key 仓位的唯一键（user + market）。
func (p PositionSnapshot) Key() string {
	return PositionKey(p.UserID, p.MarketID)
}

// PositionKey 拼接仓位键。
func PositionKey(userID, marketID string) string {
	return userID + "_" + marketID
}
