package domain

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// WatchState 止损监控的生命周期状态。
// 状态迁移通过 CAS 完成，保证同一笔触发只会有一个 goroutine 赢得执行权。
type WatchState int32

const (
	WatchArmed     WatchState = iota // 已布防，等待价格触发
	WatchTriggered                   // 价格已命中，待执行
	WatchExecuting                   // 正在下单
	WatchCompleted                   // 平仓单已提交
	WatchFailed                      // 重试耗尽，放弃
	WatchCancelled                   // 用户撤销
)

// watchTransitions 合法的状态迁移边。不在表里的迁移一律拒绝。
var watchTransitions = map[WatchState][]WatchState{
	WatchArmed:     {WatchTriggered, WatchCancelled},
	WatchTriggered: {WatchExecuting, WatchCancelled},
	WatchExecuting: {WatchCompleted, WatchFailed},
}

func (s WatchState) String() string {
	switch s {
	case WatchArmed:
		return "armed"
	case WatchTriggered:
		return "triggered"
	case WatchExecuting:
		return "executing"
	case WatchCompleted:
		return "completed"
	case WatchFailed:
		return "failed"
	case WatchCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseWatchState 从持久化字符串还原状态。
func ParseWatchState(s string) (WatchState, error) {
	switch s {
	case "armed":
		return WatchArmed, nil
	case "triggered":
		return WatchTriggered, nil
	case "executing":
		return WatchExecuting, nil
	case "completed":
		return WatchCompleted, nil
	case "failed":
		return WatchFailed, nil
	case "cancelled":
		return WatchCancelled, nil
	default:
		return WatchArmed, errors.Errorf("unknown watch state: %q", s)
	}
}

// IsTerminal 终态不再参与价格评估。
func (s WatchState) IsTerminal() bool {
	return s == WatchCompleted || s == WatchFailed || s == WatchCancelled
}

// WatchDirection 触发方向。below：价格跌破触发价（止损）；above：价格突破（止盈）。
type WatchDirection string

const (
	DirectionBelow WatchDirection = "below"
	DirectionAbove WatchDirection = "above"
)

// StopLossWatch 单个仓位的止损监控。
// 每个仓位同时最多一个非终态 watch，由引擎和存储共同保证。
type StopLossWatch struct {
	ID           string
	PositionID   string
	UserID       string
	MarketID     string
	TriggerPrice decimal.Decimal
	Direction    WatchDirection
	SellFraction decimal.Decimal // 触发后卖出的仓位比例 (0,1]
	CreatedAt    time.Time

	state      atomic.Int32
	retryCount atomic.Int32

	mu                 sync.Mutex
	lastEvaluatedPrice decimal.Decimal
	lastEvaluatedAt    time.Time
}

func NewStopLossWatch(id, positionID, userID, marketID string, trigger decimal.Decimal, dir WatchDirection, fraction decimal.Decimal) *StopLossWatch {
	w := &StopLossWatch{
		ID:           id,
		PositionID:   positionID,
		UserID:       userID,
		MarketID:     marketID,
		TriggerPrice: trigger,
		Direction:    dir,
		SellFraction: fraction,
		CreatedAt:    time.Now(),
	}
	w.state.Store(int32(WatchArmed))
	return w
}

// State 当前状态。
func (w *StopLossWatch) State() WatchState {
	return WatchState(w.state.Load())
}

// RestoreState 恢复持久化状态（仅启动恢复路径使用）。
func (w *StopLossWatch) RestoreState(s WatchState, retry int32) {
	w.state.Store(int32(s))
	w.retryCount.Store(retry)
}

// TryTransition 尝试从 from 迁移到 to。
// 先查迁移表，再 CAS；并发触发时只有一个调用者返回 true。
func (w *StopLossWatch) TryTransition(from, to WatchState) bool {
	allowed := false
	for _, next := range watchTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	return w.state.CompareAndSwap(int32(from), int32(to))
}

// ShouldTrigger 判断价格是否命中触发条件（等于触发价也算命中）。
func (w *StopLossWatch) ShouldTrigger(price decimal.Decimal) bool {
	switch w.Direction {
	case DirectionAbove:
		return price.GreaterThanOrEqual(w.TriggerPrice)
	default:
		return price.LessThanOrEqual(w.TriggerPrice)
	}
}

// RecordEvaluation 记录最近一次评估的价格和时间（诊断用）。
func (w *StopLossWatch) RecordEvaluation(price decimal.Decimal, t time.Time) {
	w.mu.Lock()
	w.lastEvaluatedPrice = price
	w.lastEvaluatedAt = t
	w.mu.Unlock()
}

// LastEvaluated 最近一次评估的价格和时间。
func (w *StopLossWatch) LastEvaluated() (decimal.Decimal, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastEvaluatedPrice, w.lastEvaluatedAt
}

// RetryCount 已用的执行重试次数。
func (w *StopLossWatch) RetryCount() int32 {
	return w.retryCount.Load()
}

// IncRetry 累加重试计数并返回新值。
func (w *StopLossWatch) IncRetry() int32 {
	return w.retryCount.Add(1)
}
