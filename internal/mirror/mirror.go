// Package mirror 实现跟单镜像：消费被跟交易员的成交事件，
// 按规则缩放后为跟单者复制下单。尽力而为，不保证足额复制。
package mirror

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradebot/internal/common"
	"github.com/betbot/tradebot/internal/domain"
	"github.com/betbot/tradebot/internal/feed"
	"github.com/betbot/tradebot/internal/ports"
)

// RuleSource 提供当前生效的跟单规则（由 UI 层维护，这里只读）。
type RuleSource interface {
	ActiveRules(trader string) []domain.TradeMirrorRule
}

// BalanceSource 查询跟单者可用余额（以可买 shares 计）。
type BalanceSource interface {
	AvailableBalance(ctx context.Context, followerID string) (decimal.Decimal, error)
}

// Stats 镜像运行统计。
type Stats struct {
	Mirrored        uint64
	SkippedBalance  uint64
	SkippedSize     uint64
	SkippedDup      uint64
	PlacementErrors uint64
}

// Mirror 跟单镜像器。
// 每笔成交对每条规则：size × scalingFactor，按 maxPerTrade 截断，
// 余额不足或低于最小单量只记日志跳过；部分成交/滑点照单全收，不补单。
type Mirror struct {
	rules    RuleSource
	balances BalanceSource
	placer   ports.OrderPlacer
	notifier ports.Notifier
	inflight *common.InFlightRegistry
	minSize  decimal.Decimal
	log      *logrus.Entry

	// seen 已处理的成交，防止重连快照回放造成重复镜像
	seen   map[string]bool
	seenMu sync.Mutex

	stats   Stats
	statsMu sync.Mutex
}

func NewMirror(rules RuleSource, balances BalanceSource, placer ports.OrderPlacer, notifier ports.Notifier, inflight *common.InFlightRegistry, minSize decimal.Decimal) *Mirror {
	if notifier == nil {
		notifier = ports.NopNotifier{}
	}
	return &Mirror{
		rules:    rules,
		balances: balances,
		placer:   placer,
		notifier: notifier,
		inflight: inflight,
		minSize:  minSize,
		log:      logrus.WithField("module", "mirror"),
		seen:     make(map[string]bool),
	}
}

// HandleTrade 作为 dispatch.Handler 挂在成交主题上。
func (m *Mirror) HandleTrade(env feed.Envelope) {
	var exec domain.TradeExecution
	if err := json.Unmarshal(env.Payload, &exec); err != nil {
		m.log.Warnf("⚠️ [跟单] 无法解析成交事件: %v", err)
		return
	}
	if exec.TradeID == "" || exec.MarketID == "" {
		return
	}
	m.OnExecution(context.Background(), exec)
}

// OnExecution 处理一笔被跟交易员的成交。
func (m *Mirror) OnExecution(ctx context.Context, exec domain.TradeExecution) {
	m.seenMu.Lock()
	if m.seen[exec.TradeID] {
		m.seenMu.Unlock()
		m.bump(func(s *Stats) { s.SkippedDup++ })
		m.log.Debugf("[跟单] 重复成交事件，忽略: trade=%s", exec.TradeID)
		return
	}
	m.seen[exec.TradeID] = true
	m.seenMu.Unlock()

	rules := m.rules.ActiveRules(exec.Trader.Hex())
	if len(rules) == 0 {
		return
	}
	m.log.Infof("👥 [跟单] 成交事件: trader=%s market=%s side=%s size=%s，命中 %d 条规则",
		exec.Trader.Hex(), exec.MarketID, exec.Side, exec.Size, len(rules))

	for _, rule := range rules {
		m.mirrorOne(ctx, rule, exec)
	}
}

func (m *Mirror) mirrorOne(ctx context.Context, rule domain.TradeMirrorRule, exec domain.TradeExecution) {
	size := exec.Size.Mul(rule.ScalingFactor)
	if rule.MaxPerTrade.IsPositive() && size.GreaterThan(rule.MaxPerTrade) {
		m.log.Infof("✂️ [跟单] 镜像规模 %s 超过单笔上限，截断到 %s (follower=%s)", size, rule.MaxPerTrade, rule.FollowerID)
		size = rule.MaxPerTrade
	}
	if size.LessThan(m.minSize) {
		m.bump(func(s *Stats) { s.SkippedSize++ })
		m.log.Infof("⏭️ [跟单] 镜像规模 %s 低于最小单量 %s，跳过 (follower=%s)", size, m.minSize, rule.FollowerID)
		return
	}

	if exec.Side == domain.SideBuy {
		balance, err := m.balances.AvailableBalance(ctx, rule.FollowerID)
		if err != nil {
			m.bump(func(s *Stats) { s.PlacementErrors++ })
			m.log.Warnf("⚠️ [跟单] 查询余额失败，跳过本笔: follower=%s err=%v", rule.FollowerID, err)
			return
		}
		cost := size.Mul(exec.Price)
		if balance.LessThan(cost) {
			m.bump(func(s *Stats) { s.SkippedBalance++ })
			m.log.Infof("⏭️ [跟单] 余额不足（%s < %s），跳过: follower=%s trade=%s", balance, cost, rule.FollowerID, exec.TradeID)
			return
		}
	}

	key := domain.PositionKey(rule.FollowerID, exec.MarketID)
	m.inflight.Begin(key)
	defer m.inflight.End(key)

	start := time.Now()
	res, err := m.placer.PlaceOrder(ctx, rule.FollowerID, exec.MarketID, exec.Side, size)
	if err != nil {
		m.bump(func(s *Stats) { s.PlacementErrors++ })
		// 尽力而为：失败只记日志，不重试
		m.log.Warnf("⚠️ [跟单] 镜像下单失败: follower=%s trade=%s err=%v", rule.FollowerID, exec.TradeID, err)
		return
	}

	m.bump(func(s *Stats) { s.Mirrored++ })
	m.log.Infof("✅ [跟单] 已镜像: follower=%s market=%s side=%s size=%s order=%s status=%s 耗时=%v",
		rule.FollowerID, exec.MarketID, exec.Side, size, res.OrderID, res.Status, time.Since(start).Round(time.Millisecond))
	m.notifier.NotifyTradeMirrored(rule, exec, size, res)
}

// Stats 当前统计快照。
func (m *Mirror) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *Mirror) bump(f func(*Stats)) {
	m.statsMu.Lock()
	f(&m.stats)
	m.statsMu.Unlock()
}
