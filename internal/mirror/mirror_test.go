package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	icommon "github.com/betbot/tradebot/internal/common"
	"github.com/betbot/tradebot/internal/domain"
	"github.com/betbot/tradebot/internal/ports"
)

var trader = common.HexToAddress("0x3333333333333333333333333333333333333333")

type fakeBalances struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func (b *fakeBalances) AvailableBalance(_ context.Context, followerID string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[followerID], nil
}

type placedOrder struct {
	followerID string
	side       domain.OrderSide
	size       decimal.Decimal
}

type fakePlacer struct {
	mu     sync.Mutex
	placed []placedOrder
	err    error
}

func (p *fakePlacer) PlaceOrder(_ context.Context, userID, _ string, side domain.OrderSide, size decimal.Decimal) (*domain.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.placed = append(p.placed, placedOrder{followerID: userID, side: side, size: size})
	return &domain.OrderResult{OrderID: "o1", Status: domain.OrderStatusPartial}, nil
}

func (p *fakePlacer) orders() []placedOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]placedOrder(nil), p.placed...)
}

func rule(id, follower, scaling, maxPer string) domain.TradeMirrorRule {
	return domain.TradeMirrorRule{
		ID:            id,
		FollowerID:    follower,
		TraderAddress: trader,
		ScalingFactor: decimal.RequireFromString(scaling),
		MaxPerTrade:   decimal.RequireFromString(maxPer),
		Active:        true,
	}
}

func execution(tradeID, size, price string) domain.TradeExecution {
	return domain.TradeExecution{
		TradeID:   tradeID,
		Trader:    trader,
		MarketID:  "m1",
		Side:      domain.SideBuy,
		Size:      decimal.RequireFromString(size),
		Price:     decimal.RequireFromString(price),
		Timestamp: time.Now(),
	}
}

func newTestMirror(rules RuleSource, balances BalanceSource, placer ports.OrderPlacer) *Mirror {
	return NewMirror(rules, balances, placer, nil, icommon.NewInFlightRegistry(), decimal.RequireFromString("1"))
}

// TestMirror_ScaleAndClamp size 100 × 0.1 = 10，被 maxPerTrade=5 截断为 5
func TestMirror_ScaleAndClamp(t *testing.T) {
	rules := NewRuleBook()
	rules.Put(rule("r1", "f1", "0.1", "5"))
	balances := &fakeBalances{balances: map[string]decimal.Decimal{"f1": decimal.RequireFromString("1000")}}
	placer := &fakePlacer{}
	m := newTestMirror(rules, balances, placer)

	m.OnExecution(context.Background(), execution("t1", "100", "0.5"))

	orders := placer.orders()
	if len(orders) != 1 {
		t.Fatalf("期望 1 笔镜像单，得到 %d", len(orders))
	}
	if !orders[0].size.Equal(decimal.RequireFromString("5")) {
		t.Errorf("期望截断到 5，得到 %s", orders[0].size)
	}
	if orders[0].side != domain.SideBuy {
		t.Errorf("方向应跟随原单，得到 %s", orders[0].side)
	}
	if m.Stats().Mirrored != 1 {
		t.Errorf("统计应记 1 笔镜像，得到 %d", m.Stats().Mirrored)
	}
}

// TestMirror_InsufficientBalanceSkips 余额不足跳过，不算错误
func TestMirror_InsufficientBalanceSkips(t *testing.T) {
	rules := NewRuleBook()
	rules.Put(rule("r1", "f1", "1", "0"))
	// 需要 100×0.5=50，只有 10
	balances := &fakeBalances{balances: map[string]decimal.Decimal{"f1": decimal.RequireFromString("10")}}
	placer := &fakePlacer{}
	m := newTestMirror(rules, balances, placer)

	m.OnExecution(context.Background(), execution("t1", "100", "0.5"))

	if len(placer.orders()) != 0 {
		t.Error("余额不足不应下单")
	}
	if m.Stats().SkippedBalance != 1 {
		t.Errorf("统计应记 1 笔余额跳过，得到 %d", m.Stats().SkippedBalance)
	}
}

// TestMirror_BelowMinSizeSkips 低于最小单量跳过
func TestMirror_BelowMinSizeSkips(t *testing.T) {
	rules := NewRuleBook()
	rules.Put(rule("r1", "f1", "0.001", "0")) // 100×0.001=0.1 < 1
	balances := &fakeBalances{balances: map[string]decimal.Decimal{"f1": decimal.RequireFromString("1000")}}
	placer := &fakePlacer{}
	m := newTestMirror(rules, balances, placer)

	m.OnExecution(context.Background(), execution("t1", "100", "0.5"))

	if len(placer.orders()) != 0 {
		t.Error("低于最小单量不应下单")
	}
	if m.Stats().SkippedSize != 1 {
		t.Errorf("统计应记 1 笔规模跳过，得到 %d", m.Stats().SkippedSize)
	}
}

// TestMirror_DuplicateTradeIgnored 重复成交事件（重连回放）只镜像一次
func TestMirror_DuplicateTradeIgnored(t *testing.T) {
	rules := NewRuleBook()
	rules.Put(rule("r1", "f1", "0.1", "0"))
	balances := &fakeBalances{balances: map[string]decimal.Decimal{"f1": decimal.RequireFromString("1000")}}
	placer := &fakePlacer{}
	m := newTestMirror(rules, balances, placer)

	exec := execution("t1", "100", "0.5")
	m.OnExecution(context.Background(), exec)
	m.OnExecution(context.Background(), exec)

	if got := len(placer.orders()); got != 1 {
		t.Errorf("重复事件期望 1 笔镜像单，得到 %d", got)
	}
	if m.Stats().SkippedDup != 1 {
		t.Errorf("统计应记 1 笔重复跳过，得到 %d", m.Stats().SkippedDup)
	}
}

// TestMirror_MultipleFollowers 多条规则各自镜像
func TestMirror_MultipleFollowers(t *testing.T) {
	rules := NewRuleBook()
	rules.Put(rule("r1", "f1", "0.1", "0"))
	rules.Put(rule("r2", "f2", "0.5", "0"))
	inactive := rule("r3", "f3", "1", "0")
	inactive.Active = false
	rules.Put(inactive)

	balances := &fakeBalances{balances: map[string]decimal.Decimal{
		"f1": decimal.RequireFromString("1000"),
		"f2": decimal.RequireFromString("1000"),
		"f3": decimal.RequireFromString("1000"),
	}}
	placer := &fakePlacer{}
	m := newTestMirror(rules, balances, placer)

	m.OnExecution(context.Background(), execution("t1", "100", "0.5"))

	orders := placer.orders()
	if len(orders) != 2 {
		t.Fatalf("期望 2 笔镜像单（不含停用规则），得到 %d", len(orders))
	}
}

// TestMirror_PlacementFailureNoRetry 下单失败只记日志不重试
func TestMirror_PlacementFailureNoRetry(t *testing.T) {
	rules := NewRuleBook()
	rules.Put(rule("r1", "f1", "0.1", "0"))
	balances := &fakeBalances{balances: map[string]decimal.Decimal{"f1": decimal.RequireFromString("1000")}}
	placer := &fakePlacer{err: ports.ErrVenueRejected}
	m := newTestMirror(rules, balances, placer)

	m.OnExecution(context.Background(), execution("t1", "100", "0.5"))

	if m.Stats().PlacementErrors != 1 {
		t.Errorf("统计应记 1 次下单失败，得到 %d", m.Stats().PlacementErrors)
	}
}
