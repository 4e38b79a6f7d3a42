package deposit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/betbot/tradebot/internal/domain"
	"github.com/betbot/tradebot/internal/store"
)

// fakeLedger 记录入账调用，自身对 txHash 幂等（模拟真实账本的第二道防线）
type fakeLedger struct {
	mu       sync.Mutex
	credits  []decimal.Decimal
	seen     map[common.Hash]bool
	failNext bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{seen: make(map[common.Hash]bool)}
}

func (l *fakeLedger) Credit(_ context.Context, _ common.Address, amount decimal.Decimal, txHash common.Hash) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext {
		l.failNext = false
		return false, context.DeadlineExceeded
	}
	if l.seen[txHash] {
		return false, nil
	}
	l.seen[txHash] = true
	l.credits = append(l.credits, amount)
	return true, nil
}

func (l *fakeLedger) creditCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.credits)
}

func newTestDetector(t *testing.T, depth uint64) (*Detector, *store.DB, *fakeLedger) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("打开测试库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ledger := newFakeLedger()
	return NewDetector(db, ledger, nil, depth), db, ledger
}

func transfer(hash string, amount string, conf uint64, ch domain.DepositChannel) domain.Transfer {
	return domain.Transfer{
		TxHash:        common.HexToHash(hash),
		Wallet:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Amount:        decimal.RequireFromString(amount),
		Confirmations: conf,
		Channel:       ch,
	}
}

// TestDetector_WebhookThenPollCreditsOnce webhook 先到、轮询后到，只入账一次
func TestDetector_WebhookThenPollCreditsOnce(t *testing.T) {
	d, db, ledger := newTestDetector(t, 12)
	ctx := context.Background()

	// webhook 推送先到（确认数不足）
	if err := d.Observe(ctx, transfer("0xabc", "50", 0, domain.ChannelWebhook)); err != nil {
		t.Fatalf("webhook 观察失败: %v", err)
	}
	if ledger.creditCount() != 0 {
		t.Fatal("确认数不足时不应入账")
	}
	ev, err := db.GetDeposit(ctx, common.HexToHash("0xabc").Hex())
	if err != nil {
		t.Fatalf("查询事件失败: %v", err)
	}
	if ev.Status != domain.DepositPending {
		t.Errorf("期望 pending，得到 %s", ev.Status)
	}

	// 轮询补上确认数，触发入账
	if err := d.Observe(ctx, transfer("0xabc", "50", 12, domain.ChannelPoll)); err != nil {
		t.Fatalf("轮询观察失败: %v", err)
	}
	if got := ledger.creditCount(); got != 1 {
		t.Fatalf("期望入账 1 次，得到 %d", got)
	}
	if !ledger.credits[0].Equal(decimal.RequireFromString("50")) {
		t.Errorf("入账金额不符: %s", ledger.credits[0])
	}

	// 第三次观察：已入账，识别为重复
	if err := d.Observe(ctx, transfer("0xabc", "50", 13, domain.ChannelWebhook)); err != nil {
		t.Fatalf("重复观察失败: %v", err)
	}
	if got := ledger.creditCount(); got != 1 {
		t.Errorf("重复观察不应再入账，得到 %d 次", got)
	}
	ev, _ = db.GetDeposit(ctx, common.HexToHash("0xabc").Hex())
	if ev.Status != domain.DepositCredited {
		t.Errorf("期望 credited，得到 %s", ev.Status)
	}
	if ev.CreditedAt == nil {
		t.Error("credited_at 应该被设置")
	}
}

// TestDetector_ConcurrentObservations 并发的 webhook/轮询观察只入账一次
func TestDetector_ConcurrentObservations(t *testing.T) {
	d, _, ledger := newTestDetector(t, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		ch := domain.ChannelWebhook
		if i%2 == 0 {
			ch = domain.ChannelPoll
		}
		wg.Add(1)
		go func(ch domain.DepositChannel) {
			defer wg.Done()
			d.Observe(ctx, transfer("0xdef", "25", 5, ch))
		}(ch)
	}
	wg.Wait()

	if got := ledger.creditCount(); got != 1 {
		t.Errorf("并发观察期望恰好 1 次入账，得到 %d", got)
	}
}

// TestDetector_LedgerFailureRetries 入账失败回退，后续观察重试成功
func TestDetector_LedgerFailureRetries(t *testing.T) {
	d, db, ledger := newTestDetector(t, 1)
	ctx := context.Background()

	ledger.failNext = true
	if err := d.Observe(ctx, transfer("0x111", "10", 5, domain.ChannelPoll)); err == nil {
		t.Fatal("账本失败应该向上返回错误")
	}
	ev, _ := db.GetDeposit(ctx, common.HexToHash("0x111").Hex())
	if ev.Status != domain.DepositConfirmed {
		t.Fatalf("失败后应回退到 confirmed，得到 %s", ev.Status)
	}

	// 下一次观察重试入账
	if err := d.Observe(ctx, transfer("0x111", "10", 6, domain.ChannelPoll)); err != nil {
		t.Fatalf("重试观察失败: %v", err)
	}
	if got := ledger.creditCount(); got != 1 {
		t.Errorf("期望最终入账 1 次，得到 %d", got)
	}
}

// TestDetector_RecoverCreditsConfirmed 重启恢复：confirmed 未入账的事件补入账
func TestDetector_RecoverCreditsConfirmed(t *testing.T) {
	d, db, ledger := newTestDetector(t, 1)
	ctx := context.Background()

	// 手工造一个 confirmed 未入账的事件（模拟崩溃前的状态）
	if _, err := db.ObserveDeposit(ctx, transfer("0x222", "30", 5, domain.ChannelWebhook)); err != nil {
		t.Fatalf("写入事件失败: %v", err)
	}
	if _, err := db.MarkConfirmed(ctx, common.HexToHash("0x222").Hex(), 5); err != nil {
		t.Fatalf("标记确认失败: %v", err)
	}

	if err := d.Recover(ctx); err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	if got := ledger.creditCount(); got != 1 {
		t.Errorf("恢复应补入账 1 次，得到 %d", got)
	}
}

// TestDetector_RecoverMidCredit 重启恢复：崩溃在 crediting 中途的事件靠账本幂等收尾
func TestDetector_RecoverMidCredit(t *testing.T) {
	d, db, ledger := newTestDetector(t, 1)
	ctx := context.Background()

	hash := common.HexToHash("0x333").Hex()
	if _, err := db.ObserveDeposit(ctx, transfer("0x333", "40", 5, domain.ChannelPoll)); err != nil {
		t.Fatalf("写入事件失败: %v", err)
	}
	db.MarkConfirmed(ctx, hash, 5)
	if won, _ := db.TryBeginCredit(ctx, hash); !won {
		t.Fatal("预置 crediting 状态失败")
	}
	// 模拟崩溃：crediting 挂着没收尾

	if err := d.Recover(ctx); err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	ev, _ := db.GetDeposit(ctx, hash)
	if ev.Status != domain.DepositCredited {
		t.Errorf("恢复后应为 credited，得到 %s", ev.Status)
	}
	if got := ledger.creditCount(); got != 1 {
		t.Errorf("期望入账 1 次，得到 %d", got)
	}
}

// TestStore_TryBeginCreditSingleWinner 条件 UPDATE 只让一个调用者赢
func TestStore_TryBeginCreditSingleWinner(t *testing.T) {
	_, db, _ := newTestDetector(t, 1)
	ctx := context.Background()

	hash := common.HexToHash("0x444").Hex()
	db.ObserveDeposit(ctx, transfer("0x444", "1", 5, domain.ChannelPoll))
	db.MarkConfirmed(ctx, hash, 5)

	const n = 8
	wins := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := db.TryBeginCredit(ctx, hash)
			if err != nil {
				t.Errorf("TryBeginCredit 出错: %v", err)
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Errorf("期望恰好 1 个赢家，得到 %d", won)
	}
}
