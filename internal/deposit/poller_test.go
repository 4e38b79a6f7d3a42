package deposit

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/betbot/tradebot/internal/domain"
	"github.com/betbot/tradebot/pkg/persistence"
)

// fakeVenue 可编程的链上查询协作方
type fakeVenue struct {
	mu        sync.Mutex
	transfers []domain.Transfer
	lastSince uint64
}

func (v *fakeVenue) GetPositions(context.Context, string) ([]domain.PositionSnapshot, error) {
	return nil, nil
}

func (v *fakeVenue) GetRecentTransfers(_ context.Context, _ common.Address, sinceBlock uint64) ([]domain.Transfer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastSince = sinceBlock
	return v.transfers, nil
}

func (v *fakeVenue) since() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastSince
}

// memStore 内存版持久化存储
type memStore struct {
	mu   sync.Mutex
	data *pollCursor
}

func (s *memStore) Save(data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *(data.(*pollCursor))
	s.data = &c
	return nil
}

func (s *memStore) Load(data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return persistence.ErrNotExists
	}
	*(data.(*pollCursor)) = *s.data
	return nil
}

// TestPoller_ObservesAndAdvancesCursor 轮询观察转账并推进游标
func TestPoller_ObservesAndAdvancesCursor(t *testing.T) {
	d, db, ledger := newTestDetector(t, 12)
	venue := &fakeVenue{transfers: []domain.Transfer{
		{
			TxHash:        common.HexToHash("0xaaa"),
			From:          common.HexToAddress("0x2222222222222222222222222222222222222222"),
			Amount:        decimal.RequireFromString("50"),
			BlockNumber:   100,
			Confirmations: 15,
		},
	}}
	cursorStore := &memStore{}
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	p := NewPoller(d, venue, []common.Address{wallet}, 0, cursorStore)

	cur := p.PollOnce(context.Background(), pollCursor{})

	if cur.SinceBlock != 100 {
		t.Errorf("游标应推进到 100，得到 %d", cur.SinceBlock)
	}
	if cursorStore.data == nil || cursorStore.data.SinceBlock != 100 {
		t.Error("游标应被持久化")
	}
	if got := ledger.creditCount(); got != 1 {
		t.Errorf("确认数达标应入账 1 次，得到 %d", got)
	}

	ev, err := db.GetDeposit(context.Background(), common.HexToHash("0xaaa").Hex())
	if err != nil {
		t.Fatalf("事件应该存在: %v", err)
	}
	if ev.SourceChannel != domain.ChannelPoll {
		t.Errorf("期望渠道 poll，得到 %s", ev.SourceChannel)
	}
	if ev.Status != domain.DepositCredited {
		t.Errorf("期望 credited，得到 %s", ev.Status)
	}
}

// chainVenue 模拟真实链视图：只返回 sinceBlock 之后的转账，
// 确认数随链头推进增长
type chainVenue struct {
	mu        sync.Mutex
	head      uint64
	transfers []domain.Transfer
}

func (v *chainVenue) GetPositions(context.Context, string) ([]domain.PositionSnapshot, error) {
	return nil, nil
}

func (v *chainVenue) GetRecentTransfers(_ context.Context, _ common.Address, sinceBlock uint64) ([]domain.Transfer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.Transfer, 0, len(v.transfers))
	for _, t := range v.transfers {
		if t.BlockNumber <= sinceBlock {
			continue
		}
		if v.head > t.BlockNumber {
			t.Confirmations = v.head - t.BlockNumber
		} else {
			t.Confirmations = 0
		}
		out = append(out, t)
	}
	return out, nil
}

func (v *chainVenue) advanceHead(to uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.head = to
}

// TestPoller_PendingBehindCursorEventuallyCredits 确认数不足时游标照常推进，
// 回退重扫必须把落在游标之后的 pending 事件喂到入账
func TestPoller_PendingBehindCursorEventuallyCredits(t *testing.T) {
	d, db, ledger := newTestDetector(t, 12)
	venue := &chainVenue{
		head: 105,
		transfers: []domain.Transfer{
			{TxHash: common.HexToHash("0xaa1"), Amount: decimal.RequireFromString("20"), BlockNumber: 95},
			{TxHash: common.HexToHash("0xaa2"), Amount: decimal.RequireFromString("30"), BlockNumber: 104},
		},
	}
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	p := NewPoller(d, venue, []common.Address{wallet}, 0, &memStore{})

	// 第一轮：确认数分别是 10 和 1，都不够 12，游标仍推进到 104
	cur := p.PollOnce(context.Background(), pollCursor{})
	if cur.SinceBlock != 104 {
		t.Fatalf("游标应推进到 104，得到 %d", cur.SinceBlock)
	}
	if got := ledger.creditCount(); got != 0 {
		t.Fatalf("确认数不足不应入账，得到 %d 次", got)
	}

	// 链头推进后再轮询：两笔都已落在游标之后，回退重扫必须重新返回它们
	venue.advanceHead(200)
	cur = p.PollOnce(context.Background(), cur)

	if got := ledger.creditCount(); got != 2 {
		t.Errorf("确认数达标后两笔都应入账，得到 %d 次", got)
	}
	for _, tx := range []string{"0xaa1", "0xaa2"} {
		ev, err := db.GetDeposit(context.Background(), common.HexToHash(tx).Hex())
		if err != nil {
			t.Fatalf("事件 %s 应该存在: %v", tx, err)
		}
		if ev.Status != domain.DepositCredited {
			t.Errorf("tx=%s 期望 credited，得到 %s（conf=%d）", tx, ev.Status, ev.Confirmations)
		}
	}
}

// TestPoller_RepeatedPollNoDoubleCredit 同一批转账重复轮询不重复入账
func TestPoller_RepeatedPollNoDoubleCredit(t *testing.T) {
	d, _, ledger := newTestDetector(t, 1)
	venue := &fakeVenue{transfers: []domain.Transfer{
		{TxHash: common.HexToHash("0xbbb"), Amount: decimal.RequireFromString("5"), BlockNumber: 50, Confirmations: 3},
	}}
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	p := NewPoller(d, venue, []common.Address{wallet}, 0, &memStore{})

	cur := p.PollOnce(context.Background(), pollCursor{})
	cur = p.PollOnce(context.Background(), cur)
	// 游标 50，确认深度 1，查询起点回退到 49
	if venue.since() != 49 {
		t.Errorf("第二轮应从回退后的 49 起查，得到 %d", venue.since())
	}
	p.PollOnce(context.Background(), cur)

	if got := ledger.creditCount(); got != 1 {
		t.Errorf("重复轮询期望仍只入账 1 次，得到 %d", got)
	}
}
