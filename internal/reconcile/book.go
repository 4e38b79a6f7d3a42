// Package reconcile 维护本地仓位快照并周期性与交易所权威视图对账。
package reconcile

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/tradebot/internal/domain"
)

// SnapshotBook 本地仓位快照表。
// 确认成交通过 ApplyFill 增量维护；对账发现漂移时由 Reconciler 整体覆盖。
type SnapshotBook struct {
	mu   sync.RWMutex
	book map[string]*domain.PositionSnapshot
}

func NewSnapshotBook() *SnapshotBook {
	return &SnapshotBook{book: make(map[string]*domain.PositionSnapshot)}
}

// Get 返回仓位快照的副本。
func (b *SnapshotBook) Get(userID, marketID string) (domain.PositionSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.book[domain.PositionKey(userID, marketID)]
	if !ok {
		return domain.PositionSnapshot{}, false
	}
	return *p, true
}

// All 返回全部快照的副本。
func (b *SnapshotBook) All() []domain.PositionSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.PositionSnapshot, 0, len(b.book))
	for _, p := range b.book {
		out = append(out, *p)
	}
	return out
}

// ApplyFill 用一笔确认成交增量更新本地仓位。
// 买入按成交量加权刷新均价，卖出只减规模。
func (b *SnapshotBook) ApplyFill(userID, marketID string, side domain.OrderSide, size, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := domain.PositionKey(userID, marketID)
	p, ok := b.book[key]
	if !ok {
		p = &domain.PositionSnapshot{
			UserID:   userID,
			MarketID: marketID,
			Source:   domain.SnapshotLocal,
		}
		b.book[key] = p
	}

	switch side {
	case domain.SideBuy:
		newSize := p.Size.Add(size)
		if newSize.IsPositive() {
			cost := p.Size.Mul(p.AvgEntryPrice).Add(size.Mul(price))
			p.AvgEntryPrice = cost.Div(newSize)
		}
		p.Size = newSize
	case domain.SideSell:
		p.Size = p.Size.Sub(size)
		if !p.Size.IsPositive() {
			p.Size = decimal.Zero
			p.AvgEntryPrice = decimal.Zero
		}
	}
	p.Source = domain.SnapshotLocal
	p.LastSyncedAt = time.Now()
}

// Overwrite 用权威快照覆盖本地（对账纠偏路径）。
func (b *SnapshotBook) Overwrite(remote domain.PositionSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remote.Source = domain.SnapshotRemote
	remote.LastSyncedAt = time.Now()
	b.book[remote.Key()] = &remote
}

// Touch 刷新仓位的对账时间戳，不改动其余字段（对账一致时的路径）。
func (b *SnapshotBook) Touch(userID, marketID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.book[domain.PositionKey(userID, marketID)]; ok {
		p.LastSyncedAt = time.Now()
	}
}

// SetDriftFlag 给仓位打/清漂移标记。
func (b *SnapshotBook) SetDriftFlag(userID, marketID string, flag bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.book[domain.PositionKey(userID, marketID)]; ok {
		p.DriftFlag = flag
	}
}
