package ports

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/betbot/tradebot/internal/domain"
)

// OrderPlacer places orders at the trading venue.
//
// NOTE: These interfaces are intentionally defined in a "neutral" package to
// avoid circular dependencies between the event pipeline components and the
// venue/ledger implementations. Order building and signing live behind this
// boundary; the pipeline only cares about the typed result and error classes.
type OrderPlacer interface {
	// PlaceOrder sells or buys sizeOrFraction of the position/market.
	// For stop-loss liquidation the size is a fraction of the position;
	// for mirrored orders it is an absolute share size.
	PlaceOrder(ctx context.Context, userID, marketID string, side domain.OrderSide, sizeOrFraction decimal.Decimal) (*domain.OrderResult, error)
}

// BalanceLedger credits user balances. It must itself be idempotent on
// txHash as a second line of defense behind the detector's dedup gate.
type BalanceLedger interface {
	Credit(ctx context.Context, walletAddress common.Address, amount decimal.Decimal, txHash common.Hash) (applied bool, err error)
}

// VenueQuery is the read-only query collaborator shared by the reconciler
// and the deposit poller.
type VenueQuery interface {
	GetPositions(ctx context.Context, userID string) ([]domain.PositionSnapshot, error)
	GetRecentTransfers(ctx context.Context, wallet common.Address, sinceBlock uint64) ([]domain.Transfer, error)
}

// Notifier surfaces user-facing events (the host application sends Telegram
// messages; tests use a recorder). Failures here are logged, never fatal.
type Notifier interface {
	NotifyStopLossTriggered(w *domain.StopLossWatch, price decimal.Decimal, res *domain.OrderResult)
	NotifyStopLossFailed(w *domain.StopLossWatch, lastErr error)
	NotifyDepositCredited(ev *domain.DepositEvent)
	NotifyTradeMirrored(rule domain.TradeMirrorRule, exec domain.TradeExecution, placed decimal.Decimal, res *domain.OrderResult)
}

// NopNotifier is used when no user-facing layer is attached.
type NopNotifier struct{}

func (NopNotifier) NotifyStopLossTriggered(*domain.StopLossWatch, decimal.Decimal, *domain.OrderResult) {
}
func (NopNotifier) NotifyStopLossFailed(*domain.StopLossWatch, error) {}
func (NopNotifier) NotifyDepositCredited(*domain.DepositEvent)        {}
func (NopNotifier) NotifyTradeMirrored(domain.TradeMirrorRule, domain.TradeExecution, decimal.Decimal, *domain.OrderResult) {
}
