package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/tradebot/internal/domain"
)

// ObserveOutcome classifies what a deposit observation did to the stored
// event. Observations arrive from two channels (webhook and poller) and the
// same transfer usually shows up on both.
type ObserveOutcome int

const (
	// ObserveNew means this txHash had never been seen; a pending event row
	// was created.
	ObserveNew ObserveOutcome = iota
	// ObserveProgress means the event already existed and is still moving
	// toward credit; confirmations were refreshed.
	ObserveProgress
	// ObserveDuplicate means the event is already credited (or being
	// credited) and the observation carries no new work.
	ObserveDuplicate
)

// ObserveDeposit is the dedup gate. The first observation of a txHash wins the
// INSERT; every later observation lands in the conflict path, where the event
// either absorbs a confirmations update or is reported as a duplicate.
func (d *DB) ObserveDeposit(ctx context.Context, t domain.Transfer) (ObserveOutcome, error) {
	hash := t.TxHash.Hex()
	res, err := d.sql.ExecContext(ctx, `
INSERT INTO deposit_events
  (tx_hash, wallet_address, amount, source_channel, confirmations, status, observed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tx_hash) DO NOTHING`,
		hash, t.Wallet.Hex(), t.Amount.String(), string(t.Channel),
		t.Confirmations, domain.DepositPending.String(), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return ObserveDuplicate, errors.Wrap(err, "observe deposit")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return ObserveNew, nil
	}

	var status string
	err = d.sql.QueryRowContext(ctx,
		`SELECT status FROM deposit_events WHERE tx_hash = ?`, hash).Scan(&status)
	if err != nil {
		return ObserveDuplicate, errors.Wrap(err, "observe deposit: load status")
	}

	switch domain.DepositStatus(status) {
	case domain.DepositCrediting, domain.DepositCredited:
		_, err = d.sql.ExecContext(ctx, `
UPDATE deposit_events SET duplicate_count = duplicate_count + 1 WHERE tx_hash = ?`, hash)
		return ObserveDuplicate, errors.Wrap(err, "observe deposit: count duplicate")
	default:
		_, err = d.sql.ExecContext(ctx, `
UPDATE deposit_events
SET confirmations = MAX(confirmations, ?), duplicate_count = duplicate_count + 1
WHERE tx_hash = ?`, t.Confirmations, hash)
		return ObserveProgress, errors.Wrap(err, "observe deposit: refresh confirmations")
	}
}

// MarkConfirmed promotes a pending event once its confirmation count reaches
// the configured depth. Returns false when the event was not pending.
func (d *DB) MarkConfirmed(ctx context.Context, txHash string, confirmations uint64) (bool, error) {
	res, err := d.sql.ExecContext(ctx, `
UPDATE deposit_events SET status = ?, confirmations = ?
WHERE tx_hash = ? AND status = ?`,
		domain.DepositConfirmed.String(), confirmations, txHash, domain.DepositPending.String())
	if err != nil {
		return false, errors.Wrap(err, "mark confirmed")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// TryBeginCredit is the single atomic step that decides whether a credit
// happens. Exactly one caller can move the event confirmed -> crediting; the
// conditional UPDATE makes concurrent webhook/poller attempts lose cleanly.
func (d *DB) TryBeginCredit(ctx context.Context, txHash string) (bool, error) {
	res, err := d.sql.ExecContext(ctx, `
UPDATE deposit_events SET status = ?
WHERE tx_hash = ? AND status = ?`,
		domain.DepositCrediting.String(), txHash, domain.DepositConfirmed.String())
	if err != nil {
		return false, errors.Wrap(err, "begin credit")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkCredited finalizes a credit the ledger accepted.
func (d *DB) MarkCredited(ctx context.Context, txHash string) error {
	_, err := d.sql.ExecContext(ctx, `
UPDATE deposit_events SET status = ?, credited_at = ?
WHERE tx_hash = ? AND status = ?`,
		domain.DepositCredited.String(), time.Now().UTC().Format(timeLayout),
		txHash, domain.DepositCrediting.String())
	return errors.Wrap(err, "mark credited")
}

// RevertCrediting returns an event to confirmed after a failed ledger call so
// a later attempt can win the gate again.
func (d *DB) RevertCrediting(ctx context.Context, txHash string) error {
	_, err := d.sql.ExecContext(ctx, `
UPDATE deposit_events SET status = ?
WHERE tx_hash = ? AND status = ?`,
		domain.DepositConfirmed.String(), txHash, domain.DepositCrediting.String())
	return errors.Wrap(err, "revert crediting")
}

// GetDeposit loads one event by txHash.
func (d *DB) GetDeposit(ctx context.Context, txHash string) (*domain.DepositEvent, error) {
	row := d.sql.QueryRowContext(ctx, `
SELECT tx_hash, wallet_address, amount, source_channel, confirmations, status, observed_at, credited_at
FROM deposit_events WHERE tx_hash = ?`, txHash)
	return scanDeposit(row)
}

// ListUncredited returns events that have been observed but not yet credited,
// including any stuck in crediting after a crash mid-credit. The detector
// reconciles those on startup.
func (d *DB) ListUncredited(ctx context.Context) ([]*domain.DepositEvent, error) {
	rows, err := d.sql.QueryContext(ctx, `
SELECT tx_hash, wallet_address, amount, source_channel, confirmations, status, observed_at, credited_at
FROM deposit_events
WHERE status IN ('pending','confirmed','crediting')
ORDER BY observed_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list uncredited")
	}
	defer rows.Close()

	var out []*domain.DepositEvent
	for rows.Next() {
		ev, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row rowScanner) (*domain.DepositEvent, error) {
	var (
		ev         domain.DepositEvent
		amount     string
		channel    string
		status     string
		observedAt string
		creditedAt sql.NullString
	)
	err := row.Scan(&ev.TxHash, &ev.WalletAddress, &amount, &channel,
		&ev.Confirmations, &status, &observedAt, &creditedAt)
	if err != nil {
		return nil, errors.Wrap(err, "scan deposit")
	}
	ev.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, errors.Wrapf(err, "deposit %s amount", ev.TxHash)
	}
	ev.SourceChannel = domain.DepositChannel(channel)
	ev.Status = domain.DepositStatus(status)
	if t, perr := time.Parse(timeLayout, observedAt); perr == nil {
		ev.ObservedAt = t
	}
	if creditedAt.Valid {
		if t, perr := time.Parse(timeLayout, creditedAt.String); perr == nil {
			ev.CreditedAt = &t
		}
	}
	return &ev, nil
}
