package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/tradebot/internal/domain"
)

// ErrWatchExists is returned when a position already carries a watch that has
// not reached a terminal state.
var ErrWatchExists = errors.New("active watch already exists for position")

const timeLayout = time.RFC3339Nano

// InsertWatch persists a freshly armed watch. The partial unique index on
// position_id rejects a second non-terminal watch for the same position.
func (d *DB) InsertWatch(ctx context.Context, w *domain.StopLossWatch) error {
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO stop_loss_watches
  (id, position_id, user_id, market_id, trigger_price, direction, sell_fraction, state, retry_count, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.PositionID, w.UserID, w.MarketID,
		w.TriggerPrice.String(), string(w.Direction), w.SellFraction.String(),
		w.State().String(), w.RetryCount(),
		w.CreatedAt.UTC().Format(timeLayout), time.Now().UTC().Format(timeLayout))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrWatchExists
		}
		return errors.Wrap(err, "insert watch")
	}
	return nil
}

// UpdateWatchState records a state change the in-memory machine already made.
// The runtime CAS lives on the watch itself; this row is for recovery only.
func (d *DB) UpdateWatchState(ctx context.Context, id string, state domain.WatchState, retryCount int32) error {
	_, err := d.sql.ExecContext(ctx, `
UPDATE stop_loss_watches SET state = ?, retry_count = ?, updated_at = ? WHERE id = ?`,
		state.String(), retryCount, time.Now().UTC().Format(timeLayout), id)
	return errors.Wrap(err, "update watch state")
}

// ListNonTerminalWatches loads every watch still in play, used on startup to
// rebuild the engine's in-memory set.
func (d *DB) ListNonTerminalWatches(ctx context.Context) ([]*domain.StopLossWatch, error) {
	rows, err := d.sql.QueryContext(ctx, `
SELECT id, position_id, user_id, market_id, trigger_price, direction, sell_fraction, state, retry_count, created_at
FROM stop_loss_watches
WHERE state IN ('armed','triggered','executing')
ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list watches")
	}
	defer rows.Close()

	var out []*domain.StopLossWatch
	for rows.Next() {
		var (
			id, posID, userID, marketID string
			trigger, direction, frac    string
			stateStr, createdAt         string
			retry                       int32
		)
		if err := rows.Scan(&id, &posID, &userID, &marketID, &trigger, &direction, &frac, &stateStr, &retry, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan watch")
		}
		triggerPrice, err := decimal.NewFromString(trigger)
		if err != nil {
			return nil, errors.Wrapf(err, "watch %s trigger_price", id)
		}
		fraction, err := decimal.NewFromString(frac)
		if err != nil {
			return nil, errors.Wrapf(err, "watch %s sell_fraction", id)
		}
		state, err := domain.ParseWatchState(stateStr)
		if err != nil {
			return nil, errors.Wrapf(err, "watch %s", id)
		}
		w := domain.NewStopLossWatch(id, posID, userID, marketID, triggerPrice, domain.WatchDirection(direction), fraction)
		if t, perr := time.Parse(timeLayout, createdAt); perr == nil {
			w.CreatedAt = t
		}
		w.RestoreState(state, retry)
		out = append(out, w)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_UNIQUE in the message.
	return strings.Contains(err.Error(), "constraint failed")
}
