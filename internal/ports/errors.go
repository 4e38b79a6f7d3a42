package ports

import "github.com/pkg/errors"

// Typed collaborator failures. Retry logic distinguishes these classes:
// network errors and venue rejections are retryable with backoff,
// insufficient balance is not (retrying cannot help until state changes).
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrVenueRejected       = errors.New("venue rejected order")
	ErrNetwork             = errors.New("network error")
)

// IsRetryable reports whether an order placement failure is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientBalance) {
		return false
	}
	return errors.Is(err, ErrVenueRejected) || errors.Is(err, ErrNetwork)
}
