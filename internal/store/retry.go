package store

import (
	"context"
	"time"

	pkgerrors "swpttrade/pkg/errors"
)

// MaxAtomicAttempts bounds the retries of a transaction that keeps losing
// unique key races.
const MaxAtomicAttempts = 5

// RetryOnUniqueViolation runs fn until it succeeds, fails with an error
// other than a unique violation, or MaxAtomicAttempts is reached.
func RetryOnUniqueViolation(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < MaxAtomicAttempts; i++ {
		err := fn()
		if err == nil || !pkgerrors.IsUniqueViolation(err) {
			return err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 10 * time.Millisecond):
		}
	}
	return pkgerrors.Wrap(lastErr, "transaction failed after max retries")
}

// IsNotFound reports whether err is one of the store's not-found sentinels.
func IsNotFound(err error) bool {
	for _, target := range []error{
		pkgerrors.ErrTurnNotFound,
		pkgerrors.ErrWorkerTurnNotFound,
		pkgerrors.ErrAccountLockNotFound,
		pkgerrors.ErrTransferNotFound,
		pkgerrors.ErrDocumentNotFound,
		pkgerrors.ErrClaimNotFound,
		pkgerrors.ErrPolicyNotFound,
		pkgerrors.ErrAccountNotFound,
		pkgerrors.ErrStatusNotFound,
		pkgerrors.ErrParticipationNotFound,
	} {
		if pkgerrors.Is(err, target) {
			return true
		}
	}
	return false
}
