// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Common errors
var (
	ErrTurnNotFound          = errors.New("turn not found")
	ErrWorkerTurnNotFound    = errors.New("worker turn not found")
	ErrAccountLockNotFound   = errors.New("account lock not found")
	ErrTransferNotFound      = errors.New("transfer attempt not found")
	ErrDocumentNotFound      = errors.New("debtor info document not found")
	ErrClaimNotFound         = errors.New("debtor locator claim not found")
	ErrPolicyNotFound        = errors.New("trading policy not found")
	ErrAccountNotFound       = errors.New("worker account not found")
	ErrStatusNotFound        = errors.New("dispatching status not found")
	ErrParticipationNotFound = errors.New("creditor participation not found")

	// Message errors are terminal for the message that caused them.
	ErrInvalidMessage     = errors.New("invalid message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrWrongShard         = errors.New("message does not belong to this shard")

	ErrInvalidTransferNote = errors.New("invalid transfer note")
	ErrInvalidRealm        = errors.New("invalid sharding realm")
	ErrFetchFailed         = errors.New("debtor info fetch failed")
	ErrCacheMiss           = errors.New("cache miss")
	ErrInvariantViolation  = errors.New("invariant violation")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsUniqueViolation reports whether err was caused by a unique constraint
// violation in postgres or by an in-memory key collision.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateKey) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ErrDuplicateKey is returned by stores that are not backed by postgres.
var ErrDuplicateKey = errors.New("duplicate key")

// IsTerminal reports whether a message processing error must not be retried.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrUnknownMessageType) ||
		errors.Is(err, ErrWrongShard)
}

// Invariant panics with ErrInvariantViolation when cond is false.
func Invariant(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...)))
	}
}

// Is and As are re-exported so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }
