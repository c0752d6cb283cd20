// ==============================================================================
// TRANSFER ATTEMPTS SERVICE - internal/transfers/service.go
// ==============================================================================
package transfers

import (
	"context"
	"math"
	"time"

	"swpttrade/internal/domain"
	"swpttrade/internal/messages"
	"swpttrade/internal/money"
	"swpttrade/internal/outbox"
	"swpttrade/internal/store"
	"swpttrade/internal/transfernote"
	"swpttrade/pkg/logger"
)

// Failure codes stored on transfer attempts.
const (
	FailureUnspecified                 = "UNSPECIFIED"
	FailureTimeout                     = "TIMEOUT"
	FailureNewerInterestRate           = "NEWER_INTEREST_RATE"
	FailureRecipientIsUnreachable      = "RECIPIENT_IS_UNREACHABLE"
	FailureInsufficientAvailableAmount = "INSUFFICIENT_AVAILABLE_AMOUNT"
)

// Status codes after which an attempt is never retried.
const (
	StatusRecipientSameAsSender = "RECIPIENT_SAME_AS_SENDER"
	StatusTransferNoteIsTooLong = "TRANSFER_NOTE_IS_TOO_LONG"
)

const (
	statusOK                    = "OK"
	minFailureBackoffCounter    = 3
	maxBackoffExponent          = 31
	unlimitedMinInterestRate    = -100
	unlimitedMaxCommitDelaySecs = math.MaxInt32
)

type Config struct {
	MinBackoff          time.Duration
	FinalizationTimeout time.Duration
	// MinDemurrageRate stands in for a collector's interest rate when its
	// history does not reach back to the start of the collection.
	MinDemurrageRate float64
	BurstCount       int
}

// Service makes the transfers collectors owe each other and the buyers,
// retrying failed attempts with exponential backoff.
type Service struct {
	store  store.WorkerStore
	writer *outbox.Writer
	cfg    Config
	logger logger.Logger
	Now    func() time.Time
}

func NewService(st store.WorkerStore, writer *outbox.Writer, cfg Config, log logger.Logger) *Service {
	if cfg.BurstCount <= 0 {
		cfg.BurstCount = 1000
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Minute
	}
	return &Service{
		store:  st,
		writer: writer,
		cfg:    cfg,
		logger: log,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func ref(a *domain.TransferAttempt) messages.AttemptRef {
	return messages.AttemptRef{
		CollectorID:   a.CollectorID,
		TurnID:        a.TurnID,
		DebtorID:      a.DebtorID,
		CreditorID:    a.CreditorID,
		IsDispatching: a.IsDispatching,
	}
}

func keyOf(r messages.AttemptRef) domain.TransferAttemptKey {
	return domain.TransferAttemptKey{
		CollectorID:   r.CollectorID,
		TurnID:        r.TurnID,
		DebtorID:      r.DebtorID,
		CreditorID:    r.CreditorID,
		IsDispatching: r.IsDispatching,
	}
}

// AccountIDRequest asks the recipient's shard for the account id of an
// attempt's recipient.
func AccountIDRequest(a *domain.TransferAttempt) *messages.AccountIDRequest {
	return &messages.AccountIDRequest{AttemptRef: ref(a)}
}

// BackoffDelay returns min_backoff · 2^min(counter, 31), clamped to the
// longest representable duration.
func BackoffDelay(minBackoff time.Duration, counter int16) time.Duration {
	exp := min(int(counter), maxBackoffExponent)
	d := float64(minBackoff) * math.Pow(2, float64(exp))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ClassifyFailure maps a ledger status code to a failure code.
func ClassifyFailure(statusCode string) string {
	switch statusCode {
	case FailureTimeout, FailureNewerInterestRate, FailureRecipientIsUnreachable, FailureInsufficientAvailableAmount:
		return statusCode
	default:
		return FailureUnspecified
	}
}

func isFatal(statusCode string) bool {
	return statusCode == StatusRecipientSameAsSender || statusCode == StatusTransferNoteIsTooLong
}

// TriggerDue sends a TriggerTransfer for one burst of attempts that are due
// and fails one burst of attempts whose prepare was never answered.
func (s *Service) TriggerDue(ctx context.Context) (bool, error) {
	now := s.Now()
	more := false
	err := s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		more = false
		due, err := tx.BurstDueTransferAttempts(ctx, now, s.cfg.BurstCount)
		if err != nil {
			return err
		}
		var msgs []messages.Message
		for i := range due {
			a := &due[i]
			a.RescheduledFor = nil
			if err := tx.UpdateTransferAttempt(ctx, a); err != nil {
				return err
			}
			if a.Recipient == "" || a.IsDone() {
				continue
			}
			msgs = append(msgs, &messages.TriggerTransfer{AttemptRef: ref(a)})
		}

		stale, err := tx.BurstStaleTransferAttempts(ctx, now.Add(-s.cfg.FinalizationTimeout), s.cfg.BurstCount)
		if err != nil {
			return err
		}
		for i := range stale {
			m, err := s.registerFailure(ctx, tx, &stale[i], FailureTimeout, now)
			if err != nil {
				return err
			}
			if m != nil {
				msgs = append(msgs, m)
			}
		}

		more = len(due) >= s.cfg.BurstCount || len(stale) >= s.cfg.BurstCount
		return s.writer.Send(ctx, tx, now, msgs...)
	})
	return more, err
}

// ProcessTriggerTransfer asks the ledger to prepare the attempt's transfer.
// The amount is the nominal amount reduced by the demurrage of the lowest
// interest rate the collector's account had since the collection started.
func (s *Service) ProcessTriggerTransfer(ctx context.Context, m *messages.TriggerTransfer) error {
	now := s.Now()
	return s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		a, err := tx.GetTransferAttempt(ctx, keyOf(m.AttemptRef))
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		if a.IsDone() || a.IsInFlight() || a.RescheduledFor != nil || a.Recipient == "" {
			return nil
		}

		rate, err := s.lowestCollectorRate(ctx, tx, a)
		if err != nil {
			return err
		}
		d := money.CalcDemurrage(rate, now.Sub(a.CollectionStartedAt))
		amount := money.FloorMul(a.NominalAmount, d)
		if amount <= 0 {
			a.FinalizedAt = &now
			return tx.UpdateTransferAttempt(ctx, a)
		}

		requestID, err := tx.NextCoordinatorRequestID(ctx)
		if err != nil {
			return err
		}
		a.AttemptedAt = &now
		a.CoordinatorRequestID = &requestID
		a.Amount = &amount
		a.TransferID = nil
		if err := tx.UpdateTransferAttempt(ctx, a); err != nil {
			return err
		}
		return s.writer.Send(ctx, tx, now, &messages.PrepareTransfer{
			CreditorID:           a.CollectorID,
			DebtorID:             a.DebtorID,
			CoordinatorType:      messages.CoordinatorTypeAgent,
			CoordinatorID:        a.CollectorID,
			CoordinatorRequestID: requestID,
			MinLockedAmount:      amount,
			MaxLockedAmount:      amount,
			Recipient:            a.Recipient,
			MinInterestRate:      unlimitedMinInterestRate,
			MaxCommitDelay:       unlimitedMaxCommitDelaySecs,
		})
	})
}

func (s *Service) lowestCollectorRate(ctx context.Context, tx store.WorkerTx, a *domain.TransferAttempt) (float64, error) {
	changes, err := tx.ListInterestRateChanges(ctx, a.CollectorID, a.DebtorID)
	if err != nil {
		return 0, err
	}
	account, err := tx.GetWorkerAccount(ctx, a.CollectorID, a.DebtorID)
	if err != nil && !store.IsNotFound(err) {
		return 0, err
	}
	return LowestRateSince(changes, account, a.CollectionStartedAt, s.cfg.MinDemurrageRate), nil
}

// LowestRateSince returns the lowest interest rate in effect on an account
// at any moment after since. changes must be ordered by time, and account
// may be nil. When the rate in effect at since is not known, fallback is
// taken as that rate.
func LowestRateSince(changes []domain.InterestRateChange, account *domain.WorkerAccount, since time.Time, fallback float64) float64 {
	lowest := math.Inf(1)
	var atStart *float64
	for i := range changes {
		c := &changes[i]
		if c.ChangeTS.After(since) {
			lowest = min(lowest, c.InterestRate)
		} else {
			atStart = &c.InterestRate
		}
	}
	if account != nil {
		if account.LastInterestRateChangeTS.After(since) {
			lowest = min(lowest, account.InterestRate)
		} else {
			atStart = &account.InterestRate
		}
	}
	if atStart != nil {
		return min(lowest, *atStart)
	}
	return min(lowest, fallback)
}

func note(a *domain.TransferAttempt) transfernote.Note {
	kind := transfernote.Sending
	if a.IsDispatching {
		kind = transfernote.Dispatching
	}
	return transfernote.Note{TurnID: a.TurnID, Kind: kind, FirstID: a.CollectorID, SecondID: a.CreditorID}
}

func (s *Service) attemptFor(ctx context.Context, tx store.WorkerTx, creditorID, debtorID, coordinatorID, requestID int64) (*domain.TransferAttempt, error) {
	a, err := tx.GetTransferAttemptByRequestID(ctx, coordinatorID, requestID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if a.CollectorID != creditorID || a.DebtorID != debtorID {
		return nil, nil
	}
	return a, nil
}

// ProcessPreparedTransfer commits the prepared transfer of an in-flight
// attempt. It reports whether the transfer belonged to an attempt.
func (s *Service) ProcessPreparedTransfer(ctx context.Context, m *messages.PreparedTransfer) (bool, error) {
	now := s.Now()
	handled := false
	err := s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		handled = false
		a, err := s.attemptFor(ctx, tx, m.CreditorID, m.DebtorID, m.CoordinatorID, m.CoordinatorRequestID)
		if err != nil || a == nil {
			return err
		}
		handled = true

		finalize := &messages.FinalizeTransfer{
			CreditorID:           m.CreditorID,
			DebtorID:             m.DebtorID,
			TransferID:           m.TransferID,
			CoordinatorType:      messages.CoordinatorTypeAgent,
			CoordinatorID:        m.CoordinatorID,
			CoordinatorRequestID: m.CoordinatorRequestID,
		}
		switch {
		case a.IsInFlight() && a.TransferID == nil:
			transferID := m.TransferID
			a.TransferID = &transferID
			if err := tx.UpdateTransferAttempt(ctx, a); err != nil {
				return err
			}
		case a.TransferID != nil && *a.TransferID == m.TransferID && !a.IsDone():
		default:
			return s.writer.Send(ctx, tx, now, finalize)
		}

		finalize.CommittedAmount = *a.Amount
		finalize.TransferNoteFormat = transfernote.Format
		finalize.TransferNote = note(a).Encode()
		return s.writer.Send(ctx, tx, now, finalize)
	})
	return handled, err
}

// ProcessFinalizedTransfer records the outcome of an attempt's transfer.
func (s *Service) ProcessFinalizedTransfer(ctx context.Context, m *messages.FinalizedTransfer) (bool, error) {
	now := s.Now()
	handled := false
	err := s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		handled = false
		a, err := s.attemptFor(ctx, tx, m.CreditorID, m.DebtorID, m.CoordinatorID, m.CoordinatorRequestID)
		if err != nil || a == nil {
			return err
		}
		handled = true
		if !a.IsInFlight() || a.TransferID == nil || *a.TransferID != m.TransferID {
			return nil
		}
		if m.StatusCode == statusOK && m.CommittedAmount > 0 {
			a.FinalizedAt = &now
			s.logger.Info("Transfer attempt finalized", map[string]interface{}{
				"collector_id":   a.CollectorID,
				"turn_id":        a.TurnID,
				"debtor_id":      a.DebtorID,
				"creditor_id":    a.CreditorID,
				"is_dispatching": a.IsDispatching,
				"amount":         m.CommittedAmount,
			})
			return tx.UpdateTransferAttempt(ctx, a)
		}
		msg, err := s.registerFailure(ctx, tx, a, m.StatusCode, now)
		if err != nil || msg == nil {
			return err
		}
		return s.writer.Send(ctx, tx, now, msg)
	})
	return handled, err
}

// ProcessRejectedTransfer records a failed prepare of an attempt.
func (s *Service) ProcessRejectedTransfer(ctx context.Context, m *messages.RejectedTransfer) (bool, error) {
	now := s.Now()
	handled := false
	err := s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		handled = false
		a, err := s.attemptFor(ctx, tx, m.CreditorID, m.DebtorID, m.CoordinatorID, m.CoordinatorRequestID)
		if err != nil || a == nil {
			return err
		}
		handled = true
		if !a.IsInFlight() {
			return nil
		}
		msg, err := s.registerFailure(ctx, tx, a, m.StatusCode, now)
		if err != nil || msg == nil {
			return err
		}
		return s.writer.Send(ctx, tx, now, msg)
	})
	return handled, err
}

// registerFailure reschedules a failed attempt. When the recipient turned
// out unreachable it returns a request for a fresh account id.
func (s *Service) registerFailure(ctx context.Context, tx store.WorkerTx, a *domain.TransferAttempt, statusCode string, now time.Time) (messages.Message, error) {
	a.CoordinatorRequestID = nil
	a.TransferID = nil

	if isFatal(statusCode) {
		fatal := statusCode
		a.FatalError = &fatal
		s.logger.Error("Transfer attempt failed permanently", map[string]interface{}{
			"collector_id":   a.CollectorID,
			"turn_id":        a.TurnID,
			"debtor_id":      a.DebtorID,
			"creditor_id":    a.CreditorID,
			"is_dispatching": a.IsDispatching,
			"status_code":    statusCode,
		})
		return nil, tx.UpdateTransferAttempt(ctx, a)
	}

	code := ClassifyFailure(statusCode)
	a.FailureCode = &code
	counter := max(int32(a.BackoffCounter)+1, minFailureBackoffCounter)
	a.BackoffCounter = int16(min(counter, math.MaxInt16))

	base := now
	if a.AttemptedAt != nil {
		base = *a.AttemptedAt
	}
	next := base.Add(BackoffDelay(s.cfg.MinBackoff, a.BackoffCounter))
	a.RescheduledFor = &next

	var msg messages.Message
	if code == FailureRecipientIsUnreachable {
		a.Recipient = ""
		msg = AccountIDRequest(a)
	}
	s.logger.Warn("Transfer attempt failed", map[string]interface{}{
		"collector_id":    a.CollectorID,
		"turn_id":         a.TurnID,
		"debtor_id":       a.DebtorID,
		"creditor_id":     a.CreditorID,
		"failure_code":    code,
		"backoff_counter": a.BackoffCounter,
		"rescheduled_for": next,
	})
	return msg, tx.UpdateTransferAttempt(ctx, a)
}

// ProcessAccountIDRequest answers with the recipient's account id: the
// buyer's trading account for dispatching, the receiving collector's
// account otherwise.
func (s *Service) ProcessAccountIDRequest(ctx context.Context, m *messages.AccountIDRequest) error {
	now := s.Now()
	return s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		var accountID string
		var version int64
		if m.IsDispatching {
			policy, err := tx.GetTradingPolicy(ctx, m.CreditorID, m.DebtorID)
			if err != nil {
				if store.IsNotFound(err) {
					return nil
				}
				return err
			}
			accountID, version = policy.AccountID, policy.LatestLedgerUpdateID
		} else {
			account, err := tx.GetWorkerAccount(ctx, m.CreditorID, m.DebtorID)
			if err != nil {
				if store.IsNotFound(err) {
					return nil
				}
				return err
			}
			accountID, version = account.AccountID, account.LastChangeTS.UnixNano()
		}
		if accountID == "" {
			return nil
		}
		return s.writer.Send(ctx, tx, now, &messages.AccountIDResponse{
			AttemptRef:       m.AttemptRef,
			AccountID:        accountID,
			AccountIDVersion: version,
		})
	})
}

// ProcessAccountIDResponse replaces the attempt's recipient with a newer
// one and schedules the attempt when it was waiting for it.
func (s *Service) ProcessAccountIDResponse(ctx context.Context, m *messages.AccountIDResponse) error {
	now := s.Now()
	return s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		a, err := tx.GetTransferAttempt(ctx, keyOf(m.AttemptRef))
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		// A cleared recipient accepts the same version again.
		if m.AccountID == "" || m.AccountIDVersion < a.RecipientVersion ||
			(a.Recipient != "" && m.AccountIDVersion == a.RecipientVersion) {
			return nil
		}
		a.Recipient = m.AccountID
		a.RecipientVersion = m.AccountIDVersion
		if !a.IsDone() && !a.IsInFlight() && a.RescheduledFor == nil {
			a.RescheduledFor = &now
		}
		return tx.UpdateTransferAttempt(ctx, a)
	})
}
