// ==============================================================================
// ACCOUNT LOCK SERVICE - internal/locks/service.go
// ==============================================================================
package locks

import (
	"context"
	"math"
	"math/rand"
	"time"

	"swpttrade/internal/domain"
	"swpttrade/internal/messages"
	"swpttrade/internal/money"
	"swpttrade/internal/outbox"
	"swpttrade/internal/store"
	"swpttrade/internal/transfernote"
	pkgerrors "swpttrade/pkg/errors"
	"swpttrade/pkg/logger"
)

type Config struct {
	// MinDemurrageRate is the worst demurrage rate a prepared transfer may
	// carry, in percents per year.
	MinDemurrageRate float64
	MaxCommitPeriod  time.Duration
}

// Service reserves creditors' funds for a turn and drives each account lock
// through initiated, prepared, settled and released.
type Service struct {
	store  store.WorkerStore
	writer *outbox.Writer
	cfg    Config
	logger logger.Logger
	Now    func() time.Time
	// Intn picks a collector among n candidates.
	Intn func(n int) int
}

func NewService(st store.WorkerStore, writer *outbox.Writer, cfg Config, log logger.Logger) *Service {
	return &Service{
		store:  st,
		writer: writer,
		cfg:    cfg,
		logger: log,
		Now:    func() time.Time { return time.Now().UTC() },
		Intn:   rand.Intn,
	}
}

func getLock(ctx context.Context, tx store.WorkerTx, creditorID, debtorID int64) (*domain.AccountLock, error) {
	lock, err := tx.GetAccountLock(ctx, creditorID, debtorID)
	if store.IsNotFound(err) {
		return nil, nil
	}
	return lock, err
}

// dismissal releases a prepared transfer without committing anything.
func dismissal(creditorID, debtorID, transferID, coordinatorID, requestID int64) *messages.FinalizeTransfer {
	return &messages.FinalizeTransfer{
		CreditorID:           creditorID,
		DebtorID:             debtorID,
		TransferID:           transferID,
		CoordinatorType:      messages.CoordinatorTypeAgent,
		CoordinatorID:        coordinatorID,
		CoordinatorRequestID: requestID,
	}
}

// DismissPreparedTransfer answers a prepared transfer nobody asked for.
func DismissPreparedTransfer(m *messages.PreparedTransfer) *messages.FinalizeTransfer {
	return dismissal(m.CreditorID, m.DebtorID, m.TransferID, m.CoordinatorID, m.CoordinatorRequestID)
}

// DismissLock releases the prepared transfer of a lock without committing.
func DismissLock(l *domain.AccountLock) *messages.FinalizeTransfer {
	return dismissal(l.CreditorID, l.DebtorID, *l.TransferID, l.CreditorID, l.CoordinatorRequestID)
}

func commitment(l *domain.AccountLock) *messages.FinalizeTransfer {
	m := dismissal(l.CreditorID, l.DebtorID, *l.TransferID, l.CreditorID, l.CoordinatorRequestID)
	m.CommittedAmount = -l.Amount
	m.TransferNoteFormat = transfernote.Format
	m.TransferNote = transfernote.Note{
		TurnID:   l.TurnID,
		Kind:     transfernote.Collecting,
		FirstID:  l.CreditorID,
		SecondID: l.CollectorID,
	}.Encode()
	return m
}

func maxCommitDelay(d time.Duration) int32 {
	secs := math.Ceil(d.Seconds())
	if secs < 0 {
		return 0
	}
	if secs > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(secs)
}

// ProcessCandidateOffer locks the account of an offer made during phase 2
// and asks the ledger to prepare the transfer to the chosen collector.
func (s *Service) ProcessCandidateOffer(ctx context.Context, m *messages.CandidateOffer) error {
	now := s.Now()
	return s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		turn, err := tx.GetWorkerTurn(ctx, m.TurnID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		if turn.Phase != domain.PhaseOffers || turn.CollectionDeadline == nil {
			return nil
		}

		policy, err := tx.GetTradingPolicy(ctx, m.CreditorID, m.DebtorID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		if !policy.CreationDate.Equal(m.AccountCreationDate) || policy.LastTransferNumber != m.LastTransferNumber {
			return nil
		}

		existing, err := getLock(ctx, tx, m.CreditorID, m.DebtorID)
		if err != nil {
			return err
		}
		if existing != nil {
			if !existing.IsObservedBy(policy.CreationDate, policy.LastTransferNumber) {
				return nil
			}
			if err := tx.DeleteAccountLock(ctx, m.CreditorID, m.DebtorID); err != nil {
				return err
			}
		}

		collectors, err := tx.ListActiveCollectors(ctx)
		if err != nil {
			return err
		}
		var candidates []domain.ActiveCollector
		for _, c := range collectors {
			if c.DebtorID == m.DebtorID {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) == 0 {
			s.logger.Warn("No active collector for candidate offer", map[string]interface{}{
				"creditor_id": m.CreditorID,
				"debtor_id":   m.DebtorID,
			})
			return nil
		}
		collector := candidates[s.Intn(len(candidates))]

		requestID, err := tx.NextCoordinatorRequestID(ctx)
		if err != nil {
			return err
		}
		lock := &domain.AccountLock{
			CreditorID:           m.CreditorID,
			DebtorID:             m.DebtorID,
			TurnID:               m.TurnID,
			CollectorID:          collector.CollectorID,
			CoordinatorRequestID: requestID,
			Amount:               m.Amount,
			InitiatedAt:          now,
		}
		if lock.IsSelfLock() {
			var zero int64
			lock.TransferID = &zero
			return tx.InsertAccountLock(ctx, lock)
		}
		if err := tx.InsertAccountLock(ctx, lock); err != nil {
			return err
		}

		untilDeadline := turn.CollectionDeadline.Sub(now)
		prepare := &messages.PrepareTransfer{
			CreditorID:           m.CreditorID,
			DebtorID:             m.DebtorID,
			CoordinatorType:      messages.CoordinatorTypeAgent,
			CoordinatorID:        m.CreditorID,
			CoordinatorRequestID: requestID,
			Recipient:            collector.AccountID,
			MinInterestRate:      s.cfg.MinDemurrageRate,
			MaxCommitDelay:       maxCommitDelay(untilDeadline + s.cfg.MaxCommitPeriod),
		}
		if m.Amount < 0 {
			d := money.CalcDemurrage(s.cfg.MinDemurrageRate, untilDeadline)
			prepare.MinLockedAmount = -m.Amount
			prepare.MaxLockedAmount = money.CeilDiv(-m.Amount, d)
		}
		return s.writer.Send(ctx, tx, now, prepare)
	})
}

// ProcessRejectedTransfer deletes the initiated lock the rejection refers
// to. It reports whether the rejection belonged to an account lock.
func (s *Service) ProcessRejectedTransfer(ctx context.Context, m *messages.RejectedTransfer) (bool, error) {
	handled := false
	err := s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		handled = false
		lock, err := tx.GetAccountLockByRequestID(ctx, m.CoordinatorID, m.CoordinatorRequestID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		if lock.DebtorID != m.DebtorID || lock.CreditorID != m.CreditorID {
			return nil
		}
		handled = true
		if lock.State() != domain.LockInitiated {
			return nil
		}
		s.logger.Info("Account lock rejected", map[string]interface{}{
			"creditor_id": lock.CreditorID,
			"debtor_id":   lock.DebtorID,
			"status_code": m.StatusCode,
		})
		return tx.DeleteAccountLock(ctx, lock.CreditorID, lock.DebtorID)
	})
	return handled, err
}

// ProcessPreparedTransfer moves an initiated lock to prepared, re-pricing
// sales against the worst demurrage until the collection deadline. It
// reports whether the transfer belonged to an account lock.
func (s *Service) ProcessPreparedTransfer(ctx context.Context, m *messages.PreparedTransfer) (bool, error) {
	now := s.Now()
	handled := false
	err := s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		handled = false
		lock, err := tx.GetAccountLockByRequestID(ctx, m.CoordinatorID, m.CoordinatorRequestID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		if lock.DebtorID != m.DebtorID || lock.CreditorID != m.CreditorID {
			return nil
		}
		handled = true

		switch lock.State() {
		case domain.LockInitiated:
			return s.prepare(ctx, tx, lock, m, now)
		case domain.LockPrepared:
			if *lock.TransferID == m.TransferID {
				return nil
			}
		case domain.LockSettled, domain.LockReleased:
			if *lock.TransferID == m.TransferID && lock.Amount < 0 {
				return s.writer.Send(ctx, tx, now, commitment(lock))
			}
		}
		return s.writer.Send(ctx, tx, now, DismissPreparedTransfer(m))
	})
	return handled, err
}

func (s *Service) prepare(ctx context.Context, tx store.WorkerTx, lock *domain.AccountLock, m *messages.PreparedTransfer, now time.Time) error {
	turn, err := tx.GetWorkerTurn(ctx, lock.TurnID)
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	amount := lock.Amount
	acceptable := turn != nil && turn.CollectionDeadline != nil &&
		!m.Deadline.Before(*turn.CollectionDeadline) &&
		m.DemurrageRate >= s.cfg.MinDemurrageRate
	if acceptable && amount < 0 {
		worst := money.CalcDemurrage(m.DemurrageRate, turn.CollectionDeadline.Sub(lock.InitiatedAt))
		amount = max(amount, -money.FloorMul(m.LockedAmount, worst))
		acceptable = amount < 0
	}
	if !acceptable {
		s.logger.Info("Dismissing prepared account lock", map[string]interface{}{
			"creditor_id":    lock.CreditorID,
			"debtor_id":      lock.DebtorID,
			"demurrage_rate": m.DemurrageRate,
		})
		if err := tx.DeleteAccountLock(ctx, lock.CreditorID, lock.DebtorID); err != nil {
			return err
		}
		return s.writer.Send(ctx, tx, now, DismissPreparedTransfer(m))
	}

	transferID := m.TransferID
	lock.TransferID = &transferID
	lock.Amount = amount
	return tx.UpdateAccountLock(ctx, lock)
}

// ProcessReviseAccountLock applies the solver's decision to a lock: sales
// are committed, purchases wait for the dispatched funds, and locks the
// solver did not use are dismissed.
func (s *Service) ProcessReviseAccountLock(ctx context.Context, m *messages.ReviseAccountLock) error {
	now := s.Now()
	return s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		lock, err := getLock(ctx, tx, m.CreditorID, m.DebtorID)
		if err != nil || lock == nil || lock.TurnID != m.TurnID {
			return err
		}
		state := lock.State()
		if state == domain.LockSettled || state == domain.LockReleased || lock.HasBeenRevised {
			return nil
		}

		part, err := tx.GetCreditorParticipation(ctx, m.CreditorID, m.DebtorID, m.TurnID)
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		if part == nil || part.Amount == 0 || state == domain.LockInitiated {
			if err := tx.DeleteAccountLock(ctx, lock.CreditorID, lock.DebtorID); err != nil {
				return err
			}
			if state == domain.LockPrepared && !lock.IsSelfLock() {
				return s.writer.Send(ctx, tx, now, DismissLock(lock))
			}
			return nil
		}
		pkgerrors.Invariant(
			(part.Amount < 0) == (lock.Amount < 0) && abs(part.Amount) <= abs(lock.Amount),
			"participation %d exceeds account lock %d", part.Amount, lock.Amount,
		)

		lock.Amount = part.Amount
		lock.HasBeenRevised = true
		if part.Amount > 0 {
			// Nothing will be dispatched when the buyer collects for itself.
			if part.CollectorID == lock.CreditorID {
				lock.FinalizedAt = &now
				lock.ReleasedAt = &now
				if err := tx.UpdateAccountLock(ctx, lock); err != nil {
					return err
				}
				if lock.IsSelfLock() {
					return nil
				}
				return s.writer.Send(ctx, tx, now, DismissLock(lock))
			}
			return tx.UpdateAccountLock(ctx, lock)
		}

		lock.FinalizedAt = &now
		if lock.IsSelfLock() {
			lock.ReleasedAt = &now
			if _, err := tx.MarkCollected(ctx, lock.CollectorID, lock.TurnID, lock.DebtorID, lock.CreditorID); err != nil {
				return err
			}
			return tx.UpdateAccountLock(ctx, lock)
		}
		if err := tx.UpdateAccountLock(ctx, lock); err != nil {
			return err
		}
		return s.writer.Send(ctx, tx, now, commitment(lock))
	})
}

// ProcessAccountTransfer releases the lock whose settlement transfer the
// ledger reports: a seller's outgoing collecting transfer or a buyer's
// incoming dispatching transfer.
func (s *Service) ProcessAccountTransfer(ctx context.Context, m *messages.AccountTransfer) error {
	if m.CoordinatorType != messages.CoordinatorTypeAgent {
		return nil
	}
	note, err := transfernote.ParseFormatted(m.TransferNoteFormat, m.TransferNote)
	if err != nil {
		return nil
	}
	var wantState domain.LockState
	switch {
	case note.Kind == transfernote.Collecting && note.FirstID == m.CreditorID && m.AcquiredAmount < 0:
		wantState = domain.LockSettled
	case note.Kind == transfernote.Dispatching && note.SecondID == m.CreditorID && m.AcquiredAmount > 0:
		wantState = domain.LockPrepared
	default:
		return nil
	}

	now := s.Now()
	return s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		lock, err := getLock(ctx, tx, m.CreditorID, m.DebtorID)
		if err != nil || lock == nil || lock.TurnID != note.TurnID || lock.State() != wantState {
			return err
		}
		creationDate := m.CreationDate
		transferNumber := m.TransferNumber
		lock.ReleasedAt = &now
		lock.AccountCreationDate = &creationDate
		lock.AccountLastTransferNumber = &transferNumber
		if wantState == domain.LockSettled {
			return tx.UpdateAccountLock(ctx, lock)
		}

		lock.FinalizedAt = &now
		if err := tx.UpdateAccountLock(ctx, lock); err != nil {
			return err
		}
		if lock.IsSelfLock() {
			return nil
		}
		return s.writer.Send(ctx, tx, now, DismissLock(lock))
	})
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
