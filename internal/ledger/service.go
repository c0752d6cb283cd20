// ==============================================================================
// LEDGER SERVICE - internal/ledger/service.go
// ==============================================================================
package ledger

import (
	"context"
	"time"

	"swpttrade/internal/domain"
	"swpttrade/internal/messages"
	"swpttrade/internal/money"
	"swpttrade/internal/outbox"
	"swpttrade/internal/store"
	pkgerrors "swpttrade/pkg/errors"
	"swpttrade/pkg/logger"
)

// Service keeps the worker's copy of ledger state: collector accounts as
// reported by the ledgers, and the trading policies of creditors.
type Service struct {
	store  store.WorkerStore
	writer *outbox.Writer
	logger logger.Logger
	Now    func() time.Time
}

func NewService(st store.WorkerStore, writer *outbox.Writer, log logger.Logger) *Service {
	return &Service{
		store:  st,
		writer: writer,
		logger: log,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// ProcessAccountUpdate records the state of a collector account. Accounts
// nobody asked for are configured for deletion.
func (s *Service) ProcessAccountUpdate(ctx context.Context, m *messages.AccountUpdate) error {
	now := s.Now()
	return s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		if _, err := tx.GetNeededWorkerAccount(ctx, m.CreditorID, m.DebtorID); err != nil {
			if !store.IsNotFound(err) {
				return err
			}
			if m.ConfigFlags&domain.ScheduledForDeletionFlag != 0 {
				return nil
			}
			s.logger.Warn("Scheduling unneeded account for deletion", map[string]interface{}{
				"creditor_id": m.CreditorID,
				"debtor_id":   m.DebtorID,
			})
			return s.writer.Send(ctx, tx, now, &messages.ConfigureAccount{
				CreditorID:       m.CreditorID,
				DebtorID:         m.DebtorID,
				NegligibleAmount: m.NegligibleAmount,
				ConfigFlags:      m.ConfigFlags | domain.ScheduledForDeletionFlag,
			})
		}

		account := accountFromUpdate(m)
		existing, err := tx.GetWorkerAccount(ctx, m.CreditorID, m.DebtorID)
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		if existing != nil && !account.IsNewerThan(existing) {
			return nil
		}

		if err := tx.InsertInterestRateChange(ctx, &domain.InterestRateChange{
			CreditorID:   m.CreditorID,
			DebtorID:     m.DebtorID,
			ChangeTS:     m.LastInterestRateChangeTS,
			InterestRate: m.InterestRate,
		}); err != nil {
			return err
		}
		if err := tx.UpsertWorkerAccount(ctx, account); err != nil {
			return err
		}

		var msgs []messages.Message
		if account.AccountID != "" && (existing == nil || existing.AccountID != account.AccountID) {
			msgs = append(msgs, &messages.ActivateCollector{
				DebtorID:   m.DebtorID,
				CreditorID: m.CreditorID,
				AccountID:  account.AccountID,
			})
		}
		if account.DebtorInfoIRI != nil && (existing == nil || existing.DebtorInfoIRI == nil || *existing.DebtorInfoIRI != *account.DebtorInfoIRI) {
			msgs = append(msgs, &messages.DiscoverDebtor{
				DebtorID: m.DebtorID,
				IRI:      *account.DebtorInfoIRI,
			})
		}
		return s.writer.Send(ctx, tx, now, msgs...)
	})
}

func accountFromUpdate(m *messages.AccountUpdate) *domain.WorkerAccount {
	a := &domain.WorkerAccount{
		CreditorID:               m.CreditorID,
		DebtorID:                 m.DebtorID,
		CreationDate:             m.CreationDate,
		LastChangeTS:             m.LastChangeTS,
		LastChangeSeqnum:         m.LastChangeSeqnum,
		Principal:                m.Principal,
		Interest:                 m.Interest,
		InterestRate:             m.InterestRate,
		LastInterestRateChangeTS: m.LastInterestRateChangeTS,
		ConfigFlags:              m.ConfigFlags,
		AccountID:                m.AccountID,
		LastTransferNumber:       m.LastTransferNumber,
		LastTransferCommittedAt:  m.LastTransferCommittedAt,
		DemurrageRate:            m.DemurrageRate,
		CommitPeriod:             m.CommitPeriod,
		TransferNoteMaxBytes:     m.TransferNoteMaxBytes,
		LastHeartbeatTS:          m.TS,
	}
	if m.DebtorInfoIRI != "" {
		iri := m.DebtorInfoIRI
		a.DebtorInfoIRI = &iri
	}
	return a
}

// ProcessAccountPurge forgets a collector account the ledger has deleted.
func (s *Service) ProcessAccountPurge(ctx context.Context, m *messages.AccountPurge) error {
	return s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		account, err := tx.GetWorkerAccount(ctx, m.CreditorID, m.DebtorID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		if !account.CreationDate.Equal(m.CreationDate) {
			return nil
		}
		return tx.DeleteWorkerAccount(ctx, m.CreditorID, m.DebtorID)
	})
}

// ProcessRejectedConfig is only logged; the account will be configured
// again on its next update.
func (s *Service) ProcessRejectedConfig(_ context.Context, m *messages.RejectedConfig) error {
	s.logger.Warn("Account configuration rejected", map[string]interface{}{
		"creditor_id":    m.CreditorID,
		"debtor_id":      m.DebtorID,
		"rejection_code": m.RejectionCode,
	})
	return nil
}

func newPolicy(creditorID, debtorID int64) *domain.TradingPolicy {
	return &domain.TradingPolicy{
		CreditorID:   creditorID,
		DebtorID:     debtorID,
		MinPrincipal: money.MinInt64,
		MaxPrincipal: money.MaxInt64,
	}
}

func (s *Service) updatePolicy(ctx context.Context, creditorID, debtorID int64, update func(tx store.WorkerTx, p *domain.TradingPolicy) (bool, error)) error {
	return s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		p, err := tx.GetTradingPolicy(ctx, creditorID, debtorID)
		if err != nil {
			if !pkgerrors.Is(err, pkgerrors.ErrPolicyNotFound) {
				return err
			}
			p = newPolicy(creditorID, debtorID)
		}
		changed, err := update(tx, p)
		if err != nil || !changed {
			return err
		}
		return tx.UpsertTradingPolicy(ctx, p)
	})
}

// ProcessUpdatedLedger records a creditor's account state. A released
// account lock whose ledger transfer is now visible is deleted.
func (s *Service) ProcessUpdatedLedger(ctx context.Context, m *messages.UpdatedLedger) error {
	return s.updatePolicy(ctx, m.CreditorID, m.DebtorID, func(tx store.WorkerTx, p *domain.TradingPolicy) (bool, error) {
		if m.UpdateID <= p.LatestLedgerUpdateID {
			return false, nil
		}
		p.AccountID = m.AccountID
		p.CreationDate = m.CreationDate
		p.Principal = m.Principal
		p.LastTransferNumber = m.LastTransferNumber
		p.LatestLedgerUpdateID = m.UpdateID
		p.LatestLedgerUpdateTS = m.TS

		lock, err := tx.GetAccountLock(ctx, m.CreditorID, m.DebtorID)
		if err != nil {
			if store.IsNotFound(err) {
				return true, nil
			}
			return false, err
		}
		if lock.IsObservedBy(m.CreationDate, m.LastTransferNumber) {
			if err := tx.DeleteAccountLock(ctx, m.CreditorID, m.DebtorID); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

func (s *Service) ProcessUpdatedPolicy(ctx context.Context, m *messages.UpdatedPolicy) error {
	return s.updatePolicy(ctx, m.CreditorID, m.DebtorID, func(_ store.WorkerTx, p *domain.TradingPolicy) (bool, error) {
		if m.UpdateID <= p.LatestPolicyUpdateID {
			return false, nil
		}
		p.PolicyName = m.PolicyName
		p.MinPrincipal = m.MinPrincipal
		p.MaxPrincipal = m.MaxPrincipal
		p.PegExchangeRate = m.PegExchangeRate
		p.PegDebtorID = m.PegDebtorID
		p.LatestPolicyUpdateID = m.UpdateID
		p.LatestPolicyUpdateTS = m.TS
		return true, nil
	})
}

func (s *Service) ProcessUpdatedFlags(ctx context.Context, m *messages.UpdatedFlags) error {
	return s.updatePolicy(ctx, m.CreditorID, m.DebtorID, func(_ store.WorkerTx, p *domain.TradingPolicy) (bool, error) {
		if m.UpdateID <= p.LatestFlagsUpdateID {
			return false, nil
		}
		p.ConfigFlags = m.ConfigFlags
		p.LatestFlagsUpdateID = m.UpdateID
		p.LatestFlagsUpdateTS = m.TS
		return true, nil
	})
}
