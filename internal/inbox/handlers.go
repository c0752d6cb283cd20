package inbox

import (
	"context"
	"time"

	"swpttrade/internal/collectors"
	"swpttrade/internal/debtorinfo"
	"swpttrade/internal/dispatching"
	"swpttrade/internal/ledger"
	"swpttrade/internal/locks"
	"swpttrade/internal/messages"
	"swpttrade/internal/outbox"
	"swpttrade/internal/store"
	"swpttrade/internal/transfers"
	"swpttrade/pkg/logger"
)

// Services are the worker components messages are delivered to.
type Services struct {
	Store       store.WorkerStore
	Writer      *outbox.Writer
	Ledger      *ledger.Service
	DebtorInfo  *debtorinfo.Service
	Collectors  *collectors.Service
	Locks       *locks.Service
	Transfers   *transfers.Service
	Dispatching *dispatching.Service
	Logger      logger.Logger
	Now         func() time.Time
}

// Register wires every consumed message type to its service.
func Register(c *Consumer, s *Services) {
	if s.Now == nil {
		s.Now = func() time.Time { return time.Now().UTC() }
	}

	handle(c, messages.TypeAccountUpdate, s.Ledger.ProcessAccountUpdate)
	handle(c, messages.TypeAccountPurge, s.Ledger.ProcessAccountPurge)
	handle(c, messages.TypeRejectedConfig, s.Ledger.ProcessRejectedConfig)
	handle(c, messages.TypeUpdatedLedger, s.Ledger.ProcessUpdatedLedger)
	handle(c, messages.TypeUpdatedPolicy, s.Ledger.ProcessUpdatedPolicy)
	handle(c, messages.TypeUpdatedFlags, s.Ledger.ProcessUpdatedFlags)

	handle(c, messages.TypeFetchDebtorInfo, s.DebtorInfo.ProcessFetchDebtorInfo)
	handle(c, messages.TypeStoreDocument, s.DebtorInfo.ProcessStoreDocument)
	handle(c, messages.TypeDiscoverDebtor, s.DebtorInfo.ProcessDiscoverDebtor)
	handle(c, messages.TypeConfirmDebtor, s.DebtorInfo.ProcessConfirmDebtor)

	handle(c, messages.TypeNeededCollector, s.Collectors.ProcessNeededCollector)
	handle(c, messages.TypeActivateCollector, s.Collectors.ProcessActivateCollector)

	handle(c, messages.TypeCandidateOffer, s.Locks.ProcessCandidateOffer)
	handle(c, messages.TypeReviseAccountLock, s.Locks.ProcessReviseAccountLock)

	handle(c, messages.TypeTriggerTransfer, s.Transfers.ProcessTriggerTransfer)
	handle(c, messages.TypeAccountIDRequest, s.Transfers.ProcessAccountIDRequest)
	handle(c, messages.TypeAccountIDResponse, s.Transfers.ProcessAccountIDResponse)

	handle(c, messages.TypeAccountTransfer, s.processAccountTransfer)
	handle(c, messages.TypePreparedTransfer, s.processPreparedTransfer)
	handle(c, messages.TypeRejectedTransfer, s.processRejectedTransfer)
	handle(c, messages.TypeFinalizedTransfer, s.processFinalizedTransfer)
}

// An incoming transfer may release a seller's lock and also be the
// collector's receipt of the same funds.
func (s *Services) processAccountTransfer(ctx context.Context, m *messages.AccountTransfer) error {
	if err := s.Locks.ProcessAccountTransfer(ctx, m); err != nil {
		return err
	}
	return s.Dispatching.ProcessAccountTransfer(ctx, m)
}

func (s *Services) processPreparedTransfer(ctx context.Context, m *messages.PreparedTransfer) error {
	handled, err := s.Locks.ProcessPreparedTransfer(ctx, m)
	if err != nil || handled {
		return err
	}
	handled, err = s.Transfers.ProcessPreparedTransfer(ctx, m)
	if err != nil || handled {
		return err
	}
	if m.CoordinatorType != messages.CoordinatorTypeAgent {
		return nil
	}

	s.Logger.Info("Dismissing unknown prepared transfer", map[string]interface{}{
		"creditor_id":            m.CreditorID,
		"debtor_id":              m.DebtorID,
		"coordinator_id":         m.CoordinatorID,
		"coordinator_request_id": m.CoordinatorRequestID,
	})
	now := s.Now()
	return s.Store.Atomic(ctx, func(tx store.WorkerTx) error {
		return s.Writer.Send(ctx, tx, now, locks.DismissPreparedTransfer(m))
	})
}

func (s *Services) processRejectedTransfer(ctx context.Context, m *messages.RejectedTransfer) error {
	handled, err := s.Locks.ProcessRejectedTransfer(ctx, m)
	if err != nil || handled {
		return err
	}
	_, err = s.Transfers.ProcessRejectedTransfer(ctx, m)
	return err
}

// Finalizations of account lock transfers are ignored.
func (s *Services) processFinalizedTransfer(ctx context.Context, m *messages.FinalizedTransfer) error {
	_, err := s.Transfers.ProcessFinalizedTransfer(ctx, m)
	return err
}
