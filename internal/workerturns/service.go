// ==============================================================================
// WORKER TURNS SERVICE - internal/workerturns/service.go
// ==============================================================================
package workerturns

import (
	"context"
	"time"

	"swpttrade/internal/dispatching"
	"swpttrade/internal/domain"
	"swpttrade/internal/messages"
	"swpttrade/internal/outbox"
	"swpttrade/internal/sharding"
	"swpttrade/internal/store"
	pkgerrors "swpttrade/pkg/errors"
	"swpttrade/pkg/logger"
)

// Worker turn subphases.
const (
	subphaseStarted   int16 = 0
	subphaseCommitted int16 = 5
)

// OfferProcessor carries a shard's part of phases 1 and 2.
type OfferProcessor interface {
	RegisterCurrencies(ctx context.Context, turnID int32) error
	GenerateOffers(ctx context.Context, turn *domain.WorkerTurn) (int, error)
	CommitOffers(ctx context.Context, turnID int32) error
}

type CollectorSyncer interface {
	SyncActiveCollectors(ctx context.Context) error
}

type Config struct {
	// OffersCushion is how long before the phase 2 deadline the shard's
	// offers get committed.
	OffersCushion time.Duration
	// TurnMaxAge is how long the copied settlement rows are kept.
	TurnMaxAge time.Duration
}

// Service mirrors the solver's unfinished turns into the worker database
// and runs the shard's work for every subphase.
type Service struct {
	solver     store.SolverStore
	worker     store.WorkerStore
	writer     *outbox.Writer
	offers     OfferProcessor
	collectors CollectorSyncer
	realm      sharding.Realm
	cfg        Config
	logger     logger.Logger
	Now        func() time.Time
}

func NewService(
	solverStore store.SolverStore,
	workerStore store.WorkerStore,
	writer *outbox.Writer,
	offers OfferProcessor,
	collectors CollectorSyncer,
	realm sharding.Realm,
	cfg Config,
	log logger.Logger,
) *Service {
	return &Service{
		solver:     solverStore,
		worker:     workerStore,
		writer:     writer,
		offers:     offers,
		collectors: collectors,
		realm:      realm,
		cfg:        cfg,
		logger:     log,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run is one iteration of the worker loop.
func (s *Service) Run(ctx context.Context) (bool, error) {
	if err := s.SyncTurns(ctx); err != nil {
		return false, pkgerrors.Wrap(err, "failed to sync worker turns")
	}

	var turns []domain.WorkerTurn
	if err := s.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		var err error
		turns, err = tx.ListWorkerTurns(ctx)
		return err
	}); err != nil {
		return false, err
	}

	for i := range turns {
		t := &turns[i]
		if t.WorkerTurnSubphase >= domain.WorkerTurnDone {
			continue
		}
		if err := s.advance(ctx, t); err != nil {
			s.logger.Error("Failed to advance worker turn", map[string]interface{}{
				"turn_id":  t.TurnID,
				"phase":    t.Phase,
				"subphase": t.WorkerTurnSubphase,
				"error":    err.Error(),
			})
			return false, err
		}
	}
	return false, nil
}

func (s *Service) advance(ctx context.Context, t *domain.WorkerTurn) error {
	switch {
	case t.Phase == domain.PhaseDiscovery && t.WorkerTurnSubphase == subphaseStarted:
		return s.runPhase1(ctx, t)
	case t.Phase == domain.PhaseOffers && t.WorkerTurnSubphase == subphaseStarted:
		return s.runPhase2(ctx, t)
	case t.Phase == domain.PhaseOffers && t.WorkerTurnSubphase == subphaseCommitted:
		return s.commitOffers(ctx, t)
	case t.Phase == domain.PhaseSettlement && t.WorkerTurnSubphase == subphaseStarted:
		return s.copySettlement(ctx, t)
	case t.Phase == domain.PhaseSettlement && t.WorkerTurnSubphase == subphaseCommitted:
		return s.deleteSettlement(ctx, t)
	}
	return nil
}

// SyncTurns copies the solver's unfinished turns. A turn that moved to a
// later phase restarts at subphase 0.
func (s *Service) SyncTurns(ctx context.Context) error {
	var solverTurns []domain.Turn
	if err := s.solver.Atomic(ctx, func(tx store.SolverTx) error {
		var err error
		solverTurns, err = tx.ListUnfinishedTurns(ctx)
		return err
	}); err != nil {
		return err
	}
	if len(solverTurns) == 0 {
		return nil
	}

	return s.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		for i := range solverTurns {
			mirror := mirrorOf(&solverTurns[i])
			existing, err := tx.LockWorkerTurn(ctx, mirror.TurnID)
			switch {
			case store.IsNotFound(err):
				if err := tx.InsertWorkerTurn(ctx, mirror); err != nil {
					return err
				}
				s.logger.Info("Worker turn started", map[string]interface{}{
					"turn_id": mirror.TurnID,
					"phase":   mirror.Phase,
				})
			case err != nil:
				return err
			case existing.Phase < mirror.Phase:
				if err := tx.UpdateWorkerTurn(ctx, mirror); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func mirrorOf(t *domain.Turn) *domain.WorkerTurn {
	phase := t.Phase
	if phase > domain.PhaseSettlement {
		phase = domain.PhaseSettlement
	}
	return &domain.WorkerTurn{
		TurnID:                t.TurnID,
		StartedAt:             t.StartedAt,
		BaseDebtorInfoLocator: t.BaseDebtorInfoLocator,
		BaseDebtorID:          t.BaseDebtorID,
		MaxDistanceToBase:     t.MaxDistanceToBase,
		MinTradeAmount:        t.MinTradeAmount,
		Phase:                 phase,
		PhaseDeadline:         t.PhaseDeadline,
		CollectionStartedAt:   t.CollectionStartedAt,
		CollectionDeadline:    t.CollectionDeadline,
		WorkerTurnSubphase:    subphaseStarted,
	}
}

// setSubphase moves the turn from one subphase to the next, unless another
// process got there first.
func (s *Service) setSubphase(ctx context.Context, t *domain.WorkerTurn, from, to int16) (bool, error) {
	moved := false
	err := s.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		moved = false
		turn, err := tx.LockWorkerTurn(ctx, t.TurnID)
		if err != nil {
			return err
		}
		if turn.Phase != t.Phase || turn.WorkerTurnSubphase != from {
			return nil
		}
		turn.WorkerTurnSubphase = to
		moved = true
		return tx.UpdateWorkerTurn(ctx, turn)
	})
	if err == nil && moved {
		t.WorkerTurnSubphase = to
	}
	return moved, err
}

func (s *Service) runPhase1(ctx context.Context, t *domain.WorkerTurn) error {
	if err := s.offers.RegisterCurrencies(ctx, t.TurnID); err != nil {
		return err
	}
	_, err := s.setSubphase(ctx, t, subphaseStarted, domain.WorkerTurnDone)
	return err
}

func (s *Service) runPhase2(ctx context.Context, t *domain.WorkerTurn) error {
	if err := s.collectors.SyncActiveCollectors(ctx); err != nil {
		return err
	}
	n, err := s.offers.GenerateOffers(ctx, t)
	if err != nil {
		return err
	}
	moved, err := s.setSubphase(ctx, t, subphaseStarted, subphaseCommitted)
	if err == nil && moved {
		s.logger.Info("Candidate offers generated", map[string]interface{}{
			"turn_id": t.TurnID,
			"offers":  n,
		})
	}
	return err
}

func (s *Service) commitOffers(ctx context.Context, t *domain.WorkerTurn) error {
	if t.PhaseDeadline != nil && s.Now().Before(t.PhaseDeadline.Add(-s.cfg.OffersCushion)) {
		return nil
	}
	if err := s.offers.CommitOffers(ctx, t.TurnID); err != nil {
		return err
	}
	_, err := s.setSubphase(ctx, t, subphaseCommitted, domain.WorkerTurnDone)
	return err
}

type settlementRows struct {
	takings      []domain.CreditorTaking
	givings      []domain.CreditorGiving
	collectings  []domain.CollectorCollecting
	sendings     []domain.CollectorSending
	receivings   []domain.CollectorReceiving
	dispatchings []domain.CollectorDispatching
}

func (s *Service) loadSettlement(ctx context.Context, turnID int32) (*settlementRows, error) {
	f := s.realm.HashFilter()
	rows := &settlementRows{}
	err := s.solver.Atomic(ctx, func(tx store.SolverTx) error {
		var err error
		if rows.takings, err = tx.ListCreditorTakings(ctx, turnID, f); err != nil {
			return err
		}
		if rows.givings, err = tx.ListCreditorGivings(ctx, turnID, f); err != nil {
			return err
		}
		if rows.collectings, err = tx.ListCollectorCollectings(ctx, turnID, f); err != nil {
			return err
		}
		if rows.sendings, err = tx.ListCollectorSendings(ctx, turnID, f); err != nil {
			return err
		}
		if rows.receivings, err = tx.ListCollectorReceivings(ctx, turnID, f); err != nil {
			return err
		}
		rows.dispatchings, err = tx.ListCollectorDispatchings(ctx, turnID, f)
		return err
	})
	return rows, err
}

// copySettlement copies the shard's settlement rows and asks every locked
// account of the turn to settle or release its lock.
func (s *Service) copySettlement(ctx context.Context, t *domain.WorkerTurn) error {
	rows, err := s.loadSettlement(ctx, t.TurnID)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to load settlement")
	}
	purgeAfter := t.StartedAt.Add(s.cfg.TurnMaxAge)
	now := s.Now()

	copied := false
	var revisions int
	err = s.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		copied, revisions = false, 0
		turn, err := tx.LockWorkerTurn(ctx, t.TurnID)
		if err != nil {
			return err
		}
		if turn.Phase != domain.PhaseSettlement || turn.WorkerTurnSubphase != subphaseStarted {
			return nil
		}

		participations := make([]domain.CreditorParticipation, 0, len(rows.takings)+len(rows.givings))
		for _, r := range rows.takings {
			participations = append(participations, domain.CreditorParticipation{
				CreditorID:  r.CreditorID,
				DebtorID:    r.DebtorID,
				TurnID:      r.TurnID,
				Amount:      -r.Amount,
				CollectorID: r.CollectorID,
			})
		}
		for _, r := range rows.givings {
			participations = append(participations, domain.CreditorParticipation{
				CreditorID:  r.CreditorID,
				DebtorID:    r.DebtorID,
				TurnID:      r.TurnID,
				Amount:      r.Amount,
				CollectorID: r.CollectorID,
			})
		}
		if err := tx.InsertCreditorParticipations(ctx, participations); err != nil {
			return err
		}

		collectings := make([]domain.WorkerCollecting, 0, len(rows.collectings))
		for _, r := range rows.collectings {
			collectings = append(collectings, domain.WorkerCollecting{
				CollectorID: r.CollectorID,
				TurnID:      r.TurnID,
				DebtorID:    r.DebtorID,
				CreditorID:  r.CreditorID,
				Amount:      r.Amount,
				PurgeAfter:  purgeAfter,
			})
		}
		sendings := make([]domain.WorkerSending, 0, len(rows.sendings))
		for _, r := range rows.sendings {
			sendings = append(sendings, domain.WorkerSending{
				FromCollectorID: r.FromCollectorID,
				TurnID:          r.TurnID,
				DebtorID:        r.DebtorID,
				ToCollectorID:   r.ToCollectorID,
				Amount:          r.Amount,
				PurgeAfter:      purgeAfter,
			})
		}
		receivings := make([]domain.WorkerReceiving, 0, len(rows.receivings))
		for _, r := range rows.receivings {
			receivings = append(receivings, domain.WorkerReceiving{
				ToCollectorID:   r.ToCollectorID,
				TurnID:          r.TurnID,
				DebtorID:        r.DebtorID,
				FromCollectorID: r.FromCollectorID,
				ExpectedAmount:  r.Amount,
				PurgeAfter:      purgeAfter,
			})
		}
		dispatchings := make([]domain.WorkerDispatching, 0, len(rows.dispatchings))
		for _, r := range rows.dispatchings {
			dispatchings = append(dispatchings, domain.WorkerDispatching{
				CollectorID: r.CollectorID,
				TurnID:      r.TurnID,
				DebtorID:    r.DebtorID,
				CreditorID:  r.CreditorID,
				Amount:      r.Amount,
				PurgeAfter:  purgeAfter,
			})
		}
		if err := tx.InsertWorkerCollectings(ctx, collectings); err != nil {
			return err
		}
		if err := tx.InsertWorkerSendings(ctx, sendings); err != nil {
			return err
		}
		if err := tx.InsertWorkerReceivings(ctx, receivings); err != nil {
			return err
		}
		if err := tx.InsertWorkerDispatchings(ctx, dispatchings); err != nil {
			return err
		}
		statuses := dispatching.BuildStatuses(collectings, sendings, receivings, dispatchings)
		if err := tx.InsertDispatchingStatuses(ctx, statuses); err != nil {
			return err
		}

		locks, err := tx.ListAccountLocks(ctx, t.TurnID)
		if err != nil {
			return err
		}
		msgs := make([]messages.Message, 0, len(locks))
		for _, l := range locks {
			if !s.realm.Match(l.CreditorID) {
				continue
			}
			msgs = append(msgs, &messages.ReviseAccountLock{
				CreditorID: l.CreditorID,
				DebtorID:   l.DebtorID,
				TurnID:     t.TurnID,
			})
		}
		if err := s.writer.Send(ctx, tx, now, msgs...); err != nil {
			return err
		}
		revisions = len(msgs)

		turn.WorkerTurnSubphase = subphaseCommitted
		copied = true
		return tx.UpdateWorkerTurn(ctx, turn)
	})
	if err != nil {
		return err
	}
	if copied {
		t.WorkerTurnSubphase = subphaseCommitted
		s.logger.Info("Settlement copied", map[string]interface{}{
			"turn_id":        t.TurnID,
			"participations": len(rows.takings) + len(rows.givings),
			"collectings":    len(rows.collectings),
			"revisions":      revisions,
		})
	}
	return nil
}

func (s *Service) deleteSettlement(ctx context.Context, t *domain.WorkerTurn) error {
	f := s.realm.HashFilter()
	if err := s.solver.Atomic(ctx, func(tx store.SolverTx) error {
		return tx.DeleteSettlementRows(ctx, t.TurnID, f)
	}); err != nil {
		return err
	}
	_, err := s.setSubphase(ctx, t, subphaseCommitted, domain.WorkerTurnDone)
	return err
}
