// ==============================================================================
// TURN SERVICE - internal/turns/service.go
// ==============================================================================
package turns

import (
	"context"
	"math"
	"time"

	"swpttrade/internal/domain"
	"swpttrade/internal/solver"
	"swpttrade/internal/store"
	pkgerrors "swpttrade/pkg/errors"
	"swpttrade/pkg/logger"
)

// Datetime0 is the origin of the turn period grid.
var Datetime0 = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

type Config struct {
	Period                time.Duration
	PeriodOffset          time.Duration
	Phase1Duration        time.Duration
	Phase2Duration        time.Duration
	MaxCommitPeriod       time.Duration
	BaseDebtorInfoLocator string
	BaseDebtorID          int64
	MaxDistanceToBase     int16
	MinTradeAmount        int64
}

// Service starts turns and moves them through their phases on the solver
// store.
type Service struct {
	store  store.SolverStore
	cfg    Config
	logger logger.Logger
	Now    func() time.Time
}

func NewService(st store.SolverStore, cfg Config, log logger.Logger) *Service {
	return &Service{
		store:  st,
		cfg:    cfg,
		logger: log,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// PeriodStart returns the latest point of the turn grid that is not after now.
func (c Config) PeriodStart(now time.Time) time.Time {
	elapsed := now.Sub(Datetime0) - c.PeriodOffset
	k := math.Floor(float64(elapsed) / float64(c.Period))
	return Datetime0.Add(c.PeriodOffset).Add(time.Duration(k) * c.Period)
}

// StartNewTurnIfPossible starts a turn when none is in progress and the
// current period has not had one yet. It returns the unfinished turns,
// including the new one. Concurrent callers are serialized by LockTurns,
// so at most one turn is started per period.
func (s *Service) StartNewTurnIfPossible(ctx context.Context) ([]domain.Turn, error) {
	now := s.Now()
	opening := s.cfg.PeriodStart(now)

	var unfinished []domain.Turn
	var started *domain.Turn
	err := s.store.Atomic(ctx, func(tx store.SolverTx) error {
		started = nil
		if err := tx.LockTurns(ctx); err != nil {
			return err
		}
		turns, err := tx.ListUnfinishedTurns(ctx)
		if err != nil {
			return err
		}
		unfinished = turns
		if len(turns) > 0 {
			return nil
		}

		latest, err := tx.GetLatestTurn(ctx)
		if err != nil && !pkgerrors.Is(err, pkgerrors.ErrTurnNotFound) {
			return err
		}
		if latest != nil {
			if !latest.StartedAt.Before(opening) || now.Sub(latest.StartedAt) < s.cfg.Period/2 {
				return nil
			}
		}

		deadline := now.Add(s.cfg.Phase1Duration)
		turn := &domain.Turn{
			StartedAt:             now,
			BaseDebtorInfoLocator: s.cfg.BaseDebtorInfoLocator,
			BaseDebtorID:          s.cfg.BaseDebtorID,
			MaxDistanceToBase:     s.cfg.MaxDistanceToBase,
			MinTradeAmount:        s.cfg.MinTradeAmount,
			Phase:                 domain.PhaseDiscovery,
			PhaseDeadline:         &deadline,
		}
		if err := tx.InsertTurn(ctx, turn); err != nil {
			return err
		}
		unfinished = []domain.Turn{*turn}
		started = turn
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to start a new turn")
	}

	if started != nil {
		s.logger.Info("Started new turn", map[string]interface{}{
			"turn_id":        started.TurnID,
			"phase_deadline": started.PhaseDeadline,
		})
	}
	return unfinished, nil
}

// TryToAdvanceTurnToPhase2 registers the turn's currencies once phase 1 is
// over. It reports whether the turn advanced.
func (s *Service) TryToAdvanceTurnToPhase2(ctx context.Context, turnID int32) (bool, error) {
	now := s.Now()
	advanced := false

	err := s.store.Atomic(ctx, func(tx store.SolverTx) error {
		advanced = false
		turn, err := tx.GetTurnForUpdate(ctx, turnID)
		if err != nil {
			return err
		}
		if turn.Phase != domain.PhaseDiscovery || turn.PhaseDeadline.After(now) {
			return nil
		}

		infos, err := tx.ListDebtorInfos(ctx, turnID)
		if err != nil {
			return err
		}
		confirmed, err := tx.ListConfirmedDebtors(ctx, turnID)
		if err != nil {
			return err
		}
		collectors, err := tx.ListActiveCollectorAccounts(ctx)
		if err != nil {
			return err
		}
		if err := tx.InsertCurrencyInfos(ctx, registerCurrencies(turnID, infos, confirmed, collectors)); err != nil {
			return err
		}

		if err := s.deletePhase1Rows(ctx, tx, turnID); err != nil {
			return err
		}

		phaseDeadline := now.Add(s.cfg.Phase2Duration)
		collectionDeadline := now.Add(s.cfg.MaxCommitPeriod)
		turn.Phase = domain.PhaseOffers
		turn.PhaseDeadline = &phaseDeadline
		turn.CollectionDeadline = &collectionDeadline
		pkgerrors.Invariant(turn.CheckInvariants(), "turn %d entering phase 2", turnID)
		if err := tx.UpdateTurn(ctx, turn); err != nil {
			return err
		}
		advanced = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if advanced {
		s.logger.Info("Turn advanced to phase 2", map[string]interface{}{"turn_id": turnID})
	}
	return advanced, nil
}

// deletePhase1Rows deletes the discovery rows of the turn and any late
// inserts for turns that are already past phase 1.
func (s *Service) deletePhase1Rows(ctx context.Context, tx store.SolverTx, turnID int32) error {
	ids := []int32{turnID}
	turns, err := tx.ListUnfinishedTurns(ctx)
	if err != nil {
		return err
	}
	for _, t := range turns {
		if t.TurnID != turnID && t.Phase >= domain.PhaseOffers {
			ids = append(ids, t.TurnID)
		}
	}
	for _, id := range ids {
		if err := tx.DeleteDebtorInfos(ctx, id); err != nil {
			return err
		}
		if err := tx.DeleteConfirmedDebtors(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// registerCurrencies turns the debtor infos reported by the workers into
// currency infos. A currency is confirmed when some worker confirmed its
// locator and it has an active collector. Unconfirmed currencies are kept
// as links of peg chains.
func registerCurrencies(
	turnID int32,
	infos []domain.DebtorInfo,
	confirmed []domain.ConfirmedDebtor,
	collectors []domain.CollectorAccount,
) []domain.CurrencyInfo {
	locators := make(map[int64]string, len(confirmed))
	for _, c := range confirmed {
		locators[c.DebtorID] = c.DebtorInfoLocator
	}
	collected := make(map[int64]bool, len(collectors))
	for _, c := range collectors {
		if c.Status == domain.CollectorActive {
			collected[c.DebtorID] = true
		}
	}

	byDebtor := make(map[int64]domain.CurrencyInfo)
	for _, info := range infos {
		isConfirmed := collected[info.DebtorID] && locators[info.DebtorID] == info.DebtorInfoLocator
		if existing, ok := byDebtor[info.DebtorID]; ok {
			if existing.IsConfirmed || (!isConfirmed && existing.DebtorInfoLocator <= info.DebtorInfoLocator) {
				continue
			}
		}
		byDebtor[info.DebtorID] = domain.CurrencyInfo{
			TurnID:               turnID,
			DebtorInfoLocator:    info.DebtorInfoLocator,
			DebtorID:             info.DebtorID,
			PegDebtorInfoLocator: info.PegDebtorInfoLocator,
			PegDebtorID:          info.PegDebtorID,
			PegExchangeRate:      info.PegExchangeRate,
			IsConfirmed:          isConfirmed,
		}
	}

	rows := make([]domain.CurrencyInfo, 0, len(byDebtor))
	for _, ci := range byDebtor {
		rows = append(rows, ci)
	}
	return rows
}

// TryToAdvanceTurnToPhase3 solves the turn once phase 2 is over and writes
// the settlement. It reports whether the turn advanced.
func (s *Service) TryToAdvanceTurnToPhase3(ctx context.Context, turnID int32) (bool, error) {
	now := s.Now()
	var settlement *domain.Settlement

	err := s.store.Atomic(ctx, func(tx store.SolverTx) error {
		settlement = nil
		turn, err := tx.GetTurnForUpdate(ctx, turnID)
		if err != nil {
			return err
		}
		if turn.Phase != domain.PhaseOffers || turn.PhaseDeadline.After(now) {
			return nil
		}

		currencies, err := tx.ListCurrencyInfos(ctx, turnID)
		if err != nil {
			return err
		}
		sells, err := tx.ListSellOffers(ctx, turnID)
		if err != nil {
			return err
		}
		buys, err := tx.ListBuyOffers(ctx, turnID)
		if err != nil {
			return err
		}

		settlement = solver.Solve(solver.Input{
			TurnID:            turnID,
			BaseDebtorID:      turn.BaseDebtorID,
			MaxDistanceToBase: int(turn.MaxDistanceToBase),
			MinTradeAmount:    turn.MinTradeAmount,
			Currencies:        currencies,
			SellOffers:        sells,
			BuyOffers:         buys,
		})
		if err := tx.InsertSettlement(ctx, settlement); err != nil {
			return err
		}

		if err := tx.DeleteCurrencyInfos(ctx, turnID); err != nil {
			return err
		}
		if err := tx.DeleteSellOffers(ctx, turnID); err != nil {
			return err
		}
		if err := tx.DeleteBuyOffers(ctx, turnID); err != nil {
			return err
		}

		turn.Phase = domain.PhaseSettlement
		turn.PhaseDeadline = nil
		turn.CollectionStartedAt = &now
		pkgerrors.Invariant(turn.CheckInvariants(), "turn %d entering phase 3", turnID)
		return tx.UpdateTurn(ctx, turn)
	})
	if err != nil {
		return false, err
	}
	if settlement == nil {
		return false, nil
	}

	s.logger.Info("Turn advanced to phase 3", map[string]interface{}{
		"turn_id": turnID,
		"takings": len(settlement.Takings),
		"givings": len(settlement.Givings),
	})
	return true, nil
}

// TryToAdvanceTurnToPhase4 finishes the turn once the workers have copied
// every settlement row.
func (s *Service) TryToAdvanceTurnToPhase4(ctx context.Context, turnID int32) (bool, error) {
	advanced := false
	err := s.store.Atomic(ctx, func(tx store.SolverTx) error {
		advanced = false
		turn, err := tx.GetTurnForUpdate(ctx, turnID)
		if err != nil {
			return err
		}
		if turn.Phase != domain.PhaseSettlement {
			return nil
		}
		n, err := tx.CountSettlementRows(ctx, turnID)
		if err != nil || n > 0 {
			return err
		}
		turn.Phase = domain.PhaseDone
		if err := tx.UpdateTurn(ctx, turn); err != nil {
			return err
		}
		advanced = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if advanced {
		s.logger.Info("Turn finished", map[string]interface{}{"turn_id": turnID})
	}
	return advanced, nil
}

// Run is one iteration of the solver loop.
func (s *Service) Run(ctx context.Context) (bool, error) {
	turns, err := s.StartNewTurnIfPossible(ctx)
	if err != nil {
		return false, err
	}

	for _, t := range turns {
		var err error
		switch t.Phase {
		case domain.PhaseDiscovery:
			_, err = s.TryToAdvanceTurnToPhase2(ctx, t.TurnID)
		case domain.PhaseOffers:
			_, err = s.TryToAdvanceTurnToPhase3(ctx, t.TurnID)
		case domain.PhaseSettlement:
			_, err = s.TryToAdvanceTurnToPhase4(ctx, t.TurnID)
		}
		if err != nil {
			s.logger.Error("Failed to advance turn", map[string]interface{}{
				"turn_id": t.TurnID,
				"phase":   t.Phase,
				"error":   err.Error(),
			})
			return false, err
		}
	}
	return false, nil
}
