// ==============================================================================
// COLLECTOR ACCOUNTS SERVICE - internal/collectors/service.go
// ==============================================================================
package collectors

import (
	"context"
	"math/rand"
	"time"

	"swpttrade/internal/domain"
	"swpttrade/internal/messages"
	"swpttrade/internal/outbox"
	"swpttrade/internal/sharding"
	"swpttrade/internal/store"
	pkgerrors "swpttrade/pkg/errors"
	"swpttrade/pkg/logger"
)

// NeededCount is the number of live collector accounts kept per currency.
const NeededCount = 2

// maxPicks bounds the search for unused collector ids.
const maxPicks = 1000

type Config struct {
	MinCollectorID int64
	MaxCollectorID int64
	BurstCount     int
}

// Service plans collector accounts in the solver database and drives them
// through pristine, requested and active on the worker that owns them.
type Service struct {
	solver store.SolverStore
	worker store.WorkerStore
	writer *outbox.Writer
	realm  sharding.Realm
	cfg    Config
	logger logger.Logger
	Now    func() time.Time
}

func NewService(solver store.SolverStore, worker store.WorkerStore, writer *outbox.Writer, realm sharding.Realm, cfg Config, log logger.Logger) *Service {
	if cfg.BurstCount <= 0 {
		cfg.BurstCount = 100
	}
	return &Service{
		solver: solver,
		worker: worker,
		writer: writer,
		realm:  realm,
		cfg:    cfg,
		logger: log,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// ProcessNeededCollector makes sure the currency has enough live collector
// accounts. Ids are drawn from a generator seeded with the debtor id, so
// every worker proposes the same candidates.
func (s *Service) ProcessNeededCollector(ctx context.Context, m *messages.NeededCollector) error {
	now := s.Now()
	return s.solver.Atomic(ctx, func(tx store.SolverTx) error {
		accounts, err := tx.ListCollectorAccounts(ctx, m.DebtorID)
		if err != nil {
			return err
		}
		taken := make(map[int64]bool, len(accounts))
		live := 0
		for _, a := range accounts {
			taken[a.CollectorID] = true
			if a.Status != domain.CollectorRetired {
				live++
			}
		}

		rng := rand.New(rand.NewSource(m.DebtorID))
		for picks := 0; live < NeededCount && picks < maxPicks; picks++ {
			id := s.pickID(rng)
			if taken[id] {
				continue
			}
			taken[id] = true
			if err := tx.InsertCollectorAccount(ctx, &domain.CollectorAccount{
				DebtorID:             m.DebtorID,
				CollectorID:          id,
				CollectorHash:        sharding.CalcHash(id),
				Status:               domain.CollectorPristine,
				LatestStatusChangeAt: now,
			}); err != nil {
				return err
			}
			live++
		}
		if live < NeededCount {
			s.logger.Warn("Not enough collector ids available", map[string]interface{}{
				"debtor_id": m.DebtorID,
				"live":      live,
			})
		}
		return nil
	})
}

func (s *Service) pickID(rng *rand.Rand) int64 {
	span := uint64(s.cfg.MaxCollectorID-s.cfg.MinCollectorID) + 1
	if span == 0 {
		return int64(rng.Uint64())
	}
	return s.cfg.MinCollectorID + int64(rng.Uint64()%span)
}

// HandlePristineCollectors configures one burst of pristine accounts owned
// by this shard and marks them requested.
func (s *Service) HandlePristineCollectors(ctx context.Context) (bool, error) {
	now := s.Now()
	n := 0
	err := s.solver.Atomic(ctx, func(tx store.SolverTx) error {
		accounts, err := tx.BurstPristineCollectors(ctx, s.realm.HashFilter(), s.cfg.BurstCount)
		if err != nil {
			return err
		}
		n = len(accounts)

		for i := range accounts {
			a := &accounts[i]
			if !s.realm.Match(a.CollectorID) {
				continue
			}
			if err := s.requestAccount(ctx, a, now); err != nil {
				return err
			}
			a.Status = domain.CollectorRequested
			a.LatestStatusChangeAt = now
			if err := tx.UpdateCollectorAccount(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to handle pristine collectors", map[string]interface{}{
			"error": err.Error(),
		})
		return false, err
	}
	return n >= s.cfg.BurstCount, nil
}

func (s *Service) requestAccount(ctx context.Context, a *domain.CollectorAccount, now time.Time) error {
	return s.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		_, err := tx.GetNeededWorkerAccount(ctx, a.CollectorID, a.DebtorID)
		if err == nil {
			return nil
		}
		if !store.IsNotFound(err) {
			return err
		}
		if err := tx.InsertNeededWorkerAccount(ctx, &domain.NeededWorkerAccount{
			CreditorID:   a.CollectorID,
			DebtorID:     a.DebtorID,
			ConfiguredAt: now,
		}); err != nil {
			return err
		}
		return s.writer.Send(ctx, tx, now, &messages.ConfigureAccount{
			CreditorID: a.CollectorID,
			DebtorID:   a.DebtorID,
		})
	})
}

// ProcessActivateCollector records the ledger account id of a collector.
func (s *Service) ProcessActivateCollector(ctx context.Context, m *messages.ActivateCollector) error {
	now := s.Now()
	return s.solver.Atomic(ctx, func(tx store.SolverTx) error {
		a, err := tx.GetCollectorAccountForUpdate(ctx, m.DebtorID, m.CreditorID)
		if err != nil {
			if pkgerrors.Is(err, pkgerrors.ErrAccountNotFound) {
				s.logger.Warn("Activation of unknown collector", map[string]interface{}{
					"debtor_id":    m.DebtorID,
					"collector_id": m.CreditorID,
				})
				return nil
			}
			return err
		}
		if a.Status != domain.CollectorPristine && a.Status != domain.CollectorRequested {
			return nil
		}
		a.Status = domain.CollectorActive
		a.AccountID = m.AccountID
		a.LatestStatusChangeAt = now
		return tx.UpdateCollectorAccount(ctx, a)
	})
}

// SyncActiveCollectors copies the solver's active collectors into the
// worker database.
func (s *Service) SyncActiveCollectors(ctx context.Context) error {
	var rows []domain.ActiveCollector
	err := s.solver.Atomic(ctx, func(tx store.SolverTx) error {
		accounts, err := tx.ListActiveCollectorAccounts(ctx)
		if err != nil {
			return err
		}
		rows = make([]domain.ActiveCollector, 0, len(accounts))
		for _, a := range accounts {
			rows = append(rows, domain.ActiveCollector{
				DebtorID:    a.DebtorID,
				CollectorID: a.CollectorID,
				AccountID:   a.AccountID,
			})
		}
		return nil
	})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to list active collectors")
	}
	return s.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		return tx.ReplaceActiveCollectors(ctx, rows)
	})
}
