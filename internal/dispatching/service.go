// ==============================================================================
// DISPATCHING SERVICE - internal/dispatching/service.go
// ==============================================================================
package dispatching

import (
	"context"
	"time"

	"swpttrade/internal/domain"
	"swpttrade/internal/messages"
	"swpttrade/internal/outbox"
	"swpttrade/internal/store"
	"swpttrade/internal/transfernote"
	"swpttrade/pkg/logger"
)

type Config struct {
	// MaxCommitPeriod is how long after the collection deadline a collector
	// waits for transfers from other collectors.
	MaxCommitPeriod time.Duration
	BurstCount      int
}

// Service moves each (collector, turn, debtor) through collecting, sending,
// receiving and dispatching. A Service keeps a scan cursor and must not be
// shared between goroutines.
type Service struct {
	store  store.WorkerStore
	writer *outbox.Writer
	cfg    Config
	logger logger.Logger
	Now    func() time.Time
	cursor store.StatusCursor
}

func NewService(st store.WorkerStore, writer *outbox.Writer, cfg Config, log logger.Logger) *Service {
	if cfg.BurstCount <= 0 {
		cfg.BurstCount = 1000
	}
	return &Service{
		store:  st,
		writer: writer,
		cfg:    cfg,
		logger: log,
		Now:    func() time.Time { return time.Now().UTC() },
		cursor: store.FirstStatusCursor,
	}
}

// ProcessDispatching advances one burst of statuses that have not started
// dispatching yet.
func (s *Service) ProcessDispatching(ctx context.Context) (bool, error) {
	now := s.Now()
	var next store.StatusCursor
	count := 0
	err := s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		next, count = s.cursor, 0
		statuses, err := tx.BurstDispatchingStatuses(ctx, s.cursor, s.cfg.BurstCount)
		if err != nil {
			return err
		}
		count = len(statuses)

		turns := make(map[int32]*domain.WorkerTurn)
		var msgs []messages.Message
		for i := range statuses {
			status := &statuses[i]
			next = store.StatusCursor{CollectorID: status.CollectorID, TurnID: status.TurnID, DebtorID: status.DebtorID}

			turn, ok := turns[status.TurnID]
			if !ok {
				turn, err = tx.GetWorkerTurn(ctx, status.TurnID)
				if err != nil && !store.IsNotFound(err) {
					return err
				}
				turns[status.TurnID] = turn
			}
			if turn == nil || turn.CollectionDeadline == nil || turn.CollectionStartedAt == nil {
				continue
			}

			emitted, err := s.advance(ctx, tx, status, turn, now)
			if err != nil {
				return err
			}
			msgs = append(msgs, emitted...)
		}
		return s.writer.Send(ctx, tx, now, msgs...)
	})
	if err != nil {
		return false, err
	}

	if count < s.cfg.BurstCount {
		s.cursor = store.FirstStatusCursor
		return false, nil
	}
	s.cursor = next
	return true, nil
}

func (s *Service) advance(ctx context.Context, tx store.WorkerTx, status *domain.DispatchingStatus, turn *domain.WorkerTurn, now time.Time) ([]messages.Message, error) {
	var msgs []messages.Message
	changed := false
	defer func() {
		if changed {
			s.logger.Debug("Dispatching status advanced", map[string]interface{}{
				"collector_id":        status.CollectorID,
				"turn_id":             status.TurnID,
				"debtor_id":           status.DebtorID,
				"started_sending":     status.StartedSending,
				"all_sent":            status.AllSent,
				"started_dispatching": status.StartedDispatching,
			})
		}
	}()

	if !status.StartedSending {
		collectings, err := tx.ListWorkerCollectings(ctx, status.CollectorID, status.TurnID, status.DebtorID)
		if err != nil {
			return nil, err
		}
		var total int64
		allCollected := true
		for _, c := range collectings {
			if c.Collected {
				total += c.Amount
			} else {
				allCollected = false
			}
		}
		if !allCollected && now.Before(*turn.CollectionDeadline) {
			return nil, nil
		}
		status.TotalCollectedAmount = &total
		status.StartedSending = true
		changed = true

		sendings, err := tx.ListWorkerSendings(ctx, status.CollectorID, status.TurnID, status.DebtorID)
		if err != nil {
			return nil, err
		}
		remaining := AvailableAmountToSend(status)
		for _, snd := range sendings {
			amount := min(snd.Amount, remaining)
			if amount <= 0 {
				break
			}
			remaining -= amount
			a, err := s.createAttempt(ctx, tx, status, turn, snd.ToCollectorID, false, amount)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, &messages.AccountIDRequest{AttemptRef: refOf(a)})
		}
	}

	if !status.AllSent {
		attempts, err := tx.ListTransferAttempts(ctx, status.CollectorID, status.TurnID, status.DebtorID, false)
		if err != nil {
			return nil, err
		}
		for _, a := range attempts {
			if !a.IsDone() {
				return msgs, s.update(ctx, tx, status, changed)
			}
		}
		status.AllSent = true
		changed = true
	}

	if status.TotalReceivedAmount == nil {
		receivings, err := tx.ListWorkerReceivings(ctx, status.CollectorID, status.TurnID, status.DebtorID)
		if err != nil {
			return nil, err
		}
		var total int64
		allArrived := true
		for _, r := range receivings {
			if r.ReceivedAmount == 0 {
				allArrived = false
			}
			total += r.ReceivedAmount
		}
		if !allArrived && now.Before(turn.CollectionDeadline.Add(s.cfg.MaxCommitPeriod)) {
			return msgs, s.update(ctx, tx, status, changed)
		}
		status.TotalReceivedAmount = &total
		changed = true
	}

	status.StartedDispatching = true
	dispatchings, err := tx.ListWorkerDispatchings(ctx, status.CollectorID, status.TurnID, status.DebtorID)
	if err != nil {
		return nil, err
	}
	remaining := AvailableAmountToDispatch(status)
	for _, d := range dispatchings {
		if d.CreditorID == status.CollectorID {
			continue
		}
		amount := min(d.Amount, remaining)
		if amount <= 0 {
			break
		}
		remaining -= amount
		a, err := s.createAttempt(ctx, tx, status, turn, d.CreditorID, true, amount)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, &messages.AccountIDRequest{AttemptRef: refOf(a)})
	}
	s.logger.Info("Started dispatching", map[string]interface{}{
		"collector_id":       status.CollectorID,
		"turn_id":            status.TurnID,
		"debtor_id":          status.DebtorID,
		"amount_to_dispatch": status.AmountToDispatch,
		"available":          AvailableAmountToDispatch(status),
	})
	return msgs, tx.UpdateDispatchingStatus(ctx, status)
}

func (s *Service) update(ctx context.Context, tx store.WorkerTx, status *domain.DispatchingStatus, changed bool) error {
	if !changed {
		return nil
	}
	return tx.UpdateDispatchingStatus(ctx, status)
}

func (s *Service) createAttempt(ctx context.Context, tx store.WorkerTx, status *domain.DispatchingStatus, turn *domain.WorkerTurn, creditorID int64, isDispatching bool, amount int64) (*domain.TransferAttempt, error) {
	a := &domain.TransferAttempt{
		TransferAttemptKey: domain.TransferAttemptKey{
			CollectorID:   status.CollectorID,
			TurnID:        status.TurnID,
			DebtorID:      status.DebtorID,
			CreditorID:    creditorID,
			IsDispatching: isDispatching,
		},
		CollectionStartedAt: *turn.CollectionStartedAt,
		NominalAmount:       amount,
	}
	return a, tx.InsertTransferAttempt(ctx, a)
}

func refOf(a *domain.TransferAttempt) messages.AttemptRef {
	return messages.AttemptRef{
		CollectorID:   a.CollectorID,
		TurnID:        a.TurnID,
		DebtorID:      a.DebtorID,
		CreditorID:    a.CreditorID,
		IsDispatching: a.IsDispatching,
	}
}

// ProcessAccountTransfer records funds arriving at a collector: from a
// seller (collecting) or from another collector (sending).
func (s *Service) ProcessAccountTransfer(ctx context.Context, m *messages.AccountTransfer) error {
	if m.CoordinatorType != messages.CoordinatorTypeAgent || m.AcquiredAmount <= 0 {
		return nil
	}
	note, err := transfernote.ParseFormatted(m.TransferNoteFormat, m.TransferNote)
	if err != nil || note.SecondID != m.CreditorID {
		return nil
	}

	return s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		var updated bool
		var err error
		switch note.Kind {
		case transfernote.Collecting:
			updated, err = tx.MarkCollected(ctx, m.CreditorID, note.TurnID, m.DebtorID, note.FirstID)
		case transfernote.Sending:
			updated, err = tx.SetReceivedAmount(ctx, m.CreditorID, note.TurnID, m.DebtorID, note.FirstID, m.AcquiredAmount)
		default:
			return nil
		}
		if err == nil && updated {
			s.logger.Debug("Collector transfer arrived", map[string]interface{}{
				"collector_id": m.CreditorID,
				"debtor_id":    m.DebtorID,
				"turn_id":      note.TurnID,
				"from_id":      note.FirstID,
				"amount":       m.AcquiredAmount,
			})
		}
		return err
	})
}
