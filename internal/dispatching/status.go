package dispatching

import (
	"swpttrade/internal/domain"
	"swpttrade/internal/money"
	"swpttrade/internal/store"
)

func totalCollected(s *domain.DispatchingStatus) int64 {
	if s.TotalCollectedAmount == nil {
		return 0
	}
	return *s.TotalCollectedAmount
}

func totalReceived(s *domain.DispatchingStatus) int64 {
	if s.TotalReceivedAmount == nil {
		return 0
	}
	return *s.TotalReceivedAmount
}

// MissingCollectedAmount is what the sellers did not deliver. It is kept
// by the collector rather than sent on.
func MissingCollectedAmount(s *domain.DispatchingStatus) int64 {
	return money.AddAmounts(s.AmountToCollect, -totalCollected(s))
}

func AvailableAmountToSend(s *domain.DispatchingStatus) int64 {
	return max(money.AddAmounts(s.AmountToSend, -MissingCollectedAmount(s)), 0)
}

func HoardedCollectedAmount(s *domain.DispatchingStatus) int64 {
	return money.AddAmounts(s.AmountToSend, -AvailableAmountToSend(s))
}

func MissingReceivedAmount(s *domain.DispatchingStatus) int64 {
	return max(money.AddAmounts(s.AmountToReceive, -totalReceived(s)), 0)
}

func AvailableAmountToDispatch(s *domain.DispatchingStatus) int64 {
	v := money.AddAmounts(s.AmountToDispatch, -MissingCollectedAmount(s))
	v = money.AddAmounts(v, HoardedCollectedAmount(s))
	v = money.AddAmounts(v, -MissingReceivedAmount(s))
	return max(v, 0)
}

// BuildStatuses aggregates a shard's flow rows into one status per
// (collector, turn, debtor).
func BuildStatuses(
	collectings []domain.WorkerCollecting,
	sendings []domain.WorkerSending,
	receivings []domain.WorkerReceiving,
	dispatchings []domain.WorkerDispatching,
) []domain.DispatchingStatus {
	byKey := make(map[store.StatusCursor]*domain.DispatchingStatus)
	var order []store.StatusCursor
	get := func(collectorID int64, turnID int32, debtorID int64) *domain.DispatchingStatus {
		k := store.StatusCursor{CollectorID: collectorID, TurnID: turnID, DebtorID: debtorID}
		s, ok := byKey[k]
		if !ok {
			s = &domain.DispatchingStatus{CollectorID: collectorID, TurnID: turnID, DebtorID: debtorID}
			byKey[k] = s
			order = append(order, k)
		}
		return s
	}

	for _, r := range collectings {
		s := get(r.CollectorID, r.TurnID, r.DebtorID)
		s.AmountToCollect = money.AddAmounts(s.AmountToCollect, r.Amount)
	}
	for _, r := range sendings {
		s := get(r.FromCollectorID, r.TurnID, r.DebtorID)
		s.AmountToSend = money.AddAmounts(s.AmountToSend, r.Amount)
	}
	for _, r := range receivings {
		s := get(r.ToCollectorID, r.TurnID, r.DebtorID)
		s.AmountToReceive = money.AddAmounts(s.AmountToReceive, r.ExpectedAmount)
		s.NumberToReceive++
	}
	for _, r := range dispatchings {
		s := get(r.CollectorID, r.TurnID, r.DebtorID)
		s.AmountToDispatch = money.AddAmounts(s.AmountToDispatch, r.Amount)
	}

	out := make([]domain.DispatchingStatus, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}
