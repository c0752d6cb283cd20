package memstore

import (
	"cmp"
	"context"
	"maps"
	"time"

	"swpttrade/internal/domain"
	"swpttrade/internal/sharding"
	pkgerrors "swpttrade/pkg/errors"
)

type turnKey struct {
	turn int32
	a, b int64
}

type turnStrKey struct {
	turn int32
	s    string
	id   int64
}

type turnQuadKey struct {
	turn    int32
	a, b, c int64
}

func cmpTurnKey(x, y turnKey) int {
	return cmp.Or(cmp.Compare(x.turn, y.turn), cmp.Compare(x.a, y.a), cmp.Compare(x.b, y.b))
}

func cmpTurnStrKey(x, y turnStrKey) int {
	return cmp.Or(cmp.Compare(x.turn, y.turn), cmp.Compare(x.s, y.s), cmp.Compare(x.id, y.id))
}

func cmpTurnQuadKey(x, y turnQuadKey) int {
	return cmp.Or(cmp.Compare(x.turn, y.turn), cmp.Compare(x.a, y.a), cmp.Compare(x.b, y.b), cmp.Compare(x.c, y.c))
}

type solverState struct {
	nextTurnID int32
	turns      map[int32]domain.Turn

	debtorInfos      map[turnStrKey]domain.DebtorInfo
	confirmedDebtors map[turnKey]domain.ConfirmedDebtor
	currencyInfos    map[turnKey]domain.CurrencyInfo
	sellOffers       map[turnKey]domain.SellOffer
	buyOffers        map[turnKey]domain.BuyOffer

	takings      map[turnKey]domain.CreditorTaking
	givings      map[turnKey]domain.CreditorGiving
	collectings  map[turnKey]domain.CollectorCollecting
	sendings     map[turnQuadKey]domain.CollectorSending
	receivings   map[turnQuadKey]domain.CollectorReceiving
	dispatchings map[turnKey]domain.CollectorDispatching

	collectorAccounts map[pairKey]domain.CollectorAccount
}

func newSolverState() *solverState {
	return &solverState{
		nextTurnID:        1,
		turns:             map[int32]domain.Turn{},
		debtorInfos:       map[turnStrKey]domain.DebtorInfo{},
		confirmedDebtors:  map[turnKey]domain.ConfirmedDebtor{},
		currencyInfos:     map[turnKey]domain.CurrencyInfo{},
		sellOffers:        map[turnKey]domain.SellOffer{},
		buyOffers:         map[turnKey]domain.BuyOffer{},
		takings:           map[turnKey]domain.CreditorTaking{},
		givings:           map[turnKey]domain.CreditorGiving{},
		collectings:       map[turnKey]domain.CollectorCollecting{},
		sendings:          map[turnQuadKey]domain.CollectorSending{},
		receivings:        map[turnQuadKey]domain.CollectorReceiving{},
		dispatchings:      map[turnKey]domain.CollectorDispatching{},
		collectorAccounts: map[pairKey]domain.CollectorAccount{},
	}
}

func (s *solverState) clone() *solverState {
	return &solverState{
		nextTurnID:        s.nextTurnID,
		turns:             maps.Clone(s.turns),
		debtorInfos:       maps.Clone(s.debtorInfos),
		confirmedDebtors:  maps.Clone(s.confirmedDebtors),
		currencyInfos:     maps.Clone(s.currencyInfos),
		sellOffers:        maps.Clone(s.sellOffers),
		buyOffers:         maps.Clone(s.buyOffers),
		takings:           maps.Clone(s.takings),
		givings:           maps.Clone(s.givings),
		collectings:       maps.Clone(s.collectings),
		sendings:          maps.Clone(s.sendings),
		receivings:        maps.Clone(s.receivings),
		dispatchings:      maps.Clone(s.dispatchings),
		collectorAccounts: maps.Clone(s.collectorAccounts),
	}
}

type solverTx struct {
	st *solverState
}

func (tx *solverTx) LockTurns(context.Context) error { return nil }

func (tx *solverTx) GetLatestTurn(context.Context) (*domain.Turn, error) {
	var latest *domain.Turn
	for _, t := range tx.st.turns {
		if latest == nil || t.StartedAt.After(latest.StartedAt) ||
			(t.StartedAt.Equal(latest.StartedAt) && t.TurnID > latest.TurnID) {
			latest = ptr(t)
		}
	}
	if latest == nil {
		return nil, pkgerrors.ErrTurnNotFound
	}
	return latest, nil
}

func (tx *solverTx) GetTurnForUpdate(_ context.Context, turnID int32) (*domain.Turn, error) {
	t, ok := tx.st.turns[turnID]
	if !ok {
		return nil, pkgerrors.ErrTurnNotFound
	}
	return &t, nil
}

func (tx *solverTx) ListUnfinishedTurns(context.Context) ([]domain.Turn, error) {
	return filterValues(tx.st.turns, cmp.Compare[int32], func(t domain.Turn) bool {
		return t.Phase < domain.PhaseDone
	}), nil
}

func (tx *solverTx) ListTurnsStartedAfter(_ context.Context, after time.Time) ([]domain.Turn, error) {
	return filterValues(tx.st.turns, cmp.Compare[int32], func(t domain.Turn) bool {
		return t.StartedAt.After(after)
	}), nil
}

func (tx *solverTx) InsertTurn(_ context.Context, turn *domain.Turn) error {
	if turn.TurnID == 0 {
		turn.TurnID = tx.st.nextTurnID
	}
	if _, exists := tx.st.turns[turn.TurnID]; exists {
		return pkgerrors.ErrDuplicateKey
	}
	tx.st.turns[turn.TurnID] = *turn
	if turn.TurnID >= tx.st.nextTurnID {
		tx.st.nextTurnID = turn.TurnID + 1
	}
	return nil
}

func (tx *solverTx) UpdateTurn(_ context.Context, turn *domain.Turn) error {
	if _, ok := tx.st.turns[turn.TurnID]; !ok {
		return pkgerrors.ErrTurnNotFound
	}
	tx.st.turns[turn.TurnID] = *turn
	return nil
}

func (tx *solverTx) ScanTurns(_ context.Context, afterTurnID int32, limit int) ([]domain.Turn, error) {
	rows := filterValues(tx.st.turns, cmp.Compare[int32], func(t domain.Turn) bool {
		return t.TurnID > afterTurnID
	})
	return limitRows(rows, limit), nil
}

func (tx *solverTx) DeleteTurn(_ context.Context, turnID int32) error {
	delete(tx.st.turns, turnID)
	deleteWhere(tx.st.debtorInfos, func(r domain.DebtorInfo) bool { return r.TurnID == turnID })
	deleteWhere(tx.st.confirmedDebtors, func(r domain.ConfirmedDebtor) bool { return r.TurnID == turnID })
	deleteWhere(tx.st.currencyInfos, func(r domain.CurrencyInfo) bool { return r.TurnID == turnID })
	deleteWhere(tx.st.sellOffers, func(r domain.SellOffer) bool { return r.TurnID == turnID })
	deleteWhere(tx.st.buyOffers, func(r domain.BuyOffer) bool { return r.TurnID == turnID })
	return tx.DeleteSettlementRows(context.Background(), turnID, sharding.HashFilter{})
}

func (tx *solverTx) InsertDebtorInfos(_ context.Context, rows []domain.DebtorInfo) error {
	for _, r := range rows {
		k := turnStrKey{r.TurnID, r.DebtorInfoLocator, r.DebtorID}
		if _, exists := tx.st.debtorInfos[k]; !exists {
			tx.st.debtorInfos[k] = r
		}
	}
	return nil
}

func (tx *solverTx) ListDebtorInfos(_ context.Context, turnID int32) ([]domain.DebtorInfo, error) {
	return filterValues(tx.st.debtorInfos, cmpTurnStrKey, func(r domain.DebtorInfo) bool { return r.TurnID == turnID }), nil
}

func (tx *solverTx) DeleteDebtorInfos(_ context.Context, turnID int32) error {
	deleteWhere(tx.st.debtorInfos, func(r domain.DebtorInfo) bool { return r.TurnID == turnID })
	return nil
}

func (tx *solverTx) InsertConfirmedDebtors(_ context.Context, rows []domain.ConfirmedDebtor) error {
	for _, r := range rows {
		k := turnKey{r.TurnID, r.DebtorID, 0}
		if _, exists := tx.st.confirmedDebtors[k]; !exists {
			tx.st.confirmedDebtors[k] = r
		}
	}
	return nil
}

func (tx *solverTx) ListConfirmedDebtors(_ context.Context, turnID int32) ([]domain.ConfirmedDebtor, error) {
	return filterValues(tx.st.confirmedDebtors, cmpTurnKey, func(r domain.ConfirmedDebtor) bool { return r.TurnID == turnID }), nil
}

func (tx *solverTx) DeleteConfirmedDebtors(_ context.Context, turnID int32) error {
	deleteWhere(tx.st.confirmedDebtors, func(r domain.ConfirmedDebtor) bool { return r.TurnID == turnID })
	return nil
}

func (tx *solverTx) InsertCurrencyInfos(_ context.Context, rows []domain.CurrencyInfo) error {
	for _, r := range rows {
		k := turnKey{r.TurnID, r.DebtorID, 0}
		if _, exists := tx.st.currencyInfos[k]; !exists {
			tx.st.currencyInfos[k] = r
		}
	}
	return nil
}

func (tx *solverTx) ListCurrencyInfos(_ context.Context, turnID int32) ([]domain.CurrencyInfo, error) {
	return filterValues(tx.st.currencyInfos, cmpTurnKey, func(r domain.CurrencyInfo) bool { return r.TurnID == turnID }), nil
}

func (tx *solverTx) DeleteCurrencyInfos(_ context.Context, turnID int32) error {
	deleteWhere(tx.st.currencyInfos, func(r domain.CurrencyInfo) bool { return r.TurnID == turnID })
	return nil
}

func (tx *solverTx) InsertSellOffers(_ context.Context, rows []domain.SellOffer) error {
	for _, r := range rows {
		k := turnKey{r.TurnID, r.CreditorID, r.DebtorID}
		if _, exists := tx.st.sellOffers[k]; !exists {
			tx.st.sellOffers[k] = r
		}
	}
	return nil
}

func (tx *solverTx) ListSellOffers(_ context.Context, turnID int32) ([]domain.SellOffer, error) {
	return filterValues(tx.st.sellOffers, cmpTurnKey, func(r domain.SellOffer) bool { return r.TurnID == turnID }), nil
}

func (tx *solverTx) DeleteSellOffers(_ context.Context, turnID int32) error {
	deleteWhere(tx.st.sellOffers, func(r domain.SellOffer) bool { return r.TurnID == turnID })
	return nil
}

func (tx *solverTx) InsertBuyOffers(_ context.Context, rows []domain.BuyOffer) error {
	for _, r := range rows {
		k := turnKey{r.TurnID, r.CreditorID, r.DebtorID}
		if _, exists := tx.st.buyOffers[k]; !exists {
			tx.st.buyOffers[k] = r
		}
	}
	return nil
}

func (tx *solverTx) ListBuyOffers(_ context.Context, turnID int32) ([]domain.BuyOffer, error) {
	return filterValues(tx.st.buyOffers, cmpTurnKey, func(r domain.BuyOffer) bool { return r.TurnID == turnID }), nil
}

func (tx *solverTx) DeleteBuyOffers(_ context.Context, turnID int32) error {
	deleteWhere(tx.st.buyOffers, func(r domain.BuyOffer) bool { return r.TurnID == turnID })
	return nil
}

func (tx *solverTx) InsertSettlement(_ context.Context, s *domain.Settlement) error {
	for _, r := range s.Takings {
		tx.st.takings[turnKey{r.TurnID, r.CreditorID, r.DebtorID}] = r
	}
	for _, r := range s.Givings {
		tx.st.givings[turnKey{r.TurnID, r.CreditorID, r.DebtorID}] = r
	}
	for _, r := range s.Collectings {
		tx.st.collectings[turnKey{r.TurnID, r.DebtorID, r.CreditorID}] = r
	}
	for _, r := range s.Sendings {
		tx.st.sendings[turnQuadKey{r.TurnID, r.DebtorID, r.FromCollectorID, r.ToCollectorID}] = r
	}
	for _, r := range s.Receivings {
		tx.st.receivings[turnQuadKey{r.TurnID, r.DebtorID, r.ToCollectorID, r.FromCollectorID}] = r
	}
	for _, r := range s.Dispatchings {
		tx.st.dispatchings[turnKey{r.TurnID, r.DebtorID, r.CreditorID}] = r
	}
	return nil
}

func (tx *solverTx) ListCreditorTakings(_ context.Context, turnID int32, f sharding.HashFilter) ([]domain.CreditorTaking, error) {
	return filterValues(tx.st.takings, cmpTurnKey, func(r domain.CreditorTaking) bool {
		return r.TurnID == turnID && f.Match(r.CreditorHash)
	}), nil
}

func (tx *solverTx) ListCreditorGivings(_ context.Context, turnID int32, f sharding.HashFilter) ([]domain.CreditorGiving, error) {
	return filterValues(tx.st.givings, cmpTurnKey, func(r domain.CreditorGiving) bool {
		return r.TurnID == turnID && f.Match(r.CreditorHash)
	}), nil
}

func (tx *solverTx) ListCollectorCollectings(_ context.Context, turnID int32, f sharding.HashFilter) ([]domain.CollectorCollecting, error) {
	return filterValues(tx.st.collectings, cmpTurnKey, func(r domain.CollectorCollecting) bool {
		return r.TurnID == turnID && f.Match(r.CollectorHash)
	}), nil
}

func (tx *solverTx) ListCollectorSendings(_ context.Context, turnID int32, f sharding.HashFilter) ([]domain.CollectorSending, error) {
	return filterValues(tx.st.sendings, cmpTurnQuadKey, func(r domain.CollectorSending) bool {
		return r.TurnID == turnID && f.Match(r.FromCollectorHash)
	}), nil
}

func (tx *solverTx) ListCollectorReceivings(_ context.Context, turnID int32, f sharding.HashFilter) ([]domain.CollectorReceiving, error) {
	return filterValues(tx.st.receivings, cmpTurnQuadKey, func(r domain.CollectorReceiving) bool {
		return r.TurnID == turnID && f.Match(r.ToCollectorHash)
	}), nil
}

func (tx *solverTx) ListCollectorDispatchings(_ context.Context, turnID int32, f sharding.HashFilter) ([]domain.CollectorDispatching, error) {
	return filterValues(tx.st.dispatchings, cmpTurnKey, func(r domain.CollectorDispatching) bool {
		return r.TurnID == turnID && f.Match(r.CollectorHash)
	}), nil
}

func (tx *solverTx) DeleteSettlementRows(_ context.Context, turnID int32, f sharding.HashFilter) error {
	deleteWhere(tx.st.takings, func(r domain.CreditorTaking) bool { return r.TurnID == turnID && f.Match(r.CreditorHash) })
	deleteWhere(tx.st.givings, func(r domain.CreditorGiving) bool { return r.TurnID == turnID && f.Match(r.CreditorHash) })
	deleteWhere(tx.st.collectings, func(r domain.CollectorCollecting) bool { return r.TurnID == turnID && f.Match(r.CollectorHash) })
	deleteWhere(tx.st.sendings, func(r domain.CollectorSending) bool { return r.TurnID == turnID && f.Match(r.FromCollectorHash) })
	deleteWhere(tx.st.receivings, func(r domain.CollectorReceiving) bool { return r.TurnID == turnID && f.Match(r.ToCollectorHash) })
	deleteWhere(tx.st.dispatchings, func(r domain.CollectorDispatching) bool { return r.TurnID == turnID && f.Match(r.CollectorHash) })
	return nil
}

func (tx *solverTx) CountSettlementRows(_ context.Context, turnID int32) (int, error) {
	n := 0
	for _, r := range tx.st.takings {
		if r.TurnID == turnID {
			n++
		}
	}
	for _, r := range tx.st.givings {
		if r.TurnID == turnID {
			n++
		}
	}
	for _, r := range tx.st.collectings {
		if r.TurnID == turnID {
			n++
		}
	}
	for _, r := range tx.st.sendings {
		if r.TurnID == turnID {
			n++
		}
	}
	for _, r := range tx.st.receivings {
		if r.TurnID == turnID {
			n++
		}
	}
	for _, r := range tx.st.dispatchings {
		if r.TurnID == turnID {
			n++
		}
	}
	return n, nil
}

func (tx *solverTx) ListCollectorAccounts(_ context.Context, debtorID int64) ([]domain.CollectorAccount, error) {
	return filterValues(tx.st.collectorAccounts, cmpPair, func(r domain.CollectorAccount) bool {
		return r.DebtorID == debtorID
	}), nil
}

func (tx *solverTx) ListActiveCollectorAccounts(context.Context) ([]domain.CollectorAccount, error) {
	return filterValues(tx.st.collectorAccounts, cmpPair, func(r domain.CollectorAccount) bool {
		return r.Status == domain.CollectorActive
	}), nil
}

func (tx *solverTx) InsertCollectorAccount(_ context.Context, account *domain.CollectorAccount) error {
	k := pairKey{account.DebtorID, account.CollectorID}
	if _, exists := tx.st.collectorAccounts[k]; exists {
		return pkgerrors.ErrDuplicateKey
	}
	tx.st.collectorAccounts[k] = *account
	return nil
}

func (tx *solverTx) GetCollectorAccountForUpdate(_ context.Context, debtorID, collectorID int64) (*domain.CollectorAccount, error) {
	a, ok := tx.st.collectorAccounts[pairKey{debtorID, collectorID}]
	if !ok {
		return nil, pkgerrors.ErrAccountNotFound
	}
	return &a, nil
}

func (tx *solverTx) UpdateCollectorAccount(_ context.Context, account *domain.CollectorAccount) error {
	k := pairKey{account.DebtorID, account.CollectorID}
	if _, ok := tx.st.collectorAccounts[k]; !ok {
		return pkgerrors.ErrAccountNotFound
	}
	tx.st.collectorAccounts[k] = *account
	return nil
}

func (tx *solverTx) BurstPristineCollectors(_ context.Context, f sharding.HashFilter, limit int) ([]domain.CollectorAccount, error) {
	rows := filterValues(tx.st.collectorAccounts, cmpPair, func(r domain.CollectorAccount) bool {
		return r.Status == domain.CollectorPristine && f.Match(r.CollectorHash)
	})
	return limitRows(rows, limit), nil
}
