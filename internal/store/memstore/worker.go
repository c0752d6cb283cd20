package memstore

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"time"

	"swpttrade/internal/domain"
	"swpttrade/internal/store"
	pkgerrors "swpttrade/pkg/errors"
)

type fetchKey struct {
	iri    string
	debtor int64
}

func cmpFetchKey(x, y fetchKey) int {
	return cmp.Or(cmp.Compare(x.iri, y.iri), cmp.Compare(x.debtor, y.debtor))
}

type rateKey struct {
	creditor, debtor int64
	ts               int64
}

func cmpRateKey(x, y rateKey) int {
	return cmp.Or(cmp.Compare(x.creditor, y.creditor), cmp.Compare(x.debtor, y.debtor), cmp.Compare(x.ts, y.ts))
}

type partKey struct {
	creditor, debtor int64
	turn             int32
}

func cmpPartKey(x, y partKey) int {
	return cmp.Or(cmp.Compare(x.creditor, y.creditor), cmp.Compare(x.debtor, y.debtor), cmp.Compare(x.turn, y.turn))
}

// flowKey addresses the per-collector settlement rows: the owning
// collector, the turn, the debtor and the counterparty.
type flowKey struct {
	owner   int64
	turn    int32
	debtor  int64
	counter int64
}

func cmpFlowKey(x, y flowKey) int {
	return cmp.Or(cmp.Compare(x.owner, y.owner), cmp.Compare(x.turn, y.turn), cmp.Compare(x.debtor, y.debtor), cmp.Compare(x.counter, y.counter))
}

func statusKey(s *domain.DispatchingStatus) store.StatusCursor {
	return store.StatusCursor{CollectorID: s.CollectorID, TurnID: s.TurnID, DebtorID: s.DebtorID}
}

func cmpStatusKey(x, y store.StatusCursor) int {
	return cmp.Or(cmp.Compare(x.CollectorID, y.CollectorID), cmp.Compare(x.TurnID, y.TurnID), cmp.Compare(x.DebtorID, y.DebtorID))
}

func cmpAttemptKey(x, y domain.TransferAttemptKey) int {
	return cmp.Or(
		cmp.Compare(x.CollectorID, y.CollectorID),
		cmp.Compare(x.TurnID, y.TurnID),
		cmp.Compare(x.DebtorID, y.DebtorID),
		cmpBool(x.IsDispatching, y.IsDispatching),
		cmp.Compare(x.CreditorID, y.CreditorID),
	)
}

type workerState struct {
	workerTurns map[int32]domain.WorkerTurn

	documents map[string]domain.DebtorInfoDocument
	claims    map[int64]domain.DebtorLocatorClaim
	fetches   map[fetchKey]domain.DebtorInfoFetch

	policies         map[pairKey]domain.TradingPolicy
	neededAccounts   map[pairKey]domain.NeededWorkerAccount
	workerAccounts   map[pairKey]domain.WorkerAccount
	rateChanges      map[rateKey]domain.InterestRateChange
	activeCollectors []domain.ActiveCollector

	locks      map[pairKey]domain.AccountLock
	requestSeq int64

	participations map[partKey]domain.CreditorParticipation
	collectings    map[flowKey]domain.WorkerCollecting
	sendings       map[flowKey]domain.WorkerSending
	receivings     map[flowKey]domain.WorkerReceiving
	dispatchings   map[flowKey]domain.WorkerDispatching
	statuses       map[store.StatusCursor]domain.DispatchingStatus
	attempts       map[domain.TransferAttemptKey]domain.TransferAttempt

	outbox       map[int64]domain.OutgoingMessage
	nextOutboxID int64
}

func newWorkerState() *workerState {
	return &workerState{
		workerTurns:    map[int32]domain.WorkerTurn{},
		documents:      map[string]domain.DebtorInfoDocument{},
		claims:         map[int64]domain.DebtorLocatorClaim{},
		fetches:        map[fetchKey]domain.DebtorInfoFetch{},
		policies:       map[pairKey]domain.TradingPolicy{},
		neededAccounts: map[pairKey]domain.NeededWorkerAccount{},
		workerAccounts: map[pairKey]domain.WorkerAccount{},
		rateChanges:    map[rateKey]domain.InterestRateChange{},
		locks:          map[pairKey]domain.AccountLock{},
		participations: map[partKey]domain.CreditorParticipation{},
		collectings:    map[flowKey]domain.WorkerCollecting{},
		sendings:       map[flowKey]domain.WorkerSending{},
		receivings:     map[flowKey]domain.WorkerReceiving{},
		dispatchings:   map[flowKey]domain.WorkerDispatching{},
		statuses:       map[store.StatusCursor]domain.DispatchingStatus{},
		attempts:       map[domain.TransferAttemptKey]domain.TransferAttempt{},
		outbox:         map[int64]domain.OutgoingMessage{},
		nextOutboxID:   1,
	}
}

func (s *workerState) clone() *workerState {
	return &workerState{
		workerTurns:      maps.Clone(s.workerTurns),
		documents:        maps.Clone(s.documents),
		claims:           maps.Clone(s.claims),
		fetches:          maps.Clone(s.fetches),
		policies:         maps.Clone(s.policies),
		neededAccounts:   maps.Clone(s.neededAccounts),
		workerAccounts:   maps.Clone(s.workerAccounts),
		rateChanges:      maps.Clone(s.rateChanges),
		activeCollectors: slices.Clone(s.activeCollectors),
		locks:            maps.Clone(s.locks),
		requestSeq:       s.requestSeq,
		participations:   maps.Clone(s.participations),
		collectings:      maps.Clone(s.collectings),
		sendings:         maps.Clone(s.sendings),
		receivings:       maps.Clone(s.receivings),
		dispatchings:     maps.Clone(s.dispatchings),
		statuses:         maps.Clone(s.statuses),
		attempts:         maps.Clone(s.attempts),
		outbox:           maps.Clone(s.outbox),
		nextOutboxID:     s.nextOutboxID,
	}
}

type workerTx struct {
	st *workerState
}

// ----------------------------------------------------------------------------
// worker turns

func (tx *workerTx) ListWorkerTurns(context.Context) ([]domain.WorkerTurn, error) {
	return sortedValues(tx.st.workerTurns, cmp.Compare[int32]), nil
}

func (tx *workerTx) GetWorkerTurn(_ context.Context, turnID int32) (*domain.WorkerTurn, error) {
	t, ok := tx.st.workerTurns[turnID]
	if !ok {
		return nil, pkgerrors.ErrWorkerTurnNotFound
	}
	return &t, nil
}

func (tx *workerTx) LockWorkerTurn(ctx context.Context, turnID int32) (*domain.WorkerTurn, error) {
	return tx.GetWorkerTurn(ctx, turnID)
}

func (tx *workerTx) InsertWorkerTurn(_ context.Context, turn *domain.WorkerTurn) error {
	if _, exists := tx.st.workerTurns[turn.TurnID]; exists {
		return pkgerrors.ErrDuplicateKey
	}
	tx.st.workerTurns[turn.TurnID] = *turn
	return nil
}

func (tx *workerTx) UpdateWorkerTurn(_ context.Context, turn *domain.WorkerTurn) error {
	if _, ok := tx.st.workerTurns[turn.TurnID]; !ok {
		return pkgerrors.ErrWorkerTurnNotFound
	}
	tx.st.workerTurns[turn.TurnID] = *turn
	return nil
}

func (tx *workerTx) ScanWorkerTurns(_ context.Context, afterTurnID int32, limit int) ([]domain.WorkerTurn, error) {
	rows := filterValues(tx.st.workerTurns, cmp.Compare[int32], func(t domain.WorkerTurn) bool {
		return t.TurnID > afterTurnID
	})
	return limitRows(rows, limit), nil
}

func (tx *workerTx) DeleteWorkerTurn(_ context.Context, turnID int32) error {
	delete(tx.st.workerTurns, turnID)
	deleteWhere(tx.st.participations, func(r domain.CreditorParticipation) bool { return r.TurnID == turnID })
	deleteWhere(tx.st.collectings, func(r domain.WorkerCollecting) bool { return r.TurnID == turnID })
	deleteWhere(tx.st.sendings, func(r domain.WorkerSending) bool { return r.TurnID == turnID })
	deleteWhere(tx.st.receivings, func(r domain.WorkerReceiving) bool { return r.TurnID == turnID })
	deleteWhere(tx.st.dispatchings, func(r domain.WorkerDispatching) bool { return r.TurnID == turnID })
	deleteWhere(tx.st.statuses, func(r domain.DispatchingStatus) bool { return r.TurnID == turnID })
	deleteWhere(tx.st.attempts, func(r domain.TransferAttempt) bool { return r.TurnID == turnID })
	return nil
}

// ----------------------------------------------------------------------------
// debtor info

func (tx *workerTx) GetDocument(_ context.Context, locator string) (*domain.DebtorInfoDocument, error) {
	d, ok := tx.st.documents[locator]
	if !ok {
		return nil, pkgerrors.ErrDocumentNotFound
	}
	return &d, nil
}

func (tx *workerTx) UpsertDocument(_ context.Context, doc *domain.DebtorInfoDocument) error {
	tx.st.documents[doc.DebtorInfoLocator] = *doc
	return nil
}

func (tx *workerTx) ListDocuments(context.Context) ([]domain.DebtorInfoDocument, error) {
	return sortedValues(tx.st.documents, cmp.Compare[string]), nil
}

func (tx *workerTx) ScanDocuments(_ context.Context, afterLocator string, limit int) ([]domain.DebtorInfoDocument, error) {
	rows := filterValues(tx.st.documents, cmp.Compare[string], func(d domain.DebtorInfoDocument) bool {
		return d.DebtorInfoLocator > afterLocator
	})
	return limitRows(rows, limit), nil
}

func (tx *workerTx) DeleteDocument(_ context.Context, locator string) error {
	delete(tx.st.documents, locator)
	return nil
}

func (tx *workerTx) GetClaim(_ context.Context, debtorID int64) (*domain.DebtorLocatorClaim, error) {
	c, ok := tx.st.claims[debtorID]
	if !ok {
		return nil, pkgerrors.ErrClaimNotFound
	}
	return &c, nil
}

func (tx *workerTx) UpsertClaim(_ context.Context, claim *domain.DebtorLocatorClaim) error {
	tx.st.claims[claim.DebtorID] = *claim
	return nil
}

func (tx *workerTx) ListConfirmedClaims(context.Context) ([]domain.DebtorLocatorClaim, error) {
	return filterValues(tx.st.claims, cmp.Compare[int64], func(c domain.DebtorLocatorClaim) bool {
		return c.DebtorInfoLocator != nil
	}), nil
}

func (tx *workerTx) ScanClaims(_ context.Context, afterDebtorID int64, limit int) ([]domain.DebtorLocatorClaim, error) {
	rows := filterValues(tx.st.claims, cmp.Compare[int64], func(c domain.DebtorLocatorClaim) bool {
		return c.DebtorID > afterDebtorID
	})
	return limitRows(rows, limit), nil
}

func (tx *workerTx) DeleteClaim(_ context.Context, debtorID int64) error {
	delete(tx.st.claims, debtorID)
	return nil
}

func (tx *workerTx) UpsertFetch(_ context.Context, fetch *domain.DebtorInfoFetch) error {
	k := fetchKey{fetch.IRI, fetch.DebtorID}
	existing, ok := tx.st.fetches[k]
	if !ok {
		tx.st.fetches[k] = *fetch
		return nil
	}
	existing.IsLocatorFetch = existing.IsLocatorFetch || fetch.IsLocatorFetch
	existing.IsDiscoveryFetch = existing.IsDiscoveryFetch || fetch.IsDiscoveryFetch
	existing.IgnoreCache = existing.IgnoreCache || fetch.IgnoreCache
	existing.RecursionLevel = min(existing.RecursionLevel, fetch.RecursionLevel)
	tx.st.fetches[k] = existing
	return nil
}

func (tx *workerTx) GetFetch(_ context.Context, iri string, debtorID int64) (*domain.DebtorInfoFetch, error) {
	f, ok := tx.st.fetches[fetchKey{iri, debtorID}]
	if !ok {
		return nil, pkgerrors.ErrDocumentNotFound
	}
	return &f, nil
}

func (tx *workerTx) BurstDueFetches(_ context.Context, now time.Time, limit int) ([]domain.DebtorInfoFetch, error) {
	rows := filterValues(tx.st.fetches, cmpFetchKey, func(f domain.DebtorInfoFetch) bool {
		return !f.NextAttemptAt.After(now)
	})
	slices.SortStableFunc(rows, func(a, b domain.DebtorInfoFetch) int {
		return a.NextAttemptAt.Compare(b.NextAttemptAt)
	})
	return limitRows(rows, limit), nil
}

func (tx *workerTx) UpdateFetch(_ context.Context, fetch *domain.DebtorInfoFetch) error {
	k := fetchKey{fetch.IRI, fetch.DebtorID}
	if _, ok := tx.st.fetches[k]; !ok {
		return pkgerrors.ErrDocumentNotFound
	}
	tx.st.fetches[k] = *fetch
	return nil
}

func (tx *workerTx) DeleteFetch(_ context.Context, iri string, debtorID int64) error {
	delete(tx.st.fetches, fetchKey{iri, debtorID})
	return nil
}

// ----------------------------------------------------------------------------
// policies and accounts

func (tx *workerTx) GetTradingPolicy(_ context.Context, creditorID, debtorID int64) (*domain.TradingPolicy, error) {
	p, ok := tx.st.policies[pairKey{creditorID, debtorID}]
	if !ok {
		return nil, pkgerrors.ErrPolicyNotFound
	}
	return &p, nil
}

func (tx *workerTx) UpsertTradingPolicy(_ context.Context, policy *domain.TradingPolicy) error {
	tx.st.policies[pairKey{policy.CreditorID, policy.DebtorID}] = *policy
	return nil
}

func (tx *workerTx) ListTradingPolicies(context.Context) ([]domain.TradingPolicy, error) {
	return sortedValues(tx.st.policies, cmpPair), nil
}

func (tx *workerTx) ScanTradingPolicies(_ context.Context, after store.PairCursor, limit int) ([]domain.TradingPolicy, error) {
	rows := filterValues(tx.st.policies, cmpPair, func(p domain.TradingPolicy) bool {
		return after.Less(store.PairCursor{CreditorID: p.CreditorID, DebtorID: p.DebtorID})
	})
	return limitRows(rows, limit), nil
}

func (tx *workerTx) DeleteTradingPolicy(_ context.Context, creditorID, debtorID int64) error {
	delete(tx.st.policies, pairKey{creditorID, debtorID})
	return nil
}

func (tx *workerTx) GetNeededWorkerAccount(_ context.Context, creditorID, debtorID int64) (*domain.NeededWorkerAccount, error) {
	a, ok := tx.st.neededAccounts[pairKey{creditorID, debtorID}]
	if !ok {
		return nil, pkgerrors.ErrAccountNotFound
	}
	return &a, nil
}

func (tx *workerTx) InsertNeededWorkerAccount(_ context.Context, account *domain.NeededWorkerAccount) error {
	k := pairKey{account.CreditorID, account.DebtorID}
	if _, exists := tx.st.neededAccounts[k]; exists {
		return pkgerrors.ErrDuplicateKey
	}
	tx.st.neededAccounts[k] = *account
	return nil
}

func (tx *workerTx) DeleteNeededWorkerAccount(_ context.Context, creditorID, debtorID int64) error {
	delete(tx.st.neededAccounts, pairKey{creditorID, debtorID})
	return nil
}

func (tx *workerTx) GetWorkerAccount(_ context.Context, creditorID, debtorID int64) (*domain.WorkerAccount, error) {
	a, ok := tx.st.workerAccounts[pairKey{creditorID, debtorID}]
	if !ok {
		return nil, pkgerrors.ErrAccountNotFound
	}
	return &a, nil
}

func (tx *workerTx) UpsertWorkerAccount(_ context.Context, account *domain.WorkerAccount) error {
	tx.st.workerAccounts[pairKey{account.CreditorID, account.DebtorID}] = *account
	return nil
}

func (tx *workerTx) ScanWorkerAccounts(_ context.Context, after store.PairCursor, limit int) ([]domain.WorkerAccount, error) {
	rows := filterValues(tx.st.workerAccounts, cmpPair, func(a domain.WorkerAccount) bool {
		return after.Less(store.PairCursor{CreditorID: a.CreditorID, DebtorID: a.DebtorID})
	})
	return limitRows(rows, limit), nil
}

func (tx *workerTx) DeleteWorkerAccount(_ context.Context, creditorID, debtorID int64) error {
	delete(tx.st.workerAccounts, pairKey{creditorID, debtorID})
	return nil
}

func (tx *workerTx) InsertInterestRateChange(_ context.Context, change *domain.InterestRateChange) error {
	k := rateKey{change.CreditorID, change.DebtorID, change.ChangeTS.UnixNano()}
	if _, exists := tx.st.rateChanges[k]; !exists {
		tx.st.rateChanges[k] = *change
	}
	return nil
}

func (tx *workerTx) ListInterestRateChanges(_ context.Context, creditorID, debtorID int64) ([]domain.InterestRateChange, error) {
	return filterValues(tx.st.rateChanges, cmpRateKey, func(c domain.InterestRateChange) bool {
		return c.CreditorID == creditorID && c.DebtorID == debtorID
	}), nil
}

func (tx *workerTx) ScanInterestRateChanges(_ context.Context, after store.InterestRateCursor, limit int) ([]domain.InterestRateChange, error) {
	cursor := rateKey{after.CreditorID, after.DebtorID, after.ChangeTS.UnixNano()}
	if after.ChangeTS.IsZero() {
		cursor.ts = -1 << 63
	}
	rows := filterValues(tx.st.rateChanges, cmpRateKey, func(c domain.InterestRateChange) bool {
		return cmpRateKey(cursor, rateKey{c.CreditorID, c.DebtorID, c.ChangeTS.UnixNano()}) < 0
	})
	return limitRows(rows, limit), nil
}

func (tx *workerTx) DeleteInterestRateChange(_ context.Context, creditorID, debtorID int64, changeTS time.Time) error {
	delete(tx.st.rateChanges, rateKey{creditorID, debtorID, changeTS.UnixNano()})
	return nil
}

func (tx *workerTx) ReplaceActiveCollectors(_ context.Context, rows []domain.ActiveCollector) error {
	tx.st.activeCollectors = slices.Clone(rows)
	return nil
}

func (tx *workerTx) ListActiveCollectors(context.Context) ([]domain.ActiveCollector, error) {
	rows := slices.Clone(tx.st.activeCollectors)
	slices.SortFunc(rows, func(a, b domain.ActiveCollector) int {
		return cmp.Or(cmp.Compare(a.DebtorID, b.DebtorID), cmp.Compare(a.CollectorID, b.CollectorID))
	})
	return rows, nil
}

// ----------------------------------------------------------------------------
// account locks

func (tx *workerTx) GetAccountLock(_ context.Context, creditorID, debtorID int64) (*domain.AccountLock, error) {
	l, ok := tx.st.locks[pairKey{creditorID, debtorID}]
	if !ok {
		return nil, pkgerrors.ErrAccountLockNotFound
	}
	return &l, nil
}

func (tx *workerTx) GetAccountLockByRequestID(_ context.Context, creditorID, coordinatorRequestID int64) (*domain.AccountLock, error) {
	for _, l := range tx.st.locks {
		if l.CreditorID == creditorID && l.CoordinatorRequestID == coordinatorRequestID {
			return &l, nil
		}
	}
	return nil, pkgerrors.ErrAccountLockNotFound
}

func (tx *workerTx) requestIDTaken(lock *domain.AccountLock) bool {
	for k, l := range tx.st.locks {
		if k != (pairKey{lock.CreditorID, lock.DebtorID}) &&
			l.CreditorID == lock.CreditorID && l.CoordinatorRequestID == lock.CoordinatorRequestID {
			return true
		}
	}
	return false
}

func (tx *workerTx) InsertAccountLock(_ context.Context, lock *domain.AccountLock) error {
	k := pairKey{lock.CreditorID, lock.DebtorID}
	if _, exists := tx.st.locks[k]; exists || tx.requestIDTaken(lock) {
		return pkgerrors.ErrDuplicateKey
	}
	tx.st.locks[k] = *lock
	return nil
}

func (tx *workerTx) UpdateAccountLock(_ context.Context, lock *domain.AccountLock) error {
	k := pairKey{lock.CreditorID, lock.DebtorID}
	if _, ok := tx.st.locks[k]; !ok {
		return pkgerrors.ErrAccountLockNotFound
	}
	if tx.requestIDTaken(lock) {
		return pkgerrors.ErrDuplicateKey
	}
	tx.st.locks[k] = *lock
	return nil
}

func (tx *workerTx) DeleteAccountLock(_ context.Context, creditorID, debtorID int64) error {
	delete(tx.st.locks, pairKey{creditorID, debtorID})
	return nil
}

func (tx *workerTx) ListAccountLocks(_ context.Context, turnID int32) ([]domain.AccountLock, error) {
	return filterValues(tx.st.locks, cmpPair, func(l domain.AccountLock) bool { return l.TurnID == turnID }), nil
}

func (tx *workerTx) ScanAccountLocks(_ context.Context, after store.PairCursor, limit int) ([]domain.AccountLock, error) {
	rows := filterValues(tx.st.locks, cmpPair, func(l domain.AccountLock) bool {
		return after.Less(store.PairCursor{CreditorID: l.CreditorID, DebtorID: l.DebtorID})
	})
	return limitRows(rows, limit), nil
}

func (tx *workerTx) NextCoordinatorRequestID(context.Context) (int64, error) {
	tx.st.requestSeq++
	return tx.st.requestSeq, nil
}

// ----------------------------------------------------------------------------
// settlement rows

func (tx *workerTx) InsertCreditorParticipations(_ context.Context, rows []domain.CreditorParticipation) error {
	for _, r := range rows {
		k := partKey{r.CreditorID, r.DebtorID, r.TurnID}
		if _, exists := tx.st.participations[k]; !exists {
			tx.st.participations[k] = r
		}
	}
	return nil
}

func (tx *workerTx) GetCreditorParticipation(_ context.Context, creditorID, debtorID int64, turnID int32) (*domain.CreditorParticipation, error) {
	p, ok := tx.st.participations[partKey{creditorID, debtorID, turnID}]
	if !ok {
		return nil, pkgerrors.ErrParticipationNotFound
	}
	return &p, nil
}

func (tx *workerTx) InsertWorkerCollectings(_ context.Context, rows []domain.WorkerCollecting) error {
	for _, r := range rows {
		k := flowKey{r.CollectorID, r.TurnID, r.DebtorID, r.CreditorID}
		if _, exists := tx.st.collectings[k]; !exists {
			tx.st.collectings[k] = r
		}
	}
	return nil
}

func (tx *workerTx) ListWorkerCollectings(_ context.Context, collectorID int64, turnID int32, debtorID int64) ([]domain.WorkerCollecting, error) {
	return filterValues(tx.st.collectings, cmpFlowKey, func(r domain.WorkerCollecting) bool {
		return r.CollectorID == collectorID && r.TurnID == turnID && r.DebtorID == debtorID
	}), nil
}

func (tx *workerTx) MarkCollected(_ context.Context, collectorID int64, turnID int32, debtorID, creditorID int64) (bool, error) {
	k := flowKey{collectorID, turnID, debtorID, creditorID}
	r, ok := tx.st.collectings[k]
	if !ok || r.Collected {
		return false, nil
	}
	r.Collected = true
	tx.st.collectings[k] = r
	return true, nil
}

func (tx *workerTx) InsertWorkerSendings(_ context.Context, rows []domain.WorkerSending) error {
	for _, r := range rows {
		k := flowKey{r.FromCollectorID, r.TurnID, r.DebtorID, r.ToCollectorID}
		if _, exists := tx.st.sendings[k]; !exists {
			tx.st.sendings[k] = r
		}
	}
	return nil
}

func (tx *workerTx) ListWorkerSendings(_ context.Context, fromCollectorID int64, turnID int32, debtorID int64) ([]domain.WorkerSending, error) {
	return filterValues(tx.st.sendings, cmpFlowKey, func(r domain.WorkerSending) bool {
		return r.FromCollectorID == fromCollectorID && r.TurnID == turnID && r.DebtorID == debtorID
	}), nil
}

func (tx *workerTx) InsertWorkerReceivings(_ context.Context, rows []domain.WorkerReceiving) error {
	for _, r := range rows {
		k := flowKey{r.ToCollectorID, r.TurnID, r.DebtorID, r.FromCollectorID}
		if _, exists := tx.st.receivings[k]; !exists {
			tx.st.receivings[k] = r
		}
	}
	return nil
}

func (tx *workerTx) ListWorkerReceivings(_ context.Context, toCollectorID int64, turnID int32, debtorID int64) ([]domain.WorkerReceiving, error) {
	return filterValues(tx.st.receivings, cmpFlowKey, func(r domain.WorkerReceiving) bool {
		return r.ToCollectorID == toCollectorID && r.TurnID == turnID && r.DebtorID == debtorID
	}), nil
}

func (tx *workerTx) SetReceivedAmount(_ context.Context, toCollectorID int64, turnID int32, debtorID, fromCollectorID, amount int64) (bool, error) {
	k := flowKey{toCollectorID, turnID, debtorID, fromCollectorID}
	r, ok := tx.st.receivings[k]
	if !ok || r.ReceivedAmount != 0 {
		return false, nil
	}
	r.ReceivedAmount = amount
	tx.st.receivings[k] = r
	return true, nil
}

func (tx *workerTx) InsertWorkerDispatchings(_ context.Context, rows []domain.WorkerDispatching) error {
	for _, r := range rows {
		k := flowKey{r.CollectorID, r.TurnID, r.DebtorID, r.CreditorID}
		if _, exists := tx.st.dispatchings[k]; !exists {
			tx.st.dispatchings[k] = r
		}
	}
	return nil
}

func (tx *workerTx) ListWorkerDispatchings(_ context.Context, collectorID int64, turnID int32, debtorID int64) ([]domain.WorkerDispatching, error) {
	return filterValues(tx.st.dispatchings, cmpFlowKey, func(r domain.WorkerDispatching) bool {
		return r.CollectorID == collectorID && r.TurnID == turnID && r.DebtorID == debtorID
	}), nil
}

func (tx *workerTx) InsertDispatchingStatuses(_ context.Context, rows []domain.DispatchingStatus) error {
	for _, r := range rows {
		k := statusKey(&r)
		if _, exists := tx.st.statuses[k]; !exists {
			tx.st.statuses[k] = r
		}
	}
	return nil
}

func (tx *workerTx) GetDispatchingStatus(_ context.Context, collectorID int64, turnID int32, debtorID int64) (*domain.DispatchingStatus, error) {
	s, ok := tx.st.statuses[store.StatusCursor{CollectorID: collectorID, TurnID: turnID, DebtorID: debtorID}]
	if !ok {
		return nil, pkgerrors.ErrStatusNotFound
	}
	return &s, nil
}

func (tx *workerTx) BurstDispatchingStatuses(_ context.Context, after store.StatusCursor, limit int) ([]domain.DispatchingStatus, error) {
	rows := filterValues(tx.st.statuses, cmpStatusKey, func(s domain.DispatchingStatus) bool {
		return !s.StartedDispatching && after.Less(statusKey(&s))
	})
	return limitRows(rows, limit), nil
}

func (tx *workerTx) UpdateDispatchingStatus(_ context.Context, status *domain.DispatchingStatus) error {
	k := statusKey(status)
	if _, ok := tx.st.statuses[k]; !ok {
		return pkgerrors.ErrStatusNotFound
	}
	tx.st.statuses[k] = *status
	return nil
}

// ----------------------------------------------------------------------------
// transfer attempts

func (tx *workerTx) GetTransferAttempt(_ context.Context, key domain.TransferAttemptKey) (*domain.TransferAttempt, error) {
	a, ok := tx.st.attempts[key]
	if !ok {
		return nil, pkgerrors.ErrTransferNotFound
	}
	return &a, nil
}

func (tx *workerTx) GetTransferAttemptByRequestID(_ context.Context, collectorID, coordinatorRequestID int64) (*domain.TransferAttempt, error) {
	for _, a := range tx.st.attempts {
		if a.CollectorID == collectorID && a.CoordinatorRequestID != nil && *a.CoordinatorRequestID == coordinatorRequestID {
			return &a, nil
		}
	}
	return nil, pkgerrors.ErrTransferNotFound
}

func (tx *workerTx) InsertTransferAttempt(_ context.Context, attempt *domain.TransferAttempt) error {
	if _, exists := tx.st.attempts[attempt.TransferAttemptKey]; exists {
		return pkgerrors.ErrDuplicateKey
	}
	tx.st.attempts[attempt.TransferAttemptKey] = *attempt
	return nil
}

func (tx *workerTx) UpdateTransferAttempt(_ context.Context, attempt *domain.TransferAttempt) error {
	if _, ok := tx.st.attempts[attempt.TransferAttemptKey]; !ok {
		return pkgerrors.ErrTransferNotFound
	}
	tx.st.attempts[attempt.TransferAttemptKey] = *attempt
	return nil
}

func (tx *workerTx) ListTransferAttempts(_ context.Context, collectorID int64, turnID int32, debtorID int64, isDispatching bool) ([]domain.TransferAttempt, error) {
	return filterValues(tx.st.attempts, cmpAttemptKey, func(a domain.TransferAttempt) bool {
		return a.CollectorID == collectorID && a.TurnID == turnID && a.DebtorID == debtorID && a.IsDispatching == isDispatching
	}), nil
}

func (tx *workerTx) BurstDueTransferAttempts(_ context.Context, now time.Time, limit int) ([]domain.TransferAttempt, error) {
	rows := filterValues(tx.st.attempts, cmpAttemptKey, func(a domain.TransferAttempt) bool {
		return a.RescheduledFor != nil && !a.RescheduledFor.After(now)
	})
	return limitRows(rows, limit), nil
}

func (tx *workerTx) BurstStaleTransferAttempts(_ context.Context, attemptedBefore time.Time, limit int) ([]domain.TransferAttempt, error) {
	rows := filterValues(tx.st.attempts, cmpAttemptKey, func(a domain.TransferAttempt) bool {
		return a.IsInFlight() && a.TransferID == nil && a.AttemptedAt != nil && a.AttemptedAt.Before(attemptedBefore)
	})
	return limitRows(rows, limit), nil
}

// ----------------------------------------------------------------------------
// outbox

func (tx *workerTx) InsertOutgoingMessages(_ context.Context, rows []domain.OutgoingMessage) error {
	for _, r := range rows {
		r.ID = tx.st.nextOutboxID
		tx.st.nextOutboxID++
		tx.st.outbox[r.ID] = r
	}
	return nil
}

func (tx *workerTx) BurstOutgoingMessages(_ context.Context, limit int) ([]domain.OutgoingMessage, error) {
	return limitRows(sortedValues(tx.st.outbox, cmp.Compare[int64]), limit), nil
}

func (tx *workerTx) DeleteOutgoingMessages(_ context.Context, ids []int64) error {
	for _, id := range ids {
		delete(tx.st.outbox, id)
	}
	return nil
}
