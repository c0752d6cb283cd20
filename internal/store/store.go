// Package store declares the transactional contracts of the solver and
// worker databases. Every mutation happens inside Atomic; implementations
// retry the callback a bounded number of times when it fails on a unique
// key race.
package store

import (
	"context"
	"math"
	"time"

	"swpttrade/internal/domain"
	"swpttrade/internal/sharding"
)

// SolverStore is the solver database shared by the solver and every worker.
type SolverStore interface {
	Atomic(ctx context.Context, fn func(tx SolverTx) error) error
	Ping(ctx context.Context) error
}

// WorkerStore is a worker shard's private database.
type WorkerStore interface {
	Atomic(ctx context.Context, fn func(tx WorkerTx) error) error
	Ping(ctx context.Context) error
}

// PairCursor positions a scan over tables keyed by (creditor_id, debtor_id).
type PairCursor struct {
	CreditorID int64
	DebtorID   int64
}

// Less orders cursors lexicographically.
func (c PairCursor) Less(other PairCursor) bool {
	if c.CreditorID != other.CreditorID {
		return c.CreditorID < other.CreditorID
	}
	return c.DebtorID < other.DebtorID
}

// InterestRateCursor positions a scan over interest rate changes.
type InterestRateCursor struct {
	CreditorID int64
	DebtorID   int64
	ChangeTS   time.Time
}

// StatusCursor positions a scan over dispatching statuses.
type StatusCursor struct {
	CollectorID int64
	TurnID      int32
	DebtorID    int64
}

// Less orders cursors lexicographically.
func (c StatusCursor) Less(other StatusCursor) bool {
	if c.CollectorID != other.CollectorID {
		return c.CollectorID < other.CollectorID
	}
	if c.TurnID != other.TurnID {
		return c.TurnID < other.TurnID
	}
	return c.DebtorID < other.DebtorID
}

// FirstStatusCursor precedes every dispatching status.
var FirstStatusCursor = StatusCursor{CollectorID: math.MinInt64, TurnID: math.MinInt32, DebtorID: math.MinInt64}

// FirstPairCursor precedes every (creditor_id, debtor_id) pair.
var FirstPairCursor = PairCursor{CreditorID: math.MinInt64, DebtorID: math.MinInt64}

type SolverTx interface {
	// LockTurns serializes concurrent attempts to start a turn.
	LockTurns(ctx context.Context) error
	GetLatestTurn(ctx context.Context) (*domain.Turn, error)
	GetTurnForUpdate(ctx context.Context, turnID int32) (*domain.Turn, error)
	ListUnfinishedTurns(ctx context.Context) ([]domain.Turn, error)
	ListTurnsStartedAfter(ctx context.Context, t time.Time) ([]domain.Turn, error)
	InsertTurn(ctx context.Context, turn *domain.Turn) error
	UpdateTurn(ctx context.Context, turn *domain.Turn) error
	ScanTurns(ctx context.Context, afterTurnID int32, limit int) ([]domain.Turn, error)
	// DeleteTurn deletes the turn together with its per-turn rows.
	DeleteTurn(ctx context.Context, turnID int32) error

	InsertDebtorInfos(ctx context.Context, rows []domain.DebtorInfo) error
	ListDebtorInfos(ctx context.Context, turnID int32) ([]domain.DebtorInfo, error)
	DeleteDebtorInfos(ctx context.Context, turnID int32) error
	InsertConfirmedDebtors(ctx context.Context, rows []domain.ConfirmedDebtor) error
	ListConfirmedDebtors(ctx context.Context, turnID int32) ([]domain.ConfirmedDebtor, error)
	DeleteConfirmedDebtors(ctx context.Context, turnID int32) error
	InsertCurrencyInfos(ctx context.Context, rows []domain.CurrencyInfo) error
	ListCurrencyInfos(ctx context.Context, turnID int32) ([]domain.CurrencyInfo, error)
	DeleteCurrencyInfos(ctx context.Context, turnID int32) error
	InsertSellOffers(ctx context.Context, rows []domain.SellOffer) error
	ListSellOffers(ctx context.Context, turnID int32) ([]domain.SellOffer, error)
	DeleteSellOffers(ctx context.Context, turnID int32) error
	InsertBuyOffers(ctx context.Context, rows []domain.BuyOffer) error
	ListBuyOffers(ctx context.Context, turnID int32) ([]domain.BuyOffer, error)
	DeleteBuyOffers(ctx context.Context, turnID int32) error

	InsertSettlement(ctx context.Context, s *domain.Settlement) error
	ListCreditorTakings(ctx context.Context, turnID int32, f sharding.HashFilter) ([]domain.CreditorTaking, error)
	ListCreditorGivings(ctx context.Context, turnID int32, f sharding.HashFilter) ([]domain.CreditorGiving, error)
	ListCollectorCollectings(ctx context.Context, turnID int32, f sharding.HashFilter) ([]domain.CollectorCollecting, error)
	ListCollectorSendings(ctx context.Context, turnID int32, f sharding.HashFilter) ([]domain.CollectorSending, error)
	ListCollectorReceivings(ctx context.Context, turnID int32, f sharding.HashFilter) ([]domain.CollectorReceiving, error)
	ListCollectorDispatchings(ctx context.Context, turnID int32, f sharding.HashFilter) ([]domain.CollectorDispatching, error)
	// DeleteSettlementRows removes the rows of all six settlement tables
	// whose hash column matches the filter.
	DeleteSettlementRows(ctx context.Context, turnID int32, f sharding.HashFilter) error
	CountSettlementRows(ctx context.Context, turnID int32) (int, error)

	ListCollectorAccounts(ctx context.Context, debtorID int64) ([]domain.CollectorAccount, error)
	ListActiveCollectorAccounts(ctx context.Context) ([]domain.CollectorAccount, error)
	InsertCollectorAccount(ctx context.Context, account *domain.CollectorAccount) error
	GetCollectorAccountForUpdate(ctx context.Context, debtorID, collectorID int64) (*domain.CollectorAccount, error)
	UpdateCollectorAccount(ctx context.Context, account *domain.CollectorAccount) error
	// BurstPristineCollectors locks up to limit pristine accounts owned by
	// the filter, skipping rows locked by other transactions.
	BurstPristineCollectors(ctx context.Context, f sharding.HashFilter, limit int) ([]domain.CollectorAccount, error)
}

type WorkerTx interface {
	ListWorkerTurns(ctx context.Context) ([]domain.WorkerTurn, error)
	GetWorkerTurn(ctx context.Context, turnID int32) (*domain.WorkerTurn, error)
	// LockWorkerTurn returns ErrWorkerTurnNotFound when the turn is missing
	// or locked by another transaction.
	LockWorkerTurn(ctx context.Context, turnID int32) (*domain.WorkerTurn, error)
	InsertWorkerTurn(ctx context.Context, turn *domain.WorkerTurn) error
	UpdateWorkerTurn(ctx context.Context, turn *domain.WorkerTurn) error
	ScanWorkerTurns(ctx context.Context, afterTurnID int32, limit int) ([]domain.WorkerTurn, error)
	// DeleteWorkerTurn deletes the turn together with its per-turn rows.
	DeleteWorkerTurn(ctx context.Context, turnID int32) error

	GetDocument(ctx context.Context, locator string) (*domain.DebtorInfoDocument, error)
	UpsertDocument(ctx context.Context, doc *domain.DebtorInfoDocument) error
	ListDocuments(ctx context.Context) ([]domain.DebtorInfoDocument, error)
	ScanDocuments(ctx context.Context, afterLocator string, limit int) ([]domain.DebtorInfoDocument, error)
	DeleteDocument(ctx context.Context, locator string) error

	GetClaim(ctx context.Context, debtorID int64) (*domain.DebtorLocatorClaim, error)
	UpsertClaim(ctx context.Context, claim *domain.DebtorLocatorClaim) error
	ListConfirmedClaims(ctx context.Context) ([]domain.DebtorLocatorClaim, error)
	ScanClaims(ctx context.Context, afterDebtorID int64, limit int) ([]domain.DebtorLocatorClaim, error)
	DeleteClaim(ctx context.Context, debtorID int64) error

	// UpsertFetch inserts a fetch request or merges it into an existing one
	// for the same (iri, debtor_id).
	UpsertFetch(ctx context.Context, fetch *domain.DebtorInfoFetch) error
	GetFetch(ctx context.Context, iri string, debtorID int64) (*domain.DebtorInfoFetch, error)
	BurstDueFetches(ctx context.Context, now time.Time, limit int) ([]domain.DebtorInfoFetch, error)
	UpdateFetch(ctx context.Context, fetch *domain.DebtorInfoFetch) error
	DeleteFetch(ctx context.Context, iri string, debtorID int64) error

	GetTradingPolicy(ctx context.Context, creditorID, debtorID int64) (*domain.TradingPolicy, error)
	UpsertTradingPolicy(ctx context.Context, policy *domain.TradingPolicy) error
	ListTradingPolicies(ctx context.Context) ([]domain.TradingPolicy, error)
	ScanTradingPolicies(ctx context.Context, after PairCursor, limit int) ([]domain.TradingPolicy, error)
	DeleteTradingPolicy(ctx context.Context, creditorID, debtorID int64) error

	GetNeededWorkerAccount(ctx context.Context, creditorID, debtorID int64) (*domain.NeededWorkerAccount, error)
	InsertNeededWorkerAccount(ctx context.Context, account *domain.NeededWorkerAccount) error
	DeleteNeededWorkerAccount(ctx context.Context, creditorID, debtorID int64) error
	GetWorkerAccount(ctx context.Context, creditorID, debtorID int64) (*domain.WorkerAccount, error)
	UpsertWorkerAccount(ctx context.Context, account *domain.WorkerAccount) error
	ScanWorkerAccounts(ctx context.Context, after PairCursor, limit int) ([]domain.WorkerAccount, error)
	DeleteWorkerAccount(ctx context.Context, creditorID, debtorID int64) error

	InsertInterestRateChange(ctx context.Context, change *domain.InterestRateChange) error
	// ListInterestRateChanges returns the account's changes ordered by time.
	ListInterestRateChanges(ctx context.Context, creditorID, debtorID int64) ([]domain.InterestRateChange, error)
	ScanInterestRateChanges(ctx context.Context, after InterestRateCursor, limit int) ([]domain.InterestRateChange, error)
	DeleteInterestRateChange(ctx context.Context, creditorID, debtorID int64, changeTS time.Time) error

	ReplaceActiveCollectors(ctx context.Context, rows []domain.ActiveCollector) error
	ListActiveCollectors(ctx context.Context) ([]domain.ActiveCollector, error)

	GetAccountLock(ctx context.Context, creditorID, debtorID int64) (*domain.AccountLock, error)
	GetAccountLockByRequestID(ctx context.Context, creditorID, coordinatorRequestID int64) (*domain.AccountLock, error)
	InsertAccountLock(ctx context.Context, lock *domain.AccountLock) error
	UpdateAccountLock(ctx context.Context, lock *domain.AccountLock) error
	DeleteAccountLock(ctx context.Context, creditorID, debtorID int64) error
	ListAccountLocks(ctx context.Context, turnID int32) ([]domain.AccountLock, error)
	ScanAccountLocks(ctx context.Context, after PairCursor, limit int) ([]domain.AccountLock, error)
	// NextCoordinatorRequestID draws from a monotonic per-shard sequence.
	NextCoordinatorRequestID(ctx context.Context) (int64, error)

	InsertCreditorParticipations(ctx context.Context, rows []domain.CreditorParticipation) error
	GetCreditorParticipation(ctx context.Context, creditorID, debtorID int64, turnID int32) (*domain.CreditorParticipation, error)

	InsertWorkerCollectings(ctx context.Context, rows []domain.WorkerCollecting) error
	ListWorkerCollectings(ctx context.Context, collectorID int64, turnID int32, debtorID int64) ([]domain.WorkerCollecting, error)
	// MarkCollected reports whether a matching uncollected row was found.
	MarkCollected(ctx context.Context, collectorID int64, turnID int32, debtorID, creditorID int64) (bool, error)
	InsertWorkerSendings(ctx context.Context, rows []domain.WorkerSending) error
	ListWorkerSendings(ctx context.Context, fromCollectorID int64, turnID int32, debtorID int64) ([]domain.WorkerSending, error)
	InsertWorkerReceivings(ctx context.Context, rows []domain.WorkerReceiving) error
	ListWorkerReceivings(ctx context.Context, toCollectorID int64, turnID int32, debtorID int64) ([]domain.WorkerReceiving, error)
	// SetReceivedAmount reports whether a matching not yet received row was found.
	SetReceivedAmount(ctx context.Context, toCollectorID int64, turnID int32, debtorID, fromCollectorID, amount int64) (bool, error)
	InsertWorkerDispatchings(ctx context.Context, rows []domain.WorkerDispatching) error
	ListWorkerDispatchings(ctx context.Context, collectorID int64, turnID int32, debtorID int64) ([]domain.WorkerDispatching, error)

	InsertDispatchingStatuses(ctx context.Context, rows []domain.DispatchingStatus) error
	GetDispatchingStatus(ctx context.Context, collectorID int64, turnID int32, debtorID int64) (*domain.DispatchingStatus, error)
	// BurstDispatchingStatuses locks statuses after the cursor that have not
	// started dispatching yet, skipping rows locked by other transactions.
	BurstDispatchingStatuses(ctx context.Context, after StatusCursor, limit int) ([]domain.DispatchingStatus, error)
	UpdateDispatchingStatus(ctx context.Context, status *domain.DispatchingStatus) error

	GetTransferAttempt(ctx context.Context, key domain.TransferAttemptKey) (*domain.TransferAttempt, error)
	GetTransferAttemptByRequestID(ctx context.Context, collectorID, coordinatorRequestID int64) (*domain.TransferAttempt, error)
	InsertTransferAttempt(ctx context.Context, attempt *domain.TransferAttempt) error
	UpdateTransferAttempt(ctx context.Context, attempt *domain.TransferAttempt) error
	ListTransferAttempts(ctx context.Context, collectorID int64, turnID int32, debtorID int64, isDispatching bool) ([]domain.TransferAttempt, error)
	// BurstDueTransferAttempts locks attempts whose rescheduled_for has come.
	BurstDueTransferAttempts(ctx context.Context, now time.Time, limit int) ([]domain.TransferAttempt, error)
	// BurstStaleTransferAttempts locks in-flight attempts made before the
	// given time whose prepare was never answered. Attempts with a transfer
	// id have been committed and wait for their finalization.
	BurstStaleTransferAttempts(ctx context.Context, attemptedBefore time.Time, limit int) ([]domain.TransferAttempt, error)

	InsertOutgoingMessages(ctx context.Context, rows []domain.OutgoingMessage) error
	BurstOutgoingMessages(ctx context.Context, limit int) ([]domain.OutgoingMessage, error)
	DeleteOutgoingMessages(ctx context.Context, ids []int64) error
}
