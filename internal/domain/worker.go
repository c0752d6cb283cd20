package domain

import "time"

// WorkerTurnDone is the subphase of a fully processed worker turn.
const WorkerTurnDone int16 = 10

// WorkerTurn is a worker shard's copy of a solver turn. Phase 4 is shown as 3.
type WorkerTurn struct {
	TurnID                int32      `json:"turn_id" db:"turn_id"`
	StartedAt             time.Time  `json:"started_at" db:"started_at"`
	BaseDebtorInfoLocator string     `json:"base_debtor_info_locator" db:"base_debtor_info_locator"`
	BaseDebtorID          int64      `json:"base_debtor_id" db:"base_debtor_id"`
	MaxDistanceToBase     int16      `json:"max_distance_to_base" db:"max_distance_to_base"`
	MinTradeAmount        int64      `json:"min_trade_amount" db:"min_trade_amount"`
	Phase                 int16      `json:"phase" db:"phase"`
	PhaseDeadline         *time.Time `json:"phase_deadline" db:"phase_deadline"`
	CollectionStartedAt   *time.Time `json:"collection_started_at" db:"collection_started_at"`
	CollectionDeadline    *time.Time `json:"collection_deadline" db:"collection_deadline"`
	WorkerTurnSubphase    int16      `json:"worker_turn_subphase" db:"worker_turn_subphase"`
}

type DebtorInfoDocument struct {
	DebtorInfoLocator    string     `json:"debtor_info_locator" db:"debtor_info_locator"`
	DebtorID             int64      `json:"debtor_id" db:"debtor_id"`
	PegDebtorInfoLocator *string    `json:"peg_debtor_info_locator" db:"peg_debtor_info_locator"`
	PegDebtorID          *int64     `json:"peg_debtor_id" db:"peg_debtor_id"`
	PegExchangeRate      *float64   `json:"peg_exchange_rate" db:"peg_exchange_rate"`
	WillNotChangeUntil   *time.Time `json:"will_not_change_until" db:"will_not_change_until"`
	FetchedAt            time.Time  `json:"fetched_at" db:"fetched_at"`
}

// HasPeg reports whether the document declares a complete peg.
func (d *DebtorInfoDocument) HasPeg() bool {
	return d.PegDebtorInfoLocator != nil && d.PegDebtorID != nil && d.PegExchangeRate != nil
}

type DebtorLocatorClaim struct {
	DebtorID               int64      `json:"debtor_id" db:"debtor_id"`
	DebtorInfoLocator      *string    `json:"debtor_info_locator" db:"debtor_info_locator"`
	LatestLocatorFetchAt   *time.Time `json:"latest_locator_fetch_at" db:"latest_locator_fetch_at"`
	LatestDiscoveryFetchAt time.Time  `json:"latest_discovery_fetch_at" db:"latest_discovery_fetch_at"`
	ForcedLocatorRefetchAt *time.Time `json:"forced_locator_refetch_at" db:"forced_locator_refetch_at"`
}

type DebtorInfoFetch struct {
	IRI                    string     `json:"iri" db:"iri"`
	DebtorID               int64      `json:"debtor_id" db:"debtor_id"`
	IsLocatorFetch         bool       `json:"is_locator_fetch" db:"is_locator_fetch"`
	IsDiscoveryFetch       bool       `json:"is_discovery_fetch" db:"is_discovery_fetch"`
	IgnoreCache            bool       `json:"ignore_cache" db:"ignore_cache"`
	RecursionLevel         int16      `json:"recursion_level" db:"recursion_level"`
	AttemptsCount          int16      `json:"attempts_count" db:"attempts_count"`
	LatestAttemptAt        *time.Time `json:"latest_attempt_at" db:"latest_attempt_at"`
	LatestAttemptErrorcode *string    `json:"latest_attempt_errorcode" db:"latest_attempt_errorcode"`
	NextAttemptAt          time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
}

// Account config flags.
const (
	ScheduledForDeletionFlag int32 = 1
)

// TradingPolicy is a creditor's account snapshot plus its trading policy.
type TradingPolicy struct {
	CreditorID           int64     `json:"creditor_id" db:"creditor_id"`
	DebtorID             int64     `json:"debtor_id" db:"debtor_id"`
	AccountID            string    `json:"account_id" db:"account_id"`
	CreationDate         time.Time `json:"creation_date" db:"creation_date"`
	Principal            int64     `json:"principal" db:"principal"`
	LastTransferNumber   int64     `json:"last_transfer_number" db:"last_transfer_number"`
	LatestLedgerUpdateID int64     `json:"latest_ledger_update_id" db:"latest_ledger_update_id"`
	LatestLedgerUpdateTS time.Time `json:"latest_ledger_update_ts" db:"latest_ledger_update_ts"`
	PolicyName           *string   `json:"policy_name" db:"policy_name"`
	MinPrincipal         int64     `json:"min_principal" db:"min_principal"`
	MaxPrincipal         int64     `json:"max_principal" db:"max_principal"`
	PegExchangeRate      *float64  `json:"peg_exchange_rate" db:"peg_exchange_rate"`
	PegDebtorID          *int64    `json:"peg_debtor_id" db:"peg_debtor_id"`
	LatestPolicyUpdateID int64     `json:"latest_policy_update_id" db:"latest_policy_update_id"`
	LatestPolicyUpdateTS time.Time `json:"latest_policy_update_ts" db:"latest_policy_update_ts"`
	ConfigFlags          int32     `json:"config_flags" db:"config_flags"`
	LatestFlagsUpdateID  int64     `json:"latest_flags_update_id" db:"latest_flags_update_id"`
	LatestFlagsUpdateTS  time.Time `json:"latest_flags_update_ts" db:"latest_flags_update_ts"`
}

// NeededWorkerAccount marks a collector account this shard must keep alive.
type NeededWorkerAccount struct {
	CreditorID   int64     `json:"creditor_id" db:"creditor_id"`
	DebtorID     int64     `json:"debtor_id" db:"debtor_id"`
	ConfiguredAt time.Time `json:"configured_at" db:"configured_at"`
}

// WorkerAccount mirrors the ledger's last observed state of a collector
// account.
type WorkerAccount struct {
	CreditorID               int64     `json:"creditor_id" db:"creditor_id"`
	DebtorID                 int64     `json:"debtor_id" db:"debtor_id"`
	CreationDate             time.Time `json:"creation_date" db:"creation_date"`
	LastChangeTS             time.Time `json:"last_change_ts" db:"last_change_ts"`
	LastChangeSeqnum         int32     `json:"last_change_seqnum" db:"last_change_seqnum"`
	Principal                int64     `json:"principal" db:"principal"`
	Interest                 float64   `json:"interest" db:"interest"`
	InterestRate             float64   `json:"interest_rate" db:"interest_rate"`
	LastInterestRateChangeTS time.Time `json:"last_interest_rate_change_ts" db:"last_interest_rate_change_ts"`
	ConfigFlags              int32     `json:"config_flags" db:"config_flags"`
	AccountID                string    `json:"account_id" db:"account_id"`
	DebtorInfoIRI            *string   `json:"debtor_info_iri" db:"debtor_info_iri"`
	LastTransferNumber       int64     `json:"last_transfer_number" db:"last_transfer_number"`
	LastTransferCommittedAt  time.Time `json:"last_transfer_committed_at" db:"last_transfer_committed_at"`
	DemurrageRate            float64   `json:"demurrage_rate" db:"demurrage_rate"`
	CommitPeriod             int32     `json:"commit_period" db:"commit_period"`
	TransferNoteMaxBytes     int32     `json:"transfer_note_max_bytes" db:"transfer_note_max_bytes"`
	LastHeartbeatTS          time.Time `json:"last_heartbeat_ts" db:"last_heartbeat_ts"`
}

// IsNewerThan orders account updates by (creation_date, last_change_ts,
// last_change_seqnum). Seqnums wrap around, so they are compared modulo 2³².
func (a *WorkerAccount) IsNewerThan(other *WorkerAccount) bool {
	if !a.CreationDate.Equal(other.CreationDate) {
		return a.CreationDate.After(other.CreationDate)
	}
	if !a.LastChangeTS.Equal(other.LastChangeTS) {
		return a.LastChangeTS.After(other.LastChangeTS)
	}
	return int32(uint32(a.LastChangeSeqnum)-uint32(other.LastChangeSeqnum)) > 0
}

type InterestRateChange struct {
	CreditorID   int64     `json:"creditor_id" db:"creditor_id"`
	DebtorID     int64     `json:"debtor_id" db:"debtor_id"`
	ChangeTS     time.Time `json:"change_ts" db:"change_ts"`
	InterestRate float64   `json:"interest_rate" db:"interest_rate"`
}

type ActiveCollector struct {
	DebtorID    int64  `json:"debtor_id" db:"debtor_id"`
	CollectorID int64  `json:"collector_id" db:"collector_id"`
	AccountID   string `json:"account_id" db:"account_id"`
}

// AccountLock reserves a creditor's funds for a turn.
type AccountLock struct {
	CreditorID                int64      `json:"creditor_id" db:"creditor_id"`
	DebtorID                  int64      `json:"debtor_id" db:"debtor_id"`
	TurnID                    int32      `json:"turn_id" db:"turn_id"`
	CollectorID               int64      `json:"collector_id" db:"collector_id"`
	CoordinatorRequestID      int64      `json:"coordinator_request_id" db:"coordinator_request_id"`
	Amount                    int64      `json:"amount" db:"amount"`
	InitiatedAt               time.Time  `json:"initiated_at" db:"initiated_at"`
	TransferID                *int64     `json:"transfer_id" db:"transfer_id"`
	FinalizedAt               *time.Time `json:"finalized_at" db:"finalized_at"`
	ReleasedAt                *time.Time `json:"released_at" db:"released_at"`
	AccountCreationDate       *time.Time `json:"account_creation_date" db:"account_creation_date"`
	AccountLastTransferNumber *int64     `json:"account_last_transfer_number" db:"account_last_transfer_number"`
	HasBeenRevised            bool       `json:"has_been_revised" db:"has_been_revised"`
}

type LockState int

const (
	LockInitiated LockState = iota + 1
	LockPrepared
	LockSettled
	LockReleased
)

func (s LockState) String() string {
	switch s {
	case LockInitiated:
		return "initiated"
	case LockPrepared:
		return "prepared"
	case LockSettled:
		return "settled"
	case LockReleased:
		return "released"
	}
	return "unknown"
}

func (l *AccountLock) State() LockState {
	switch {
	case l.ReleasedAt != nil:
		return LockReleased
	case l.FinalizedAt != nil:
		return LockSettled
	case l.TransferID != nil:
		return LockPrepared
	default:
		return LockInitiated
	}
}

// IsSelfLock reports whether the creditor is its own collector, in which
// case no transfer is prepared.
func (l *AccountLock) IsSelfLock() bool {
	return l.CollectorID == l.CreditorID
}

// IsObservedBy reports whether a ledger state at the given coordinates
// already includes the lock's settlement transfer. Released locks without
// coordinates never had a ledger transfer.
func (l *AccountLock) IsObservedBy(creationDate time.Time, lastTransferNumber int64) bool {
	if l.ReleasedAt == nil {
		return false
	}
	if l.AccountCreationDate == nil || l.AccountLastTransferNumber == nil {
		return true
	}
	if creationDate.After(*l.AccountCreationDate) {
		return true
	}
	return creationDate.Equal(*l.AccountCreationDate) && lastTransferNumber >= *l.AccountLastTransferNumber
}

// CreditorParticipation is the solver's decision for one locked account.
// Negative amounts are sold, positive amounts are bought.
type CreditorParticipation struct {
	CreditorID  int64 `json:"creditor_id" db:"creditor_id"`
	DebtorID    int64 `json:"debtor_id" db:"debtor_id"`
	TurnID      int32 `json:"turn_id" db:"turn_id"`
	Amount      int64 `json:"amount" db:"amount"`
	CollectorID int64 `json:"collector_id" db:"collector_id"`
}

type WorkerCollecting struct {
	CollectorID int64     `json:"collector_id" db:"collector_id"`
	TurnID      int32     `json:"turn_id" db:"turn_id"`
	DebtorID    int64     `json:"debtor_id" db:"debtor_id"`
	CreditorID  int64     `json:"creditor_id" db:"creditor_id"`
	Amount      int64     `json:"amount" db:"amount"`
	Collected   bool      `json:"collected" db:"collected"`
	PurgeAfter  time.Time `json:"purge_after" db:"purge_after"`
}

type WorkerSending struct {
	FromCollectorID int64     `json:"from_collector_id" db:"from_collector_id"`
	TurnID          int32     `json:"turn_id" db:"turn_id"`
	DebtorID        int64     `json:"debtor_id" db:"debtor_id"`
	ToCollectorID   int64     `json:"to_collector_id" db:"to_collector_id"`
	Amount          int64     `json:"amount" db:"amount"`
	PurgeAfter      time.Time `json:"purge_after" db:"purge_after"`
}

// WorkerReceiving is an expected inter-collector transfer. A zero
// ReceivedAmount means the transfer has not arrived yet.
type WorkerReceiving struct {
	ToCollectorID   int64     `json:"to_collector_id" db:"to_collector_id"`
	TurnID          int32     `json:"turn_id" db:"turn_id"`
	DebtorID        int64     `json:"debtor_id" db:"debtor_id"`
	FromCollectorID int64     `json:"from_collector_id" db:"from_collector_id"`
	ExpectedAmount  int64     `json:"expected_amount" db:"expected_amount"`
	ReceivedAmount  int64     `json:"received_amount" db:"received_amount"`
	PurgeAfter      time.Time `json:"purge_after" db:"purge_after"`
}

type WorkerDispatching struct {
	CollectorID int64     `json:"collector_id" db:"collector_id"`
	TurnID      int32     `json:"turn_id" db:"turn_id"`
	DebtorID    int64     `json:"debtor_id" db:"debtor_id"`
	CreditorID  int64     `json:"creditor_id" db:"creditor_id"`
	Amount      int64     `json:"amount" db:"amount"`
	PurgeAfter  time.Time `json:"purge_after" db:"purge_after"`
}

// TransferAttemptKey identifies a transfer a collector must make. For
// dispatching attempts CreditorID is the buyer, otherwise it is the
// receiving collector.
type TransferAttemptKey struct {
	CollectorID   int64 `json:"collector_id" db:"collector_id"`
	TurnID        int32 `json:"turn_id" db:"turn_id"`
	DebtorID      int64 `json:"debtor_id" db:"debtor_id"`
	CreditorID    int64 `json:"creditor_id" db:"creditor_id"`
	IsDispatching bool  `json:"is_dispatching" db:"is_dispatching"`
}

type TransferAttempt struct {
	TransferAttemptKey
	CollectionStartedAt  time.Time  `json:"collection_started_at" db:"collection_started_at"`
	NominalAmount        int64      `json:"nominal_amount" db:"nominal_amount"`
	Recipient            string     `json:"recipient" db:"recipient"`
	RecipientVersion     int64      `json:"recipient_version" db:"recipient_version"`
	RescheduledFor       *time.Time `json:"rescheduled_for" db:"rescheduled_for"`
	AttemptedAt          *time.Time `json:"attempted_at" db:"attempted_at"`
	CoordinatorRequestID *int64     `json:"coordinator_request_id" db:"coordinator_request_id"`
	Amount               *int64     `json:"amount" db:"amount"`
	TransferID           *int64     `json:"transfer_id" db:"transfer_id"`
	FinalizedAt          *time.Time `json:"finalized_at" db:"finalized_at"`
	FailureCode          *string    `json:"failure_code" db:"failure_code"`
	BackoffCounter       int16      `json:"backoff_counter" db:"backoff_counter"`
	FatalError           *string    `json:"fatal_error" db:"fatal_error"`
}

// IsDone reports whether no further attempts will be made.
func (a *TransferAttempt) IsDone() bool {
	return a.FinalizedAt != nil || a.FatalError != nil
}

// IsInFlight reports whether a prepare request is outstanding.
func (a *TransferAttempt) IsInFlight() bool {
	return a.CoordinatorRequestID != nil && a.FinalizedAt == nil && a.FatalError == nil
}

// DispatchingStatus sequences collect, send, receive and dispatch for one
// (collector, turn, debtor).
type DispatchingStatus struct {
	CollectorID          int64  `json:"collector_id" db:"collector_id"`
	TurnID               int32  `json:"turn_id" db:"turn_id"`
	DebtorID             int64  `json:"debtor_id" db:"debtor_id"`
	AmountToCollect      int64  `json:"amount_to_collect" db:"amount_to_collect"`
	TotalCollectedAmount *int64 `json:"total_collected_amount" db:"total_collected_amount"`
	AmountToSend         int64  `json:"amount_to_send" db:"amount_to_send"`
	StartedSending       bool   `json:"started_sending" db:"started_sending"`
	AllSent              bool   `json:"all_sent" db:"all_sent"`
	AmountToReceive      int64  `json:"amount_to_receive" db:"amount_to_receive"`
	NumberToReceive      int32  `json:"number_to_receive" db:"number_to_receive"`
	TotalReceivedAmount  *int64 `json:"total_received_amount" db:"total_received_amount"`
	AmountToDispatch     int64  `json:"amount_to_dispatch" db:"amount_to_dispatch"`
	StartedDispatching   bool   `json:"started_dispatching" db:"started_dispatching"`
}
