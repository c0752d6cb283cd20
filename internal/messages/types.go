// Package messages defines the typed envelopes exchanged over the bus,
// their JSON codec, their validation schemas and their routing.
package messages

import "time"

// Message types.
const (
	TypeAccountUpdate     = "AccountUpdate"
	TypeAccountPurge      = "AccountPurge"
	TypeAccountTransfer   = "AccountTransfer"
	TypeRejectedConfig    = "RejectedConfig"
	TypeRejectedTransfer  = "RejectedTransfer"
	TypePreparedTransfer  = "PreparedTransfer"
	TypeFinalizedTransfer = "FinalizedTransfer"

	TypeFetchDebtorInfo = "FetchDebtorInfo"
	TypeStoreDocument   = "StoreDocument"
	TypeDiscoverDebtor  = "DiscoverDebtor"
	TypeConfirmDebtor   = "ConfirmDebtor"

	TypeActivateCollector = "ActivateCollector"
	TypeCandidateOffer    = "CandidateOffer"
	TypeNeededCollector   = "NeededCollector"
	TypeReviseAccountLock = "ReviseAccountLock"
	TypeTriggerTransfer   = "TriggerTransfer"
	TypeAccountIDRequest  = "AccountIdRequest"
	TypeAccountIDResponse = "AccountIdResponse"

	TypeUpdatedLedger = "UpdatedLedger"
	TypeUpdatedPolicy = "UpdatedPolicy"
	TypeUpdatedFlags  = "UpdatedFlags"

	TypeConfigureAccount = "ConfigureAccount"
	TypePrepareTransfer  = "PrepareTransfer"
	TypeFinalizeTransfer = "FinalizeTransfer"
)

// CoordinatorTypeAgent marks transfers coordinated by the trade engine.
const CoordinatorTypeAgent = "agent"

// Message is implemented by every envelope.
type Message interface {
	MessageType() string
}

// Base carries the fields every message has.
type Base struct {
	Type string    `json:"type" validate:"required,type_name"`
	TS   time.Time `json:"ts" validate:"required"`
}

func (b Base) MessageType() string { return b.Type }

// ----------------------------------------------------------------------------
// SMP messages received from the ledgers

type AccountUpdate struct {
	Base
	CreditorID               int64     `json:"creditor_id"`
	DebtorID                 int64     `json:"debtor_id"`
	CreationDate             time.Time `json:"creation_date" validate:"required"`
	LastChangeTS             time.Time `json:"last_change_ts" validate:"required"`
	LastChangeSeqnum         int32     `json:"last_change_seqnum"`
	Principal                int64     `json:"principal"`
	Interest                 float64   `json:"interest"`
	InterestRate             float64   `json:"interest_rate" validate:"gte=-100"`
	LastInterestRateChangeTS time.Time `json:"last_interest_rate_change_ts"`
	ConfigFlags              int32     `json:"config_flags"`
	NegligibleAmount         float64   `json:"negligible_amount" validate:"gte=0"`
	AccountID                string    `json:"account_id" validate:"max=100"`
	DebtorInfoIRI            string    `json:"debtor_info_iri" validate:"omitempty,iri"`
	LastTransferNumber       int64     `json:"last_transfer_number" validate:"gte=0"`
	LastTransferCommittedAt  time.Time `json:"last_transfer_committed_at"`
	DemurrageRate            float64   `json:"demurrage_rate" validate:"gte=-100,lte=0"`
	CommitPeriod             int32     `json:"commit_period" validate:"gte=0"`
	TransferNoteMaxBytes     int32     `json:"transfer_note_max_bytes" validate:"gte=0,lte=500"`
}

type AccountPurge struct {
	Base
	CreditorID   int64     `json:"creditor_id"`
	DebtorID     int64     `json:"debtor_id"`
	CreationDate time.Time `json:"creation_date" validate:"required"`
}

type AccountTransfer struct {
	Base
	CreditorID             int64     `json:"creditor_id"`
	DebtorID               int64     `json:"debtor_id"`
	CreationDate           time.Time `json:"creation_date" validate:"required"`
	TransferNumber         int64     `json:"transfer_number" validate:"gt=0"`
	CoordinatorType        string    `json:"coordinator_type" validate:"required,max=30"`
	Sender                 string    `json:"sender" validate:"max=100"`
	Recipient              string    `json:"recipient" validate:"max=100"`
	AcquiredAmount         int64     `json:"acquired_amount"`
	TransferNoteFormat     string    `json:"transfer_note_format" validate:"note_format"`
	TransferNote           string    `json:"transfer_note" validate:"max=500"`
	CommittedAt            time.Time `json:"committed_at" validate:"required"`
	Principal              int64     `json:"principal"`
	PreviousTransferNumber int64     `json:"previous_transfer_number" validate:"gte=0"`
}

type RejectedConfig struct {
	Base
	CreditorID       int64     `json:"creditor_id"`
	DebtorID         int64     `json:"debtor_id"`
	ConfigTS         time.Time `json:"config_ts"`
	ConfigSeqnum     int32     `json:"config_seqnum"`
	ConfigFlags      int32     `json:"config_flags"`
	NegligibleAmount float64   `json:"negligible_amount"`
	ConfigData       string    `json:"config_data"`
	RejectionCode    string    `json:"rejection_code" validate:"status_code"`
}

type RejectedTransfer struct {
	Base
	CreditorID           int64  `json:"creditor_id"`
	DebtorID             int64  `json:"debtor_id"`
	CoordinatorType      string `json:"coordinator_type" validate:"required,max=30"`
	CoordinatorID        int64  `json:"coordinator_id"`
	CoordinatorRequestID int64  `json:"coordinator_request_id"`
	StatusCode           string `json:"status_code" validate:"required,status_code"`
	TotalLockedAmount    int64  `json:"total_locked_amount" validate:"gte=0"`
}

type PreparedTransfer struct {
	Base
	CreditorID           int64     `json:"creditor_id"`
	DebtorID             int64     `json:"debtor_id"`
	TransferID           int64     `json:"transfer_id"`
	CoordinatorType      string    `json:"coordinator_type" validate:"required,max=30"`
	CoordinatorID        int64     `json:"coordinator_id"`
	CoordinatorRequestID int64     `json:"coordinator_request_id"`
	LockedAmount         int64     `json:"locked_amount" validate:"gte=0"`
	Recipient            string    `json:"recipient" validate:"max=100"`
	PreparedAt           time.Time `json:"prepared_at" validate:"required"`
	DemurrageRate        float64   `json:"demurrage_rate" validate:"gte=-100,lte=0"`
	Deadline             time.Time `json:"deadline" validate:"required"`
	FinalInterestRateTS  time.Time `json:"final_interest_rate_ts"`
}

type FinalizedTransfer struct {
	Base
	CreditorID           int64     `json:"creditor_id"`
	DebtorID             int64     `json:"debtor_id"`
	TransferID           int64     `json:"transfer_id"`
	CoordinatorType      string    `json:"coordinator_type" validate:"required,max=30"`
	CoordinatorID        int64     `json:"coordinator_id"`
	CoordinatorRequestID int64     `json:"coordinator_request_id"`
	CommittedAmount      int64     `json:"committed_amount" validate:"gte=0"`
	StatusCode           string    `json:"status_code" validate:"required,status_code"`
	TotalLockedAmount    int64     `json:"total_locked_amount" validate:"gte=0"`
	PreparedAt           time.Time `json:"prepared_at"`
}

// ----------------------------------------------------------------------------
// SMP messages sent to the ledgers

type ConfigureAccount struct {
	Base
	CreditorID       int64   `json:"creditor_id"`
	DebtorID         int64   `json:"debtor_id"`
	Seqnum           int32   `json:"seqnum"`
	NegligibleAmount float64 `json:"negligible_amount" validate:"gte=0"`
	ConfigData       string  `json:"config_data"`
	ConfigFlags      int32   `json:"config_flags"`
}

type PrepareTransfer struct {
	Base
	CreditorID           int64   `json:"creditor_id"`
	DebtorID             int64   `json:"debtor_id"`
	CoordinatorType      string  `json:"coordinator_type" validate:"required"`
	CoordinatorID        int64   `json:"coordinator_id"`
	CoordinatorRequestID int64   `json:"coordinator_request_id"`
	MinLockedAmount      int64   `json:"min_locked_amount" validate:"gte=0"`
	MaxLockedAmount      int64   `json:"max_locked_amount" validate:"gte=0"`
	Recipient            string  `json:"recipient" validate:"max=100"`
	MinInterestRate      float64 `json:"min_interest_rate" validate:"gte=-100"`
	MaxCommitDelay       int32   `json:"max_commit_delay" validate:"gte=0"`
}

type FinalizeTransfer struct {
	Base
	CreditorID           int64  `json:"creditor_id"`
	DebtorID             int64  `json:"debtor_id"`
	TransferID           int64  `json:"transfer_id"`
	CoordinatorType      string `json:"coordinator_type" validate:"required"`
	CoordinatorID        int64  `json:"coordinator_id"`
	CoordinatorRequestID int64  `json:"coordinator_request_id"`
	CommittedAmount      int64  `json:"committed_amount" validate:"gte=0"`
	TransferNoteFormat   string `json:"transfer_note_format" validate:"note_format"`
	TransferNote         string `json:"transfer_note" validate:"max=500"`
}

// ----------------------------------------------------------------------------
// internal messages

type FetchDebtorInfo struct {
	Base
	IRI              string `json:"iri" validate:"required,iri"`
	DebtorID         int64  `json:"debtor_id"`
	IsLocatorFetch   bool   `json:"is_locator_fetch"`
	IsDiscoveryFetch bool   `json:"is_discovery_fetch"`
	IgnoreCache      bool   `json:"ignore_cache"`
	RecursionLevel   int16  `json:"recursion_level" validate:"gte=0"`
}

type StoreDocument struct {
	Base
	DebtorInfoLocator    string     `json:"debtor_info_locator" validate:"required,iri"`
	DebtorID             int64      `json:"debtor_id"`
	PegDebtorInfoLocator *string    `json:"peg_debtor_info_locator,omitempty" validate:"omitempty,iri"`
	PegDebtorID          *int64     `json:"peg_debtor_id,omitempty"`
	PegExchangeRate      *float64   `json:"peg_exchange_rate,omitempty" validate:"omitempty,gte=0"`
	WillNotChangeUntil   *time.Time `json:"will_not_change_until,omitempty"`
}

type DiscoverDebtor struct {
	Base
	DebtorID            int64  `json:"debtor_id"`
	IRI                 string `json:"iri" validate:"required,iri"`
	ForceLocatorRefetch bool   `json:"force_locator_refetch"`
}

type ConfirmDebtor struct {
	Base
	DebtorID          int64  `json:"debtor_id"`
	DebtorInfoLocator string `json:"debtor_info_locator" validate:"required,iri"`
}

type ActivateCollector struct {
	Base
	DebtorID   int64  `json:"debtor_id"`
	CreditorID int64  `json:"creditor_id"`
	AccountID  string `json:"account_id" validate:"required,max=100"`
}

type CandidateOffer struct {
	Base
	TurnID              int32     `json:"turn_id" validate:"gt=0"`
	DebtorID            int64     `json:"debtor_id"`
	CreditorID          int64     `json:"creditor_id"`
	Amount              int64     `json:"amount" validate:"ne=0"`
	AccountCreationDate time.Time `json:"account_creation_date" validate:"required"`
	LastTransferNumber  int64     `json:"last_transfer_number" validate:"gte=0"`
}

type NeededCollector struct {
	Base
	DebtorID int64 `json:"debtor_id"`
}

type ReviseAccountLock struct {
	Base
	CreditorID int64 `json:"creditor_id"`
	DebtorID   int64 `json:"debtor_id"`
	TurnID     int32 `json:"turn_id" validate:"gt=0"`
}

// AttemptRef addresses a transfer attempt.
type AttemptRef struct {
	CollectorID   int64 `json:"collector_id"`
	TurnID        int32 `json:"turn_id" validate:"gt=0"`
	DebtorID      int64 `json:"debtor_id"`
	CreditorID    int64 `json:"creditor_id"`
	IsDispatching bool  `json:"is_dispatching"`
}

type TriggerTransfer struct {
	Base
	AttemptRef
}

type AccountIDRequest struct {
	Base
	AttemptRef
}

type AccountIDResponse struct {
	Base
	AttemptRef
	AccountID        string `json:"account_id" validate:"max=100"`
	AccountIDVersion int64  `json:"account_id_version" validate:"gte=0"`
}

type UpdatedLedger struct {
	Base
	CreditorID         int64     `json:"creditor_id"`
	DebtorID           int64     `json:"debtor_id"`
	UpdateID           int64     `json:"update_id" validate:"gt=0"`
	AccountID          string    `json:"account_id" validate:"max=100"`
	CreationDate       time.Time `json:"creation_date" validate:"required"`
	Principal          int64     `json:"principal"`
	LastTransferNumber int64     `json:"last_transfer_number" validate:"gte=0"`
}

type UpdatedPolicy struct {
	Base
	CreditorID      int64    `json:"creditor_id"`
	DebtorID        int64    `json:"debtor_id"`
	UpdateID        int64    `json:"update_id" validate:"gt=0"`
	PolicyName      *string  `json:"policy_name,omitempty" validate:"omitempty,max=40"`
	MinPrincipal    int64    `json:"min_principal"`
	MaxPrincipal    int64    `json:"max_principal" validate:"gtefield=MinPrincipal"`
	PegExchangeRate *float64 `json:"peg_exchange_rate,omitempty" validate:"omitempty,gte=0"`
	PegDebtorID     *int64   `json:"peg_debtor_id,omitempty"`
}

type UpdatedFlags struct {
	Base
	CreditorID  int64 `json:"creditor_id"`
	DebtorID    int64 `json:"debtor_id"`
	UpdateID    int64 `json:"update_id" validate:"gt=0"`
	ConfigFlags int32 `json:"config_flags"`
}
