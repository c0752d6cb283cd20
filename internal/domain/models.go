// Package domain defines the rows of the solver and worker stores.
package domain

import "time"

// Turn phases.
const (
	PhaseDiscovery  int16 = 1
	PhaseOffers     int16 = 2
	PhaseSettlement int16 = 3
	PhaseDone       int16 = 4
)

// Turn is a globally scheduled trading round. Owned by the solver.
type Turn struct {
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
}

// CheckInvariants reports whether the optional fields agree with the phase.
func (t *Turn) CheckInvariants() bool {
	if t.Phase < PhaseDiscovery || t.Phase > PhaseDone {
		return false
	}
	if t.Phase < PhaseOffers && t.PhaseDeadline == nil {
		return false
	}
	if t.Phase >= PhaseOffers && t.CollectionDeadline == nil {
		return false
	}
	if t.Phase >= PhaseSettlement && t.CollectionStartedAt == nil {
		return false
	}
	return true
}

// DebtorInfo is a debtor info document a worker shard knows about,
// collected during phase 1.
type DebtorInfo struct {
	TurnID               int32    `json:"turn_id" db:"turn_id"`
	DebtorInfoLocator    string   `json:"debtor_info_locator" db:"debtor_info_locator"`
	DebtorID             int64    `json:"debtor_id" db:"debtor_id"`
	PegDebtorInfoLocator *string  `json:"peg_debtor_info_locator" db:"peg_debtor_info_locator"`
	PegDebtorID          *int64   `json:"peg_debtor_id" db:"peg_debtor_id"`
	PegExchangeRate      *float64 `json:"peg_exchange_rate" db:"peg_exchange_rate"`
}

// ConfirmedDebtor records that a worker shard holds a locator claim that
// confirms the debtor's canonical locator.
type ConfirmedDebtor struct {
	TurnID            int32  `json:"turn_id" db:"turn_id"`
	DebtorID          int64  `json:"debtor_id" db:"debtor_id"`
	DebtorInfoLocator string `json:"debtor_info_locator" db:"debtor_info_locator"`
}

// CurrencyInfo is a currency known to the turn. Only confirmed currencies
// are tradeable; unconfirmed ones serve as links in peg chains.
type CurrencyInfo struct {
	TurnID               int32    `json:"turn_id" db:"turn_id"`
	DebtorInfoLocator    string   `json:"debtor_info_locator" db:"debtor_info_locator"`
	DebtorID             int64    `json:"debtor_id" db:"debtor_id"`
	PegDebtorInfoLocator *string  `json:"peg_debtor_info_locator" db:"peg_debtor_info_locator"`
	PegDebtorID          *int64   `json:"peg_debtor_id" db:"peg_debtor_id"`
	PegExchangeRate      *float64 `json:"peg_exchange_rate" db:"peg_exchange_rate"`
	IsConfirmed          bool     `json:"is_confirmed" db:"is_confirmed"`
}

type SellOffer struct {
	TurnID      int32 `json:"turn_id" db:"turn_id"`
	CreditorID  int64 `json:"creditor_id" db:"creditor_id"`
	DebtorID    int64 `json:"debtor_id" db:"debtor_id"`
	Amount      int64 `json:"amount" db:"amount"`
	CollectorID int64 `json:"collector_id" db:"collector_id"`
}

type BuyOffer struct {
	TurnID     int32 `json:"turn_id" db:"turn_id"`
	CreditorID int64 `json:"creditor_id" db:"creditor_id"`
	DebtorID   int64 `json:"debtor_id" db:"debtor_id"`
	Amount     int64 `json:"amount" db:"amount"`
}

// CreditorTaking is an amount the solver takes from a seller.
type CreditorTaking struct {
	TurnID       int32 `json:"turn_id" db:"turn_id"`
	CreditorID   int64 `json:"creditor_id" db:"creditor_id"`
	DebtorID     int64 `json:"debtor_id" db:"debtor_id"`
	CreditorHash int16 `json:"creditor_hash" db:"creditor_hash"`
	Amount       int64 `json:"amount" db:"amount"`
	CollectorID  int64 `json:"collector_id" db:"collector_id"`
}

// CreditorGiving is an amount the solver gives to a buyer.
type CreditorGiving struct {
	TurnID       int32 `json:"turn_id" db:"turn_id"`
	CreditorID   int64 `json:"creditor_id" db:"creditor_id"`
	DebtorID     int64 `json:"debtor_id" db:"debtor_id"`
	CreditorHash int16 `json:"creditor_hash" db:"creditor_hash"`
	Amount       int64 `json:"amount" db:"amount"`
	CollectorID  int64 `json:"collector_id" db:"collector_id"`
}

type CollectorCollecting struct {
	TurnID        int32 `json:"turn_id" db:"turn_id"`
	DebtorID      int64 `json:"debtor_id" db:"debtor_id"`
	CreditorID    int64 `json:"creditor_id" db:"creditor_id"`
	Amount        int64 `json:"amount" db:"amount"`
	CollectorID   int64 `json:"collector_id" db:"collector_id"`
	CollectorHash int16 `json:"collector_hash" db:"collector_hash"`
}

type CollectorSending struct {
	TurnID            int32 `json:"turn_id" db:"turn_id"`
	DebtorID          int64 `json:"debtor_id" db:"debtor_id"`
	FromCollectorID   int64 `json:"from_collector_id" db:"from_collector_id"`
	ToCollectorID     int64 `json:"to_collector_id" db:"to_collector_id"`
	FromCollectorHash int16 `json:"from_collector_hash" db:"from_collector_hash"`
	Amount            int64 `json:"amount" db:"amount"`
}

type CollectorReceiving struct {
	TurnID          int32 `json:"turn_id" db:"turn_id"`
	DebtorID        int64 `json:"debtor_id" db:"debtor_id"`
	ToCollectorID   int64 `json:"to_collector_id" db:"to_collector_id"`
	FromCollectorID int64 `json:"from_collector_id" db:"from_collector_id"`
	ToCollectorHash int16 `json:"to_collector_hash" db:"to_collector_hash"`
	Amount          int64 `json:"amount" db:"amount"`
}

type CollectorDispatching struct {
	TurnID        int32 `json:"turn_id" db:"turn_id"`
	DebtorID      int64 `json:"debtor_id" db:"debtor_id"`
	CreditorID    int64 `json:"creditor_id" db:"creditor_id"`
	Amount        int64 `json:"amount" db:"amount"`
	CollectorID   int64 `json:"collector_id" db:"collector_id"`
	CollectorHash int16 `json:"collector_hash" db:"collector_hash"`
}

// Settlement is everything the solver writes when a turn enters phase 3.
type Settlement struct {
	Takings      []CreditorTaking
	Givings      []CreditorGiving
	Collectings  []CollectorCollecting
	Sendings     []CollectorSending
	Receivings   []CollectorReceiving
	Dispatchings []CollectorDispatching
}

// Collector account statuses.
const (
	CollectorPristine  int16 = 0
	CollectorRequested int16 = 1
	CollectorActive    int16 = 2
	CollectorRetired   int16 = 3
)

// CollectorAccount is a planned or live account owned by the trade engine.
type CollectorAccount struct {
	DebtorID             int64     `json:"debtor_id" db:"debtor_id"`
	CollectorID          int64     `json:"collector_id" db:"collector_id"`
	CollectorHash        int16     `json:"collector_hash" db:"collector_hash"`
	AccountID            string    `json:"account_id" db:"account_id"`
	Status               int16     `json:"status" db:"status"`
	LatestStatusChangeAt time.Time `json:"latest_status_change_at" db:"latest_status_change_at"`
}
