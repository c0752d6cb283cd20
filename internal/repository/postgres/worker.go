package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"swpttrade/internal/domain"
	"swpttrade/internal/store"
	pkgerrors "swpttrade/pkg/errors"
)

type workerTx struct {
	tx *sqlx.Tx
}

// ----------------------------------------------------------------------------
// worker turns

func (t *workerTx) ListWorkerTurns(ctx context.Context) ([]domain.WorkerTurn, error) {
	var rows []domain.WorkerTurn
	err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM worker_turn ORDER BY turn_id`)
	return rows, err
}

func (t *workerTx) GetWorkerTurn(ctx context.Context, turnID int32) (*domain.WorkerTurn, error) {
	var turn domain.WorkerTurn
	if err := get(ctx, t.tx, &turn, pkgerrors.ErrWorkerTurnNotFound,
		`SELECT * FROM worker_turn WHERE turn_id = $1`, turnID); err != nil {
		return nil, err
	}
	return &turn, nil
}

func (t *workerTx) LockWorkerTurn(ctx context.Context, turnID int32) (*domain.WorkerTurn, error) {
	var turn domain.WorkerTurn
	if err := get(ctx, t.tx, &turn, pkgerrors.ErrWorkerTurnNotFound,
		`SELECT * FROM worker_turn WHERE turn_id = $1 FOR UPDATE SKIP LOCKED`, turnID); err != nil {
		return nil, err
	}
	return &turn, nil
}

func (t *workerTx) InsertWorkerTurn(ctx context.Context, turn *domain.WorkerTurn) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO worker_turn (turn_id, started_at, base_debtor_info_locator, base_debtor_id,
			max_distance_to_base, min_trade_amount, phase, phase_deadline,
			collection_started_at, collection_deadline, worker_turn_subphase)
		VALUES (:turn_id, :started_at, :base_debtor_info_locator, :base_debtor_id,
			:max_distance_to_base, :min_trade_amount, :phase, :phase_deadline,
			:collection_started_at, :collection_deadline, :worker_turn_subphase)`, turn)
	return err
}

func (t *workerTx) UpdateWorkerTurn(ctx context.Context, turn *domain.WorkerTurn) error {
	return namedExecOne(ctx, t.tx, pkgerrors.ErrWorkerTurnNotFound, `
		UPDATE worker_turn SET
			started_at = :started_at,
			base_debtor_info_locator = :base_debtor_info_locator,
			base_debtor_id = :base_debtor_id,
			max_distance_to_base = :max_distance_to_base,
			min_trade_amount = :min_trade_amount,
			phase = :phase,
			phase_deadline = :phase_deadline,
			collection_started_at = :collection_started_at,
			collection_deadline = :collection_deadline,
			worker_turn_subphase = :worker_turn_subphase
		WHERE turn_id = :turn_id`, turn)
}

func (t *workerTx) ScanWorkerTurns(ctx context.Context, afterTurnID int32, limit int) ([]domain.WorkerTurn, error) {
	var rows []domain.WorkerTurn
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT * FROM worker_turn WHERE turn_id > $1 ORDER BY turn_id LIMIT $2`,
		afterTurnID, clampLimit(limit))
	return rows, err
}

var perTurnWorkerTables = []string{
	"creditor_participation", "worker_collecting", "worker_sending", "worker_receiving",
	"worker_dispatching", "dispatching_status", "transfer_attempt", "worker_turn",
}

func (t *workerTx) DeleteWorkerTurn(ctx context.Context, turnID int32) error {
	for _, table := range perTurnWorkerTables {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE turn_id = $1`, turnID); err != nil {
			return err
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// debtor info

func (t *workerTx) GetDocument(ctx context.Context, locator string) (*domain.DebtorInfoDocument, error) {
	var doc domain.DebtorInfoDocument
	if err := get(ctx, t.tx, &doc, pkgerrors.ErrDocumentNotFound,
		`SELECT * FROM debtor_info_document WHERE debtor_info_locator = $1`, locator); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (t *workerTx) UpsertDocument(ctx context.Context, doc *domain.DebtorInfoDocument) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO debtor_info_document (debtor_info_locator, debtor_id, peg_debtor_info_locator,
			peg_debtor_id, peg_exchange_rate, will_not_change_until, fetched_at)
		VALUES (:debtor_info_locator, :debtor_id, :peg_debtor_info_locator,
			:peg_debtor_id, :peg_exchange_rate, :will_not_change_until, :fetched_at)
		ON CONFLICT (debtor_info_locator) DO UPDATE SET
			debtor_id = EXCLUDED.debtor_id,
			peg_debtor_info_locator = EXCLUDED.peg_debtor_info_locator,
			peg_debtor_id = EXCLUDED.peg_debtor_id,
			peg_exchange_rate = EXCLUDED.peg_exchange_rate,
			will_not_change_until = EXCLUDED.will_not_change_until,
			fetched_at = EXCLUDED.fetched_at`, doc)
	return err
}

func (t *workerTx) ListDocuments(ctx context.Context) ([]domain.DebtorInfoDocument, error) {
	var rows []domain.DebtorInfoDocument
	err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM debtor_info_document ORDER BY debtor_info_locator`)
	return rows, err
}

func (t *workerTx) ScanDocuments(ctx context.Context, afterLocator string, limit int) ([]domain.DebtorInfoDocument, error) {
	var rows []domain.DebtorInfoDocument
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM debtor_info_document WHERE debtor_info_locator > $1
		ORDER BY debtor_info_locator LIMIT $2`, afterLocator, clampLimit(limit))
	return rows, err
}

func (t *workerTx) DeleteDocument(ctx context.Context, locator string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM debtor_info_document WHERE debtor_info_locator = $1`, locator)
	return err
}

func (t *workerTx) GetClaim(ctx context.Context, debtorID int64) (*domain.DebtorLocatorClaim, error) {
	var c domain.DebtorLocatorClaim
	if err := get(ctx, t.tx, &c, pkgerrors.ErrClaimNotFound,
		`SELECT * FROM debtor_locator_claim WHERE debtor_id = $1`, debtorID); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *workerTx) UpsertClaim(ctx context.Context, claim *domain.DebtorLocatorClaim) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO debtor_locator_claim (debtor_id, debtor_info_locator, latest_locator_fetch_at,
			latest_discovery_fetch_at, forced_locator_refetch_at)
		VALUES (:debtor_id, :debtor_info_locator, :latest_locator_fetch_at,
			:latest_discovery_fetch_at, :forced_locator_refetch_at)
		ON CONFLICT (debtor_id) DO UPDATE SET
			debtor_info_locator = EXCLUDED.debtor_info_locator,
			latest_locator_fetch_at = EXCLUDED.latest_locator_fetch_at,
			latest_discovery_fetch_at = EXCLUDED.latest_discovery_fetch_at,
			forced_locator_refetch_at = EXCLUDED.forced_locator_refetch_at`, claim)
	return err
}

func (t *workerTx) ListConfirmedClaims(ctx context.Context) ([]domain.DebtorLocatorClaim, error) {
	var rows []domain.DebtorLocatorClaim
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM debtor_locator_claim WHERE debtor_info_locator IS NOT NULL ORDER BY debtor_id`)
	return rows, err
}

func (t *workerTx) ScanClaims(ctx context.Context, afterDebtorID int64, limit int) ([]domain.DebtorLocatorClaim, error) {
	var rows []domain.DebtorLocatorClaim
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM debtor_locator_claim WHERE debtor_id > $1 ORDER BY debtor_id LIMIT $2`,
		afterDebtorID, clampLimit(limit))
	return rows, err
}

func (t *workerTx) DeleteClaim(ctx context.Context, debtorID int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM debtor_locator_claim WHERE debtor_id = $1`, debtorID)
	return err
}

func (t *workerTx) UpsertFetch(ctx context.Context, fetch *domain.DebtorInfoFetch) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO debtor_info_fetch (iri, debtor_id, is_locator_fetch, is_discovery_fetch,
			ignore_cache, recursion_level, attempts_count, latest_attempt_at,
			latest_attempt_errorcode, next_attempt_at)
		VALUES (:iri, :debtor_id, :is_locator_fetch, :is_discovery_fetch,
			:ignore_cache, :recursion_level, :attempts_count, :latest_attempt_at,
			:latest_attempt_errorcode, :next_attempt_at)
		ON CONFLICT (iri, debtor_id) DO UPDATE SET
			is_locator_fetch = debtor_info_fetch.is_locator_fetch OR EXCLUDED.is_locator_fetch,
			is_discovery_fetch = debtor_info_fetch.is_discovery_fetch OR EXCLUDED.is_discovery_fetch,
			ignore_cache = debtor_info_fetch.ignore_cache OR EXCLUDED.ignore_cache,
			recursion_level = LEAST(debtor_info_fetch.recursion_level, EXCLUDED.recursion_level)`, fetch)
	return err
}

func (t *workerTx) GetFetch(ctx context.Context, iri string, debtorID int64) (*domain.DebtorInfoFetch, error) {
	var f domain.DebtorInfoFetch
	if err := get(ctx, t.tx, &f, pkgerrors.ErrDocumentNotFound,
		`SELECT * FROM debtor_info_fetch WHERE iri = $1 AND debtor_id = $2`, iri, debtorID); err != nil {
		return nil, err
	}
	return &f, nil
}

func (t *workerTx) BurstDueFetches(ctx context.Context, now time.Time, limit int) ([]domain.DebtorInfoFetch, error) {
	var rows []domain.DebtorInfoFetch
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM debtor_info_fetch WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at, iri, debtor_id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, clampLimit(limit))
	return rows, err
}

func (t *workerTx) UpdateFetch(ctx context.Context, fetch *domain.DebtorInfoFetch) error {
	return namedExecOne(ctx, t.tx, pkgerrors.ErrDocumentNotFound, `
		UPDATE debtor_info_fetch SET
			is_locator_fetch = :is_locator_fetch,
			is_discovery_fetch = :is_discovery_fetch,
			ignore_cache = :ignore_cache,
			recursion_level = :recursion_level,
			attempts_count = :attempts_count,
			latest_attempt_at = :latest_attempt_at,
			latest_attempt_errorcode = :latest_attempt_errorcode,
			next_attempt_at = :next_attempt_at
		WHERE iri = :iri AND debtor_id = :debtor_id`, fetch)
}

func (t *workerTx) DeleteFetch(ctx context.Context, iri string, debtorID int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM debtor_info_fetch WHERE iri = $1 AND debtor_id = $2`, iri, debtorID)
	return err
}

// ----------------------------------------------------------------------------
// policies and accounts

func (t *workerTx) GetTradingPolicy(ctx context.Context, creditorID, debtorID int64) (*domain.TradingPolicy, error) {
	var p domain.TradingPolicy
	if err := get(ctx, t.tx, &p, pkgerrors.ErrPolicyNotFound,
		`SELECT * FROM trading_policy WHERE creditor_id = $1 AND debtor_id = $2`, creditorID, debtorID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *workerTx) UpsertTradingPolicy(ctx context.Context, policy *domain.TradingPolicy) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO trading_policy (creditor_id, debtor_id, account_id, creation_date, principal,
			last_transfer_number, latest_ledger_update_id, latest_ledger_update_ts, policy_name,
			min_principal, max_principal, peg_exchange_rate, peg_debtor_id,
			latest_policy_update_id, latest_policy_update_ts, config_flags,
			latest_flags_update_id, latest_flags_update_ts)
		VALUES (:creditor_id, :debtor_id, :account_id, :creation_date, :principal,
			:last_transfer_number, :latest_ledger_update_id, :latest_ledger_update_ts, :policy_name,
			:min_principal, :max_principal, :peg_exchange_rate, :peg_debtor_id,
			:latest_policy_update_id, :latest_policy_update_ts, :config_flags,
			:latest_flags_update_id, :latest_flags_update_ts)
		ON CONFLICT (creditor_id, debtor_id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			creation_date = EXCLUDED.creation_date,
			principal = EXCLUDED.principal,
			last_transfer_number = EXCLUDED.last_transfer_number,
			latest_ledger_update_id = EXCLUDED.latest_ledger_update_id,
			latest_ledger_update_ts = EXCLUDED.latest_ledger_update_ts,
			policy_name = EXCLUDED.policy_name,
			min_principal = EXCLUDED.min_principal,
			max_principal = EXCLUDED.max_principal,
			peg_exchange_rate = EXCLUDED.peg_exchange_rate,
			peg_debtor_id = EXCLUDED.peg_debtor_id,
			latest_policy_update_id = EXCLUDED.latest_policy_update_id,
			latest_policy_update_ts = EXCLUDED.latest_policy_update_ts,
			config_flags = EXCLUDED.config_flags,
			latest_flags_update_id = EXCLUDED.latest_flags_update_id,
			latest_flags_update_ts = EXCLUDED.latest_flags_update_ts`, policy)
	return err
}

func (t *workerTx) ListTradingPolicies(ctx context.Context) ([]domain.TradingPolicy, error) {
	var rows []domain.TradingPolicy
	err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM trading_policy ORDER BY creditor_id, debtor_id`)
	return rows, err
}

func (t *workerTx) ScanTradingPolicies(ctx context.Context, after store.PairCursor, limit int) ([]domain.TradingPolicy, error) {
	var rows []domain.TradingPolicy
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM trading_policy WHERE (creditor_id, debtor_id) > ($1, $2)
		ORDER BY creditor_id, debtor_id LIMIT $3`, after.CreditorID, after.DebtorID, clampLimit(limit))
	return rows, err
}

func (t *workerTx) DeleteTradingPolicy(ctx context.Context, creditorID, debtorID int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM trading_policy WHERE creditor_id = $1 AND debtor_id = $2`, creditorID, debtorID)
	return err
}

func (t *workerTx) GetNeededWorkerAccount(ctx context.Context, creditorID, debtorID int64) (*domain.NeededWorkerAccount, error) {
	var a domain.NeededWorkerAccount
	if err := get(ctx, t.tx, &a, pkgerrors.ErrAccountNotFound,
		`SELECT * FROM needed_worker_account WHERE creditor_id = $1 AND debtor_id = $2`, creditorID, debtorID); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *workerTx) InsertNeededWorkerAccount(ctx context.Context, account *domain.NeededWorkerAccount) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO needed_worker_account (creditor_id, debtor_id, configured_at)
		VALUES (:creditor_id, :debtor_id, :configured_at)`, account)
	return err
}

func (t *workerTx) DeleteNeededWorkerAccount(ctx context.Context, creditorID, debtorID int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM needed_worker_account WHERE creditor_id = $1 AND debtor_id = $2`, creditorID, debtorID)
	return err
}

func (t *workerTx) GetWorkerAccount(ctx context.Context, creditorID, debtorID int64) (*domain.WorkerAccount, error) {
	var a domain.WorkerAccount
	if err := get(ctx, t.tx, &a, pkgerrors.ErrAccountNotFound,
		`SELECT * FROM worker_account WHERE creditor_id = $1 AND debtor_id = $2`, creditorID, debtorID); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *workerTx) UpsertWorkerAccount(ctx context.Context, account *domain.WorkerAccount) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO worker_account (creditor_id, debtor_id, creation_date, last_change_ts,
			last_change_seqnum, principal, interest, interest_rate, last_interest_rate_change_ts,
			config_flags, account_id, debtor_info_iri, last_transfer_number,
			last_transfer_committed_at, demurrage_rate, commit_period,
			transfer_note_max_bytes, last_heartbeat_ts)
		VALUES (:creditor_id, :debtor_id, :creation_date, :last_change_ts,
			:last_change_seqnum, :principal, :interest, :interest_rate, :last_interest_rate_change_ts,
			:config_flags, :account_id, :debtor_info_iri, :last_transfer_number,
			:last_transfer_committed_at, :demurrage_rate, :commit_period,
			:transfer_note_max_bytes, :last_heartbeat_ts)
		ON CONFLICT (creditor_id, debtor_id) DO UPDATE SET
			creation_date = EXCLUDED.creation_date,
			last_change_ts = EXCLUDED.last_change_ts,
			last_change_seqnum = EXCLUDED.last_change_seqnum,
			principal = EXCLUDED.principal,
			interest = EXCLUDED.interest,
			interest_rate = EXCLUDED.interest_rate,
			last_interest_rate_change_ts = EXCLUDED.last_interest_rate_change_ts,
			config_flags = EXCLUDED.config_flags,
			account_id = EXCLUDED.account_id,
			debtor_info_iri = EXCLUDED.debtor_info_iri,
			last_transfer_number = EXCLUDED.last_transfer_number,
			last_transfer_committed_at = EXCLUDED.last_transfer_committed_at,
			demurrage_rate = EXCLUDED.demurrage_rate,
			commit_period = EXCLUDED.commit_period,
			transfer_note_max_bytes = EXCLUDED.transfer_note_max_bytes,
			last_heartbeat_ts = EXCLUDED.last_heartbeat_ts`, account)
	return err
}

func (t *workerTx) ScanWorkerAccounts(ctx context.Context, after store.PairCursor, limit int) ([]domain.WorkerAccount, error) {
	var rows []domain.WorkerAccount
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM worker_account WHERE (creditor_id, debtor_id) > ($1, $2)
		ORDER BY creditor_id, debtor_id LIMIT $3`, after.CreditorID, after.DebtorID, clampLimit(limit))
	return rows, err
}

func (t *workerTx) DeleteWorkerAccount(ctx context.Context, creditorID, debtorID int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM worker_account WHERE creditor_id = $1 AND debtor_id = $2`, creditorID, debtorID)
	return err
}

func (t *workerTx) InsertInterestRateChange(ctx context.Context, change *domain.InterestRateChange) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO interest_rate_change (creditor_id, debtor_id, change_ts, interest_rate)
		VALUES (:creditor_id, :debtor_id, :change_ts, :interest_rate)
		ON CONFLICT DO NOTHING`, change)
	return err
}

func (t *workerTx) ListInterestRateChanges(ctx context.Context, creditorID, debtorID int64) ([]domain.InterestRateChange, error) {
	var rows []domain.InterestRateChange
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM interest_rate_change WHERE creditor_id = $1 AND debtor_id = $2
		ORDER BY change_ts`, creditorID, debtorID)
	return rows, err
}

func (t *workerTx) ScanInterestRateChanges(ctx context.Context, after store.InterestRateCursor, limit int) ([]domain.InterestRateChange, error) {
	var rows []domain.InterestRateChange
	var err error
	if after.ChangeTS.IsZero() {
		err = t.tx.SelectContext(ctx, &rows, `
			SELECT * FROM interest_rate_change WHERE (creditor_id, debtor_id) >= ($1, $2)
			ORDER BY creditor_id, debtor_id, change_ts LIMIT $3`,
			after.CreditorID, after.DebtorID, clampLimit(limit))
	} else {
		err = t.tx.SelectContext(ctx, &rows, `
			SELECT * FROM interest_rate_change WHERE (creditor_id, debtor_id, change_ts) > ($1, $2, $3)
			ORDER BY creditor_id, debtor_id, change_ts LIMIT $4`,
			after.CreditorID, after.DebtorID, after.ChangeTS, clampLimit(limit))
	}
	return rows, err
}

func (t *workerTx) DeleteInterestRateChange(ctx context.Context, creditorID, debtorID int64, changeTS time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM interest_rate_change WHERE creditor_id = $1 AND debtor_id = $2 AND change_ts = $3`,
		creditorID, debtorID, changeTS)
	return err
}

func (t *workerTx) ReplaceActiveCollectors(ctx context.Context, rows []domain.ActiveCollector) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM active_collector`); err != nil {
		return err
	}
	return insertEach(ctx, t.tx, `
		INSERT INTO active_collector (debtor_id, collector_id, account_id)
		VALUES (:debtor_id, :collector_id, :account_id)`, rows)
}

func (t *workerTx) ListActiveCollectors(ctx context.Context) ([]domain.ActiveCollector, error) {
	var rows []domain.ActiveCollector
	err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM active_collector ORDER BY debtor_id, collector_id`)
	return rows, err
}

// ----------------------------------------------------------------------------
// account locks

func (t *workerTx) GetAccountLock(ctx context.Context, creditorID, debtorID int64) (*domain.AccountLock, error) {
	var l domain.AccountLock
	if err := get(ctx, t.tx, &l, pkgerrors.ErrAccountLockNotFound, `
		SELECT * FROM account_lock WHERE creditor_id = $1 AND debtor_id = $2 FOR UPDATE`,
		creditorID, debtorID); err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *workerTx) GetAccountLockByRequestID(ctx context.Context, creditorID, coordinatorRequestID int64) (*domain.AccountLock, error) {
	var l domain.AccountLock
	if err := get(ctx, t.tx, &l, pkgerrors.ErrAccountLockNotFound, `
		SELECT * FROM account_lock WHERE creditor_id = $1 AND coordinator_request_id = $2 FOR UPDATE`,
		creditorID, coordinatorRequestID); err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *workerTx) InsertAccountLock(ctx context.Context, lock *domain.AccountLock) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO account_lock (creditor_id, debtor_id, turn_id, collector_id,
			coordinator_request_id, amount, initiated_at, transfer_id, finalized_at,
			released_at, account_creation_date, account_last_transfer_number, has_been_revised)
		VALUES (:creditor_id, :debtor_id, :turn_id, :collector_id,
			:coordinator_request_id, :amount, :initiated_at, :transfer_id, :finalized_at,
			:released_at, :account_creation_date, :account_last_transfer_number, :has_been_revised)`, lock)
	return err
}

func (t *workerTx) UpdateAccountLock(ctx context.Context, lock *domain.AccountLock) error {
	return namedExecOne(ctx, t.tx, pkgerrors.ErrAccountLockNotFound, `
		UPDATE account_lock SET
			turn_id = :turn_id,
			collector_id = :collector_id,
			coordinator_request_id = :coordinator_request_id,
			amount = :amount,
			initiated_at = :initiated_at,
			transfer_id = :transfer_id,
			finalized_at = :finalized_at,
			released_at = :released_at,
			account_creation_date = :account_creation_date,
			account_last_transfer_number = :account_last_transfer_number,
			has_been_revised = :has_been_revised
		WHERE creditor_id = :creditor_id AND debtor_id = :debtor_id`, lock)
}

func (t *workerTx) DeleteAccountLock(ctx context.Context, creditorID, debtorID int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM account_lock WHERE creditor_id = $1 AND debtor_id = $2`, creditorID, debtorID)
	return err
}

func (t *workerTx) ListAccountLocks(ctx context.Context, turnID int32) ([]domain.AccountLock, error) {
	var rows []domain.AccountLock
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM account_lock WHERE turn_id = $1 ORDER BY creditor_id, debtor_id`, turnID)
	return rows, err
}

func (t *workerTx) ScanAccountLocks(ctx context.Context, after store.PairCursor, limit int) ([]domain.AccountLock, error) {
	var rows []domain.AccountLock
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM account_lock WHERE (creditor_id, debtor_id) > ($1, $2)
		ORDER BY creditor_id, debtor_id LIMIT $3`, after.CreditorID, after.DebtorID, clampLimit(limit))
	return rows, err
}

func (t *workerTx) NextCoordinatorRequestID(ctx context.Context) (int64, error) {
	var id int64
	err := t.tx.GetContext(ctx, &id, `SELECT nextval('coordinator_request_id_seq')`)
	return id, err
}

// ----------------------------------------------------------------------------
// settlement rows

func (t *workerTx) InsertCreditorParticipations(ctx context.Context, rows []domain.CreditorParticipation) error {
	return insertEach(ctx, t.tx, `
		INSERT INTO creditor_participation (creditor_id, debtor_id, turn_id, amount, collector_id)
		VALUES (:creditor_id, :debtor_id, :turn_id, :amount, :collector_id)
		ON CONFLICT DO NOTHING`, rows)
}

func (t *workerTx) GetCreditorParticipation(ctx context.Context, creditorID, debtorID int64, turnID int32) (*domain.CreditorParticipation, error) {
	var p domain.CreditorParticipation
	if err := get(ctx, t.tx, &p, pkgerrors.ErrParticipationNotFound, `
		SELECT * FROM creditor_participation WHERE creditor_id = $1 AND debtor_id = $2 AND turn_id = $3`,
		creditorID, debtorID, turnID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *workerTx) InsertWorkerCollectings(ctx context.Context, rows []domain.WorkerCollecting) error {
	return insertEach(ctx, t.tx, `
		INSERT INTO worker_collecting (collector_id, turn_id, debtor_id, creditor_id, amount, collected, purge_after)
		VALUES (:collector_id, :turn_id, :debtor_id, :creditor_id, :amount, :collected, :purge_after)
		ON CONFLICT DO NOTHING`, rows)
}

func (t *workerTx) ListWorkerCollectings(ctx context.Context, collectorID int64, turnID int32, debtorID int64) ([]domain.WorkerCollecting, error) {
	var rows []domain.WorkerCollecting
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM worker_collecting WHERE collector_id = $1 AND turn_id = $2 AND debtor_id = $3
		ORDER BY creditor_id`, collectorID, turnID, debtorID)
	return rows, err
}

func (t *workerTx) MarkCollected(ctx context.Context, collectorID int64, turnID int32, debtorID, creditorID int64) (bool, error) {
	return affected(t.tx.ExecContext(ctx, `
		UPDATE worker_collecting SET collected = TRUE
		WHERE collector_id = $1 AND turn_id = $2 AND debtor_id = $3 AND creditor_id = $4 AND NOT collected`,
		collectorID, turnID, debtorID, creditorID))
}

func (t *workerTx) InsertWorkerSendings(ctx context.Context, rows []domain.WorkerSending) error {
	return insertEach(ctx, t.tx, `
		INSERT INTO worker_sending (from_collector_id, turn_id, debtor_id, to_collector_id, amount, purge_after)
		VALUES (:from_collector_id, :turn_id, :debtor_id, :to_collector_id, :amount, :purge_after)
		ON CONFLICT DO NOTHING`, rows)
}

func (t *workerTx) ListWorkerSendings(ctx context.Context, fromCollectorID int64, turnID int32, debtorID int64) ([]domain.WorkerSending, error) {
	var rows []domain.WorkerSending
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM worker_sending WHERE from_collector_id = $1 AND turn_id = $2 AND debtor_id = $3
		ORDER BY to_collector_id`, fromCollectorID, turnID, debtorID)
	return rows, err
}

func (t *workerTx) InsertWorkerReceivings(ctx context.Context, rows []domain.WorkerReceiving) error {
	return insertEach(ctx, t.tx, `
		INSERT INTO worker_receiving (to_collector_id, turn_id, debtor_id, from_collector_id,
			expected_amount, received_amount, purge_after)
		VALUES (:to_collector_id, :turn_id, :debtor_id, :from_collector_id,
			:expected_amount, :received_amount, :purge_after)
		ON CONFLICT DO NOTHING`, rows)
}

func (t *workerTx) ListWorkerReceivings(ctx context.Context, toCollectorID int64, turnID int32, debtorID int64) ([]domain.WorkerReceiving, error) {
	var rows []domain.WorkerReceiving
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM worker_receiving WHERE to_collector_id = $1 AND turn_id = $2 AND debtor_id = $3
		ORDER BY from_collector_id`, toCollectorID, turnID, debtorID)
	return rows, err
}

func (t *workerTx) SetReceivedAmount(ctx context.Context, toCollectorID int64, turnID int32, debtorID, fromCollectorID, amount int64) (bool, error) {
	return affected(t.tx.ExecContext(ctx, `
		UPDATE worker_receiving SET received_amount = $5
		WHERE to_collector_id = $1 AND turn_id = $2 AND debtor_id = $3 AND from_collector_id = $4
			AND received_amount = 0`,
		toCollectorID, turnID, debtorID, fromCollectorID, amount))
}

func (t *workerTx) InsertWorkerDispatchings(ctx context.Context, rows []domain.WorkerDispatching) error {
	return insertEach(ctx, t.tx, `
		INSERT INTO worker_dispatching (collector_id, turn_id, debtor_id, creditor_id, amount, purge_after)
		VALUES (:collector_id, :turn_id, :debtor_id, :creditor_id, :amount, :purge_after)
		ON CONFLICT DO NOTHING`, rows)
}

func (t *workerTx) ListWorkerDispatchings(ctx context.Context, collectorID int64, turnID int32, debtorID int64) ([]domain.WorkerDispatching, error) {
	var rows []domain.WorkerDispatching
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM worker_dispatching WHERE collector_id = $1 AND turn_id = $2 AND debtor_id = $3
		ORDER BY creditor_id`, collectorID, turnID, debtorID)
	return rows, err
}

// ----------------------------------------------------------------------------
// dispatching statuses

func (t *workerTx) InsertDispatchingStatuses(ctx context.Context, rows []domain.DispatchingStatus) error {
	return insertEach(ctx, t.tx, `
		INSERT INTO dispatching_status (collector_id, turn_id, debtor_id, amount_to_collect,
			total_collected_amount, amount_to_send, started_sending, all_sent, amount_to_receive,
			number_to_receive, total_received_amount, amount_to_dispatch, started_dispatching)
		VALUES (:collector_id, :turn_id, :debtor_id, :amount_to_collect,
			:total_collected_amount, :amount_to_send, :started_sending, :all_sent, :amount_to_receive,
			:number_to_receive, :total_received_amount, :amount_to_dispatch, :started_dispatching)
		ON CONFLICT DO NOTHING`, rows)
}

func (t *workerTx) GetDispatchingStatus(ctx context.Context, collectorID int64, turnID int32, debtorID int64) (*domain.DispatchingStatus, error) {
	var s domain.DispatchingStatus
	if err := get(ctx, t.tx, &s, pkgerrors.ErrStatusNotFound, `
		SELECT * FROM dispatching_status WHERE collector_id = $1 AND turn_id = $2 AND debtor_id = $3
		FOR UPDATE`, collectorID, turnID, debtorID); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *workerTx) BurstDispatchingStatuses(ctx context.Context, after store.StatusCursor, limit int) ([]domain.DispatchingStatus, error) {
	var rows []domain.DispatchingStatus
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM dispatching_status
		WHERE NOT started_dispatching AND (collector_id, turn_id, debtor_id) > ($1, $2, $3)
		ORDER BY collector_id, turn_id, debtor_id
		LIMIT $4
		FOR UPDATE SKIP LOCKED`, after.CollectorID, after.TurnID, after.DebtorID, clampLimit(limit))
	return rows, err
}

func (t *workerTx) UpdateDispatchingStatus(ctx context.Context, status *domain.DispatchingStatus) error {
	return namedExecOne(ctx, t.tx, pkgerrors.ErrStatusNotFound, `
		UPDATE dispatching_status SET
			amount_to_collect = :amount_to_collect,
			total_collected_amount = :total_collected_amount,
			amount_to_send = :amount_to_send,
			started_sending = :started_sending,
			all_sent = :all_sent,
			amount_to_receive = :amount_to_receive,
			number_to_receive = :number_to_receive,
			total_received_amount = :total_received_amount,
			amount_to_dispatch = :amount_to_dispatch,
			started_dispatching = :started_dispatching
		WHERE collector_id = :collector_id AND turn_id = :turn_id AND debtor_id = :debtor_id`, status)
}

// ----------------------------------------------------------------------------
// transfer attempts

const attemptKeyOrder = `collector_id, turn_id, debtor_id, is_dispatching, creditor_id`

func (t *workerTx) GetTransferAttempt(ctx context.Context, key domain.TransferAttemptKey) (*domain.TransferAttempt, error) {
	var a domain.TransferAttempt
	if err := get(ctx, t.tx, &a, pkgerrors.ErrTransferNotFound, `
		SELECT * FROM transfer_attempt
		WHERE collector_id = $1 AND turn_id = $2 AND debtor_id = $3 AND creditor_id = $4 AND is_dispatching = $5
		FOR UPDATE`, key.CollectorID, key.TurnID, key.DebtorID, key.CreditorID, key.IsDispatching); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *workerTx) GetTransferAttemptByRequestID(ctx context.Context, collectorID, coordinatorRequestID int64) (*domain.TransferAttempt, error) {
	var a domain.TransferAttempt
	if err := get(ctx, t.tx, &a, pkgerrors.ErrTransferNotFound, `
		SELECT * FROM transfer_attempt WHERE collector_id = $1 AND coordinator_request_id = $2
		FOR UPDATE`, collectorID, coordinatorRequestID); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *workerTx) InsertTransferAttempt(ctx context.Context, attempt *domain.TransferAttempt) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO transfer_attempt (collector_id, turn_id, debtor_id, creditor_id, is_dispatching,
			collection_started_at, nominal_amount, recipient, recipient_version, rescheduled_for,
			attempted_at, coordinator_request_id, amount, transfer_id, finalized_at,
			failure_code, backoff_counter, fatal_error)
		VALUES (:collector_id, :turn_id, :debtor_id, :creditor_id, :is_dispatching,
			:collection_started_at, :nominal_amount, :recipient, :recipient_version, :rescheduled_for,
			:attempted_at, :coordinator_request_id, :amount, :transfer_id, :finalized_at,
			:failure_code, :backoff_counter, :fatal_error)`, attempt)
	return err
}

func (t *workerTx) UpdateTransferAttempt(ctx context.Context, attempt *domain.TransferAttempt) error {
	return namedExecOne(ctx, t.tx, pkgerrors.ErrTransferNotFound, `
		UPDATE transfer_attempt SET
			collection_started_at = :collection_started_at,
			nominal_amount = :nominal_amount,
			recipient = :recipient,
			recipient_version = :recipient_version,
			rescheduled_for = :rescheduled_for,
			attempted_at = :attempted_at,
			coordinator_request_id = :coordinator_request_id,
			amount = :amount,
			transfer_id = :transfer_id,
			finalized_at = :finalized_at,
			failure_code = :failure_code,
			backoff_counter = :backoff_counter,
			fatal_error = :fatal_error
		WHERE collector_id = :collector_id AND turn_id = :turn_id AND debtor_id = :debtor_id
			AND creditor_id = :creditor_id AND is_dispatching = :is_dispatching`, attempt)
}

func (t *workerTx) ListTransferAttempts(ctx context.Context, collectorID int64, turnID int32, debtorID int64, isDispatching bool) ([]domain.TransferAttempt, error) {
	var rows []domain.TransferAttempt
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM transfer_attempt
		WHERE collector_id = $1 AND turn_id = $2 AND debtor_id = $3 AND is_dispatching = $4
		ORDER BY creditor_id`, collectorID, turnID, debtorID, isDispatching)
	return rows, err
}

func (t *workerTx) BurstDueTransferAttempts(ctx context.Context, now time.Time, limit int) ([]domain.TransferAttempt, error) {
	var rows []domain.TransferAttempt
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM transfer_attempt WHERE rescheduled_for <= $1
		ORDER BY `+attemptKeyOrder+`
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, clampLimit(limit))
	return rows, err
}

func (t *workerTx) BurstStaleTransferAttempts(ctx context.Context, attemptedBefore time.Time, limit int) ([]domain.TransferAttempt, error) {
	var rows []domain.TransferAttempt
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM transfer_attempt
		WHERE coordinator_request_id IS NOT NULL AND transfer_id IS NULL
			AND finalized_at IS NULL AND fatal_error IS NULL AND attempted_at < $1
		ORDER BY `+attemptKeyOrder+`
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, attemptedBefore, clampLimit(limit))
	return rows, err
}

// ----------------------------------------------------------------------------
// outbox

func (t *workerTx) InsertOutgoingMessages(ctx context.Context, rows []domain.OutgoingMessage) error {
	return insertEach(ctx, t.tx, `
		INSERT INTO outgoing_message (message_type, subject, message_id, creditor_id, debtor_id,
			coordinator_id, coordinator_type, mandatory, body, inserted_at)
		VALUES (:message_type, :subject, :message_id, :creditor_id, :debtor_id,
			:coordinator_id, :coordinator_type, :mandatory, :body, :inserted_at)`, rows)
}

func (t *workerTx) BurstOutgoingMessages(ctx context.Context, limit int) ([]domain.OutgoingMessage, error) {
	var rows []domain.OutgoingMessage
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM outgoing_message ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, clampLimit(limit))
	return rows, err
}

func (t *workerTx) DeleteOutgoingMessages(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `DELETE FROM outgoing_message WHERE id = ANY($1)`, pq.Array(ids))
	return err
}
