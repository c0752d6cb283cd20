package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"swpttrade/internal/domain"
	"swpttrade/internal/sharding"
	pkgerrors "swpttrade/pkg/errors"
)

const turnColumns = `turn_id, started_at, base_debtor_info_locator, base_debtor_id,
	max_distance_to_base, min_trade_amount, phase, phase_deadline,
	collection_started_at, collection_deadline`

type solverTx struct {
	tx *sqlx.Tx
}

func (t *solverTx) LockTurns(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `LOCK TABLE turn IN SHARE ROW EXCLUSIVE MODE`)
	return err
}

func (t *solverTx) GetLatestTurn(ctx context.Context) (*domain.Turn, error) {
	var turn domain.Turn
	err := get(ctx, t.tx, &turn, pkgerrors.ErrTurnNotFound,
		`SELECT `+turnColumns+` FROM turn ORDER BY started_at DESC, turn_id DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	return &turn, nil
}

func (t *solverTx) GetTurnForUpdate(ctx context.Context, turnID int32) (*domain.Turn, error) {
	var turn domain.Turn
	err := get(ctx, t.tx, &turn, pkgerrors.ErrTurnNotFound,
		`SELECT `+turnColumns+` FROM turn WHERE turn_id = $1 FOR UPDATE`, turnID)
	if err != nil {
		return nil, err
	}
	return &turn, nil
}

func (t *solverTx) ListUnfinishedTurns(ctx context.Context) ([]domain.Turn, error) {
	var rows []domain.Turn
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT `+turnColumns+` FROM turn WHERE phase < $1 ORDER BY turn_id`, domain.PhaseDone)
	return rows, err
}

func (t *solverTx) ListTurnsStartedAfter(ctx context.Context, after time.Time) ([]domain.Turn, error) {
	var rows []domain.Turn
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT `+turnColumns+` FROM turn WHERE started_at > $1 ORDER BY turn_id`, after)
	return rows, err
}

func (t *solverTx) InsertTurn(ctx context.Context, turn *domain.Turn) error {
	query := `INSERT INTO turn (started_at, base_debtor_info_locator, base_debtor_id,
			max_distance_to_base, min_trade_amount, phase, phase_deadline,
			collection_started_at, collection_deadline)
		VALUES (:started_at, :base_debtor_info_locator, :base_debtor_id,
			:max_distance_to_base, :min_trade_amount, :phase, :phase_deadline,
			:collection_started_at, :collection_deadline)
		RETURNING turn_id`
	if turn.TurnID != 0 {
		query = `INSERT INTO turn (` + turnColumns + `)
			VALUES (:turn_id, :started_at, :base_debtor_info_locator, :base_debtor_id,
				:max_distance_to_base, :min_trade_amount, :phase, :phase_deadline,
				:collection_started_at, :collection_deadline)
			RETURNING turn_id`
	}
	stmt, err := t.tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	return stmt.GetContext(ctx, &turn.TurnID, turn)
}

func (t *solverTx) UpdateTurn(ctx context.Context, turn *domain.Turn) error {
	return namedExecOne(ctx, t.tx, pkgerrors.ErrTurnNotFound, `
		UPDATE turn SET
			started_at = :started_at,
			base_debtor_info_locator = :base_debtor_info_locator,
			base_debtor_id = :base_debtor_id,
			max_distance_to_base = :max_distance_to_base,
			min_trade_amount = :min_trade_amount,
			phase = :phase,
			phase_deadline = :phase_deadline,
			collection_started_at = :collection_started_at,
			collection_deadline = :collection_deadline
		WHERE turn_id = :turn_id`, turn)
}

func (t *solverTx) ScanTurns(ctx context.Context, afterTurnID int32, limit int) ([]domain.Turn, error) {
	var rows []domain.Turn
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT `+turnColumns+` FROM turn WHERE turn_id > $1 ORDER BY turn_id LIMIT $2`,
		afterTurnID, clampLimit(limit))
	return rows, err
}

var perTurnSolverTables = []string{
	"debtor_info", "confirmed_debtor", "currency_info", "sell_offer", "buy_offer",
	"creditor_taking", "creditor_giving", "collector_collecting",
	"collector_sending", "collector_receiving", "collector_dispatching",
}

func (t *solverTx) DeleteTurn(ctx context.Context, turnID int32) error {
	for _, table := range perTurnSolverTables {
		if err := t.deleteForTurn(ctx, table, turnID); err != nil {
			return err
		}
	}
	_, err := t.tx.ExecContext(ctx, `DELETE FROM turn WHERE turn_id = $1`, turnID)
	return err
}

func (t *solverTx) deleteForTurn(ctx context.Context, table string, turnID int32) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE turn_id = $1`, turnID)
	return err
}

// ----------------------------------------------------------------------------
// phase 1 and 2 tables

func (t *solverTx) InsertDebtorInfos(ctx context.Context, rows []domain.DebtorInfo) error {
	return insertEach(ctx, t.tx, `
		INSERT INTO debtor_info (turn_id, debtor_info_locator, debtor_id,
			peg_debtor_info_locator, peg_debtor_id, peg_exchange_rate)
		VALUES (:turn_id, :debtor_info_locator, :debtor_id,
			:peg_debtor_info_locator, :peg_debtor_id, :peg_exchange_rate)
		ON CONFLICT DO NOTHING`, rows)
}

func (t *solverTx) ListDebtorInfos(ctx context.Context, turnID int32) ([]domain.DebtorInfo, error) {
	var rows []domain.DebtorInfo
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM debtor_info WHERE turn_id = $1
		ORDER BY debtor_info_locator, debtor_id`, turnID)
	return rows, err
}

func (t *solverTx) DeleteDebtorInfos(ctx context.Context, turnID int32) error {
	return t.deleteForTurn(ctx, "debtor_info", turnID)
}

func (t *solverTx) InsertConfirmedDebtors(ctx context.Context, rows []domain.ConfirmedDebtor) error {
	return insertEach(ctx, t.tx, `
		INSERT INTO confirmed_debtor (turn_id, debtor_id, debtor_info_locator)
		VALUES (:turn_id, :debtor_id, :debtor_info_locator)
		ON CONFLICT DO NOTHING`, rows)
}

func (t *solverTx) ListConfirmedDebtors(ctx context.Context, turnID int32) ([]domain.ConfirmedDebtor, error) {
	var rows []domain.ConfirmedDebtor
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT * FROM confirmed_debtor WHERE turn_id = $1 ORDER BY debtor_id`, turnID)
	return rows, err
}

func (t *solverTx) DeleteConfirmedDebtors(ctx context.Context, turnID int32) error {
	return t.deleteForTurn(ctx, "confirmed_debtor", turnID)
}

func (t *solverTx) InsertCurrencyInfos(ctx context.Context, rows []domain.CurrencyInfo) error {
	return insertEach(ctx, t.tx, `
		INSERT INTO currency_info (turn_id, debtor_info_locator, debtor_id,
			peg_debtor_info_locator, peg_debtor_id, peg_exchange_rate, is_confirmed)
		VALUES (:turn_id, :debtor_info_locator, :debtor_id,
			:peg_debtor_info_locator, :peg_debtor_id, :peg_exchange_rate, :is_confirmed)
		ON CONFLICT DO NOTHING`, rows)
}

func (t *solverTx) ListCurrencyInfos(ctx context.Context, turnID int32) ([]domain.CurrencyInfo, error) {
	var rows []domain.CurrencyInfo
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT * FROM currency_info WHERE turn_id = $1 ORDER BY debtor_id`, turnID)
	return rows, err
}

func (t *solverTx) DeleteCurrencyInfos(ctx context.Context, turnID int32) error {
	return t.deleteForTurn(ctx, "currency_info", turnID)
}

func (t *solverTx) InsertSellOffers(ctx context.Context, rows []domain.SellOffer) error {
	return insertEach(ctx, t.tx, `
		INSERT INTO sell_offer (turn_id, creditor_id, debtor_id, amount, collector_id)
		VALUES (:turn_id, :creditor_id, :debtor_id, :amount, :collector_id)
		ON CONFLICT DO NOTHING`, rows)
}

func (t *solverTx) ListSellOffers(ctx context.Context, turnID int32) ([]domain.SellOffer, error) {
	var rows []domain.SellOffer
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT * FROM sell_offer WHERE turn_id = $1 ORDER BY creditor_id, debtor_id`, turnID)
	return rows, err
}

func (t *solverTx) DeleteSellOffers(ctx context.Context, turnID int32) error {
	return t.deleteForTurn(ctx, "sell_offer", turnID)
}

func (t *solverTx) InsertBuyOffers(ctx context.Context, rows []domain.BuyOffer) error {
	return insertEach(ctx, t.tx, `
		INSERT INTO buy_offer (turn_id, creditor_id, debtor_id, amount)
		VALUES (:turn_id, :creditor_id, :debtor_id, :amount)
		ON CONFLICT DO NOTHING`, rows)
}

func (t *solverTx) ListBuyOffers(ctx context.Context, turnID int32) ([]domain.BuyOffer, error) {
	var rows []domain.BuyOffer
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT * FROM buy_offer WHERE turn_id = $1 ORDER BY creditor_id, debtor_id`, turnID)
	return rows, err
}

func (t *solverTx) DeleteBuyOffers(ctx context.Context, turnID int32) error {
	return t.deleteForTurn(ctx, "buy_offer", turnID)
}

// ----------------------------------------------------------------------------
// settlement

func (t *solverTx) InsertSettlement(ctx context.Context, s *domain.Settlement) error {
	if err := insertEach(ctx, t.tx, `
		INSERT INTO creditor_taking (turn_id, creditor_id, debtor_id, creditor_hash, amount, collector_id)
		VALUES (:turn_id, :creditor_id, :debtor_id, :creditor_hash, :amount, :collector_id)`, s.Takings); err != nil {
		return err
	}
	if err := insertEach(ctx, t.tx, `
		INSERT INTO creditor_giving (turn_id, creditor_id, debtor_id, creditor_hash, amount, collector_id)
		VALUES (:turn_id, :creditor_id, :debtor_id, :creditor_hash, :amount, :collector_id)`, s.Givings); err != nil {
		return err
	}
	if err := insertEach(ctx, t.tx, `
		INSERT INTO collector_collecting (turn_id, debtor_id, creditor_id, amount, collector_id, collector_hash)
		VALUES (:turn_id, :debtor_id, :creditor_id, :amount, :collector_id, :collector_hash)`, s.Collectings); err != nil {
		return err
	}
	if err := insertEach(ctx, t.tx, `
		INSERT INTO collector_sending (turn_id, debtor_id, from_collector_id, to_collector_id, from_collector_hash, amount)
		VALUES (:turn_id, :debtor_id, :from_collector_id, :to_collector_id, :from_collector_hash, :amount)`, s.Sendings); err != nil {
		return err
	}
	if err := insertEach(ctx, t.tx, `
		INSERT INTO collector_receiving (turn_id, debtor_id, to_collector_id, from_collector_id, to_collector_hash, amount)
		VALUES (:turn_id, :debtor_id, :to_collector_id, :from_collector_id, :to_collector_hash, :amount)`, s.Receivings); err != nil {
		return err
	}
	return insertEach(ctx, t.tx, `
		INSERT INTO collector_dispatching (turn_id, debtor_id, creditor_id, amount, collector_id, collector_hash)
		VALUES (:turn_id, :debtor_id, :creditor_id, :amount, :collector_id, :collector_hash)`, s.Dispatchings)
}

// settlementTables maps each settlement table to its hash column and key order.
var settlementTables = []struct {
	name, hash, order string
}{
	{"creditor_taking", "creditor_hash", "creditor_id, debtor_id"},
	{"creditor_giving", "creditor_hash", "creditor_id, debtor_id"},
	{"collector_collecting", "collector_hash", "debtor_id, creditor_id"},
	{"collector_sending", "from_collector_hash", "debtor_id, from_collector_id, to_collector_id"},
	{"collector_receiving", "to_collector_hash", "debtor_id, to_collector_id, from_collector_id"},
	{"collector_dispatching", "collector_hash", "debtor_id, creditor_id"},
}

func (t *solverTx) listSettlement(ctx context.Context, dest interface{}, table int, turnID int32, f sharding.HashFilter) error {
	tbl := settlementTables[table]
	query := fmt.Sprintf(`SELECT * FROM %s WHERE turn_id = $1 AND %s ORDER BY %s`,
		tbl.name, hashMatch(tbl.hash, 2, 3), tbl.order)
	return t.tx.SelectContext(ctx, dest, query, append([]interface{}{turnID}, filterArgs(f)...)...)
}

func (t *solverTx) ListCreditorTakings(ctx context.Context, turnID int32, f sharding.HashFilter) ([]domain.CreditorTaking, error) {
	var rows []domain.CreditorTaking
	err := t.listSettlement(ctx, &rows, 0, turnID, f)
	return rows, err
}

func (t *solverTx) ListCreditorGivings(ctx context.Context, turnID int32, f sharding.HashFilter) ([]domain.CreditorGiving, error) {
	var rows []domain.CreditorGiving
	err := t.listSettlement(ctx, &rows, 1, turnID, f)
	return rows, err
}

func (t *solverTx) ListCollectorCollectings(ctx context.Context, turnID int32, f sharding.HashFilter) ([]domain.CollectorCollecting, error) {
	var rows []domain.CollectorCollecting
	err := t.listSettlement(ctx, &rows, 2, turnID, f)
	return rows, err
}

func (t *solverTx) ListCollectorSendings(ctx context.Context, turnID int32, f sharding.HashFilter) ([]domain.CollectorSending, error) {
	var rows []domain.CollectorSending
	err := t.listSettlement(ctx, &rows, 3, turnID, f)
	return rows, err
}

func (t *solverTx) ListCollectorReceivings(ctx context.Context, turnID int32, f sharding.HashFilter) ([]domain.CollectorReceiving, error) {
	var rows []domain.CollectorReceiving
	err := t.listSettlement(ctx, &rows, 4, turnID, f)
	return rows, err
}

func (t *solverTx) ListCollectorDispatchings(ctx context.Context, turnID int32, f sharding.HashFilter) ([]domain.CollectorDispatching, error) {
	var rows []domain.CollectorDispatching
	err := t.listSettlement(ctx, &rows, 5, turnID, f)
	return rows, err
}

func (t *solverTx) DeleteSettlementRows(ctx context.Context, turnID int32, f sharding.HashFilter) error {
	args := append([]interface{}{turnID}, filterArgs(f)...)
	for _, tbl := range settlementTables {
		query := fmt.Sprintf(`DELETE FROM %s WHERE turn_id = $1 AND %s`, tbl.name, hashMatch(tbl.hash, 2, 3))
		if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

func (t *solverTx) CountSettlementRows(ctx context.Context, turnID int32) (int, error) {
	total := 0
	for _, tbl := range settlementTables {
		var n int
		if err := t.tx.GetContext(ctx, &n, `SELECT count(*) FROM `+tbl.name+` WHERE turn_id = $1`, turnID); err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ----------------------------------------------------------------------------
// collector accounts

func (t *solverTx) ListCollectorAccounts(ctx context.Context, debtorID int64) ([]domain.CollectorAccount, error) {
	var rows []domain.CollectorAccount
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT * FROM collector_account WHERE debtor_id = $1 ORDER BY collector_id`, debtorID)
	return rows, err
}

func (t *solverTx) ListActiveCollectorAccounts(ctx context.Context) ([]domain.CollectorAccount, error) {
	var rows []domain.CollectorAccount
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT * FROM collector_account WHERE status = $1 ORDER BY debtor_id, collector_id`,
		domain.CollectorActive)
	return rows, err
}

func (t *solverTx) InsertCollectorAccount(ctx context.Context, account *domain.CollectorAccount) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO collector_account (debtor_id, collector_id, collector_hash, account_id, status, latest_status_change_at)
		VALUES (:debtor_id, :collector_id, :collector_hash, :account_id, :status, :latest_status_change_at)`, account)
	return err
}

func (t *solverTx) GetCollectorAccountForUpdate(ctx context.Context, debtorID, collectorID int64) (*domain.CollectorAccount, error) {
	var a domain.CollectorAccount
	err := get(ctx, t.tx, &a, pkgerrors.ErrAccountNotFound, `
		SELECT * FROM collector_account WHERE debtor_id = $1 AND collector_id = $2 FOR UPDATE`,
		debtorID, collectorID)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *solverTx) UpdateCollectorAccount(ctx context.Context, account *domain.CollectorAccount) error {
	return namedExecOne(ctx, t.tx, pkgerrors.ErrAccountNotFound, `
		UPDATE collector_account SET
			collector_hash = :collector_hash,
			account_id = :account_id,
			status = :status,
			latest_status_change_at = :latest_status_change_at
		WHERE debtor_id = :debtor_id AND collector_id = :collector_id`, account)
}

func (t *solverTx) BurstPristineCollectors(ctx context.Context, f sharding.HashFilter, limit int) ([]domain.CollectorAccount, error) {
	var rows []domain.CollectorAccount
	query := fmt.Sprintf(`
		SELECT * FROM collector_account
		WHERE status = $1 AND %s
		ORDER BY debtor_id, collector_id
		LIMIT $4
		FOR UPDATE SKIP LOCKED`, hashMatch("collector_hash", 2, 3))
	err := t.tx.SelectContext(ctx, &rows, query, domain.CollectorPristine, f.Prefix, f.Mask, clampLimit(limit))
	return rows, err
}
