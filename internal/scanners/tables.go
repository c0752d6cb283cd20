package scanners

import (
	"context"
	"math"
	"time"

	"swpttrade/internal/domain"
	"swpttrade/internal/locks"
	"swpttrade/internal/messages"
	"swpttrade/internal/store"
)

var firstRateCursor = store.InterestRateCursor{CreditorID: math.MinInt64, DebtorID: math.MinInt64}

type documents struct {
	cursor string
}

func (t *documents) scanPage(ctx context.Context, d *Deps, limit int) (int, int, bool, error) {
	now := d.Now()
	var rows []domain.DebtorInfoDocument
	deleted := 0
	err := d.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		deleted = 0
		var err error
		if rows, err = tx.ScanDocuments(ctx, t.cursor, limit); err != nil {
			return err
		}
		for _, r := range rows {
			if d.ownedElsewhereStr(r.DebtorInfoLocator) || olderThan(r.FetchedAt, d.Config.DocumentMaxAge, now) {
				if err := tx.DeleteDocument(ctx, r.DebtorInfoLocator); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, false, err
	}
	if len(rows) < limit {
		t.cursor = ""
		return len(rows), deleted, true, nil
	}
	t.cursor = rows[len(rows)-1].DebtorInfoLocator
	return len(rows), deleted, false, nil
}

type claims struct {
	cursor int64
	init   bool
}

func (t *claims) scanPage(ctx context.Context, d *Deps, limit int) (int, int, bool, error) {
	if !t.init {
		t.cursor, t.init = math.MinInt64, true
	}
	now := d.Now()
	var rows []domain.DebtorLocatorClaim
	deleted := 0
	err := d.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		deleted = 0
		var err error
		if rows, err = tx.ScanClaims(ctx, t.cursor, limit); err != nil {
			return err
		}
		for _, r := range rows {
			if d.ownedElsewhere(r.DebtorID) || olderThan(r.LatestDiscoveryFetchAt, d.Config.ClaimMaxAge, now) {
				if err := tx.DeleteClaim(ctx, r.DebtorID); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, false, err
	}
	if len(rows) < limit {
		t.cursor = math.MinInt64
		return len(rows), deleted, true, nil
	}
	t.cursor = rows[len(rows)-1].DebtorID
	return len(rows), deleted, false, nil
}

type policies struct {
	cursor store.PairCursor
}

// isIdle reports whether a trading policy carries nothing but update ids.
func isIdle(p *domain.TradingPolicy) bool {
	return p.PolicyName == nil && p.AccountID == "" && p.Principal == 0 &&
		p.ConfigFlags == 0 && p.PegDebtorID == nil
}

func lastUpdate(p *domain.TradingPolicy) time.Time {
	latest := p.LatestLedgerUpdateTS
	if p.LatestPolicyUpdateTS.After(latest) {
		latest = p.LatestPolicyUpdateTS
	}
	if p.LatestFlagsUpdateTS.After(latest) {
		latest = p.LatestFlagsUpdateTS
	}
	return latest
}

func (t *policies) scanPage(ctx context.Context, d *Deps, limit int) (int, int, bool, error) {
	now := d.Now()
	var rows []domain.TradingPolicy
	deleted := 0
	err := d.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		deleted = 0
		var err error
		if rows, err = tx.ScanTradingPolicies(ctx, t.cursor, limit); err != nil {
			return err
		}
		for i := range rows {
			r := &rows[i]
			stale := isIdle(r) && olderThan(lastUpdate(r), d.Config.HeartbeatMaxDelay, now)
			if d.ownedElsewhere(r.CreditorID) || stale {
				if err := tx.DeleteTradingPolicy(ctx, r.CreditorID, r.DebtorID); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, false, err
	}
	if len(rows) < limit {
		t.cursor = store.FirstPairCursor
		return len(rows), deleted, true, nil
	}
	last := rows[len(rows)-1]
	t.cursor = store.PairCursor{CreditorID: last.CreditorID, DebtorID: last.DebtorID}
	return len(rows), deleted, false, nil
}

type workerAccounts struct {
	cursor store.PairCursor
}

func (t *workerAccounts) scanPage(ctx context.Context, d *Deps, limit int) (int, int, bool, error) {
	now := d.Now()
	var rows []domain.WorkerAccount
	deleted := 0
	err := d.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		deleted = 0
		var err error
		if rows, err = tx.ScanWorkerAccounts(ctx, t.cursor, limit); err != nil {
			return err
		}
		for _, r := range rows {
			if d.ownedElsewhere(r.CreditorID) || olderThan(r.LastHeartbeatTS, d.Config.HeartbeatMaxDelay, now) {
				if err := tx.DeleteWorkerAccount(ctx, r.CreditorID, r.DebtorID); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, false, err
	}
	if len(rows) < limit {
		t.cursor = store.FirstPairCursor
		return len(rows), deleted, true, nil
	}
	last := rows[len(rows)-1]
	t.cursor = store.PairCursor{CreditorID: last.CreditorID, DebtorID: last.DebtorID}
	return len(rows), deleted, false, nil
}

type rateChanges struct {
	cursor store.InterestRateCursor
}

// A change older than the history period is still needed while it is the
// account's latest change before the cutoff: it gives the rate in effect at
// the start of the period. It is deleted only once a newer change older
// than the cutoff follows it.
func (t *rateChanges) scanPage(ctx context.Context, d *Deps, limit int) (int, int, bool, error) {
	limit = max(limit, 2)
	cutoff := d.Now().Add(-d.Config.InterestRateMaxAge)
	var rows []domain.InterestRateChange
	deleted := 0
	err := d.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		deleted = 0
		var err error
		if rows, err = tx.ScanInterestRateChanges(ctx, t.cursor, limit); err != nil {
			return err
		}
		n := len(rows)
		if n == limit {
			// The last row is decided on the next page, next to its successor.
			n--
		}
		for i := 0; i < n; i++ {
			r := rows[i]
			superseded := false
			if d.Config.InterestRateMaxAge > 0 && i+1 < len(rows) {
				next := rows[i+1]
				superseded = next.CreditorID == r.CreditorID && next.DebtorID == r.DebtorID && !next.ChangeTS.After(cutoff)
			}
			if d.ownedElsewhere(r.CreditorID) || superseded {
				if err := tx.DeleteInterestRateChange(ctx, r.CreditorID, r.DebtorID, r.ChangeTS); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, false, err
	}
	if len(rows) < limit {
		t.cursor = firstRateCursor
		return len(rows), deleted, true, nil
	}
	last := rows[len(rows)-2]
	t.cursor = store.InterestRateCursor{CreditorID: last.CreditorID, DebtorID: last.DebtorID, ChangeTS: last.ChangeTS}
	return len(rows) - 1, deleted, false, nil
}

type accountLocks struct {
	cursor store.PairCursor
}

func (t *accountLocks) scanPage(ctx context.Context, d *Deps, limit int) (int, int, bool, error) {
	now := d.Now()
	var rows []domain.AccountLock
	deleted := 0
	err := d.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		deleted = 0
		var err error
		if rows, err = tx.ScanAccountLocks(ctx, t.cursor, limit); err != nil {
			return err
		}
		var msgs []messages.Message
		for i := range rows {
			l := &rows[i]
			expired := olderThan(l.InitiatedAt, d.Config.AccountLockMaxAge, now) ||
				(l.ReleasedAt != nil && olderThan(*l.ReleasedAt, d.Config.ReleasedLockMaxDelay, now))
			if !expired && !d.ownedElsewhere(l.CreditorID) {
				continue
			}
			if l.TransferID != nil && *l.TransferID != 0 && l.FinalizedAt == nil {
				msgs = append(msgs, locks.DismissLock(l))
			}
			if err := tx.DeleteAccountLock(ctx, l.CreditorID, l.DebtorID); err != nil {
				return err
			}
			deleted++
		}
		return d.Writer.Send(ctx, tx, now, msgs...)
	})
	if err != nil {
		return 0, 0, false, err
	}
	if len(rows) < limit {
		t.cursor = store.FirstPairCursor
		return len(rows), deleted, true, nil
	}
	last := rows[len(rows)-1]
	t.cursor = store.PairCursor{CreditorID: last.CreditorID, DebtorID: last.DebtorID}
	return len(rows), deleted, false, nil
}

type workerTurns struct {
	cursor int32
}

func (t *workerTurns) scanPage(ctx context.Context, d *Deps, limit int) (int, int, bool, error) {
	now := d.Now()
	var rows []domain.WorkerTurn
	deleted := 0
	err := d.Worker.Atomic(ctx, func(tx store.WorkerTx) error {
		deleted = 0
		var err error
		if rows, err = tx.ScanWorkerTurns(ctx, t.cursor, limit); err != nil {
			return err
		}
		for _, r := range rows {
			if r.Phase == domain.PhaseSettlement && olderThan(r.StartedAt, d.Config.TurnMaxAge, now) {
				if err := tx.DeleteWorkerTurn(ctx, r.TurnID); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, false, err
	}
	if len(rows) < limit {
		t.cursor = 0
		return len(rows), deleted, true, nil
	}
	t.cursor = rows[len(rows)-1].TurnID
	return len(rows), deleted, false, nil
}

type turns struct {
	cursor int32
}

func (t *turns) scanPage(ctx context.Context, d *Deps, limit int) (int, int, bool, error) {
	now := d.Now()
	var rows []domain.Turn
	deleted := 0
	err := d.Solver.Atomic(ctx, func(tx store.SolverTx) error {
		deleted = 0
		var err error
		if rows, err = tx.ScanTurns(ctx, t.cursor, limit); err != nil {
			return err
		}
		for _, r := range rows {
			if r.Phase == domain.PhaseDone && olderThan(r.StartedAt, d.Config.TurnMaxAge, now) {
				if err := tx.DeleteTurn(ctx, r.TurnID); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, false, err
	}
	if len(rows) < limit {
		t.cursor = 0
		return len(rows), deleted, true, nil
	}
	t.cursor = rows[len(rows)-1].TurnID
	return len(rows), deleted, false, nil
}
