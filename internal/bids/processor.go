// ==============================================================================
// BID PROCESSOR - internal/bids/processor.go
// ==============================================================================
package bids

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"swpttrade/internal/domain"
	"swpttrade/internal/messages"
	"swpttrade/internal/money"
	"swpttrade/internal/outbox"
	"swpttrade/internal/sharding"
	"swpttrade/internal/solver"
	"swpttrade/internal/store"
	"swpttrade/pkg/logger"
)

// Processor carries a worker shard's side of phases 1 and 2: it registers
// the currencies the shard knows about, turns trading policies into
// candidate offers, and commits the offers whose accounts got locked.
type Processor struct {
	solver store.SolverStore
	worker store.WorkerStore
	writer *outbox.Writer
	realm  sharding.Realm
	logger logger.Logger
	Now    func() time.Time
}

func NewProcessor(solverStore store.SolverStore, workerStore store.WorkerStore, writer *outbox.Writer, realm sharding.Realm, log logger.Logger) *Processor {
	return &Processor{
		solver: solverStore,
		worker: workerStore,
		writer: writer,
		realm:  realm,
		logger: log,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// CandidateAmount returns how much the policy wants to buy (positive) or
// sell (negative) to bring the principal within its bounds.
func CandidateAmount(p *domain.TradingPolicy) int64 {
	switch {
	case p.PolicyName == nil:
		return 0
	case p.AccountID == "":
		return 0
	case p.ConfigFlags&domain.ScheduledForDeletionFlag != 0:
		return 0
	case p.MinPrincipal > p.MaxPrincipal:
		return 0
	case p.Principal < p.MinPrincipal:
		return money.AddAmounts(p.MinPrincipal, -p.Principal)
	case p.Principal > p.MaxPrincipal:
		return money.AddAmounts(p.MaxPrincipal, -p.Principal)
	default:
		return 0
	}
}

// RegisterCurrencies copies the shard's debtor info documents and
// confirmed locator claims into the turn's phase 1 tables.
func (p *Processor) RegisterCurrencies(ctx context.Context, turnID int32) error {
	var infos []domain.DebtorInfo
	var confirmed []domain.ConfirmedDebtor

	err := p.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		infos, confirmed = nil, nil
		docs, err := tx.ListDocuments(ctx)
		if err != nil {
			return err
		}
		for _, d := range docs {
			if !p.realm.MatchStr(d.DebtorInfoLocator) {
				continue
			}
			infos = append(infos, domain.DebtorInfo{
				TurnID:               turnID,
				DebtorInfoLocator:    d.DebtorInfoLocator,
				DebtorID:             d.DebtorID,
				PegDebtorInfoLocator: d.PegDebtorInfoLocator,
				PegDebtorID:          d.PegDebtorID,
				PegExchangeRate:      d.PegExchangeRate,
			})
		}

		claims, err := tx.ListConfirmedClaims(ctx)
		if err != nil {
			return err
		}
		for _, c := range claims {
			if !p.realm.Match(c.DebtorID) {
				continue
			}
			confirmed = append(confirmed, domain.ConfirmedDebtor{
				TurnID:            turnID,
				DebtorID:          c.DebtorID,
				DebtorInfoLocator: *c.DebtorInfoLocator,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	return p.solver.Atomic(ctx, func(tx store.SolverTx) error {
		if err := tx.InsertDebtorInfos(ctx, infos); err != nil {
			return err
		}
		return tx.InsertConfirmedDebtors(ctx, confirmed)
	})
}

// GenerateOffers emits a CandidateOffer for every owned trading policy
// that wants to trade a tradeable currency. Currencies without an active
// collector get a NeededCollector instead.
func (p *Processor) GenerateOffers(ctx context.Context, turn *domain.WorkerTurn) (int, error) {
	var currencies []domain.CurrencyInfo
	if err := p.solver.Atomic(ctx, func(tx store.SolverTx) error {
		var err error
		currencies, err = tx.ListCurrencyInfos(ctx, turn.TurnID)
		return err
	}); err != nil {
		return 0, err
	}
	tradeable := solver.Tradeable(turn.BaseDebtorID, int(turn.MaxDistanceToBase), currencies)
	pegs := make(map[int64]*domain.CurrencyInfo, len(currencies))
	for i := range currencies {
		pegs[currencies[i].DebtorID] = &currencies[i]
	}

	now := p.Now()
	offers := 0
	err := p.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		offers = 0
		collectors, err := tx.ListActiveCollectors(ctx)
		if err != nil {
			return err
		}
		hasCollector := make(map[int64]bool, len(collectors))
		for _, c := range collectors {
			hasCollector[c.DebtorID] = true
		}

		policies, err := tx.ListTradingPolicies(ctx)
		if err != nil {
			return err
		}
		var msgs []messages.Message
		needed := make(map[int64]bool)
		for i := range policies {
			policy := &policies[i]
			if !p.realm.Match(policy.CreditorID) {
				continue
			}
			amount := CandidateAmount(policy)
			if amount == 0 || abs(amount) < turn.MinTradeAmount {
				continue
			}
			if _, ok := tradeable[policy.DebtorID]; !ok {
				continue
			}
			if !pegAgrees(policy, pegs[policy.DebtorID], tradeable) {
				continue
			}
			if !hasCollector[policy.DebtorID] {
				if !needed[policy.DebtorID] {
					needed[policy.DebtorID] = true
					msgs = append(msgs, &messages.NeededCollector{DebtorID: policy.DebtorID})
				}
				continue
			}
			msgs = append(msgs, &messages.CandidateOffer{
				TurnID:              turn.TurnID,
				DebtorID:            policy.DebtorID,
				CreditorID:          policy.CreditorID,
				Amount:              amount,
				AccountCreationDate: policy.CreationDate,
				LastTransferNumber:  policy.LastTransferNumber,
			})
			offers++
		}
		return p.writer.Send(ctx, tx, now, msgs...)
	})
	if err != nil {
		p.logger.Error("Failed to generate candidate offers", map[string]interface{}{
			"turn_id": turn.TurnID,
			"error":   err.Error(),
		})
		return 0, err
	}
	return offers, nil
}

// pegAgrees reports whether a policy's own peg, when it declares one, is
// the peg the turn uses for the currency.
func pegAgrees(policy *domain.TradingPolicy, ci *domain.CurrencyInfo, tradeable map[int64]decimal.Decimal) bool {
	if policy.PegDebtorID == nil {
		return true
	}
	if _, ok := tradeable[*policy.PegDebtorID]; !ok {
		return false
	}
	if ci == nil || ci.PegDebtorID == nil || *ci.PegDebtorID != *policy.PegDebtorID {
		return false
	}
	if policy.PegExchangeRate == nil || ci.PegExchangeRate == nil {
		return false
	}
	return *policy.PegExchangeRate == *ci.PegExchangeRate
}

// CommitOffers writes the prepared account locks of the turn into the
// solver's offer tables.
func (p *Processor) CommitOffers(ctx context.Context, turnID int32) error {
	var sells []domain.SellOffer
	var buys []domain.BuyOffer

	err := p.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		sells, buys = nil, nil
		locks, err := tx.ListAccountLocks(ctx, turnID)
		if err != nil {
			return err
		}
		for _, l := range locks {
			if l.State() != domain.LockPrepared || !p.realm.Match(l.CreditorID) {
				continue
			}
			switch {
			case l.Amount < 0:
				sells = append(sells, domain.SellOffer{
					TurnID:      turnID,
					CreditorID:  l.CreditorID,
					DebtorID:    l.DebtorID,
					Amount:      -l.Amount,
					CollectorID: l.CollectorID,
				})
			case l.Amount > 0:
				buys = append(buys, domain.BuyOffer{
					TurnID:     turnID,
					CreditorID: l.CreditorID,
					DebtorID:   l.DebtorID,
					Amount:     l.Amount,
				})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := p.solver.Atomic(ctx, func(tx store.SolverTx) error {
		if err := tx.InsertSellOffers(ctx, sells); err != nil {
			return err
		}
		return tx.InsertBuyOffers(ctx, buys)
	}); err != nil {
		return err
	}
	p.logger.Info("Offers committed", map[string]interface{}{
		"turn_id": turnID,
		"sells":   len(sells),
		"buys":    len(buys),
	})
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
