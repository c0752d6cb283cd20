package bids

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swpttrade/internal/domain"
	"swpttrade/internal/messages"
	"swpttrade/internal/money"
	"swpttrade/internal/outbox/outboxtest"
	"swpttrade/internal/sharding"
	"swpttrade/internal/store"
	"swpttrade/internal/store/memstore"
	"swpttrade/pkg/logger"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func policy(creditorID, debtorID, principal, minPrincipal, maxPrincipal int64) domain.TradingPolicy {
	return domain.TradingPolicy{
		CreditorID:   creditorID,
		DebtorID:     debtorID,
		AccountID:    "acc",
		CreationDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Principal:    principal,
		PolicyName:   strPtr("conservative"),
		MinPrincipal: minPrincipal,
		MaxPrincipal: maxPrincipal,
	}
}

func TestCandidateAmount(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p *domain.TradingPolicy)
		want   int64
	}{
		{"within bounds", func(p *domain.TradingPolicy) {}, 0},
		{"buy", func(p *domain.TradingPolicy) { p.Principal = 100 }, 900},
		{"sell", func(p *domain.TradingPolicy) { p.Principal = 7000 }, -2000},
		{"no policy", func(p *domain.TradingPolicy) { p.PolicyName = nil; p.Principal = 100 }, 0},
		{"no account id", func(p *domain.TradingPolicy) { p.AccountID = ""; p.Principal = 100 }, 0},
		{"deleting", func(p *domain.TradingPolicy) {
			p.ConfigFlags = domain.ScheduledForDeletionFlag
			p.Principal = 100
		}, 0},
		{"overflow", func(p *domain.TradingPolicy) {
			p.MinPrincipal = money.MaxInt64
			p.MaxPrincipal = money.MaxInt64
			p.Principal = -10
		}, money.MaxInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := policy(1, 101, 3000, 1000, 5000)
			tt.modify(&p)
			assert.Equal(t, tt.want, CandidateAmount(&p))
		})
	}
}

type fixture struct {
	p      *Processor
	solver *memstore.SolverStore
	worker *memstore.WorkerStore
	turn   *domain.WorkerTurn
}

func newFixture(t *testing.T, realm string) *fixture {
	t.Helper()
	solverStore := memstore.NewSolverStore()
	workerStore := memstore.NewWorkerStore()
	p := NewProcessor(solverStore, workerStore, outboxtest.NewWriter(), sharding.MustParseRealm(realm), logger.NewNop())
	p.Now = func() time.Time { return now }

	rate := 2.0
	base := int64(100)
	require.NoError(t, solverStore.Atomic(context.Background(), func(tx store.SolverTx) error {
		return tx.InsertCurrencyInfos(context.Background(), []domain.CurrencyInfo{
			{TurnID: 1, DebtorInfoLocator: "https://example.com/100", DebtorID: 100, IsConfirmed: true},
			{TurnID: 1, DebtorInfoLocator: "https://example.com/101", DebtorID: 101, IsConfirmed: true,
				PegDebtorID: &base, PegExchangeRate: &rate, PegDebtorInfoLocator: strPtr("https://example.com/100")},
			{TurnID: 1, DebtorInfoLocator: "https://example.com/102", DebtorID: 102, IsConfirmed: true,
				PegDebtorID: &base, PegExchangeRate: &rate},
			{TurnID: 1, DebtorInfoLocator: "https://example.com/103", DebtorID: 103, IsConfirmed: false,
				PegDebtorID: &base, PegExchangeRate: &rate},
		})
	}))
	return &fixture{
		p:      p,
		solver: solverStore,
		worker: workerStore,
		turn: &domain.WorkerTurn{
			TurnID:            1,
			BaseDebtorID:      100,
			MaxDistanceToBase: 10,
			MinTradeAmount:    10,
			Phase:             domain.PhaseOffers,
		},
	}
}

func (f *fixture) insertPolicies(t *testing.T, policies ...domain.TradingPolicy) {
	t.Helper()
	require.NoError(t, f.worker.Atomic(context.Background(), func(tx store.WorkerTx) error {
		for i := range policies {
			if err := tx.UpsertTradingPolicy(context.Background(), &policies[i]); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestGenerateOffers(t *testing.T) {
	f := newFixture(t, "#")
	ctx := context.Background()
	require.NoError(t, f.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		return tx.ReplaceActiveCollectors(ctx, []domain.ActiveCollector{
			{DebtorID: 101, CollectorID: 999, AccountID: "c-999"},
		})
	}))
	f.insertPolicies(t,
		policy(1, 101, 100, 1000, 5000),  // buy 900
		policy(2, 101, 9000, 1000, 5000), // sell 4000
		policy(3, 102, 100, 1000, 5000),  // no collector
		policy(4, 103, 100, 1000, 5000),  // not confirmed
		policy(5, 101, 995, 1000, 5000),  // below the minimum trade amount
		policy(6, 999, 100, 1000, 5000),  // unknown currency
		policy(7, 102, 100, 1000, 5000),  // no collector, reported once
	)

	n, err := f.p.GenerateOffers(ctx, f.turn)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sent := outboxtest.Drain(t, f.worker)
	offers := outboxtest.OfType[*messages.CandidateOffer](sent)
	require.Len(t, offers, 2)
	assert.Equal(t, int64(1), offers[0].CreditorID)
	assert.Equal(t, int64(900), offers[0].Amount)
	assert.Equal(t, int64(2), offers[1].CreditorID)
	assert.Equal(t, int64(-4000), offers[1].Amount)
	assert.Equal(t, int32(1), offers[1].TurnID)

	needed := outboxtest.OfType[*messages.NeededCollector](sent)
	require.Len(t, needed, 1)
	assert.Equal(t, int64(102), needed[0].DebtorID)
}

func TestGenerateOffers_PolicyPegMustAgree(t *testing.T) {
	f := newFixture(t, "#")
	ctx := context.Background()
	require.NoError(t, f.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		return tx.ReplaceActiveCollectors(ctx, []domain.ActiveCollector{{DebtorID: 101, CollectorID: 999, AccountID: "c"}})
	}))
	base := int64(100)
	good, bad := 2.0, 3.0
	agreeing := policy(1, 101, 100, 1000, 5000)
	agreeing.PegDebtorID, agreeing.PegExchangeRate = &base, &good
	disagreeing := policy(2, 101, 100, 1000, 5000)
	disagreeing.PegDebtorID, disagreeing.PegExchangeRate = &base, &bad
	f.insertPolicies(t, agreeing, disagreeing)

	n, err := f.p.GenerateOffers(ctx, f.turn)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	offers := outboxtest.OfType[*messages.CandidateOffer](outboxtest.Drain(t, f.worker))
	require.Len(t, offers, 1)
	assert.Equal(t, int64(1), offers[0].CreditorID)
}

func TestGenerateOffers_OnlyOwnedCreditors(t *testing.T) {
	f := newFixture(t, "0.#")
	ctx := context.Background()
	require.NoError(t, f.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		return tx.ReplaceActiveCollectors(ctx, []domain.ActiveCollector{{DebtorID: 101, CollectorID: 999, AccountID: "c"}})
	}))
	realm := sharding.MustParseRealm("0.#")
	var owned int
	for id := int64(1); id <= 20; id++ {
		f.insertPolicies(t, policy(id, 101, 100, 1000, 5000))
		if realm.Match(id) {
			owned++
		}
	}
	n, err := f.p.GenerateOffers(ctx, f.turn)
	require.NoError(t, err)
	assert.Equal(t, owned, n)
	for _, o := range outboxtest.OfType[*messages.CandidateOffer](outboxtest.Drain(t, f.worker)) {
		assert.True(t, realm.Match(o.CreditorID))
	}
}

func TestRegisterCurrencies(t *testing.T) {
	f := newFixture(t, "#")
	ctx := context.Background()
	locator := "https://example.com/101"
	pegLocator := "https://example.com/100"
	base := int64(100)
	rate := 2.0
	require.NoError(t, f.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		require.NoError(t, tx.UpsertDocument(ctx, &domain.DebtorInfoDocument{
			DebtorInfoLocator: locator, DebtorID: 101,
			PegDebtorInfoLocator: &pegLocator, PegDebtorID: &base, PegExchangeRate: &rate,
			FetchedAt: now,
		}))
		require.NoError(t, tx.UpsertClaim(ctx, &domain.DebtorLocatorClaim{DebtorID: 101, DebtorInfoLocator: &locator}))
		return tx.UpsertClaim(ctx, &domain.DebtorLocatorClaim{DebtorID: 102})
	}))

	require.NoError(t, f.p.RegisterCurrencies(ctx, 7))
	require.NoError(t, f.solver.Atomic(ctx, func(tx store.SolverTx) error {
		infos, err := tx.ListDebtorInfos(ctx, 7)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, int64(101), infos[0].DebtorID)
		assert.Equal(t, &base, infos[0].PegDebtorID)

		confirmed, err := tx.ListConfirmedDebtors(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, []domain.ConfirmedDebtor{{TurnID: 7, DebtorID: 101, DebtorInfoLocator: locator}}, confirmed)
		return nil
	}))
}

func TestCommitOffers(t *testing.T) {
	f := newFixture(t, "#")
	ctx := context.Background()
	transferID := int64(5)
	zero := int64(0)
	released := now
	require.NoError(t, f.worker.Atomic(ctx, func(tx store.WorkerTx) error {
		for _, l := range []domain.AccountLock{
			{CreditorID: 1, DebtorID: 101, TurnID: 1, CollectorID: 999, CoordinatorRequestID: 1, Amount: -500, TransferID: &transferID},
			{CreditorID: 2, DebtorID: 101, TurnID: 1, CollectorID: 2, CoordinatorRequestID: 2, Amount: 300, TransferID: &zero},
			{CreditorID: 3, DebtorID: 101, TurnID: 1, CollectorID: 999, CoordinatorRequestID: 3, Amount: 700},
			{CreditorID: 4, DebtorID: 101, TurnID: 1, CollectorID: 999, CoordinatorRequestID: 4, Amount: 700, TransferID: &transferID, ReleasedAt: &released},
			{CreditorID: 5, DebtorID: 101, TurnID: 2, CollectorID: 999, CoordinatorRequestID: 5, Amount: 700, TransferID: &transferID},
		} {
			if err := tx.InsertAccountLock(ctx, &l); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, f.p.CommitOffers(ctx, 1))
	require.NoError(t, f.solver.Atomic(ctx, func(tx store.SolverTx) error {
		sells, err := tx.ListSellOffers(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []domain.SellOffer{{TurnID: 1, CreditorID: 1, DebtorID: 101, Amount: 500, CollectorID: 999}}, sells)

		buys, err := tx.ListBuyOffers(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []domain.BuyOffer{{TurnID: 1, CreditorID: 2, DebtorID: 101, Amount: 300}}, buys)
		return nil
	}))
}

func TestCandidateAmount_ExtremeBounds(t *testing.T) {
	p := policy(1, 101, math.MinInt64+1, 0, 0)
	assert.Equal(t, int64(money.MaxInt64), CandidateAmount(&p))
}
