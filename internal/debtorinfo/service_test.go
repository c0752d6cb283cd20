package debtorinfo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"swpttrade/internal/domain"
	"swpttrade/internal/messages"
	"swpttrade/internal/outbox/outboxtest"
	"swpttrade/internal/sharding"
	"swpttrade/internal/store"
	"swpttrade/internal/store/memstore"
	pkgerrors "swpttrade/pkg/errors"
	"swpttrade/pkg/logger"
)

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchDocument(ctx context.Context, iri string) (*domain.DebtorInfoDocument, error) {
	args := m.Called(ctx, iri)
	doc, _ := args.Get(0).(*domain.DebtorInfoDocument)
	return doc, args.Error(1)
}

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return m.Called(ctx, key, value, expiration).Error(0)
}

func (m *MockCache) Get(ctx context.Context, key string, dest interface{}) error {
	return m.Called(ctx, key, dest).Error(0)
}

func (m *MockCache) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

var (
	now     = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	testCfg = Config{
		ExpiryPeriod:      7 * 24 * time.Hour,
		ClaimExpiryPeriod: 45 * 24 * time.Hour,
		MinRetry:          time.Minute,
		FetchTimeout:      10 * time.Second,
		Concurrency:       4,
		BurstCount:        10,
		MaxDistanceToBase: 2,
	}
)

func newTestService(fetcher Fetcher) (*Service, *memstore.WorkerStore) {
	st := memstore.NewWorkerStore()
	s := NewService(st, outboxtest.NewWriter(), fetcher, nil, sharding.MustParseRealm("#"), testCfg, logger.NewNop())
	s.Now = func() time.Time { return now }
	s.Jitter = func() float64 { return 0 }
	return s, st
}

func insertFetch(t *testing.T, st store.WorkerStore, f domain.DebtorInfoFetch) {
	t.Helper()
	f.NextAttemptAt = now
	require.NoError(t, st.Atomic(context.Background(), func(tx store.WorkerTx) error {
		return tx.UpsertFetch(context.Background(), &f)
	}))
}

func getFetch(t *testing.T, st store.WorkerStore, iri string, debtorID int64) *domain.DebtorInfoFetch {
	t.Helper()
	var f *domain.DebtorInfoFetch
	require.NoError(t, st.Atomic(context.Background(), func(tx store.WorkerTx) error {
		var err error
		f, err = tx.GetFetch(context.Background(), iri, debtorID)
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}))
	return f
}

func TestProcessDiscoverDebtor(t *testing.T) {
	s, st := newTestService(new(MockFetcher))
	ctx := context.Background()
	iri := "https://example.com/101"

	require.NoError(t, s.ProcessDiscoverDebtor(ctx, &messages.DiscoverDebtor{DebtorID: 101, IRI: iri}))
	fetches := outboxtest.OfType[*messages.FetchDebtorInfo](outboxtest.Drain(t, st))
	require.Len(t, fetches, 1)
	assert.True(t, fetches[0].IsDiscoveryFetch)
	assert.False(t, fetches[0].IgnoreCache)

	// The claim is recent.
	require.NoError(t, s.ProcessDiscoverDebtor(ctx, &messages.DiscoverDebtor{DebtorID: 101, IRI: iri}))
	assert.Empty(t, outboxtest.Drain(t, st))

	require.NoError(t, s.ProcessDiscoverDebtor(ctx, &messages.DiscoverDebtor{DebtorID: 101, IRI: iri, ForceLocatorRefetch: true}))
	fetches = outboxtest.OfType[*messages.FetchDebtorInfo](outboxtest.Drain(t, st))
	require.Len(t, fetches, 1)
	assert.True(t, fetches[0].IgnoreCache)

	// Forced refetches are rate limited.
	s.Now = func() time.Time { return now.Add(testCfg.ExpiryPeriod) }
	require.NoError(t, s.ProcessDiscoverDebtor(ctx, &messages.DiscoverDebtor{DebtorID: 101, IRI: iri, ForceLocatorRefetch: true}))
	assert.Empty(t, outboxtest.Drain(t, st))

	s.Now = func() time.Time { return now.Add(testCfg.ExpiryPeriod + time.Hour) }
	require.NoError(t, s.ProcessDiscoverDebtor(ctx, &messages.DiscoverDebtor{DebtorID: 101, IRI: iri, ForceLocatorRefetch: true}))
	assert.Len(t, outboxtest.Drain(t, st), 1)
}

func TestProcessConfirmDebtor_SchedulesLocatorFetch(t *testing.T) {
	s, st := newTestService(new(MockFetcher))
	ctx := context.Background()
	locator := "https://example.com/101"

	require.NoError(t, s.ProcessConfirmDebtor(ctx, &messages.ConfirmDebtor{DebtorID: 101, DebtorInfoLocator: locator}))
	fetches := outboxtest.OfType[*messages.FetchDebtorInfo](outboxtest.Drain(t, st))
	require.Len(t, fetches, 1)
	assert.Equal(t, locator, fetches[0].IRI)
	assert.True(t, fetches[0].IsLocatorFetch)
	assert.Zero(t, fetches[0].RecursionLevel)

	require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
		claim, err := tx.GetClaim(ctx, 101)
		require.NoError(t, err)
		assert.Equal(t, locator, *claim.DebtorInfoLocator)
		return nil
	}))
}

func TestProcessDebtorInfoFetches_StaleDocument(t *testing.T) {
	iri := "https://example.com/666"
	fetcher := new(MockFetcher)
	s, st := newTestService(fetcher)
	ctx := context.Background()

	require.NoError(t, s.ProcessStoreDocument(ctx, &messages.StoreDocument{
		Base:              messages.Base{TS: now.AddDate(0, 0, -100)},
		DebtorInfoLocator: iri,
		DebtorID:          666,
	}))

	t.Run("locator fetch hits cache regardless of age", func(t *testing.T) {
		insertFetch(t, st, domain.DebtorInfoFetch{IRI: iri, DebtorID: 666, IsLocatorFetch: true, IsDiscoveryFetch: true})
		more, err := s.ProcessDebtorInfoFetches(ctx)
		require.NoError(t, err)
		assert.False(t, more)

		sent := outboxtest.Drain(t, st)
		require.Len(t, sent, 1)
		confirm, ok := sent[0].(*messages.ConfirmDebtor)
		require.True(t, ok)
		assert.Equal(t, iri, confirm.DebtorInfoLocator)
		assert.Nil(t, getFetch(t, st, iri, 666))
		fetcher.AssertNotCalled(t, "FetchDocument", mock.Anything, mock.Anything)
	})

	t.Run("ignore cache fetches again", func(t *testing.T) {
		fetcher.On("FetchDocument", mock.Anything, iri).
			Return(&domain.DebtorInfoDocument{DebtorInfoLocator: iri, DebtorID: 666}, nil).Once()
		insertFetch(t, st, domain.DebtorInfoFetch{IRI: iri, DebtorID: 666, IsDiscoveryFetch: true, IgnoreCache: true})

		_, err := s.ProcessDebtorInfoFetches(ctx)
		require.NoError(t, err)
		fetcher.AssertExpectations(t)

		sent := outboxtest.Drain(t, st)
		assert.Len(t, outboxtest.OfType[*messages.ConfirmDebtor](sent), 1)
		stored := outboxtest.OfType[*messages.StoreDocument](sent)
		require.Len(t, stored, 1)
		assert.Equal(t, int64(666), stored[0].DebtorID)
		assert.Nil(t, getFetch(t, st, iri, 666))

		require.NoError(t, s.ProcessStoreDocument(ctx, stored[0]))
		require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
			doc, err := tx.GetDocument(ctx, iri)
			require.NoError(t, err)
			assert.Equal(t, now, doc.FetchedAt)
			return nil
		}))
	})

	t.Run("discovery fetch never hits cache", func(t *testing.T) {
		fetcher.On("FetchDocument", mock.Anything, iri).
			Return(&domain.DebtorInfoDocument{DebtorInfoLocator: iri, DebtorID: 666}, nil).Once()
		insertFetch(t, st, domain.DebtorInfoFetch{IRI: iri, DebtorID: 666, IsDiscoveryFetch: true})

		_, err := s.ProcessDebtorInfoFetches(ctx)
		require.NoError(t, err)
		fetcher.AssertExpectations(t)
		assert.Len(t, outboxtest.OfType[*messages.ConfirmDebtor](outboxtest.Drain(t, st)), 1)
	})
}

func TestProcessDebtorInfoFetches_WalksPegChain(t *testing.T) {
	fetcher := new(MockFetcher)
	s, st := newTestService(fetcher)
	ctx := context.Background()

	pegLocator := "https://example.com/101"
	pegID := int64(101)
	rate := 2.0
	fetcher.On("FetchDocument", mock.Anything, "https://example.com/102").Return(&domain.DebtorInfoDocument{
		DebtorInfoLocator:    "https://example.com/102",
		DebtorID:             102,
		PegDebtorInfoLocator: &pegLocator,
		PegDebtorID:          &pegID,
		PegExchangeRate:      &rate,
	}, nil)

	insertFetch(t, st, domain.DebtorInfoFetch{IRI: "https://example.com/102", DebtorID: 102, IsLocatorFetch: true, IgnoreCache: true, RecursionLevel: 1})
	_, err := s.ProcessDebtorInfoFetches(ctx)
	require.NoError(t, err)

	sent := outboxtest.Drain(t, st)
	assert.Len(t, outboxtest.OfType[*messages.StoreDocument](sent), 1)
	assert.Empty(t, outboxtest.OfType[*messages.ConfirmDebtor](sent))
	next := outboxtest.OfType[*messages.FetchDebtorInfo](sent)
	require.Len(t, next, 1)
	assert.Equal(t, pegLocator, next[0].IRI)
	assert.Equal(t, int64(101), next[0].DebtorID)
	assert.Equal(t, int16(2), next[0].RecursionLevel)
	assert.True(t, next[0].IsLocatorFetch)

	// The chain stops at the maximum distance.
	insertFetch(t, st, domain.DebtorInfoFetch{IRI: "https://example.com/102", DebtorID: 102, IsLocatorFetch: true, IgnoreCache: true, RecursionLevel: 2})
	_, err = s.ProcessDebtorInfoFetches(ctx)
	require.NoError(t, err)
	assert.Empty(t, outboxtest.OfType[*messages.FetchDebtorInfo](outboxtest.Drain(t, st)))
}

func TestProcessDebtorInfoFetches_Backoff(t *testing.T) {
	iri := "https://example.com/404"
	fetcher := new(MockFetcher)
	fetcher.On("FetchDocument", mock.Anything, iri).Return(nil, &StatusError{StatusCode: http.StatusNotFound})
	s, st := newTestService(fetcher)
	ctx := context.Background()

	insertFetch(t, st, domain.DebtorInfoFetch{IRI: iri, DebtorID: 1, IsDiscoveryFetch: true})
	_, err := s.ProcessDebtorInfoFetches(ctx)
	require.NoError(t, err)

	f := getFetch(t, st, iri, 1)
	require.NotNil(t, f)
	assert.Equal(t, int16(1), f.AttemptsCount)
	assert.Equal(t, "404", *f.LatestAttemptErrorcode)
	// 1 minute · 2¹ · 0.5
	assert.Equal(t, now.Add(time.Minute), f.NextAttemptAt)
	assert.Empty(t, outboxtest.Drain(t, st))

	// Give up once the wait would exceed the document expiry.
	require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
		f.AttemptsCount = 20
		f.NextAttemptAt = now
		return tx.UpdateFetch(ctx, f)
	}))
	_, err = s.ProcessDebtorInfoFetches(ctx)
	require.NoError(t, err)
	assert.Nil(t, getFetch(t, st, iri, 1))
}

func TestProcessDebtorInfoFetches_DropsWrongShard(t *testing.T) {
	s, st := newTestService(new(MockFetcher))
	s.realm = sharding.MustParseRealm("0.#")

	var iri string
	for i := 0; ; i++ {
		iri = fmt.Sprintf("https://example.com/%d", i)
		if !s.realm.MatchStr(iri) {
			break
		}
	}
	insertFetch(t, st, domain.DebtorInfoFetch{IRI: iri, DebtorID: 1, IsDiscoveryFetch: true})
	_, err := s.ProcessDebtorInfoFetches(context.Background())
	require.NoError(t, err)
	assert.Nil(t, getFetch(t, st, iri, 1))
}

func TestLookupDocument_UsesCache(t *testing.T) {
	c := new(MockCache)
	st := memstore.NewWorkerStore()
	s := NewService(st, outboxtest.NewWriter(), new(MockFetcher), c, sharding.MustParseRealm("#"), testCfg, logger.NewNop())
	ctx := context.Background()

	c.On("Get", mock.Anything, "debtor_info:https://example.com/1", mock.Anything).Return(pkgerrors.ErrCacheMiss).Once()
	c.On("Set", mock.Anything, "debtor_info:https://example.com/1", mock.Anything, testCfg.ExpiryPeriod).Return(nil)
	c.On("Get", mock.Anything, "debtor_info:https://example.com/1", mock.Anything).Return(nil).Once()

	require.NoError(t, st.Atomic(ctx, func(tx store.WorkerTx) error {
		require.NoError(t, tx.UpsertDocument(ctx, &domain.DebtorInfoDocument{DebtorInfoLocator: "https://example.com/1", DebtorID: 1}))
		doc, err := s.lookupDocument(ctx, tx, "https://example.com/1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), doc.DebtorID)

		require.NoError(t, tx.DeleteDocument(ctx, "https://example.com/1"))
		_, err = s.lookupDocument(ctx, tx, "https://example.com/1")
		assert.NoError(t, err, "served from the cache")
		return nil
	}))
	c.AssertExpectations(t)
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/102":
			assert.Contains(t, r.Header.Get("Accept"), DocumentMediaType)
			w.Header().Set("Content-Type", DocumentMediaType)
			_, _ = w.Write([]byte(`{
				"iri": "https://example.com/102",
				"debtorId": 102,
				"willNotChangeUntil": "2025-04-01T00:00:00Z",
				"peg": {
					"exchangeRate": 2.5,
					"debtorIdentity": {"uri": "swpt:101"},
					"latestDebtorInfo": {"uri": "https://example.com/101"}
				}
			}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(time.Second)
	doc, err := f.FetchDocument(context.Background(), srv.URL+"/102")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/102", doc.DebtorInfoLocator)
	assert.Equal(t, int64(102), doc.DebtorID)
	require.True(t, doc.HasPeg())
	assert.Equal(t, int64(101), *doc.PegDebtorID)
	assert.Equal(t, 2.5, *doc.PegExchangeRate)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), doc.WillNotChangeUntil.UTC())

	_, err = f.FetchDocument(context.Background(), srv.URL+"/missing")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.ErrorIs(t, err, pkgerrors.ErrFetchFailed)
}

func TestParseDocument_RejectsBadPeg(t *testing.T) {
	_, err := ParseDocument([]byte(`{"iri": "https://example.com/1", "debtorId": 1,
		"peg": {"exchangeRate": 1, "debtorIdentity": {"uri": "other:5"}, "latestDebtorInfo": {"uri": "https://example.com/5"}}}`))
	assert.ErrorIs(t, err, pkgerrors.ErrFetchFailed)

	_, err = ParseDocument([]byte(`{"debtorId": 1}`))
	assert.ErrorIs(t, err, pkgerrors.ErrFetchFailed)
}
