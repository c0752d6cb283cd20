// ==============================================================================
// DEBTOR INFO SERVICE - internal/debtorinfo/service.go
// ==============================================================================
package debtorinfo

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"swpttrade/internal/domain"
	"swpttrade/internal/messages"
	"swpttrade/internal/outbox"
	"swpttrade/internal/sharding"
	"swpttrade/internal/store"
	"swpttrade/pkg/cache"
	pkgerrors "swpttrade/pkg/errors"
	"swpttrade/pkg/logger"
)

const maxAttempts = math.MaxInt16

type Config struct {
	// ExpiryPeriod is how long a stored document stays usable.
	ExpiryPeriod      time.Duration
	ClaimExpiryPeriod time.Duration
	MinRetry          time.Duration
	FetchTimeout      time.Duration
	Concurrency       int
	BurstCount        int
	MaxDistanceToBase int16
}

// Service resolves debtor info locators: it keeps locator claims per
// debtor, a queue of pending fetches, and the fetched documents.
type Service struct {
	store   store.WorkerStore
	writer  *outbox.Writer
	fetcher Fetcher
	cache   cache.Cache
	realm   sharding.Realm
	cfg     Config
	logger  logger.Logger
	Now     func() time.Time
	// Jitter returns a value in [0, 1) used to spread retries.
	Jitter func() float64
}

func NewService(st store.WorkerStore, writer *outbox.Writer, fetcher Fetcher, c cache.Cache, realm sharding.Realm, cfg Config, log logger.Logger) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BurstCount <= 0 {
		cfg.BurstCount = 100
	}
	if c == nil {
		c = cache.Nop{}
	}
	return &Service{
		store:   st,
		writer:  writer,
		fetcher: fetcher,
		cache:   c,
		realm:   realm,
		cfg:     cfg,
		logger:  log,
		Now:     func() time.Time { return time.Now().UTC() },
		Jitter:  rand.Float64,
	}
}

func cacheKey(locator string) string {
	return "debtor_info:" + locator
}

// ProcessFetchDebtorInfo queues a fetch, merging it with a pending one.
func (s *Service) ProcessFetchDebtorInfo(ctx context.Context, m *messages.FetchDebtorInfo) error {
	now := s.Now()
	return s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		return tx.UpsertFetch(ctx, &domain.DebtorInfoFetch{
			IRI:              m.IRI,
			DebtorID:         m.DebtorID,
			IsLocatorFetch:   m.IsLocatorFetch,
			IsDiscoveryFetch: m.IsDiscoveryFetch,
			IgnoreCache:      m.IgnoreCache,
			RecursionLevel:   m.RecursionLevel,
			NextAttemptAt:    now,
		})
	})
}

// ProcessDiscoverDebtor starts a discovery fetch unless the debtor's claim
// is recent. A forced refetch bypasses both the claim age and the document
// cache, but is rate limited per claim.
func (s *Service) ProcessDiscoverDebtor(ctx context.Context, m *messages.DiscoverDebtor) error {
	now := s.Now()
	return s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		claim, err := tx.GetClaim(ctx, m.DebtorID)
		if err != nil {
			if !store.IsNotFound(err) {
				return err
			}
			claim = nil
		}

		discover := claim == nil || now.Sub(claim.LatestDiscoveryFetchAt) > s.cfg.ClaimExpiryPeriod
		force := m.ForceLocatorRefetch && (claim == nil || claim.ForcedLocatorRefetchAt == nil ||
			now.Sub(*claim.ForcedLocatorRefetchAt) >= s.cfg.ExpiryPeriod+time.Hour)
		if !discover && !force {
			return nil
		}

		if claim == nil {
			claim = &domain.DebtorLocatorClaim{DebtorID: m.DebtorID}
		}
		claim.LatestDiscoveryFetchAt = now
		if force {
			claim.ForcedLocatorRefetchAt = &now
		}
		if err := tx.UpsertClaim(ctx, claim); err != nil {
			return err
		}
		return s.writer.Send(ctx, tx, now, &messages.FetchDebtorInfo{
			IRI:              m.IRI,
			DebtorID:         m.DebtorID,
			IsDiscoveryFetch: true,
			IgnoreCache:      force,
		})
	})
}

// ProcessConfirmDebtor records the canonical locator of a debtor and
// schedules a locator fetch for it.
func (s *Service) ProcessConfirmDebtor(ctx context.Context, m *messages.ConfirmDebtor) error {
	now := s.Now()
	return s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		claim, err := tx.GetClaim(ctx, m.DebtorID)
		if err != nil {
			if !store.IsNotFound(err) {
				return err
			}
			claim = &domain.DebtorLocatorClaim{DebtorID: m.DebtorID, LatestDiscoveryFetchAt: now}
		}
		locator := m.DebtorInfoLocator
		claim.DebtorInfoLocator = &locator
		claim.LatestLocatorFetchAt = &now
		if err := tx.UpsertClaim(ctx, claim); err != nil {
			return err
		}
		return s.writer.Send(ctx, tx, now, &messages.FetchDebtorInfo{
			IRI:            locator,
			DebtorID:       m.DebtorID,
			IsLocatorFetch: true,
		})
	})
}

// ProcessStoreDocument saves a freshly fetched document.
func (s *Service) ProcessStoreDocument(ctx context.Context, m *messages.StoreDocument) error {
	doc := &domain.DebtorInfoDocument{
		DebtorInfoLocator:    m.DebtorInfoLocator,
		DebtorID:             m.DebtorID,
		PegDebtorInfoLocator: m.PegDebtorInfoLocator,
		PegDebtorID:          m.PegDebtorID,
		PegExchangeRate:      m.PegExchangeRate,
		WillNotChangeUntil:   m.WillNotChangeUntil,
		FetchedAt:            m.TS,
	}
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = s.Now()
	}
	if err := s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		existing, err := tx.GetDocument(ctx, doc.DebtorInfoLocator)
		if err == nil && existing.FetchedAt.After(doc.FetchedAt) {
			return nil
		}
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		return tx.UpsertDocument(ctx, doc)
	}); err != nil {
		return err
	}
	s.cacheDocument(ctx, doc)
	return nil
}

func (s *Service) cacheDocument(ctx context.Context, doc *domain.DebtorInfoDocument) {
	if err := s.cache.Set(ctx, cacheKey(doc.DebtorInfoLocator), doc, s.cfg.ExpiryPeriod); err != nil {
		s.logger.Warn("Failed to cache debtor info document", map[string]interface{}{
			"locator": doc.DebtorInfoLocator,
			"error":   err.Error(),
		})
	}
}

// lookupDocument reads a stored document, through the cache when possible.
func (s *Service) lookupDocument(ctx context.Context, tx store.WorkerTx, locator string) (*domain.DebtorInfoDocument, error) {
	var doc domain.DebtorInfoDocument
	err := s.cache.Get(ctx, cacheKey(locator), &doc)
	if err == nil {
		return &doc, nil
	}
	if !pkgerrors.Is(err, pkgerrors.ErrCacheMiss) {
		s.logger.Warn("Failed to read debtor info cache", map[string]interface{}{
			"locator": locator,
			"error":   err.Error(),
		})
	}
	stored, err := tx.GetDocument(ctx, locator)
	if err != nil {
		return nil, err
	}
	s.cacheDocument(ctx, stored)
	return stored, nil
}

type fetchResult struct {
	fetch domain.DebtorInfoFetch
	doc   *domain.DebtorInfoDocument
	err   error
}

// ProcessDebtorInfoFetches performs one burst of due fetches. Locator
// fetches that a stored document can answer are resolved without network
// access; the rest are fetched concurrently outside of any transaction.
func (s *Service) ProcessDebtorInfoFetches(ctx context.Context) (bool, error) {
	now := s.Now()
	var pending []domain.DebtorInfoFetch
	burst := 0

	err := s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		pending = nil
		rows, err := tx.BurstDueFetches(ctx, now, s.cfg.BurstCount)
		if err != nil {
			return err
		}
		burst = len(rows)

		for i := range rows {
			f := &rows[i]
			if !s.realm.MatchStr(f.IRI) {
				if err := tx.DeleteFetch(ctx, f.IRI, f.DebtorID); err != nil {
					return err
				}
				continue
			}
			if f.IsLocatorFetch && !f.IgnoreCache {
				doc, err := s.lookupDocument(ctx, tx, f.IRI)
				if err == nil {
					if err := s.resolve(ctx, tx, f, doc, false, now); err != nil {
						return err
					}
					continue
				}
				if !store.IsNotFound(err) {
					return err
				}
			}
			// Hide the row from concurrent bursts while it is being fetched.
			f.NextAttemptAt = now.Add(2 * s.cfg.FetchTimeout)
			if err := tx.UpdateFetch(ctx, f); err != nil {
				return err
			}
			pending = append(pending, *f)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to process debtor info fetches", map[string]interface{}{
			"error": err.Error(),
		})
		return false, err
	}
	if len(pending) == 0 {
		return burst >= s.cfg.BurstCount, nil
	}

	results := s.fetchAll(ctx, pending)
	now = s.Now()
	err = s.store.Atomic(ctx, func(tx store.WorkerTx) error {
		for i := range results {
			r := &results[i]
			f, err := tx.GetFetch(ctx, r.fetch.IRI, r.fetch.DebtorID)
			if err != nil {
				if store.IsNotFound(err) {
					continue
				}
				return err
			}
			if r.err != nil {
				if err := s.registerFailure(ctx, tx, f, r.err, now); err != nil {
					return err
				}
				continue
			}
			r.doc.FetchedAt = now
			if err := s.resolve(ctx, tx, f, r.doc, true, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to record debtor info fetch results", map[string]interface{}{
			"error": err.Error(),
		})
		return false, err
	}
	return burst >= s.cfg.BurstCount, nil
}

func (s *Service) fetchAll(ctx context.Context, fetches []domain.DebtorInfoFetch) []fetchResult {
	results := make([]fetchResult, len(fetches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range fetches {
		results[i].fetch = fetches[i]
		g.Go(func() error {
			fctx := gctx
			if s.cfg.FetchTimeout > 0 {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(gctx, s.cfg.FetchTimeout)
				defer cancel()
			}
			results[i].doc, results[i].err = s.fetcher.FetchDocument(fctx, fetches[i].IRI)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// resolve acts on a document obtained for a fetch and deletes the fetch.
func (s *Service) resolve(ctx context.Context, tx store.WorkerTx, f *domain.DebtorInfoFetch, doc *domain.DebtorInfoDocument, fresh bool, now time.Time) error {
	var msgs []messages.Message
	if f.IsDiscoveryFetch && doc.DebtorID == f.DebtorID {
		msgs = append(msgs, &messages.ConfirmDebtor{
			DebtorID:          f.DebtorID,
			DebtorInfoLocator: doc.DebtorInfoLocator,
		})
	}
	if doc.DebtorInfoLocator == f.IRI {
		if fresh {
			msgs = append(msgs, &messages.StoreDocument{
				DebtorInfoLocator:    doc.DebtorInfoLocator,
				DebtorID:             doc.DebtorID,
				PegDebtorInfoLocator: doc.PegDebtorInfoLocator,
				PegDebtorID:          doc.PegDebtorID,
				PegExchangeRate:      doc.PegExchangeRate,
				WillNotChangeUntil:   doc.WillNotChangeUntil,
			})
		}
		if f.IsLocatorFetch && doc.HasPeg() && f.RecursionLevel < s.cfg.MaxDistanceToBase {
			msgs = append(msgs, &messages.FetchDebtorInfo{
				IRI:            *doc.PegDebtorInfoLocator,
				DebtorID:       *doc.PegDebtorID,
				IsLocatorFetch: true,
				RecursionLevel: f.RecursionLevel + 1,
			})
		}
	}
	if err := s.writer.Send(ctx, tx, now, msgs...); err != nil {
		return err
	}
	return tx.DeleteFetch(ctx, f.IRI, f.DebtorID)
}

// registerFailure reschedules a failed fetch with randomized exponential
// backoff, or gives up once the wait would outlast a document's expiry.
func (s *Service) registerFailure(ctx context.Context, tx store.WorkerTx, f *domain.DebtorInfoFetch, fetchErr error, now time.Time) error {
	if f.AttemptsCount < maxAttempts {
		f.AttemptsCount++
	}
	wait := float64(s.cfg.MinRetry) * math.Pow(2, float64(min(f.AttemptsCount, 100))) * (0.5 + s.Jitter()/2)
	code := errorCode(fetchErr)

	s.logger.Warn("Debtor info fetch failed", map[string]interface{}{
		"iri":      f.IRI,
		"attempts": f.AttemptsCount,
		"error":    fetchErr.Error(),
	})
	if wait > float64(s.cfg.ExpiryPeriod) {
		return tx.DeleteFetch(ctx, f.IRI, f.DebtorID)
	}
	f.LatestAttemptAt = &now
	f.LatestAttemptErrorcode = &code
	f.NextAttemptAt = now.Add(time.Duration(wait))
	return tx.UpdateFetch(ctx, f)
}

func errorCode(err error) string {
	var statusErr *StatusError
	switch {
	case pkgerrors.As(err, &statusErr):
		return strconv.Itoa(statusErr.StatusCode)
	case pkgerrors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	default:
		return "FETCH_ERROR"
	}
}
