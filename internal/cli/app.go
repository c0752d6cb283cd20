// ==============================================================================
// COMMAND LINE - internal/cli/app.go
// ==============================================================================
package cli

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"swpttrade/internal/bids"
	"swpttrade/internal/collectors"
	"swpttrade/internal/debtorinfo"
	"swpttrade/internal/dispatching"
	"swpttrade/internal/inbox"
	"swpttrade/internal/ledger"
	"swpttrade/internal/locks"
	"swpttrade/internal/messages"
	"swpttrade/internal/outbox"
	"swpttrade/internal/repository/postgres"
	"swpttrade/internal/runner"
	"swpttrade/internal/scanners"
	"swpttrade/internal/sharding"
	"swpttrade/internal/store"
	"swpttrade/internal/transfers"
	"swpttrade/internal/turns"
	"swpttrade/internal/workerturns"
	"swpttrade/pkg/cache"
	"swpttrade/pkg/config"
	"swpttrade/pkg/logger"
	"swpttrade/pkg/messaging"
)

// needs lists the connections a role opens.
type needs struct {
	solverDB bool
	workerDB bool
	bus      bool
	cache    bool
	turns    bool
}

// app holds the connections and services of one role.
type app struct {
	cfg    *config.Config
	logger logger.Logger
	realm  sharding.Realm

	solverDB *sqlx.DB
	workerDB *sqlx.DB
	bus      *messaging.Client
	redis    *cache.RedisCache

	solver store.SolverStore
	worker store.WorkerStore
	cache  cache.Cache
	codec  *messages.Codec
	writer *outbox.Writer
}

func newApp(ctx context.Context, role string, n needs) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateCore(n.solverDB, n.workerDB, n.bus); err != nil {
		return nil, err
	}
	if n.turns {
		if err := cfg.ValidateTurnParams(); err != nil {
			return nil, err
		}
	}
	realm, err := sharding.ParseRealm(cfg.Sharding.Realm)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg: cfg,
		logger: logger.New("swpt_trade").With(map[string]interface{}{
			"role":  role,
			"shard": realm.String(),
		}),
		realm: realm,
		cache: cache.Nop{},
	}
	a.codec = messages.NewCodec(messages.Router{Prefix: cfg.NATS.SubjectPrefix, SMPPrefix: cfg.NATS.SMPPrefix})
	a.writer = outbox.NewWriter(a.codec)

	pool := postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
	if n.solverDB {
		if a.solverDB, err = postgres.Open(ctx, cfg.Database.SolverURL, pool); err != nil {
			a.close()
			return nil, fmt.Errorf("solver database: %w", err)
		}
		a.solver = postgres.NewSolverStore(a.solverDB)
	}
	if n.workerDB {
		if a.workerDB, err = postgres.Open(ctx, cfg.Database.WorkerURL, pool); err != nil {
			a.close()
			return nil, fmt.Errorf("worker database: %w", err)
		}
		a.worker = postgres.NewWorkerStore(a.workerDB)
	}
	if n.bus {
		a.bus, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.Name,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
		})
		if err != nil {
			a.close()
			return nil, err
		}
	}
	if n.cache && cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			// The document cache is optional.
			a.logger.Warn("Redis unavailable, running without document cache", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			a.redis, a.cache = rc, rc
		}
	}
	return a, nil
}

func (a *app) close() {
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.solverDB != nil {
		_ = a.solverDB.Close()
	}
	if a.workerDB != nil {
		_ = a.workerDB.Close()
	}
}

// checks are the readiness checks for the opened connections.
func (a *app) checks() map[string]runner.Check {
	checks := map[string]runner.Check{}
	if a.solverDB != nil {
		checks["solver_db"] = a.solverDB.PingContext
	}
	if a.workerDB != nil {
		checks["worker_db"] = a.workerDB.PingContext
	}
	if a.bus != nil {
		checks["nats"] = func(context.Context) error {
			if !a.bus.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Ping
	}
	return checks
}

func (a *app) turnsService() *turns.Service {
	t := a.cfg.Turn
	return turns.NewService(a.solver, turns.Config{
		Period:                t.Period,
		PeriodOffset:          t.PeriodOffset,
		Phase1Duration:        t.Phase1Duration,
		Phase2Duration:        t.Phase2Duration,
		MaxCommitPeriod:       t.MaxCommitPeriod,
		BaseDebtorInfoLocator: t.BaseDebtorInfoLocator,
		BaseDebtorID:          t.BaseDebtorID,
		MaxDistanceToBase:     int16(t.MaxDistanceToBase),
		MinTradeAmount:        t.MinTradeAmount,
	}, a.logger)
}

func (a *app) collectorsService() *collectors.Service {
	return collectors.NewService(a.solver, a.worker, a.writer, a.realm, collectors.Config{
		MinCollectorID: a.cfg.Collectors.MinID,
		MaxCollectorID: a.cfg.Collectors.MaxID,
		BurstCount:     a.cfg.App.ProcessBurstCount,
	}, a.logger)
}

func (a *app) workerTurnsService() *workerturns.Service {
	return workerturns.NewService(
		a.solver,
		a.worker,
		a.writer,
		bids.NewProcessor(a.solver, a.worker, a.writer, a.realm, a.logger),
		a.collectorsService(),
		a.realm,
		workerturns.Config{
			OffersCushion: a.cfg.App.OffersCushion,
			TurnMaxAge:    config.Days(a.cfg.App.TurnMaxAgeDays),
		},
		a.logger,
	)
}

func (a *app) debtorInfoService() *debtorinfo.Service {
	ac := a.cfg.App
	return debtorinfo.NewService(
		a.worker,
		a.writer,
		debtorinfo.NewHTTPFetcher(ac.DebtorInfoFetchTimeout),
		a.cache,
		a.realm,
		debtorinfo.Config{
			ExpiryPeriod:      config.Days(ac.DebtorInfoExpiryDays),
			ClaimExpiryPeriod: config.Days(ac.LocatorClaimExpiryDays),
			MinRetry:          ac.DebtorInfoFetchMinRetry,
			FetchTimeout:      ac.DebtorInfoFetchTimeout,
			Concurrency:       ac.DebtorInfoFetchConcurrency,
			BurstCount:        ac.DebtorInfoFetchBurstCount,
			MaxDistanceToBase: int16(a.cfg.Turn.MaxDistanceToBase),
		},
		a.logger,
	)
}

func (a *app) locksService() *locks.Service {
	return locks.NewService(a.worker, a.writer, locks.Config{
		MinDemurrageRate: a.cfg.App.MinDemurrageRate,
		MaxCommitPeriod:  a.cfg.Turn.MaxCommitPeriod,
	}, a.logger)
}

func (a *app) transfersService() *transfers.Service {
	return transfers.NewService(a.worker, a.writer, transfers.Config{
		MinBackoff:          a.cfg.App.TransfersMinBackoff,
		FinalizationTimeout: a.cfg.App.TransfersFinalizationTimeout,
		MinDemurrageRate:    a.cfg.App.MinDemurrageRate,
		BurstCount:          a.cfg.App.ProcessBurstCount,
	}, a.logger)
}

func (a *app) dispatchingService() *dispatching.Service {
	return dispatching.NewService(a.worker, a.writer, dispatching.Config{
		MaxCommitPeriod: a.cfg.Turn.MaxCommitPeriod,
		BurstCount:      a.cfg.App.ProcessBurstCount,
	}, a.logger)
}

// consumer builds a message consumer with every handler registered.
func (a *app) consumer(source messaging.Source) *inbox.Consumer {
	c := inbox.NewConsumer(source, a.codec, a.realm, a.cfg.NATS.FetchBatch, a.logger)
	inbox.Register(c, &inbox.Services{
		Store:       a.worker,
		Writer:      a.writer,
		Ledger:      ledger.NewService(a.worker, a.writer, a.logger),
		DebtorInfo:  a.debtorInfoService(),
		Collectors:  a.collectorsService(),
		Locks:       a.locksService(),
		Transfers:   a.transfersService(),
		Dispatching: a.dispatchingService(),
		Logger:      a.logger,
	})
	return c
}

func (a *app) scanner(table string) (*scanners.Scanner, error) {
	ac := a.cfg.App
	return scanners.New(table, scanners.Deps{
		Solver: a.solver,
		Worker: a.worker,
		Writer: a.writer,
		Realm:  a.realm,
		Config: scanners.Config{
			RowsPerQuery:             a.cfg.Scan.RowsPerQuery,
			BeatDuration:             a.cfg.Scan.BeatDuration,
			RowsPerSecond:            a.cfg.Scan.RowsPerSecond,
			DeleteParentShardRecords: a.cfg.Sharding.DeleteParentShardRecords,
			DocumentMaxAge:           config.Days(ac.DebtorInfoExpiryDays + ac.DebtorInfoDocumentsScanDays),
			ClaimMaxAge:              config.Days(ac.LocatorClaimExpiryDays),
			HeartbeatMaxDelay:        config.Days(ac.MaxHeartbeatDelayDays),
			InterestRateMaxAge:       ac.InterestRateHistoryPeriod,
			AccountLockMaxAge:        config.Days(ac.AccountLockMaxDays),
			ReleasedLockMaxDelay:     config.Days(ac.ReleasedLockMaxDelayDays),
			TurnMaxAge:               config.Days(ac.TurnMaxAgeDays),
		},
		Logger: a.logger,
	})
}

func (a *app) flusher() *outbox.Flusher {
	return outbox.NewFlusher(a.worker, a.bus, a.cfg.App.FlushBurstCount, a.logger)
}
