// ==============================================================================
// TABLE SCANNERS - internal/scanners/scanner.go
// ==============================================================================
package scanners

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"swpttrade/internal/outbox"
	"swpttrade/internal/sharding"
	"swpttrade/internal/store"
	"swpttrade/pkg/logger"
)

type Config struct {
	// RowsPerQuery is the size of one scanned page.
	RowsPerQuery int
	// BeatDuration and RowsPerSecond bound the database load of a scan.
	BeatDuration  time.Duration
	RowsPerSecond float64

	DeleteParentShardRecords bool

	DocumentMaxAge       time.Duration
	ClaimMaxAge          time.Duration
	HeartbeatMaxDelay    time.Duration
	InterestRateMaxAge   time.Duration
	AccountLockMaxAge    time.Duration
	ReleasedLockMaxDelay time.Duration
	TurnMaxAge           time.Duration
}

// Deps are the collaborators a table scan may need.
type Deps struct {
	Solver store.SolverStore
	Worker store.WorkerStore
	Writer *outbox.Writer
	Realm  sharding.Realm
	Config Config
	Logger logger.Logger
	Now    func() time.Time
}

// table scans one page of rows after its cursor and deletes the rows that
// are no longer needed. It reports how many rows it looked at and whether
// the end of the table was reached, in which case the cursor is rewound.
type table interface {
	scanPage(ctx context.Context, d *Deps, limit int) (scanned, deleted int, done bool, err error)
}

var tables = map[string]func() table{
	"debtor-info-documents": func() table { return &documents{} },
	"debtor-locator-claims": func() table { return &claims{} },
	"trading-policies":      func() table { return &policies{cursor: store.FirstPairCursor} },
	"worker-accounts":       func() table { return &workerAccounts{cursor: store.FirstPairCursor} },
	"interest-rate-changes": func() table { return &rateChanges{cursor: firstRateCursor} },
	"account-locks":         func() table { return &accountLocks{cursor: store.FirstPairCursor} },
	"worker-turns":          func() table { return &workerTurns{} },
	"turns":                 func() table { return &turns{} },
}

// Tables lists the names accepted by New.
func Tables() []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scanner walks one table over and over at a bounded rate.
type Scanner struct {
	name    string
	table   table
	deps    *Deps
	limit   int
	limiter *rate.Limiter
	deleted int
}

func New(name string, deps Deps) (*Scanner, error) {
	factory, ok := tables[name]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	limit := deps.Config.RowsPerQuery
	if limit <= 0 {
		limit = 500
	}
	limiter := rate.NewLimiter(rate.Inf, limit)
	if rps := deps.Config.RowsPerSecond; rps > 0 {
		burst := max(limit, int(math.Ceil(rps*deps.Config.BeatDuration.Seconds())))
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return &Scanner{
		name:    name,
		table:   factory(),
		deps:    &deps,
		limit:   limit,
		limiter: limiter,
	}, nil
}

func (s *Scanner) Name() string { return s.name }

// Run scans one page. It reports false once a full pass over the table is
// complete.
func (s *Scanner) Run(ctx context.Context) (bool, error) {
	scanned, deleted, done, err := s.table.scanPage(ctx, s.deps, s.limit)
	if err != nil {
		return false, err
	}
	s.deleted += deleted
	if done {
		if s.deleted > 0 {
			s.deps.Logger.Info("Table scan completed", map[string]interface{}{
				"table":   s.name,
				"deleted": s.deleted,
			})
		}
		s.deleted = 0
	}
	if scanned > 0 {
		if err := s.limiter.WaitN(ctx, min(scanned, s.limiter.Burst())); err != nil {
			return false, err
		}
	}
	return !done, nil
}

// ownedElsewhere reports whether a row keyed by id went to the sibling
// shard after a split.
func (d *Deps) ownedElsewhere(id int64) bool {
	return d.Config.DeleteParentShardRecords && d.Realm.IsParentRecord(id)
}

func (d *Deps) ownedElsewhereStr(s string) bool {
	return d.Config.DeleteParentShardRecords && d.Realm.IsParentRecordStr(s)
}

func olderThan(t time.Time, age time.Duration, now time.Time) bool {
	return age > 0 && now.Sub(t) > age
}
