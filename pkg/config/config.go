// ==============================================================================
// CONFIG PACKAGE - pkg/config/config.go
// ==============================================================================
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database   DatabaseConfig
	NATS       NATSConfig
	Redis      RedisConfig
	Probe      ProbeConfig
	Sharding   ShardingConfig
	Turn       TurnConfig
	Collectors CollectorsConfig
	App        AppConfig
	Scan       ScanConfig
}

type DatabaseConfig struct {
	SolverURL       string
	WorkerURL       string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type NATSConfig struct {
	URL            string
	Name           string
	Stream         string
	Consumer       string
	SubjectPrefix  string
	SMPPrefix      string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
	FetchBatch     int
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type ProbeConfig struct {
	Addr string
}

type ShardingConfig struct {
	Realm                    string
	DeleteParentShardRecords bool
}

type TurnConfig struct {
	Period                time.Duration
	PeriodOffset          time.Duration
	CheckInterval         time.Duration
	Phase1Duration        time.Duration
	Phase2Duration        time.Duration
	MaxCommitPeriod       time.Duration
	BaseDebtorID          int64
	BaseDebtorInfoLocator string
	MaxDistanceToBase     int
	MinTradeAmount        int64
}

type CollectorsConfig struct {
	MinID int64
	MaxID int64
}

type AppConfig struct {
	DebtorInfoExpiryDays         int
	LocatorClaimExpiryDays       int
	DebtorInfoFetchBurstCount    int
	DebtorInfoFetchMinRetry      time.Duration
	DebtorInfoFetchTimeout       time.Duration
	DebtorInfoFetchConcurrency   int
	DebtorInfoDocumentsScanDays  int
	MinDemurrageRate             float64
	MinTransferNoteMaxBytes      int
	MaxHeartbeatDelayDays        int
	AccountLockMaxDays           int
	ReleasedLockMaxDelayDays     int
	TurnMaxAgeDays               int
	InterestRateHistoryPeriod    time.Duration
	TransfersMinBackoff          time.Duration
	TransfersFinalizationTimeout time.Duration
	OffersCushion                time.Duration
	FlushBurstCount              int
	ProcessBurstCount            int
}

type ScanConfig struct {
	RowsPerQuery  int
	BeatDuration  time.Duration
	RowsPerSecond float64
}

// Load reads the configuration from the environment. An optional .env file in
// the working directory is applied first without overriding existing values.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Database: DatabaseConfig{
			SolverURL:       getEnv("SOLVER_POSTGRES_URL", ""),
			WorkerURL:       getEnv("WORKER_POSTGRES_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		NATS: NATSConfig{
			URL:            getEnv("NATS_URL", "nats://localhost:4222"),
			Name:           getEnv("NATS_CLIENT_NAME", "swpt_trade"),
			Stream:         getEnv("NATS_STREAM", "SWPT_TRADE"),
			Consumer:       getEnv("NATS_CONSUMER", "swpt_trade"),
			SubjectPrefix:  getEnv("NATS_SUBJECT_PREFIX", "trade"),
			SMPPrefix:      getEnv("NATS_SMP_PREFIX", "smp"),
			ReconnectWait:  getDurationEnv("NATS_RECONNECT_WAIT", 2*time.Second),
			MaxReconnects:  getIntEnv("NATS_MAX_RECONNECTS", -1),
			ConnectTimeout: getDurationEnv("NATS_CONNECT_TIMEOUT", 5*time.Second),
			FetchBatch:     getIntEnv("NATS_FETCH_BATCH", 100),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Probe: ProbeConfig{
			Addr: getEnv("PROBE_ADDR", ""),
		},
		Sharding: ShardingConfig{
			Realm:                    getEnv("SHARDING_REALM", "#"),
			DeleteParentShardRecords: getBoolEnv("DELETE_PARENT_SHARD_RECORDS", false),
		},
		Turn: TurnConfig{
			Period:                getDurationEnv("TURN_PERIOD", 24*time.Hour),
			PeriodOffset:          getDurationEnv("TURN_PERIOD_OFFSET", 2*time.Hour),
			CheckInterval:         getDurationEnv("TURN_CHECK_INTERVAL", time.Minute),
			Phase1Duration:        getDurationEnv("TURN_PHASE1_DURATION", 10*time.Minute),
			Phase2Duration:        getDurationEnv("TURN_PHASE2_DURATION", time.Hour),
			MaxCommitPeriod:       getDurationEnv("TURN_MAX_COMMIT_PERIOD", 30*24*time.Hour),
			BaseDebtorID:          getInt64Env("BASE_DEBTOR_ID", 0),
			BaseDebtorInfoLocator: getEnv("BASE_DEBTOR_INFO_LOCATOR", ""),
			MaxDistanceToBase:     getIntEnv("MAX_DISTANCE_TO_BASE", 10),
			MinTradeAmount:        getInt64Env("MIN_TRADE_AMOUNT", 1000),
		},
		Collectors: CollectorsConfig{
			MinID: getInt64Env("MIN_COLLECTOR_ID", 0),
			MaxID: getInt64Env("MAX_COLLECTOR_ID", 0),
		},
		App: AppConfig{
			DebtorInfoExpiryDays:         getIntEnv("APP_DEBTOR_INFO_EXPIRY_DAYS", 7),
			LocatorClaimExpiryDays:       getIntEnv("APP_LOCATOR_CLAIM_EXPIRY_DAYS", 45),
			DebtorInfoFetchBurstCount:    getIntEnv("APP_DEBTOR_INFO_FETCH_BURST_COUNT", 100),
			DebtorInfoFetchMinRetry:      getDurationEnv("APP_DEBTOR_INFO_FETCH_MIN_RETRY", time.Minute),
			DebtorInfoFetchTimeout:       getDurationEnv("APP_DEBTOR_INFO_FETCH_TIMEOUT", 10*time.Second),
			DebtorInfoFetchConcurrency:   getIntEnv("APP_DEBTOR_INFO_FETCH_CONCURRENCY", 8),
			DebtorInfoDocumentsScanDays:  getIntEnv("APP_DEBTOR_INFO_DOCUMENTS_SCAN_DAYS", 7),
			MinDemurrageRate:             getFloatEnv("APP_MIN_DEMURRAGE_RATE", -50),
			MinTransferNoteMaxBytes:      getIntEnv("APP_MIN_TRANSFER_NOTE_MAX_BYTES", 100),
			MaxHeartbeatDelayDays:        getIntEnv("APP_MAX_HEARTBEAT_DELAY_DAYS", 365),
			AccountLockMaxDays:           getIntEnv("APP_ACCOUNT_LOCK_MAX_DAYS", 365),
			ReleasedLockMaxDelayDays:     getIntEnv("APP_RELEASED_LOCK_MAX_DELAY_DAYS", 30),
			TurnMaxAgeDays:               getIntEnv("APP_TURN_MAX_AGE_DAYS", 60),
			InterestRateHistoryPeriod:    getDurationEnv("APP_INTEREST_RATE_HISTORY_PERIOD", 60*24*time.Hour),
			TransfersMinBackoff:          getDurationEnv("APP_TRANSFERS_MIN_BACKOFF", 10*time.Second),
			TransfersFinalizationTimeout: getDurationEnv("APP_TRANSFERS_FINALIZATION_TIMEOUT", 4*time.Hour),
			OffersCushion:                getDurationEnv("APP_OFFERS_CUSHION", 5*time.Minute),
			FlushBurstCount:              getIntEnv("APP_FLUSH_BURST_COUNT", 1000),
			ProcessBurstCount:            getIntEnv("APP_PROCESS_BURST_COUNT", 1000),
		},
		Scan: ScanConfig{
			RowsPerQuery:  getIntEnv("APP_SCAN_BLOCKS_PER_QUERY", 500),
			BeatDuration:  getDurationEnv("APP_SCAN_BEAT_DURATION", 100*time.Millisecond),
			RowsPerSecond: getFloatEnv("APP_SCAN_ROWS_PER_SECOND", 5000),
		},
	}
}

// Days converts a day count from the configuration into a duration.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(strings.TrimSpace(value), 0, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}
