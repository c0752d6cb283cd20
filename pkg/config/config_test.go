package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "#", cfg.Sharding.Realm)
	assert.Equal(t, -50.0, cfg.App.MinDemurrageRate)
	assert.Equal(t, 100, cfg.App.MinTransferNoteMaxBytes)
	assert.Equal(t, 365, cfg.App.MaxHeartbeatDelayDays)
	assert.Equal(t, 24*time.Hour, cfg.Turn.Period)
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("SHARDING_REALM", "1.0.#")
	t.Setenv("MIN_COLLECTOR_ID", "0x0000010000000000")
	t.Setenv("MAX_COLLECTOR_ID", "0x00000100000000ff")
	t.Setenv("APP_MIN_DEMURRAGE_RATE", "-30.5")
	t.Setenv("TURN_PERIOD", "2h")
	t.Setenv("DELETE_PARENT_SHARD_RECORDS", "yes")
	t.Setenv("REDIS_URL", "redis://cache:6379")

	cfg := Load()

	assert.Equal(t, "1.0.#", cfg.Sharding.Realm)
	assert.Equal(t, int64(0x0000010000000000), cfg.Collectors.MinID)
	assert.Equal(t, int64(0x00000100000000ff), cfg.Collectors.MaxID)
	assert.Equal(t, -30.5, cfg.App.MinDemurrageRate)
	assert.Equal(t, 2*time.Hour, cfg.Turn.Period)
	assert.True(t, cfg.Sharding.DeleteParentShardRecords)
	assert.Equal(t, "cache:6379", cfg.Redis.URL)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	require.NoError(t, cfg.Validate())

	cfg.App.DebtorInfoExpiryDays = 10
	cfg.App.LocatorClaimExpiryDays = 40
	cfg.App.MinDemurrageRate = 5
	cfg.Turn.MinTradeAmount = 1
	cfg.Sharding.Realm = "2.#"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_LOCATOR_CLAIM_EXPIRY_DAYS must be at least 5 times")
	assert.Contains(t, err.Error(), "APP_MIN_DEMURRAGE_RATE")
	assert.Contains(t, err.Error(), "MIN_TRADE_AMOUNT")
	assert.Contains(t, err.Error(), "SHARDING_REALM")
}

func TestValidateCore(t *testing.T) {
	cfg := Load()
	cfg.Database.WorkerURL = ""

	err := cfg.ValidateCore(false, true, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_POSTGRES_URL")

	cfg.Database.WorkerURL = "postgres://localhost/worker"
	assert.NoError(t, cfg.ValidateCore(false, true, false))
}

func TestDays(t *testing.T) {
	assert.Equal(t, 48*time.Hour, Days(2))
}

func TestValidateTurnParams(t *testing.T) {
	cfg := Load()
	cfg.Turn.BaseDebtorID = 0
	cfg.Turn.BaseDebtorInfoLocator = ""
	require.Error(t, cfg.ValidateTurnParams())

	cfg.Turn.BaseDebtorID = 666
	cfg.Turn.BaseDebtorInfoLocator = "https://example.com/666"
	assert.NoError(t, cfg.ValidateTurnParams())
}
