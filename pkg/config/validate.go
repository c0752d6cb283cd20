// Package config loads and validates service configuration.
package config

import (
	"fmt"
	"strings"

	"swpttrade/internal/sharding"
)

// Validate checks the settings shared by every role and reports all
// problems at once.
func (c *Config) Validate() error {
	var problems []string

	if _, err := sharding.ParseRealm(c.Sharding.Realm); err != nil {
		problems = append(problems, "SHARDING_REALM: "+err.Error())
	}
	if c.App.DebtorInfoExpiryDays < 1 {
		problems = append(problems, "APP_DEBTOR_INFO_EXPIRY_DAYS must be at least 1")
	}
	if c.App.LocatorClaimExpiryDays < 30 {
		problems = append(problems, "APP_LOCATOR_CLAIM_EXPIRY_DAYS must be at least 30")
	}
	if c.App.LocatorClaimExpiryDays < 5*c.App.DebtorInfoExpiryDays {
		problems = append(problems, "APP_LOCATOR_CLAIM_EXPIRY_DAYS must be at least 5 times APP_DEBTOR_INFO_EXPIRY_DAYS")
	}
	if c.App.MinDemurrageRate < -100 || c.App.MinDemurrageRate > 0 {
		problems = append(problems, "APP_MIN_DEMURRAGE_RATE must be between -100 and 0")
	}
	if c.App.MinTransferNoteMaxBytes < 100 {
		problems = append(problems, "APP_MIN_TRANSFER_NOTE_MAX_BYTES must be at least 100")
	}
	if c.Collectors.MinID > c.Collectors.MaxID {
		problems = append(problems, "MIN_COLLECTOR_ID must not exceed MAX_COLLECTOR_ID")
	}
	if c.Turn.Period <= 0 {
		problems = append(problems, "TURN_PERIOD must be positive")
	}
	if c.Turn.MinTradeAmount < 2 {
		problems = append(problems, "MIN_TRADE_AMOUNT must be at least 2")
	}
	if c.Turn.MaxDistanceToBase < 1 {
		problems = append(problems, "MAX_DISTANCE_TO_BASE must be positive")
	}
	if c.App.TransfersMinBackoff <= 0 {
		problems = append(problems, "APP_TRANSFERS_MIN_BACKOFF must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateTurnParams ensures the settings the solver needs to start turns
// are present.
func (c *Config) ValidateTurnParams() error {
	if strings.TrimSpace(c.Turn.BaseDebtorInfoLocator) == "" || c.Turn.BaseDebtorID == 0 {
		return fmt.Errorf("missing required configuration: BASE_DEBTOR_ID, BASE_DEBTOR_INFO_LOCATOR")
	}
	return nil
}

// ValidateCore ensures the connection settings needed by a role are present.
func (c *Config) ValidateCore(needSolverDB, needWorkerDB, needBus bool) error {
	var missing []string

	if needSolverDB && strings.TrimSpace(c.Database.SolverURL) == "" {
		missing = append(missing, "SOLVER_POSTGRES_URL")
	}
	if needWorkerDB && strings.TrimSpace(c.Database.WorkerURL) == "" {
		missing = append(missing, "WORKER_POSTGRES_URL")
	}
	if needBus && strings.TrimSpace(c.NATS.URL) == "" {
		missing = append(missing, "NATS_URL")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}
