package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spf13/cobra"

	"swpttrade/migrations"
	"swpttrade/pkg/config"
	"swpttrade/pkg/logger"
)

// schemas maps a database name to its migrations directory and the URL
// setting that points at it.
var schemas = map[string]func(*config.Config) string{
	"solver": func(c *config.Config) string { return c.Database.SolverURL },
	"worker": func(c *config.Config) string { return c.Database.WorkerURL },
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <solver|worker> <up|down|version|force VERSION>",
		Short: "Apply or inspect database schema migrations",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(args[0], args[1], args[2:])
		},
	}
}

func newMigrate(schema string, cfg *config.Config) (*migrate.Migrate, *sql.DB, error) {
	urlOf, ok := schemas[schema]
	if !ok {
		return nil, nil, fmt.Errorf("unknown database %q", schema)
	}
	url := urlOf(cfg)
	if url == "" {
		return nil, nil, fmt.Errorf("no connection URL configured for the %s database", schema)
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: schema + "_schema_migrations",
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	src, err := iofs.New(migrations.FS, schema)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to open migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, db, nil
}

func runMigrate(schema, command string, rest []string) error {
	cfg := config.Load()
	log := logger.New("swpt_trade").With(map[string]interface{}{"role": "migrate", "database": schema})

	m, db, err := newMigrate(schema, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	switch command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration failed: %w", err)
		}
		log.Info("Migrations applied", nil)

	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
		log.Info("Migrations rolled back", nil)

	case "version":
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("failed to get version: %w", err)
		}
		fmt.Printf("Current version: %d (dirty: %t)\n", version, dirty)

	case "force":
		if len(rest) != 1 {
			return fmt.Errorf("usage: migrate %s force VERSION", schema)
		}
		version, err := strconv.Atoi(rest[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", rest[0])
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("force migration failed: %w", err)
		}
		log.Info("Forced migration version", map[string]interface{}{"version": version})

	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
	return nil
}
