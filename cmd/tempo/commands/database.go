package commands

import (
	"database/sql"
	"time"

	"github.com/corvid-labs/tempo/config"
	"github.com/corvid-labs/tempo/cron"
	"github.com/corvid-labs/tempo/db"
	"github.com/corvid-labs/tempo/errors"
	"github.com/corvid-labs/tempo/logger"
)

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it uses the configured database path.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		dbPath = cfg.Database.Path
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}

// buildEngine assembles the scheduling engine on top of an open database.
// The dispatcher is returned unstarted; serve starts it, one-shot CLI
// commands use it only for run-now.
func buildEngine(database *sql.DB, cfg *config.Config) (*cron.Service, *cron.Dispatcher) {
	store := cron.NewStore(database)
	ledger := cron.NewLedger(database, cfg.Cron.HistoryLimit)
	bus := cron.NewBus(logger.Logger)

	opts := cron.Options{
		TickInterval:    time.Duration(cfg.Cron.TickerIntervalSeconds) * time.Second,
		DefaultTimeout:  time.Duration(cfg.Cron.DefaultTimeoutSeconds) * time.Second,
		OneShotPolicy:   cfg.Cron.OneShotPolicy,
		GraceMultiplier: cfg.Cron.GraceMultiplier,
	}
	dispatcher := cron.NewDispatcher(store, ledger, bus, newDeliveryExecutor(), opts, logger.Logger)
	service := cron.NewService(store, ledger, bus, dispatcher, logger.Logger)
	return service, dispatcher
}
