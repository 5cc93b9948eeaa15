// Package docstore is the one shipped implementation of
// internal/descriptor.Database and internal/journal.Keeper: a GORM-backed
// document store with a dual sqlite/postgres driver, following arkeep's
// server/internal/db package almost verbatim at the connection and
// migration layer. The schema differs (descriptors/journal_entries/
// snapshots instead of users/agents/jobs), and a polling change feed is
// added, since neither sqlite nor postgres exposes CouchDB-style change
// notifications natively.
package docstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required, registers itself as
	// "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the configuration required to open a database connection.
// Driver defaults to "sqlite" if left empty.
type Config struct {
	Driver       string // "sqlite" or "postgres"
	DSN          string
	Logger       *zap.Logger
	LogLevel     gormlogger.LogLevel
	PollInterval time.Duration // ChangesListener poll period, defaults to 500ms
}

// Open opens a database connection, applies pending migrations, and
// returns a ready-to-use *DB.
func Open(cfg Config) (*DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("docstore: logger is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	gormCfg := &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	}

	var (
		gdb     *gorm.DB
		sqlDB   *sql.DB
		err     error
		drvName string
	)

	switch cfg.Driver {
	case "sqlite", "":
		// Open manually via database/sql using the modernc driver, then hand
		// the existing *sql.DB to GORM so it doesn't open a second
		// connection through a CGO driver.
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("docstore: open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1) // sqlite supports one writer at a time

		gdb, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("docstore: gorm open sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		gdb, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("docstore: gorm open postgres: %w", err)
		}
		sqlDB, err = gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("docstore: sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		drvName = "postgres"

	default:
		return nil, fmt.Errorf("docstore: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("docstore: migrations: %w", err)
	}

	return &DB{gdb: gdb, log: cfg.Logger.Named("docstore"), pollInterval: cfg.PollInterval}, nil
}

// DB is the concrete, GORM-backed store connection. Database and
// PersistentKeeper wrap it to implement internal/descriptor.Database and
// internal/journal.Keeper.
type DB struct {
	gdb          *gorm.DB
	log          *zap.Logger
	pollInterval time.Duration
	connected    atomicBool
}

// Ping verifies the underlying connection is alive, updating the
// IsConnected state consumed by the reconnect machinery.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gdb.DB()
	if err != nil {
		return fmt.Errorf("docstore: sql.DB: %w", err)
	}
	err = sqlDB.PingContext(ctx)
	d.connected.set(err == nil)
	return err
}

func (d *DB) IsConnected() bool { return d.connected.get() }

func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("docstore migrations applied")
	return nil
}
