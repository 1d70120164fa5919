package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/PortNumber53/crosspost/internal/config"
	"github.com/PortNumber53/crosspost/internal/logger"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	l := logger.Component(logger.New("info", "text", nil), "migrate")
	msg, err := run(os.Args[1:], defaultDeps())
	if err != nil {
		l.WithError(err).Fatal("migration failed")
	}
	l.Info(msg)
}

type deps struct {
	loadConfig func() (*config.Config, error)
	openDB     func(driverName, dataSourceName string) (*sql.DB, error)
	migrateF   func(m migrator, direction string, steps int) error
}

func defaultDeps() deps {
	return deps{
		loadConfig: func() (*config.Config, error) { return config.Load() },
		openDB:     sql.Open,
		migrateF:   applyDirection,
	}
}

type options struct {
	direction  string
	steps      int
	force      int
	forceDirty bool
	status     bool
	source     string
}

type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// Overridden in tests so no Postgres is needed.
var withPostgresInstance = func(db *sql.DB) (migratedb.Driver, error) {
	return postgres.WithInstance(db, &postgres.Config{})
}

var newMigrateWithDB = func(sourceURL string, databaseName string, driver migratedb.Driver) (migrator, error) {
	return migrate.NewWithDatabaseInstance(sourceURL, databaseName, driver)
}

func newMigrator(db *sql.DB, sourceURL string) (migrator, error) {
	driver, err := withPostgresInstance(db)
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := newMigrateWithDB(sourceURL, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

func parseArgs(args []string) (options, error) {
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	var o options
	fs.StringVar(&o.direction, "direction", "up", "migration direction: up or down")
	fs.IntVar(&o.steps, "steps", 0, "number of migration steps (0 = all)")
	fs.IntVar(&o.force, "force", -1, "force the migration version and clear the dirty flag, e.g. --force=2")
	fs.BoolVar(&o.forceDirty, "force-dirty", false, "if the database is dirty, force it to its current version and exit")
	fs.BoolVar(&o.status, "status", false, "print the current migration version and exit")
	fs.StringVar(&o.source, "source", "", "migrations source URL (defaults to DATABASE_MIGRATIONS_URL)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	switch o.direction {
	case "up", "down":
	default:
		return options{}, fmt.Errorf("invalid direction: %s (must be 'up' or 'down')", o.direction)
	}
	if o.steps < 0 {
		return options{}, fmt.Errorf("steps must be >= 0, got %d", o.steps)
	}
	return o, nil
}

func run(args []string, d deps) (string, error) {
	o, err := parseArgs(args)
	if err != nil {
		return "", err
	}
	if d.loadConfig == nil || d.openDB == nil {
		return "", errors.New("missing dependencies")
	}
	cfg, err := d.loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Store.Driver == "mongo" {
		return "STORE_DRIVER=mongo has no SQL migrations; indexes are ensured at startup", nil
	}
	source := o.source
	if source == "" {
		source = cfg.Database.MigrationsURL
	}

	db, err := d.openDB("postgres", cfg.Database.URL)
	if err != nil {
		return "", fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	m, err := newMigrator(db, source)
	if err != nil {
		return "", err
	}

	switch {
	case o.status:
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return "No migrations applied", nil
		}
		if err != nil {
			return "", fmt.Errorf("read migration version: %w", err)
		}
		return fmt.Sprintf("Database at version %d (dirty=%t)", v, dirty), nil
	case o.forceDirty:
		v, dirty, err := m.Version()
		if err != nil {
			return "", fmt.Errorf("read migration version: %w", err)
		}
		if !dirty {
			return "Database is not dirty (no force needed)", nil
		}
		if err := m.Force(int(v)); err != nil {
			return "", fmt.Errorf("force dirty version %d: %w", v, err)
		}
		return fmt.Sprintf("Forced dirty database to version %d", v), nil
	case o.force >= 0:
		if err := m.Force(o.force); err != nil {
			return "", fmt.Errorf("force version %d: %w", o.force, err)
		}
		return fmt.Sprintf("Forced database to version %d", o.force), nil
	}

	if d.migrateF == nil {
		return "", errors.New("migrateF dependency is required")
	}
	log.WithFields(log.Fields{"direction": o.direction, "steps": o.steps, "source": source}).Debug("applying migrations")
	err = d.migrateF(m, o.direction, o.steps)
	if errors.Is(err, migrate.ErrNoChange) {
		return "No migrations to apply", nil
	}
	if err != nil {
		return "", fmt.Errorf("migration %s: %w", o.direction, err)
	}
	return fmt.Sprintf("Migration %s completed successfully", o.direction), nil
}

func applyDirection(m migrator, direction string, steps int) error {
	switch direction {
	case "up":
		if steps > 0 {
			return m.Steps(steps)
		}
		return m.Up()
	case "down":
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	default:
		return fmt.Errorf("invalid direction: %s (must be 'up' or 'down')", direction)
	}
}
