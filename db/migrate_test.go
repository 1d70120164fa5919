package main

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/PortNumber53/crosspost/internal/config"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
)

type fakeMigrator struct {
	upCalls    int
	downCalls  int
	stepsCalls []int
	forceCalls []int
	version    uint
	dirty      bool
	versionErr error
}

func (f *fakeMigrator) Up() error                    { f.upCalls++; return nil }
func (f *fakeMigrator) Down() error                  { f.downCalls++; return nil }
func (f *fakeMigrator) Steps(n int) error            { f.stepsCalls = append(f.stepsCalls, n); return nil }
func (f *fakeMigrator) Force(v int) error            { f.forceCalls = append(f.forceCalls, v); return nil }
func (f *fakeMigrator) Version() (uint, bool, error) { return f.version, f.dirty, f.versionErr }

// useFakeMigrator swaps the migrate factories for fm and records the source URL.
func useFakeMigrator(t *testing.T, fm *fakeMigrator) *string {
	t.Helper()
	prevWith := withPostgresInstance
	prevNew := newMigrateWithDB
	t.Cleanup(func() {
		withPostgresInstance = prevWith
		newMigrateWithDB = prevNew
	})
	var source string
	withPostgresInstance = func(*sql.DB) (migratedb.Driver, error) { return nil, nil }
	newMigrateWithDB = func(src, _ string, _ migratedb.Driver) (migrator, error) {
		source = src
		return fm, nil
	}
	return &source
}

func testDeps(t *testing.T) deps {
	t.Helper()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return deps{
		loadConfig: func() (*config.Config, error) {
			return &config.Config{
				Store:    config.Store{Driver: "postgres"},
				Database: config.Database{URL: "postgres://example", MigrationsURL: "file://db/migrations"},
			}, nil
		},
		openDB:   func(string, string) (*sql.DB, error) { return db, nil },
		migrateF: applyDirection,
	}
}

func TestParseArgs_Defaults(t *testing.T) {
	o, err := parseArgs(nil)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if o.direction != "up" || o.steps != 0 || o.force != -1 || o.forceDirty || o.status || o.source != "" {
		t.Fatalf("unexpected defaults: %#v", o)
	}
}

func TestParseArgs_Invalid(t *testing.T) {
	for _, args := range [][]string{
		{"--direction", "sideways"},
		{"--steps", "-1"},
		{"--unknown"},
	} {
		if _, err := parseArgs(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestParseArgs_Force(t *testing.T) {
	o, err := parseArgs([]string{"--force=2"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if o.force != 2 {
		t.Fatalf("expected force 2, got %d", o.force)
	}
}

func TestRun_ConfigError(t *testing.T) {
	d := testDeps(t)
	d.loadConfig = func() (*config.Config, error) { return nil, errors.New("DATABASE_URL environment variable is required") }
	d.openDB = func(string, string) (*sql.DB, error) {
		t.Fatalf("openDB should not be called")
		return nil, nil
	}
	if _, err := run(nil, d); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRun_MongoDriverSkips(t *testing.T) {
	d := testDeps(t)
	d.loadConfig = func() (*config.Config, error) {
		return &config.Config{Store: config.Store{Driver: "mongo"}}, nil
	}
	d.openDB = func(string, string) (*sql.DB, error) {
		t.Fatalf("openDB should not be called")
		return nil, nil
	}
	msg, err := run(nil, d)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg == "" {
		t.Fatalf("expected a message")
	}
}

func TestRun_UpUsesConfiguredSource(t *testing.T) {
	fm := &fakeMigrator{}
	source := useFakeMigrator(t, fm)

	msg, err := run(nil, testDeps(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg != "Migration up completed successfully" {
		t.Fatalf("unexpected msg: %q", msg)
	}
	if fm.upCalls != 1 {
		t.Fatalf("expected Up once, got %d", fm.upCalls)
	}
	if *source != "file://db/migrations" {
		t.Fatalf("unexpected source %q", *source)
	}
}

func TestRun_SourceFlagOverrides(t *testing.T) {
	source := useFakeMigrator(t, &fakeMigrator{})
	if _, err := run([]string{"--source", "file:///srv/migrations"}, testDeps(t)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if *source != "file:///srv/migrations" {
		t.Fatalf("unexpected source %q", *source)
	}
}

func TestRun_NoChange(t *testing.T) {
	useFakeMigrator(t, &fakeMigrator{})
	d := testDeps(t)
	var gotDir string
	var gotSteps int
	d.migrateF = func(_ migrator, direction string, steps int) error {
		gotDir, gotSteps = direction, steps
		return migrate.ErrNoChange
	}
	msg, err := run([]string{"--direction", "up"}, d)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotDir != "up" || gotSteps != 0 {
		t.Fatalf("expected up/0, got %q/%d", gotDir, gotSteps)
	}
	if msg != "No migrations to apply" {
		t.Fatalf("unexpected msg: %q", msg)
	}
}

func TestRun_StepsDown(t *testing.T) {
	fm := &fakeMigrator{}
	useFakeMigrator(t, fm)
	msg, err := run([]string{"--direction", "down", "--steps", "2"}, testDeps(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fm.stepsCalls) != 1 || fm.stepsCalls[0] != -2 {
		t.Fatalf("expected Steps(-2), got %#v", fm.stepsCalls)
	}
	if msg != "Migration down completed successfully" {
		t.Fatalf("unexpected msg: %q", msg)
	}
}

func TestRun_OpenDBError(t *testing.T) {
	d := testDeps(t)
	d.openDB = func(string, string) (*sql.DB, error) { return nil, sql.ErrConnDone }
	if _, err := run(nil, d); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRun_MigrateError(t *testing.T) {
	useFakeMigrator(t, &fakeMigrator{})
	d := testDeps(t)
	d.migrateF = func(migrator, string, int) error { return sql.ErrTxDone }
	if _, err := run(nil, d); !errors.Is(err, sql.ErrTxDone) {
		t.Fatalf("expected wrapped ErrTxDone, got %v", err)
	}
}

func TestRun_ForceVersion(t *testing.T) {
	fm := &fakeMigrator{}
	useFakeMigrator(t, fm)
	d := testDeps(t)
	d.migrateF = func(migrator, string, int) error {
		t.Fatalf("migrateF should not be called when forcing")
		return nil
	}
	msg, err := run([]string{"--force", "2"}, d)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg != "Forced database to version 2" {
		t.Fatalf("unexpected msg: %q", msg)
	}
	if len(fm.forceCalls) != 1 || fm.forceCalls[0] != 2 {
		t.Fatalf("expected Force(2), got %#v", fm.forceCalls)
	}
}

func TestRun_ForceDirty(t *testing.T) {
	clean := &fakeMigrator{version: 2}
	useFakeMigrator(t, clean)
	msg, err := run([]string{"--force-dirty"}, testDeps(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg != "Database is not dirty (no force needed)" || len(clean.forceCalls) != 0 {
		t.Fatalf("unexpected result %q %#v", msg, clean.forceCalls)
	}

	dirty := &fakeMigrator{version: 1, dirty: true}
	useFakeMigrator(t, dirty)
	msg, err = run([]string{"--force-dirty"}, testDeps(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg != "Forced dirty database to version 1" || len(dirty.forceCalls) != 1 || dirty.forceCalls[0] != 1 {
		t.Fatalf("unexpected result %q %#v", msg, dirty.forceCalls)
	}
}

func TestRun_Status(t *testing.T) {
	useFakeMigrator(t, &fakeMigrator{version: 2})
	msg, err := run([]string{"--status"}, testDeps(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg != "Database at version 2 (dirty=false)" {
		t.Fatalf("unexpected msg: %q", msg)
	}

	useFakeMigrator(t, &fakeMigrator{versionErr: migrate.ErrNilVersion})
	msg, err = run([]string{"--status"}, testDeps(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg != "No migrations applied" {
		t.Fatalf("unexpected msg: %q", msg)
	}
}

func TestApplyDirection(t *testing.T) {
	if err := applyDirection(&fakeMigrator{}, "sideways", 0); err == nil {
		t.Fatalf("expected error")
	}

	fm := &fakeMigrator{}
	if err := applyDirection(fm, "down", 0); err != nil || fm.downCalls != 1 {
		t.Fatalf("down: err=%v calls=%d", err, fm.downCalls)
	}
	fm2 := &fakeMigrator{}
	if err := applyDirection(fm2, "up", 2); err != nil || len(fm2.stepsCalls) != 1 || fm2.stepsCalls[0] != 2 {
		t.Fatalf("up steps: err=%v calls=%#v", err, fm2.stepsCalls)
	}
}

func TestNewMigrator_FactoryErrors(t *testing.T) {
	prevWith := withPostgresInstance
	prevNew := newMigrateWithDB
	defer func() {
		withPostgresInstance = prevWith
		newMigrateWithDB = prevNew
	}()

	withPostgresInstance = func(*sql.DB) (migratedb.Driver, error) { return nil, sql.ErrConnDone }
	if _, err := newMigrator(nil, "file://db/migrations"); err == nil {
		t.Fatalf("expected error")
	}

	withPostgresInstance = func(*sql.DB) (migratedb.Driver, error) { return nil, nil }
	newMigrateWithDB = func(string, string, migratedb.Driver) (migrator, error) { return nil, sql.ErrConnDone }
	if _, err := newMigrator(nil, "file://db/migrations"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDefaultDeps_NonNil(t *testing.T) {
	d := defaultDeps()
	if d.loadConfig == nil || d.openDB == nil || d.migrateF == nil {
		t.Fatalf("expected default deps to be populated")
	}
}
