// Command migrate applies the SQL migrations under db/migrations.
//
//	go run ./db -direction up
//	go run ./db -direction down -steps 1
//	go run ./db -version
//	go run ./db -force 3 | -force-dirty
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

const defaultSource = "file://db/migrations"

func main() {
	msg, err := run(os.Args[1:], defaultDeps())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(msg)
}

type deps struct {
	loadEnv func(...string) error
	getenv  func(string) string
	openDB  func(driverName, dataSourceName string) (*sql.DB, error)
	apply   func(db *sql.DB, source, direction string, steps int) error
}

func defaultDeps() deps {
	return deps{
		loadEnv: godotenv.Load,
		getenv:  os.Getenv,
		openDB:  sql.Open,
		apply:   performMigrations,
	}
}

type options struct {
	direction   string
	steps       int
	force       int
	forceDirty  bool
	showVersion bool
	source      string
}

type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// Factories are package variables so tests can run without Postgres.
var withPostgresInstance = func(db *sql.DB) (migratedb.Driver, error) {
	return postgres.WithInstance(db, &postgres.Config{})
}

var newMigrateWithDB = func(source, databaseName string, driver migratedb.Driver) (migrator, error) {
	return migrate.NewWithDatabaseInstance(source, databaseName, driver)
}

var newMigrator = func(db *sql.DB, source string) (migrator, error) {
	driver, err := withPostgresInstance(db)
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := newMigrateWithDB(source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("open migrations at %s: %w", source, err)
	}
	return m, nil
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	o := options{}
	fs.StringVar(&o.direction, "direction", "up", "up or down")
	fs.IntVar(&o.steps, "steps", 0, "number of steps, 0 applies all")
	fs.IntVar(&o.force, "force", -1, "set the schema version and clear the dirty flag")
	fs.BoolVar(&o.forceDirty, "force-dirty", false, "clear the dirty flag at the current version")
	fs.BoolVar(&o.showVersion, "version", false, "print the current schema version")
	fs.StringVar(&o.source, "source", "", "migrations source URL (default $MIGRATIONS_PATH or "+defaultSource+")")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.direction != "up" && o.direction != "down" {
		return options{}, fmt.Errorf("invalid direction %q, want up or down", o.direction)
	}
	if o.steps < 0 {
		return options{}, fmt.Errorf("steps must be >= 0")
	}
	return o, nil
}

func run(args []string, d deps) (string, error) {
	o, err := parseArgs(args)
	if err != nil {
		return "", err
	}
	if d.loadEnv != nil {
		_ = d.loadEnv()
	}
	getenv := d.getenv
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	databaseURL := getenv("DATABASE_URL")
	if databaseURL == "" {
		return "", errors.New("DATABASE_URL environment variable is required")
	}
	if o.source == "" {
		o.source = getenv("MIGRATIONS_PATH")
	}
	if o.source == "" {
		o.source = defaultSource
	}
	if d.openDB == nil {
		return "", errors.New("openDB dependency is required")
	}

	db, err := d.openDB("postgres", databaseURL)
	if err != nil {
		return "", fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if o.showVersion || o.force >= 0 || o.forceDirty {
		m, err := newMigrator(db, o.source)
		if err != nil {
			return "", err
		}
		return inspect(m, o)
	}

	if d.apply == nil {
		return "", errors.New("apply dependency is required")
	}
	err = d.apply(db, o.source, o.direction, o.steps)
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		return "no migrations to apply", nil
	case err != nil:
		return "", fmt.Errorf("migration failed: %w", err)
	}
	return fmt.Sprintf("migration %s completed", o.direction), nil
}

// inspect handles the commands that read or repair the version table without applying
// migrations.
func inspect(m migrator, o options) (string, error) {
	if o.force >= 0 {
		if err := m.Force(o.force); err != nil {
			return "", fmt.Errorf("force version %d: %w", o.force, err)
		}
		return fmt.Sprintf("forced database to version %d", o.force), nil
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return "no migrations applied", nil
	}
	if err != nil {
		return "", fmt.Errorf("read migration version: %w", err)
	}
	if o.showVersion {
		return fmt.Sprintf("version %d dirty=%v", v, dirty), nil
	}
	if !dirty {
		return "database is not dirty", nil
	}
	if err := m.Force(int(v)); err != nil {
		return "", fmt.Errorf("force dirty version %d: %w", v, err)
	}
	return fmt.Sprintf("cleared dirty flag at version %d", v), nil
}

func performMigrations(db *sql.DB, source, direction string, steps int) error {
	m, err := newMigrator(db, source)
	if err != nil {
		return err
	}
	return applyDirection(m, direction, steps)
}

func applyDirection(m migrator, direction string, steps int) error {
	sign := 1
	switch direction {
	case "up":
		if steps == 0 {
			return m.Up()
		}
	case "down":
		if steps == 0 {
			return m.Down()
		}
		sign = -1
	default:
		return fmt.Errorf("invalid direction %q, want up or down", direction)
	}
	return m.Steps(sign * steps)
}
