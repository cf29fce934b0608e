// This package wraps the SQL database behind identd's persistent stores. It opens sqlite or
// postgres through sqlx, applies migrations and serializes writers so only one transaction
// runs at a time.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/migration"
	"go.uber.org/zap"

	// database drivers
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type RunnerFunc func(tx *sqlx.Tx) error

type Database struct {
	Log  *zap.SugaredLogger
	Conn *sqlx.DB

	config *config.Config
	driver string
	lock   sync.Mutex
}

// Open connects with the named driver. For sqlite dsn is a file path.
func Open(c *config.Config, driver, dsn string) (*Database, error) {
	log := c.Logger("db")
	var (
		conn *sqlx.DB
		err  error
	)
	switch driver {
	case DriverSQLite:
		log.Debugf("opening sqlite database at %s", dsn)
		conn, err = openSQLite(dsn)
	case DriverPostgres:
		log.Debugf("opening postgres database")
		conn, err = sqlx.Open(DriverPostgres, dsn)
		if err == nil {
			err = conn.Ping()
		}
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("db: error opening %s database: %w", driver, err)
	}
	return &Database{
		Log:    log,
		Conn:   conn,
		config: c,
		driver: driver,
	}, nil
}

func openSQLite(path string) (*sqlx.DB, error) {
	formattedPath := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", url.PathEscape(path))
	conn, err := sqlx.Open(DriverSQLite, formattedPath)
	if err != nil {
		return nil, err
	}
	conn.DB.SetMaxOpenConns(1)
	if _, err := conn.Exec("SELECT name FROM sqlite_master limit 1"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db: unable to read from database: %w", err)
	}
	return conn, nil
}

func (db *Database) Driver() string {
	return db.driver
}

// Rebind rewrites '?' placeholders for the connected driver.
func (db *Database) Rebind(query string) string {
	return db.Conn.Rebind(query)
}

func (db *Database) Migrate(name string, migrations []*migration.Migration) error {
	m := newMigrator(db.config, db, name, migrations)
	return m.migrate()
}

func (db *Database) Lock(label string, runner func() error) error {
	start := time.Now()
	db.Log.Debugf("Starting %s", label)
	db.lock.Lock()
	obtained := time.Now()
	db.Log.Debugf("Obtained lock %s", label)
	defer func() {
		db.Log.Debugf("Completed lock %s wait=%s exec=%s", label, obtained.Sub(start), time.Since(obtained))
		db.lock.Unlock()
	}()
	return runner()
}

func (db *Database) RunTx(ctx context.Context, label string, txOptions *sql.TxOptions, runner RunnerFunc) error {
	tx, err := db.Conn.BeginTxx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("db: error starting transaction for %s: %w", label, err)
	}
	if runerr := runner(tx); runerr != nil {
		db.Log.Warnf("rolling back %s due to %v", label, runerr)
		if err := tx.Rollback(); err != nil {
			db.Log.Debugf("error while rolling back %s with %v", label, err)
		}
		return fmt.Errorf("error during %s: %w", label, runerr)
	}
	db.Log.Debugf("committing %s", label)
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db: error committing %s: %w", label, err)
	}
	return nil
}

func (db *Database) Run(ctx context.Context, label string, runner RunnerFunc) error {
	return db.Lock(label, func() error {
		return db.RunTx(ctx, label, &sql.TxOptions{Isolation: sql.LevelDefault}, runner)
	})
}

func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	return db.Conn.Close()
}
