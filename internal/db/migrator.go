package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/migration"
	"go.uber.org/zap"
)

// migrator applies a named, append-only list of migrations, recording each
// applied step in its own table.
type migrator struct {
	db         *Database
	name       string
	tableName  string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration) *migrator {
	return &migrator{
		db:         db,
		log:        c.Logger(name),
		name:       name,
		tableName:  fmt.Sprintf("_migrations_%s", name),
		migrations: migrations,
	}
}

func (m *migrator) migrate() error {
	ctx := context.Background()
	var count int
	if err := m.db.Run(ctx, fmt.Sprintf("prepare %s migrator", m.name), func(tx *sqlx.Tx) error {
		_, err := tx.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INT8 NOT NULL,
			version VARCHAR(255) NOT NULL,
			PRIMARY KEY (id)
		);
	`, m.tableName))
		if err != nil {
			return err
		}
		if err := tx.Get(&count, fmt.Sprintf("SELECT count(*) FROM %s", m.tableName)); err != nil {
			return err
		}
		if count > len(m.migrations) {
			return errors.New("migrator: applied migration number on db cannot be greater than the defined migration list")
		}
		return nil
	}); err != nil {
		return err
	}

	for idx, migration := range m.migrations[count:] {
		if err := m.performMigration(ctx, idx+count, migration); err != nil {
			return fmt.Errorf("migrator: error while running migrations: %w", err)
		}
	}
	return nil
}

func (m *migrator) performMigration(ctx context.Context, id int, migration *migration.Migration) error {
	return m.db.Run(ctx, migration.String(), func(tx *sqlx.Tx) error {
		m.log.Debugf("applying migration named '%s'...", migration.Name)
		if err := migration.Func(tx.Tx); err != nil {
			return fmt.Errorf("error executing golang migration: %w", err)
		}
		insert := m.db.Rebind(fmt.Sprintf("INSERT INTO %s (id, version) VALUES (?, ?)", m.tableName))
		if _, err := tx.Exec(insert, id, migration.String()); err != nil {
			return fmt.Errorf("error updating migration versions: %w", err)
		}
		m.log.Debugf("applied migration named '%s'", migration.Name)
		return nil
	})
}
