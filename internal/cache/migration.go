package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"

	"github.com/corpnet/llmgateway/internal/models"
)

// MigrationConfig controls where schema migrations live and how long they
// are allowed to run, mirroring the teacher's migration.Config.
type MigrationConfig struct {
	Path    string
	Timeout time.Duration
}

// Migrator applies the smart_embeddings/model_performance/audit_log schema
// via golang-migrate/migrate/v4, grounded on the teacher's
// pkg/database/migration.Manager.
type Migrator struct {
	db     *sqlx.DB
	config MigrationConfig
	m      *migrate.Migrate
}

func NewMigrator(db *sqlx.DB, config MigrationConfig) (*Migrator, error) {
	if db == nil {
		return nil, models.NewError(models.ErrConfig, "migrator requires a database handle")
	}
	if config.Path == "" {
		config.Path = "internal/cache/migrations"
	}
	if config.Timeout == 0 {
		config.Timeout = time.Minute
	}
	return &Migrator{db: db, config: config}, nil
}

func (m *Migrator) init() error {
	if m.m != nil {
		return nil
	}
	driver, err := postgres.WithInstance(m.db.DB, &postgres.Config{})
	if err != nil {
		return models.WrapError(models.ErrBackingStoreDown, "creating postgres migration driver", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", m.config.Path), "postgres", driver)
	if err != nil {
		return models.WrapError(models.ErrConfig, "creating migrator", err)
	}
	m.m = migrator
	return nil
}

// Up applies all pending migrations, bounded by MigrationConfig.Timeout.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.init(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := m.m.Up()
		if err == migrate.ErrNoChange {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return models.WrapError(models.ErrBackingStoreDown, "applying migrations", err)
		}
		return nil
	case <-ctx.Done():
		return models.NewError(models.ErrTimeout, "migration timed out")
	}
}

func (m *Migrator) Close() error {
	if m.m == nil {
		return nil
	}
	sourceErr, dbErr := m.m.Close()
	if sourceErr != nil {
		return sourceErr
	}
	return dbErr
}
