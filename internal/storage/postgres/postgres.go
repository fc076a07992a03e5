// Package postgres implements the durable store on Postgres with the pgmq
// queue extension. All work item state, events, and logs live here; every
// mutation commits atomically with its events.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/bobmcallan/animus/internal/common"
	"github.com/bobmcallan/animus/internal/interfaces"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Manager owns the shared connection pool and the storage backends.
type Manager struct {
	pool      *pgxpool.Pool
	logger    *common.Logger
	queueName string

	work     *workStore
	queue    *workQueue
	events   *eventStore
	logs     *workLogStore
	notifier *notifier
}

// NewManager connects to Postgres, runs migrations, and builds the storage
// backends.
func NewManager(ctx context.Context, logger *common.Logger, config *common.Config) (interfaces.StorageManager, error) {
	poolConfig, err := pgxpool.ParseConfig(config.Storage.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if config.Storage.MaxConnections > 0 {
		poolConfig.MaxConns = int32(config.Storage.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	m := &Manager{
		pool:      pool,
		logger:    logger,
		queueName: config.Control.QueueName,
	}
	m.work = &workStore{m: m}
	m.queue = &workQueue{m: m}
	m.events = &eventStore{m: m}
	m.logs = &workLogStore{m: m}
	m.notifier = &notifier{m: m}

	if err := m.migrate(ctx, config.Storage.DatabaseURL); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Debug().Str("queue", m.queueName).Msg("Storage manager initialized")
	return m, nil
}

// migrate runs all pending goose migrations over a short-lived database/sql
// connection so closing it cannot disturb the pgx pool.
func (m *Manager) migrate(ctx context.Context, url string) error {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// WorkStore returns the work item backend.
func (m *Manager) WorkStore() interfaces.WorkStore { return m.work }

// WorkQueue returns the pgmq backend.
func (m *Manager) WorkQueue() interfaces.WorkQueue { return m.queue }

// EventStore returns the event log backend.
func (m *Manager) EventStore() interfaces.EventStore { return m.events }

// WorkLogStore returns the work-scoped log backend.
func (m *Manager) WorkLogStore() interfaces.WorkLogStore { return m.logs }

// Notifier returns the LISTEN/NOTIFY backend.
func (m *Manager) Notifier() interfaces.Notifier { return m.notifier }

// Ping verifies connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (m *Manager) Close() error {
	m.pool.Close()
	return nil
}
