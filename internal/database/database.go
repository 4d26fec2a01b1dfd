// Package database manages the metadata store's connection pool and
// schema migrations. Connection pooling mirrors the defaults used by the
// corpus's Postgres clients; migrations run through goose against an
// embedded SQL migration set.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/agentdiff/harness/internal/platlog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PoolConfig configures the *sql.DB connection pool underlying the
// metadata store.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns sane defaults for a small metadata database.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Open connects to dsn using the lib/pq driver and applies pool settings.
func Open(dsn string, pool PoolConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("while connecting to metadata store: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	return db, nil
}

// Migrate runs every pending embedded migration against db's underlying
// *sql.DB.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("while setting goose dialect: %w", err)
	}

	contextLogger := platlog.FromContext(ctx).WithName("migrate")
	contextLogger.Info("applying metadata store migrations")

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("while applying migrations: %w", err)
	}
	return nil
}
