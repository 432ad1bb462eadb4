package db

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/ignatzorin/escrow-engine/internal/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// NewPostgres создаёт подключение к PostgreSQL с заданным DSN.
func NewPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	conn, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: не удалось подключиться: %w", err)
	}

	// Переходы держат соединение только на время одной короткой транзакции.
	conn.SetMaxOpenConns(50)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return conn, nil
}

// RunMigrations применяет встроенные миграции goose.
func RunMigrations(ctx context.Context, conn *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, conn.DB, migrationsDir); err != nil {
		return fmt.Errorf("postgres: не удалось применить миграции: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, conn.DB)
	if err != nil {
		return fmt.Errorf("postgres: версия схемы: %w", err)
	}
	logger.L().WithField("version", version).Info("Миграции применены")
	return nil
}

type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) { logger.L().Fatalf(format, v...) }
func (gooseLogger) Printf(format string, v ...interface{}) { logger.L().Infof(format, v...) }
