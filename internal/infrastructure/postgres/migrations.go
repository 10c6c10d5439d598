package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrMigrate wraps failures while applying schema migrations.
var ErrMigrate = errors.New("failed to apply migrations")

// Migrate applies the embedded schema migrations.
func (db *Database) Migrate(ctx context.Context, logger *slog.Logger) error {
	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close migration connection", "error", err)
		}
	}()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{logger: logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrMigrate, err)
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return errors.Join(ErrMigrate, err)
	}
	return nil
}

// gooseLogger routes goose output through slog.
type gooseLogger struct {
	logger *slog.Logger
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...))
}
