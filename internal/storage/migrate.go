package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrMigrationsDirNotFound is returned when the migrations directory is missing.
var ErrMigrationsDirNotFound = errors.New("storage: migrations directory not found")

// Migrate applies the goose migrations in dir through the pgx pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dir string, logger *zap.Logger) (err error) {
	if _, serr := os.Stat(dir); serr != nil {
		if os.IsNotExist(serr) {
			return errors.Wrap(ErrMigrationsDirNotFound, dir)
		}
		return errors.Wrap(serr, "checking migrations directory")
	}

	db := stdlib.OpenDBFromPool(pool)
	defer func() { err = multierr.Append(err, db.Close()) }()

	goose.SetLogger(gooseLogger{logger.Sugar()})
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "selecting goose dialect")
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return errors.Wrap(err, "applying migrations")
	}
	return nil
}

// gooseLogger routes goose output through zap.
type gooseLogger struct{ s *zap.SugaredLogger }

func (l gooseLogger) Fatalf(format string, v ...any) { l.s.Error(fmt.Sprintf(format, v...)) }
func (l gooseLogger) Printf(format string, v ...any) { l.s.Info(fmt.Sprintf(format, v...)) }
