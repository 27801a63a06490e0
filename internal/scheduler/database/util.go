package database

import (
	"context"
	"embed"
	_ "embed"
	"time"

	"github.com/jackc/pgtype/pgxtype"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/stokerproject/stoker/internal/common/database"
)

//go:embed migrations/*.sql
var fs embed.FS

// Migrate updates the supplied postgres database to the latest version.
// If the database is already at the latest version this is a no-op.
func Migrate(ctx context.Context, db pgxtype.Querier) error {
	start := time.Now()
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	err = database.UpdateDatabase(ctx, db, migrations)
	if err != nil {
		return err
	}
	log.Infof("Updated job database in %s", time.Since(start))
	return nil
}

// WithTestDb creates a job database suitable for testing. This instantiates
// a completely new postgres database which is torn down afterwards.
func WithTestDb(action func(repo *PostgresJobRepository, db *pgxpool.Pool) error) error {
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	return database.WithTestDb(migrations, func(db *pgxpool.Pool) error {
		return action(NewPostgresJobRepository(db), db)
	})
}
