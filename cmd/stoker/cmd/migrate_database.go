package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	commondb "github.com/stokerproject/stoker/internal/common/database"
	"github.com/stokerproject/stoker/internal/scheduler/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "Migrates the job store to the latest schema version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config := loadConfig()
	start := time.Now()
	log.Info("beginning job store migration")

	ctx := context.Background()
	switch config.Database.Type {
	case "postgres":
		pool, err := commondb.OpenPgxPool(config.Database)
		if err != nil {
			return errors.WithMessage(err, "failed to connect to the job store")
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return errors.WithMessage(err, "failed to migrate the job store")
		}
	case "sqlite":
		repo, closer, err := database.NewSqliteJobRepository(config.Database)
		if err != nil {
			return errors.WithMessage(err, "failed to open the job store")
		}
		defer closer()
		if err := repo.Setup(ctx); err != nil {
			return errors.WithMessage(err, "failed to migrate the job store")
		}
	default:
		return errors.Errorf("unknown database type %q", config.Database.Type)
	}

	log.Infof("job store migrated in %s", time.Since(start))
	return nil
}
