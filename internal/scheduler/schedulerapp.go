package scheduler

import (
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/stokerproject/stoker/internal/common"
	"github.com/stokerproject/stoker/internal/common/app"
	commonconfig "github.com/stokerproject/stoker/internal/common/config"
	commondb "github.com/stokerproject/stoker/internal/common/database"
	"github.com/stokerproject/stoker/internal/common/task"
	"github.com/stokerproject/stoker/internal/scheduler/configuration"
	"github.com/stokerproject/stoker/internal/scheduler/database"
	"github.com/stokerproject/stoker/internal/scheduler/lockdb"
	"github.com/stokerproject/stoker/internal/scheduler/plugins"
	"github.com/stokerproject/stoker/internal/scheduler/worker"
)

const (
	defaultCyclePeriod          = 5 * time.Second
	defaultWorkerPollInterval   = time.Second
	defaultGracePeriod          = 10 * time.Second
	defaultRequestRetention     = 72 * time.Hour
	defaultRequestSweepInterval = 10 * time.Minute
)

// CheckConfig fills in defaults for optional settings, warning about each; a
// non-nil error means the configuration is unusable.
func CheckConfig(config *configuration.Configuration) error {
	if config.InstanceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return errors.WithMessage(err, "instanceName is unset and the hostname is unreadable")
		}
		log.WithField("default", hostname).Warn("config.InstanceName unset, using the hostname")
		config.InstanceName = hostname
	}
	if config.CyclePeriod <= 0 {
		log.WithField("default", defaultCyclePeriod).Warn("config.CyclePeriod invalid, using default instead")
		config.CyclePeriod = defaultCyclePeriod
	}
	if config.WorkerPollInterval <= 0 {
		log.WithField("default", defaultWorkerPollInterval).Warn("config.WorkerPollInterval invalid, using default instead")
		config.WorkerPollInterval = defaultWorkerPollInterval
	}
	if config.GracePeriod <= 0 {
		log.WithField("default", defaultGracePeriod).Warn("config.GracePeriod invalid, using default instead")
		config.GracePeriod = defaultGracePeriod
	}
	if config.RequestRetention <= 0 {
		config.RequestRetention = defaultRequestRetention
	}
	if config.RequestSweepInterval <= 0 {
		config.RequestSweepInterval = defaultRequestSweepInterval
	}

	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return errors.New("config validation failed")
	}
	return nil
}

// Run wires up and runs the scheduler daemon until a shutdown signal
// arrives. Workers deliberately survive shutdown; the next start re-attaches
// them.
func Run(config configuration.Configuration) error {
	if err := CheckConfig(&config); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())

	var jobRepository database.JobRepository
	switch config.Database.Type {
	case "postgres":
		db, err := commondb.OpenPgxPool(config.Database)
		if err != nil {
			return errors.WithMessage(err, "error opening connection to postgres")
		}
		defer db.Close()
		if err := database.Migrate(ctx, db); err != nil {
			return errors.WithMessage(err, "error migrating job database")
		}
		jobRepository = database.NewPostgresJobRepository(db)
	case "sqlite":
		repo, closer, err := database.NewSqliteJobRepository(config.Database)
		if err != nil {
			return errors.WithMessage(err, "error opening sqlite database")
		}
		defer closer()
		if err := repo.Setup(ctx); err != nil {
			return errors.WithMessage(err, "error preparing sqlite database")
		}
		jobRepository = repo
	default:
		return errors.Errorf("unknown database type %q", config.Database.Type)
	}

	registry := plugins.NewRegistry(config.Plugins)
	locks, err := lockdb.New()
	if err != nil {
		return errors.WithMessage(err, "error creating lock table")
	}
	supervisor := worker.NewSupervisor(config, registry, clock.RealClock{})
	scheduler, err := NewScheduler(jobRepository, locks, supervisor, registry, config)
	if err != nil {
		return err
	}
	RegisterInstanceGauges(supervisor, locks)

	if config.MetricsPort > 0 {
		shutdownMetrics := common.ServeMetrics(config.MetricsPort)
		defer shutdownMetrics()
	}

	taskManager := task.NewBackgroundTaskManager(MetricsPrefix)
	defer taskManager.StopAll(2 * time.Second)
	taskManager.Register(func() {
		cutoff := time.Now().Add(-config.RequestRetention)
		deleted, err := jobRepository.PruneRequests(ctx, cutoff)
		if err != nil {
			log.WithError(err).Warn("could not prune resolved requests")
			return
		}
		if deleted > 0 {
			log.Infof("pruned %d resolved requests", deleted)
		}
	}, config.RequestSweepInterval, "request_sweep")

	log.WithFields(log.Fields{
		"instance": config.InstanceName,
		"database": config.Database.Type,
		"jobsDir":  config.JobsDir,
	}).Info("scheduler starting")

	g.Go(func() error { return supervisor.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	return g.Wait()
}
