package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
)

type Configuration struct {
	// Name identifying this scheduler instance. Jobs started here are owned
	// by this name, and recovery after a restart only considers jobs with a
	// matching owner, so several instances can share one job database. Must
	// be stable across restarts.
	InstanceName string `validate:"required"`
	// How often the scheduling cycle runs when nothing else wakes it up.
	CyclePeriod time.Duration `validate:"required"`
	// How often running workers are checked for liveness, timeouts and
	// cancellation grace expiry.
	WorkerPollInterval time.Duration `validate:"required"`
	// How long a canceled worker gets to exit after SIGTERM before its
	// process group is killed.
	GracePeriod time.Duration `validate:"required"`
	// Directory under which each job gets its own working directory holding
	// the params file, the output log and the result file.
	JobsDir string `validate:"required"`
	// Base URL of the scheduler API, passed to every worker as its last
	// command line argument.
	ApiUrl string `validate:"required"`
	// If nonzero, prometheus metrics are served on this port.
	MetricsPort uint16
	// Resource names jobs are allowed to lock. Empty means any name goes.
	ResourceCatalog []string
	// Extra job types and the commands that run them. Entries here override
	// the built-in types.
	Plugins map[string]PluginConfig
	// How long resolved requests are kept for inspection before the sweep
	// deletes them.
	RequestRetention time.Duration
	// How often the request sweep runs.
	RequestSweepInterval time.Duration
	Database DatabaseConfig
}

// PluginConfig declares the command that runs jobs of one type. The
// scheduler appends two positional arguments when spawning a worker: the
// params file path and the API base URL.
type PluginConfig struct {
	Command []string `validate:"required,min=1"`
}

type DatabaseConfig struct {
	// Type of database backing the job store, either 'postgres' or 'sqlite'.
	Type string `validate:"required,oneof=postgres sqlite"`
	// Path of the sqlite database file, including the file name. Only read
	// when Type is 'sqlite'.
	Path string
	// libpq-style key/value connection parameters. Only read when Type is
	// 'postgres'.
	Connection      map[string]string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// How many times to retry the initial connection before giving up.
	ConnectAttempts uint
}

func (c Configuration) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}
