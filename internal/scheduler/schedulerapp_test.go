package scheduler

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokerproject/stoker/internal/scheduler/configuration"
)

func validConfig() configuration.Configuration {
	return configuration.Configuration{
		InstanceName:       "sched-1",
		CyclePeriod:        5 * time.Second,
		WorkerPollInterval: time.Second,
		GracePeriod:        10 * time.Second,
		JobsDir:            "/var/lib/stoker/jobs",
		ApiUrl:             "http://localhost:8080",
		Database: configuration.DatabaseConfig{
			Type: "sqlite",
			Path: "/var/lib/stoker/stoker.db",
		},
	}
}

func TestCheckConfig_ValidConfigIsLeftAlone(t *testing.T) {
	config := validConfig()
	config.RequestRetention = time.Hour
	config.RequestSweepInterval = time.Minute

	require.NoError(t, CheckConfig(&config))
	assert.Equal(t, "sched-1", config.InstanceName)
	assert.Equal(t, 5*time.Second, config.CyclePeriod)
	assert.Equal(t, time.Hour, config.RequestRetention)
	assert.Equal(t, time.Minute, config.RequestSweepInterval)
}

func TestCheckConfig_DefaultsFillIn(t *testing.T) {
	config := validConfig()
	config.InstanceName = ""
	config.CyclePeriod = 0
	config.WorkerPollInterval = -time.Second
	config.GracePeriod = 0
	config.RequestRetention = 0
	config.RequestSweepInterval = 0

	require.NoError(t, CheckConfig(&config))

	hostname, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, hostname, config.InstanceName)
	assert.Equal(t, defaultCyclePeriod, config.CyclePeriod)
	assert.Equal(t, defaultWorkerPollInterval, config.WorkerPollInterval)
	assert.Equal(t, defaultGracePeriod, config.GracePeriod)
	assert.Equal(t, defaultRequestRetention, config.RequestRetention)
	assert.Equal(t, defaultRequestSweepInterval, config.RequestSweepInterval)
}

func TestCheckConfig_UnusableConfigFails(t *testing.T) {
	tests := map[string]func(*configuration.Configuration){
		"no jobs dir":       func(c *configuration.Configuration) { c.JobsDir = "" },
		"no api url":        func(c *configuration.Configuration) { c.ApiUrl = "" },
		"no database type":  func(c *configuration.Configuration) { c.Database.Type = "" },
		"bad database type": func(c *configuration.Configuration) { c.Database.Type = "dbase" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			config := validConfig()
			mutate(&config)
			assert.Error(t, CheckConfig(&config))
		})
	}
}
