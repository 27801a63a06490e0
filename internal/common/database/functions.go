package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stokerproject/stoker/internal/scheduler/configuration"
)

// CreateConnectionString renders a libpq key/value connection string.
// See https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING
func CreateConnectionString(values map[string]string) string {
	result := ""
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for k, v := range values {
		result += k + "='" + replacer.Replace(v) + "' "
	}
	return strings.TrimSpace(result)
}

// OpenPgxPool connects a pgx pool using the supplied config, retrying with
// backoff so the scheduler survives a database that comes up after it does.
func OpenPgxPool(config configuration.DatabaseConfig) (*pgxpool.Pool, error) {
	connString := CreateConnectionString(config.Connection)
	if config.MaxOpenConns > 0 {
		connString += fmt.Sprintf(" pool_max_conns=%d", config.MaxOpenConns)
	}
	if config.ConnMaxLifetime > 0 {
		connString += fmt.Sprintf(" pool_max_conn_lifetime=%s", config.ConnMaxLifetime)
	}

	var db *pgxpool.Pool
	err := retry.Do(
		func() error {
			var err error
			db, err = pgxpool.Connect(context.Background(), connString)
			if err != nil {
				return err
			}
			return db.Ping(context.Background())
		},
		retry.Attempts(config.ConnectAttempts),
		retry.Delay(time.Second),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("could not connect to postgres (attempt %d)", n+1)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return db, nil
}
