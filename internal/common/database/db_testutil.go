package database

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/stokerproject/stoker/internal/common/util"
)

// TestDatabaseURLEnvVar points at a postgres instance used for
// integration tests, e.g. "host=localhost port=5432 user=postgres
// password=psw sslmode=disable". Tests that need postgres are skipped when it
// is unset.
const TestDatabaseURLEnvVar = "STOKER_TEST_DATABASE_URL"

// SkipIfNoPostgres skips the calling test unless a test postgres instance is
// configured.
func SkipIfNoPostgres(t *testing.T) {
	if os.Getenv(TestDatabaseURLEnvVar) == "" {
		t.Skipf("set %s to run postgres-backed tests", TestDatabaseURLEnvVar)
	}
}

// WithTestDb creates a dedicated postgres database, applies the supplied
// migrations and hands a pool for it to action. The database is dropped
// afterwards.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()
	connectionString := os.Getenv(TestDatabaseURLEnvVar)
	if connectionString == "" {
		return errors.Errorf("%s is not set", TestDatabaseURLEnvVar)
	}

	dbName := "test_" + util.NewULID()
	db, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	if _, err := db.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}

	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		// disconnect all users before cleanup
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("failed to disconnect users")
		}
		if _, err = db.Exec(ctx, "DROP DATABASE "+dbName); err != nil {
			fmt.Println("failed to drop database")
		}
	}()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool)
}
