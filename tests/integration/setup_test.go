//go:build integration

package integration

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/taskflow/broker/internal/audit/migrations"
	"github.com/taskflow/broker/internal/store"
)

var (
	testRedisAddr   string
	testPostgresDSN string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	redisCtr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer redisCtr.Terminate(ctx) //nolint:errcheck

	redisConnStr, err := redisCtr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	testRedisAddr = strings.TrimPrefix(redisConnStr, "redis://")

	pgCtr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("taskflow"),
		tcPostgres.WithUsername("taskflow"),
		tcPostgres.WithPassword("taskflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer pgCtr.Terminate(ctx) //nolint:errcheck

	pgDSN, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}
	testPostgresDSN = pgDSN

	if err := applyMigrations(ctx, pgDSN); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	return m.Run()
}

func applyMigrations(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	return migrations.Apply(ctx, pool)
}

// newStore returns a Store connected to the test Redis container and flushes
// the database on test cleanup so tests don't interfere with each other.
func newStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(store.Config{Addr: testRedisAddr}, testLogger())
	t.Cleanup(func() {
		s.Standard.FlushDB(context.Background()) //nolint:errcheck
		_ = s.Close()
	})
	return s
}

// newRawClient is used by tests that need a bare *redis.Client (e.g. to
// publish on a pub/sub channel from outside the component under test).
func newRawClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// newPool returns a pgxpool connected to the test Postgres container and
// truncates the audit tables on cleanup.
func newPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE dlq_tasks, task_transitions, tasks CASCADE") //nolint:errcheck
		pool.Close()
	})
	return pool
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// redisZ builds a sorted-set member scored by a time, used by the scheduled-
// queue tests to seed a zset without going through the task package's
// higher-level CAS helpers.
func redisZ(at time.Time, member string) redis.Z {
	return redis.Z{Score: float64(at.Unix()), Member: member}
}
