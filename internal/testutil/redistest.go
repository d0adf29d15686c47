package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisURL  string
	redisErr  error
)

// RedisTest returns a client for an empty Redis database and a cleanup
// function that flushes it.
//
// REDIS_URL selects an existing server. Otherwise a disposable Redis
// container is started once per test binary; when Docker is not available
// the test is skipped.
func RedisTest(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = startRedis(t)
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("redistest: parse url: %v", err)
	}
	client := redis.NewClient(opts)

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("redistest: ping: %v", err)
	}
	_ = client.FlushDB(ctx).Err()

	cleanup := func() {
		_ = client.FlushDB(ctx).Err()
		_ = client.Close()
	}
	return client, cleanup
}

func startRedis(t *testing.T) string {
	t.Helper()

	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForListeningPort("6379/tcp"),
			},
			Started: true,
		})
		if err != nil {
			redisErr = err
			if ctr != nil {
				_ = testcontainers.TerminateContainer(ctr)
			}
			return
		}
		endpoint, err := ctr.Endpoint(ctx, "")
		if err != nil {
			redisErr = err
			return
		}
		redisURL = "redis://" + endpoint + "/0"
	})

	if redisErr != nil {
		t.Skipf("REDIS_URL not set and no test container available: %v", redisErr)
	}
	return redisURL
}
