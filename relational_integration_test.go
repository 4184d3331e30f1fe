package crawlerkit

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestIntegration_RelationalStore_Postgres creates a fresh database through
// InitSchema and checks that a failing row rolls back the whole batch.
//
// Run with: go test -run TestIntegration_RelationalStore_Postgres -v
func TestIntegration_RelationalStore_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	base := os.Getenv("TEST_POSTGRES_URL")
	if base == "" {
		base = startPostgresContainer(t, ctx)
	}
	u, err := url.Parse(base)
	require.NoError(t, err)
	u.Path = "/crawl_" + NewID()[:8]

	for _, driver := range []string{DriverPostgres, DriverPgx} {
		t.Run(driver, func(t *testing.T) {
			store, err := NewRelationalStore(SQLConfig{Driver: driver, URL: u.String()}, nil)
			require.NoError(t, err)
			defer store.Close()

			schema := Schema{Tables: []Table{articlesTable()}}
			require.NoError(t, store.InitSchema(ctx, schema))
			require.NoError(t, store.InitSchema(ctx, schema), "second run is a no-op")
			defer store.DropTable(ctx, "articles")

			ok := make([]Record, 3)
			for i := range ok {
				ok[i] = Record{"url": fmt.Sprintf("https://%s/%d", driver, i), "meta": Record{"n": i}}
			}
			report, err := store.Create(ctx, "articles", ok)
			require.NoError(t, err)
			assert.Equal(t, 3, report.Success)
			assert.NotNil(t, ok[0]["Id"])

			batch := make([]Record, 10)
			for i := range batch {
				batch[i] = Record{"url": fmt.Sprintf("https://%s/new/%d", driver, i)}
			}
			batch[5]["url"] = ok[0]["url"]

			_, err = store.Create(ctx, "articles", batch)
			require.Error(t, err)
			assert.True(t, IsDuplicateKey(err))

			rows, err := store.Retrieve(ctx, "articles", Filter{})
			require.NoError(t, err)
			assert.Len(t, rows, 3, "no row of the failed batch persists")

			n, err := store.Update(ctx, "articles", ok[1]["Id"], Record{"title": "patched"})
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			counted, err := store.RawQuery(ctx, "SELECT count(*) AS n FROM articles WHERE title = $1", "patched")
			require.NoError(t, err)
			assert.EqualValues(t, 1, counted[0]["n"])

			assert.True(t, store.CheckConnection(ctx))
		})
	}
}

func startPostgresContainer(t *testing.T, ctx context.Context) string {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("Docker daemon not available, skipping testcontainers test: %v", r)
		}
	}()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("crawl"),
		postgres.WithUsername("crawler"),
		postgres.WithPassword("crawler"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container (Docker not available?): %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}
