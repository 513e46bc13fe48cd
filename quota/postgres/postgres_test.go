//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nm2tech/tokenmeter"
	quotapg "github.com/nm2tech/tokenmeter/quota/postgres"
	"github.com/nm2tech/tokenmeter/quota/quotatest"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/tokenmeter_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestStore(t *testing.T) {
	pool := newTestPool(t)
	var seq atomic.Int64

	quotatest.Run(t, func(t *testing.T) tokenmeter.Store {
		// Use a unique prefix per subtest to avoid collisions.
		prefix := fmt.Sprintf("test_%d_", seq.Add(1))
		s := quotapg.New(pool, quotapg.WithTablePrefix(prefix))

		ctx := context.Background()
		if err := s.EnsureSchema(ctx); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
		t.Cleanup(func() {
			pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %suser_tokens, %schat_history, %sprocessed_credits", prefix, prefix, prefix))
		})
		return s
	})
}
