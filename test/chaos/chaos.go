package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dealflow/deal"
)

// TerminateRandomBackend kills one random backend tagged with appName every
// few seconds until stop closes.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
WHERE datname = current_database() AND application_name = $1 AND pid <> pg_backend_pid()
ORDER BY random() LIMIT 1`, appName)
		}
	}
}

// SlowStore delays reads and writes by up to MaxDelay so concurrent
// transitions overlap between their load and their versioned write.
type SlowStore struct {
	deal.Store
	MaxDelay time.Duration
}

func (s SlowStore) pause(ctx context.Context) error {
	if s.MaxDelay <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(rand.Int63n(int64(s.MaxDelay))))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s SlowStore) Get(ctx context.Context, id string) (deal.Deal, error) {
	d, err := s.Store.Get(ctx, id)
	if err != nil {
		return d, err
	}
	return d, s.pause(ctx)
}

func (s SlowStore) Update(ctx context.Context, d deal.Deal, expectedVersion int64) error {
	if err := s.pause(ctx); err != nil {
		return err
	}
	return s.Store.Update(ctx, d, expectedVersion)
}
