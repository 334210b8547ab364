package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"dealflow/test/actors"
	"dealflow/test/chaos"
	"dealflow/test/infra"
	"dealflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of actors of each kind")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends during the run")
)

func TestDealConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	if os.Getenv("DEALFLOW_STRESS") == "" && *flDSN == "" {
		t.Skip("set DEALFLOW_STRESS=1 or -dsn to run the stress harness")
	}
	seed := *flSeed
	rand.Seed(seed)
	t.Logf("seed=%d", seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	h, err := infra.Open(ctx, *flDSN)
	if err != nil {
		t.Fatalf("open harness: %v", err)
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	env := &actors.Env{
		Pool:     h.Pool,
		Registry: &actors.Registry{},
		Stats:    &actors.Stats{},
		MaxDelay: 20 * time.Millisecond,
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Creator(gctx, env, stop) })
		g.Go(func() error { return actors.Funder(gctx, env, stop) })
		g.Go(func() error { return actors.Funder(gctx, env, stop) })
		g.Go(func() error { return actors.Freezer(gctx, env, stop) })
		g.Go(func() error { return actors.Resolver(gctx, env, stop) })
	}
	g.Go(func() error { return actors.Sweeper(gctx, env, 0, stop) })
	g.Go(func() error { return actors.Sweeper(gctx, env, 96*time.Hour, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(gctx, h.Pool, infra.ApplicationName, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failure string
loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(gctx, h.Pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// A terminated backend can fail one oracle round.
				t.Logf("oracle round error: %v", err)
				continue
			}
			if name != "" {
				failure = fmt.Sprintf("oracle %s failed. First row: %s (seed=%d)", name, row, seed)
				break loop
			}
		}
	}

	close(stop)
	werr := g.Wait()
	t.Logf("stats: %s", env.Stats)

	if failure != "" {
		dumpRecent(t, h.Pool)
		t.Fatal(failure)
	}
	if errors.Is(werr, actors.ErrInvariant) {
		dumpRecent(t, h.Pool)
		t.Fatalf("actors: %v (seed=%d)", werr, seed)
	}
	if werr != nil && !errors.Is(werr, context.Canceled) && !errors.Is(werr, context.DeadlineExceeded) {
		t.Fatalf("actors errored: %v", werr)
	}

	name, row, err := oracles.Run(context.Background(), h.Pool)
	if err != nil {
		t.Fatalf("final oracle round: %v", err)
	}
	if name != "" {
		dumpRecent(t, h.Pool)
		t.Fatalf("oracle %s failed after quiesce. First row: %s (seed=%d)", name, row, seed)
	}
	if env.Registry.Len() == 0 {
		t.Fatalf("no deal reached pending_funding; stats: %s", env.Stats)
	}
}

func dumpRecent(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dumps := []struct {
		name string
		sql  string
	}{
		{"deals", `SELECT id, status, frozen, version, settlement_status, updated_at FROM deals ORDER BY updated_at DESC LIMIT 50`},
		{"stress_payments", `SELECT deal_id, user_id, purpose, created_at FROM stress_payments ORDER BY created_at DESC LIMIT 50`},
		{"stress_settlements", `SELECT deal_id, total_cents, calls, updated_at FROM stress_settlements ORDER BY updated_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
