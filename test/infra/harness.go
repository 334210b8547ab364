package infra

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplicationName tags the harness connections so chaos only kills its own.
const ApplicationName = "dealflow-stress"

// SharedDSNEnv names the variable that points the harness at an existing
// database instead of starting one.
const SharedDSNEnv = "STRESS_TEST_PG_DSN"

// Harness is a migrated database ready for stress actors.
type Harness struct {
	Pool *pgxpool.Pool
	DSN  string
	// Shared is true when the database outlives the run.
	Shared bool

	container *PGContainer
	teardown  func(context.Context) error
}

// Open picks a database in order: the explicit dsn, SharedDSNEnv, a Docker
// container, then a local Postgres. Shared databases get an isolated schema.
func Open(ctx context.Context, dsn string) (*Harness, error) {
	h := &Harness{DSN: dsn}
	if h.DSN == "" {
		h.DSN = os.Getenv(SharedDSNEnv)
	}

	var err error
	switch {
	case h.DSN != "":
		h.Shared = true
	case DockerAvailable(ctx):
		h.container, h.DSN, err = StartPostgres16(ctx)
	default:
		h.DSN, err = InitLocalDatabase(ctx)
	}
	if err != nil {
		return nil, err
	}

	h.Pool, h.teardown, err = ApplyMigrations(ctx, h.DSN, h.Shared)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, err
	}
	return h, nil
}

// Close drops the run schema and stops the container, if any.
func (h *Harness) Close(ctx context.Context) error {
	h.Pool.Close()
	err := h.teardown(ctx)
	if terr := h.container.Terminate(ctx); err == nil {
		err = terr
	}
	return err
}

// DockerAvailable reports whether a Docker daemon answers.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
