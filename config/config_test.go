package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/dealflow")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Currency != "usd" || cfg.SweepInterval != time.Minute || cfg.StoreTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.PaymentsEnabled() {
		t.Fatalf("expected payments disabled without a key")
	}
}

func TestLoad_RequiresSecrets(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	os.Unsetenv("DATABASE_URL")
	os.Unsetenv("JWT_SECRET")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "config: parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoad_DotenvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "DATABASE_URL=postgres://file/dealflow\nJWT_SECRET=from-file\nSWEEP_INTERVAL=30s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("DATABASE_URL", "")
	os.Unsetenv("DATABASE_URL")
	t.Setenv("SWEEP_INTERVAL", "")
	os.Unsetenv("SWEEP_INTERVAL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWTSecret != "from-env" || cfg.DatabaseURL != "postgres://file/dealflow" || cfg.SweepInterval != 30*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg struct {
		Port int `env:"DEALFLOW_TEST_PORT" envDefault:"123"`
	}
	t.Setenv("DEALFLOW_TEST_PORT", "not-an-int")
	if err := ParseEnv(&cfg); err == nil {
		t.Fatal("expected error")
	}
}
