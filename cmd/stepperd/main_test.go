package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/eligibility"
)

func TestLoadDefinitions_bundled(t *testing.T) {
	defs, err := loadDefinitions(config.DefinitionsConfig{}, eligibility.NewEvaluator(), zap.NewNop())
	if err != nil {
		t.Fatalf("bundled definitions should validate: %v", err)
	}
	if len(defs) == 0 {
		t.Fatal("no bundled definitions loaded")
	}
}

func TestLoadDefinitions_invalidDirectory(t *testing.T) {
	dir := t.TempDir()
	bad := "domain: broken\nworkflows:\n  - id: half\n    steps: []\n"
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := loadDefinitions(config.DefinitionsConfig{Directories: []string{dir}}, nil, zap.NewNop()); err == nil {
		t.Error("expected validation failure")
	}
}

func TestBuildWorkflowStore(t *testing.T) {
	cfg := config.Defaults().Workflow

	store, closer, err := buildWorkflowStore(context.Background(), cfg, zap.NewNop())
	if err != nil || store == nil || closer != nil {
		t.Fatalf("memory store = (%v, closer=%v, %v)", store, closer != nil, err)
	}

	cfg.Store.Driver = "postgres"
	cfg.Store.DSNEnv = "STEPPER_TEST_UNSET_DSN"
	if _, _, err := buildWorkflowStore(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Error("postgres without DSN should fail")
	}

	cfg.Store.Driver = "sqlite"
	if _, _, err := buildWorkflowStore(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Error("unknown driver should fail")
	}
}

func TestBuildIdempotencyStore(t *testing.T) {
	cfg := config.Defaults().Idempotency

	cfg.Enabled = false
	store, _, err := buildIdempotencyStore(context.Background(), cfg, zap.NewNop())
	if err != nil || store != nil {
		t.Errorf("disabled = (%v, %v), want nil store", store, err)
	}

	cfg.Enabled = true
	cfg.Store.Driver = "redis"
	mr := miniredis.RunT(t)
	t.Setenv(cfg.Store.AddrEnv, mr.Addr())
	store, closer, err := buildIdempotencyStore(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	defer closer()
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestBuildKeyfunc(t *testing.T) {
	cfg := config.Defaults().Identity
	cfg.SecretEnv = "STEPPER_TEST_JWT_SECRET"

	t.Setenv(cfg.SecretEnv, "")
	if _, err := buildKeyfunc(cfg, zap.NewNop()); err == nil {
		t.Error("missing secret should fail")
	}

	t.Setenv(cfg.SecretEnv, "shared-secret")
	if kf, err := buildKeyfunc(cfg, zap.NewNop()); err != nil || kf == nil {
		t.Errorf("HMAC keyfunc = (%v, %v)", kf != nil, err)
	}

	cfg.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	if kf, err := buildKeyfunc(cfg, zap.NewNop()); err != nil || kf == nil {
		t.Errorf("JWKS keyfunc = (%v, %v)", kf != nil, err)
	}
}
