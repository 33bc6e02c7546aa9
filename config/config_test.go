package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a configuration file with the given content and
// returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalConfig = `bookflow:
  name: "TestApp"
  version: "1.0"
source:
  binance:
    enabled: true
    symbols: ["BTCUSDT"]
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bookflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Bookflow.Name)
	}
	if cfg.Engine.SnapshotRetryLimit != 5 {
		t.Errorf("unexpected snapshot retry limit default: %d", cfg.Engine.SnapshotRetryLimit)
	}
	if cfg.Engine.SnapshotRetryDelay != 500*time.Millisecond {
		t.Errorf("unexpected snapshot retry delay default: %v", cfg.Engine.SnapshotRetryDelay)
	}
	if cfg.Channels.EventBuffer != 4096 {
		t.Errorf("unexpected event buffer default: %d", cfg.Channels.EventBuffer)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_BOOKFLOW_NAME", "EnvApp")
	content := `bookflow:
  name: "${TEST_BOOKFLOW_NAME}"
  version: "1.0"
source:
  binance:
    enabled: true
    symbols: ["BTCUSDT"]
`
	path := writeTempConfig(t, content)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bookflow.Name != "EnvApp" {
		t.Errorf("expected env expansion, got %s", cfg.Bookflow.Name)
	}
}

func TestLoadConfigRequiresSource(t *testing.T) {
	content := `bookflow:
  name: "TestApp"
  version: "1.0"
`
	path := writeTempConfig(t, content)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error when no source is enabled")
	}
}

func TestLoadConfigKucoinRequiresAPI(t *testing.T) {
	content := `bookflow:
  name: "TestApp"
  version: "1.0"
source:
  kucoin:
    enabled: true
    symbols: ["BTC-USDT"]
`
	path := writeTempConfig(t, content)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error when kucoin api endpoint is missing")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if got := ResolveConfigPath(defaultConfigPath); got != "config/config.production.yml" {
		t.Errorf("unexpected path for production: %s", got)
	}

	t.Setenv("APP_ENV", "development")
	if got := ResolveConfigPath("custom.yml"); got != "custom.yml" {
		t.Errorf("custom path should be preserved: %s", got)
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv("APP_ENV", "stagging")
	if env := AppEnvironment(); env != EnvironmentStaging {
		t.Errorf("alias not normalised: %s", env)
	}
	if !IsProductionLike(EnvironmentStaging) {
		t.Errorf("staging should be production-like")
	}
}
