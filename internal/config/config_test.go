package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port default: %d", cfg.Server.Port)
	}
	if cfg.Business.StartingBalance != 3000 || cfg.Business.MinTopUp != 1000 {
		t.Fatalf("business defaults: %+v", cfg.Business)
	}
	if cfg.Pricing.Premium != 2600 || cfg.Pricing.AddText != 100 {
		t.Fatalf("pricing defaults: %+v", cfg.Pricing)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Fatalf("retry defaults: %+v", cfg.Retry)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: sqlite
  sqlite_path: /tmp/x.db
pricing:
  standard: 1000
business:
  payment_poll_interval: 30s
`)
	t.Setenv("LEDGER_BUSINESS_STARTING_BALANCE", "5000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Database.Driver != "sqlite" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Pricing.Standard != 1000 || cfg.Pricing.Premium != 2600 {
		t.Fatalf("pricing merge: %+v", cfg.Pricing)
	}
	if cfg.Business.StartingBalance != 5000 {
		t.Fatalf("env override not applied: %d", cfg.Business.StartingBalance)
	}
	if cfg.Business.PaymentPollInterval != 30*time.Second {
		t.Fatalf("duration decode: %v", cfg.Business.PaymentPollInterval)
	}
}

func TestValidate_Errors(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 0
database:
  driver: postgres
kafka:
  enabled: true
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"server.port", "database.driver", "kafka.brokers"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %s", err, want)
		}
	}
}

func TestMySQLDSN(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "db", Port: 3306, Database: "billing"}
	want := "u:p@tcp(db:3306)/billing?charset=utf8mb4&parseTime=True&loc=UTC"
	if got := d.MySQLDSN(); got != want {
		t.Fatalf("dsn=%q want %q", got, want)
	}
}
