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
	path := filepath.Join(t.TempDir(), "vmledger.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("driver: got %q, want %q", cfg.Store.Driver, DriverMemory)
	}
	if cfg.Server.RateLimit != 100 {
		t.Errorf("rate limit: got %d, want 100", cfg.Server.RateLimit)
	}
	if cfg.Engine.MinimumReserve != 5 {
		t.Errorf("minimum reserve: got %d, want 5", cfg.Engine.MinimumReserve)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("VMLEDGER_TEST_DSN", "postgres://localhost/vmledger")

	path := writeConfig(t, `
server:
  addr: ":9090"
  read_timeout: 5s
  rate_limit: 30
store:
  driver: Postgres
  dsn: ${VMLEDGER_TEST_DSN}
redis:
  url: redis://localhost:6379/0
  lock_ttl: 20s
log:
  level: DEBUG
  format: json
engine:
  currency: EUR
  creation_fee: 10
  accrual_interval: 1m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"addr", cfg.Server.Addr, ":9090"},
		{"read timeout", cfg.Server.ReadTimeout, 5 * time.Second},
		{"write timeout kept", cfg.Server.WriteTimeout, 30 * time.Second},
		{"rate limit", cfg.Server.RateLimit, 30},
		{"driver", cfg.Store.Driver, DriverPostgres},
		{"dsn expanded", cfg.Store.DSN, "postgres://localhost/vmledger"},
		{"lock ttl", cfg.Redis.LockTTL, 20 * time.Second},
		{"log level", cfg.Log.Level, "debug"},
		{"currency", cfg.Engine.Currency, "eur"},
		{"creation fee", cfg.Engine.CreationFee, int64(10)},
		{"reserve kept", cfg.Engine.MinimumReserve, int64(5)},
		{"accrual", cfg.Engine.AccrualInterval, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown driver", "store:\n  driver: cassandra\n", "unknown store.driver"},
		{"postgres without dsn", "store:\n  driver: postgres\n", "store.dsn is required"},
		{"mongo without database", "store:\n  driver: mongo\n  dsn: mongodb://x\n", "store.database"},
		{"sqlite without path", "store:\n  driver: sqlite\n", "store.path is required"},
		{"bad log format", "log:\n  format: xml\n", "log.format"},
		{"negative reserve", "engine:\n  minimum_reserve: -1\n", "minimum_reserve"},
		{"bad yaml", "server: [", "failed to parse YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load: got nil error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error: got %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load: got nil error for missing file")
	}
}
