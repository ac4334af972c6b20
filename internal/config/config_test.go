package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Network: NetworkConfig{
			UDPListen:     ":5683",
			TCPListen:     ":5683",
			MulticastPort: 5683,
			MaxPDUSize:    1152,
		},
		Pool: PoolConfig{
			Capacity: 64,
			Dynamic:  true,
		},
		Security: SecurityConfig{
			ReplayPoolSize:      20,
			RPLWDO:              32,
			FreshnessWindowSec:  10,
			EchoCacheTimeoutSec: 5,
		},
		Storage: StorageConfig{
			Backend:                "memfile",
			CompressThresholdBytes: 256,
			MemFile:                MemFileConfig{Path: "state.json"},
			Postgres:               PostgresConfig{MaxConns: 10, MinConns: 1},
		},
		Admin: AdminConfig{
			HTTPListen: ":8080",
		},
		Audit: AuditConfig{
			ClientID: "gateway",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoUDPListen(t *testing.T) {
	cfg := validConfig()
	cfg.Network.UDPListen = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty network.udp_listen")
	}
}

func TestValidate_MaxPDUSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Network.MaxPDUSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for network.max_pdu_size = 0")
	}
}

func TestValidate_PoolCapacityZero(t *testing.T) {
	cfg := validConfig()
	cfg.Pool.Capacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for pool.capacity = 0")
	}
}

func TestValidate_ReplayPoolSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Security.ReplayPoolSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for security.replay_pool_size = 0")
	}
}

func TestValidate_RPLWDOZero(t *testing.T) {
	cfg := validConfig()
	cfg.Security.RPLWDO = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for security.rplwdo = 0")
	}
}

func TestValidate_FreshnessWindowZero(t *testing.T) {
	cfg := validConfig()
	cfg.Security.FreshnessWindowSec = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for security.freshness_window_seconds = 0")
	}
}

func TestValidate_EchoCacheTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Security.EchoCacheTimeoutSec = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for security.echo_cache_timeout_seconds = 0")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestValidate_UnknownStorageBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Backend = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown storage.backend")
	}
}

func TestValidate_MemfilePathRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.MemFile.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty storage.memfile.path")
	}
}

func TestValidate_PostgresDSNRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Backend = "postgres"
	cfg.Storage.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty storage.postgres.dsn")
	}
}

func TestValidate_PostgresDSNSet(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Backend = "postgres"
	cfg.Storage.Postgres.DSN = "postgres://localhost/gateway"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_CompressThresholdNegative(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.CompressThresholdBytes = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative storage.compress_threshold_bytes")
	}
}

func TestValidate_AdminListenRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Admin.HTTPListen = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty admin.http_listen")
	}
}

func TestValidate_AuditEnabledRequiresBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.Topic = "gateway.audit"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for audit.enabled with no brokers")
	}
}

func TestValidate_AuditEnabledRequiresTopic(t *testing.T) {
	cfg := validConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.Brokers = []string{"localhost:9092"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for audit.enabled with no topic")
	}
}

func TestValidate_AuditDisabledIgnoresEmptyBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Audit.Enabled = false
	cfg.Audit.Brokers = nil
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config with audit disabled, got error: %v", err)
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
network:
  udp_listen: ":5683"
storage:
  backend: memfile
  memfile:
    path: "state.json"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("GATEWAY_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvOverrideRPLWDO(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("GATEWAY_SECURITY__RPLWDO", "64")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Security.RPLWDO != 64 {
		t.Errorf("expected rplwdo 64 from env, got %d", cfg.Security.RPLWDO)
	}
}

func TestLoad_EnvOverridePostgresDSN(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("GATEWAY_STORAGE__BACKEND", "postgres")
	t.Setenv("GATEWAY_STORAGE__POSTGRES__DSN", "postgres://envhost/envdb")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Postgres.DSN != "postgres://envhost/envdb" {
		t.Errorf("expected DSN from env, got %q", cfg.Storage.Postgres.DSN)
	}
}

func TestLoad_EnvEmptyUDPListenFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("GATEWAY_NETWORK__UDP_LISTEN", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty network.udp_listen via env")
	}
}
