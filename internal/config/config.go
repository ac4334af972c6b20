package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Network  NetworkConfig  `koanf:"network"`
	Pool     PoolConfig     `koanf:"pool"`
	Security SecurityConfig `koanf:"security"`
	Storage  StorageConfig  `koanf:"storage"`
	Admin    AdminConfig    `koanf:"admin"`
	Audit    AuditConfig    `koanf:"audit"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type NetworkConfig struct {
	UDPListen      string `koanf:"udp_listen"`
	TCPListen      string `koanf:"tcp_listen"`
	TCPEnabled     bool   `koanf:"tcp_enabled"`
	MulticastIface string `koanf:"multicast_iface"`
	MulticastPort  int    `koanf:"multicast_port"`
	MaxPDUSize     int    `koanf:"max_pdu_size"`
}

type PoolConfig struct {
	Capacity int  `koanf:"capacity"`
	Dynamic  bool `koanf:"dynamic"`
}

type SecurityConfig struct {
	ReplayPoolSize      int    `koanf:"replay_pool_size"`
	RPLWDO              uint32 `koanf:"rplwdo"`
	FreshnessWindowSec  int    `koanf:"freshness_window_seconds"`
	EchoCacheTimeoutSec int    `koanf:"echo_cache_timeout_seconds"`
}

type StorageConfig struct {
	// Backend selects the persistence implementation: "memfile" or "postgres".
	Backend  string         `koanf:"backend"`
	MemFile  MemFileConfig  `koanf:"memfile"`
	Postgres PostgresConfig `koanf:"postgres"`
	// CompressThresholdBytes gates zstd compression of stored blobs;
	// blobs smaller than this are stored raw.
	CompressThresholdBytes int `koanf:"compress_threshold_bytes"`
}

type MemFileConfig struct {
	Path string `koanf:"path"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type AdminConfig struct {
	HTTPListen string `koanf:"http_listen"`
}

// AuditConfig configures the optional Kafka-backed audit publisher. When
// Enabled is false (the default), every internal/audit call site no-ops.
type AuditConfig struct {
	Enabled  bool       `koanf:"enabled"`
	Brokers  []string   `koanf:"brokers"`
	ClientID string     `koanf:"client_id"`
	Topic    string     `koanf:"topic"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: GATEWAY_SECURITY__RPLWDO -> security.rplwdo
	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "GATEWAY_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := defaultConfig()

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Audit.Brokers) == 1 && strings.Contains(cfg.Audit.Brokers[0], ",") {
		cfg.Audit.Brokers = strings.Split(cfg.Audit.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "gateway-1",
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
			MemFile: MemFileConfig{
				Path: "gateway_state.json",
			},
			Postgres: PostgresConfig{
				MaxConns: 10,
				MinConns: 1,
			},
		},
		Admin: AdminConfig{
			HTTPListen: ":8080",
		},
		Audit: AuditConfig{
			ClientID: "gateway",
		},
	}
}

func (c *Config) Validate() error {
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Network.UDPListen == "" {
		return fmt.Errorf("config: network.udp_listen is required")
	}
	if c.Network.MaxPDUSize <= 0 {
		return fmt.Errorf("config: network.max_pdu_size must be > 0 (got %d)", c.Network.MaxPDUSize)
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("config: pool.capacity must be > 0 (got %d)", c.Pool.Capacity)
	}
	if c.Security.ReplayPoolSize <= 0 {
		return fmt.Errorf("config: security.replay_pool_size must be > 0 (got %d)", c.Security.ReplayPoolSize)
	}
	if c.Security.RPLWDO == 0 {
		return fmt.Errorf("config: security.rplwdo must be > 0")
	}
	if c.Security.FreshnessWindowSec <= 0 {
		return fmt.Errorf("config: security.freshness_window_seconds must be > 0 (got %d)", c.Security.FreshnessWindowSec)
	}
	if c.Security.EchoCacheTimeoutSec <= 0 {
		return fmt.Errorf("config: security.echo_cache_timeout_seconds must be > 0 (got %d)", c.Security.EchoCacheTimeoutSec)
	}
	switch c.Storage.Backend {
	case "memfile":
		if c.Storage.MemFile.Path == "" {
			return fmt.Errorf("config: storage.memfile.path is required when storage.backend is memfile")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("config: storage.postgres.dsn is required when storage.backend is postgres")
		}
		if c.Storage.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: storage.postgres.max_conns must be > 0 (got %d)", c.Storage.Postgres.MaxConns)
		}
		if c.Storage.Postgres.MinConns < 0 {
			return fmt.Errorf("config: storage.postgres.min_conns must be >= 0 (got %d)", c.Storage.Postgres.MinConns)
		}
	default:
		return fmt.Errorf("config: storage.backend must be 'memfile' or 'postgres' (got %q)", c.Storage.Backend)
	}
	if c.Storage.CompressThresholdBytes < 0 {
		return fmt.Errorf("config: storage.compress_threshold_bytes must be >= 0 (got %d)", c.Storage.CompressThresholdBytes)
	}
	if c.Admin.HTTPListen == "" {
		return fmt.Errorf("config: admin.http_listen is required")
	}
	if c.Audit.Enabled {
		if len(c.Audit.Brokers) == 0 {
			return fmt.Errorf("config: audit.brokers is required when audit.enabled is true")
		}
		if c.Audit.Topic == "" {
			return fmt.Errorf("config: audit.topic is required when audit.enabled is true")
		}
	}
	return nil
}

// FreshnessWindow returns the configured Echo freshness window as a duration.
func (c *Config) FreshnessWindow() time.Duration {
	return time.Duration(c.Security.FreshnessWindowSec) * time.Second
}

// EchoCacheTimeout returns the configured soft-reference timeout for the
// Echo retransmit cache as a duration.
func (c *Config) EchoCacheTimeout() time.Duration {
	return time.Duration(c.Security.EchoCacheTimeoutSec) * time.Second
}

// BuildTLSConfig creates a *tls.Config from the audit publisher's TLS
// settings. Returns nil if TLS is disabled.
func (a *AuditConfig) BuildTLSConfig() (*tls.Config, error) {
	if !a.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if a.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(a.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if a.TLS.CertFile != "" && a.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.TLS.CertFile, a.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the audit publisher's
// SASL settings. Returns nil if SASL is disabled.
func (a *AuditConfig) BuildSASLMechanism() sasl.Mechanism {
	if !a.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(a.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: a.SASL.Username, Pass: a.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
