// Package config loads service configuration from an optional YAML file
// (ATP_CONFIG_PATH) overlaid with environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config é a configuração do ledger-service
type Config struct {
	Env        string           `yaml:"env" env:"ATP_ENV" env-default:"development"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
	Federation FederationConfig `yaml:"federation"`
	Identity   IdentityConfig   `yaml:"identity"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Audit      AuditConfig      `yaml:"audit"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	DTM        DTMConfig        `yaml:"dtm"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"ATP_HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"ATP_HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"ATP_HTTP_WRITE_TIMEOUT" env-default:"15s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"ATP_HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"ATP_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"ATP_LOG_FORMAT" env-default:"json"`
}

// PostgresConfig: an empty DSN selects the in-memory stores.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn" env:"ATP_POSTGRES_DSN"`
	MaxConns        int32         `yaml:"max_conns" env:"ATP_POSTGRES_MAX_CONNS" env-default:"50"`
	MinConns        int32         `yaml:"min_conns" env:"ATP_POSTGRES_MIN_CONNS" env-default:"5"`
	ConnectAttempts int           `yaml:"connect_attempts" env:"ATP_POSTGRES_CONNECT_ATTEMPTS" env-default:"10"`
	RetryInterval   time.Duration `yaml:"retry_interval" env:"ATP_POSTGRES_RETRY_INTERVAL" env-default:"2s"`
	Migrate         bool          `yaml:"migrate" env:"ATP_POSTGRES_MIGRATE" env-default:"true"`
}

// RedisConfig: an empty Addr disables the cache and the distributed mutex.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ATP_REDIS_ADDR"`
	Password string        `yaml:"password" env:"ATP_REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"ATP_REDIS_DB" env-default:"0"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"ATP_REDIS_CACHE_TTL" env-default:"1s"`
	RedLock  bool          `yaml:"redlock" env:"ATP_REDIS_REDLOCK" env-default:"true"`
}

type ProtocolConfig struct {
	LockTTL       time.Duration `yaml:"lock_ttl" env:"ATP_LOCK_TTL" env-default:"5s"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"ATP_SWEEP_INTERVAL" env-default:"250ms"`
	Currencies    []string      `yaml:"currencies" env:"ATP_CURRENCIES" env-separator:"," env-default:"USD,EUR,BRL"`
	Workers       int           `yaml:"workers" env:"ATP_WORKERS" env-default:"16"`
	QueueSize     int           `yaml:"queue_size" env:"ATP_QUEUE_SIZE" env-default:"1024"`
}

type PeerConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// FederationConfig lists remote peers. LocalValidators adds in-process
// validator nodes, used in development and tests.
type FederationConfig struct {
	Quorum          int           `yaml:"quorum" env:"ATP_FEDERATION_QUORUM" env-default:"0"`
	Deadline        time.Duration `yaml:"deadline" env:"ATP_FEDERATION_DEADLINE" env-default:"2s"`
	PeerTimeout     time.Duration `yaml:"peer_timeout" env:"ATP_FEDERATION_PEER_TIMEOUT" env-default:"1s"`
	Peers           []PeerConfig  `yaml:"peers"`
	PeerURLs        []string      `yaml:"-" env:"ATP_FEDERATION_PEERS" env-separator:","`
	LocalValidators int           `yaml:"local_validators" env:"ATP_FEDERATION_LOCAL_VALIDATORS" env-default:"0"`
	MaxAmount       string        `yaml:"max_amount" env:"ATP_FEDERATION_MAX_AMOUNT"`
	BreakerFailures uint32        `yaml:"breaker_failures" env:"ATP_FEDERATION_BREAKER_FAILURES" env-default:"5"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" env:"ATP_FEDERATION_BREAKER_TIMEOUT" env-default:"10s"`
}

// IdentityConfig: an empty BaseURL accepts every account.
type IdentityConfig struct {
	BaseURL string        `yaml:"base_url" env:"ATP_IDENTITY_URL"`
	Timeout time.Duration `yaml:"timeout" env:"ATP_IDENTITY_TIMEOUT" env-default:"1s"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"ATP_KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env:"ATP_KAFKA_TOPIC" env-default:"atp.transfer-events"`
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled" env:"ATP_AUDIT_ENABLED" env-default:"false"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ATP_OTEL_ENABLED" env-default:"false"`
	Endpoint    string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:"localhost:4318"`
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"atp-ledger"`
}

// DTMConfig: an empty Server keeps UUID transaction IDs.
type DTMConfig struct {
	Server string `yaml:"server" env:"ATP_DTM_SERVER"`
}

// Load lê .env, o arquivo YAML opcional e as variáveis de ambiente
func Load() (*Config, error) {
	var cfg Config
	if err := read(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func read(cfg any) error {
	// .env is optional
	_ = godotenv.Load()

	if path := os.Getenv("ATP_CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("failed to find config file: %w", err)
		}
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// RemotePeers merges the YAML peer list with ATP_FEDERATION_PEERS entries of
// the form id=url.
func (f FederationConfig) RemotePeers() ([]PeerConfig, error) {
	peers := append([]PeerConfig(nil), f.Peers...)
	for _, raw := range f.PeerURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, url, ok := strings.Cut(raw, "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("invalid federation peer %q, expected id=url", raw)
		}
		peers = append(peers, PeerConfig{ID: id, URL: url})
	}
	return peers, nil
}

// PeerCount is the federation size.
func (f FederationConfig) PeerCount() int {
	peers, err := f.RemotePeers()
	if err != nil {
		return f.LocalValidators
	}
	return len(peers) + f.LocalValidators
}

// MaxTransfer parses MaxAmount; zero means unbounded.
func (f FederationConfig) MaxTransfer() (decimal.Decimal, error) {
	if f.MaxAmount == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(f.MaxAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid federation max_amount %q: %w", f.MaxAmount, err)
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("federation max_amount must not be negative")
	}
	return d, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Protocol.LockTTL <= 0 {
		return errors.New("protocol.lock_ttl must be positive")
	}
	if c.Protocol.SweepInterval <= 0 {
		return errors.New("protocol.sweep_interval must be positive")
	}
	if c.Protocol.Workers <= 0 || c.Protocol.QueueSize <= 0 {
		return errors.New("protocol.workers and protocol.queue_size must be positive")
	}
	if len(c.Protocol.Currencies) == 0 {
		return errors.New("protocol.currencies must not be empty")
	}

	f := c.Federation
	if f.Deadline <= 0 || f.PeerTimeout <= 0 {
		return errors.New("federation.deadline and federation.peer_timeout must be positive")
	}
	// a lock must outlive the federation round it protects
	if f.Deadline >= c.Protocol.LockTTL {
		return fmt.Errorf("federation.deadline (%s) must be shorter than protocol.lock_ttl (%s)", f.Deadline, c.Protocol.LockTTL)
	}
	if _, err := f.RemotePeers(); err != nil {
		return err
	}
	peers := f.PeerCount()
	if peers == 0 {
		return errors.New("federation needs at least one peer or local validator")
	}
	if f.Quorum < 0 || f.Quorum > peers {
		return fmt.Errorf("federation.quorum %d out of range for %d peers", f.Quorum, peers)
	}
	if _, err := f.MaxTransfer(); err != nil {
		return err
	}

	if c.Identity.BaseURL != "" && c.Identity.Timeout <= 0 {
		return errors.New("identity.timeout must be positive")
	}
	if c.Redis.Addr != "" && c.Redis.CacheTTL <= 0 {
		return errors.New("redis.cache_ttl must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("http.shutdown_timeout must be positive")
	}
	return nil
}

// NodeConfig é a configuração do validator-node
type NodeConfig struct {
	NodeID       string          `yaml:"node_id" env:"ATP_NODE_ID" env-default:"validator-1"`
	Addr         string          `yaml:"addr" env:"ATP_NODE_ADDR" env-default:":9090"`
	Currencies   []string        `yaml:"currencies" env:"ATP_CURRENCIES" env-separator:"," env-default:"USD,EUR,BRL"`
	MaxAmount    string          `yaml:"max_amount" env:"ATP_NODE_MAX_AMOUNT"`
	ReplayWindow int             `yaml:"replay_window" env:"ATP_NODE_REPLAY_WINDOW" env-default:"10000"`
	Log          LogConfig       `yaml:"log"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
}

// LoadNode reads the validator node configuration.
func LoadNode() (*NodeConfig, error) {
	var cfg NodeConfig
	if err := read(&cfg); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		return nil, errors.New("node_id is required")
	}
	if cfg.ReplayWindow <= 0 {
		return nil, errors.New("replay_window must be positive")
	}
	if _, err := (FederationConfig{MaxAmount: cfg.MaxAmount}).MaxTransfer(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
