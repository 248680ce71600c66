package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Simulator SimulatorConfig `mapstructure:"simulator" yaml:"simulator"`
	Failure   FailureConfig   `mapstructure:"failure" yaml:"failure"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Publish   PublishConfig   `mapstructure:"publish" yaml:"publish"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Collector CollectorConfig `mapstructure:"collector" yaml:"collector"`
	Alerting  AlertingConfig  `mapstructure:"alerting" yaml:"alerting"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type SimulatorConfig struct {
	MachineID          string        `mapstructure:"machine_id" yaml:"machine_id"`
	Seed               uint64        `mapstructure:"seed" yaml:"seed"`
	TickRateHz         float64       `mapstructure:"tick_rate_hz" yaml:"tick_rate_hz"`
	AnomalyProbability float64       `mapstructure:"anomaly_probability" yaml:"anomaly_probability"`
	NoiseFraction      float64       `mapstructure:"noise_fraction" yaml:"noise_fraction"`
	PeriodicPeriod     time.Duration `mapstructure:"periodic_period" yaml:"periodic_period"`
	JitterFraction     float64       `mapstructure:"jitter_fraction" yaml:"jitter_fraction"`
	StallFactor        float64       `mapstructure:"stall_factor" yaml:"stall_factor"`
	ProfilePath        string        `mapstructure:"profile_path" yaml:"profile_path"`
	Autostart          bool          `mapstructure:"autostart" yaml:"autostart"`
}

type FailureConfig struct {
	Policy              string        `mapstructure:"policy" yaml:"policy"`
	ToleranceFraction   float64       `mapstructure:"tolerance_fraction" yaml:"tolerance_fraction"`
	RecoveryPause       time.Duration `mapstructure:"recovery_pause" yaml:"recovery_pause"`
	ImminentProbability float64       `mapstructure:"imminent_probability" yaml:"imminent_probability"`
	MinCyclesToFailure  int           `mapstructure:"min_cycles_to_failure" yaml:"min_cycles_to_failure"`
	MaxCyclesToFailure  int           `mapstructure:"max_cycles_to_failure" yaml:"max_cycles_to_failure"`
	DriftPercent        float64       `mapstructure:"drift_percent" yaml:"drift_percent"`
	ReplacementPause    time.Duration `mapstructure:"replacement_pause" yaml:"replacement_pause"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port" yaml:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port" yaml:"http_port"`
	ModbusPort      int           `mapstructure:"modbus_port" yaml:"modbus_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type PublishConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

type StorageConfig struct {
	Driver        string         `mapstructure:"driver" yaml:"driver"`
	SQLitePath    string         `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	BatchSize     int            `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration  `mapstructure:"flush_interval" yaml:"flush_interval"`
	Database      DatabaseConfig `mapstructure:"database" yaml:"database"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Database       string `mapstructure:"database" yaml:"database"`
	User           string `mapstructure:"user" yaml:"user"`
	Password       string `mapstructure:"password" yaml:"password"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
}

type CollectorConfig struct {
	ModbusAddress string        `mapstructure:"modbus_address" yaml:"modbus_address"`
	UnitID        uint8         `mapstructure:"unit_id" yaml:"unit_id"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	HiRateHz      int           `mapstructure:"hi_rate_hz" yaml:"hi_rate_hz"`
	LoRateHz      int           `mapstructure:"lo_rate_hz" yaml:"lo_rate_hz"`
	MaxFileKB     int           `mapstructure:"max_file_kb" yaml:"max_file_kb"`
	LogDir        string        `mapstructure:"log_dir" yaml:"log_dir"`
	TrainDir      string        `mapstructure:"train_dir" yaml:"train_dir"`
	CaptureFile   string        `mapstructure:"capture_file" yaml:"capture_file"`
}

type AlertingConfig struct {
	Threshold float64       `mapstructure:"threshold" yaml:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

type ArchiveConfig struct {
	Dirs       []string      `mapstructure:"dirs" yaml:"dirs"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxRetries uint64        `mapstructure:"max_retries" yaml:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ReceiveDir string        `mapstructure:"receive_dir" yaml:"receive_dir"`
}

type AuthConfig struct {
	Enabled              bool          `mapstructure:"enabled" yaml:"enabled"`
	JWTSecretEnv         string        `mapstructure:"jwt_secret_env" yaml:"jwt_secret_env"`
	TokenTTL             time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	OperatorUser         string        `mapstructure:"operator_user" yaml:"operator_user"`
	OperatorPasswordHash string        `mapstructure:"operator_password_hash" yaml:"operator_password_hash"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

type MetricsConfig struct {
	Exporter string        `mapstructure:"exporter" yaml:"exporter"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("simulator.machine_id", "imm-01")
	v.SetDefault("simulator.seed", 1)
	v.SetDefault("simulator.tick_rate_hz", 100.0)
	v.SetDefault("simulator.anomaly_probability", 0.1)
	v.SetDefault("simulator.noise_fraction", 0.05)
	v.SetDefault("simulator.periodic_period", "2s")
	v.SetDefault("simulator.jitter_fraction", 0.2)
	v.SetDefault("simulator.stall_factor", 10.0)
	v.SetDefault("simulator.profile_path", "")
	v.SetDefault("simulator.autostart", true)

	v.SetDefault("failure.policy", "threshold")
	v.SetDefault("failure.tolerance_fraction", 0.5)
	v.SetDefault("failure.recovery_pause", "30s")
	v.SetDefault("failure.imminent_probability", 0.2)
	v.SetDefault("failure.min_cycles_to_failure", 2)
	v.SetDefault("failure.max_cycles_to_failure", 8)
	v.SetDefault("failure.drift_percent", 0.15)
	v.SetDefault("failure.replacement_pause", "10s")

	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.modbus_port", 5020)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("publish.kafka.enabled", false)
	v.SetDefault("publish.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("publish.kafka.topic", "moldsim.readings")

	v.SetDefault("storage.driver", "none")
	v.SetDefault("storage.sqlite_path", "data/moldsim.db")
	v.SetDefault("storage.batch_size", 500)
	v.SetDefault("storage.flush_interval", "2s")
	v.SetDefault("storage.database.host", "localhost")
	v.SetDefault("storage.database.port", 5432)
	v.SetDefault("storage.database.database", "moldsim")
	v.SetDefault("storage.database.user", "moldsim")
	v.SetDefault("storage.database.password", "")
	v.SetDefault("storage.database.max_connections", 4)

	v.SetDefault("collector.modbus_address", "localhost:5020")
	v.SetDefault("collector.unit_id", 1)
	v.SetDefault("collector.timeout", "1s")
	v.SetDefault("collector.hi_rate_hz", 100)
	v.SetDefault("collector.lo_rate_hz", 10)
	v.SetDefault("collector.max_file_kb", 1024)
	v.SetDefault("collector.log_dir", "logs")
	v.SetDefault("collector.train_dir", "train")
	v.SetDefault("collector.capture_file", "capture")

	v.SetDefault("alerting.threshold", 0.5)
	v.SetDefault("alerting.cooldown", "5m")

	v.SetDefault("archive.dirs", []string{"logs", "train"})
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.interval", "10m")
	v.SetDefault("archive.max_retries", 3)
	v.SetDefault("archive.timeout", "30s")
	v.SetDefault("archive.receive_dir", "")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "MOLDSIM_JWT_SECRET")
	v.SetDefault("auth.token_ttl", "60m")
	v.SetDefault("auth.operator_user", "operator")
	v.SetDefault("auth.operator_password_hash", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("metrics.exporter", "none")
	v.SetDefault("metrics.interval", "30s")
}

// Load reads path (optional, empty means defaults only), applies MOLDSIM_
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MOLDSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate fails fast on values that would make the simulator produce
// degenerate readings.
func (c *Config) Validate() error {
	s := c.Simulator
	if s.TickRateHz <= 0 {
		return fmt.Errorf("%w: simulator.tick_rate_hz must be positive, got %g", ErrInvalidConfig, s.TickRateHz)
	}
	if err := probability("simulator.anomaly_probability", s.AnomalyProbability); err != nil {
		return err
	}
	if s.NoiseFraction < 0 {
		return fmt.Errorf("%w: simulator.noise_fraction must not be negative, got %g", ErrInvalidConfig, s.NoiseFraction)
	}
	if s.PeriodicPeriod <= 0 {
		return fmt.Errorf("%w: simulator.periodic_period must be positive, got %s", ErrInvalidConfig, s.PeriodicPeriod)
	}
	if s.JitterFraction < 0 || s.JitterFraction >= 1 {
		return fmt.Errorf("%w: simulator.jitter_fraction must be in [0,1), got %g", ErrInvalidConfig, s.JitterFraction)
	}

	f := c.Failure
	switch f.Policy {
	case "none", "threshold", "scheduled":
	default:
		return fmt.Errorf("%w: failure.policy must be none, threshold or scheduled, got %q", ErrInvalidConfig, f.Policy)
	}
	if err := probability("failure.imminent_probability", f.ImminentProbability); err != nil {
		return err
	}
	if f.ToleranceFraction < 0 {
		return fmt.Errorf("%w: failure.tolerance_fraction must not be negative, got %g", ErrInvalidConfig, f.ToleranceFraction)
	}
	if f.MinCyclesToFailure < 1 || f.MinCyclesToFailure > f.MaxCyclesToFailure {
		return fmt.Errorf("%w: failure cycles to failure range [%d,%d] is invalid", ErrInvalidConfig, f.MinCyclesToFailure, f.MaxCyclesToFailure)
	}
	if f.RecoveryPause < 0 || f.ReplacementPause < 0 {
		return fmt.Errorf("%w: failure pauses must not be negative", ErrInvalidConfig)
	}

	switch c.Storage.Driver {
	case "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: storage.driver must be none, sqlite or postgres, got %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if c.Storage.Driver != "none" && c.Storage.BatchSize <= 0 {
		return fmt.Errorf("%w: storage.batch_size must be positive, got %d", ErrInvalidConfig, c.Storage.BatchSize)
	}

	if c.Publish.Kafka.Enabled && (len(c.Publish.Kafka.Brokers) == 0 || c.Publish.Kafka.Topic == "") {
		return fmt.Errorf("%w: publish.kafka needs brokers and a topic", ErrInvalidConfig)
	}

	col := c.Collector
	if col.HiRateHz <= 0 || col.LoRateHz <= 0 || col.LoRateHz > col.HiRateHz {
		return fmt.Errorf("%w: collector rates must satisfy 0 < lo_rate_hz <= hi_rate_hz, got %d/%d", ErrInvalidConfig, col.LoRateHz, col.HiRateHz)
	}
	if col.MaxFileKB <= 0 {
		return fmt.Errorf("%w: collector.max_file_kb must be positive, got %d", ErrInvalidConfig, col.MaxFileKB)
	}

	if err := probability("alerting.threshold", c.Alerting.Threshold); err != nil {
		return err
	}

	switch c.Metrics.Exporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("%w: metrics.exporter must be none or stdout, got %q", ErrInvalidConfig, c.Metrics.Exporter)
	}

	return nil
}

func probability(key string, p float64) error {
	if p < 0 || p > 1 {
		return fmt.Errorf("%w: %s must be in [0,1], got %g", ErrInvalidConfig, key, p)
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret reads the signing secret from the configured environment
// variable and falls back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "MOLDSIM_JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
