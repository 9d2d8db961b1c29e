package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendBolt  = "bolt"
	BackendRedis = "redis"
)

// Config is the fleetd configuration file
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Log       LogConfig       `yaml:"log"`
	Actors    ActorConfig     `yaml:"actors"`
	Device    DeviceConfig    `yaml:"device"`
	Calc      CalcConfig      `yaml:"calculated_fields"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Storage   StorageConfig   `yaml:"storage"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Transport TransportConfig `yaml:"transport"`
	API       APIConfig       `yaml:"api"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ActorConfig configures the actor registry
type ActorConfig struct {
	Workers           int           `yaml:"workers"`
	IOWorkers         int           `yaml:"io_workers"`
	Throughput        int           `yaml:"throughput"`
	MailboxLimit      int           `yaml:"mailbox_limit"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	IdleCheckInterval time.Duration `yaml:"idle_check_interval"`
}

// DeviceConfig configures device actors
type DeviceConfig struct {
	RpcTimeout      time.Duration `yaml:"rpc_timeout"`
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	MaxRpcRetries   int           `yaml:"max_rpc_retries"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// CalcConfig configures calculated-field actors
type CalcConfig struct {
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	MaxRetries           uint64        `yaml:"max_retries"`
	IOTimeout            time.Duration `yaml:"io_timeout"`
}

// SchedulerConfig configures the refresh scheduler
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LifecycleConfig configures the housekeeper
type LifecycleConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// StorageConfig selects the calculated-field state backend
type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis state backend
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PipelineConfig configures the NATS rule pipeline sink. An empty URL
// disables result delivery.
type PipelineConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// TransportConfig configures the MQTT session downlink. An empty broker
// disables session delivery.
type TransportConfig struct {
	MQTTBroker  string `yaml:"mqtt_broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// APIConfig configures the admin endpoints
type APIConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/fleetd",
		Log:     LogConfig{Level: "info"},
		Actors: ActorConfig{
			IOWorkers:         64,
			Throughput:        32,
			MailboxLimit:      10000,
			IdleTimeout:       30 * time.Minute,
			IdleCheckInterval: time.Minute,
		},
		Device: DeviceConfig{
			RpcTimeout:      10 * time.Second,
			SessionTimeout:  10 * time.Minute,
			MaxRpcRetries:   3,
			DeliveryTimeout: time.Second,
		},
		Calc: CalcConfig{
			RetryInitialInterval: 100 * time.Millisecond,
			RetryMaxInterval:     5 * time.Second,
			MaxRetries:           5,
			IOTimeout:            10 * time.Second,
		},
		Scheduler: SchedulerConfig{Interval: 10 * time.Second},
		Lifecycle: LifecycleConfig{
			PollInterval: time.Second,
			TaskTimeout:  30 * time.Second,
			MaxAttempts:  5,
		},
		Storage: StorageConfig{Backend: BackendBolt},
		Pipeline: PipelineConfig{
			SubjectPrefix: "fleetd.cf",
		},
		Transport: TransportConfig{
			TopicPrefix: "fleetd/sessions",
		},
		API: APIConfig{
			HTTPAddr: "127.0.0.1:9090",
			GRPCAddr: "127.0.0.1:9091",
		},
	}
}

// Load reads a YAML file over the defaults, then applies FLEETD_*
// environment overrides and validates the result. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides addresses and credentials from the environment
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"FLEETD_DATA_DIR":        &c.DataDir,
		"FLEETD_LOG_LEVEL":       &c.Log.Level,
		"FLEETD_STORAGE_BACKEND": &c.Storage.Backend,
		"FLEETD_REDIS_ADDR":      &c.Storage.Redis.Addr,
		"FLEETD_REDIS_PASSWORD":  &c.Storage.Redis.Password,
		"FLEETD_NATS_URL":        &c.Pipeline.NATSURL,
		"FLEETD_MQTT_BROKER":     &c.Transport.MQTTBroker,
		"FLEETD_MQTT_USERNAME":   &c.Transport.Username,
		"FLEETD_MQTT_PASSWORD":   &c.Transport.Password,
		"FLEETD_HTTP_ADDR":       &c.API.HTTPAddr,
		"FLEETD_GRPC_ADDR":       &c.API.GRPCAddr,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if v, ok := lookup("FLEETD_REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FLEETD_REDIS_DB %q: %w", v, err)
		}
		c.Storage.Redis.DB = db
	}
	if v, ok := lookup("FLEETD_LOG_JSON"); ok {
		json, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FLEETD_LOG_JSON %q: %w", v, err)
		}
		c.Log.JSON = json
	}
	return nil
}

// Validate checks the configuration for values fleetd cannot run with
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Storage.Backend {
	case BackendBolt:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of bolt, redis", c.Storage.Backend))
	}
	if c.Transport.QoS > 2 {
		errs = append(errs, fmt.Errorf("transport.qos %d is not 0, 1 or 2", c.Transport.QoS))
	}
	if c.Scheduler.Interval < 0 {
		errs = append(errs, errors.New("scheduler.interval must not be negative"))
	}
	if c.Lifecycle.MaxAttempts < 0 {
		errs = append(errs, errors.New("lifecycle.max_attempts must not be negative"))
	}
	if c.API.HTTPAddr == "" {
		errs = append(errs, errors.New("api.http_addr is required"))
	}

	return errors.Join(errs...)
}
