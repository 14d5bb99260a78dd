package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// GB is one gibibyte, the unit the cache limits are expressed in
const GB int64 = 1073741824

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Metax     MetaxConfig     `mapstructure:"metax"`
	IDA       IDAConfig       `mapstructure:"ida"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Download  DownloadConfig  `mapstructure:"download"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// InternalAPIKey guards the /internal admin routes
	InternalAPIKey string `mapstructure:"internal_api_key"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// CacheConfig holds package cache configuration
type CacheConfig struct {
	Dir                  string        `mapstructure:"dir"`
	PurgeThreshold       int64         `mapstructure:"purge_threshold"`
	PurgeTarget          int64         `mapstructure:"purge_target"`
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval"`
}

// DatasetsDir is the directory generated packages are written to
func (c CacheConfig) DatasetsDir() string {
	return strings.TrimRight(c.Dir, "/") + "/datasets"
}

// MetaxConfig holds the dataset registry client configuration
type MetaxConfig struct {
	URL               string        `mapstructure:"url"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond int           `mapstructure:"requests_per_second"`
	MaxRetries        int           `mapstructure:"max_retries"`
}

// IDAConfig holds the file storage configuration
type IDAConfig struct {
	DataRoot          string        `mapstructure:"data_root"`
	OfflineRetryDelay time.Duration `mapstructure:"offline_retry_delay"`
}

// WorkerConfig holds generation worker configuration
type WorkerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	ID            string        `mapstructure:"id"`
	NumWorkers    int           `mapstructure:"num_workers"`
	PollDelay     time.Duration `mapstructure:"poll_delay"`
	OrphanTimeout time.Duration `mapstructure:"orphan_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	ListenForJobs bool          `mapstructure:"listen_for_jobs"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

// DownloadConfig holds download authorization configuration
type DownloadConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// NotifyConfig holds subscription notification configuration
type NotifyConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig holds rate limiting configuration for the HTTP front end
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RetentionConfig holds history cleanup configuration
type RetentionConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	Interval               time.Duration `mapstructure:"interval"`
	AuthorizationRetention time.Duration `mapstructure:"authorization_retention"`
	QueueRetentionDays     int           `mapstructure:"queue_retention_days"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	NoColor bool   `mapstructure:"no_color"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	Environment string  `mapstructure:"environment"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load loads the configuration from file, .env, and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// .env is optional
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg(".env file not loaded")
	}

	v.SetEnvPrefix("DOWNLOAD_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	if c.Cache.PurgeTarget > c.Cache.PurgeThreshold {
		return fmt.Errorf("cache.purge_target (%d) must not exceed cache.purge_threshold (%d)",
			c.Cache.PurgeTarget, c.Cache.PurgeThreshold)
	}
	if c.Worker.NumWorkers < 1 {
		return fmt.Errorf("worker.num_workers must be at least 1")
	}
	if c.Metax.RequestsPerSecond < 1 {
		return fmt.Errorf("metax.requests_per_second must be at least 1")
	}
	return nil
}

// loadEnvFile loads .env file by parsing KEY=VALUE lines and setting them as environment variables
func loadEnvFile() error {
	envPaths := []string{
		".",
		"./config",
	}

	for _, path := range envPaths {
		envFile := fmt.Sprintf("%s/.env", path)
		if _, err := os.Stat(envFile); err == nil {
			if err := loadDotEnvFile(envFile); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("no .env file found")
}

// loadDotEnvFile reads a .env file and sets environment variables
func loadDotEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			value = strings.Trim(value, "\"'")
			// Real environment wins over .env
			if _, set := os.LookupEnv(key); !set {
				os.Setenv(key, value)
			}
		}
	}
	return scanner.Err()
}

// bindEnvVars binds the unprefixed variable names used by the deployment scripts
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("database.url", "DATABASE_URL")

	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.host", "HOST")
	v.BindEnv("server.internal_api_key", "INTERNAL_API_KEY")

	v.BindEnv("cache.dir", "DOWNLOAD_CACHE_DIR")
	v.BindEnv("cache.purge_threshold", "CACHE_PURGE_THRESHOLD")
	v.BindEnv("cache.purge_target", "CACHE_PURGE_TARGET")

	v.BindEnv("metax.url", "METAX_URL")
	v.BindEnv("metax.user", "METAX_USER")
	v.BindEnv("metax.password", "METAX_PASS")

	v.BindEnv("ida.data_root", "IDA_DATA_ROOT")

	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("telemetry.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 4431)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)

	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.max_conn_lifetime", 1*time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)

	v.SetDefault("cache.dir", "/mnt/download-service-cache")
	v.SetDefault("cache.purge_threshold", GB)
	v.SetDefault("cache.purge_target", GB*3/4)
	v.SetDefault("cache.housekeeping_interval", 0)

	v.SetDefault("metax.url", "https://metax.fd-dev.csc.fi/")
	v.SetDefault("metax.timeout", 30*time.Second)
	v.SetDefault("metax.requests_per_second", 20)
	v.SetDefault("metax.max_retries", 0)

	v.SetDefault("ida.data_root", "/mnt/download-ida-storage")
	v.SetDefault("ida.offline_retry_delay", 10*time.Minute)

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.id", hostname())
	v.SetDefault("worker.num_workers", 1)
	v.SetDefault("worker.poll_delay", 5*time.Second)
	v.SetDefault("worker.orphan_timeout", 6*time.Hour)
	v.SetDefault("worker.sweep_interval", 1*time.Minute)
	v.SetDefault("worker.listen_for_jobs", true)
	v.SetDefault("worker.max_retries", 3)

	v.SetDefault("download.token_ttl", 72*time.Hour)

	v.SetDefault("notify.timeout", 10*time.Second)

	v.SetDefault("rate_limit.requests_per_second", 50)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.interval", 1*time.Hour)
	v.SetDefault("retention.authorization_retention", 7*24*time.Hour)
	v.SetDefault("retention.queue_retention_days", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.no_color", false)

	v.SetDefault("telemetry.service_name", "download-service")
	v.SetDefault("telemetry.version", "1.0")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "download-worker"
	}
	return name
}
