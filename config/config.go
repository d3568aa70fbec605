package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/adpilot/automation-service/internal/http/ratelimit"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Tasks      TasksConfig      `mapstructure:"tasks"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int           `mapstructure:"port"`
	Host        string        `mapstructure:"host"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// IdleTimeout bounds keep-alive connections. There is no write timeout
	// since the event stream is long-lived.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// APIKey guards the /internal routes
	APIKey string `mapstructure:"api_key"`
	// RequestsPerSecond and Burst bound the control surface as a whole
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// AutoMigrate applies pending migrations on server start
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// GatewayConfig holds the outbound ad-platform API settings
type GatewayConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
}

// RateLimit converts the gateway settings to the limiter configuration
func (g GatewayConfig) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerSecond: g.RequestsPerSecond,
		Burst:             g.Burst,
		MaxAttempts:       g.MaxAttempts,
		InitialBackoffMs:  int(g.InitialBackoff / time.Millisecond),
		MaxBackoffMs:      int(g.MaxBackoff / time.Millisecond),
		IdleTTL:           g.IdleTTL,
	}
}

// SupervisorConfig holds job lifecycle settings
type SupervisorConfig struct {
	NodeID            string        `mapstructure:"node_id"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	StopGrace         time.Duration `mapstructure:"stop_grace"`
	RestartOnRecover  bool          `mapstructure:"restart_on_recover"`
}

// SchedulerConfig holds the defaults of the scheduler loops
type SchedulerConfig struct {
	DisableInterval time.Duration `mapstructure:"disable_interval"`
	BudgetInterval  time.Duration `mapstructure:"budget_interval"`
	ScalingInterval time.Duration `mapstructure:"scaling_interval"`
	Lookback        time.Duration `mapstructure:"lookback"`
}

// TasksConfig holds task runner settings
type TasksConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// NotifyConfig holds notification dispatcher settings
type NotifyConfig struct {
	Buffer int `mapstructure:"buffer"`
	// WebSocket enables the live event stream endpoint
	WebSocket bool `mapstructure:"websocket"`
}

// RetentionConfig holds how long finished records are kept
type RetentionConfig struct {
	ActionDays int           `mapstructure:"action_days"`
	TaskDays   int           `mapstructure:"task_days"`
	Interval   time.Duration `mapstructure:"interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	NoColor bool   `mapstructure:"no_color"`
}

// TelemetryConfig holds OpenTelemetry exporter settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

var globalConfig *Config

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

	if err := loadEnvFile(); err != nil {
		// .env is optional
		log.Debug().Err(err).Msg(".env file not loaded")
	}

	v.SetEnvPrefix("AUTOMATION")
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

	globalConfig = &cfg
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.Supervisor.HeartbeatInterval <= 0 {
		return fmt.Errorf("supervisor.heartbeat_interval must be positive")
	}
	if c.Supervisor.StaleAfter <= c.Supervisor.HeartbeatInterval {
		return fmt.Errorf("supervisor.stale_after (%s) must exceed heartbeat_interval (%s)",
			c.Supervisor.StaleAfter, c.Supervisor.HeartbeatInterval)
	}
	if c.Supervisor.ReadyTimeout <= 0 || c.Supervisor.ReadyTimeout >= c.Supervisor.StaleAfter {
		// a starting row is only heartbeated at claim time
		return fmt.Errorf("supervisor.ready_timeout (%s) must be positive and below stale_after (%s)",
			c.Supervisor.ReadyTimeout, c.Supervisor.StaleAfter)
	}
	if c.Server.IdleTimeout <= 0 {
		return fmt.Errorf("server.idle_timeout must be positive")
	}
	if c.Gateway.RequestsPerSecond <= 0 || c.Gateway.Burst <= 0 {
		return fmt.Errorf("gateway.requests_per_second and gateway.burst must be positive")
	}
	if c.Gateway.IdleTTL <= 0 {
		return fmt.Errorf("gateway.idle_ttl must be positive")
	}
	if c.Supervisor.SweepInterval <= 0 {
		return fmt.Errorf("supervisor.sweep_interval must be positive")
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be positive")
	}
	if c.Tasks.Concurrency <= 0 {
		return fmt.Errorf("tasks.concurrency must be positive")
	}
	return nil
}

// loadEnvFile loads the first .env file found into the process environment
func loadEnvFile() error {
	for _, path := range []string{".", "./config"} {
		envFile := fmt.Sprintf("%s/.env", path)
		if _, err := os.Stat(envFile); err == nil {
			return loadDotEnvFile(envFile)
		}
	}
	return fmt.Errorf("no .env file found")
}

// loadDotEnvFile reads KEY=VALUE lines. Variables already set win.
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
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.Trim(strings.TrimSpace(value), "\"'")
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

// bindEnvVars binds the conventional unprefixed variables
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("database.url", "AUTOMATION_DATABASE_URL", "DATABASE_URL")
	v.BindEnv("server.port", "AUTOMATION_SERVER_PORT", "PORT")
	v.BindEnv("server.api_key", "AUTOMATION_SERVER_API_KEY", "INTERNAL_API_KEY")
	v.BindEnv("logging.level", "AUTOMATION_LOGGING_LEVEL", "LOG_LEVEL")
	v.BindEnv("telemetry.endpoint", "AUTOMATION_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	v.BindEnv("telemetry.service_name", "AUTOMATION_TELEMETRY_SERVICE_NAME", "OTEL_SERVICE_NAME")
	v.BindEnv("supervisor.node_id", "AUTOMATION_SUPERVISOR_NODE_ID", "NODE_ID")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.requests_per_second", 50.0)
	v.SetDefault("server.burst", 100)

	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.max_conn_lifetime", 1*time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	rl := ratelimit.DefaultConfig()
	v.SetDefault("gateway.base_url", "https://ads.example.com/api/v2")
	v.SetDefault("gateway.timeout", 30*time.Second)
	v.SetDefault("gateway.requests_per_second", rl.RequestsPerSecond)
	v.SetDefault("gateway.burst", rl.Burst)
	v.SetDefault("gateway.max_attempts", rl.MaxAttempts)
	v.SetDefault("gateway.initial_backoff", time.Duration(rl.InitialBackoffMs)*time.Millisecond)
	v.SetDefault("gateway.max_backoff", time.Duration(rl.MaxBackoffMs)*time.Millisecond)
	v.SetDefault("gateway.idle_ttl", rl.IdleTTL)

	v.SetDefault("supervisor.heartbeat_interval", 10*time.Second)
	v.SetDefault("supervisor.stale_after", 45*time.Second)
	v.SetDefault("supervisor.sweep_interval", 30*time.Second)
	v.SetDefault("supervisor.ready_timeout", 15*time.Second)
	v.SetDefault("supervisor.stop_grace", 30*time.Second)
	v.SetDefault("supervisor.restart_on_recover", true)

	v.SetDefault("scheduler.disable_interval", 15*time.Minute)
	v.SetDefault("scheduler.budget_interval", time.Hour)
	v.SetDefault("scheduler.scaling_interval", time.Hour)
	v.SetDefault("scheduler.lookback", 24*time.Hour)

	v.SetDefault("tasks.concurrency", 1)

	v.SetDefault("notify.buffer", 1024)
	v.SetDefault("notify.websocket", true)

	v.SetDefault("retention.action_days", 90)
	v.SetDefault("retention.task_days", 30)
	v.SetDefault("retention.interval", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.no_color", false)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "opentelemetry-collector:4317")
	v.SetDefault("telemetry.service_name", "automation-service")
	v.SetDefault("telemetry.environment", "production")
}

// Get returns the global configuration
func Get() *Config {
	return globalConfig
}
