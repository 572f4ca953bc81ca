package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Database drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Lark        LarkConfig        `mapstructure:"lark"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Deadline    DeadlineConfig    `mapstructure:"deadline"`
	Poller      PollerConfig      `mapstructure:"poller"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Approvers   ApproversConfig   `mapstructure:"approvers"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database configuration. Path is used by sqlite, DSN
// by postgres.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LarkConfig holds Lark API configuration. The external channel is the Lark
// approval definition named by ApprovalCode.
type LarkConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	AppID        string            `mapstructure:"app_id"`
	AppSecret    string            `mapstructure:"app_secret"`
	ApprovalCode string            `mapstructure:"approval_code"`
	VerifyToken  string            `mapstructure:"verify_token"`
	EncryptKey   string            `mapstructure:"encrypt_key"`
	WebSocket    bool              `mapstructure:"websocket"`
	AlertChatID  string            `mapstructure:"alert_chat_id"`
	FormWidgets  FormWidgetsConfig `mapstructure:"form_widgets"`
}

// FormWidgetsConfig maps record fields to widget ids of the Lark approval form
type FormWidgetsConfig struct {
	QuoteID   string `mapstructure:"quote_id"`
	Submitter string `mapstructure:"submitter"`
	Cycle     string `mapstructure:"cycle"`
	Approver  string `mapstructure:"approver"`
}

// SyncConfig holds channel sync retry configuration
type SyncConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DeadlineConfig holds the input deadline scanner configuration
type DeadlineConfig struct {
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

// PollerConfig holds the external status poller configuration
type PollerConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// PermissionsConfig holds role configuration
type PermissionsConfig struct {
	ElevatedRoles     []string `mapstructure:"elevated_roles"`
	ExternalActorRole string   `mapstructure:"external_actor_role"`
}

// Elevated returns the elevated roles including the external actor role, so
// decisions taken in the external system pass the identity checks.
func (p PermissionsConfig) Elevated() []string {
	roles := append([]string(nil), p.ElevatedRoles...)
	for _, r := range roles {
		if r == p.ExternalActorRole {
			return roles
		}
	}
	return append(roles, p.ExternalActorRole)
}

// WebhookConfig holds the external-events signature settings
type WebhookConfig struct {
	Secret    string        `mapstructure:"secret"`
	Tolerance time.Duration `mapstructure:"tolerance"`
}

// ApproversConfig points at the approver directory file
type ApproversConfig struct {
	File string `mapstructure:"file"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Output  string `mapstructure:"output"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables. A .env file
// in the working directory, when present, is loaded into the environment
// first. An empty configPath uses defaults and the environment only.
func Load(configPath string) (*Config, error) {
	if err := gotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("APPROVAL")
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVars(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/approvals.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("lark.enabled", false)
	v.SetDefault("lark.websocket", false)
	v.SetDefault("lark.form_widgets.quote_id", "widget_quote_id")
	v.SetDefault("lark.form_widgets.submitter", "widget_submitter")
	v.SetDefault("lark.form_widgets.cycle", "widget_cycle")
	v.SetDefault("lark.form_widgets.approver", "widget_approver")

	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.queue_size", 1024)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.backoff_base", time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Minute)
	v.SetDefault("sync.sweep_interval", time.Minute)

	v.SetDefault("deadline.scan_interval", 30*time.Second)
	v.SetDefault("deadline.batch_size", 100)
	v.SetDefault("deadline.max_backoff", 10*time.Minute)

	v.SetDefault("poller.interval", 5*time.Minute)
	v.SetDefault("poller.batch_size", 200)

	v.SetDefault("permissions.elevated_roles", []string{"approval_admin"})
	v.SetDefault("permissions.external_actor_role", "external_approver")

	v.SetDefault("webhook.tolerance", 5*time.Minute)

	v.SetDefault("approvers.file", "configs/approvers.yaml")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.output", "stdout")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars(v *viper.Viper) {
	// Sensitive credentials from environment
	_ = v.BindEnv("lark.app_id", "LARK_APP_ID")
	_ = v.BindEnv("lark.app_secret", "LARK_APP_SECRET")
	_ = v.BindEnv("lark.approval_code", "LARK_APPROVAL_CODE")
	_ = v.BindEnv("lark.verify_token", "LARK_VERIFY_TOKEN")
	_ = v.BindEnv("lark.encrypt_key", "LARK_ENCRYPT_KEY")
	_ = v.BindEnv("webhook.secret", "APPROVAL_WEBHOOK_SECRET")
	_ = v.BindEnv("database.dsn", "APPROVAL_DATABASE_DSN")
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	if c.Lark.Enabled {
		if c.Lark.AppID == "" || c.Lark.AppSecret == "" {
			return fmt.Errorf("lark.app_id and lark.app_secret are required when lark is enabled")
		}
		if c.Lark.ApprovalCode == "" {
			return fmt.Errorf("lark.approval_code is required when lark is enabled")
		}
		if c.Webhook.Secret == "" {
			return fmt.Errorf("webhook.secret is required when the external channel is enabled")
		}
	}

	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_base must be positive and not exceed sync.backoff_max")
	}
	if c.Sync.Workers < 1 || c.Sync.QueueSize < 1 {
		return fmt.Errorf("sync.workers and sync.queue_size must be positive")
	}
	if c.Deadline.ScanInterval <= 0 {
		return fmt.Errorf("deadline.scan_interval must be positive")
	}
	if c.Approvers.File == "" {
		return fmt.Errorf("approvers.file is required")
	}
	if c.Permissions.ExternalActorRole == "" {
		return fmt.Errorf("permissions.external_actor_role is required")
	}

	switch c.Logger.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logger.format must be json or console")
	}

	return nil
}
