package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Deadline.ScanInterval)
	assert.Equal(t, "external_approver", cfg.Permissions.ExternalActorRole)
	assert.Equal(t, "widget_quote_id", cfg.Lark.FormWidgets.QuoteID)
	assert.False(t, cfg.Lark.Enabled)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: memory
sync:
  max_attempts: 3
  backoff_base: 2s
  backoff_max: 1m
permissions:
  elevated_roles: [finance_admin]
lark:
  enabled: true
  approval_code: QUOTE-APPROVAL
`)
	t.Setenv("LARK_APP_ID", "cli_a1")
	t.Setenv("LARK_APP_SECRET", "secret")
	t.Setenv("APPROVAL_WEBHOOK_SECRET", "hook")
	t.Setenv("APPROVAL_DEADLINE_SCAN_INTERVAL", "10s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, "cli_a1", cfg.Lark.AppID)
	assert.Equal(t, "hook", cfg.Webhook.Secret)
	assert.Equal(t, 10*time.Second, cfg.Deadline.ScanInterval)
	assert.Equal(t, []string{"finance_admin"}, cfg.Permissions.ElevatedRoles)
	assert.Equal(t, []string{"finance_admin", "external_approver"}, cfg.Permissions.Elevated())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		Database:    DatabaseConfig{Driver: DriverMemory},
		Sync:        SyncConfig{Workers: 1, QueueSize: 1, MaxAttempts: 5, BackoffBase: time.Second, BackoffMax: time.Minute},
		Deadline:    DeadlineConfig{ScanInterval: time.Second},
		Permissions: PermissionsConfig{ExternalActorRole: "external_approver"},
		Approvers:   ApproversConfig{File: "approvers.yaml"},
		Logger:      LoggerConfig{Format: "json"},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(c *Config){
		"unknown driver":        func(c *Config) { c.Database.Driver = "mysql" },
		"sqlite without path":   func(c *Config) { c.Database.Driver = DriverSQLite },
		"postgres without dsn":  func(c *Config) { c.Database.Driver = DriverPostgres },
		"lark without secrets":  func(c *Config) { c.Lark.Enabled = true },
		"zero attempts":         func(c *Config) { c.Sync.MaxAttempts = 0 },
		"backoff above max":     func(c *Config) { c.Sync.BackoffBase = time.Hour },
		"no workers":            func(c *Config) { c.Sync.Workers = 0 },
		"no scan interval":      func(c *Config) { c.Deadline.ScanInterval = 0 },
		"no external role":      func(c *Config) { c.Permissions.ExternalActorRole = "" },
		"no approvers file":     func(c *Config) { c.Approvers.File = "" },
		"unknown logger format": func(c *Config) { c.Logger.Format = "xml" },
		"lark without webhook secret": func(c *Config) {
			c.Lark = LarkConfig{Enabled: true, AppID: "a", AppSecret: "s", ApprovalCode: "c"}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestPermissionsConfig_Elevated(t *testing.T) {
	p := PermissionsConfig{ElevatedRoles: []string{"admin", "external_approver"}, ExternalActorRole: "external_approver"}
	assert.Equal(t, []string{"admin", "external_approver"}, p.Elevated())
}
