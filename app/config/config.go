package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"pipelineops/internal/domain/entity"
)

const (
	EnvConfigPath = "PIPELINEOPS_CONFIG"
	EnvAPIKey     = "DATADOG_API_KEY"
	EnvAppKey     = "DATADOG_APP_KEY"

	// applyResponseMargin is the time left after an apply times out for the
	// /apply response to be written.
	applyResponseMargin = time.Minute
)

type Config struct {
	Server    HTTPServerConfig `toml:"server"`
	Datadog   DatadogConfig    `toml:"datadog"`
	Store     StoreConfig      `toml:"store"`
	Terraform TerraformConfig  `toml:"terraform"`
	Sync      SyncConfig       `toml:"sync"`
	Mongo     MongoConfig      `toml:"mongo"`
	Metrics   MetricsConfig    `toml:"metrics"`
	Log       LogConfig        `toml:"log"`
}

type HTTPServerConfig struct {
	Host         string        `toml:"host"`
	Port         int           `toml:"port"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
}

type DatadogConfig struct {
	APIKey  string        `toml:"api_key"`
	AppKey  string        `toml:"app_key"`
	BaseURL string        `toml:"base_url"`
	Timeout time.Duration `toml:"timeout"`
}

// Validate reports the first missing credential by its environment name.
func (c DatadogConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: %s", entity.ErrMissingCredentials, EnvAPIKey)
	}
	if c.AppKey == "" {
		return fmt.Errorf("%w: %s", entity.ErrMissingCredentials, EnvAppKey)
	}
	return nil
}

type StoreConfig struct {
	PipelinesDir string `toml:"pipelines_dir"`
}

type TerraformConfig struct {
	Dir          string        `toml:"dir"`
	Binary       string        `toml:"binary"`
	ResourceType string        `toml:"resource_type"`
	ApplyTimeout time.Duration `toml:"apply_timeout"`
	// QuoteTargetKeys renders -target=<type>.pipeline["name"] for for_each
	// roots that need string keys quoted.
	QuoteTargetKeys bool `toml:"quote_target_keys"`
}

type SyncConfig struct {
	Concurrency int      `toml:"concurrency"`
	Defaults    []string `toml:"defaults"`
}

type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// DefaultPipelines is synced when no names are given.
var DefaultPipelines = []string{
	"k8-aws-nonprod",
	"k8-azure-nonprod",
	"k8-onprem-nonprod",
	"k8-aws-prod",
	"k8-azure-prod",
	"k8-onprem-prod",
}

func Default() *Config {
	return &Config{
		Server: HTTPServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			// apply requests block until terraform exits
			ReadTimeout:  2 * time.Minute,
			WriteTimeout: 20 * time.Minute,
		},
		Datadog: DatadogConfig{
			BaseURL: "https://api.datadoghq.com",
			Timeout: 30 * time.Second,
		},
		Store: StoreConfig{
			PipelinesDir: "./pipelines",
		},
		Terraform: TerraformConfig{
			Dir:          "./terraform",
			Binary:       "terraform",
			ResourceType: "datadog_logs_custom_pipeline",
			ApplyTimeout: 15 * time.Minute,
		},
		Sync: SyncConfig{
			Concurrency: 4,
			Defaults:    append([]string(nil), DefaultPipelines...),
		},
		Mongo: MongoConfig{
			Database: "pipelineops",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, then the TOML file at path
// (skipped when path is empty or the file does not exist), then environment
// variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.alignWriteTimeout()
	return cfg, nil
}

// alignWriteTimeout keeps the server write timeout longer than an apply, since
// /apply answers only after terraform exits. A zero write timeout means none.
func (c *Config) alignWriteTimeout() {
	if c.Server.WriteTimeout == 0 {
		return
	}
	if c.Terraform.ApplyTimeout <= 0 {
		c.Server.WriteTimeout = 0
		return
	}
	if floor := c.Terraform.ApplyTimeout + applyResponseMargin; c.Server.WriteTimeout < floor {
		c.Server.WriteTimeout = floor
	}
}

func applyEnvOverrides(cfg *Config) error {
	setString(&cfg.Server.Host, "SERVER_HOST")
	if err := setInt(&cfg.Server.Port, "SERVER_PORT"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Server.WriteTimeout, "SERVER_WRITE_TIMEOUT"); err != nil {
		return err
	}
	setString(&cfg.Datadog.APIKey, EnvAPIKey)
	setString(&cfg.Datadog.AppKey, EnvAppKey)
	setString(&cfg.Datadog.BaseURL, "DATADOG_API_URL")
	setString(&cfg.Store.PipelinesDir, "PIPELINES_DIR")
	setString(&cfg.Terraform.Dir, "TERRAFORM_DIR")
	setString(&cfg.Terraform.Binary, "TERRAFORM_BIN")
	setString(&cfg.Terraform.ResourceType, "TERRAFORM_RESOURCE_TYPE")
	if err := setDuration(&cfg.Terraform.ApplyTimeout, "APPLY_TIMEOUT"); err != nil {
		return err
	}
	if err := setInt(&cfg.Sync.Concurrency, "SYNC_CONCURRENCY"); err != nil {
		return err
	}
	setString(&cfg.Mongo.URI, "MONGO_URI")
	setString(&cfg.Mongo.Database, "MONGO_DB")
	setString(&cfg.Metrics.Addr, "METRICS_ADDR")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	return nil
}

// SlogLevel parses Log.Level, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setString(dst *string, key string) {
	*dst = getEnv(key, *dst)
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
