package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/shellscope/internal/cron"
	"github.com/loykin/shellscope/internal/detector"
	"github.com/loykin/shellscope/internal/logger"
	"github.com/loykin/shellscope/internal/monitor"
	"github.com/loykin/shellscope/internal/store"
)

// EnvPrefix prefixes environment overrides, e.g. SHELLSCOPE_STORE_DSN.
const EnvPrefix = "SHELLSCOPE"

const (
	DefaultDSN           = "sqlite://shellscope.db"
	DefaultRetentionDays = 7
	DefaultSinkTimeout   = 3 * time.Second
	DefaultBasePath      = "/api"
)

// FileConfig represents the top-level TOML structure.
//
//	[monitor]
//	watch = ["cmd.exe", "powershell.exe"]
//	interval = "2s"
//
//	[detector]
//	keywords = ["hidden", "-enc"]
//
//	[store]
//	dsn = "sqlite://shellscope.db"
//
//	[retention]
//	days = 7
//	schedule = "@every 1h"
type FileConfig struct {
	Monitor   monitor.Config  `toml:"monitor" mapstructure:"monitor"`
	Detector  DetectorConfig  `toml:"detector" mapstructure:"detector"`
	Store     store.Config    `toml:"store" mapstructure:"store"`
	Retention RetentionConfig `toml:"retention" mapstructure:"retention"`
	Log       logger.Config   `toml:"log" mapstructure:"log"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
}

type DetectorConfig struct {
	Keywords []string `toml:"keywords" mapstructure:"keywords"`
}

// RetentionConfig controls pruning. Prune always runs once at startup;
// Schedule ("@every <duration>") adds periodic runs.
type RetentionConfig struct {
	Days     int    `toml:"days" mapstructure:"days"`
	Schedule string `toml:"schedule" mapstructure:"schedule"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// HistoryConfig lists export sink DSNs (clickhouse://, opensearch://).
type HistoryConfig struct {
	Sinks   []string      `toml:"sinks" mapstructure:"sinks"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() FileConfig {
	return FileConfig{
		Monitor: monitor.Config{
			WatchNames:   append([]string(nil), monitor.DefaultWatchNames...),
			Interval:     monitor.DefaultInterval,
			ErrorBackoff: monitor.DefaultErrorBackoff,
		},
		Detector:  DetectorConfig{Keywords: append([]string(nil), detector.DefaultKeywords...)},
		Store:     store.Config{DSN: DefaultDSN},
		Retention: RetentionConfig{Days: DefaultRetentionDays},
		Log:       logger.Config{Level: "info"},
		Server:    ServerConfig{BasePath: DefaultBasePath},
		History:   HistoryConfig{Timeout: DefaultSinkTimeout},
	}
}

func setDefaults(v *viper.Viper, d FileConfig) {
	v.SetDefault("monitor.watch", d.Monitor.WatchNames)
	v.SetDefault("monitor.interval", d.Monitor.Interval)
	v.SetDefault("monitor.error_backoff", d.Monitor.ErrorBackoff)
	v.SetDefault("detector.keywords", d.Detector.Keywords)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", d.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_age", d.Store.ConnMaxAge)
	v.SetDefault("retention.days", d.Retention.Days)
	v.SetDefault("retention.schedule", d.Retention.Schedule)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("history.sinks", d.History.Sinks)
	v.SetDefault("history.timeout", d.History.Timeout)
}

// Load reads the TOML file at path over the defaults and applies
// SHELLSCOPE_* environment overrides. An empty path uses defaults and env only.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := fc.Validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c FileConfig) Validate() error {
	var errs []error
	if len(c.Monitor.WatchNames) == 0 {
		errs = append(errs, errors.New("monitor.watch must list at least one process name"))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor.interval must be > 0"))
	}
	if c.Monitor.ErrorBackoff < 0 {
		errs = append(errs, errors.New("monitor.error_backoff must be >= 0"))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Retention.Days < 0 {
		errs = append(errs, errors.New("retention.days must be >= 0"))
	}
	if c.Retention.Schedule != "" {
		if err := cron.ValidateSchedule(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}
