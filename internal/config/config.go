package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	LogLevel  string          `koanf:"log_level"`
	Remote    RemoteConfig    `koanf:"remote"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Server    ServerConfig    `koanf:"server"`
	Daemon    DaemonConfig    `koanf:"daemon"`
}

type RemoteConfig struct {
	BaseURL        string `koanf:"base_url"`
	Token          string `koanf:"token"`
	TableID        string `koanf:"table_id"`
	RequestTimeout string `koanf:"request_timeout"`
	UserAgent      string `koanf:"user_agent"`
}

type DispatchConfig struct {
	MaxParallel int  `koanf:"max_parallel"`
	Force       bool `koanf:"force"`
}

type MonitorConfig struct {
	PollInterval         string `koanf:"poll_interval"`
	MaxTransportFailures int    `koanf:"max_transport_failures"`
	MaxPolls             int    `koanf:"max_polls"`
	ShutdownTimeout      string `koanf:"shutdown_timeout"`
}

type SchedulerConfig struct {
	TickInterval         string `koanf:"tick_interval"`
	ShutdownTimeout      string `koanf:"shutdown_timeout"`
	LeaseDuration        string `koanf:"lease_duration"`
	InFlightPollInterval string `koanf:"in_flight_poll_interval"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type DaemonConfig struct {
	StatePath           string `koanf:"state_path"`
	ShutdownTimeout     string `koanf:"shutdown_timeout"`
	HealthCheckInterval string `koanf:"health_check_interval"`
	SnapshotInterval    string `koanf:"snapshot_interval"`
	LockTimeout         string `koanf:"lock_timeout"`
	LockRetry           string `koanf:"lock_retry"`
	StaleLockTTL        string `koanf:"stale_lock_ttl"`
}

const (
	DefaultLogLevel                      = "info"
	DefaultRemoteBaseURL                 = "http://localhost:8000/api"
	DefaultRemoteRequestTimeout          = "30s"
	DefaultRemoteUserAgent               = "tablesync/1.0"
	DefaultDispatchMaxParallel           = 0
	DefaultDispatchForce                 = true
	DefaultMonitorPollInterval           = "2s"
	DefaultMonitorMaxTransportFailures   = 3
	DefaultMonitorMaxPolls               = 0
	DefaultMonitorShutdownTimeout        = "10s"
	DefaultSchedulerTickInterval         = "1m"
	DefaultSchedulerShutdownTimeout      = "30s"
	DefaultSchedulerLeaseDuration        = "10m"
	DefaultSchedulerInFlightPollInterval = "100ms"
	DefaultServerPort                    = 8090
	DefaultServerReadTimeout             = "10s"
	DefaultServerWriteTimeout            = "0s"
	DefaultServerIdleTimeout             = "60s"
	DefaultServerShutdownTimeout         = "5s"
	DefaultDaemonShutdownTimeout         = "30s"
	DefaultDaemonHealthCheckInterval     = "30s"
	DefaultDaemonSnapshotInterval        = "1m"
	DefaultDaemonLockTimeout             = "5s"
	DefaultDaemonLockRetry               = "100ms"
	DefaultDaemonStaleLockTTL            = "15m"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"log_level":                         DefaultLogLevel,
		"remote.base_url":                   DefaultRemoteBaseURL,
		"remote.request_timeout":            DefaultRemoteRequestTimeout,
		"remote.user_agent":                 DefaultRemoteUserAgent,
		"dispatch.max_parallel":             DefaultDispatchMaxParallel,
		"dispatch.force":                    DefaultDispatchForce,
		"monitor.poll_interval":             DefaultMonitorPollInterval,
		"monitor.max_transport_failures":    DefaultMonitorMaxTransportFailures,
		"monitor.max_polls":                 DefaultMonitorMaxPolls,
		"monitor.shutdown_timeout":          DefaultMonitorShutdownTimeout,
		"scheduler.tick_interval":           DefaultSchedulerTickInterval,
		"scheduler.shutdown_timeout":        DefaultSchedulerShutdownTimeout,
		"scheduler.lease_duration":          DefaultSchedulerLeaseDuration,
		"scheduler.in_flight_poll_interval": DefaultSchedulerInFlightPollInterval,
		"server.port":                       DefaultServerPort,
		"server.read_timeout":               DefaultServerReadTimeout,
		"server.write_timeout":              DefaultServerWriteTimeout,
		"server.idle_timeout":               DefaultServerIdleTimeout,
		"server.shutdown_timeout":           DefaultServerShutdownTimeout,
		"daemon.state_path":                 filepath.Join(os.Getenv("HOME"), ".tablesync", "state"),
		"daemon.shutdown_timeout":           DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":      DefaultDaemonHealthCheckInterval,
		"daemon.snapshot_interval":          DefaultDaemonSnapshotInterval,
		"daemon.lock_timeout":               DefaultDaemonLockTimeout,
		"daemon.lock_retry":                 DefaultDaemonLockRetry,
		"daemon.stale_lock_ttl":             DefaultDaemonStaleLockTTL,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".tablesync", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables: TABLESYNC_REMOTE__BASE_URL -> remote.base_url
	k.Load(env.Provider("TABLESYNC_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TABLESYNC_")), "__", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	// Post-Process: the conventional token variable fills a missing token
	if token := os.Getenv("TABLESYNC_TOKEN"); token != "" && cfg.Remote.Token == "" {
		cfg.Remote.Token = token
	}
	cfg.Remote.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Remote.BaseURL), "/")

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	statePath, err := expandConfiguredPath(cfg.Daemon.StatePath)
	if err != nil {
		return err
	}
	if statePath != "" {
		cfg.Daemon.StatePath = statePath
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := ExpandPath(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
