// Config loader with environment overrides and quota hot-reload.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Loader reads the pool manager configuration from a YAML file with
// POOLCORE_* environment variable overrides.
type Loader struct {
	viper   *viper.Viper
	logger  *zap.Logger
	path    string
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	config  *Config
}

// NewLoader creates a loader for the given config file path.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		viper:  viper.New(),
		logger: logger,
		path:   path,
	}
}

// Load reads, merges and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.viper.SetConfigFile(l.path)
	l.viper.SetConfigType("yaml")
	l.viper.AutomaticEnv()
	l.viper.SetEnvPrefix("POOLCORE")
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults()

	if err := l.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
	}

	config := DefaultConfig()
	if err := l.viper.Unmarshal(config, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	l.config = config
	l.logger.Info("configuration loaded",
		zap.String("path", l.path),
		zap.Int("pools", len(config.Pools)),
		zap.Int("quotas", len(config.Quotas)))

	return config, nil
}

func (l *Loader) setDefaults() {
	defaults := DefaultConfig()
	l.viper.SetDefault("scheduler.high_timeout", defaults.Scheduler.HighTimeout)
	l.viper.SetDefault("scheduler.medium_timeout", defaults.Scheduler.MediumTimeout)
	l.viper.SetDefault("scheduler.low_timeout", defaults.Scheduler.LowTimeout)
	l.viper.SetDefault("health_check.enabled", defaults.Health.Enabled)
	l.viper.SetDefault("health_check.interval", defaults.Health.Interval)
	l.viper.SetDefault("health_check.timeout", defaults.Health.Timeout)
	l.viper.SetDefault("health_check.failure_threshold", defaults.Health.FailureThreshold)
	l.viper.SetDefault("scaling.step_delay", defaults.Scaling.StepDelay)
	l.viper.SetDefault("query.statement_timeout", defaults.Query.StatementTimeout)
	l.viper.SetDefault("query.max_retries", defaults.Query.MaxRetries)
	l.viper.SetDefault("query.retry_base_delay", defaults.Query.RetryBaseDelay)
	l.viper.SetDefault("query.retry_max_delay", defaults.Query.RetryMaxDelay)
	l.viper.SetDefault("log.level", defaults.Log.Level)
	l.viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	l.viper.SetDefault("metrics.addr", defaults.Metrics.Addr)
	l.viper.SetDefault("metrics.path", defaults.Metrics.Path)
	l.viper.SetDefault("metrics.collect_interval", defaults.Metrics.CollectInterval)
}

// WatchQuotas starts a file watcher and invokes apply with the reloaded quota
// list whenever the config file changes. Pool sizing and credentials are
// deliberately not hot-reloaded; quotas are the only safely swappable knob.
func (l *Loader) WatchQuotas(apply func([]TenantQuotaConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(l.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				config, err := l.Load()
				if err != nil {
					l.logger.Warn("config reload failed, keeping previous quotas", zap.Error(err))
					continue
				}
				l.logger.Info("config reloaded, applying tenant quotas",
					zap.Int("quotas", len(config.Quotas)))
				apply(config.Quotas)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}

// Close stops the file watcher if one was started.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}
