package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Backend       BackendConfig       `yaml:"backend" mapstructure:"backend"`
	Analytics     AnalyticsConfig     `yaml:"analytics" mapstructure:"analytics"`
	Realtime      RealtimeConfig      `yaml:"realtime" mapstructure:"realtime"`
	Features      FeaturesConfig      `yaml:"features" mapstructure:"features"`
	Visualization VisualizationConfig `yaml:"visualization" mapstructure:"visualization"`
	Recovery      RecoveryConfig      `yaml:"recovery" mapstructure:"recovery"`
	Region        RegionConfig        `yaml:"region" mapstructure:"region"`
	DebounceMs    int                 `yaml:"debounce_ms" mapstructure:"debounce_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API consumed by the rendering surface.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// BackendConfig selects and configures the analytics query driver.
type BackendConfig struct {
	Driver      string        `yaml:"driver" mapstructure:"driver"`
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	TimeoutSecs int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64       `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Retry       RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig controls backoff for analytics queries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// CircuitConfig controls the analytics backend circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// AnalyticsConfig mirrors the options the analytics service understands.
type AnalyticsConfig struct {
	EnableClustering       bool `yaml:"enable_clustering" mapstructure:"enable_clustering"`
	EnableAnomalyDetection bool `yaml:"enable_anomaly_detection" mapstructure:"enable_anomaly_detection"`
	EnableTrends           bool `yaml:"enable_trends" mapstructure:"enable_trends"`
	EnablePredictions      bool `yaml:"enable_predictions" mapstructure:"enable_predictions"`
	HistoricalDepth        int  `yaml:"historical_depth" mapstructure:"historical_depth"`
	RefreshInterval        int  `yaml:"refresh_interval" mapstructure:"refresh_interval"`
}

// RealtimeConfig governs the push transport.
type RealtimeConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	UpdateInterval    int    `yaml:"update_interval" mapstructure:"update_interval"`
	AutoRefresh       bool   `yaml:"auto_refresh" mapstructure:"auto_refresh"`
	PushNotifications bool   `yaml:"push_notifications" mapstructure:"push_notifications"`
	AnomalyAlerts     bool   `yaml:"anomaly_alerts" mapstructure:"anomaly_alerts"`
	PredictionUpdates bool   `yaml:"prediction_updates" mapstructure:"prediction_updates"`
	Transport         string `yaml:"transport" mapstructure:"transport"`
	URL               string `yaml:"url" mapstructure:"url"`
	SubjectPrefix     string `yaml:"subject_prefix" mapstructure:"subject_prefix"`
	// Reconnect backoff after a dropped connection; zero attempts retries forever.
	ReconnectAttempts  int `yaml:"reconnect_attempts" mapstructure:"reconnect_attempts"`
	ReconnectInitialMs int `yaml:"reconnect_initial_ms" mapstructure:"reconnect_initial_ms"`
	ReconnectMaxMs     int `yaml:"reconnect_max_ms" mapstructure:"reconnect_max_ms"`
}

// FeaturesConfig toggles optional surfaces.
type FeaturesConfig struct {
	EnableRealtime  bool `yaml:"enable_realtime" mapstructure:"enable_realtime"`
	EnableControls  bool `yaml:"enable_controls" mapstructure:"enable_controls"`
	EnableSidebar   bool `yaml:"enable_sidebar" mapstructure:"enable_sidebar"`
	EnableTooltips  bool `yaml:"enable_tooltips" mapstructure:"enable_tooltips"`
	EnableAnalytics bool `yaml:"enable_analytics" mapstructure:"enable_analytics"`
}

// VisualizationConfig holds the initial display parameters.
type VisualizationConfig struct {
	SelectedLayer string  `yaml:"selected_layer" mapstructure:"selected_layer"`
	Palette       string  `yaml:"palette" mapstructure:"palette"`
	Opacity       float64 `yaml:"opacity" mapstructure:"opacity"`
	Radius        int     `yaml:"radius" mapstructure:"radius"`
	ShowLegend    bool    `yaml:"show_legend" mapstructure:"show_legend"`
}

// RecoveryConfig configures the render error boundary.
type RecoveryConfig struct {
	MaxRetries int    `yaml:"max_retries" mapstructure:"max_retries"`
	HomeURL    string `yaml:"home_url" mapstructure:"home_url"`
}

// RegionConfig is the initial viewport, as [lon, lat] corner pairs.
type RegionConfig struct {
	Label     string    `yaml:"label" mapstructure:"label"`
	Southwest []float64 `yaml:"southwest" mapstructure:"southwest"`
	Northeast []float64 `yaml:"northeast" mapstructure:"northeast"`
}

var (
	validDrivers    = map[string]bool{"http": true, "postgres": true, "sqlite": true}
	validTransports = map[string]bool{"websocket": true, "nats": true}
)

// Validate checks values that would otherwise fail far from their source.
func (c *Config) Validate() error {
	if !validDrivers[c.Backend.Driver] {
		return eris.Errorf("config: unknown backend driver %q (valid: http, postgres, sqlite)", c.Backend.Driver)
	}
	switch c.Backend.Driver {
	case "http":
		if c.Backend.BaseURL == "" {
			return eris.New("config: backend.base_url is required for the http driver")
		}
	case "postgres":
		if c.Backend.DatabaseURL == "" {
			return eris.New("config: backend.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Backend.SQLitePath == "" {
			return eris.New("config: backend.sqlite_path is required for the sqlite driver")
		}
	}
	if c.Realtime.Enabled && !validTransports[c.Realtime.Transport] {
		return eris.Errorf("config: unknown realtime transport %q (valid: websocket, nats)", c.Realtime.Transport)
	}
	if c.Recovery.MaxRetries < 0 {
		return eris.Errorf("config: recovery.max_retries must be >= 0, got %d", c.Recovery.MaxRetries)
	}
	if len(c.Region.Southwest) != 2 || len(c.Region.Northeast) != 2 {
		return eris.New("config: region.southwest and region.northeast must be [lon, lat] pairs")
	}
	return nil
}

// Load reads configuration from ./config.yaml (optional) and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path and environment. An empty path
// falls back to an optional ./config.yaml; an explicit path must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")

	// Environment
	v.SetEnvPrefix("HEATMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("backend.driver", "http")
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.database_url", "")
	v.SetDefault("backend.sqlite_path", "")
	v.SetDefault("backend.timeout_secs", 15)
	v.SetDefault("backend.rate_per_sec", 5.0)
	v.SetDefault("backend.retry.max_attempts", 3)
	v.SetDefault("backend.retry.initial_backoff_ms", 500)
	v.SetDefault("backend.retry.max_backoff_ms", 5000)
	v.SetDefault("backend.circuit.failure_threshold", 5)
	v.SetDefault("backend.circuit.reset_timeout_secs", 30)
	v.SetDefault("analytics.enable_clustering", true)
	v.SetDefault("analytics.enable_anomaly_detection", true)
	v.SetDefault("analytics.enable_trends", false)
	v.SetDefault("analytics.enable_predictions", false)
	v.SetDefault("analytics.historical_depth", 30)
	v.SetDefault("analytics.refresh_interval", 0)
	v.SetDefault("realtime.enabled", false)
	v.SetDefault("realtime.update_interval", 5000)
	v.SetDefault("realtime.auto_refresh", true)
	v.SetDefault("realtime.push_notifications", true)
	v.SetDefault("realtime.anomaly_alerts", true)
	v.SetDefault("realtime.prediction_updates", false)
	v.SetDefault("realtime.transport", "websocket")
	v.SetDefault("realtime.url", "ws://localhost:8000/ws")
	v.SetDefault("realtime.subject_prefix", "heatmap.updates")
	v.SetDefault("realtime.reconnect_attempts", 0)
	v.SetDefault("realtime.reconnect_initial_ms", 1000)
	v.SetDefault("realtime.reconnect_max_ms", 30000)
	v.SetDefault("features.enable_realtime", true)
	v.SetDefault("features.enable_controls", true)
	v.SetDefault("features.enable_sidebar", true)
	v.SetDefault("features.enable_tooltips", true)
	v.SetDefault("features.enable_analytics", true)
	v.SetDefault("visualization.selected_layer", "all")
	v.SetDefault("visualization.palette", "urgency")
	v.SetDefault("visualization.opacity", 0.8)
	v.SetDefault("visualization.radius", 25)
	v.SetDefault("visualization.show_legend", true)
	v.SetDefault("recovery.max_retries", 3)
	v.SetDefault("recovery.home_url", "/")
	v.SetDefault("region.label", "new-delhi")
	v.SetDefault("region.southwest", []float64{77.10, 28.50})
	v.SetDefault("region.northeast", []float64{77.35, 28.75})
	v.SetDefault("debounce_ms", 300)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
