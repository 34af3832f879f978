package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Archive    ArchiveConfig    `yaml:"archive" mapstructure:"archive"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Filters    FiltersConfig    `yaml:"filters" mapstructure:"filters"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Lease      LeaseConfig      `yaml:"lease" mapstructure:"lease"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	FTP        FTPConfig        `yaml:"ftp" mapstructure:"ftp"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the worker-facing HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// ArchiveConfig configures the ENA portal client.
type ArchiveConfig struct {
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	ResultType        string        `yaml:"result_type" mapstructure:"result_type"`
	Discovery         string        `yaml:"discovery" mapstructure:"discovery"`
	PageSize          int           `yaml:"page_size" mapstructure:"page_size"`
	BatchSize         int           `yaml:"batch_size" mapstructure:"batch_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Pushdown          bool          `yaml:"pushdown" mapstructure:"pushdown"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Retry             RetryConfig   `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures exponential backoff for transient failures.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64       `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// GeocodeConfig configures country geocoding.
type GeocodeConfig struct {
	Provider          string  `yaml:"provider" mapstructure:"provider"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	GoogleAPIKey      string  `yaml:"google_api_key" mapstructure:"google_api_key"`
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// FiltersConfig configures the record quality filter chain.
type FiltersConfig struct {
	ChainFile       string   `yaml:"chain_file" mapstructure:"chain_file"`
	LibraryStrategy string   `yaml:"library_strategy" mapstructure:"library_strategy"`
	Platform        string   `yaml:"instrument_platform" mapstructure:"instrument_platform"`
	LibrarySource   string   `yaml:"library_source" mapstructure:"library_source"`
	LibraryLayout   string   `yaml:"library_layout" mapstructure:"library_layout"`
	GenomeSize      int64    `yaml:"genome_size" mapstructure:"genome_size"`
	MinDepth        float64  `yaml:"min_depth" mapstructure:"min_depth"`
	DateSentinels   []string `yaml:"date_sentinels" mapstructure:"date_sentinels"`
}

// SyncConfig configures taxon discovery.
type SyncConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval"`
	Epoch           string        `yaml:"epoch" mapstructure:"epoch"`
}

// LeaseConfig configures the assembly lease timeouts.
type LeaseConfig struct {
	ConsiderationTimeout time.Duration `yaml:"consideration_timeout" mapstructure:"consideration_timeout"`
	AssemblyTimeout      time.Duration `yaml:"assembly_timeout" mapstructure:"assembly_timeout"`
}

// ReconcileConfig configures the periodic driver.
type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	Jitter   float64       `yaml:"jitter" mapstructure:"jitter"`
}

// FTPConfig configures the fastq FTP probe.
type FTPConfig struct {
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
	User     string        `yaml:"user" mapstructure:"user"`
	Password string        `yaml:"password" mapstructure:"password"`
}

// MonitoringConfig configures state snapshots and webhook alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	BacklogThreshold     int64   `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// Load reads configuration from file and environment. An empty path searches
// the working directory for config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("MICROFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("archive.base_url", "https://www.ebi.ac.uk/ena/portal/api")
	v.SetDefault("archive.result_type", "read_run")
	v.SetDefault("archive.discovery", "search")
	v.SetDefault("archive.page_size", 1000)
	v.SetDefault("archive.batch_size", 10000)
	v.SetDefault("archive.requests_per_second", 10.0)
	v.SetDefault("archive.pushdown", true)
	v.SetDefault("archive.timeout", 2*time.Minute)
	v.SetDefault("archive.retry.max_attempts", 12)
	v.SetDefault("archive.retry.initial_backoff", time.Second)
	v.SetDefault("archive.retry.max_backoff", 20*time.Minute)
	v.SetDefault("archive.retry.multiplier", 2.0)
	v.SetDefault("archive.retry.jitter_fraction", 0.1)

	v.SetDefault("geocode.provider", "nominatim")
	v.SetDefault("geocode.base_url", "")
	v.SetDefault("geocode.google_api_key", "")
	v.SetDefault("geocode.user_agent", "microfetch-pipeline")
	v.SetDefault("geocode.requests_per_second", 1.0)
	v.SetDefault("geocode.concurrency", 2)

	v.SetDefault("filters.chain_file", "")
	v.SetDefault("filters.library_strategy", "WGS")
	v.SetDefault("filters.instrument_platform", "ILLUMINA")
	v.SetDefault("filters.library_source", "GENOMIC")
	v.SetDefault("filters.library_layout", "PAIRED")
	v.SetDefault("filters.genome_size", 0)
	v.SetDefault("filters.min_depth", 0.0)
	v.SetDefault("filters.date_sentinels", []string{"1000-01-01", "1800-01-01"})

	v.SetDefault("sync.refresh_interval", 7*24*time.Hour)
	v.SetDefault("sync.epoch", "2022-06-18")

	v.SetDefault("lease.consideration_timeout", 10*time.Minute)
	v.SetDefault("lease.assembly_timeout", 7*24*time.Hour)

	v.SetDefault("reconcile.interval", 30*time.Second)
	v.SetDefault("reconcile.jitter", 0.1)

	v.SetDefault("ftp.timeout", 30*time.Second)
	v.SetDefault("ftp.user", "anonymous")
	v.SetDefault("ftp.password", "anonymous")

	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.backlog_threshold", 0)
	v.SetDefault("monitoring.lookback_window_hours", 24)
}

// Validate checks the settings required by every command.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for the postgres driver")
		}
	case "sqlite":
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	switch c.Archive.Discovery {
	case "search", "links":
	default:
		return eris.Errorf("config: unknown archive.discovery %q", c.Archive.Discovery)
	}
	if c.Archive.PageSize <= 0 || c.Archive.BatchSize <= 0 {
		return eris.New("config: archive.page_size and archive.batch_size must be positive")
	}
	if _, err := time.Parse(time.DateOnly, c.Sync.Epoch); err != nil {
		return eris.Wrapf(err, "config: sync.epoch %q", c.Sync.Epoch)
	}
	if c.Lease.ConsiderationTimeout <= 0 || c.Lease.AssemblyTimeout <= 0 {
		return eris.New("config: lease timeouts must be positive")
	}
	return nil
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
