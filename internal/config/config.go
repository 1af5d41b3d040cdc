package config

import (
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Warehouse  WarehouseConfig  `yaml:"warehouse" mapstructure:"warehouse"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// WarehouseConfig configures where enrichment queries run.
type WarehouseConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL    string `yaml:"database_url" mapstructure:"database_url"`
	Dialect        string `yaml:"dialect" mapstructure:"dialect"`
	PublicProject  string `yaml:"public_project" mapstructure:"public_project"`
	WorkingProject string `yaml:"working_project" mapstructure:"working_project"`
	UserDataset    string `yaml:"user_dataset" mapstructure:"user_dataset"`
	UploadRetries  int    `yaml:"upload_retries" mapstructure:"upload_retries"`
}

// CatalogConfig configures the Data Observatory metadata source.
type CatalogConfig struct {
	Source        string  `yaml:"source" mapstructure:"source"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey        string  `yaml:"api_key" mapstructure:"api_key"`
	File          string  `yaml:"file" mapstructure:"file"`
	RateLimit     float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	CachePath     string  `yaml:"cache_path" mapstructure:"cache_path"`
	CacheTTLHours int     `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	Platform      string  `yaml:"platform" mapstructure:"platform"`
}

// CacheTTL returns CacheTTLHours as a duration.
func (c CatalogConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

// EnrichmentConfig configures the enrichment executor.
type EnrichmentConfig struct {
	JoinKey        string `yaml:"join_key" mapstructure:"join_key"`
	GeoJSONColumn  string `yaml:"geojson_column" mapstructure:"geojson_column"`
	GeometryColumn string `yaml:"geometry_column" mapstructure:"geometry_column"`
	PollIntervalMS int    `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	DropTempTable  bool   `yaml:"drop_temp_table" mapstructure:"drop_temp_table"`
}

// PollInterval returns PollIntervalMS as a duration.
func (e EnrichmentConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMS) * time.Millisecond
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OBSERVATORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("warehouse.driver", "postgis")
	v.SetDefault("warehouse.database_url", "")
	v.SetDefault("warehouse.dialect", "postgres")
	v.SetDefault("warehouse.public_project", "carto-do-public-data")
	v.SetDefault("warehouse.working_project", "carto-do-customers")
	v.SetDefault("warehouse.user_dataset", "")
	v.SetDefault("warehouse.upload_retries", 3)
	v.SetDefault("catalog.source", "api")
	v.SetDefault("catalog.base_url", "https://public.carto.com/api/v4/data/observatory/metadata")
	v.SetDefault("catalog.api_key", "")
	v.SetDefault("catalog.file", "")
	v.SetDefault("catalog.rate_limit", 10)
	v.SetDefault("catalog.cache_path", "")
	v.SetDefault("catalog.cache_ttl_hours", 24)
	v.SetDefault("catalog.platform", "bq")
	v.SetDefault("enrichment.join_key", "enrichment_id")
	v.SetDefault("enrichment.geojson_column", "__geojson_geom")
	v.SetDefault("enrichment.geometry_column", "geometry")
	v.SetDefault("enrichment.poll_interval_ms", 500)
	v.SetDefault("enrichment.drop_temp_table", true)

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

// Validate checks the settings a command mode needs. Modes: "enrich",
// "plan", "catalog", "serve".
func (c *Config) Validate(mode string) error {
	var errs []error
	need := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	checkCatalog := func() {
		switch c.Catalog.Source {
		case "api":
			need(c.Catalog.BaseURL != "", "catalog.base_url is required when catalog.source=api")
			need(c.Catalog.RateLimit > 0, "catalog.rate_limit must be > 0")
		case "file":
			need(c.Catalog.File != "", "catalog.file is required when catalog.source=file")
		default:
			errs = append(errs, eris.Errorf("catalog.source must be api or file, got %q", c.Catalog.Source))
		}
		need(c.Catalog.CacheTTLHours >= 0, "catalog.cache_ttl_hours must be >= 0")
	}
	checkEnrichment := func() {
		need(c.Warehouse.UserDataset != "", "warehouse.user_dataset is required")
		need(c.Enrichment.JoinKey != "", "enrichment.join_key is required")
		need(c.Enrichment.GeoJSONColumn != "", "enrichment.geojson_column is required")
		need(c.Enrichment.PollIntervalMS > 0, "enrichment.poll_interval_ms must be > 0")
	}

	switch mode {
	case "enrich":
		checkCatalog()
		checkEnrichment()
		need(c.Warehouse.Driver == "postgis", "warehouse.driver must be postgis")
		need(c.Warehouse.DatabaseURL != "", "warehouse.database_url is required")
	case "plan":
		checkCatalog()
		checkEnrichment()
	case "catalog":
		checkCatalog()
	case "serve":
		checkCatalog()
		checkEnrichment()
		need(c.Warehouse.DatabaseURL != "", "warehouse.database_url is required")
		need(c.Server.Port > 0, "server.port must be > 0")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Wrap(errors.Join(errs...), "config: invalid")
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
