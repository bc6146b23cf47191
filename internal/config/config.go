package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultFeedURL is the Brewers Association member feed.
const DefaultFeedURL = "http://www.craftbeer.com/wp-content/uploads/ba-us.xml"

// Config holds the full application configuration.
type Config struct {
	Feed   FeedConfig   `yaml:"feed" mapstructure:"feed"`
	Output OutputConfig `yaml:"output" mapstructure:"output"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// FeedConfig configures where the brewery feed is fetched from.
type FeedConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	TempDir     string `yaml:"temp_dir" mapstructure:"temp_dir"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// OutputConfig configures the destination dataset.
//
// Path is the container (GeoPackage file, shapefile directory or Postgres
// DSN) and Name the layer inside it. An empty Name is derived from Prefix and
// the run date.
type OutputConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	Path   string `yaml:"path" mapstructure:"path"`
	Name   string `yaml:"name" mapstructure:"name"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultOutputPath returns the per-user default GeoPackage,
// ~/Documents/ArcGIS/Default.gpkg.
func DefaultOutputPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "Documents", "ArcGIS", "Default.gpkg")
}

// LayerName returns the configured layer name, or Prefix followed by the
// run date as YYYYMMDD when no explicit name is set.
func (o OutputConfig) LayerName(now time.Time) string {
	if o.Name != "" {
		return o.Name
	}
	return o.Prefix + now.Format("20060102")
}

// Validate checks that the configuration can drive a load.
func (c *Config) Validate() error {
	var problems []string
	if c.Feed.URL == "" {
		problems = append(problems, "feed.url is required")
	}
	if c.Feed.MaxRetries < 1 {
		problems = append(problems, fmt.Sprintf("feed.max_retries must be at least 1, got %d", c.Feed.MaxRetries))
	}
	if c.Feed.TimeoutSecs < 0 {
		problems = append(problems, fmt.Sprintf("feed.timeout_secs must not be negative, got %d", c.Feed.TimeoutSecs))
	}
	if c.Output.Path == "" {
		problems = append(problems, "output.path is required")
	}
	switch c.Output.Driver {
	case "", "gpkg", "shapefile", "postgis":
	default:
		problems = append(problems, fmt.Sprintf("output.driver %q is not one of gpkg, shapefile, postgis", c.Output.Driver))
	}
	if c.Output.Name == "" && c.Output.Prefix == "" {
		problems = append(problems, "output.name or output.prefix is required")
	}
	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BEERME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("feed.url", DefaultFeedURL)
	v.SetDefault("feed.temp_dir", filepath.Join(os.TempDir(), "beerme"))
	v.SetDefault("feed.user_agent", "beerme/1.0")
	v.SetDefault("feed.timeout_secs", 60)
	v.SetDefault("feed.max_retries", 3)
	v.SetDefault("output.driver", "")
	v.SetDefault("output.path", DefaultOutputPath())
	v.SetDefault("output.name", "")
	v.SetDefault("output.prefix", "craft_beer_")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

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
