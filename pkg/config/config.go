// Package config loads geopart settings from command line flags, GEOPART_*
// environment variables and an optional config file, in that priority order.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kass/go-geo-partition/pkg/models"
	"github.com/kass/go-geo-partition/pkg/partition"
)

const envPrefix = "GEOPART"

type Config struct {
	Partitioner            string  `mapstructure:"partitioner" yaml:"partitioner"`
	PartitionsPerDimension int     `mapstructure:"partitions-per-dimension" yaml:"partitions-per-dimension"`
	SideLength             float64 `mapstructure:"side-length" yaml:"side-length"`
	MaxCost                int64   `mapstructure:"max-cost" yaml:"max-cost"`
	Order                  int     `mapstructure:"order" yaml:"order"`
	Workers                int     `mapstructure:"workers" yaml:"workers"`
	Store                  string  `mapstructure:"store" yaml:"store"`
	PostgresDSN            string  `mapstructure:"postgres-dsn" yaml:"postgres-dsn"`
	LogLevel               string  `mapstructure:"log-level" yaml:"log-level"`
	LogFormat              string  `mapstructure:"log-format" yaml:"log-format"`
	MetricsAddr            string  `mapstructure:"metrics-addr" yaml:"metrics-addr"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Partitioner:            partition.KindBSP,
		PartitionsPerDimension: 4,
		SideLength:             1,
		MaxCost:                10000,
		Order:                  16,
		Store:                  "geopart.db",
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// RegisterFlags defines one flag per setting on fs, defaulting to Default().
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.StringP("config", "c", "", "Configuration file to read from (toml, yaml or json).")
	fs.String("partitioner", d.Partitioner, "Partitioning strategy: grid or bsp.")
	fs.Int("partitions-per-dimension", d.PartitionsPerDimension, "Grid cells per dimension.")
	fs.Float64("side-length", d.SideLength, "BSP histogram cell side length.")
	fs.Int64("max-cost", d.MaxCost, "Maximum records per BSP partition.")
	fs.Int("order", d.Order, "R-tree node capacity.")
	fs.Int("workers", d.Workers, "Parallel partition workers (0 = one per CPU).")
	fs.String("store", d.Store, "Index store file.")
	fs.String("postgres-dsn", d.PostgresDSN, "PostGIS connection string.")
	fs.String("log-level", d.LogLevel, "Log level: debug, info, warn or error.")
	fs.String("log-format", d.LogFormat, "Log format: text or json.")
	fs.String("metrics-addr", d.MetricsAddr, "Serve Prometheus metrics on this address.")
}

// Load resolves the settings for the flags registered on fs.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "binding flags")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading configuration file %q", path)
		}
	}

	c := Default()
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings no command could run with.
func (c *Config) Validate() error {
	switch {
	case c.Partitioner != partition.KindGrid && c.Partitioner != partition.KindBSP:
		return errors.Wrapf(models.ErrInvalidParameter, "unknown partitioner %q", c.Partitioner)
	case c.PartitionsPerDimension <= 0:
		return errors.Wrapf(models.ErrInvalidParameter, "partitions-per-dimension must be positive, got %d", c.PartitionsPerDimension)
	case !(c.SideLength > 0):
		return errors.Wrapf(models.ErrInvalidParameter, "side-length must be positive, got %v", c.SideLength)
	case c.MaxCost <= 0:
		return errors.Wrapf(models.ErrInvalidParameter, "max-cost must be positive, got %d", c.MaxCost)
	case c.Order < 2:
		return errors.Wrapf(models.ErrInvalidParameter, "order must be at least 2, got %d", c.Order)
	case c.Workers < 0:
		return errors.Wrapf(models.ErrInvalidParameter, "workers must not be negative, got %d", c.Workers)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return errors.Wrapf(models.ErrInvalidParameter, "unknown log format %q", c.LogFormat)
	}
	return nil
}

// YAML renders c in the file format Load reads.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encoding configuration")
	}
	return out, nil
}
