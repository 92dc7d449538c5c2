// Package config is used to load the configuration file
package config

import (
	"fmt"
	"regexp"
	"runtime"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/blacktop/featx/internal/db"
	"github.com/blacktop/featx/internal/program"
)

type extract struct {
	Workers     int           `mapstructure:"workers"`
	Library     []string      `mapstructure:"library"`
	DecodeCache int           `mapstructure:"decode-cache"`
	MinString   int           `mapstructure:"min-string"`
	MaxInsns    int           `mapstructure:"max-insns"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type database struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	Name      string `mapstructure:"name"`
	Host      string `mapstructure:"host"`
	Port      string `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	BatchSize int    `mapstructure:"batch-size"`
}

// Config is the configuration struct
type Config struct {
	Extract  extract  `mapstructure:"extract"`
	Database database `mapstructure:"database"`
}

func (c *Config) verify() error {
	if c.Extract.Workers <= 0 {
		c.Extract.Workers = runtime.NumCPU()
	}
	if c.Extract.Timeout < 0 {
		return fmt.Errorf("config: extract timeout cannot be negative")
	}
	for _, pat := range c.Extract.Library {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("config: invalid library pattern %q: %v", pat, err)
		}
	}

	switch c.Database.Driver {
	case "":
		if c.Database.Path != "" {
			c.Database.Driver = "sqlite"
		}
	case "sqlite", "memory":
		if c.Database.Path == "" {
			return fmt.Errorf("config: database path must be set for the %s driver", c.Database.Driver)
		}
	case "postgres":
		if c.Database.Host == "" {
			c.Database.Host = "localhost"
		}
		if c.Database.Port == "" {
			c.Database.Port = "5432"
		}
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.BatchSize <= 0 {
		c.Database.BatchSize = 1000
	}

	return nil
}

// Options returns the analysis options for the extract section.
func (c *Config) Options() program.Options {
	opts := program.DefaultOptions()
	if len(c.Extract.Library) > 0 {
		opts.LibraryPatterns = c.Extract.Library
	}
	if c.Extract.DecodeCache > 0 {
		opts.DecodeCacheSize = c.Extract.DecodeCache
	}
	if c.Extract.MinString > 0 {
		opts.MinStringLength = c.Extract.MinString
	}
	if c.Extract.MaxInsns > 0 {
		opts.MaxFunctionInsns = c.Extract.MaxInsns
	}
	return opts
}

// OpenDatabase returns the configured feature store, or nil if none is configured.
func (c *Config) OpenDatabase() (db.Database, error) {
	var (
		store db.Database
		err   error
	)
	switch c.Database.Driver {
	case "":
		return nil, nil
	case "sqlite":
		store, err = db.NewSqlite(c.Database.Path, c.Database.BatchSize)
	case "memory":
		store, err = db.NewInMemory(c.Database.Path)
	case "postgres":
		store, err = db.NewPostgres(
			c.Database.Host,
			c.Database.Port,
			c.Database.User,
			c.Database.Password,
			c.Database.Name,
			c.Database.BatchSize,
		)
	default:
		return nil, fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Connect(); err != nil {
		return nil, err
	}
	return store, nil
}

// Load unmarshals and verifies the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c *Config

	if err := v.Unmarshal(&c, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}
