// Package config loads defaults for the CLI from config files and the
// environment.
//
// Precedence, lowest to highest: built-in defaults, config file
// (evaljobs.yaml in the working directory or $HOME/.config/evaljobs/),
// EVALJOBS_* environment variables, command-line flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config holds the file- and environment-configurable defaults.
type Config struct {
	// Workers is the default coordinator count.
	Workers int `mapstructure:"workers"`

	// MaxMemoryKiB is the default worker RSS ceiling in kibibytes.
	MaxMemoryKiB uint64 `mapstructure:"max_memory_kib"`

	// GCRootsDir is the default GC-roots directory. Empty disables roots.
	GCRootsDir string `mapstructure:"gc_roots_dir"`

	// RespawnPerSecond bounds replacement-worker spawn rate. Zero means
	// unbounded.
	RespawnPerSecond float64 `mapstructure:"respawn_per_second"`

	Logging LoggingConfig `mapstructure:"logging"`
	Status  StatusConfig  `mapstructure:"status"`
}

// LoggingConfig controls the stderr logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// StatusConfig controls the optional status HTTP server.
type StatusConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:9357". Empty disables
	// the server.
	Addr string `mapstructure:"addr"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("workers", 1)
	v.SetDefault("max_memory_kib", 4096)
	v.SetDefault("gc_roots_dir", "")
	v.SetDefault("respawn_per_second", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("status.addr", "")
}

// Load reads the configuration. A missing config file is not an error;
// a malformed one is.
func Load(ctx context.Context) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetConfigName("evaljobs")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/evaljobs")

	v.SetEnvPrefix("EVALJOBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	decode := func(in any, out any) error {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           out,
			WeaklyTypedInput: true,
			TagName:          "mapstructure",
		})
		if err != nil {
			return err
		}
		return dec.Decode(in)
	}
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Workers < 1 {
		return nil, fmt.Errorf("config: workers must be >= 1, got %d", cfg.Workers)
	}
	return &cfg, nil
}
