package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chanlayer/core/config"
)

func TestLoad(t *testing.T) {
	t.Run("defaults apply", func(t *testing.T) {
		type defaultsConfig struct {
			Prefix string        `env:"TEST_CFG_PREFIX" envDefault:"chanlayer"`
			Expiry time.Duration `env:"TEST_CFG_EXPIRY" envDefault:"60s"`
		}

		var cfg defaultsConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "chanlayer", cfg.Prefix)
		assert.Equal(t, time.Minute, cfg.Expiry)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		type envConfig struct {
			Capacity int      `env:"TEST_CFG_CAPACITY" envDefault:"100"`
			Hosts    []string `env:"TEST_CFG_HOSTS" envDefault:"a" envSeparator:","`
		}

		t.Setenv("TEST_CFG_CAPACITY", "7")
		t.Setenv("TEST_CFG_HOSTS", "x,y")

		var cfg envConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, 7, cfg.Capacity)
		assert.Equal(t, []string{"x", "y"}, cfg.Hosts)
	})

	t.Run("same type is cached", func(t *testing.T) {
		type cachedConfig struct {
			Value string `env:"TEST_CFG_CACHED" envDefault:"first"`
		}

		var first cachedConfig
		require.NoError(t, config.Load(&first))

		t.Setenv("TEST_CFG_CACHED", "second")
		var second cachedConfig
		require.NoError(t, config.Load(&second))
		assert.Equal(t, first.Value, second.Value, "cached value returned for repeated type")
	})

	t.Run("required variable missing", func(t *testing.T) {
		type requiredConfig struct {
			Must string `env:"TEST_CFG_REQUIRED,required"`
		}

		var cfg requiredConfig
		require.Error(t, config.Load(&cfg))
	})

	t.Run("must load panics on failure", func(t *testing.T) {
		type mustConfig struct {
			Must string `env:"TEST_CFG_MUST,required"`
		}

		assert.Panics(t, func() {
			var cfg mustConfig
			config.MustLoad(&cfg)
		})
	})
}
