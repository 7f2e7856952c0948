// Package config provides type-safe environment variable loading with
// caching using Go generics. Each configuration type is loaded once and
// cached for subsequent calls.
//
// The package automatically loads .env files on first use and uses the
// caarlos0/env library for parsing environment variables into struct
// fields.
//
// Basic usage:
//
//	import "github.com/dmitrymomot/chanlayer/core/config"
//
//	type LayerConfig struct {
//		RedisURLs []string `env:"CHANNEL_REDIS_URLS" envDefault:"redis://localhost:6379/0" envSeparator:","`
//		Expiry    time.Duration `env:"CHANNEL_EXPIRY" envDefault:"60s"`
//	}
//
//	func main() {
//		var cfg LayerConfig
//
//		// Load with error handling
//		if err := config.Load(&cfg); err != nil {
//			log.Fatal(err)
//		}
//
//		// Or panic on failure (useful for startup)
//		config.MustLoad(&cfg)
//	}
//
// Each configuration type is loaded only once per application lifetime;
// different types are cached independently.
package config
