// Package config provides environment-based configuration loading and validation.
//
// This package reads configuration from environment variables (and .env files)
// using struct tags, then validates the loaded configuration.
//
// Usage:
//
//	import "github.com/chris-alexander-pop/context-reshare/pkg/config"
//
//	type EngineConfig struct {
//		DB       string `env:"RESHARE_DB" env-default:"contexts.db" validate:"required"`
//		LogLevel string `env:"LOG_LEVEL" env-default:"INFO"`
//	}
//
//	var cfg EngineConfig
//	if err := config.Load(&cfg); err != nil {
//		log.Fatal(err)
//	}
package config

import (
	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads configuration from a .env file or environment variables and
// validates it. A missing .env file is not an error; environment variables
// alone are enough.
func Load[T any](cfg *T) error {
	if err := cleanenv.ReadConfig(".env", cfg); err != nil {
		// No .env file; fall back to plain environment variables.
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return errors.Wrap(err, "failed to read env config")
		}
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return errors.New(errors.CodeInvalidArgument, "config validation failed", err)
	}

	return nil
}
