// Package config loads typed configuration structs from the environment using
// `env` struct tags. Values from .env files are applied once per process and never
// override variables already present in the environment.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	envOnce sync.Once
	envErr  error

	cacheMu sync.Mutex
	cache   = map[reflect.Type]any{}
)

// LoadEnvFiles applies the given .env files before the first Load. Without files it
// reads ./.env if present. Only the first call has an effect; later calls return its result.
func LoadEnvFiles(files ...string) error {
	envOnce.Do(func() {
		if len(files) == 0 {
			// A missing default .env is fine.
			_ = godotenv.Load()
			return
		}
		if err := godotenv.Load(files...); err != nil {
			envErr = errors.Join(ErrEnvFile, err)
		}
	})
	return envErr
}

// Load parses the environment into v. Each config type is parsed once; later calls
// for the same type copy the cached value.
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	if err := LoadEnvFiles(); err != nil {
		return err
	}

	key := reflect.TypeFor[T]()
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cached, ok := cache[key]; ok {
		*v = cached.(T)
		return nil
	}

	parsed, err := env.ParseAs[T]()
	if err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	cache[key] = parsed
	*v = parsed
	return nil
}

// MustLoad is Load for configuration the process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("config: load %s: %v", reflect.TypeFor[T](), err))
	}
}

// Parse reads T from the given variables only, bypassing the process environment
// and the cache.
func Parse[T any](vars map[string]string) (T, error) {
	v, err := env.ParseAsWithOptions[T](env.Options{Environment: vars})
	if err != nil {
		return v, errors.Join(ErrParsingConfig, err)
	}
	return v, nil
}
