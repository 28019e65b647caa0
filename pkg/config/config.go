// Package config handles interpreting the pgactivity.json config file.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"

	"github.com/justjake/pgactivity/pkg/pgwire"
)

// DefaultLimit is the number of activity rows listed when neither the
// config file nor the caller sets one.
const DefaultLimit = 25

// DefaultDatabase is the database alias used when none is named.
const DefaultDatabase = "default"

// DefaultAttributes are the columns listed when neither the config file nor
// the caller picks them.
var DefaultAttributes = []string{"id", "duration", "state", "context", "query"}

// Config holds the pgactivity configuration.
type Config struct {
	// Databases maps an alias to connection settings. The alias "default"
	// is used when no database is named.
	Databases map[string]DatabaseConfig `json:"databases,omitzero" validate:"dive"`

	// Attributes are the columns ls prints. Defaults to id, duration,
	// state, context and query.
	Attributes []string `json:"attributes,omitzero" validate:"dive,required"`

	// Limit caps the rows ls prints when no pids are given. Defaults to 25.
	Limit int `json:"limit,omitzero" validate:"gte=0"`

	// Presets are named listing options, selected with -p.
	Presets map[string]Preset `json:"presets,omitzero" validate:"dive"`

	OpenTelemetry *OpenTelemetryConfig `json:"opentelemetry,omitzero"`
	Prometheus    *PrometheusConfig    `json:"prometheus,omitzero"`
}

// ParseConfig parses a JSON configuration string and returns a Config.
func ParseConfig(jsonStr string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadConfigFile reads and parses a configuration file from the given path.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(string(data))
}

// Database returns the named database. An empty name selects
// DefaultDatabase.
func (c *Config) Database(name string) (DatabaseConfig, error) {
	if name == "" {
		name = DefaultDatabase
	}
	db, ok := c.Databases[name]
	if !ok {
		return DatabaseConfig{}, fmt.Errorf("%w: database %q is not configured", pgwire.ErrNotFound, name)
	}
	return db, nil
}

// Secrets returns an iterator over all secret references in the config.
// Each secret is yielded with a description of where it appears in the config.
func (c *Config) Secrets() iter.Seq2[string, SecretRef] {
	return func(yield func(string, SecretRef) bool) {
		for _, name := range slices.Sorted(maps.Keys(c.Databases)) {
			for field, ref := range c.Databases[name].secretRefs() {
				if !yield(fmt.Sprintf("databases[%q].%s", name, field), ref) {
					return
				}
			}
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate verifies the configuration is valid:
// - Struct constraints (limits, required fields) hold
// - Every database produces a valid pool config
// - Every preset's filters name a known lookup
// - All secrets are accessible
// It does not stop at the first error; all errors are accumulated and returned together.
func (c *Config) Validate(ctx context.Context, secrets *SecretCache) error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		errs = append(errs, err)
	}

	for _, name := range slices.Sorted(maps.Keys(c.Databases)) {
		if err := c.Databases[name].validate(); err != nil {
			errs = append(errs, fmt.Errorf("databases[%q]: %w", name, err))
		}
	}

	for _, name := range slices.Sorted(maps.Keys(c.Presets)) {
		if err := c.Presets[name].validate(); err != nil {
			errs = append(errs, fmt.Errorf("presets[%q]: %w", name, err))
		}
	}

	if c.OpenTelemetry != nil {
		if err := c.OpenTelemetry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("opentelemetry: %w", err))
		}
	}
	if c.Prometheus != nil {
		if err := c.Prometheus.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("prometheus: %w", err))
		}
	}

	for path, ref := range c.Secrets() {
		if _, err := secrets.Get(ctx, ref); err != nil {
			errs = append(errs, errors.Join(errors.New(path), err))
		}
	}

	return errors.Join(errs...)
}
