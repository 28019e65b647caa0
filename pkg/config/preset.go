package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/justjake/pgactivity/pkg/pgwire"
)

// Preset is a named set of listing options, selected with `ls -p name`.
// It is also the shape of the options the CLI passes as overrides.
type Preset struct {
	Database   string   `json:"database,omitzero"` // alias from databases
	Pids       []int32  `json:"pids,omitzero" validate:"dive,gt=0"`
	Filters    []string `json:"filters,omitzero"` // filter expressions, ANDed
	Attributes []string `json:"attributes,omitzero" validate:"dive,required"`
	Limit      int      `json:"limit,omitzero" validate:"gte=0"`
	Expanded   bool     `json:"expanded,omitzero"` // one attribute per line
}

func (p Preset) validate() error {
	var errs []error
	for i, f := range p.Filters {
		if !strings.Contains(f, "=") && !strings.ContainsAny(f, "<>") {
			errs = append(errs, fmt.Errorf("filters[%d]: %q has no operator", i, f))
		}
	}
	return errors.Join(errs...)
}

// Preset resolves the listing options for name.
//
// An empty name starts from no preset. The preset is completed with the
// configured (or built-in) attributes and limit, then every non-zero field
// of overrides replaces the preset's value. Unknown names fail with
// pgwire.ErrNotFound.
func (c *Config) Preset(name string, overrides Preset) (Preset, error) {
	var p Preset
	if name != "" {
		preset, ok := c.Presets[name]
		if !ok {
			return Preset{}, fmt.Errorf("%w: %q is not a configured preset", pgwire.ErrNotFound, name)
		}
		p = preset
	}

	if p.Limit == 0 {
		p.Limit = c.limit()
	}
	if len(p.Attributes) == 0 {
		p.Attributes = c.attributes()
	}

	if overrides.Database != "" {
		p.Database = overrides.Database
	}
	if len(overrides.Pids) > 0 {
		p.Pids = overrides.Pids
	}
	if len(overrides.Filters) > 0 {
		p.Filters = overrides.Filters
	}
	if len(overrides.Attributes) > 0 {
		p.Attributes = overrides.Attributes
	}
	if overrides.Limit != 0 {
		p.Limit = overrides.Limit
	}
	if overrides.Expanded {
		p.Expanded = true
	}

	p.Pids = slices.Clone(p.Pids)
	p.Filters = slices.Clone(p.Filters)
	p.Attributes = slices.Clone(p.Attributes)
	return p, nil
}

// PresetNames returns the configured preset names in sorted order.
func (c *Config) PresetNames() []string {
	names := make([]string, 0, len(c.Presets))
	for name := range c.Presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c *Config) limit() int {
	if c == nil || c.Limit == 0 {
		return DefaultLimit
	}
	return c.Limit
}

func (c *Config) attributes() []string {
	if c == nil || len(c.Attributes) == 0 {
		return DefaultAttributes
	}
	return c.Attributes
}
