package config

import (
	"errors"
	"fmt"
	"strings"
)

// PrometheusConfig configures Prometheus metrics export while the CLI runs
// in watch mode. If this config is present in the config file, the metrics
// endpoint is served.
type PrometheusConfig struct {
	// Listen is the address to listen on for the metrics HTTP server.
	// Format: "host:port" or ":port"
	// Default: ":9187"
	Listen string `json:"listen,omitzero"`

	// Path is the HTTP path for the metrics endpoint.
	// Default: "/metrics"
	Path string `json:"path,omitzero"`

	// ExtraLabels are constant labels added to every pgactivity metric.
	ExtraLabels map[string]string `json:"extra_labels,omitzero"`
}

// GetListen returns the listen address, defaulting to ":9187".
func (c *PrometheusConfig) GetListen() string {
	if c.Listen == "" {
		return ":9187"
	}
	return c.Listen
}

// GetPath returns the metrics path, defaulting to "/metrics".
func (c *PrometheusConfig) GetPath() string {
	if c.Path == "" {
		return "/metrics"
	}
	return c.Path
}

// Validate validates the Prometheus configuration.
func (c *PrometheusConfig) Validate() error {
	var errs []error

	listen := c.GetListen()
	if !strings.Contains(listen, ":") {
		errs = append(errs, fmt.Errorf("listen address %q must contain a port (e.g., ':9187' or '0.0.0.0:9187')", listen))
	}

	path := c.GetPath()
	if !strings.HasPrefix(path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with '/'", path))
	}

	for k := range c.ExtraLabels {
		if k == "" || strings.ContainsAny(k, " -.") {
			errs = append(errs, fmt.Errorf("extra label name %q is not a valid Prometheus label", k))
		}
	}

	return errors.Join(errs...)
}

// ParsePrometheusListen parses a CLI listen argument in "host:port/path" format
// and returns a PrometheusConfig. If path is not specified, defaults to "/metrics".
func ParsePrometheusListen(listen string) *PrometheusConfig {
	if listen == "" {
		return nil
	}

	addr, path, found := strings.Cut(listen, "/")
	if !found {
		path = "metrics"
	}

	return &PrometheusConfig{
		Listen: addr,
		Path:   "/" + path,
	}
}
