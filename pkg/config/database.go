package config

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DatabaseConfig describes how to reach one PostgreSQL database.
//
// Either URL is set, or Host/Database/User are. Password may accompany
// either form and overrides any password in the URL.
type DatabaseConfig struct {
	// URL is a libpq connection string or postgres:// URL.
	URL *SecretRef `json:"url,omitzero"`

	Host     string     `json:"host,omitzero"`
	Port     uint16     `json:"port,omitzero"`
	Database string     `json:"database,omitzero"`
	User     *SecretRef `json:"user,omitzero"`
	Password *SecretRef `json:"password,omitzero"`

	// SSLMode is passed through to libpq semantics. Default: "prefer".
	SSLMode string `json:"sslmode,omitzero" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`

	// ApplicationName is reported in pg_stat_activity.application_name.
	// Default: "pgactivity".
	ApplicationName string `json:"application_name,omitzero"`

	// MaxConns bounds the pool. Default: 4.
	MaxConns int32 `json:"max_conns,omitzero" validate:"gte=0"`

	// ConnectTimeout bounds each connection attempt. Default: 10s.
	ConnectTimeout Duration `json:"connect_timeout,omitzero"`
}

// GetApplicationName returns the application name, defaulting to "pgactivity".
func (c DatabaseConfig) GetApplicationName() string {
	if c.ApplicationName == "" {
		return "pgactivity"
	}
	return c.ApplicationName
}

// GetSSLMode returns the sslmode, defaulting to "prefer".
func (c DatabaseConfig) GetSSLMode() string {
	if c.SSLMode == "" {
		return "prefer"
	}
	return c.SSLMode
}

// GetMaxConns returns the pool size, defaulting to 4.
func (c DatabaseConfig) GetMaxConns() int32 {
	if c.MaxConns == 0 {
		return 4
	}
	return c.MaxConns
}

// GetConnectTimeout returns the connect timeout, defaulting to 10s.
func (c DatabaseConfig) GetConnectTimeout() time.Duration {
	if c.ConnectTimeout == 0 {
		return 10 * time.Second
	}
	return c.ConnectTimeout.Duration()
}

func (c DatabaseConfig) validate() error {
	if c.URL != nil {
		if c.Host != "" || c.Database != "" || c.User != nil {
			return errors.New("url cannot be combined with host, database or user")
		}
		if c.SSLMode != "" {
			return errors.New("sslmode cannot be combined with url; set it in the url")
		}
		return nil
	}
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required when url is not set"))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database is required when url is not set"))
	}
	if c.User == nil {
		errs = append(errs, errors.New("user is required when url is not set"))
	}
	return errors.Join(errs...)
}

func (c DatabaseConfig) secretRefs() iter.Seq2[string, SecretRef] {
	return func(yield func(string, SecretRef) bool) {
		for _, f := range []struct {
			name string
			ref  *SecretRef
		}{{"url", c.URL}, {"user", c.User}, {"password", c.Password}} {
			if f.ref == nil {
				continue
			}
			if !yield(f.name, *f.ref) {
				return
			}
		}
	}
}

// keywordConnString renders the host form as a keyword/value connection
// string.
func (c DatabaseConfig) keywordConnString(user string) string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	kv := [][2]string{
		{"host", c.Host},
		{"port", strconv.Itoa(int(port))},
		{"dbname", c.Database},
		{"user", user},
		{"sslmode", c.GetSSLMode()},
		{"application_name", c.GetApplicationName()},
	}
	quote := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, len(kv))
	for i, p := range kv {
		parts[i] = p[0] + "='" + quote.Replace(p[1]) + "'"
	}
	return strings.Join(parts, " ")
}

// PoolConfig resolves secrets and builds a pgxpool.Config.
func (c DatabaseConfig) PoolConfig(ctx context.Context, secrets *SecretCache) (*pgxpool.Config, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	var connString string
	if c.URL != nil {
		url, err := secrets.Get(ctx, *c.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to get url: %w", err)
		}
		connString = url
	} else {
		user, err := secrets.Get(ctx, *c.User)
		if err != nil {
			return nil, fmt.Errorf("failed to get user: %w", err)
		}
		connString = c.keywordConnString(user)
	}

	// pgconn derives TLS settings and fallbacks from the parsed host, so
	// every connection setting except the password goes through ParseConfig.
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid connection settings: %w", err)
	}
	if c.Password != nil {
		password, err := secrets.Get(ctx, *c.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to get password: %w", err)
		}
		cfg.ConnConfig.Password = password
	}

	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = c.GetApplicationName()
	}
	cfg.ConnConfig.ConnectTimeout = c.GetConnectTimeout()
	cfg.MaxConns = c.GetMaxConns()
	cfg.MinConns = 0

	return cfg, nil
}
