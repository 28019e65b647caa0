package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justjake/pgactivity/pkg/pgwire"
)

const sampleConfig = `{
	"databases": {
		"default": {"url": {"env_var": "PGACTIVITY_TEST_URL"}, "max_conns": 2},
		"replica": {
			"host": "replica.internal",
			"port": 6432,
			"database": "app",
			"user": "readonly",
			"password": {"insecure_value": "pw"},
			"connect_timeout": "3s"
		}
	},
	"limit": 50,
	"presets": {
		"long-running": {"limit": 1, "filters": ["duration__gt=1 minute"]},
		"blocked": {"filters": ["wait_event_type=Lock"], "attributes": ["id", "wait_event"]}
	},
	"prometheus": {"listen": ":9999"}
}`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(sampleConfig)
	require.NoError(t, err)

	require.Len(t, cfg.Databases, 2)
	assert.Equal(t, 50, cfg.Limit)
	assert.Equal(t, ":9999", cfg.Prometheus.GetListen())
	assert.Equal(t, "/metrics", cfg.Prometheus.GetPath())
	assert.Nil(t, cfg.OpenTelemetry)

	replica, err := cfg.Database("replica")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, replica.GetConnectTimeout())
	assert.Equal(t, SecretRef{InsecureValue: "readonly"}, *replica.User)

	_, err = cfg.Database("nope")
	assert.ErrorIs(t, err, pgwire.ErrNotFound)
}

func TestConfig_Preset(t *testing.T) {
	cfg, err := ParseConfig(sampleConfig)
	require.NoError(t, err)

	p, err := cfg.Preset("long-running", Preset{})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Limit)
	assert.Equal(t, []string{"duration__gt=1 minute"}, p.Filters)
	assert.Equal(t, DefaultAttributes, p.Attributes)

	p, err = cfg.Preset("", Preset{})
	require.NoError(t, err)
	assert.Equal(t, 50, p.Limit, "configured limit is the default")
	assert.Empty(t, p.Filters)

	p, err = cfg.Preset("blocked", Preset{Limit: 5, Expanded: true, Pids: []int32{42}})
	require.NoError(t, err)
	assert.Equal(t, 5, p.Limit)
	assert.True(t, p.Expanded)
	assert.Equal(t, []int32{42}, p.Pids)
	assert.Equal(t, []string{"id", "wait_event"}, p.Attributes)
	assert.Equal(t, []string{"wait_event_type=Lock"}, p.Filters)

	_, err = cfg.Preset("missing", Preset{})
	assert.ErrorIs(t, err, pgwire.ErrNotFound)

	assert.Equal(t, []string{"blocked", "long-running"}, cfg.PresetNames())
}

func TestConfig_PresetDoesNotAliasConfig(t *testing.T) {
	cfg, err := ParseConfig(sampleConfig)
	require.NoError(t, err)

	p, err := cfg.Preset("blocked", Preset{})
	require.NoError(t, err)
	p.Attributes[0] = "changed"

	again, err := cfg.Preset("blocked", Preset{})
	require.NoError(t, err)
	assert.Equal(t, "id", again.Attributes[0])
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := &Config{}
	p, err := cfg.Preset("", Preset{})
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, p.Limit)
	assert.Equal(t, []string{"id", "duration", "state", "context", "query"}, p.Attributes)
}

func TestConfig_Validate(t *testing.T) {
	t.Setenv("PGACTIVITY_TEST_URL", "postgres://localhost/app")
	cfg, err := ParseConfig(sampleConfig)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(context.Background(), NewSecretCache(nil)))

	bad, err := ParseConfig(`{
		"databases": {
			"a": {"url": {"env_var": "PGACTIVITY_TEST_UNSET"}},
			"b": {"host": "h", "sslmode": "sometimes"}
		},
		"limit": -1,
		"presets": {"p": {"filters": ["nonsense"]}},
		"opentelemetry": {"enabled": true, "otlp_protocol": "carrier-pigeon"},
		"prometheus": {"listen": "9090", "path": "metrics"}
	}`)
	require.NoError(t, err)

	err = bad.Validate(context.Background(), NewSecretCache(nil))
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"Limit",
		"SSLMode",
		`databases["b"]: database is required`,
		`user is required`,
		`presets["p"]`,
		"otlp_protocol",
		"listen address",
		`databases["a"].url`,
	} {
		assert.Contains(t, msg, want)
	}
}

func TestDatabaseConfig_PoolConfig(t *testing.T) {
	ctx := context.Background()
	sc := NewSecretCache(nil)

	db := DatabaseConfig{
		Host:     "replica.internal",
		Port:     6432,
		Database: "app",
		User:     &SecretRef{InsecureValue: "readonly"},
		Password: &SecretRef{InsecureValue: "pw"},
		MaxConns: 3,
	}
	pc, err := db.PoolConfig(ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, "replica.internal", pc.ConnConfig.Host)
	assert.Equal(t, uint16(6432), pc.ConnConfig.Port)
	assert.Equal(t, "app", pc.ConnConfig.Database)
	assert.Equal(t, "readonly", pc.ConnConfig.User)
	assert.Equal(t, "pw", pc.ConnConfig.Password)
	assert.Equal(t, "pgactivity", pc.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, int32(3), pc.MaxConns)

	url := DatabaseConfig{URL: &SecretRef{InsecureValue: "postgres://u:p@h:5433/d?application_name=mine"}}
	pc, err = url.PoolConfig(ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, "h", pc.ConnConfig.Host)
	assert.Equal(t, "mine", pc.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, int32(4), pc.MaxConns)

	_, err = DatabaseConfig{Host: "h"}.PoolConfig(ctx, sc)
	assert.Error(t, err)
}

func TestDatabaseConfig_PoolConfigSSLMode(t *testing.T) {
	ctx := context.Background()
	sc := NewSecretCache(nil)
	db := DatabaseConfig{
		Host:     "replica.internal",
		Database: "app",
		User:     &SecretRef{InsecureValue: "o'brien"},
		SSLMode:  "require",
	}

	pc, err := db.PoolConfig(ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, "o'brien", pc.ConnConfig.User)
	require.NotNil(t, pc.ConnConfig.TLSConfig, "require must not connect in plaintext")
	for _, fb := range pc.ConnConfig.Fallbacks {
		assert.Equal(t, "replica.internal", fb.Host)
		assert.NotNil(t, fb.TLSConfig)
	}

	// prefer tries TLS first, then plaintext, both against the configured host.
	db.SSLMode = ""
	pc, err = db.PoolConfig(ctx, sc)
	require.NoError(t, err)
	assert.NotNil(t, pc.ConnConfig.TLSConfig)
	require.Len(t, pc.ConnConfig.Fallbacks, 1)
	assert.Equal(t, "replica.internal", pc.ConnConfig.Fallbacks[0].Host)
	assert.Equal(t, uint16(5432), pc.ConnConfig.Fallbacks[0].Port)
	assert.Nil(t, pc.ConnConfig.Fallbacks[0].TLSConfig)

	db.SSLMode = "disable"
	pc, err = db.PoolConfig(ctx, sc)
	require.NoError(t, err)
	assert.Nil(t, pc.ConnConfig.TLSConfig)
	assert.Empty(t, pc.ConnConfig.Fallbacks)

	_, err = DatabaseConfig{URL: &SecretRef{InsecureValue: "postgres://h/d"}, SSLMode: "require"}.PoolConfig(ctx, sc)
	assert.ErrorContains(t, err, "sslmode cannot be combined with url")
}

func TestParsePrometheusListen(t *testing.T) {
	assert.Nil(t, ParsePrometheusListen(""))
	assert.Equal(t, &PrometheusConfig{Listen: ":9187", Path: "/metrics"}, ParsePrometheusListen(":9187"))
	assert.Equal(t, &PrometheusConfig{Listen: "0.0.0.0:1", Path: "/m/x"}, ParsePrometheusListen("0.0.0.0:1/m/x"))
}
