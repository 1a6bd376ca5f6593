// Package config implements the Config & Credential Resolver (C1): a
// hierarchical configuration document plus environment overrides, exposed
// through typed getters (§4.1).
//
// Grounded on the teacher's pkg/common/config/config.go: viper.New() (not
// the package-level viper singleton), SetEnvPrefix + AutomaticEnv for
// environment overrides, and a setDefaults(v) pass before unmarshalling.
// The gateway's top-level keys (provider, object_store, relational_store,
// model_catalog, timeouts, breaker, pool) replace the teacher's api/
// database/cache/engine layout, but the loading mechanics are unchanged.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/corpnet/llmgateway/internal/models"
)

// ProviderConfig describes how to reach and authenticate against the
// foundation model provider (§4.1, §6).
type ProviderConfig struct {
	Region          string `mapstructure:"region"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	DefaultModelID  string `mapstructure:"default_model_id"`
}

// ObjectStoreConfig describes the bucket used for audit overflow and large
// artifacts (§6).
type ObjectStoreConfig struct {
	Region          string `mapstructure:"region"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
}

// RelationalStoreConfig describes the Postgres-compatible connection
// backing the Cache Store and audit log (§6).
type RelationalStoreConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig describes the Redis instance the Cache Store (C3) fronts
// its relational store with, grounded on the teacher's
// pkg/embedding/cache.ResilientRedisClient. An empty Addr disables the
// tier entirely: the store falls back to its in-process L1 plus Postgres,
// the same degraded-mode shape Redis failures produce at runtime.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// ModelEntry is one catalog row: a model id, its family (used by C6's
// table-driven encoder selection), its token cap, and, for embedding
// families, the declared vector dimension D the Cache Store (C3) checks
// stored rows against on read (§8: "Vector dimension mismatch on read").
type ModelEntry struct {
	ModelID        string `mapstructure:"model_id"`
	Family         string `mapstructure:"family"`
	MaxTokens      int    `mapstructure:"max_tokens"`
	IsDomainExpert bool   `mapstructure:"is_domain_expert"`
	Domain         string `mapstructure:"domain"`
	Dimension      int    `mapstructure:"dimension"`
}

// ModelCatalog is the registered set of invokable models (§4.1, §4.5).
type ModelCatalog struct {
	Models []ModelEntry `mapstructure:"models"`
}

// ByID returns the catalog entry for modelID, or false if unregistered.
func (c ModelCatalog) ByID(modelID string) (ModelEntry, bool) {
	for _, m := range c.Models {
		if m.ModelID == modelID {
			return m, true
		}
	}
	return ModelEntry{}, false
}

// DomainExpert returns the first domain-expert model registered for
// domain, used by the Router's DomainStrategy branch (§4.5).
func (c ModelCatalog) DomainExpert(domain string) (ModelEntry, bool) {
	for _, m := range c.Models {
		if m.IsDomainExpert && m.Domain == domain {
			return m, true
		}
	}
	return ModelEntry{}, false
}

// TimeoutProfile bounds the invoker's connect/read-write timeouts (§4.6).
type TimeoutProfile struct {
	Connect        time.Duration `mapstructure:"connect"`
	ReadWrite      time.Duration `mapstructure:"read_write"`
	LargeTransfer  time.Duration `mapstructure:"large_transfer"`
}

// BreakerConfig carries the §4.7 defaults, overridable per deployment.
type BreakerConfig struct {
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	FailureWindow       time.Duration `mapstructure:"failure_window"`
	ResetTimeout        time.Duration `mapstructure:"reset_timeout"`
	MinimumRequestCount int           `mapstructure:"minimum_request_count"`
}

// PoolConfig holds relational pool bounds (§5). Load checks that
// 0 <= Min <= Max; the Session Manager sizes the pool from
// RelationalStoreConfig.MaxOpenConns/MaxIdleConns and does not read these.
type PoolConfig struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// Config is the complete gateway configuration document (§6).
type Config struct {
	Provider        ProviderConfig        `mapstructure:"provider"`
	ObjectStore     ObjectStoreConfig     `mapstructure:"object_store"`
	RelationalStore RelationalStoreConfig `mapstructure:"relational_store"`
	Redis           RedisConfig           `mapstructure:"redis"`
	ModelCatalog    ModelCatalog          `mapstructure:"model_catalog"`
	Timeouts        TimeoutProfile        `mapstructure:"timeouts"`
	Breaker         BreakerConfig         `mapstructure:"breaker"`
	Pool            PoolConfig            `mapstructure:"pool"`
}

// Load reads configFile (if present) and overlays environment variables
// prefixed LLMGW_, last write wins (§4.1, §6). A missing config file is
// not an error — environment variables and defaults may be sufficient.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("LLMGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, models.WrapError(models.ErrConfig, "reading configuration file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, models.WrapError(models.ErrConfig, "unmarshalling configuration", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Dump renders the effective configuration as YAML with credential fields
// redacted, for operator inspection (the CLI logs this at startup, before
// running any command, so an operator can see which file/env values
// actually took effect, without ever printing secrets).
func (c Config) Dump() (string, error) {
	redacted := c
	redacted.Provider.AccessKeyID = redactedIfSet(c.Provider.AccessKeyID)
	redacted.Provider.SecretAccessKey = redactedIfSet(c.Provider.SecretAccessKey)
	redacted.ObjectStore.AccessKeyID = redactedIfSet(c.ObjectStore.AccessKeyID)
	redacted.ObjectStore.SecretAccessKey = redactedIfSet(c.ObjectStore.SecretAccessKey)
	redacted.RelationalStore.DSN = redactDSN(c.RelationalStore.DSN)
	redacted.Redis.Password = redactedIfSet(c.Redis.Password)

	out, err := yaml.Marshal(redacted)
	if err != nil {
		return "", models.WrapError(models.ErrConfig, "marshalling configuration for display", err)
	}
	return string(out), nil
}

func redactedIfSet(v string) string {
	if v == "" {
		return ""
	}
	return "<redacted>"
}

// redactDSN keeps the host/port/db visible (useful for diagnosing a
// connection problem) and hides the credential portion of the URL.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "<redacted>" + dsn[at:]
}

func setDefaults(v *viper.Viper) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	v.SetDefault("provider.region", region)
	v.SetDefault("provider.default_model_id", "anthropic.claude-3-sonnet")

	v.SetDefault("object_store.region", region)

	// Keys without a built-in value are registered empty so that
	// AutomaticEnv overrides for them reach Unmarshal even when the
	// config file does not mention them.
	v.SetDefault("provider.access_key_id", "")
	v.SetDefault("provider.secret_access_key", "")
	v.SetDefault("object_store.access_key_id", "")
	v.SetDefault("object_store.secret_access_key", "")
	v.SetDefault("object_store.bucket", "")
	v.SetDefault("relational_store.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")

	v.SetDefault("relational_store.schema", "llmgateway")
	v.SetDefault("relational_store.max_open_conns", 10)
	v.SetDefault("relational_store.max_idle_conns", 1)
	v.SetDefault("relational_store.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("relational_store.migrations_path", "internal/cache/migrations")

	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("timeouts.connect", 10*time.Second)
	v.SetDefault("timeouts.read_write", 300*time.Second)
	v.SetDefault("timeouts.large_transfer", 30*time.Minute)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.failure_window", 60*time.Second)
	v.SetDefault("breaker.reset_timeout", 60*time.Second)
	v.SetDefault("breaker.minimum_request_count", 10)

	v.SetDefault("pool.min", 1)
	v.SetDefault("pool.max", 10)
}

// validate enforces §4.1's "fails with ConfigError when a required field
// is absent or ill-typed" contract. Credentials are allowed to be empty
// (the SDK may fall back to the default credential chain), but region and
// a relational DSN are load-bearing.
func (c *Config) validate() error {
	if c.Provider.Region == "" {
		return models.NewError(models.ErrConfig, "provider.region is required")
	}
	if c.RelationalStore.DSN == "" {
		return models.NewError(models.ErrConfig, "relational_store.dsn is required")
	}
	if c.Pool.Min < 0 || c.Pool.Max < c.Pool.Min {
		return models.NewError(models.ErrConfig, fmt.Sprintf("invalid pool bounds: min=%d max=%d", c.Pool.Min, c.Pool.Max))
	}
	return nil
}
