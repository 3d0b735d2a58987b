package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/developer-mesh/semantic-cache/pkg/cache/redisstore"
	"github.com/developer-mesh/semantic-cache/pkg/cache/sqlstore"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

// StoreConfig selects and configures the Tier 2 backend. The memory backend
// runs without a durable tier.
type StoreConfig struct {
	Backend string            `mapstructure:"backend"`
	Redis   redisstore.Config `mapstructure:"redis"`
	SQL     sqlstore.Config   `mapstructure:"sql"`
}

// Validate checks the backend name and its required settings
func (c StoreConfig) Validate() error {
	switch c.Backend {
	case BackendMemory:
		return nil
	case BackendRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("store.redis.address is required for the redis backend")
		}
		return nil
	case BackendSQL:
		if c.SQL.DSN == "" {
			return fmt.Errorf("store.sql.dsn is required for the sql backend")
		}
		switch c.SQL.Driver {
		case sqlstore.DriverPostgres, sqlstore.DriverSQLite:
			return nil
		default:
			return fmt.Errorf("unsupported store.sql.driver %q", c.SQL.Driver)
		}
	default:
		return fmt.Errorf("unsupported store.backend %q", c.Backend)
	}
}

func setStoreDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", BackendRedis)

	r := redisstore.DefaultConfig()
	v.SetDefault("store.redis.address", r.Address)
	v.SetDefault("store.redis.username", r.Username)
	v.SetDefault("store.redis.password", r.Password)
	v.SetDefault("store.redis.database", r.Database)
	v.SetDefault("store.redis.dial_timeout", r.DialTimeout)
	v.SetDefault("store.redis.read_timeout", r.ReadTimeout)
	v.SetDefault("store.redis.write_timeout", r.WriteTimeout)
	v.SetDefault("store.redis.pool_size", r.PoolSize)
	v.SetDefault("store.redis.min_idle_conns", r.MinIdleConns)
	v.SetDefault("store.redis.max_retries", r.MaxRetries)
	v.SetDefault("store.redis.tls_enabled", r.TLSEnabled)
	v.SetDefault("store.redis.insecure_skip_verify", r.InsecureSkipVerify)
	v.SetDefault("store.redis.prefix", r.Prefix)

	s := sqlstore.DefaultConfig()
	v.SetDefault("store.sql.driver", s.Driver)
	v.SetDefault("store.sql.dsn", s.DSN)
	v.SetDefault("store.sql.max_open_conns", s.MaxOpenConns)
	v.SetDefault("store.sql.max_idle_conns", s.MaxIdleConns)
	v.SetDefault("store.sql.conn_max_lifetime", s.ConnMaxLifetime)
	v.SetDefault("store.sql.auto_migrate", s.AutoMigrate)
}
