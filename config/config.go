// Package config builds l2cache.Options from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	stdslog "log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/l2cache"
	"github.com/unkn0wn-root/l2cache/codec"
	gen "github.com/unkn0wn-root/l2cache/genstore"
	lgrus "github.com/unkn0wn-root/l2cache/log/logrus"
	lslog "github.com/unkn0wn-root/l2cache/log/slog"
	lzap "github.com/unkn0wn-root/l2cache/log/zap"
	pr "github.com/unkn0wn-root/l2cache/provider"
	bcp "github.com/unkn0wn-root/l2cache/provider/bigcache"
	"github.com/unkn0wn-root/l2cache/provider/memory"
	rp "github.com/unkn0wn-root/l2cache/provider/redis"
	rcp "github.com/unkn0wn-root/l2cache/provider/ristretto"
)

const (
	ProviderMemory    = "memory"
	ProviderRistretto = "ristretto"
	ProviderBigCache  = "bigcache"
	ProviderRedis     = "redis"
)

type Config struct {
	Enabled           bool          `env:"L2CACHE_ENABLED"             envDefault:"true"`
	QueryCacheEnabled bool          `env:"L2CACHE_QUERY_CACHE_ENABLED" envDefault:"true"`
	RegionPrefix      string        `env:"L2CACHE_REGION_PREFIX"`
	EntityTTL         time.Duration `env:"L2CACHE_ENTITY_TTL"`
	QueryTTL          time.Duration `env:"L2CACHE_QUERY_TTL"`
	Provider          string        `env:"L2CACHE_PROVIDER"            envDefault:"memory"`
	Codec             string        `env:"L2CACHE_CODEC"               envDefault:"msgpack"`

	LogBackend string `env:"L2CACHE_LOG"       envDefault:"zap"`
	LogLevel   string `env:"L2CACHE_LOG_LEVEL" envDefault:"info"`

	Redis     Redis     `envPrefix:"L2CACHE_REDIS_"`
	Ristretto Ristretto `envPrefix:"L2CACHE_RISTRETTO_"`
	BigCache  BigCache  `envPrefix:"L2CACHE_BIGCACHE_"`
}

type Redis struct {
	Addr     string `env:"ADDR"     envDefault:"localhost:6379"`
	DB       int    `env:"DB"`
	Password string `env:"PASSWORD"`
	Prefix   string `env:"PREFIX"   envDefault:"l2cache:"`

	// SharedGenerations keeps region generations in Redis so that every
	// process sees the others' invalidations. Required with the redis provider.
	SharedGenerations bool   `env:"SHARED_GENERATIONS"`
	Namespace         string `env:"NAMESPACE"          envDefault:"l2cache"`
}

type Ristretto struct {
	NumCounters int64 `env:"NUM_COUNTERS" envDefault:"100000"`
	MaxCostMB   int64 `env:"MAX_COST_MB"  envDefault:"64"`
	BufferItems int64 `env:"BUFFER_ITEMS" envDefault:"64"`
	Metrics     bool  `env:"METRICS"`
}

type BigCache struct {
	LifeWindow  time.Duration `env:"LIFE_WINDOW"`
	CleanWindow time.Duration `env:"CLEAN_WINDOW"`
	Shards      int           `env:"SHARDS"`
	HardMaxMB   int           `env:"HARD_MAX_MB"`
}

// Parse loads the configuration from the process environment.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// ParseMap is Parse over an explicit environment.
func ParseMap(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Provider {
	case ProviderMemory, ProviderRistretto, ProviderBigCache:
	case ProviderRedis:
		if !c.Redis.SharedGenerations {
			return errors.New("config: redis provider requires L2CACHE_REDIS_SHARED_GENERATIONS=true")
		}
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider)
	}
	if _, err := codec.ByName[struct{}](c.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.LogBackend {
	case "zap", "logrus", "slog", "none":
	default:
		return fmt.Errorf("config: unknown log backend %q", c.LogBackend)
	}
	if c.EntityTTL < 0 || c.QueryTTL < 0 {
		return errors.New("config: TTLs must not be negative")
	}
	return nil
}

// Options builds manager options. Ownership of the provider and generation
// store passes to the Manager, which closes them.
func (c Config) Options(ctx context.Context) (l2cache.Options, error) {
	log, err := c.Logger()
	if err != nil {
		return l2cache.Options{}, err
	}
	opts := l2cache.Options{
		Logger:            log,
		Disabled:          !c.Enabled,
		DisableQueryCache: !c.QueryCacheEnabled,
		RegionPrefix:      c.RegionPrefix,
		EntityTTL:         c.EntityTTL,
		QueryTTL:          c.QueryTTL,
	}

	var rdb goredis.UniversalClient
	if c.Provider == ProviderRedis || c.Redis.SharedGenerations {
		rdb = goredis.NewClient(&goredis.Options{Addr: c.Redis.Addr, DB: c.Redis.DB, Password: c.Redis.Password})
	}

	p, err := c.provider(ctx, rdb)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return l2cache.Options{}, err
	}
	opts.Provider = p
	if c.Provider == ProviderRistretto {
		opts.ComputeSetCost = byteCost
	}

	// the generation store owns the client when there is one
	if c.Redis.SharedGenerations {
		opts.GenStore = gen.NewRedisGenStore(rdb, c.Redis.Namespace)
	} else {
		opts.GenStore = gen.NewLocalGenStore()
	}
	return opts, nil
}

func (c Config) provider(ctx context.Context, rdb goredis.UniversalClient) (pr.Provider, error) {
	switch c.Provider {
	case ProviderRistretto:
		return rcp.New(rcp.Config{
			NumCounters: c.Ristretto.NumCounters,
			MaxCost:     c.Ristretto.MaxCostMB << 20,
			BufferItems: c.Ristretto.BufferItems,
			Metrics:     c.Ristretto.Metrics,
		})
	case ProviderBigCache:
		return bcp.New(ctx, bcp.Config{
			LifeWindow:         c.BigCache.LifeWindow,
			CleanWindow:        c.BigCache.CleanWindow,
			Shards:             c.BigCache.Shards,
			HardMaxCacheSizeMB: c.BigCache.HardMaxMB,
		})
	case ProviderRedis:
		return rp.New(rp.Config{Client: rdb, Prefix: c.Redis.Prefix})
	default:
		return memory.New(), nil
	}
}

// byteCost makes ristretto's MaxCost a byte budget.
func byteCost(_ string, raw []byte, _ bool) int64 { return int64(len(raw)) }

// Logger builds the configured log adapter.
func (c Config) Logger() (l2cache.Logger, error) {
	switch c.LogBackend {
	case "zap":
		lvl, err := zapcore.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(lvl)
		zl, err := zc.Build()
		if err != nil {
			return nil, err
		}
		return lzap.New(zl), nil
	case "logrus":
		lvl, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		ll := logrus.New()
		ll.SetLevel(lvl)
		ll.SetFormatter(&logrus.JSONFormatter{})
		return lgrus.New(ll), nil
	case "slog":
		var lvl stdslog.Level
		if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		h := stdslog.NewJSONHandler(os.Stderr, &stdslog.HandlerOptions{Level: lvl})
		return lslog.New(stdslog.New(h)), nil
	default:
		return l2cache.NopLogger{}, nil
	}
}
