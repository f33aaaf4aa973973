package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Sternrassler/lookup-client/pkg/cache"
	"github.com/Sternrassler/lookup-client/pkg/client"
	"github.com/Sternrassler/lookup-client/pkg/logging"
	"github.com/Sternrassler/lookup-client/pkg/lookup"
	"github.com/Sternrassler/lookup-client/pkg/query"
	"github.com/Sternrassler/lookup-client/pkg/scheduler"
)

// appConfig is the resolved command configuration.
type appConfig struct {
	Target      query.Target
	Session     lookup.Config
	Logging     logging.Config
	RedisAddr   string
	Cache       cache.Config
	CacheMemory bool
	MetricsAddr string
	Output      string
}

// mustBindPFlag binds a config key to a persistent flag and panics if the
// binding fails.
func mustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

// bindFlags registers the shared flags and binds them to config keys.
// Precedence: flags, LOOKUP_* environment variables, lookupctl.yaml.
func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	clientDefaults := client.DefaultConfig()
	schedDefaults := scheduler.DefaultConfig()
	cacheDefaults := cache.DefaultConfig()

	flags := cmd.PersistentFlags()

	flags.String("config", "", "path to a lookupctl.yaml config file")

	flags.String("host", "localhost", "lookup server host")
	mustBindPFlag(v, "server.host", flags.Lookup("host"))

	flags.Int("port", 3000, "lookup server port")
	mustBindPFlag(v, "server.port", flags.Lookup("port"))

	flags.Bool("tls", false, "use HTTPS")
	mustBindPFlag(v, "server.tls", flags.Lookup("tls"))

	flags.Bool("insecure-skip-verify", false, "skip TLS certificate verification (self-signed servers)")
	mustBindPFlag(v, "server.insecure_skip_verify", flags.Lookup("insecure-skip-verify"))

	flags.String("ca-cert", "", "PEM file with the CA that signed the server certificate")
	mustBindPFlag(v, "server.ca_cert", flags.Lookup("ca-cert"))

	flags.String("strategy", clientDefaults.Strategy, "execution strategy (direct, isolated)")
	mustBindPFlag(v, "client.strategy", flags.Lookup("strategy"))

	flags.Duration("attempt-timeout", clientDefaults.AttemptTimeout, "timeout per attempt")
	mustBindPFlag(v, "client.attempt_timeout", flags.Lookup("attempt-timeout"))

	flags.Int("max-retries", clientDefaults.Retry.MaxRetries, "additional attempts after the first failure")
	mustBindPFlag(v, "client.max_retries", flags.Lookup("max-retries"))

	flags.Duration("retry-delay", clientDefaults.Retry.BaseDelay, "linear backoff step between attempts")
	mustBindPFlag(v, "client.retry_delay", flags.Lookup("retry-delay"))

	flags.Int("max-concurrency", schedDefaults.MaxConcurrency, "maximum concurrent queries")
	mustBindPFlag(v, "scheduler.max_concurrency", flags.Lookup("max-concurrency"))

	flags.Duration("watchdog-timeout", schedDefaults.WatchdogTimeout, "upper bound for one query")
	mustBindPFlag(v, "scheduler.watchdog_timeout", flags.Lookup("watchdog-timeout"))

	flags.Bool("cache", false, "cache results in memory")
	mustBindPFlag(v, "cache.enabled", flags.Lookup("cache"))

	flags.String("redis-addr", "", "Redis address for the shared result cache (enables caching)")
	mustBindPFlag(v, "cache.redis_addr", flags.Lookup("redis-addr"))

	flags.Duration("cache-ttl", cacheDefaults.TTL, "result cache TTL")
	mustBindPFlag(v, "cache.ttl", flags.Lookup("cache-ttl"))

	flags.String("metrics-addr", "", "serve /health and /metrics on this address while running")
	mustBindPFlag(v, "metrics.addr", flags.Lookup("metrics-addr"))

	flags.String("log-level", string(logging.LevelWarn), "log level (debug, info, warn, error)")
	mustBindPFlag(v, "log.level", flags.Lookup("log-level"))

	flags.Bool("log-pretty", true, "human-readable log output")
	mustBindPFlag(v, "log.pretty", flags.Lookup("log-pretty"))

	flags.StringP("output", "o", "table", "result format (table, json)")
	mustBindPFlag(v, "output", flags.Lookup("output"))
}

// initConfig wires environment variables and the optional config file.
func initConfig(cmd *cobra.Command, v *viper.Viper) error {
	v.SetEnvPrefix("LOOKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lookupctl")
		v.SetConfigType("yaml")
		for _, path := range []string{"/etc/lookupctl", "$HOME/.lookupctl", "."} {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// loadConfig resolves the command configuration from v.
func loadConfig(v *viper.Viper) (appConfig, error) {
	level, err := logging.ParseLevel(v.GetString("log.level"))
	if err != nil {
		return appConfig{}, err
	}

	output := strings.ToLower(v.GetString("output"))
	if output != "table" && output != "json" {
		return appConfig{}, fmt.Errorf("unknown output format %q", output)
	}

	cfg := appConfig{
		Target: query.Target{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
			TLS:  v.GetBool("server.tls"),
		},
		Session: lookup.DefaultConfig(),
		Logging: logging.Config{
			Level:  level,
			Pretty: v.GetBool("log.pretty"),
		},
		RedisAddr:   v.GetString("cache.redis_addr"),
		CacheMemory: v.GetBool("cache.enabled"),
		Cache: cache.Config{
			TTL:       v.GetDuration("cache.ttl"),
			MemoryTTL: cache.DefaultConfig().MemoryTTL,
		},
		MetricsAddr: v.GetString("metrics.addr"),
		Output:      output,
	}

	if err := cfg.Target.Validate(); err != nil {
		return appConfig{}, fmt.Errorf("invalid server: %w", err)
	}

	cc := &cfg.Session.Client
	cc.Strategy = v.GetString("client.strategy")
	cc.AttemptTimeout = v.GetDuration("client.attempt_timeout")
	cc.Retry.MaxRetries = v.GetInt("client.max_retries")
	cc.Retry.BaseDelay = v.GetDuration("client.retry_delay")
	cc.InsecureSkipVerify = v.GetBool("server.insecure_skip_verify")
	cc.CACertFile = v.GetString("server.ca_cert")

	sc := &cfg.Session.Scheduler
	sc.MaxConcurrency = v.GetInt("scheduler.max_concurrency")
	sc.WatchdogTimeout = v.GetDuration("scheduler.watchdog_timeout")

	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = cache.DefaultConfig().TTL
	}
	if cc.AttemptTimeout <= 0 {
		return appConfig{}, fmt.Errorf("attempt timeout must be > 0")
	}
	if sc.WatchdogTimeout < time.Second {
		return appConfig{}, fmt.Errorf("watchdog timeout must be >= 1s")
	}

	return cfg, nil
}
