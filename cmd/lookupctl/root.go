package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/lookup-client/pkg/cache"
	"github.com/Sternrassler/lookup-client/pkg/logging"
	"github.com/Sternrassler/lookup-client/pkg/lookup"
)

// app carries the resolved configuration from PersistentPreRunE into the
// subcommands.
type app struct {
	v      *viper.Viper
	cfg    appConfig
	logger zerolog.Logger
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(viper.New(), os.Stdout, os.Stderr)
}

func newRootCommandWith(v *viper.Viper, stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: v, stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:   "lookupctl",
		Short: "Command line interface to the person lookup service",
		Long: `lookupctl submits name, exact-name and ID lookups to a lookup server
and reports progress while the server works.

Configuration is read from flags, LOOKUP_* environment variables and
lookupctl.yaml (in /etc/lookupctl, $HOME/.lookupctl or the working directory).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initConfig(cmd, v); err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			a.cfg = cfg

			logCfg := cfg.Logging
			logCfg.Output = a.stderr
			logging.Setup(logCfg)
			a.logger = logging.NewLogger(logging.ComponentCLI)
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	bindFlags(cmd, v)

	cmd.AddCommand(
		queryCmd(a),
		batchCmd(a),
	)

	return cmd
}

// openSession builds a session from the resolved configuration. The
// returned cleanup closes the session, the cache and the Redis connection.
func (a *app) openSession(ctx context.Context) (*lookup.Session, *redis.Client, func(), error) {
	cfg := a.cfg.Session

	var rdb *redis.Client
	if a.cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.RedisAddr, err)
		}
		a.logger.Debug().Str("addr", a.cfg.RedisAddr).Msg("Connected to Redis")
	}

	if rdb != nil || a.cfg.CacheMemory {
		m, err := cache.NewManager(rdb, a.cfg.Cache)
		if err != nil {
			if rdb != nil {
				_ = rdb.Close()
			}
			return nil, nil, nil, fmt.Errorf("create cache: %w", err)
		}
		cfg.Client.Cache = m
	}

	session, err := lookup.NewSession(cfg)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, nil, nil, err
	}

	cleanup := func() {
		session.Close()
		if rdb != nil {
			_ = rdb.Close()
		}
	}
	return session, rdb, cleanup, nil
}
