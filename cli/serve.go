package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/sensor-ingest/config"
	"github.com/cyberinferno/sensor-ingest/ingest"
	"github.com/cyberinferno/sensor-ingest/logger"
	"github.com/cyberinferno/sensor-ingest/metrics"
	"github.com/cyberinferno/sensor-ingest/mirror"
)

type serveFlags struct {
	configPath     string
	host           string
	port           int
	participant    string
	outputDir      string
	sentinelMatch  string
	framing        string
	maxConnections int
	shutdownGrace  time.Duration
	metricsAddr    string
	redisAddr      string
	logLevel       string
	logFile        string
	logPretty      bool
}

func newServeCommand() *cobra.Command {
	return newServeCommandWith(runServe)
}

func newServeCommandWith(run func(ctx context.Context, cfg config.Config) error) *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest server until interrupted",
		Long: `Listen for sensor clients and append their records to a new session log
named <participant>_<start ms>.txt. SIGINT or SIGTERM stops accepting,
lets connected clients finish for the shutdown grace period and closes the log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveServeConfig(cmd, f)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	defaults := config.Default()
	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "TOML config file")
	flags.StringVar(&f.host, "host", defaults.Server.Host, "Interface to bind; empty binds all")
	flags.IntVarP(&f.port, "port", "p", defaults.Server.Port, "TCP port")
	flags.StringVar(&f.participant, "participant", defaults.Server.Participant, "Participant or session ID used in the log file name")
	flags.StringVarP(&f.outputDir, "output-dir", "o", defaults.Server.OutputDir, "Directory for the session log")
	flags.StringVar(&f.sentinelMatch, "sentinel-match", defaults.Server.SentinelMatch, "Sentinel matching: substring or exact")
	flags.StringVar(&f.framing, "framing", defaults.Server.Framing, "Record framing: read (one read per record) or line")
	flags.IntVar(&f.maxConnections, "max-connections", defaults.Server.MaxConnections, "Maximum concurrently handled clients; 0 is unbounded. Queued clients are stamped when read")
	flags.DurationVar(&f.shutdownGrace, "shutdown-grace", defaults.Server.ShutdownGrace, "Time connected clients get to finish on shutdown")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	flags.StringVar(&f.redisAddr, "redis-addr", "", "Mirror records to a Redis stream on this server")
	flags.StringVar(&f.logLevel, "log-level", defaults.Log.Level, "Log level: debug, info, warn, error")
	flags.StringVar(&f.logFile, "log-file", "", "Also write the operator log to this file")
	flags.BoolVar(&f.logPretty, "log-pretty", false, "Human-readable console log")

	return cmd
}

// resolveServeConfig loads the config file, if any, and applies the flags the
// user set explicitly on top of it.
func resolveServeConfig(cmd *cobra.Command, f serveFlags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Server.Host = f.host
	}
	if changed("port") {
		cfg.Server.Port = f.port
	}
	if changed("participant") {
		cfg.Server.Participant = f.participant
	}
	if changed("output-dir") {
		cfg.Server.OutputDir = f.outputDir
	}
	if changed("sentinel-match") {
		cfg.Server.SentinelMatch = f.sentinelMatch
	}
	if changed("framing") {
		cfg.Server.Framing = f.framing
	}
	if changed("max-connections") {
		cfg.Server.MaxConnections = f.maxConnections
	}
	if changed("shutdown-grace") {
		cfg.Server.ShutdownGrace = f.shutdownGrace
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if changed("redis-addr") {
		cfg.Mirror.RedisAddr = f.redisAddr
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-file") {
		cfg.Log.File = f.logFile
	}
	if changed("log-pretty") {
		cfg.Log.Pretty = f.logPretty
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	log, err := logger.New(serviceName, cfg.Log)
	if err != nil {
		return err
	}
	defer log.Close()

	m := metrics.New()
	opts := []ingest.Option{ingest.WithMetrics(m)}

	if cfg.Mirror.RedisAddr != "" {
		sink, err := newRedisMirror(ctx, cfg.Mirror)
		if err != nil {
			log.Error("redis mirror unavailable", logger.Field{Key: "addr", Value: cfg.Mirror.RedisAddr}, logger.Field{Key: "error", Value: err})
			return err
		}

		log.Info("mirroring records to redis", logger.Field{Key: "addr", Value: cfg.Mirror.RedisAddr}, logger.Field{Key: "stream", Value: cfg.Mirror.Stream})
		opts = append(opts, ingest.WithMirror(sink))
	}

	server := ingest.NewServer(cfg.Server, log, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})

	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Addr, m, log)
		})
	}

	return g.Wait()
}

func newRedisMirror(ctx context.Context, cfg config.Mirror) (*mirror.RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	sink := mirror.NewRedisSink(client, cfg.Stream, cfg.MaxLen)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sink.Ping(pingCtx); err != nil {
		_ = sink.Close()
		return nil, err
	}

	return sink, nil
}
