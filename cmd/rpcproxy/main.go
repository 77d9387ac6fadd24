package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/rpcproxy/rpcproxy/common"
	"github.com/rpcproxy/rpcproxy/data"
	"github.com/rpcproxy/rpcproxy/health"
	"github.com/rpcproxy/rpcproxy/server"
	"github.com/rpcproxy/rpcproxy/upstream"
)

func main() {
	// A local .env is a convenience for development; absence is not an error.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	app := &cli.App{
		Name:  "rpcproxy",
		Usage: "caching JSON-RPC reverse proxy with priority failover",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP listen port",
				Value:   common.DefaultPort,
				EnvVars: []string{"RPCPROXY_PORT"},
			},
			&cli.StringFlag{
				Name:    "targets",
				Usage:   "comma-separated upstream RPC URLs in priority order",
				EnvVars: []string{"RPCPROXY_TARGETS"},
			},
			&cli.Int64Flag{
				Name:    "cache-ttl",
				Usage:   "chain-tip cache TTL in milliseconds",
				Value:   common.DefaultCacheTTL.Milliseconds(),
				EnvVars: []string{"RPCPROXY_CACHE_TTL"},
			},
			&cli.Int64Flag{
				Name:    "health-interval",
				Usage:   "seconds between health probe cycles",
				Value:   int64(common.DefaultHealthInterval.Seconds()),
				EnvVars: []string{"RPCPROXY_HEALTH_INTERVAL"},
			},
			&cli.Int64Flag{
				Name:    "request-timeout",
				Usage:   "per-attempt upstream timeout in seconds",
				Value:   int64(common.DefaultRequestTimeout.Seconds()),
				EnvVars: []string{"RPCPROXY_REQUEST_TIMEOUT"},
			},
			&cli.IntFlag{
				Name:    "cache-max-size",
				Usage:   "maximum number of cache entries",
				Value:   common.DefaultCacheMaxSize,
				EnvVars: []string{"RPCPROXY_CACHE_MAX_SIZE"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bearer token protecting the RPC and status endpoints",
				EnvVars: []string{"RPCPROXY_TOKEN"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
				EnvVars: []string{"RPCPROXY_VERBOSE"},
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "optional YAML config file, overridden by flags and env",
			},
			&cli.BoolFlag{
				Name:  "healthcheck",
				Usage: "probe the local /health endpoint and exit (for container healthchecks)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("rpcproxy failed to start")
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}

	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if c.Bool("healthcheck") {
		return selfHealthCheck(cfg.Port)
	}

	logger := log.Logger
	logger.Info().
		Int("port", cfg.Port).
		Strs("targets", cfg.Targets).
		Str("cacheTtl", cfg.CacheTTL.String()).
		Str("healthInterval", cfg.HealthInterval.String()).
		Str("requestTimeout", cfg.RequestTimeout.String()).
		Int("cacheMaxSize", cfg.CacheMaxSize).
		Bool("authEnabled", cfg.Token != "").
		Msg("starting rpcproxy")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := upstream.NewRegistry(&logger, cfg.Targets)
	cache := data.NewRpcCache(&logger, cfg.CacheTTL.Duration(), cfg.CacheMaxSize)
	forwarder := upstream.NewForwarder(&logger, registry, cache, cfg.RequestTimeout.Duration())
	checker := health.NewChecker(&logger, registry, cache, cfg.HealthInterval.Duration(), cfg.RequestTimeout.Duration())

	go checker.Run(ctx)
	// Serving starts only after the first probe cycle has completed.
	<-checker.Ready()

	srv := server.NewHttpServer(ctx, &logger, cfg, forwarder, registry, cache)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case recvSig := <-sig:
		logger.Warn().Str("signal", recvSig.String()).Msg("caught signal, shutting down")
		cancel()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// buildConfig assembles the effective config: defaults, then the optional
// YAML file, then flags and environment.
func buildConfig(c *cli.Context) (*common.Config, error) {
	cfg := common.NewDefaultConfig()

	if path := c.String("config"); path != "" {
		if err := common.LoadConfigFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if c.IsSet("port") || cfg.Port == 0 {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("targets") {
		cfg.Targets = common.SplitTargets(c.String("targets"))
	}
	if c.IsSet("cache-ttl") {
		cfg.CacheTTL = common.Duration(time.Duration(c.Int64("cache-ttl")) * time.Millisecond)
	}
	if c.IsSet("health-interval") {
		cfg.HealthInterval = common.Duration(time.Duration(c.Int64("health-interval")) * time.Second)
	}
	if c.IsSet("request-timeout") {
		cfg.RequestTimeout = common.Duration(time.Duration(c.Int64("request-timeout")) * time.Second)
	}
	if c.IsSet("cache-max-size") {
		cfg.CacheMaxSize = c.Int("cache-max-size")
	}
	if c.IsSet("token") {
		cfg.Token = c.String("token")
	}
	if c.IsSet("verbose") {
		cfg.Verbose = c.Bool("verbose")
	}

	if c.Bool("healthcheck") {
		// The self probe only needs the port; target validation would
		// reject an otherwise fine invocation inside a container.
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// selfHealthCheck probes the local /health endpoint the way a Docker
// HEALTHCHECK would, without needing curl in the image.
func selfHealthCheck(port int) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned %d: %s", resp.StatusCode, body)
	}
	fmt.Println(string(body))
	return nil
}
