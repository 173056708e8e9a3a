package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miru/anidex/internal"
)

type cli struct {
	Serve serveCmd `cmd:"" default:"withargs" help:"Run the API server."`
}

type serveCmd struct {
	Port          int    `default:"8788" env:"ANIDEX_PORT" help:"Port to listen on."`
	RedisURL      string `env:"ANIDEX_REDIS_URL" help:"Redis URL for the shared cache and rate limit counters."`
	PostgresDSN   string `env:"ANIDEX_POSTGRES_DSN" help:"Postgres DSN for the shared cache, used when Redis isn't configured."`
	FavoritesPath string `default:"favorites.db" env:"ANIDEX_FAVORITES_PATH" help:"Path to the favorites database."`
	UpstreamHost  string `default:"graphql.anilist.co" env:"ANIDEX_UPSTREAM_HOST" help:"Upstream GraphQL host."`
	Environment   string `default:"development" env:"ANIDEX_ENV" help:"Deploy environment. Rate limiting is only enforced in production."`
	Verbose       bool   `short:"v" help:"Enable debug logging."`
}

func main() {
	_ = godotenv.Load()

	parsed := kong.Parse(&cli{},
		kong.Name("anidex"),
		kong.Description("An anime metadata proxy with aggressive caching."),
		kong.UsageOnError(),
	)
	parsed.FatalIfErrorf(parsed.Run())
}

func (c *serveCmd) Run() error {
	if c.Verbose {
		internal.SetLogLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := internal.Log(ctx)
	reg := internal.NewMetrics()

	var redis *internal.RedisStore
	if c.RedisURL != "" {
		var err error
		redis, err = internal.NewRedisStore(ctx, c.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = redis.Close() }()
	}

	var cache *internal.LayeredCache
	switch {
	case redis != nil:
		var err error
		if cache, err = internal.NewCache(redis, reg); err != nil {
			return err
		}
		logger.Info("using redis-backed cache")
	case c.PostgresDSN != "":
		pg, err := internal.NewPGStore(ctx, c.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cache, err = internal.NewCache(pg, reg); err != nil {
			return err
		}
		logger.Info("using postgres-backed cache")
	default:
		var err error
		if cache, err = internal.NewCache(nil, reg); err != nil {
			return err
		}
		logger.Warn("no shared store configured, caching in-process only")
	}

	// Rate limiting needs a shared counter, so it's only enforced when Redis
	// is available and we're running in production.
	enforce := c.Environment == "production"
	var limiter *internal.Limiter
	if redis != nil {
		limiter = internal.NewLimiter(redis, enforce, reg)
	} else {
		limiter = internal.NewLimiter(nil, enforce, reg)
	}

	favStore, err := internal.NewSqliteFavStore(c.FavoritesPath)
	if err != nil {
		return err
	}
	defer func() { _ = favStore.Close() }()

	upstream := internal.NewUpstream(c.UpstreamHost, reg)
	getter := internal.NewAniListGetter(c.UpstreamHost, upstream)
	ctrl := internal.NewController(cache, getter)
	handler := internal.NewHandler(ctrl, limiter, internal.NewFavorites(favStore))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", gzhttp.GzipHandler(handler.Router(reg)))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", server.Addr, "upstream", c.UpstreamHost, "env", c.Environment)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	logger.Info("shut down cleanly")
	return nil
}
