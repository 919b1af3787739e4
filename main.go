package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/goodlucknow/kodi2home/backoff"
	"github.com/goodlucknow/kodi2home/bridge"
	"github.com/goodlucknow/kodi2home/config"
	"github.com/goodlucknow/kodi2home/homeassistant"
	"github.com/goodlucknow/kodi2home/kodi"
	"github.com/goodlucknow/kodi2home/queue"
	"github.com/goodlucknow/kodi2home/web"
)

func main() {
	var (
		configPath string
		token      string
		logLevel   string
	)
	pflag.StringVar(&configPath, "config", "options.json", "path to JSON configuration file")
	pflag.StringVar(&token, "token", os.Getenv("KODI2HOME_TOKEN"), "Home Assistant long-lived access token")
	pflag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pflag.Parse()

	logger := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(logLevel)})
	slog.SetDefault(slog.New(logger))

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}
	cfg.Token = token
	if cfg.Token == "" {
		slog.Error("No Home Assistant access token provided (use --token or KODI2HOME_TOKEN)")
		os.Exit(1)
	}

	if cfg.KodiAddress == "" {
		service, err := kodi.Discover(5 * time.Second)
		if err != nil {
			slog.Error("No kodi_adress configured and discovery failed", "error", err)
			os.Exit(1)
		}
		cfg.KodiAddress = service.Address
		cfg.KodiWSPort = service.Port
	}

	policy := backoff.Policy{Min: cfg.RetryMin(), Max: cfg.RetryMax()}

	source := kodi.New(cfg.KodiAddress, cfg.KodiWSPort, cfg.KodiUsername, cfg.KodiPassword, policy)
	source.SetPingInterval(cfg.PingIntervalDuration())

	sink := homeassistant.New(cfg.HomeURL(), cfg.Token, policy)

	q := queue.New(cfg.QueueSize)
	b := bridge.New(source, sink, q)

	if err := source.OnNotification(b.HandleNotification); err != nil {
		slog.Error("Failed to register notification handler", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WebListen != "" {
		server := web.NewServer(cfg.WebListen, b)
		go func() {
			if err := server.Start(); err != nil {
				slog.Error("Status server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	if err := b.Run(ctx); err != nil {
		slog.Error("Bridge stopped", "error", err)
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
