package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucerna-labs/sockguard/internal/audit"
	"github.com/lucerna-labs/sockguard/internal/config"
	"github.com/lucerna-labs/sockguard/internal/geoip"
	"github.com/lucerna-labs/sockguard/internal/policy"
	"github.com/lucerna-labs/sockguard/internal/supervisor"
	"github.com/lucerna-labs/sockguard/internal/telemetry"
)

const logo = `
  ___  ___   ___ _  _____ _  _   _   ___ ___
 / __|/ _ \ / __| |/ / __| || | /_\ | _ \   \
 \__ \ (_) | (__| ' <\__ \ __ |/ _ \|   / |) |
 |___/\___/ \___|_|\_\___/_||_/_/ \_\_|_\___/
   ~~ filtering SOCKS5 proxy ~~`

// Run parses flags, loads config, wires every component and blocks
// until the process is asked to stop (§6: the binary's job is wiring,
// not policy).
func Run(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "configs/sockguard.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.ParseLogLevel()}))

	fmt.Println(logo)
	logger.Info("starting sockguard")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	policyStore, err := config.NewPolicyStore(cfg.Policy.Path, logger)
	if err != nil {
		logger.Error("failed to load policy file", "err", err)
		os.Exit(1)
	}
	policyStore.StartReload(ctx, secondsOrDefault(cfg.Policy.ReloadSeconds, 10))

	var countrySource policy.CountrySource
	if cfg.GeoIP.Path != "" {
		db, err := geoip.Open(cfg.GeoIP.Path, logger)
		if err != nil {
			logger.Error("failed to load geoip database", "err", err)
			os.Exit(1)
		}
		db.StartRefresh(ctx, secondsOrDefault(cfg.GeoIP.RefreshSeconds, 86400))
		countrySource = geoip.NewSource(db, cfg.GeoIP.BlockedCountries)
	}

	filter := policy.New(policyStore, countrySource)

	var auditStore *audit.Store
	if cfg.Audit.Path != "" {
		auditStore, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			logger.Error("failed to open audit database", "err", err)
			os.Exit(1)
		}
		defer auditStore.Close()
	}

	var push *telemetry.PushServer
	if cfg.Telemetry.PushListen != "" {
		push = telemetry.NewPushServer(logger)
		mux := http.NewServeMux()
		mux.Handle("/", push)
		go func() {
			logger.Info("starting telemetry push server", "addr", cfg.Telemetry.PushListen)
			if err := http.ListenAndServe(cfg.Telemetry.PushListen, mux); err != nil {
				logger.Error("telemetry push server failed", "err", err)
			}
		}()
	}

	if cfg.Observability.Listen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Info("starting observability server", "addr", cfg.Observability.Listen)
			if err := http.ListenAndServe(cfg.Observability.Listen, mux); err != nil {
				logger.Error("observability server failed", "err", err)
			}
		}()
	}

	sup, err := supervisor.New(supervisor.Config{
		ListenAddr:     cfg.Listen,
		MaxConnections: cfg.MaxConnections,
		TelemetryPath:  cfg.Telemetry.Path,
		Audit:          auditStore,
		Push:           push,
		Filter:         filter,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to build supervisor", "err", err)
		os.Exit(1)
	}

	if err := sup.Start(func(addr net.Addr) {
		logger.Info("listening", "addr", addr.String())
	}); err != nil {
		logger.Error("failed to start supervisor", "err", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if err := sup.Stop(); err != nil {
		logger.Error("error stopping supervisor", "err", err)
	}
}

func secondsOrDefault(seconds, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}
