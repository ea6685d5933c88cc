package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/openuds/udstunnel/internal/config"
	"github.com/openuds/udstunnel/internal/obs"
	"github.com/openuds/udstunnel/internal/server"
	"github.com/openuds/udstunnel/internal/stats"
)

func main() {
	flag.Parse()
	switch flags.mode() {
	case "tunnel":
		if err := runTunnel(flags); err != nil {
			obs.Error("server.fatal", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
	case "stats", "detailed-stats":
		if err := printStats(flags, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "stats:", err)
			os.Exit(1)
		}
	default:
		flag.Usage()
	}
}

func setupLogging(cfg config.ServerConfig) (func(), error) {
	level, err := obs.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	obs.SetLevel(level)
	if cfg.LogFile == "" {
		return func() {}, nil
	}
	w, err := obs.OpenFile(cfg.LogFile, cfg.LogSize, cfg.LogNumber)
	if err != nil {
		return nil, err
	}
	return func() { _ = w.Close() }, nil
}

func runTunnel(f Flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	obs.Info("server.start", obs.Fields{"listen": cfg.ListenAddr(), "workers": cfg.Workers, "uds_server": cfg.UDSServer, "metrics": cfg.MetricsAddress})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	store, err := stats.NewStore(ctx, stats.StoreConfig{
		RedisAddress:  cfg.RedisAddress,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		Prefix:        cfg.RedisPrefix,
		FlushInterval: cfg.StatsFlushInterval.Duration,
	}, collector)
	if err != nil {
		return fmt.Errorf("stats store: %w", err)
	}
	defer store.Close()

	srv, err := server.New(cfg, collector, server.WithStore(store))
	if err != nil {
		return err
	}
	// Bind while still privileged.
	if err := srv.Listen(); err != nil {
		return err
	}
	if cfg.User != "" {
		if err := dropPrivileges(cfg.User); err != nil {
			return err
		}
	}
	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			return err
		}
		defer removePidFile(cfg.PidFile)
	}

	health := &healthState{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Serve(gctx)
		health.closing.Store(true)
		return err
	})
	if cfg.MetricsAddress != "" {
		g.Go(func() error { return runMetricsServer(gctx, cfg.MetricsAddress, srv, health) })
	}
	g.Go(func() error { return stats.RunFlusher(gctx, store, cfg.StatsFlushInterval.Duration) })
	health.ready.Store(true)
	obs.Info("server.ready", obs.Fields{"addr": srv.Addr().String()})

	<-gctx.Done()
	health.closing.Store(true)
	obs.Info("server.shutdown.signal", obs.Fields{})
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	obs.Info("server.exit", obs.Fields{})
	return nil
}
