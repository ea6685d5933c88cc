package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/openuds/udstunnel/internal/client"
	"github.com/openuds/udstunnel/internal/config"
	"github.com/openuds/udstunnel/internal/stats"
)

const statsTimeout = 10 * time.Second

// printStats reads the running server's table without touching it.
func printStats(f Flags, out io.Writer) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	lines, err := fetchStats(ctx, cfg, f.DetailedStats)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Fprintln(out, l)
	}
	return nil
}

func fetchStats(ctx context.Context, cfg config.ServerConfig, detailed bool) ([]string, error) {
	if cfg.RedisAddress != "" {
		store, err := stats.NewStore(ctx, stats.StoreConfig{
			RedisAddress:  cfg.RedisAddress,
			RedisPassword: cfg.RedisPassword,
			RedisDB:       cfg.RedisDB,
			Prefix:        cfg.RedisPrefix,
		}, nil)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		report, err := store.Report(ctx)
		if err != nil {
			return nil, err
		}
		return report.Lines(detailed), nil
	}
	d := client.Dialer{Addr: cfg.LocalAddr(), Timeout: statsTimeout}
	if cfg.TLSEnabled() {
		// Local loopback to our own listener; the certificate names the public host.
		d.TLS = &tls.Config{InsecureSkipVerify: true}
	}
	return d.QueryStats(ctx, cfg.Secret, detailed)
}
