package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/openuds/udstunnel/internal/config"
)

// Flags holds the command line. Everything else comes from the config file.
type Flags struct {
	Tunnel        bool
	Stats         bool
	DetailedStats bool
	ConfigPath    string
	IPv6          bool
}

var flags Flags

// init registers flags into the global flag set. main() parses them.
func init() {
	flag.BoolVar(&flags.Tunnel, "tunnel", false, "start the tunnel server")
	flag.BoolVar(&flags.Tunnel, "t", false, "shorthand for --tunnel")
	flag.BoolVar(&flags.Stats, "stats", false, "print global stats from the RUNNING tunnel")
	flag.BoolVar(&flags.Stats, "s", false, "shorthand for --stats")
	flag.BoolVar(&flags.DetailedStats, "detailed-stats", false, "print detailed stats from the RUNNING tunnel")
	flag.BoolVar(&flags.DetailedStats, "d", false, "shorthand for --detailed-stats")
	flag.StringVar(&flags.ConfigPath, "config", config.DefaultPath, "config file path")
	flag.StringVar(&flags.ConfigPath, "c", config.DefaultPath, "shorthand for --config")
	flag.BoolVar(&flags.IPv6, "ipv6", false, "listen on IPv6 and prefer IPv6 backends")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-t | -s | -d] [-c config] [--ipv6]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

// mode returns the single action requested, or "" when none or more than one was given.
func (f Flags) mode() string {
	var picked []string
	if f.Tunnel {
		picked = append(picked, "tunnel")
	}
	if f.Stats {
		picked = append(picked, "stats")
	}
	if f.DetailedStats {
		picked = append(picked, "detailed-stats")
	}
	if len(picked) != 1 {
		return ""
	}
	return picked[0]
}

func loadConfig(f Flags) (config.ServerConfig, error) {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return config.ServerConfig{}, err
	}
	if f.IPv6 && !cfg.IPv6 {
		cfg.IPv6 = true
		if cfg.ListenAddress == "0.0.0.0" {
			cfg.ListenAddress = "::"
		}
	}
	return cfg, nil
}
