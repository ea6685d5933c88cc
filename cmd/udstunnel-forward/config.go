package main

import (
	"flag"
	"time"
)

// Config holds forwarder runtime configuration.
type Config struct {
	ServerAddr string
	Ticket     string
	ListenAddr string
	Timeout    time.Duration
	Insecure   bool
	Check      bool
	Debug      bool
}

var cfg Config

// init registers all forwarder flags into the default flag set.
func init() {
	flag.StringVar(&cfg.ServerAddr, "server", "", "tunnel server host:port")
	flag.StringVar(&cfg.Ticket, "ticket", "", "48 character ticket issued by the broker")
	flag.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:0", "local address to accept connections on")
	flag.DurationVar(&cfg.Timeout, "timeout", 0, "stop when no connection arrived within this time, and once idle afterwards (0 = run forever)")
	flag.BoolVar(&cfg.Insecure, "insecure", false, "skip tunnel server certificate verification")
	flag.BoolVar(&cfg.Check, "check", false, "run a TEST against the server before listening")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}
