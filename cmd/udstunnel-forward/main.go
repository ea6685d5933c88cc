package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openuds/udstunnel/internal/obs"
	"github.com/openuds/udstunnel/internal/proto"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if cfg.ServerAddr == "" || len(cfg.Ticket) != proto.TicketLength {
		fmt.Fprintf(os.Stderr, "-server and a %d character -ticket are required\n", proto.TicketLength)
		flag.Usage()
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fw := NewForwarder(cfg)
	if cfg.Check {
		if err := fw.dialer.Test(ctx); err != nil {
			obs.Error("forward.check", obs.Fields{"err": err.Error(), "server": cfg.ServerAddr})
			os.Exit(1)
		}
		obs.Info("forward.check.ok", obs.Fields{"server": cfg.ServerAddr})
	}
	addr, err := fw.Listen(cfg.ListenAddr)
	if err != nil {
		obs.Error("forward.listen", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		os.Exit(1)
	}
	obs.Info("forward.listen", obs.Fields{"addr": addr.String(), "server": cfg.ServerAddr})
	// The launching client reads the port from stdout.
	fmt.Println(addr.String())
	if err := fw.Run(ctx); err != nil {
		obs.Error("forward.run", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}
