package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/showport/internal/client"
	"github.com/matst80/showport/internal/obs"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if err := cfg.validate(); err != nil {
		obs.Error("client.config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	obs.Info("client.start", obs.Fields{"server": cfg.ServerAddr, "port": cfg.Port, "target": cfg.Target})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := client.Run(ctx, cfg.clientConfig(), func(port uint16) {
		obs.Info("client.public_port", obs.Fields{"port": port})
	})
	if err != nil {
		obs.Error("client.run", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("client.shutdown", obs.Fields{})
}
