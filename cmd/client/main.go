package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/backhaul/internal/client"
	"github.com/matst80/backhaul/internal/obs"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		obs.Error("config", obs.Fields{"err": err})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	names := make([]string, 0, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		names = append(names, p.Name)
	}
	obs.Info("client.start", obs.Fields{"server": cfg.ServerAddress(), "protocol": cfg.Transport.Protocol, "proxies": names})

	c, err := client.New(cfg)
	if err != nil {
		obs.Error("client.init", obs.Fields{"err": err})
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	_ = c.Run(ctx)
	obs.Info("client.stopped", obs.Fields{})
}
