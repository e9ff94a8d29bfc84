package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/server"
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
	obs.Info("server.start", obs.Fields{
		"bind": cfg.BindAddr, "port": cfg.BindPort, "kcp": cfg.KCPBindPort, "websocket": cfg.WebsocketBindPort,
		"vhost_http": cfg.VhostHTTPPort, "vhost_https": cfg.VhostHTTPSPort, "metrics": cfg.MetricsAddr,
	})

	svc, err := server.New(cfg)
	if err != nil {
		obs.Error("server.init", obs.Fields{"err": err})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go startMetricsServer(ctx, cfg.MetricsAddr, svc)
	}
	if err := svc.Run(ctx); err != nil {
		obs.Error("server.run", obs.Fields{"err": err})
		os.Exit(1)
	}
}
