package main

import (
	"flag"

	"github.com/matst80/backhaul/internal/config"
)

var (
	cfg        = config.DefaultServerConfig()
	configPath string
)

// init registers flags into the global flag set; main parses them through loadConfig.
func init() {
	flag.StringVar(&configPath, "config", "", "YAML config file; flags given explicitly override its values")
	flag.StringVar(&cfg.BindAddr, "bind-addr", cfg.BindAddr, "address for control and work connections")
	flag.IntVar(&cfg.BindPort, "bind-port", cfg.BindPort, "port for control and work connections")
	flag.IntVar(&cfg.KCPBindPort, "kcp-bind-port", 0, "udp port accepting KCP clients (0 = off)")
	flag.IntVar(&cfg.WebsocketBindPort, "websocket-bind-port", 0, "port accepting websocket clients (0 = off)")
	flag.StringVar(&cfg.ProxyBindAddr, "proxy-bind-addr", "", "address remote ports are opened on (default bind-addr)")
	flag.IntVar(&cfg.VhostHTTPPort, "vhost-http-port", 0, "public port for http proxies (0 = off)")
	flag.IntVar(&cfg.VhostHTTPSPort, "vhost-https-port", 0, "public port for https proxies routed by SNI (0 = off)")
	flag.StringVar(&cfg.SubDomainHost, "subdomain-host", "", "base domain for proxies that ask for a subdomain")
	flag.StringVar(&cfg.AllowPorts, "allow-ports", "", "remote ports clients may use, e.g. 2000-3000,3001")
	flag.IntVar(&cfg.MaxPortsPerClient, "max-ports-per-client", 0, "tcp/udp ports one client may hold (0 = unlimited)")
	flag.IntVar(&cfg.MaxHeaderSize, "max-header-size", cfg.MaxHeaderSize, "maximum HTTP request head on vhost connections")
	flag.BoolVar(&cfg.AddXFF, "add-xff", cfg.AddXFF, "append X-Forwarded-For on http proxies")
	flag.StringVar(&cfg.Auth.Token, "token", "", "shared secret; empty disables authentication")
	flag.BoolVar(&cfg.Auth.AuthenticateNewWorkConns, "auth-work-conns", false, "require credentials on work connections too")
	flag.BoolVar(&cfg.Transport.TCPMux, "tcp-mux", false, "expect yamux-multiplexed client connections")
	flag.DurationVar(&cfg.Transport.HeartbeatInterval, "heartbeat-interval", cfg.Transport.HeartbeatInterval, "expected client ping interval")
	flag.DurationVar(&cfg.Transport.HeartbeatTimeout, "heartbeat-timeout", cfg.Transport.HeartbeatTimeout, "silence after which a client is evicted")
	flag.IntVar(&cfg.Transport.MaxPoolCount, "max-pool-count", cfg.Transport.MaxPoolCount, "cap on idle work connections per client")
	flag.DurationVar(&cfg.Transport.WorkConnTimeout, "work-conn-timeout", cfg.Transport.WorkConnTimeout, "time a user connection waits for a work connection")
	flag.StringVar(&cfg.Transport.TLS.CertFile, "tls-cert", "", "TLS certificate for the control port")
	flag.StringVar(&cfg.Transport.TLS.KeyFile, "tls-key", "", "TLS private key for the control port")
	flag.StringVar(&cfg.Transport.TLS.TrustedCaFile, "tls-ca", "", "CA for client certificates (enables mTLS)")
	flag.StringVar(&cfg.Redis.Addr, "redis-addr", "", "redis address for cross-instance claims (empty = in-memory)")
	flag.StringVar(&cfg.Redis.Password, "redis-password", "", "redis password")
	flag.IntVar(&cfg.Redis.DB, "redis-db", 0, "redis database number")
	flag.Float64Var(&cfg.Limits.LoginRate, "login-rate", 0, "logins per second per remote IP (0 = unlimited)")
	flag.Float64Var(&cfg.Limits.ConnRate, "conn-rate", 0, "new user connections per second per proxy (0 = unlimited)")
	flag.IntVar(&cfg.Limits.RateBurst, "rate-burst", 10, "burst for login-rate and conn-rate")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics and health listen address (empty = off)")
	flag.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "time to drain tunnels after a shutdown signal")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

// loadConfig parses flags and, with -config, loads the file and re-applies the explicitly set flags.
func loadConfig() (config.ServerConfig, error) {
	flag.Parse()
	if configPath != "" {
		explicit := map[string]string{}
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })
		fileCfg, err := config.LoadServer(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = fileCfg
		for name, v := range explicit {
			if err := flag.Set(name, v); err != nil {
				return cfg, err
			}
		}
	}
	cfg.Complete()
	return cfg, cfg.Validate()
}
