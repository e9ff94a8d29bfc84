package main

import (
	"flag"
	"net"
	"strconv"
	"strings"

	"github.com/matst80/backhaul/internal/config"
)

// proxyFlags describe one proxy given on the command line, in addition to any from -config.
type proxyFlags struct {
	Name        string
	Type        string
	Local       string
	RemotePort  int
	Domains     string
	Subdomain   string
	HostRewrite string
	Compress    bool
}

var (
	cfg        = config.DefaultClientConfig()
	configPath string
	pf         proxyFlags
)

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&configPath, "config", "", "YAML config file; flags given explicitly override its values")
	flag.StringVar(&cfg.ServerAddr, "server-addr", cfg.ServerAddr, "server host")
	flag.IntVar(&cfg.ServerPort, "server-port", cfg.ServerPort, "server control port")
	flag.StringVar(&cfg.User, "user", "", "user name reported at login")
	flag.StringVar(&cfg.Auth.Token, "token", "", "shared secret token")
	flag.StringVar(&cfg.Transport.Protocol, "protocol", cfg.Transport.Protocol, "transport: tcp, kcp or websocket")
	flag.BoolVar(&cfg.Transport.TCPMux, "tcp-mux", false, "multiplex all connections over one yamux session")
	flag.IntVar(&cfg.Transport.PoolCount, "pool-count", cfg.Transport.PoolCount, "idle work connections to keep ready")
	flag.DurationVar(&cfg.Transport.HeartbeatInterval, "heartbeat-interval", cfg.Transport.HeartbeatInterval, "ping interval")
	flag.DurationVar(&cfg.Transport.HeartbeatTimeout, "heartbeat-timeout", cfg.Transport.HeartbeatTimeout, "reconnect after this long without a pong")
	flag.BoolVar(&cfg.Transport.TLS.Enable, "tls", false, "use TLS to the server")
	flag.StringVar(&cfg.Transport.TLS.CertFile, "tls-cert", "", "client certificate for mTLS")
	flag.StringVar(&cfg.Transport.TLS.KeyFile, "tls-key", "", "client key for mTLS")
	flag.StringVar(&cfg.Transport.TLS.TrustedCaFile, "tls-ca", "", "CA to verify the server with")
	flag.StringVar(&cfg.Transport.TLS.ServerName, "tls-server-name", "", "expected server name")
	flag.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "wait between reconnect attempts")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")

	flag.StringVar(&pf.Name, "name", "", "publish one proxy with this name")
	flag.StringVar(&pf.Type, "type", "tcp", "proxy type: tcp, udp, http or https")
	flag.StringVar(&pf.Local, "local", "127.0.0.1:3000", "local address to expose")
	flag.IntVar(&pf.RemotePort, "remote-port", 0, "remote port for tcp/udp (0 = server picks)")
	flag.StringVar(&pf.Domains, "domains", "", "comma separated custom domains for http/https")
	flag.StringVar(&pf.Subdomain, "subdomain", "", "subdomain of the server's subdomain host")
	flag.StringVar(&pf.HostRewrite, "host-rewrite", "", "rewrite Host header to this value (http only)")
	flag.BoolVar(&pf.Compress, "compress", false, "snappy-compress the proxy's work connections")
}

func (p proxyFlags) proxy() (config.ProxyConfig, error) {
	host, port, err := net.SplitHostPort(p.Local)
	if err != nil {
		return config.ProxyConfig{}, err
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return config.ProxyConfig{}, err
	}
	out := config.ProxyConfig{
		Name:              p.Name,
		Type:              p.Type,
		LocalIP:           host,
		LocalPort:         n,
		RemotePort:        p.RemotePort,
		SubDomain:         p.Subdomain,
		UseCompression:    p.Compress,
		HostHeaderRewrite: p.HostRewrite,
	}
	for _, d := range strings.Split(p.Domains, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out.CustomDomains = append(out.CustomDomains, d)
		}
	}
	return out, nil
}

// loadConfig parses flags, merges the optional file and appends the -name proxy.
func loadConfig() (config.ClientConfig, error) {
	flag.Parse()
	if configPath != "" {
		explicit := map[string]string{}
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })
		fileCfg, err := config.LoadClient(configPath)
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
	if pf.Name != "" {
		p, err := pf.proxy()
		if err != nil {
			return cfg, err
		}
		cfg.Proxies = append(cfg.Proxies, p)
	}
	cfg.Complete()
	return cfg, cfg.Validate()
}
