package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/matst80/backhaul/internal/proto"
)

// ProxyConfig declares one service the client publishes.
type ProxyConfig struct {
	Name              string   `yaml:"name"`
	Type              string   `yaml:"type"`
	LocalIP           string   `yaml:"localIP"`
	LocalPort         int      `yaml:"localPort"`
	RemotePort        int      `yaml:"remotePort"`
	CustomDomains     []string `yaml:"customDomains"`
	SubDomain         string   `yaml:"subdomain"`
	UseCompression    bool     `yaml:"useCompression"`
	HostHeaderRewrite string   `yaml:"hostHeaderRewrite"`
	// BandwidthLimit in bytes per second, applied by the server on both directions.
	BandwidthLimit int64 `yaml:"bandwidthLimit"`
}

// LocalAddr is the address of the exposed local service.
func (p ProxyConfig) LocalAddr() string {
	return net.JoinHostPort(p.LocalIP, strconv.Itoa(p.LocalPort))
}

type ClientTransport struct {
	Protocol          string        `yaml:"protocol"`
	TCPMux            bool          `yaml:"tcpMux"`
	TCPMuxKeepAlive   time.Duration `yaml:"tcpMuxKeepaliveInterval"`
	PoolCount         int           `yaml:"poolCount"`
	DialTimeout       time.Duration `yaml:"dialServerTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	TLS               TLSConfig     `yaml:"tls"`
}

// ClientConfig is everything the tunnel client needs.
type ClientConfig struct {
	ServerAddr     string          `yaml:"serverAddr"`
	ServerPort     int             `yaml:"serverPort"`
	User           string          `yaml:"user"`
	Auth           AuthConfig      `yaml:"auth"`
	Transport      ClientTransport `yaml:"transport"`
	Proxies        []ProxyConfig   `yaml:"proxies"`
	ReconnectDelay time.Duration   `yaml:"reconnectDelay"`
	Debug          bool            `yaml:"debug"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerAddr: "127.0.0.1",
		ServerPort: 7000,
		Transport: ClientTransport{
			Protocol:          "tcp",
			TCPMuxKeepAlive:   30 * time.Second,
			PoolCount:         1,
			DialTimeout:       10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  90 * time.Second,
		},
		ReconnectDelay: 2 * time.Second,
	}
}

// ServerAddress joins ServerAddr and ServerPort.
func (c *ClientConfig) ServerAddress() string {
	return net.JoinHostPort(c.ServerAddr, strconv.Itoa(c.ServerPort))
}

// Complete fills zero values from DefaultClientConfig.
func (c *ClientConfig) Complete() {
	d := DefaultClientConfig()
	if c.ServerAddr == "" {
		c.ServerAddr = d.ServerAddr
	}
	if c.ServerPort == 0 {
		c.ServerPort = d.ServerPort
	}
	t := &c.Transport
	if t.Protocol == "" {
		t.Protocol = d.Transport.Protocol
	}
	if t.TCPMuxKeepAlive == 0 {
		t.TCPMuxKeepAlive = d.Transport.TCPMuxKeepAlive
	}
	if t.DialTimeout == 0 {
		t.DialTimeout = d.Transport.DialTimeout
	}
	if t.HeartbeatInterval == 0 {
		t.HeartbeatInterval = d.Transport.HeartbeatInterval
	}
	if t.HeartbeatTimeout == 0 {
		t.HeartbeatTimeout = 3 * t.HeartbeatInterval
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	for i := range c.Proxies {
		p := &c.Proxies[i]
		if p.Type == "" {
			p.Type = proto.ProxyTCP
		}
		if p.LocalIP == "" {
			p.LocalIP = "127.0.0.1"
		}
	}
}

func (c *ClientConfig) Validate() error {
	var errs []error
	switch c.Transport.Protocol {
	case "tcp", "kcp", "websocket":
	default:
		errs = append(errs, fmt.Errorf("unsupported transport.protocol %q", c.Transport.Protocol))
	}
	names := map[string]bool{}
	for _, p := range c.Proxies {
		if p.Name == "" {
			errs = append(errs, errors.New("proxy without name"))
			continue
		}
		if names[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate proxy name %q", p.Name))
		}
		names[p.Name] = true
		if p.LocalPort < 1 || p.LocalPort > 65535 {
			errs = append(errs, fmt.Errorf("proxy %q: localPort %d out of range", p.Name, p.LocalPort))
		}
		switch p.Type {
		case proto.ProxyTCP, proto.ProxyUDP:
			if p.RemotePort < 0 || p.RemotePort > 65535 {
				errs = append(errs, fmt.Errorf("proxy %q: remotePort %d out of range", p.Name, p.RemotePort))
			}
		case proto.ProxyHTTP, proto.ProxyHTTPS:
			if len(p.CustomDomains) == 0 && p.SubDomain == "" {
				errs = append(errs, fmt.Errorf("proxy %q: customDomains or subdomain required", p.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("proxy %q: unknown type %q", p.Name, p.Type))
		}
	}
	return errors.Join(errs...)
}
