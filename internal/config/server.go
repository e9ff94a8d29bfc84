// Package config holds the parsed configuration consumed by the server and client cores.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/matst80/backhaul/internal/ports"
)

type AuthConfig struct {
	Token  string        `yaml:"token"`
	Window time.Duration `yaml:"window"`
	// AuthenticateNewWorkConns also requires a credential on every work connection.
	AuthenticateNewWorkConns bool `yaml:"authenticateNewWorkConns"`
}

type TLSConfig struct {
	Enable        bool   `yaml:"enable"`
	CertFile      string `yaml:"certFile"`
	KeyFile       string `yaml:"keyFile"`
	TrustedCaFile string `yaml:"trustedCaFile"`
	ServerName    string `yaml:"serverName"`
	// InsecureSkipVerify only applies to clients without a trustedCaFile.
	InsecureSkipVerify bool `yaml:"insecureSkipVerify"`
}

type ServerTransport struct {
	TCPMux              bool          `yaml:"tcpMux"`
	TCPMuxKeepAlive     time.Duration `yaml:"tcpMuxKeepaliveInterval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeatTimeout"`
	MaxPoolCount        int           `yaml:"maxPoolCount"`
	WorkConnTimeout     time.Duration `yaml:"workConnTimeout"`
	WorkConnIdleTimeout time.Duration `yaml:"workConnIdleTimeout"`
	TLS                 TLSConfig     `yaml:"tls"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	ClaimTTL time.Duration `yaml:"claimTTL"`
}

type LimitsConfig struct {
	// LoginRate is logins per second allowed from one remote IP (0 = unlimited).
	LoginRate float64 `yaml:"loginRate"`
	// ConnRate is user connections per second allowed per proxy (0 = unlimited).
	ConnRate  float64 `yaml:"connRate"`
	RateBurst int     `yaml:"rateBurst"`
}

// ServerConfig is everything the tunnel server needs.
type ServerConfig struct {
	BindAddr          string          `yaml:"bindAddr"`
	BindPort          int             `yaml:"bindPort"`
	KCPBindPort       int             `yaml:"kcpBindPort"`
	WebsocketBindPort int             `yaml:"websocketBindPort"`
	ProxyBindAddr     string          `yaml:"proxyBindAddr"`
	VhostHTTPPort     int             `yaml:"vhostHTTPPort"`
	VhostHTTPSPort    int             `yaml:"vhostHTTPSPort"`
	VhostHTTPTimeout  time.Duration   `yaml:"vhostHTTPTimeout"`
	SubDomainHost     string          `yaml:"subDomainHost"`
	AllowPorts        string          `yaml:"allowPorts"`
	MaxPortsPerClient int             `yaml:"maxPortsPerClient"`
	MaxHeaderSize     int             `yaml:"maxHeaderSize"`
	AddXFF            bool            `yaml:"addXForwardedFor"`
	Auth              AuthConfig      `yaml:"auth"`
	Transport         ServerTransport `yaml:"transport"`
	Redis             RedisConfig     `yaml:"redis"`
	Limits            LimitsConfig    `yaml:"limits"`
	MetricsAddr       string          `yaml:"metricsAddr"`
	GracePeriod       time.Duration   `yaml:"gracePeriod"`
	Debug             bool            `yaml:"debug"`
}

// DefaultServerConfig returns the defaults used when a field is left unset.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddr:         "0.0.0.0",
		BindPort:         7000,
		VhostHTTPTimeout: 60 * time.Second,
		MaxHeaderSize:    32 * 1024,
		AddXFF:           true,
		Transport: ServerTransport{
			TCPMuxKeepAlive:     30 * time.Second,
			HeartbeatInterval:   30 * time.Second,
			HeartbeatTimeout:    90 * time.Second,
			MaxPoolCount:        5,
			WorkConnTimeout:     10 * time.Second,
			WorkConnIdleTimeout: 60 * time.Second,
		},
		MetricsAddr: ":9100",
		GracePeriod: 10 * time.Second,
	}
}

// Complete fills zero values from DefaultServerConfig.
func (c *ServerConfig) Complete() {
	d := DefaultServerConfig()
	if c.BindAddr == "" {
		c.BindAddr = d.BindAddr
	}
	if c.BindPort == 0 {
		c.BindPort = d.BindPort
	}
	if c.ProxyBindAddr == "" {
		c.ProxyBindAddr = c.BindAddr
	}
	if c.VhostHTTPTimeout == 0 {
		c.VhostHTTPTimeout = d.VhostHTTPTimeout
	}
	if c.MaxHeaderSize == 0 {
		c.MaxHeaderSize = d.MaxHeaderSize
	}
	t := &c.Transport
	if t.TCPMuxKeepAlive == 0 {
		t.TCPMuxKeepAlive = d.Transport.TCPMuxKeepAlive
	}
	if t.HeartbeatInterval == 0 {
		t.HeartbeatInterval = d.Transport.HeartbeatInterval
	}
	if t.HeartbeatTimeout == 0 {
		t.HeartbeatTimeout = 3 * t.HeartbeatInterval
	}
	if t.MaxPoolCount == 0 {
		t.MaxPoolCount = d.Transport.MaxPoolCount
	}
	if t.WorkConnTimeout == 0 {
		t.WorkConnTimeout = d.Transport.WorkConnTimeout
	}
	if t.WorkConnIdleTimeout == 0 {
		t.WorkConnIdleTimeout = d.Transport.WorkConnIdleTimeout
	}
	if c.Redis.ClaimTTL == 0 {
		c.Redis.ClaimTTL = 2 * t.HeartbeatTimeout
	}
}

// Validate reports configuration that cannot work.
func (c *ServerConfig) Validate() error {
	var errs []error
	for name, p := range map[string]int{
		"bindPort": c.BindPort, "kcpBindPort": c.KCPBindPort, "websocketBindPort": c.WebsocketBindPort,
		"vhostHTTPPort": c.VhostHTTPPort, "vhostHTTPSPort": c.VhostHTTPSPort,
	} {
		if p < 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, p))
		}
	}
	if c.Transport.HeartbeatTimeout <= c.Transport.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("heartbeatTimeout %s must exceed heartbeatInterval %s",
			c.Transport.HeartbeatTimeout, c.Transport.HeartbeatInterval))
	}
	if _, err := ports.ParseRanges(c.AllowPorts); err != nil {
		errs = append(errs, fmt.Errorf("allowPorts: %w", err))
	}
	tls := c.Transport.TLS
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, errors.New("transport.tls needs both certFile and keyFile"))
	}
	return errors.Join(errs...)
}
