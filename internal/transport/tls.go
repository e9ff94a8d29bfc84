package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"

	"github.com/matst80/backhaul/internal/obs"
)

// NewServerTLSConfig creates a TLS configuration for the server. When caFile is set, client
// certificates are required and verified against it (mTLS).
func NewServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" && caFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		obs.Info("tls.mtls_enabled", obs.Fields{"ca_file": caFile})
	}

	return tlsConfig, nil
}

// NewClientTLSConfig creates the client side configuration. certFile/keyFile present a client
// certificate; caFile pins the server CA; an empty caFile with insecure skips verification.
func NewClientTLSConfig(certFile, keyFile, caFile, serverName string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure && caFile == "",
		MinVersion:         tls.VersionTLS12,
	}
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}

// WrapListener returns ln unchanged when tlsConfig is nil, otherwise a TLS listener over it.
func WrapListener(ln net.Listener, tlsConfig *tls.Config) net.Listener {
	if tlsConfig == nil {
		return ln
	}
	return tls.NewListener(ln, tlsConfig)
}

// Listen creates either a plain TCP or TLS listener based on tlsConfig.
func Listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return WrapListener(ln, tlsConfig), nil
}
