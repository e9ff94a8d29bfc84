// Package vhost maps the host a user asked for, from an HTTP Host header or a TLS SNI, to the
// binding that serves it.
package vhost

import (
	"errors"
	"fmt"
	"strings"

	"github.com/matst80/backhaul/internal/httpx"
	"github.com/matst80/backhaul/internal/registry"
)

var (
	ErrNoDomain          = errors.New("customDomains or subdomain required")
	ErrSubdomainDisabled = errors.New("subdomain requires subDomainHost on the server")
	ErrInvalidSubdomain  = errors.New("invalid subdomain")
	ErrInvalidDomain     = errors.New("invalid domain")
)

// Domains returns the host names a vhost proxy serves: its custom domains plus
// <subdomain>.<subDomainHost>. Names are normalized and deduplicated.
func Domains(customDomains []string, subdomain, subDomainHost string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(h string) {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	base := httpx.NormalizeHost(subDomainHost)
	for _, d := range customDomains {
		h := httpx.NormalizeHost(d)
		if !validHost(h) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, d)
		}
		// names under subDomainHost are handed out through subdomain only
		if base != "" && strings.HasSuffix(h, "."+base) {
			return nil, fmt.Errorf("%w: %q is under %s, use subdomain", ErrInvalidDomain, d, base)
		}
		add(h)
	}
	if subdomain != "" {
		if base == "" {
			return nil, ErrSubdomainDisabled
		}
		sub := strings.ToLower(subdomain)
		if strings.ContainsAny(sub, ".*:/") || !validHost(sub) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSubdomain, subdomain)
		}
		add(sub + "." + base)
	}
	if len(out) == 0 {
		return nil, ErrNoDomain
	}
	return out, nil
}

func validHost(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	labels := strings.Split(h, ".")
	for i, l := range labels {
		if l == "" || len(l) > 63 {
			return false
		}
		if l == "*" && i == 0 && len(labels) > 1 {
			continue
		}
		for _, r := range l {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
				return false
			}
		}
	}
	return true
}

// Subdomain returns the first label of host when host sits directly under base.
func Subdomain(host, base string) (string, bool) {
	host, base = httpx.NormalizeHost(host), httpx.NormalizeHost(base)
	if base == "" || !strings.HasSuffix(host, "."+base) {
		return "", false
	}
	sub := strings.TrimSuffix(host, "."+base)
	if sub == "" || strings.Contains(sub, ".") {
		return "", false
	}
	return sub, true
}

// Router resolves hosts against the registry's vhost targets.
type Router struct {
	Kind     string // proto.ProxyHTTP or proto.ProxyHTTPS
	Registry *registry.Registry
}

// Lookup finds the binding for host. An exact name wins; otherwise wildcard domains such as
// *.example.com are tried from the most specific parent upwards.
func (r *Router) Lookup(host string) *registry.Binding {
	host = httpx.NormalizeHost(host)
	if host == "" {
		return nil
	}
	if b := r.Registry.LookupByTarget(registry.HostTarget(r.Kind, host)); b != nil {
		return b
	}
	labels := strings.Split(host, ".")
	for i := 1; i < len(labels); i++ {
		wild := "*." + strings.Join(labels[i:], ".")
		if b := r.Registry.LookupByTarget(registry.HostTarget(r.Kind, wild)); b != nil {
			return b
		}
	}
	return nil
}
