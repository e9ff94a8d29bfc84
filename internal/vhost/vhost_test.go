package vhost

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/matst80/backhaul/internal/registry"
)

func TestDomains(t *testing.T) {
	got, err := Domains([]string{"App.Example.org", "app.example.org."}, "Web", "tunnel.test")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"app.example.org", "web.tunnel.test"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	cases := []struct {
		name    string
		domains []string
		sub     string
		base    string
		want    error
	}{
		{"none", nil, "", "tunnel.test", ErrNoDomain},
		{"no base", nil, "web", "", ErrSubdomainDisabled},
		{"dotted sub", nil, "a.b", "tunnel.test", ErrInvalidSubdomain},
		{"under base", []string{"x.tunnel.test"}, "", "tunnel.test", ErrInvalidDomain},
		{"garbage", []string{"bad host!"}, "", "", ErrInvalidDomain},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Domains(tc.domains, tc.sub, tc.base); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
	if _, err := Domains([]string{"*.apps.example.org"}, "", ""); err != nil {
		t.Fatalf("wildcard rejected: %v", err)
	}
}

func TestSubdomain(t *testing.T) {
	if s, ok := Subdomain("Web.Tunnel.test:8080", "tunnel.test"); !ok || s != "web" {
		t.Fatalf("got %q %v", s, ok)
	}
	for _, h := range []string{"tunnel.test", "a.b.tunnel.test", "web.other.test"} {
		if _, ok := Subdomain(h, "tunnel.test"); ok {
			t.Errorf("%s should not match", h)
		}
	}
}

func TestRouterLookup(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(nil)
	mustRegister := func(name string, hosts ...string) {
		b := &registry.Binding{Name: name, Type: "http"}
		for _, h := range hosts {
			b.Targets = append(b.Targets, registry.HostTarget("http", h))
		}
		if err := reg.Register(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	mustRegister("exact", "api.example.org")
	mustRegister("wild", "*.example.org")
	mustRegister("deep", "*.eu.example.org")

	r := &Router{Kind: "http", Registry: reg}
	for host, want := range map[string]string{
		"API.example.org:80":   "exact",
		"www.example.org":      "wild",
		"cdn.eu.example.org":   "deep",
		"a.b.c.eu.example.org": "deep",
	} {
		b := r.Lookup(host)
		if b == nil || b.Name != want {
			t.Errorf("Lookup(%q) = %v, want %s", host, b, want)
		}
	}
	if r.Lookup("example.org") != nil {
		t.Error("bare parent must not match the wildcard")
	}
	https := &Router{Kind: "https", Registry: reg}
	if https.Lookup("api.example.org") != nil {
		t.Error("http binding served over https")
	}
}

func TestReadSNI(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	go func() {
		c := tls.Client(cli, &tls.Config{ServerName: "app.example.test", InsecureSkipVerify: true})
		_ = c.Handshake()
		_ = cli.Close()
	}()

	name, replay, err := ReadSNI(srv, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if name != "app.example.test" {
		t.Fatalf("sni %q", name)
	}
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(replay, hdr); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if hdr[0] != 0x16 {
		t.Fatalf("replayed bytes do not start a handshake record: %x", hdr)
	}
}

func TestReadSNINotTLS(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	go func() {
		_, _ = cli.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
		_ = cli.Close()
	}()
	if _, _, err := ReadSNI(srv, time.Second); err == nil {
		t.Fatal("expected error for plain http")
	}
}
