package main

import (
	"testing"

	"github.com/matst80/backhaul/internal/proto"
)

func TestProxyFlags(t *testing.T) {
	p, err := proxyFlags{Name: "site", Type: proto.ProxyHTTP, Local: "10.0.0.2:8080", Domains: "a.test, b.test,", HostRewrite: "local"}.proxy()
	if err != nil {
		t.Fatal(err)
	}
	if p.LocalIP != "10.0.0.2" || p.LocalPort != 8080 || len(p.CustomDomains) != 2 || p.CustomDomains[1] != "b.test" || p.HostHeaderRewrite != "local" {
		t.Fatalf("proxy %+v", p)
	}
	if _, err := (proxyFlags{Name: "x", Local: "nope"}).proxy(); err == nil {
		t.Fatal("expected error for bad local address")
	}
}
