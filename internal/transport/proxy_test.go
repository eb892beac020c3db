package transport

import (
	"net/http"
	"testing"
)

func TestProxyFunc(t *testing.T) {
	proxy, err := proxyFunc("http://proxy.corp:3128", "internal.corp,.lan")
	if err != nil {
		t.Fatalf("proxyFunc() error = %v", err)
	}

	tests := []struct {
		target    string
		wantProxy bool
	}{
		{"https://hub.example.com/pfd", true},
		{"http://hub.example.com/pfd", true},
		{"https://internal.corp/pfd", false},
		{"https://node.lan/pfd", false},
		{"https://127.0.0.1:8443/pfd", false},
	}

	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodGet, tt.target, nil)
		u, err := proxy(req)
		if err != nil {
			t.Errorf("proxy(%s) error = %v", tt.target, err)
			continue
		}
		if got := u != nil; got != tt.wantProxy {
			t.Errorf("proxy(%s) = %v, want proxied %v", tt.target, u, tt.wantProxy)
			continue
		}
		if u != nil && u.Host != "proxy.corp:3128" {
			t.Errorf("proxy(%s) host = %q", tt.target, u.Host)
		}
	}
}

func TestProxyFunc_Invalid(t *testing.T) {
	for _, raw := range []string{"://bad", "proxy-without-scheme"} {
		if _, err := proxyFunc(raw, ""); err == nil {
			t.Errorf("proxyFunc(%q) succeeded", raw)
		}
	}
}
