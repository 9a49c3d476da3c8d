// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func parseCIDRs(t *testing.T, cidrs ...string) []*net.IPNet {
	t.Helper()
	var result []*net.IPNet
	for _, s := range cidrs {
		_, cidr, err := net.ParseCIDR(s)
		if err != nil {
			t.Fatalf("invalid test CIDR %q: %v", s, err)
		}
		result = append(result, cidr)
	}
	return result
}

func TestACL_Allowed(t *testing.T) {
	cases := []struct {
		name    string
		cidrs   []string
		remote  string
		allowed bool
	}{
		{"uploader on loopback", []string{"127.0.0.1/32"}, "127.0.0.1:54321", true},
		{"monitoring subnet only", []string{"10.20.0.0/16"}, "127.0.0.1:54321", false},
		{"dashboard host inside /24", []string{"192.168.1.0/24"}, "192.168.1.100:80", true},
		{"dashboard host outside /24", []string{"192.168.1.0/24"}, "192.168.2.1:80", false},
		{"any of several networks", []string{"10.0.0.0/8", "192.168.1.0/24"}, "192.168.1.50:80", true},
		{"ipv6 loopback", []string{"::1/128"}, "[::1]:8080", true},
		{"ipv4-mapped client", []string{"127.0.0.0/8"}, "[::ffff:127.0.0.1]:8080", true},
		{"no allow_origins", nil, "127.0.0.1:80", false},
		{"bare IP", []string{"127.0.0.1/32"}, "127.0.0.1", true},
		{"hostname is not an address", []string{"127.0.0.1/32"}, "localhost:80", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			acl := NewACL(parseCIDRs(t, tc.cidrs...))
			if got := acl.Allowed(tc.remote); got != tc.allowed {
				t.Errorf("Allowed(%q) = %v, want %v", tc.remote, got, tc.allowed)
			}
		})
	}
}

func TestACL_MiddlewareCountsDenied(t *testing.T) {
	acl := NewACL(parseCIDRs(t, "127.0.0.1/32"))
	handler := acl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/abc/progress", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve("127.0.0.1:12345"); code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", code)
	}
	for _, remote := range []string{"10.0.0.1:12345", "10.0.0.2:12345"} {
		if code := serve(remote); code != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", remote, code)
		}
	}
	if got := acl.Denied(); got != 2 {
		t.Errorf("expected 2 denied requests, got %d", got)
	}
}
