package utils

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		realIP     string
		trustProxy bool
		want       string
	}{
		{"remote addr", "10.0.0.5:4321", "", "", false, "10.0.0.5"},
		{"xff ignored without trust", "10.0.0.5:4321", "1.2.3.4", "", false, "10.0.0.5"},
		{"xff first entry", "127.0.0.1:80", "1.2.3.4, 5.6.7.8", "", true, "1.2.3.4"},
		{"real ip fallback", "127.0.0.1:80", "", "9.9.9.9", true, "9.9.9.9"},
		{"ipv6 remote", "[::1]:80", "", "", false, "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := ClientIP(r, tt.trustProxy); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPMatcher(t *testing.T) {
	m := NewIPMatcher([]string{"10.0.0.0/8", " 192.168.1.7 ", "not-an-ip", "::1"})
	if m.IsEmpty() {
		t.Fatal("matcher should have rules")
	}
	tests := map[string]bool{
		"10.20.30.40":     true,
		"192.168.1.7":     true,
		"192.168.1.8":     false,
		"::1":             true,
		"::ffff:10.1.1.1": true,
		"garbage":         false,
		"172.16.0.1":      false,
	}
	for ip, want := range tests {
		if got := m.Allow(ip); got != want {
			t.Errorf("Allow(%q) = %v, want %v", ip, got, want)
		}
	}

	if !NewIPMatcher(nil).IsEmpty() {
		t.Error("nil list should give an empty matcher")
	}
}
