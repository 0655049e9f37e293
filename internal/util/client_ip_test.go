package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ClientIP(r); got != "203.0.113.7" {
		t.Fatalf("ClientIP = %q, want %q", got, "203.0.113.7")
	}
}

func TestClientIPFallsBackToRealIPThenRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:1234"
	r.Header.Set("X-Real-IP", "198.51.100.20")
	if got := ClientIP(r); got != "198.51.100.20" {
		t.Fatalf("ClientIP = %q, want %q", got, "198.51.100.20")
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.RemoteAddr = "10.0.0.9:1234"
	if got := ClientIP(r2); got != "10.0.0.9" {
		t.Fatalf("ClientIP = %q, want %q", got, "10.0.0.9")
	}
}
