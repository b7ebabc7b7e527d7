package http_test

import (
	"net/http/httptest"
	"testing"

	pkghttp "github.com/bastionauth/bastion/pkg/http"
	"github.com/stretchr/testify/assert"
)

func TestExtractClientIP_RemoteAddrOnly(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.5:4321"

	ip := pkghttp.ExtractClientIP(req, nil)
	assert.Equal(t, "203.0.113.5", ip)
}

func TestExtractClientIP_IgnoresHeadersFromUntrustedSource(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.5:4321"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	req.Header.Set("X-Real-IP", "198.51.100.8")

	// No trusted proxies configured: forwarded headers are spoofable
	ip := pkghttp.ExtractClientIP(req, &pkghttp.IPConfig{})
	assert.Equal(t, "203.0.113.5", ip)
}

func TestExtractClientIP_HonorsXFFFromTrustedProxy(t *testing.T) {
	config := &pkghttp.IPConfig{
		TrustedProxies: []string{"10.0.0.0/8"},
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.2.3:4321"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.1.2.3")

	ip := pkghttp.ExtractClientIP(req, config)
	assert.Equal(t, "198.51.100.7", ip)
}

func TestExtractClientIP_HonorsXRealIPFromTrustedProxy(t *testing.T) {
	config := &pkghttp.IPConfig{
		TrustedProxies: []string{"10.0.0.0/8"},
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.2.3:4321"
	req.Header.Set("X-Real-IP", "198.51.100.8")

	ip := pkghttp.ExtractClientIP(req, config)
	assert.Equal(t, "198.51.100.8", ip)
}

func TestExtractClientIP_InvalidForwardedValueFallsBack(t *testing.T) {
	config := &pkghttp.IPConfig{
		TrustedProxies: []string{"10.0.0.0/8"},
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.2.3:4321"
	req.Header.Set("X-Forwarded-For", "not-an-ip")

	ip := pkghttp.ExtractClientIP(req, config)
	assert.Equal(t, "10.1.2.3", ip)
}
