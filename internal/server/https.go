package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/acme/autocert"
)

// HTTPSConfig holds HTTPS/TLS configuration.
type HTTPSConfig struct {
	Domain   string // Domain for the Let's Encrypt certificate
	CertDir  string // Certificate cache directory
	HTTPAddr string // ACME challenge and redirect listener
}

// ValidateDomain rejects names Let's Encrypt cannot issue for: empty,
// localhost, IP literals and malformed labels.
func ValidateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("domain required for HTTPS")
	}
	if strings.EqualFold(domain, "localhost") {
		return fmt.Errorf("Let's Encrypt requires a public domain, not localhost; use a reverse proxy for local HTTPS")
	}
	if net.ParseIP(strings.Trim(domain, "[]")) != nil {
		return fmt.Errorf("Let's Encrypt requires a domain name, not an IP address")
	}
	switch {
	case strings.HasPrefix(domain, "."), strings.HasSuffix(domain, "."),
		strings.HasPrefix(domain, "-"), strings.HasSuffix(domain, "-"),
		strings.Contains(domain, ".."):
		return fmt.Errorf("invalid domain format: %s", domain)
	}
	return nil
}

// NewAutocertManager creates an autocert.Manager for domain caching
// certificates in certDir.
func NewAutocertManager(domain, certDir string) *autocert.Manager {
	if certDir == "" {
		certDir = "certs"
	}
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domain),
		Cache:      autocert.DirCache(certDir),
	}
}

// NewTLSConfig creates a TLS config using the autocert manager. HTTP/2 is
// left out so WebSocket upgrades keep working.
func NewTLSConfig(manager *autocert.Manager) *tls.Config {
	return &tls.Config{
		GetCertificate: manager.GetCertificate,
		NextProtos:     []string{"http/1.1", "acme-tls/1"},
		MinVersion:     tls.VersionTLS12,
	}
}

// HTTPRedirectHandler redirects plain HTTP requests to HTTPS. Wrap it with
// autocert.Manager.HTTPHandler so ACME challenges are answered first.
func HTTPRedirectHandler(domain string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+domain+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
}
