// Package tls serves the API over HTTPS with certificates managed by CertMagic.
package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/azure"
)

// Config holds TLS configuration.
type Config struct {
	Enabled  bool
	Domains  []string
	Email    string
	CacheDir string
	Staging  bool // Use Let's Encrypt staging environment
	DNS      DNSConfig
}

// DNSConfig holds Azure DNS provider configuration for DNS-01 challenges.
// Without a subscription the default HTTP-01 and TLS-ALPN challenges are used.
type DNSConfig struct {
	SubscriptionID    string
	ResourceGroupName string
	ClientID          string // User Assigned Managed Identity client ID (optional)
}

// Validate checks an enabled configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Domains) == 0 {
		return errors.New("TLS enabled but no domains specified")
	}
	if c.Email == "" {
		return errors.New("TLS enabled but no email specified")
	}
	if c.DNS.SubscriptionID != "" && c.DNS.ResourceGroupName == "" {
		return errors.New("azure DNS requires a resource group")
	}
	return nil
}

// Manager obtains certificates and serves an http.Server with them.
type Manager struct {
	config Config
	magic  *certmagic.Config
	logger *slog.Logger
}

// NewManager creates a certificate manager. A disabled configuration yields a
// manager that serves plain HTTP.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{config: cfg, logger: logger}
	if !cfg.Enabled {
		return m, nil
	}

	magic := certmagic.NewDefault()
	if cfg.CacheDir != "" {
		magic.Storage = &certmagic.FileStorage{Path: cfg.CacheDir}
	}

	issuer := certmagic.ACMEIssuer{
		Email:  cfg.Email,
		Agreed: true,
	}
	if cfg.Staging {
		issuer.CA = certmagic.LetsEncryptStagingCA
	}
	if cfg.DNS.SubscriptionID != "" {
		issuer.DNS01Solver = &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: &azure.Provider{
					SubscriptionId:    cfg.DNS.SubscriptionID,
					ResourceGroupName: cfg.DNS.ResourceGroupName,
					ClientId:          cfg.DNS.ClientID, // Empty = System Assigned Managed Identity
				},
			},
		}
	}
	magic.Issuers = []certmagic.Issuer{certmagic.NewACMEIssuer(magic, issuer)}

	m.magic = magic
	return m, nil
}

// Enabled reports whether HTTPS is served.
func (m *Manager) Enabled() bool {
	return m.config.Enabled
}

// ManageCertificates obtains or renews certificates for the configured
// domains and keeps them renewed in the background.
func (m *Manager) ManageCertificates(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	m.logger.Info("obtaining certificates", "domains", m.config.Domains, "dns01", m.config.DNS.SubscriptionID != "")
	if err := m.magic.ManageSync(ctx, m.config.Domains); err != nil {
		return fmt.Errorf("managing certificates: %w", err)
	}
	m.logger.Info("certificates obtained successfully")
	return nil
}

// TLSConfig returns the TLS configuration, nil when disabled.
func (m *Manager) TLSConfig() *tls.Config {
	if m.magic == nil {
		return nil
	}
	cfg := m.magic.TLSConfig()
	cfg.NextProtos = append([]string{"h2", "http/1.1"}, cfg.NextProtos...)
	return cfg
}

// Serve runs srv with HTTPS when enabled and plain HTTP otherwise.
func (m *Manager) Serve(srv *http.Server) error {
	if !m.config.Enabled {
		m.logger.Info("starting HTTP server (TLS disabled)", "address", srv.Addr)
		return srv.ListenAndServe()
	}

	m.logger.Info("starting HTTPS server", "address", srv.Addr, "domains", m.config.Domains)
	srv.TLSConfig = m.TLSConfig()
	return srv.ListenAndServeTLS("", "")
}
