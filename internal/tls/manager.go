package tls

import (
	"crypto/tls"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"gridsec-analytics/internal/config"
)

// TLSManager picks a certificate source: ACME when enabled, then the
// configured key pair, then a self-signed development certificate.
type TLSManager struct {
	cfg      config.ServerConfig
	autoCert *autocert.Manager
	devCerts *DevCertGenerator
	logger   *zap.Logger
}

func NewTLSManager(cfg config.ServerConfig, logger *zap.Logger) *TLSManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &TLSManager{
		cfg:      cfg,
		devCerts: NewDevCertGenerator(cfg.AutoCertDir, logger),
		logger:   logger,
	}
	if cfg.EnableTLS && cfg.AutoCert {
		m.setupAutoCert()
	}
	return m
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.cfg.AutoCertDir, 0o700); err != nil {
		m.logger.Warn("Could not create autocert directory", zap.Error(err))
		return
	}
	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.cfg.Domain),
		Cache:      autocert.DirCache(m.cfg.AutoCertDir),
		Email:      m.cfg.AutoCertEmail,
	}
	m.logger.Info("AutoCert configured",
		zap.String("domain", m.cfg.Domain),
		zap.String("cache_dir", m.cfg.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}
	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err == nil {
			return &cert, nil
		}
		m.logger.Warn("Configured key pair unusable, falling back", zap.Error(err))
	}

	hosts := []string{m.cfg.Domain, "localhost", "127.0.0.1", "::1"}
	cert, err := m.devCerts.GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &cert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// AutocertManager is nil unless ACME is enabled.
func (m *TLSManager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
