package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gridsec-analytics/internal/config"
)

func TestDevCertGeneratedOnceAndReused(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir, zaptest.NewLogger(t))

	first, err := gen.GenerateCert([]string{"grid.local", "127.0.0.1"})
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "grid.local")
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	info, err := os.Stat(filepath.Join(dir, "dev-key.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// a fresh generator over the same directory loads the stored pair
	again, err := NewDevCertGenerator(dir, zaptest.NewLogger(t)).GenerateCert([]string{"other"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], again.Certificate[0])
}

func TestManagerFallsBackToDevCert(t *testing.T) {
	cfg := config.ServerConfig{
		EnableTLS:   true,
		Domain:      "localhost",
		AutoCertDir: t.TempDir(),
		CertFile:    "/nonexistent/cert.pem",
		KeyFile:     "/nonexistent/key.pem",
	}
	m := NewTLSManager(cfg, zaptest.NewLogger(t))
	assert.Nil(t, m.AutocertManager())

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	tc := m.GetTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), tc.MinVersion)
	assert.NotNil(t, tc.GetCertificate)
}
