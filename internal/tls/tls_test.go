package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bpftraced/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	c, err := Setup(config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetup_AutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, Hosts: []string{"pmda.local", "10.0.0.1"}})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)

	raw, err := os.ReadFile(filepath.Join(dir, certName))
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"pmda.local"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "10.0.0.1", cert.IPAddresses[0].String())

	got, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, got.Certificate)

	info, err := os.Stat(filepath.Join(dir, keyName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSetup_ExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	cc := CertConfig{CertPath: filepath.Join(dir, "a.crt"), KeyPath: filepath.Join(dir, "a.key")}
	require.NoError(t, GenerateSelfSigned(cc))

	c, err := Setup(config.TLSConfig{Enabled: true, CertFile: cc.CertPath, KeyFile: cc.KeyPath, MinVersion: "1.2"})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
}

func TestSetup_Errors(t *testing.T) {
	_, err := Setup(config.TLSConfig{Enabled: true})
	require.Error(t, err)

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir()})
	require.Error(t, err, "missing files without auto_generate")

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"})
	require.Error(t, err)
}
