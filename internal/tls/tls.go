// Package tls builds the server side TLS configuration of the control API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/bpftraced/internal/config"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
)

func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.3", "tls1.3", "TLS1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2", "TLS1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", v)
}

// Setup returns nil when TLS is disabled. Explicit cert/key files win over dir; with
// auto_generate a self-signed pair is written to dir when missing.
func Setup(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" || keyPath == "" {
		if c.Dir == "" {
			return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
		}
		certPath, keyPath = filepath.Join(c.Dir, certName), filepath.Join(c.Dir, keyName)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := GenerateSelfSigned(CertConfig{
				Hosts:    c.Hosts,
				CertPath: certPath,
				KeyPath:  keyPath,
			}); err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
		}
	}
	// fail early on unreadable pairs; GetCertificate reloads on every handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			return &cert, err
		},
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
