// Package tlsassets loads the PEM files written by the issuer and turns them
// into tls.Config values for the directory server and its clients.
package tlsassets

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrInvalidCA = errors.New("invalid CA certificate PEM")

// Certificates holds certificate data in memory
type Certificates struct {
	CACert     []byte
	ServerCert []byte
	ServerKey  []byte
}

// Config for loading certificates
type Config struct {
	CACertPath     string
	ServerCertPath string
	ServerKeyPath  string
}

// DirConfig returns the paths of ca.crt, server.crt and server.key in dir.
func DirConfig(dir string) Config {
	return Config{
		CACertPath:     filepath.Join(dir, "ca.crt"),
		ServerCertPath: filepath.Join(dir, "server.crt"),
		ServerKeyPath:  filepath.Join(dir, "server.key"),
	}
}

// Load reads the certificate files. The server pair is optional so that
// clients can load just the CA.
func Load(cfg Config) (*Certificates, error) {
	certs := &Certificates{}

	caCert, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	certs.CACert = caCert

	if cfg.ServerCertPath == "" && cfg.ServerKeyPath == "" {
		return certs, nil
	}

	serverCert, err := os.ReadFile(cfg.ServerCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read server cert: %w", err)
	}
	certs.ServerCert = serverCert

	serverKey, err := os.ReadFile(cfg.ServerKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read server key: %w", err)
	}
	certs.ServerKey = serverKey

	return certs, nil
}

func (c *Certificates) rootPool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(c.CACert) {
		return nil, ErrInvalidCA
	}
	return pool, nil
}

// ClientTLSConfig trusts only the CA certificate and verifies serverName.
func (c *Certificates) ClientTLSConfig(serverName string) (*tls.Config, error) {
	roots, err := c.rootPool()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		RootCAs:    roots,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// ServerTLSConfig presents the server certificate. Client certificates are
// verified against the CA when the client sends one.
func (c *Certificates) ServerTLSConfig() (*tls.Config, error) {
	serverCert, err := tls.X509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server certificate: %w", err)
	}

	clientCAs, err := c.rootPool()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    clientCAs,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Validate validates that certificate data is valid PEM
func (c *Certificates) Validate() error {
	if _, err := c.rootPool(); err != nil {
		return err
	}

	if len(c.ServerCert) == 0 && len(c.ServerKey) == 0 {
		return nil
	}

	if _, err := tls.X509KeyPair(c.ServerCert, c.ServerKey); err != nil {
		return fmt.Errorf("invalid server certificate/key: %w", err)
	}

	return nil
}
