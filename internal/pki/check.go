package pki

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DefaultRotationThreshold flags certificates expiring within 30 days.
const DefaultRotationThreshold = 30 * 24 * time.Hour

// FileStatus describes one expected file in the output directory.
type FileStatus struct {
	Name   string
	Path   string
	Exists bool
	Size   int64
	Mode   fs.FileMode
}

// CertValidation holds certificate validity results.
type CertValidation struct {
	Path          string
	Subject       string
	NotBefore     time.Time
	NotAfter      time.Time
	DaysRemaining int
	Expired       bool
	ShouldRotate  bool
}

// CheckReport summarises an output directory produced by Issue.
type CheckReport struct {
	Dir       string
	Files     []FileStatus
	Authority *CertValidation
	Server    *CertValidation

	// ChainError is nil when server.crt verifies against ca.crt.
	ChainError error
	// KeyError is nil when server.key matches server.crt.
	KeyError error
}

// Missing returns the names of expected files that do not exist.
func (r *CheckReport) Missing() []string {
	var missing []string
	for _, f := range r.Files {
		if !f.Exists {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// Healthy reports whether all files exist, the chain and key verify and
// neither certificate has expired.
func (r *CheckReport) Healthy() bool {
	if len(r.Missing()) > 0 || r.ChainError != nil || r.KeyError != nil {
		return false
	}
	if r.Authority == nil || r.Server == nil {
		return false
	}
	return !r.Authority.Expired && !r.Server.Expired
}

// Check inspects ca.crt, server.crt and server.key in dir. Verification
// failures are recorded in the report; an error is returned only when the
// directory itself cannot be read.
func Check(dir string, rotationThreshold time.Duration) (*CheckReport, error) {
	report := &CheckReport{Dir: dir}

	if _, err := os.Stat(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, filesystemError("check output files", err)
	}

	for _, name := range []string{AuthorityCertFile, ServerCertFile, ServerKeyFile} {
		status := FileStatus{Name: name, Path: filepath.Join(dir, name)}
		info, err := os.Stat(status.Path)
		switch {
		case err == nil:
			status.Exists = true
			status.Size = info.Size()
			status.Mode = info.Mode().Perm()
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, filesystemError("check output files", err)
		}
		report.Files = append(report.Files, status)
	}

	if len(report.Missing()) > 0 {
		return report, nil
	}

	now := time.Now()

	caCert, err := loadCertificate(filepath.Join(dir, AuthorityCertFile))
	if err != nil {
		report.ChainError = err
		return report, nil
	}
	report.Authority = validateCertificate(filepath.Join(dir, AuthorityCertFile), caCert, now, rotationThreshold)

	serverCert, err := loadCertificate(filepath.Join(dir, ServerCertFile))
	if err != nil {
		report.ChainError = err
		return report, nil
	}
	report.Server = validateCertificate(filepath.Join(dir, ServerCertFile), serverCert, now, rotationThreshold)

	report.ChainError = verifyChain(caCert, serverCert, now, "")

	report.KeyError = checkServerKey(filepath.Join(dir, ServerKeyFile), serverCert)

	return report, nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cert, err := ParseCertificatePEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cert, nil
}

func checkServerKey(path string, serverCert *x509.Certificate) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	key, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	return verifyCertKeyPair(serverCert, key)
}

// validateCertificate computes validity status for a loaded certificate.
func validateCertificate(path string, cert *x509.Certificate, now time.Time, rotationThreshold time.Duration) *CertValidation {
	validation := &CertValidation{
		Path:          path,
		Subject:       cert.Subject.String(),
		NotBefore:     cert.NotBefore,
		NotAfter:      cert.NotAfter,
		DaysRemaining: int(cert.NotAfter.Sub(now).Hours() / 24),
	}

	if now.After(cert.NotAfter) {
		validation.Expired = true
		validation.ShouldRotate = true
		return validation
	}

	if cert.NotAfter.Sub(now) < rotationThreshold {
		validation.ShouldRotate = true
	}

	return validation
}
