package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 - RFC 5280 method 1 key identifiers are SHA-1
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Authority is a root CA held in memory: its certificate and private key.
type Authority struct {
	cert *x509.Certificate
	key  crypto.Signer
}

// NewAuthority wraps an existing certificate and key after checking that they
// belong together and that the certificate is a CA.
func NewAuthority(cert *x509.Certificate, key crypto.Signer) (*Authority, error) {
	if !cert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", cert.Subject.CommonName)
	}

	if err := verifyCertKeyPair(cert, key); err != nil {
		return nil, fmt.Errorf("CA key and certificate do not match: %w", err)
	}

	return &Authority{cert: cert, key: key}, nil
}

// LoadAuthority reads a PEM-encoded CA certificate and private key from disk.
// Missing or unreadable files are FilesystemError; undecodable or mismatched
// material is CryptoFailure.
func LoadAuthority(certPath, keyPath string) (*Authority, error) {
	const op = "load authority"

	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, filesystemError(op, fmt.Errorf("failed to read CA cert file: %w", err))
	}

	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, filesystemError(op, fmt.Errorf("failed to read CA key file: %w", err))
	}

	caCert, err := ParseCertificatePEM(certData)
	if err != nil {
		return nil, cryptoFailure(op, fmt.Errorf("failed to parse CA certificate: %w", err))
	}

	caKey, err := ParsePrivateKeyPEM(keyData)
	if err != nil {
		return nil, cryptoFailure(op, fmt.Errorf("failed to parse CA private key: %w", err))
	}

	authority, err := NewAuthority(caCert, caKey)
	if err != nil {
		return nil, cryptoFailure(op, err)
	}

	return authority, nil
}

// SignCertificate signs a leaf template with the authority key.
func (a *Authority) SignCertificate(template *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	return x509.CreateCertificate(rand.Reader, template, a.cert, pub, a.key)
}

// Certificate returns the authority certificate.
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

// Key returns the authority private key.
func (a *Authority) Key() crypto.Signer {
	return a.key
}

// createAuthority generates a key pair and a self-signed CA certificate.
func createAuthority(ctx context.Context, cfg Config, now time.Time) (*Authority, error) {
	const op = "create authority"

	ctx, span := tracer.Start(ctx, "pki.createAuthority", trace.WithAttributes(
		attribute.String("pki.authority_cn", cfg.AuthorityCommonName),
		attribute.Int("pki.authority_days", cfg.Validity.Authority),
	))
	defer span.End()

	caKey, err := generateKey(ctx, cfg.KeyAlgorithm, "authority")
	if err != nil {
		return nil, err
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, cryptoFailure(op, err)
	}

	skid, err := subjectKeyID(caKey.Public())
	if err != nil {
		return nil, cryptoFailure(op, err)
	}

	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               cfg.Subject.name(cfg.AuthorityCommonName),
		NotBefore:             now,
		NotAfter:              now.Add(days(cfg.Validity.Authority)),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		SubjectKeyId:          skid,
	}

	// Self-signed: the template is its own parent.
	caCertDER, err := x509.CreateCertificate(rand.Reader, template, template, caKey.Public(), caKey)
	if err != nil {
		span.RecordError(err)
		return nil, cryptoFailure(op, fmt.Errorf("failed to create CA certificate: %w", err))
	}

	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		return nil, cryptoFailure(op, fmt.Errorf("failed to parse CA certificate: %w", err))
	}

	zerolog.Ctx(ctx).Debug().
		Str("subject", caCert.Subject.String()).
		Time("not_after", caCert.NotAfter).
		Msg("created authority certificate")

	return &Authority{cert: caCert, key: caKey}, nil
}

func (s Subject) name(commonName string) pkix.Name {
	name := pkix.Name{CommonName: commonName}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.Province != "" {
		name.Province = []string{s.Province}
	}
	if s.Locality != "" {
		name.Locality = []string{s.Locality}
	}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	return name
}

// randomSerial returns a random positive 128-bit serial number.
func randomSerial() (*big.Int, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serialNumber, nil
}

// subjectKeyID hashes the subjectPublicKey bit string (RFC 5280 4.2.1.2 method 1).
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}

	sum := sha1.Sum(spki.SubjectPublicKey.Bytes) // #nosec G401
	return sum[:], nil
}

// verifyCertKeyPair checks that a certificate's public key matches a private key.
func verifyCertKeyPair(cert *x509.Certificate, key crypto.Signer) error {
	same, err := samePublicKey(cert.PublicKey, key.Public())
	if err != nil {
		return err
	}
	if !same {
		return fmt.Errorf("public keys do not match")
	}
	return nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
