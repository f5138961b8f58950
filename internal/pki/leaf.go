package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// serverRequest generates the server key pair and a PKCS#10 request for it.
func serverRequest(ctx context.Context, cfg Config) (*x509.CertificateRequest, crypto.Signer, error) {
	const op = "create server request"

	serverKey, err := generateKey(ctx, cfg.KeyAlgorithm, "server")
	if err != nil {
		return nil, nil, err
	}

	dnsNames, ips := splitSANs(cfg.SANs)

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:     cfg.Subject.name(cfg.CommonName),
		DNSNames:    dnsNames,
		IPAddresses: ips,
	}, serverKey)
	if err != nil {
		return nil, nil, cryptoFailure(op, fmt.Errorf("failed to create certificate request: %w", err))
	}

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, nil, cryptoFailure(op, fmt.Errorf("failed to parse certificate request: %w", err))
	}

	if err := csr.CheckSignature(); err != nil {
		return nil, nil, cryptoFailure(op, fmt.Errorf("certificate request signature invalid: %w", err))
	}

	return csr, serverKey, nil
}

// signServerCertificate turns a checked request into a leaf signed by signer.
func signServerCertificate(ctx context.Context, signer Signer, csr *x509.CertificateRequest, cfg Config, now time.Time) (*x509.Certificate, error) {
	const op = "sign server certificate"

	ctx, span := tracer.Start(ctx, "pki.signServerCertificate", trace.WithAttributes(
		attribute.String("pki.common_name", cfg.CommonName),
		attribute.StringSlice("pki.sans", cfg.SANs),
		attribute.Int("pki.leaf_days", cfg.Validity.Leaf),
	))
	defer span.End()

	caCert := signer.Certificate()
	notAfter := now.Add(days(cfg.Validity.Leaf))
	if notAfter.After(caCert.NotAfter) {
		return nil, invalidInput(op, "leaf validity ends %s, after the authority expires %s",
			notAfter.UTC().Format(time.DateOnly), caCert.NotAfter.UTC().Format(time.DateOnly))
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, cryptoFailure(op, err)
	}

	skid, err := subjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, cryptoFailure(op, err)
	}

	extKeyUsage := []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	if cfg.ClientAuth {
		extKeyUsage = append(extKeyUsage, x509.ExtKeyUsageClientAuth)
	}

	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               csr.Subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              keyUsageFor(csr.PublicKey),
		ExtKeyUsage:           extKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
		SubjectKeyId:          skid,
		AuthorityKeyId:        caCert.SubjectKeyId,
	}

	serverCertDER, err := signer.SignCertificate(template, csr.PublicKey)
	if err != nil {
		span.RecordError(err)
		return nil, cryptoFailure(op, fmt.Errorf("failed to create server certificate: %w", err))
	}

	serverCert, err := x509.ParseCertificate(serverCertDER)
	if err != nil {
		return nil, cryptoFailure(op, fmt.Errorf("failed to parse server certificate: %w", err))
	}

	zerolog.Ctx(ctx).Debug().
		Str("subject", serverCert.Subject.String()).
		Strs("dns_names", serverCert.DNSNames).
		Int("ip_addresses", len(serverCert.IPAddresses)).
		Time("not_after", serverCert.NotAfter).
		Msg("signed server certificate")

	return serverCert, nil
}

// verifyIssued checks the chain and the key binding before anything is written.
func verifyIssued(caCert, serverCert *x509.Certificate, serverKey crypto.Signer, cfg Config, now time.Time) error {
	const op = "verify chain"

	dnsName := ""
	if containsFold(cfg.SANs, cfg.CommonName) {
		dnsName = cfg.CommonName
	}

	if err := verifyChain(caCert, serverCert, now, dnsName); err != nil {
		return cryptoFailure(op, err)
	}

	if err := verifyCertKeyPair(serverCert, serverKey); err != nil {
		return cryptoFailure(op, fmt.Errorf("server key and certificate do not match: %w", err))
	}

	return nil
}

// verifyChain verifies serverCert for server authentication against a pool
// holding only caCert. An empty dnsName skips the hostname check.
func verifyChain(caCert, serverCert *x509.Certificate, now time.Time, dnsName string) error {
	roots := x509.NewCertPool()
	roots.AddCert(caCert)

	_, err := serverCert.Verify(x509.VerifyOptions{
		DNSName:     dnsName,
		Roots:       roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return fmt.Errorf("server certificate does not verify against authority: %w", err)
	}

	return nil
}

func containsFold(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
