package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// KeyAlgorithm selects the key type and size for both key pairs.
type KeyAlgorithm string

const (
	RSA2048   KeyAlgorithm = "rsa-2048"
	RSA3072   KeyAlgorithm = "rsa-3072"
	RSA4096   KeyAlgorithm = "rsa-4096"
	ECDSAP256 KeyAlgorithm = "ecdsa-p256"
	ECDSAP384 KeyAlgorithm = "ecdsa-p384"
	Ed25519   KeyAlgorithm = "ed25519"

	DefaultKeyAlgorithm = RSA4096
)

// KeyAlgorithms lists the supported algorithms in display order.
var KeyAlgorithms = []KeyAlgorithm{RSA2048, RSA3072, RSA4096, ECDSAP256, ECDSAP384, Ed25519}

type keySpec struct {
	algorithm x509.PublicKeyAlgorithm
	rsaBits   int
	curve     elliptic.Curve
}

func (a KeyAlgorithm) spec() (keySpec, error) {
	switch KeyAlgorithm(strings.ToLower(string(a))) {
	case RSA2048:
		return keySpec{algorithm: x509.RSA, rsaBits: 2048}, nil
	case RSA3072:
		return keySpec{algorithm: x509.RSA, rsaBits: 3072}, nil
	case RSA4096:
		return keySpec{algorithm: x509.RSA, rsaBits: 4096}, nil
	case ECDSAP256:
		return keySpec{algorithm: x509.ECDSA, curve: elliptic.P256()}, nil
	case ECDSAP384:
		return keySpec{algorithm: x509.ECDSA, curve: elliptic.P384()}, nil
	case Ed25519:
		return keySpec{algorithm: x509.Ed25519}, nil
	default:
		return keySpec{}, fmt.Errorf("unsupported key algorithm %q", string(a))
	}
}

// generateKey creates a fresh private key from crypto/rand. Every call draws
// new randomness; keys are never cached.
func generateKey(ctx context.Context, alg KeyAlgorithm, role string) (crypto.Signer, error) {
	ctx, span := tracer.Start(ctx, "pki.generateKey", trace.WithAttributes(
		attribute.String("pki.key_algorithm", string(alg)),
		attribute.String("pki.key_role", role),
	))
	defer span.End()

	spec, err := alg.spec()
	if err != nil {
		return nil, cryptoFailure("generate "+role+" key", err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("algorithm", string(alg)).
		Str("role", role).
		Msg("generating key pair")

	var key crypto.Signer
	switch spec.algorithm {
	case x509.RSA:
		key, err = rsa.GenerateKey(rand.Reader, spec.rsaBits)
	case x509.ECDSA:
		key, err = ecdsa.GenerateKey(spec.curve, rand.Reader)
	case x509.Ed25519:
		_, key, err = ed25519.GenerateKey(rand.Reader)
	}
	if err != nil {
		span.RecordError(err)
		return nil, cryptoFailure("generate "+role+" key", err)
	}

	return key, nil
}

// keyUsageFor returns the leaf key usage for the key type. Only RSA keys
// perform key encipherment in TLS key exchange.
func keyUsageFor(pub crypto.PublicKey) x509.KeyUsage {
	usage := x509.KeyUsageDigitalSignature
	if _, ok := pub.(*rsa.PublicKey); ok {
		usage |= x509.KeyUsageKeyEncipherment
	}
	return usage
}

// EncodeCertificatePEM wraps DER certificate bytes in a CERTIFICATE block.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: der,
	})
}

// EncodePrivateKeyPEM marshals a key as PKCS#8 in a PRIVATE KEY block.
func EncodePrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	}), nil
}

// ParseCertificatePEM decodes the first CERTIFICATE block.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}

	return x509.ParseCertificate(block.Bytes)
}

// ParsePrivateKeyPEM decodes a PKCS#8, PKCS#1 or SEC 1 private key.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		generic, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			generic, err = x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse private key: %w", err)
			}
		}
	}

	switch key := generic.(type) {
	case *rsa.PrivateKey:
		return key, nil
	case *ecdsa.PrivateKey:
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", generic)
	}
}

// samePublicKey compares two public keys by their PKIX DER encoding.
func samePublicKey(a, b crypto.PublicKey) (bool, error) {
	aDER, err := x509.MarshalPKIXPublicKey(a)
	if err != nil {
		return false, fmt.Errorf("failed to marshal public key: %w", err)
	}
	bDER, err := x509.MarshalPKIXPublicKey(b)
	if err != nil {
		return false, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(aDER) == string(bDER), nil
}
