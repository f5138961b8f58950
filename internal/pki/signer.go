package pki

import (
	"crypto"
	"crypto/x509"
)

// Signer signs leaf certificate templates under an authority.
// Authority is the only implementation; the interface keeps leaf issuance
// independent of where the authority key came from (generated or loaded).
type Signer interface {
	// SignCertificate signs the template for pub and returns DER bytes.
	SignCertificate(template *x509.Certificate, pub crypto.PublicKey) ([]byte, error)

	// Certificate returns the authority certificate.
	Certificate() *x509.Certificate
}
