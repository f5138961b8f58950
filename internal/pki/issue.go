// Package pki issues the development TLS identity for the directory server:
// a self-signed root authority and one server leaf signed by it, written to
// ca.crt, server.crt and server.key.
package pki

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfeidau/ldapdev/internal/telemetry"
)

var tracer = otel.Tracer("github.com/wolfeidau/ldapdev/internal/pki")

// Material is the result of a successful issuance.
type Material struct {
	// ID identifies the run in logs and traces.
	ID string

	AuthorityCertificate *x509.Certificate
	ServerCertificate    *x509.Certificate
	ServerKey            crypto.Signer

	AuthorityCertPEM []byte
	ServerCertPEM    []byte
	ServerKeyPEM     []byte

	AuthorityFingerprint string
	ServerFingerprint    string

	// AuthorityReused is set when the leaf was signed by an existing ca.crt/ca.key.
	AuthorityReused bool
	// Files lists the paths written, in write order.
	Files []string
}

// Issue creates the authority and the server leaf described by cfg, verifies
// the chain in memory and writes the PEM files to cfg.OutputDir as a group.
//
// Validation and the overwrite check happen before any key is generated. On
// any error the output directory is left as it was.
func Issue(ctx context.Context, cfg Config) (*Material, error) {
	started := time.Now()
	id := uuid.New().String()

	ctx, span := tracer.Start(ctx, "pki.Issue", trace.WithAttributes(
		attribute.String("pki.issuance_id", id),
	))
	defer span.End()

	logger := zerolog.Ctx(ctx).With().Str("issuance_id", id).Logger()
	ctx = logger.WithContext(ctx)

	m := telemetry.GetMetrics()
	m.IssuanceTotal.Add(ctx, 1)

	material, err := issue(ctx, id, cfg)

	m.IssuanceDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	if err != nil {
		kind := "unknown"
		var pkiErr *Error
		if errors.As(err, &pkiErr) {
			kind = string(pkiErr.Kind)
		}
		m.IssuanceErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.FilesWrittenTotal.Add(ctx, int64(len(material.Files)))

	return material, nil
}

func issue(ctx context.Context, id string, cfg Config) (*Material, error) {
	logger := zerolog.Ctx(ctx)

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	stale := cfg.staleTargets()
	if !cfg.Overwrite {
		existing, err := existingTargets(append(cfg.targets(), stale...))
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return nil, &Error{
				Kind: KindFileConflict,
				Op:   "check output files",
				Err:  fmt.Errorf("already exist: %s (use overwrite to replace)", strings.Join(existing, ", ")),
			}
		}
	}

	logger.Info().
		Str("common_name", cfg.CommonName).
		Strs("sans", cfg.SANs).
		Str("output_dir", cfg.OutputDir).
		Str("key_algorithm", string(cfg.KeyAlgorithm)).
		Bool("reuse_authority", cfg.ReuseAuthority).
		Msg("Issuing development certificates")

	now := time.Now()

	var (
		authority *Authority
		err       error
	)
	if cfg.ReuseAuthority {
		authority, err = LoadAuthority(
			filepath.Join(cfg.OutputDir, AuthorityCertFile),
			filepath.Join(cfg.OutputDir, AuthorityKeyFile),
		)
		if err != nil {
			return nil, err
		}
		if now.After(authority.Certificate().NotAfter) {
			return nil, invalidInput("load authority", "authority certificate expired on %s",
				authority.Certificate().NotAfter.UTC().Format(time.DateOnly))
		}
		logger.Info().
			Str("subject", authority.Certificate().Subject.String()).
			Msg("Reusing existing authority")
	} else {
		authority, err = createAuthority(ctx, cfg, now)
		if err != nil {
			return nil, err
		}
	}

	csr, serverKey, err := serverRequest(ctx, cfg)
	if err != nil {
		return nil, err
	}

	serverCert, err := signServerCertificate(ctx, authority, csr, cfg, now)
	if err != nil {
		return nil, err
	}

	if err := verifyIssued(authority.Certificate(), serverCert, serverKey, cfg, now); err != nil {
		return nil, err
	}

	material, files, err := encode(id, cfg, authority, serverCert, serverKey)
	if err != nil {
		return nil, err
	}

	if err := writeFiles(ctx, cfg.OutputDir, files, stale); err != nil {
		return nil, err
	}

	for _, f := range files {
		material.Files = append(material.Files, f.path)
	}

	logger.Info().
		Str("path_cert", filepath.Join(cfg.OutputDir, ServerCertFile)).
		Str("path_key", filepath.Join(cfg.OutputDir, ServerKeyFile)).
		Str("fingerprint", material.ServerFingerprint).
		Time("not_after", serverCert.NotAfter).
		Msg("Generated and saved server certificate")

	return material, nil
}

// encode renders every artifact to PEM and lists the files to write.
func encode(id string, cfg Config, authority *Authority, serverCert *x509.Certificate, serverKey crypto.Signer) (*Material, []outputFile, error) {
	const op = "encode output"

	caCert := authority.Certificate()

	serverKeyPEM, err := EncodePrivateKeyPEM(serverKey)
	if err != nil {
		return nil, nil, cryptoFailure(op, err)
	}

	caFingerprint, err := Fingerprint(caCert)
	if err != nil {
		return nil, nil, cryptoFailure(op, err)
	}

	serverFingerprint, err := Fingerprint(serverCert)
	if err != nil {
		return nil, nil, cryptoFailure(op, err)
	}

	material := &Material{
		ID:                   id,
		AuthorityCertificate: caCert,
		ServerCertificate:    serverCert,
		ServerKey:            serverKey,
		AuthorityCertPEM:     EncodeCertificatePEM(caCert.Raw),
		ServerCertPEM:        EncodeCertificatePEM(serverCert.Raw),
		ServerKeyPEM:         serverKeyPEM,
		AuthorityFingerprint: caFingerprint,
		ServerFingerprint:    serverFingerprint,
		AuthorityReused:      cfg.ReuseAuthority,
	}

	var files []outputFile
	if !cfg.ReuseAuthority {
		files = append(files, outputFile{
			path: filepath.Join(cfg.OutputDir, AuthorityCertFile),
			data: material.AuthorityCertPEM,
			perm: certMode,
		})

		if cfg.ExportAuthorityKey {
			caKeyPEM, err := EncodePrivateKeyPEM(authority.Key())
			if err != nil {
				return nil, nil, cryptoFailure(op, err)
			}
			files = append(files, outputFile{
				path: filepath.Join(cfg.OutputDir, AuthorityKeyFile),
				data: caKeyPEM,
				perm: keyMode,
			})
		}
	}

	files = append(files,
		outputFile{
			path: filepath.Join(cfg.OutputDir, ServerCertFile),
			data: material.ServerCertPEM,
			perm: certMode,
		},
		outputFile{
			path: filepath.Join(cfg.OutputDir, ServerKeyFile),
			data: serverKeyPEM,
			perm: keyMode,
		},
	)

	return material, files, nil
}

// Fingerprint returns the base58-encoded SHA-256 of the certificate's
// SubjectPublicKeyInfo.
func Fingerprint(cert *x509.Certificate) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	hash := sha256.Sum256(der)
	return base58.Encode(hash[:]), nil
}
