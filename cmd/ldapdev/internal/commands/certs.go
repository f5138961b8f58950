package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/ldapdev/internal/config"
	"github.com/wolfeidau/ldapdev/internal/pki"
)

// ErrCheckFailed is returned by certs check when the directory is unhealthy.
var ErrCheckFailed = errors.New("certificate check failed")

// CertsCmd manages the development certificates.
type CertsCmd struct {
	Generate CertsGenerateCmd `cmd:"" help:"Generate a CA and a server certificate for the directory server"`
	Check    CertsCheckCmd    `cmd:"" help:"Check the certificates in the output directory"`
}

// CertsGenerateCmd issues ca.crt, server.crt and server.key.
//
// Flags without a default leave the value to the profile (--config) or, when
// neither sets it, to the issuer default shown in the help.
type CertsGenerateCmd struct {
	OutputDir    string   `help:"Output directory for certificates (default ./certs)." env:"LDAPDEV_CERTS_DIR"`
	Hostname     string   `help:"Server hostname, used as the certificate common name (default ldap.testing.local)."`
	SAN          []string `name:"san" help:"Additional subject alternative name; repeatable. DNS names and IP addresses."`
	CADays       *int     `name:"ca-days" help:"Authority validity in days (default 3650)."`
	ServerDays   *int     `help:"Server certificate validity in days (default 365)."`
	KeyAlgorithm string   `help:"Key algorithm: ${key_algorithms} (default rsa-4096)."`
	ClientAuth   bool     `help:"Also allow the server certificate for TLS client authentication."`
	ExportCAKey  bool     `name:"export-ca-key" help:"Also write ca.key so later runs can reuse the authority."`
	ReuseCA      bool     `name:"reuse-ca" help:"Sign a new server certificate with the existing ca.crt and ca.key."`
	Force        bool     `short:"f" help:"Overwrite existing certificate files."`
	Config       string   `help:"YAML or JSON issuance profile." type:"existingfile"`
}

func (c *CertsGenerateCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, shutdown := globals.setup(ctx)
	defer shutdown()

	cfg, err := c.config()
	if err != nil {
		return err
	}

	material, err := pki.Issue(ctx, cfg)
	if err != nil {
		if errors.Is(err, pki.ErrFileConflict) {
			zerolog.Ctx(ctx).Info().Msg("Use --force to overwrite existing certificates")
		}
		return err
	}

	printGenerateSummary(globals.stdout(), material)

	return nil
}

// config layers the profile and then the flags over an empty pki.Config.
// pki.Issue resolves anything still unset.
func (c *CertsGenerateCmd) config() (pki.Config, error) {
	var cfg pki.Config

	if c.Config != "" {
		profile, err := config.Load(c.Config)
		if err != nil {
			return pki.Config{}, &pki.Error{Kind: pki.KindInvalidInput, Op: "load profile", Err: err}
		}
		profile.Apply(&cfg)
	}

	if c.OutputDir != "" {
		cfg.OutputDir = c.OutputDir
	}
	if c.Hostname != "" {
		cfg.CommonName = c.Hostname
	}
	if len(c.SAN) > 0 {
		sans := cfg.SANs
		if sans == nil {
			cn := cfg.CommonName
			if cn == "" {
				cn = pki.DefaultCommonName
			}
			sans = pki.DefaultSANs(cn)
		}
		cfg.SANs = append(append([]string(nil), sans...), c.SAN...)
	}
	if c.CADays != nil || c.ServerDays != nil {
		if cfg.Validity == nil {
			cfg.Validity = pki.DefaultValidity()
		}
		if c.CADays != nil {
			cfg.Validity.Authority = *c.CADays
		}
		if c.ServerDays != nil {
			cfg.Validity.Leaf = *c.ServerDays
		}
	}
	if c.KeyAlgorithm != "" {
		cfg.KeyAlgorithm = pki.KeyAlgorithm(c.KeyAlgorithm)
	}
	if c.ClientAuth {
		cfg.ClientAuth = true
	}
	if c.ExportCAKey {
		cfg.ExportAuthorityKey = true
	}
	if c.ReuseCA {
		cfg.ReuseAuthority = true
	}
	if c.Force {
		cfg.Overwrite = true
	}

	return cfg, nil
}

func printGenerateSummary(w io.Writer, m *pki.Material) {
	server := m.ServerCertificate
	authority := m.AuthorityCertificate

	sans := append([]string(nil), server.DNSNames...)
	for _, ip := range server.IPAddresses {
		sans = append(sans, ip.String())
	}

	authorityState := "generated"
	if m.AuthorityReused {
		authorityState = "reused"
	}

	fmt.Fprintln(w, "\n"+strings.Repeat("=", 50))
	fmt.Fprintln(w, "Certificates Generated")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "\nCommon name:   %s\n", server.Subject.CommonName)
	fmt.Fprintf(w, "SANs:          %s\n", strings.Join(sans, ", "))
	fmt.Fprintf(w, "Key algorithm: %s\n", server.PublicKeyAlgorithm)
	fmt.Fprintf(w, "Authority:     %s (%s)\n\n", authority.Subject.CommonName, authorityState)

	fmt.Fprintln(w, "Files written:")
	for _, path := range m.Files {
		fmt.Fprintf(w, "  %s\n", path)
	}

	fmt.Fprintln(w, "\nValidity:")
	fmt.Fprintf(w, "  Authority: %s\n", authority.NotAfter.UTC().Format(time.DateOnly))
	fmt.Fprintf(w, "  Server:    %s\n", server.NotAfter.UTC().Format(time.DateOnly))

	fmt.Fprintln(w, "\nFingerprints (base58 SHA-256 of the public key):")
	fmt.Fprintf(w, "  Authority: %s\n", m.AuthorityFingerprint)
	fmt.Fprintf(w, "  Server:    %s\n", m.ServerFingerprint)

	if len(m.Files) > 0 {
		dir := filepath.Dir(m.Files[0])
		fmt.Fprintln(w, "\nNext steps:")
		fmt.Fprintf(w, "  Mount %s at /container/service/slapd/assets/certs and set\n", dir)
		fmt.Fprintf(w, "  LDAP_TLS_CRT_FILENAME=%s LDAP_TLS_KEY_FILENAME=%s LDAP_TLS_CA_CRT_FILENAME=%s\n",
			pki.ServerCertFile, pki.ServerKeyFile, pki.AuthorityCertFile)
		fmt.Fprintf(w, "  Then run: ldapdev test connection --use-ssl --ca-cert %s\n",
			filepath.Join(dir, pki.AuthorityCertFile))
	}
}

// CertsCheckCmd reports on the certificates in the output directory.
type CertsCheckCmd struct {
	OutputDir    string `help:"Directory holding the certificates." default:"./certs" env:"LDAPDEV_CERTS_DIR"`
	RotationDays int    `help:"Warn when a certificate expires within this many days." default:"30"`
}

func (c *CertsCheckCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, shutdown := globals.setup(ctx)
	defer shutdown()

	report, err := pki.Check(c.OutputDir, time.Duration(c.RotationDays)*24*time.Hour)
	if err != nil {
		return err
	}

	printCheckReport(globals.stdout(), report)

	for _, v := range []*pki.CertValidation{report.Authority, report.Server} {
		if v != nil && v.ShouldRotate && !v.Expired {
			zerolog.Ctx(ctx).Warn().
				Str("path", v.Path).
				Int("days_remaining", v.DaysRemaining).
				Msg("Certificate should be rotated")
		}
	}

	if !report.Healthy() {
		return ErrCheckFailed
	}

	return nil
}

func printCheckReport(w io.Writer, r *pki.CheckReport) {
	fmt.Fprintf(w, "Checking certificates in %s\n\n", r.Dir)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSTATUS\tSIZE\tMODE")
	for _, f := range r.Files {
		if !f.Exists {
			fmt.Fprintf(tw, "%s\tmissing\t-\t-\n", f.Name)
			continue
		}
		fmt.Fprintf(tw, "%s\tpresent\t%d\t%s\n", f.Name, f.Size, f.Mode)
	}
	tw.Flush()

	if missing := r.Missing(); len(missing) > 0 {
		fmt.Fprintf(w, "\nMissing: %s\n", strings.Join(missing, ", "))
		fmt.Fprintln(w, "Run 'ldapdev certs generate' to create them.")
		return
	}

	fmt.Fprintln(w)
	if r.ChainError != nil {
		fmt.Fprintf(w, "Chain:   FAILED (%v)\n", r.ChainError)
	} else {
		fmt.Fprintln(w, "Chain:   server.crt verifies against ca.crt")
	}
	if r.KeyError != nil {
		fmt.Fprintf(w, "Key:     FAILED (%v)\n", r.KeyError)
	} else {
		fmt.Fprintln(w, "Key:     server.key matches server.crt")
	}

	for _, v := range []*pki.CertValidation{r.Authority, r.Server} {
		if v == nil {
			continue
		}
		status := "valid"
		switch {
		case v.Expired:
			status = "EXPIRED"
		case v.ShouldRotate:
			status = "rotate soon"
		}
		fmt.Fprintf(w, "%-8s %s, expires %s (%d days, %s)\n",
			filepath.Base(v.Path)+":", v.Subject, v.NotAfter.UTC().Format(time.DateOnly), v.DaysRemaining, status)
	}

	if r.Healthy() {
		fmt.Fprintln(w, "\nAll certificates are present and valid.")
	}
}
