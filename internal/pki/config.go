package pki

import (
	"net"
	"path/filepath"
	"strings"
)

const (
	DefaultCommonName          = "ldap.testing.local"
	DefaultAuthorityCommonName = "Testing CA"
	DefaultOutputDir           = "certs"
	DefaultAuthorityDays       = 3650
	DefaultLeafDays            = 365
)

// File names written to the output directory.
const (
	AuthorityCertFile = "ca.crt"
	AuthorityKeyFile  = "ca.key"
	ServerCertFile    = "server.crt"
	ServerKeyFile     = "server.key"
)

// Validity holds certificate lifetimes in days.
type Validity struct {
	Authority int `yaml:"authority"`
	Leaf      int `yaml:"leaf"`
}

// Subject holds the distinguished name attributes shared by the authority and the leaf.
type Subject struct {
	Country      string `yaml:"country"`
	Province     string `yaml:"province"`
	Locality     string `yaml:"locality"`
	Organization string `yaml:"organization"`
}

// Config describes a single issuance run. The zero value is usable: Issue
// resolves every unset field to its default before validating. A nil
// Validity is unset; a non-nil one is used as given, zero days included.
type Config struct {
	// CommonName is the leaf subject CN and the hostname verified in-memory.
	CommonName string
	// AuthorityCommonName is the CN of the self-signed authority.
	AuthorityCommonName string
	// SANs lists DNS names and IP literals, in order. IP literals become IP SANs.
	SANs         []string
	Validity     *Validity
	KeyAlgorithm KeyAlgorithm
	Subject      Subject
	OutputDir    string

	// Overwrite replaces existing output files instead of failing with FileConflict.
	Overwrite bool
	// ExportAuthorityKey also writes ca.key (0600).
	ExportAuthorityKey bool
	// ReuseAuthority signs the leaf with the ca.crt/ca.key already in OutputDir.
	ReuseAuthority bool
	// ClientAuth adds the clientAuth extended key usage to the leaf.
	ClientAuth bool
}

// DefaultSubject matches the development directory's fixture organisation.
func DefaultSubject() Subject {
	return Subject{
		Country:      "US",
		Province:     "Development",
		Locality:     "Local",
		Organization: "Testing Organization",
	}
}

// DefaultSANs returns the policy default SAN list for a hostname: the hostname
// itself, the loopback alias and the IPv4 loopback address.
func DefaultSANs(commonName string) []string {
	return []string{commonName, "localhost", "127.0.0.1"}
}

// DefaultValidity returns the default authority and leaf lifetimes.
func DefaultValidity() *Validity {
	return &Validity{Authority: DefaultAuthorityDays, Leaf: DefaultLeafDays}
}

// DefaultConfig returns a fully populated development configuration.
func DefaultConfig() Config {
	return Config{
		CommonName:          DefaultCommonName,
		AuthorityCommonName: DefaultAuthorityCommonName,
		SANs:                DefaultSANs(DefaultCommonName),
		Validity:            DefaultValidity(),
		KeyAlgorithm: DefaultKeyAlgorithm,
		Subject:      DefaultSubject(),
		OutputDir:    DefaultOutputDir,
	}
}

// withDefaults fills unset fields. Validity is only defaulted when nil, so
// explicit zero or negative values reach validation instead of being masked.
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.CommonName == "" {
		c.CommonName = def.CommonName
	}
	if c.AuthorityCommonName == "" {
		c.AuthorityCommonName = def.AuthorityCommonName
	}
	if c.SANs == nil {
		c.SANs = DefaultSANs(c.CommonName)
	}
	if c.Validity == nil {
		c.Validity = def.Validity
	}
	if c.KeyAlgorithm == "" {
		c.KeyAlgorithm = def.KeyAlgorithm
	}
	c.KeyAlgorithm = KeyAlgorithm(strings.ToLower(string(c.KeyAlgorithm)))
	if c.Subject == (Subject{}) {
		c.Subject = def.Subject
	}
	if c.OutputDir == "" {
		c.OutputDir = def.OutputDir
	}

	c.SANs = dedupe(c.SANs)

	return c
}

func (c Config) validate() error {
	const op = "validate config"

	if strings.TrimSpace(c.CommonName) == "" {
		return invalidInput(op, "common name must not be empty")
	}
	if len(c.SANs) == 0 {
		return invalidInput(op, "subject alternative names must not be empty")
	}
	for _, san := range c.SANs {
		if net.ParseIP(san) != nil {
			continue
		}
		if !validDNSName(san) {
			return invalidInput(op, "malformed subject alternative name %q", san)
		}
	}
	if c.Validity == nil {
		return invalidInput(op, "validity must be set")
	}
	if c.Validity.Leaf <= 0 {
		return invalidInput(op, "leaf validity must be positive, got %d days", c.Validity.Leaf)
	}
	if !c.ReuseAuthority && c.Validity.Authority <= c.Validity.Leaf {
		return invalidInput(op, "authority validity (%d days) must exceed leaf validity (%d days)",
			c.Validity.Authority, c.Validity.Leaf)
	}
	if _, err := c.KeyAlgorithm.spec(); err != nil {
		return invalidInput(op, "%v", err)
	}

	return nil
}

// targets returns the paths this run will write.
func (c Config) targets() []string {
	var names []string
	if !c.ReuseAuthority {
		names = append(names, AuthorityCertFile)
		if c.ExportAuthorityKey {
			names = append(names, AuthorityKeyFile)
		}
	}
	names = append(names, ServerCertFile, ServerKeyFile)

	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, filepath.Join(c.OutputDir, name))
	}
	return paths
}

// staleTargets returns the paths this run removes. A regenerated authority
// without an exported key must not leave an older ca.key next to the new ca.crt.
func (c Config) staleTargets() []string {
	if c.ReuseAuthority || c.ExportAuthorityKey {
		return nil
	}
	return []string{filepath.Join(c.OutputDir, AuthorityKeyFile)}
}

// splitSANs separates IP literals from DNS names, preserving order.
func splitSANs(sans []string) (dnsNames []string, ips []net.IP) {
	for _, san := range sans {
		if ip := net.ParseIP(san); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, san)
		}
	}
	return dnsNames, ips
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

// validDNSName accepts RFC 1123 hostnames with an optional leading wildcard label.
func validDNSName(name string) bool {
	name = strings.TrimSuffix(name, ".")
	if name == "" || len(name) > 253 {
		return false
	}

	labels := strings.Split(name, ".")
	for i, label := range labels {
		if i == 0 && label == "*" && len(labels) > 1 {
			continue
		}
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			default:
				return false
			}
		}
	}

	return true
}
