// Package config loads issuance profiles: YAML (or JSON) files that hold the
// same settings as the certs generate flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/ldapdev/internal/pki"
)

// Profile mirrors pki.Config. Unset fields leave the target untouched.
type Profile struct {
	CommonName          string       `yaml:"common_name" json:"common_name"`
	AuthorityCommonName string       `yaml:"authority_common_name" json:"authority_common_name"`
	SANs                []string     `yaml:"sans" json:"sans"`
	Validity            Validity     `yaml:"validity" json:"validity"`
	KeyAlgorithm        string       `yaml:"key_algorithm" json:"key_algorithm"`
	Subject             pki.Subject  `yaml:"subject" json:"subject"`
	OutputDir           string       `yaml:"output_dir" json:"output_dir"`
	ExportAuthorityKey  bool         `yaml:"export_authority_key" json:"export_authority_key"`
	ReuseAuthority      bool         `yaml:"reuse_authority" json:"reuse_authority"`
	ClientAuth          bool         `yaml:"client_auth" json:"client_auth"`
}

// Validity holds lifetimes in days. A nil field is unset, so an explicit
// zero reaches pki validation.
type Validity struct {
	Authority *int `yaml:"authority" json:"authority"`
	Leaf      *int `yaml:"leaf" json:"leaf"`
}

// Load reads a profile. Files ending in .json are decoded as JSON, anything
// else as YAML. Unknown keys are rejected.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var profile Profile

	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&profile); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse JSON profile: %w", err)
		}
		return &profile, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&profile); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML profile: %w", err)
	}

	return &profile, nil
}

// Apply copies the set fields of the profile onto cfg. Validity is copied
// per field so a profile can change only one lifetime.
func (p *Profile) Apply(cfg *pki.Config) {
	if p.CommonName != "" {
		cfg.CommonName = p.CommonName
	}
	if p.AuthorityCommonName != "" {
		cfg.AuthorityCommonName = p.AuthorityCommonName
	}
	if len(p.SANs) > 0 {
		cfg.SANs = append([]string(nil), p.SANs...)
	}
	if p.Validity.Authority != nil || p.Validity.Leaf != nil {
		v := pki.DefaultValidity()
		if cfg.Validity != nil {
			*v = *cfg.Validity
		}
		if p.Validity.Authority != nil {
			v.Authority = *p.Validity.Authority
		}
		if p.Validity.Leaf != nil {
			v.Leaf = *p.Validity.Leaf
		}
		cfg.Validity = v
	}
	if p.KeyAlgorithm != "" {
		cfg.KeyAlgorithm = pki.KeyAlgorithm(p.KeyAlgorithm)
	}
	if p.Subject != (pki.Subject{}) {
		cfg.Subject = p.Subject
	}
	if p.OutputDir != "" {
		cfg.OutputDir = p.OutputDir
	}
	if p.ExportAuthorityKey {
		cfg.ExportAuthorityKey = true
	}
	if p.ReuseAuthority {
		cfg.ReuseAuthority = true
	}
	if p.ClientAuth {
		cfg.ClientAuth = true
	}
}
