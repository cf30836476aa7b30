// Package sbom reads the parts of a software bill of materials the
// governance engine depends on: the document digest recorded at build time
// and the package URLs of its components.
package sbom

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/package-url/packageurl-go"
)

// Format is an SBOM document format.
type Format string

const (
	FormatSPDX      Format = "spdx"
	FormatCycloneDX Format = "cyclonedx"
)

// IsValid checks if the format is supported.
func (f Format) IsValid() bool {
	return f == FormatSPDX || f == FormatCycloneDX
}

// Component is one package listed in a document.
type Component struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	PURL    string `json:"purl,omitempty"`
}

// Document is the parsed, format-independent view of an SBOM.
type Document struct {
	Format      Format      `json:"format"`
	SpecVersion string      `json:"spec_version"`
	Components  []Component `json:"components"`
}

type cycloneDXDocument struct {
	BOMFormat   string `json:"bomFormat"`
	SpecVersion string `json:"specVersion"`
	Components  []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		PURL    string `json:"purl"`
	} `json:"components"`
}

type spdxDocument struct {
	SPDXVersion string `json:"spdxVersion"`
	Packages    []struct {
		Name         string `json:"name"`
		VersionInfo  string `json:"versionInfo"`
		ExternalRefs []struct {
			ReferenceType    string `json:"referenceType"`
			ReferenceLocator string `json:"referenceLocator"`
		} `json:"externalRefs"`
	} `json:"packages"`
}

// Parse detects the format of a JSON SBOM and extracts its components.
func Parse(raw []byte) (*Document, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode sbom: %w", err)
	}

	switch {
	case probe["bomFormat"] != nil:
		return parseCycloneDX(raw)
	case probe["spdxVersion"] != nil:
		return parseSPDX(raw)
	default:
		return nil, fmt.Errorf("unrecognised sbom format")
	}
}

func parseCycloneDX(raw []byte) (*Document, error) {
	var doc cycloneDXDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode cyclonedx sbom: %w", err)
	}
	if !strings.EqualFold(doc.BOMFormat, "CycloneDX") {
		return nil, fmt.Errorf("unexpected bomFormat %q", doc.BOMFormat)
	}

	out := &Document{Format: FormatCycloneDX, SpecVersion: doc.SpecVersion}
	for _, c := range doc.Components {
		out.Components = append(out.Components, Component{Name: c.Name, Version: c.Version, PURL: c.PURL})
	}
	return out, nil
}

func parseSPDX(raw []byte) (*Document, error) {
	var doc spdxDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode spdx sbom: %w", err)
	}

	out := &Document{Format: FormatSPDX, SpecVersion: doc.SPDXVersion}
	for _, p := range doc.Packages {
		c := Component{Name: p.Name, Version: p.VersionInfo}
		for _, ref := range p.ExternalRefs {
			if ref.ReferenceType == "purl" {
				c.PURL = ref.ReferenceLocator
				break
			}
		}
		out.Components = append(out.Components, c)
	}
	return out, nil
}

// Validate checks every component PURL that is present.
func (d *Document) Validate() error {
	for i, c := range d.Components {
		if c.PURL == "" {
			continue
		}
		if err := ValidatePURL(c.PURL); err != nil {
			return fmt.Errorf("component %d (%s): %w", i, c.Name, err)
		}
	}
	return nil
}

// Digest returns the SHA-256 of the document bytes as lowercase hex. SBOM
// hashes are taken over the stored bytes, not a re-encoding.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ValidatePURL parses s as a package URL and requires a type and a name.
func ValidatePURL(s string) error {
	purl, err := packageurl.FromString(s)
	if err != nil {
		return fmt.Errorf("invalid purl %q: %w", s, err)
	}
	if purl.Type == "" || purl.Name == "" {
		return fmt.Errorf("invalid purl %q: type and name are required", s)
	}
	return nil
}

