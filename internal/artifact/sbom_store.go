package artifact

import (
	"context"
	"fmt"

	"github.com/quantumlayerhq/ql-cgov/pkg/sbom"
)

// SBOM is a fetched SBOM document with the digest of its stored bytes.
type SBOM struct {
	Document *sbom.Document
	Hash     string
}

// SBOMStore reads SBOM documents out of a blob store.
type SBOMStore struct {
	blobs Store
}

// NewSBOMStore creates an SBOM store over blobs.
func NewSBOMStore(blobs Store) *SBOMStore {
	return &SBOMStore{blobs: blobs}
}

// Get returns the SBOM at ref and its SHA-256 digest.
func (s *SBOMStore) Get(ctx context.Context, ref string) (*SBOM, error) {
	raw, err := s.blobs.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	doc, err := sbom.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sbom %s: %w", ref, err)
	}
	return &SBOM{Document: doc, Hash: sbom.Digest(raw)}, nil
}
