// Package artifact gives the security gate byte access to artifact binaries
// and SBOM documents.
package artifact

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/config"
)

// Store fetches and stores blobs by reference.
type Store interface {
	Get(ctx context.Context, ref string) ([]byte, error)
	Put(ctx context.Context, ref string, data []byte) error
}

// Backend types.
const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.ArtifactsConfig) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		return NewFileStore(cfg.RootDir)
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifacts.bucket is required for S3 storage")
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unsupported artifact backend: %s", cfg.Backend)
	}
}

// cleanRef rejects references that could escape the store root.
func cleanRef(ref string) (string, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "/")
	if ref == "" {
		return "", apperrors.Validation("invalid_ref", "ref", "artifact reference is required")
	}
	for _, part := range strings.Split(ref, "/") {
		if part == ".." || part == "." || part == "" {
			return "", apperrors.Validation("invalid_ref", "ref", "artifact reference %q is not a clean path", ref)
		}
	}
	return ref, nil
}
