package security

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-cgov/internal/artifact"
	"github.com/quantumlayerhq/ql-cgov/internal/evidence"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/audit"
	"github.com/quantumlayerhq/ql-cgov/pkg/canonical"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
	"github.com/quantumlayerhq/ql-cgov/pkg/sbom"
)

var (
	binary  = []byte("MZ\x90\x00 fonts installer")
	sbomDoc = []byte(`{"bomFormat":"CycloneDX","specVersion":"1.5","components":[{"name":"freetype","purl":"pkg:generic/freetype@2.13.2"}]}`)
)

type gateFixture struct {
	gate   *Gate
	blobs  *artifact.FileStore
	events *audit.MemorySink
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	ctx := context.Background()
	blobs, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, "artifacts/fonts.msi", binary))
	require.NoError(t, blobs.Put(ctx, "sboms/fonts.json", sbomDoc))

	events := audit.NewMemorySink()
	gate := NewGate(blobs, artifact.NewSBOMStore(blobs), events, nil, logger.New("error", "text"))
	return &gateFixture{gate: gate, blobs: blobs, events: events}
}

func sealedPackage(t *testing.T) *models.EvidencePackage {
	t.Helper()
	pkg := &models.EvidencePackage{
		ID:            uuid.New(),
		CorrelationID: "deploy-1",
		EvidenceData: models.EvidenceData{
			Application: models.ApplicationProfile{Name: "Font Bundle"},
			Artifact:    models.ArtifactEvidence{Ref: "artifacts/fonts.msi", Hash: canonical.HashBytes(binary), Signed: true},
			SBOM:        &models.SBOMEvidence{Ref: "sboms/fonts.json", Hash: sbom.Digest(sbomDoc)},
		},
		BlastRadiusClass: models.TierNonCritical,
	}
	hash, err := evidence.ContentHash(pkg.EvidenceData)
	require.NoError(t, err)
	pkg.ContentHash = hash
	return pkg
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var sec *apperrors.SecurityValidationError
	require.True(t, errors.As(err, &sec), "got %v", err)
	return sec.Reason
}

func TestValidatePasses(t *testing.T) {
	f := newGateFixture(t)
	pkg := sealedPackage(t)

	require.NoError(t, f.gate.Validate(context.Background(), "pipeline", pkg, binary))
	require.NoError(t, f.gate.ValidateRef(context.Background(), "pipeline", pkg))
	assert.Empty(t, f.events.Events())
}

func TestValidateSingleFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, f *gateFixture, pkg *models.EvidencePackage) []byte
		reason string
	}{
		{
			name: "substituted artifact",
			mutate: func(*testing.T, *gateFixture, *models.EvidencePackage) []byte {
				return []byte("something else")
			},
			reason: apperrors.ReasonArtifactHashMismatch,
		},
		{
			name: "tampered evidence",
			mutate: func(_ *testing.T, _ *gateFixture, pkg *models.EvidencePackage) []byte {
				pkg.EvidenceData.Application.Name = "Font Bundle Pro"
				return binary
			},
			reason: apperrors.ReasonEvidenceTampered,
		},
		{
			name: "sbom replaced in the store",
			mutate: func(t *testing.T, f *gateFixture, _ *models.EvidencePackage) []byte {
				require.NoError(t, f.blobs.Put(context.Background(), "sboms/fonts.json", []byte(`{"bomFormat":"CycloneDX","components":[]}`)))
				return binary
			},
			reason: apperrors.ReasonSBOMHashMismatch,
		},
		{
			name: "sbom missing from the store",
			mutate: func(t *testing.T, f *gateFixture, pkg *models.EvidencePackage) []byte {
				pkg.EvidenceData.SBOM.Ref = "sboms/gone.json"
				hash, err := evidence.ContentHash(pkg.EvidenceData)
				require.NoError(t, err)
				pkg.ContentHash = hash
				return binary
			},
			reason: apperrors.ReasonSBOMHashMismatch,
		},
		{
			name: "blast radius missing",
			mutate: func(_ *testing.T, _ *gateFixture, pkg *models.EvidencePackage) []byte {
				pkg.BlastRadiusClass = ""
				return binary
			},
			reason: apperrors.ReasonBlastRadiusMissing,
		},
		{
			name: "blast radius unknown",
			mutate: func(_ *testing.T, _ *gateFixture, pkg *models.EvidencePackage) []byte {
				pkg.BlastRadiusClass = "galactic"
				return binary
			},
			reason: apperrors.ReasonBlastRadiusMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture(t)
			pkg := sealedPackage(t)
			bin := tt.mutate(t, f, pkg)

			err := f.gate.Validate(context.Background(), "pipeline", pkg, bin)
			assert.True(t, apperrors.IsSecurity(err))
			assert.Equal(t, tt.reason, reasonOf(t, err))

			events := f.events.ByType(audit.EventSecurityValidationFailed)
			require.Len(t, events, 1)
			assert.Equal(t, tt.reason, events[0].Data["reason"])
			assert.Equal(t, "deploy-1", events[0].CorrelationID)
			assert.Equal(t, "pipeline", events[0].ActorID)
			assert.Equal(t, audit.ActorTypeUser, events[0].ActorType)
			assert.Equal(t, audit.StatusDenied, events[0].Status)
		})
	}
}

func TestValidateReportsEveryFailureReturnsFirst(t *testing.T) {
	f := newGateFixture(t)
	pkg := sealedPackage(t)
	pkg.EvidenceData.Application.Name = "changed"
	pkg.BlastRadiusClass = ""

	err := f.gate.Validate(context.Background(), "pipeline", pkg, []byte("other"))
	assert.Equal(t, apperrors.ReasonArtifactHashMismatch, reasonOf(t, err))

	var reasons []any
	for _, e := range f.events.ByType(audit.EventSecurityValidationFailed) {
		reasons = append(reasons, e.Data["reason"])
	}
	assert.Equal(t, []any{
		apperrors.ReasonArtifactHashMismatch,
		apperrors.ReasonEvidenceTampered,
		apperrors.ReasonBlastRadiusMissing,
	}, reasons)
}

func TestValidateBlocksWhenAuditFails(t *testing.T) {
	f := newGateFixture(t)
	f.events.FailWith(errors.New("sink down"))

	err := f.gate.Validate(context.Background(), "pipeline", sealedPackage(t), []byte("other"))
	assert.True(t, apperrors.IsSecurity(err))
	assert.ErrorContains(t, err, "audit emit failed")
}

func TestValidateRefMissingArtifact(t *testing.T) {
	f := newGateFixture(t)
	pkg := sealedPackage(t)
	pkg.EvidenceData.Artifact.Ref = "artifacts/absent.msi"
	hash, err := evidence.ContentHash(pkg.EvidenceData)
	require.NoError(t, err)
	pkg.ContentHash = hash

	err = f.gate.ValidateRef(context.Background(), "pipeline", pkg)
	assert.Equal(t, apperrors.ReasonArtifactHashMismatch, reasonOf(t, err))
}

func TestValidateWithoutSBOM(t *testing.T) {
	f := newGateFixture(t)
	pkg := sealedPackage(t)
	pkg.EvidenceData.SBOM = nil
	hash, err := evidence.ContentHash(pkg.EvidenceData)
	require.NoError(t, err)
	pkg.ContentHash = hash

	assert.NoError(t, f.gate.Validate(context.Background(), "pipeline", pkg, binary))
}
