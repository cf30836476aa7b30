// Package security implements the pre-deployment validation gate.
package security

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantumlayerhq/ql-cgov/internal/artifact"
	"github.com/quantumlayerhq/ql-cgov/internal/evidence"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/audit"
	"github.com/quantumlayerhq/ql-cgov/pkg/canonical"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/metrics"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
	"github.com/quantumlayerhq/ql-cgov/pkg/telemetry"
)

// SBOMSource supplies an SBOM document and its digest.
type SBOMSource interface {
	Get(ctx context.Context, ref string) (*artifact.SBOM, error)
}

// Gate blocks deployments whose artifact, evidence or SBOM no longer match
// what was sealed. It keeps no state between calls.
type Gate struct {
	blobs   artifact.Store
	sboms   SBOMSource
	events  audit.Sink
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewGate creates a gate. blobs is only needed by ValidateRef.
func NewGate(blobs artifact.Store, sboms SBOMSource, events audit.Sink, m *metrics.Metrics, log *logger.Logger) *Gate {
	return &Gate{
		blobs:   blobs,
		sboms:   sboms,
		events:  events,
		metrics: m,
		log:     log.WithComponent("security"),
	}
}

type check struct {
	reason string
	run    func(ctx context.Context, pkg *models.EvidencePackage, binary []byte) (detail string, ok bool)
}

// checks returns the gate checks in evaluation order.
func (g *Gate) checks() []check {
	return []check{
		{apperrors.ReasonArtifactHashMismatch, g.checkArtifact},
		{apperrors.ReasonEvidenceTampered, g.checkEvidence},
		{apperrors.ReasonSBOMHashMismatch, g.checkSBOM},
		{apperrors.ReasonBlastRadiusMissing, g.checkBlastRadius},
	}
}

// Validate runs every check against pkg and artifactBinary on behalf of
// actorID. All checks run and every failure is logged and emitted, but only
// the first failure in check order is returned.
func (g *Gate) Validate(ctx context.Context, actorID string, pkg *models.EvidencePackage, artifactBinary []byte) (err error) {
	ctx, span := telemetry.OperationSpan(ctx, "security", "validate", pkg.CorrelationID)
	defer func() { span.Finish(err) }()

	var first *apperrors.SecurityValidationError
	var emitErrs []error

	for _, c := range g.checks() {
		detail, ok := c.run(ctx, pkg, artifactBinary)
		if ok {
			continue
		}

		failure := &apperrors.SecurityValidationError{
			Reason:    c.reason,
			PackageID: pkg.ID.String(),
			Detail:    detail,
		}
		if first == nil {
			first = failure
		}

		g.metrics.ObserveSecurityFailure(c.reason)
		g.log.WarnContext(ctx, "security check failed",
			"reason", c.reason,
			"package_id", pkg.ID,
			"correlation_id", pkg.CorrelationID,
			"actor", actorID,
			"detail", detail,
		)
		if err := g.events.Emit(ctx, audit.NewEvent(audit.EventSecurityValidationFailed, pkg.CorrelationID, actorID,
			"evidence_package", pkg.ID.String(), audit.StatusDenied, map[string]any{
				"reason": c.reason,
				"detail": detail,
			})); err != nil {
			g.metrics.ObserveAuditFailure()
			emitErrs = append(emitErrs, err)
		}
	}

	if first == nil {
		g.log.InfoContext(ctx, "security validation passed", "package_id", pkg.ID, "correlation_id", pkg.CorrelationID)
		return nil
	}
	if len(emitErrs) > 0 {
		return fmt.Errorf("%w (audit emit failed: %v)", first, errors.Join(emitErrs...))
	}
	return first
}

// ValidateRef fetches the artifact named in the evidence and validates it.
// An artifact that cannot be fetched fails the artifact hash check.
func (g *Gate) ValidateRef(ctx context.Context, actorID string, pkg *models.EvidencePackage) error {
	binary, err := g.blobs.Get(ctx, pkg.EvidenceData.Artifact.Ref)
	if err != nil {
		g.log.WarnContext(ctx, "artifact fetch failed", "ref", pkg.EvidenceData.Artifact.Ref, "error", err)
		binary = nil
	}
	return g.Validate(ctx, actorID, pkg, binary)
}

func (g *Gate) checkArtifact(_ context.Context, pkg *models.EvidencePackage, binary []byte) (string, bool) {
	recorded := pkg.ArtifactHash()
	if recorded == "" {
		return "no artifact hash recorded", false
	}
	if binary == nil {
		return "artifact binary unavailable", false
	}
	if actual := canonical.HashBytes(binary); actual != recorded {
		return fmt.Sprintf("artifact sha256 %s does not match recorded %s", actual, recorded), false
	}
	return "", true
}

func (g *Gate) checkEvidence(_ context.Context, pkg *models.EvidencePackage, _ []byte) (string, bool) {
	if err := evidence.Verify(pkg); err != nil {
		return err.Error(), false
	}
	return "", true
}

// checkSBOM passes when the package records no SBOM; a recorded SBOM must
// be fetchable and hash to the recorded digest.
func (g *Gate) checkSBOM(ctx context.Context, pkg *models.EvidencePackage, _ []byte) (string, bool) {
	sb := pkg.EvidenceData.SBOM
	if sb == nil {
		return "", true
	}
	if sb.Hash == "" || sb.Ref == "" {
		return "sbom recorded without both a reference and a hash", false
	}
	doc, err := g.sboms.Get(ctx, sb.Ref)
	if err != nil {
		return fmt.Sprintf("sbom %s unavailable: %v", sb.Ref, err), false
	}
	if doc.Hash != sb.Hash {
		return fmt.Sprintf("sbom sha256 %s does not match recorded %s", doc.Hash, sb.Hash), false
	}
	return "", true
}

func (g *Gate) checkBlastRadius(_ context.Context, pkg *models.EvidencePackage, _ []byte) (string, bool) {
	if !pkg.BlastRadiusClass.IsValid() {
		return fmt.Sprintf("blast radius %q is not a known tier", pkg.BlastRadiusClass), false
	}
	return "", true
}
