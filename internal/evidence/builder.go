// Package evidence builds sealed, content-hashed evidence packages and
// scores them under the active risk model.
package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quantumlayerhq/ql-cgov/internal/blastradius"
	"github.com/quantumlayerhq/ql-cgov/internal/riskmodel"
	"github.com/quantumlayerhq/ql-cgov/internal/store"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/audit"
	"github.com/quantumlayerhq/ql-cgov/pkg/canonical"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/metrics"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
	"github.com/quantumlayerhq/ql-cgov/pkg/sbom"
	"github.com/quantumlayerhq/ql-cgov/pkg/telemetry"
)

const resourceType = "evidence_package"

// Completeness findings, named by the evidence path they concern.
const (
	MissingArtifactHash = "artifact.hash"
	MissingSignature    = "artifact.signed"
	MissingCoverage     = "tests.coverage_percent"
	MissingScans        = "scans"
	MissingDeployment   = "deployment_plan"
	MissingRollback     = "rollback_plan"
)

// Classifier assigns the blast radius of a deployment.
type Classifier interface {
	Classify(ctx context.Context, in blastradius.Input) blastradius.Result
}

// BuildRequest is the raw input for one deployment candidate.
type BuildRequest struct {
	CorrelationID string
	DeploymentRef string
	Evidence      json.RawMessage
	ActorID       string
}

// Builder seals evidence packages.
type Builder struct {
	store      store.Store
	classifier Classifier
	events     audit.Sink
	metrics    *metrics.Metrics
	log        *logger.Logger
	schema     *jsonschema.Schema
	now        func() time.Time
}

// NewBuilder creates a builder. It fails only if the embedded schema does
// not compile.
func NewBuilder(s store.Store, classifier Classifier, events audit.Sink, m *metrics.Metrics, log *logger.Logger) (*Builder, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &Builder{
		store:      s,
		classifier: classifier,
		events:     events,
		metrics:    m,
		log:        log.WithComponent("evidence"),
		schema:     schema,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the time source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates, classifies and scores raw evidence, then persists the
// package and its breakdown in one transaction. The content hash is the
// last field set. An incomplete package is still stored and returned
// together with an IncompleteEvidenceError.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (pkg *models.EvidencePackage, err error) {
	ctx, span := telemetry.OperationSpan(ctx, "evidence", "build", req.CorrelationID)
	defer func() { span.Finish(err) }()

	if req.CorrelationID == "" {
		return nil, apperrors.Validation("missing_correlation_id", "correlation_id", "correlation id is required")
	}
	if req.DeploymentRef == "" {
		return nil, apperrors.Validation("missing_deployment_ref", "deployment_ref", "deployment reference is required")
	}
	if err := validateRaw(b.schema, req.Evidence); err != nil {
		return nil, err
	}

	// Unknown fields are refused so the sealed record is exactly what was sent.
	var data models.EvidenceData
	dec := json.NewDecoder(bytes.NewReader(req.Evidence))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&data); err != nil {
		return nil, apperrors.Validation("malformed_evidence", "evidence_data", "failed to decode evidence: %v", err)
	}
	if err := validatePURLs(data); err != nil {
		return nil, err
	}

	classification := b.classifier.Classify(ctx, blastradius.InputFromEvidence(data))
	missing := Completeness(data)
	now := b.now()

	pkg = &models.EvidencePackage{
		ID:               uuid.New(),
		CorrelationID:    req.CorrelationID,
		DeploymentRef:    req.DeploymentRef,
		EvidenceData:     data,
		IsComplete:       len(missing) == 0,
		MissingFields:    missing,
		BlastRadiusClass: classification.Tier,
		ClassifierRule:   classification.Rule,
		CreatedAt:        now,
	}

	err = b.store.WithTx(ctx, func(tx store.Tx) error {
		model, err := riskmodel.ActiveIn(ctx, tx)
		if err != nil {
			return err
		}
		result, err := riskmodel.Evaluate(model, data)
		if err != nil {
			return err
		}
		pkg.RiskScore = result.Score
		pkg.RiskModelVersion = model.Version

		hash, err := ContentHash(pkg.EvidenceData)
		if err != nil {
			return err
		}
		pkg.ContentHash = hash

		if err := tx.InsertEvidencePackage(ctx, pkg); err != nil {
			return err
		}
		if err := tx.InsertRiskScoreBreakdown(ctx, &models.RiskScoreBreakdown{
			EvidencePackageID: pkg.ID,
			RiskModelVersion:  model.Version,
			Contributions:     result.Contributions,
			RiskScore:         result.Score,
			RiskLevel:         models.CalculateRiskLevel(result.Score),
			CreatedAt:         now,
		}); err != nil {
			return err
		}

		return b.events.Emit(ctx, audit.NewEvent(audit.EventEvidenceSealed, pkg.CorrelationID, req.ActorID,
			resourceType, pkg.ID.String(), audit.StatusSuccess, map[string]any{
				"content_hash":       pkg.ContentHash,
				"risk_score":         pkg.RiskScore,
				"risk_model_version": pkg.RiskModelVersion,
				"blast_radius_class": string(pkg.BlastRadiusClass),
				"classifier_rule":    pkg.ClassifierRule,
				"is_complete":        pkg.IsComplete,
			}))
	})
	if err != nil {
		if apperrors.IsFatal(err) {
			b.log.ErrorContext(ctx, "evidence scoring blocked", "correlation_id", req.CorrelationID, "error", err)
		}
		return nil, err
	}

	span.SetAttribute("risk_score", pkg.RiskScore)
	span.SetAttribute("risk_model_version", pkg.RiskModelVersion)
	span.SetAttribute("blast_radius", string(pkg.BlastRadiusClass))
	b.metrics.ObserveEvidence(pkg.IsComplete, string(pkg.BlastRadiusClass), pkg.RiskScore)
	b.log.InfoContext(ctx, "evidence package sealed",
		"package_id", pkg.ID,
		"correlation_id", pkg.CorrelationID,
		"risk_score", pkg.RiskScore,
		"risk_model_version", pkg.RiskModelVersion,
		"blast_radius", pkg.BlastRadiusClass,
		"complete", pkg.IsComplete,
	)

	if !pkg.IsComplete {
		return pkg, &apperrors.IncompleteEvidenceError{PackageID: pkg.ID.String(), Missing: missing}
	}
	return pkg, nil
}

// Get returns a package after re-verifying its content hash. A mismatch
// emits a tamper event and returns a TamperError.
func (b *Builder) Get(ctx context.Context, id uuid.UUID) (*models.EvidencePackage, error) {
	pkg, err := b.store.GetEvidencePackage(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := b.verify(ctx, pkg); err != nil {
		return nil, err
	}
	return pkg, nil
}

// Breakdown returns the per-factor reconstruction of a package's score.
func (b *Builder) Breakdown(ctx context.Context, id uuid.UUID) (*models.RiskScoreBreakdown, error) {
	if _, err := b.Get(ctx, id); err != nil {
		return nil, err
	}
	return b.store.GetRiskScoreBreakdown(ctx, id)
}

func (b *Builder) verify(ctx context.Context, pkg *models.EvidencePackage) error {
	err := Verify(pkg)
	if err == nil {
		return nil
	}
	tamper, ok := err.(*apperrors.TamperError)
	if !ok {
		return err
	}

	b.log.WarnContext(ctx, "evidence tamper detected",
		"package_id", pkg.ID,
		"correlation_id", pkg.CorrelationID,
		"stored_hash", tamper.StoredHash,
		"computed_hash", tamper.ComputedHash,
	)
	if emitErr := b.events.Emit(ctx, audit.NewEvent(audit.EventEvidenceTamperDetected, pkg.CorrelationID, "",
		resourceType, pkg.ID.String(), audit.StatusFailure, map[string]any{
			"stored_hash":   tamper.StoredHash,
			"computed_hash": tamper.ComputedHash,
		})); emitErr != nil {
		return fmt.Errorf("%w (audit emit failed: %v)", err, emitErr)
	}
	return err
}

// ContentHash is the SHA-256 of the canonical encoding of data.
func ContentHash(data models.EvidenceData) (string, error) {
	return canonical.Hash(data)
}

// Verify recomputes the content hash of pkg. It returns a TamperError when
// the stored hash no longer matches.
func Verify(pkg *models.EvidencePackage) error {
	computed, err := ContentHash(pkg.EvidenceData)
	if err != nil {
		return err
	}
	if pkg.ContentHash == "" || computed != pkg.ContentHash {
		return &apperrors.TamperError{
			PackageID:    pkg.ID.String(),
			StoredHash:   pkg.ContentHash,
			ComputedHash: computed,
		}
	}
	return nil
}

// Completeness lists the required evidence that is absent. An empty list
// means the package is complete.
func Completeness(data models.EvidenceData) []string {
	var missing []string
	if data.Artifact.Hash == "" {
		missing = append(missing, MissingArtifactHash)
	}
	if !data.Artifact.Signed {
		missing = append(missing, MissingSignature)
	}
	if data.Tests == nil || data.Tests.CoveragePercent == nil {
		missing = append(missing, MissingCoverage)
	}
	if data.Scans == nil {
		missing = append(missing, MissingScans)
	}
	if data.Deployment == nil {
		missing = append(missing, MissingDeployment)
	}
	if data.Rollback == nil {
		missing = append(missing, MissingRollback)
	}
	return missing
}

func validatePURLs(data models.EvidenceData) error {
	if data.SBOM == nil {
		return nil
	}
	for i, c := range data.SBOM.Components {
		if c.PURL == "" {
			continue
		}
		if err := sbom.ValidatePURL(c.PURL); err != nil {
			return apperrors.Validation("invalid_purl", fmt.Sprintf("sbom.components[%d].purl", i), "%v", err)
		}
	}
	return nil
}
