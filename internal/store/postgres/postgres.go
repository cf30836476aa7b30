// Package postgres implements store.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quantumlayerhq/ql-cgov/internal/store"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/database"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
	"github.com/quantumlayerhq/ql-cgov/pkg/telemetry"
)

//go:embed schema.sql
var schema string

// constraintOneActive is the unique index translated into a conflict error.
const constraintOneActive = "risk_model_versions_one_active"

// activationLockKey serializes risk model activation.
const activationLockKey int64 = 0x6367_6f76_726d_6163

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	queries
	db *database.DB
}

var _ store.Store = (*Store)(nil)

// New creates a store over an open pool.
func New(db *database.DB) *Store {
	return &Store{queries: queries{q: db.Pool}, db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn in a read-committed transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	ctx, span := telemetry.DatabaseSpan(ctx, "transaction")
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&queries{q: tx})
	})
	span.Finish(err)
	return err
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}

// queries implements store.Tx over a pool or a transaction.
type queries struct {
	q database.Querier
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode column: %w", err)
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func notFoundOr(err error, resource, id string) error {
	if database.IsNoRows(err) {
		return apperrors.NotFound(resource, id)
	}
	return fmt.Errorf("failed to read %s: %w", resource, err)
}

// stringsOrEmpty keeps NOT NULL jsonb list columns as [] rather than null.
func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Risk models

const riskModelColumns = `
	id, version, mode, effective_date, is_active, auto_approve_thresholds,
	manual_review_bands, factors, approved_by_cab, COALESCE(approved_by, ''),
	approved_at, calibration_data, created_by, created_at, activated_at`

func scanRiskModel(row pgx.Row) (*models.RiskModelVersion, error) {
	var m models.RiskModelVersion
	var thresholds, bands, factors, calib []byte
	err := row.Scan(&m.ID, &m.Version, &m.Mode, &m.EffectiveDate, &m.IsActive, &thresholds,
		&bands, &factors, &m.ApprovedByCAB, &m.ApprovedBy,
		&m.ApprovedAt, &calib, &m.CreatedBy, &m.CreatedAt, &m.ActivatedAt)
	if err != nil {
		return nil, err
	}
	for _, col := range []struct {
		raw []byte
		dst any
	}{{thresholds, &m.AutoApproveThresholds}, {bands, &m.ManualReviewBands}, {factors, &m.Factors}, {calib, &m.CalibrationData}} {
		if err := unmarshalJSON(col.raw, col.dst); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (q *queries) InsertRiskModelVersion(ctx context.Context, m *models.RiskModelVersion) error {
	thresholds, err := marshalJSON(m.AutoApproveThresholds)
	if err != nil {
		return err
	}
	bands, err := marshalJSON(m.ManualReviewBands)
	if err != nil {
		return err
	}
	factors, err := marshalJSON(m.Factors)
	if err != nil {
		return err
	}
	calib, err := marshalJSON(m.CalibrationData)
	if err != nil {
		return err
	}

	_, err = q.q.Exec(ctx, `
		INSERT INTO risk_model_versions (
			id, version, mode, effective_date, is_active, auto_approve_thresholds,
			manual_review_bands, factors, approved_by_cab, calibration_data, created_by, created_at
		) VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7, FALSE, $8, $9, $10)`,
		m.ID, m.Version, m.Mode, m.EffectiveDate, thresholds,
		bands, factors, calib, m.CreatedBy, m.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return apperrors.Conflict("risk_model_version", "version %s already exists", m.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to insert risk model version: %w", err)
	}
	return nil
}

func (q *queries) GetRiskModelVersion(ctx context.Context, version string) (*models.RiskModelVersion, error) {
	m, err := scanRiskModel(q.q.QueryRow(ctx,
		`SELECT `+riskModelColumns+` FROM risk_model_versions WHERE version = $1`, version))
	if err != nil {
		return nil, notFoundOr(err, "risk_model_version", version)
	}
	return m, nil
}

func (q *queries) ListRiskModelVersions(ctx context.Context) ([]models.RiskModelVersion, error) {
	rows, err := q.q.Query(ctx, `SELECT `+riskModelColumns+` FROM risk_model_versions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk model versions: %w", err)
	}
	defer rows.Close()

	var out []models.RiskModelVersion
	for rows.Next() {
		m, err := scanRiskModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk model version: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (q *queries) GetActiveRiskModelVersion(ctx context.Context) (*models.RiskModelVersion, error) {
	m, err := scanRiskModel(q.q.QueryRow(ctx,
		`SELECT `+riskModelColumns+` FROM risk_model_versions WHERE is_active`))
	if err != nil {
		return nil, notFoundOr(err, "risk_model_version", "active")
	}
	return m, nil
}

func (q *queries) MarkRiskModelApproved(ctx context.Context, version, approvedBy string, at time.Time) error {
	tag, err := q.q.Exec(ctx, `
		UPDATE risk_model_versions
		SET approved_by_cab = TRUE, approved_by = $2, approved_at = $3
		WHERE version = $1 AND activated_at IS NULL`,
		version, approvedBy, at,
	)
	if err != nil {
		return fmt.Errorf("failed to approve risk model version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.GetRiskModelVersion(ctx, version); err != nil {
			return err
		}
		return apperrors.Conflict("risk_model_version", "version %s is already activated", version)
	}
	return nil
}

func (q *queries) SetActiveRiskModelVersion(ctx context.Context, version string, at time.Time) error {
	if err := database.AdvisoryXactLock(ctx, q.q, activationLockKey); err != nil {
		return err
	}
	if _, err := q.q.Exec(ctx, `UPDATE risk_model_versions SET is_active = FALSE WHERE is_active`); err != nil {
		return fmt.Errorf("failed to deactivate risk model version: %w", err)
	}
	tag, err := q.q.Exec(ctx, `
		UPDATE risk_model_versions
		SET is_active = TRUE, activated_at = COALESCE(activated_at, $2)
		WHERE version = $1`,
		version, at,
	)
	if database.IsUniqueViolation(err) && database.ConstraintName(err) == constraintOneActive {
		return apperrors.Conflict("risk_model_version", "another version was activated concurrently")
	}
	if err != nil {
		return fmt.Errorf("failed to activate risk model version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("risk_model_version", version)
	}
	return nil
}

// Evidence

const evidenceColumns = `
	id, correlation_id, deployment_ref, evidence_data, content_hash, risk_score::float8,
	risk_model_version, is_complete, missing_fields, blast_radius_class,
	COALESCE(classifier_rule, ''), created_at`

func scanEvidence(row pgx.Row) (*models.EvidencePackage, error) {
	var (
		p             models.EvidencePackage
		data, missing []byte
	)
	err := row.Scan(&p.ID, &p.CorrelationID, &p.DeploymentRef, &data, &p.ContentHash, &p.RiskScore,
		&p.RiskModelVersion, &p.IsComplete, &missing, &p.BlastRadiusClass,
		&p.ClassifierRule, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(data, &p.EvidenceData); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(missing, &p.MissingFields); err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *queries) InsertEvidencePackage(ctx context.Context, p *models.EvidencePackage) error {
	data, err := marshalJSON(p.EvidenceData)
	if err != nil {
		return err
	}
	missing, err := marshalJSON(stringsOrEmpty(p.MissingFields))
	if err != nil {
		return err
	}

	_, err = q.q.Exec(ctx, `
		INSERT INTO evidence_packages (
			id, correlation_id, deployment_ref, evidence_data, content_hash, risk_score,
			risk_model_version, is_complete, missing_fields, blast_radius_class,
			classifier_rule, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.CorrelationID, p.DeploymentRef, data, p.ContentHash, p.RiskScore,
		p.RiskModelVersion, p.IsComplete, missing, p.BlastRadiusClass,
		p.ClassifierRule, p.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return apperrors.Conflict("evidence_package", "package %s already exists", p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert evidence package: %w", err)
	}
	return nil
}

func (q *queries) InsertRiskScoreBreakdown(ctx context.Context, b *models.RiskScoreBreakdown) error {
	contributions, err := marshalJSON(b.Contributions)
	if err != nil {
		return err
	}
	_, err = q.q.Exec(ctx, `
		INSERT INTO risk_score_breakdowns (
			evidence_package_id, risk_model_version, contributions, risk_score, risk_level, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		b.EvidencePackageID, b.RiskModelVersion, contributions, b.RiskScore, b.RiskLevel, b.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return apperrors.Conflict("risk_score_breakdown", "breakdown for %s already exists", b.EvidencePackageID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert risk score breakdown: %w", err)
	}
	return nil
}

func (q *queries) GetEvidencePackage(ctx context.Context, id uuid.UUID) (*models.EvidencePackage, error) {
	p, err := scanEvidence(q.q.QueryRow(ctx,
		`SELECT `+evidenceColumns+` FROM evidence_packages WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "evidence_package", id.String())
	}
	return p, nil
}

func (q *queries) GetEvidencePackageByCorrelation(ctx context.Context, correlationID string) (*models.EvidencePackage, error) {
	p, err := scanEvidence(q.q.QueryRow(ctx, `
		SELECT `+evidenceColumns+` FROM evidence_packages
		WHERE correlation_id = $1
		ORDER BY created_at DESC LIMIT 1`, correlationID))
	if err != nil {
		return nil, notFoundOr(err, "evidence_package", correlationID)
	}
	return p, nil
}

func (q *queries) GetRiskScoreBreakdown(ctx context.Context, packageID uuid.UUID) (*models.RiskScoreBreakdown, error) {
	var (
		b             models.RiskScoreBreakdown
		contributions []byte
	)
	err := q.q.QueryRow(ctx, `
		SELECT evidence_package_id, risk_model_version, contributions, risk_score::float8, risk_level, created_at
		FROM risk_score_breakdowns WHERE evidence_package_id = $1`, packageID,
	).Scan(&b.EvidencePackageID, &b.RiskModelVersion, &contributions, &b.RiskScore, &b.RiskLevel, &b.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "risk_score_breakdown", packageID.String())
	}
	if err := unmarshalJSON(contributions, &b.Contributions); err != nil {
		return nil, err
	}
	return &b, nil
}

// CAB

const requestColumns = `
	id, correlation_id, evidence_package_id, risk_score::float8, risk_model_version,
	blast_radius_class, status, submitted_by, COALESCE(approver, ''), COALESCE(rationale, ''),
	conditions, submitted_at, reviewed_at, updated_at`

func scanRequest(row pgx.Row) (*models.CABApprovalRequest, error) {
	var (
		r          models.CABApprovalRequest
		conditions []byte
	)
	err := row.Scan(&r.ID, &r.CorrelationID, &r.EvidencePackageID, &r.RiskScore, &r.RiskModelVersion,
		&r.BlastRadiusClass, &r.Status, &r.SubmittedBy, &r.Approver, &r.Rationale,
		&conditions, &r.SubmittedAt, &r.ReviewedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(conditions, &r.Conditions); err != nil {
		return nil, err
	}
	return &r, nil
}

func (q *queries) InsertCABRequest(ctx context.Context, r *models.CABApprovalRequest) error {
	conditions, err := marshalJSON(stringsOrEmpty(r.Conditions))
	if err != nil {
		return err
	}
	// DO NOTHING keeps the transaction usable so the existing request can be
	// looked up; a concurrent insert waits for the winner to commit.
	tag, err := q.q.Exec(ctx, `
		INSERT INTO cab_requests (
			id, correlation_id, evidence_package_id, risk_score, risk_model_version,
			blast_radius_class, status, submitted_by, approver, rationale,
			conditions, submitted_at, reviewed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13, $14)
		ON CONFLICT (evidence_package_id) DO NOTHING`,
		r.ID, r.CorrelationID, r.EvidencePackageID, r.RiskScore, r.RiskModelVersion,
		r.BlastRadiusClass, r.Status, r.SubmittedBy, r.Approver, r.Rationale,
		conditions, r.SubmittedAt, r.ReviewedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cab request: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	dup := &apperrors.DuplicateSubmissionError{EvidencePackageID: r.EvidencePackageID.String()}
	var existing uuid.UUID
	err = q.q.QueryRow(ctx, `SELECT id FROM cab_requests WHERE evidence_package_id = $1`, r.EvidencePackageID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to look up existing cab request: %w", err)
	}
	dup.ExistingRequestID = existing.String()
	return dup
}

func (q *queries) GetCABRequest(ctx context.Context, id uuid.UUID) (*models.CABApprovalRequest, error) {
	r, err := scanRequest(q.q.QueryRow(ctx, `SELECT `+requestColumns+` FROM cab_requests WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "cab_request", id.String())
	}
	return r, nil
}

func (q *queries) ListCABRequestsByCorrelation(ctx context.Context, correlationID string) ([]models.CABApprovalRequest, error) {
	rows, err := q.q.Query(ctx, `
		SELECT `+requestColumns+` FROM cab_requests
		WHERE correlation_id = $1 ORDER BY submitted_at ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cab requests: %w", err)
	}
	defer rows.Close()

	var out []models.CABApprovalRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cab request: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (q *queries) UpdateCABRequestStatus(ctx context.Context, r *models.CABApprovalRequest, from models.CABStatus) error {
	conditions, err := marshalJSON(stringsOrEmpty(r.Conditions))
	if err != nil {
		return err
	}
	tag, err := q.q.Exec(ctx, `
		UPDATE cab_requests
		SET status = $3, approver = NULLIF($4, ''), rationale = NULLIF($5, ''),
			conditions = $6, reviewed_at = $7, updated_at = $8
		WHERE id = $1 AND status = $2`,
		r.ID, from, r.Status, r.Approver, r.Rationale, conditions, r.ReviewedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update cab request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := q.GetCABRequest(ctx, r.ID)
		if err != nil {
			return err
		}
		return apperrors.Conflict("cab_request", "request %s is %s, expected %s", r.ID, current.Status, from)
	}
	return nil
}

func (q *queries) InsertCABVote(ctx context.Context, v *models.CABVote) error {
	conditions, err := marshalJSON(stringsOrEmpty(v.Conditions))
	if err != nil {
		return err
	}
	_, err = q.q.Exec(ctx, `
		INSERT INTO cab_votes (id, request_id, approver_id, rationale, conditions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.RequestID, v.ApproverID, v.Rationale, conditions, v.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return apperrors.Conflict("cab_vote", "%s already voted on request %s", v.ApproverID, v.RequestID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert cab vote: %w", err)
	}
	return nil
}

func (q *queries) ListCABVotes(ctx context.Context, requestID uuid.UUID) ([]models.CABVote, error) {
	rows, err := q.q.Query(ctx, `
		SELECT id, request_id, approver_id, rationale, conditions, created_at
		FROM cab_votes WHERE request_id = $1 ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cab votes: %w", err)
	}
	defer rows.Close()

	var out []models.CABVote
	for rows.Next() {
		var (
			v          models.CABVote
			conditions []byte
		)
		if err := rows.Scan(&v.ID, &v.RequestID, &v.ApproverID, &v.Rationale, &conditions, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cab vote: %w", err)
		}
		if err := unmarshalJSON(conditions, &v.Conditions); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const decisionColumns = `
	id, request_id, correlation_id, decision_type, rationale, conditions, risk_score::float8,
	risk_model_version, blast_radius_class, decision_maker, approvers, exception_id, decided_at`

func scanDecision(row pgx.Row) (*models.CABApprovalDecision, error) {
	var (
		d                     models.CABApprovalDecision
		conditions, approvers []byte
	)
	err := row.Scan(&d.ID, &d.RequestID, &d.CorrelationID, &d.DecisionType, &d.Rationale, &conditions, &d.RiskScore,
		&d.RiskModelVersion, &d.BlastRadiusClass, &d.DecisionMaker, &approvers, &d.ExceptionID, &d.DecidedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(conditions, &d.Conditions); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(approvers, &d.Approvers); err != nil {
		return nil, err
	}
	return &d, nil
}

func (q *queries) InsertCABDecision(ctx context.Context, d *models.CABApprovalDecision) error {
	conditions, err := marshalJSON(stringsOrEmpty(d.Conditions))
	if err != nil {
		return err
	}
	approvers, err := marshalJSON(stringsOrEmpty(d.Approvers))
	if err != nil {
		return err
	}
	_, err = q.q.Exec(ctx, `
		INSERT INTO cab_decisions (
			id, request_id, correlation_id, decision_type, rationale, conditions, risk_score,
			risk_model_version, blast_radius_class, decision_maker, approvers, exception_id, decided_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.RequestID, d.CorrelationID, d.DecisionType, d.Rationale, conditions, d.RiskScore,
		d.RiskModelVersion, d.BlastRadiusClass, d.DecisionMaker, approvers, d.ExceptionID, d.DecidedAt,
	)
	if database.IsUniqueViolation(err) {
		return apperrors.Conflict("cab_decision", "request %s already has a decision", d.RequestID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert cab decision: %w", err)
	}
	return nil
}

func (q *queries) GetCABDecision(ctx context.Context, requestID uuid.UUID) (*models.CABApprovalDecision, error) {
	d, err := scanDecision(q.q.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM cab_decisions WHERE request_id = $1`, requestID))
	if err != nil {
		return nil, notFoundOr(err, "cab_decision", requestID.String())
	}
	return d, nil
}

func (q *queries) ListCABDecisions(ctx context.Context, from, to time.Time) ([]models.CABApprovalDecision, error) {
	rows, err := q.q.Query(ctx, `
		SELECT `+decisionColumns+` FROM cab_decisions
		WHERE decided_at >= $1 AND decided_at < $2
		ORDER BY decided_at ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list cab decisions: %w", err)
	}
	defer rows.Close()

	var out []models.CABApprovalDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cab decision: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Exceptions

const exceptionColumns = `
	id, request_id, correlation_id, risk_justification, compensating_controls, expiry_date,
	status, requested_by, COALESCE(approved_by, ''), COALESCE(review_rationale, ''), version,
	created_at, reviewed_at, expired_at`

func scanException(row pgx.Row) (*models.CABException, error) {
	var (
		e        models.CABException
		controls []byte
	)
	err := row.Scan(&e.ID, &e.RequestID, &e.CorrelationID, &e.RiskJustification, &controls, &e.ExpiryDate,
		&e.Status, &e.RequestedBy, &e.ApprovedBy, &e.ReviewRationale, &e.Version,
		&e.CreatedAt, &e.ReviewedAt, &e.ExpiredAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(controls, &e.CompensatingControls); err != nil {
		return nil, err
	}
	return &e, nil
}

func (q *queries) InsertException(ctx context.Context, e *models.CABException) error {
	controls, err := marshalJSON(stringsOrEmpty(e.CompensatingControls))
	if err != nil {
		return err
	}
	_, err = q.q.Exec(ctx, `
		INSERT INTO cab_exceptions (
			id, request_id, correlation_id, risk_justification, compensating_controls, expiry_date,
			status, requested_by, version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.RequestID, e.CorrelationID, e.RiskJustification, controls, e.ExpiryDate,
		e.Status, e.RequestedBy, e.Version, e.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return apperrors.Conflict("cab_exception", "request %s already has an exception", e.RequestID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert cab exception: %w", err)
	}
	return nil
}

func (q *queries) GetException(ctx context.Context, id uuid.UUID) (*models.CABException, error) {
	e, err := scanException(q.q.QueryRow(ctx, `SELECT `+exceptionColumns+` FROM cab_exceptions WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "cab_exception", id.String())
	}
	return e, nil
}

func (q *queries) GetExceptionByRequest(ctx context.Context, requestID uuid.UUID) (*models.CABException, error) {
	e, err := scanException(q.q.QueryRow(ctx,
		`SELECT `+exceptionColumns+` FROM cab_exceptions WHERE request_id = $1`, requestID))
	if err != nil {
		return nil, notFoundOr(err, "cab_exception", requestID.String())
	}
	return e, nil
}

func (q *queries) UpdateException(ctx context.Context, e *models.CABException, expectedVersion int) error {
	tag, err := q.q.Exec(ctx, `
		UPDATE cab_exceptions
		SET status = $3, approved_by = NULLIF($4, ''), review_rationale = NULLIF($5, ''),
			reviewed_at = $6, expired_at = $7, version = version + 1
		WHERE id = $1 AND version = $2`,
		e.ID, expectedVersion, e.Status, e.ApprovedBy, e.ReviewRationale, e.ReviewedAt, e.ExpiredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update cab exception: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := q.GetException(ctx, e.ID)
		if err != nil {
			return err
		}
		return apperrors.Conflict("cab_exception", "exception %s is at version %d, expected %d",
			e.ID, current.Version, expectedVersion)
	}
	e.Version = expectedVersion + 1
	return nil
}

func (q *queries) ListApprovedExceptionsExpiringBefore(ctx context.Context, t time.Time) ([]models.CABException, error) {
	rows, err := q.q.Query(ctx, `
		SELECT `+exceptionColumns+` FROM cab_exceptions
		WHERE status = 'approved' AND expiry_date <= $1
		ORDER BY expiry_date ASC`, t)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring exceptions: %w", err)
	}
	defer rows.Close()

	var out []models.CABException
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cab exception: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Incidents

const incidentColumns = `
	id, deployment_ref, evidence_package_id, correlation_id, severity, was_auto_approved,
	risk_score_at_approval::float8, blast_radius_class, COALESCE(description, ''), COALESCE(root_cause, ''),
	was_preventable, reported_by, detected_at, resolved_at, COALESCE(resolution, ''), created_at`

func scanIncident(row pgx.Row) (*models.DeploymentIncident, error) {
	var i models.DeploymentIncident
	err := row.Scan(&i.ID, &i.DeploymentRef, &i.EvidencePackageID, &i.CorrelationID, &i.Severity, &i.WasAutoApproved,
		&i.RiskScoreAtApproval, &i.BlastRadiusClass, &i.Description, &i.RootCause,
		&i.WasPreventable, &i.ReportedBy, &i.DetectedAt, &i.ResolvedAt, &i.Resolution, &i.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (q *queries) InsertIncident(ctx context.Context, i *models.DeploymentIncident) error {
	_, err := q.q.Exec(ctx, `
		INSERT INTO deployment_incidents (
			id, deployment_ref, evidence_package_id, correlation_id, severity, was_auto_approved,
			risk_score_at_approval, blast_radius_class, description, root_cause,
			was_preventable, reported_by, detected_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13, $14)`,
		i.ID, i.DeploymentRef, i.EvidencePackageID, i.CorrelationID, i.Severity, i.WasAutoApproved,
		i.RiskScoreAtApproval, i.BlastRadiusClass, i.Description, i.RootCause,
		i.WasPreventable, i.ReportedBy, i.DetectedAt, i.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return apperrors.Conflict("incident", "incident %s already exists", i.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

func (q *queries) GetIncident(ctx context.Context, id uuid.UUID) (*models.DeploymentIncident, error) {
	i, err := scanIncident(q.q.QueryRow(ctx, `SELECT `+incidentColumns+` FROM deployment_incidents WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "incident", id.String())
	}
	return i, nil
}

func (q *queries) ResolveIncident(ctx context.Context, i *models.DeploymentIncident) error {
	tag, err := q.q.Exec(ctx, `
		UPDATE deployment_incidents
		SET resolved_at = $2, resolution = $3, root_cause = COALESCE(NULLIF($4, ''), root_cause),
			was_preventable = COALESCE($5, was_preventable)
		WHERE id = $1 AND resolved_at IS NULL`,
		i.ID, i.ResolvedAt, i.Resolution, i.RootCause, i.WasPreventable,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.GetIncident(ctx, i.ID); err != nil {
			return err
		}
		return apperrors.Conflict("incident", "incident %s is already resolved", i.ID)
	}
	return nil
}

func (q *queries) ListIncidents(ctx context.Context, w models.Window) ([]models.DeploymentIncident, error) {
	rows, err := q.q.Query(ctx, `
		SELECT `+incidentColumns+` FROM deployment_incidents
		WHERE detected_at >= $1 AND detected_at < $2
		ORDER BY detected_at ASC`, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []models.DeploymentIncident
	for rows.Next() {
		i, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

// Maturity

const progressColumns = `
	p.id, p.evaluated_at, p.current_level, p.candidate_level, p.level_since, p.window_start, p.window_end,
	p.deployments, p.incidents, p.p1_incidents, p.p2_incidents, p.incident_rate, p.criteria,
	p.ready_to_progress, a.id IS NOT NULL`

const progressFrom = `
	FROM maturity_progress p
	LEFT JOIN progression_approvals a ON a.progress_id = p.id`

func scanProgress(row pgx.Row) (*models.TrustMaturityProgress, error) {
	var (
		p        models.TrustMaturityProgress
		criteria []byte
	)
	err := row.Scan(&p.ID, &p.EvaluatedAt, &p.CurrentLevel, &p.CandidateLevel, &p.LevelSince, &p.Window.Start, &p.Window.End,
		&p.Deployments, &p.Incidents, &p.P1Incidents, &p.P2Incidents, &p.IncidentRate, &criteria,
		&p.ReadyToProgress, &p.CABApproved)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(criteria, &p.Criteria); err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *queries) InsertMaturityProgress(ctx context.Context, p *models.TrustMaturityProgress) error {
	criteria, err := marshalJSON(p.Criteria)
	if err != nil {
		return err
	}
	_, err = q.q.Exec(ctx, `
		INSERT INTO maturity_progress (
			id, evaluated_at, current_level, candidate_level, level_since, window_start, window_end,
			deployments, incidents, p1_incidents, p2_incidents, incident_rate, criteria, ready_to_progress
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.EvaluatedAt, p.CurrentLevel, p.CandidateLevel, p.LevelSince, p.Window.Start, p.Window.End,
		p.Deployments, p.Incidents, p.P1Incidents, p.P2Incidents, p.IncidentRate, criteria, p.ReadyToProgress,
	)
	if err != nil {
		return fmt.Errorf("failed to insert maturity progress: %w", err)
	}
	return nil
}

func (q *queries) GetMaturityProgress(ctx context.Context, id uuid.UUID) (*models.TrustMaturityProgress, error) {
	p, err := scanProgress(q.q.QueryRow(ctx, `SELECT `+progressColumns+progressFrom+` WHERE p.id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "maturity_progress", id.String())
	}
	return p, nil
}

func (q *queries) ListMaturityProgress(ctx context.Context, limit int) ([]models.TrustMaturityProgress, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.q.Query(ctx,
		`SELECT `+progressColumns+progressFrom+` ORDER BY p.evaluated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list maturity progress: %w", err)
	}
	defer rows.Close()

	var out []models.TrustMaturityProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan maturity progress: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (q *queries) InsertProgressionApproval(ctx context.Context, a *models.ProgressionApproval) error {
	_, err := q.q.Exec(ctx, `
		INSERT INTO progression_approvals (
			id, progress_id, from_level, to_level, approved_by, rationale, risk_model_version, approved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ProgressID, a.FromLevel, a.ToLevel, a.ApprovedBy, a.Rationale, a.RiskModelVersion, a.ApprovedAt,
	)
	if database.IsUniqueViolation(err) {
		return apperrors.Conflict("progression_approval", "progress %s is already approved", a.ProgressID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert progression approval: %w", err)
	}
	return nil
}

func (q *queries) GetMaturityState(ctx context.Context) (*models.MaturityState, error) {
	var m models.MaturityState
	err := q.q.QueryRow(ctx, `SELECT level, since, updated_at FROM maturity_state`).
		Scan(&m.Level, &m.Since, &m.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "maturity_state", "current")
	}
	return &m, nil
}

func (q *queries) SetMaturityState(ctx context.Context, m *models.MaturityState) error {
	_, err := q.q.Exec(ctx, `
		INSERT INTO maturity_state (singleton, level, since, updated_at)
		VALUES (TRUE, $1, $2, $3)
		ON CONFLICT (singleton) DO UPDATE
		SET level = EXCLUDED.level, since = EXCLUDED.since, updated_at = EXCLUDED.updated_at`,
		m.Level, m.Since, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set maturity state: %w", err)
	}
	return nil
}
