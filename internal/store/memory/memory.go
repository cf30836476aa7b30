// Package memory is an in-process store.Store for tests and local runs.
// Transactions hold the store lock for their whole duration and restore a
// snapshot when the callback fails.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlayerhq/ql-cgov/internal/store"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

type state struct {
	riskModels  map[string]models.RiskModelVersion
	evidence    map[uuid.UUID]models.EvidencePackage
	breakdowns  map[uuid.UUID]models.RiskScoreBreakdown
	requests    map[uuid.UUID]models.CABApprovalRequest
	votes       map[uuid.UUID][]models.CABVote
	decisions   map[uuid.UUID]models.CABApprovalDecision
	exceptions  map[uuid.UUID]models.CABException
	incidents   map[uuid.UUID]models.DeploymentIncident
	progress    map[uuid.UUID]models.TrustMaturityProgress
	approvals   map[uuid.UUID]models.ProgressionApproval
	maturity    *models.MaturityState
	activeModel string
}

func newState() *state {
	return &state{
		riskModels: make(map[string]models.RiskModelVersion),
		evidence:   make(map[uuid.UUID]models.EvidencePackage),
		breakdowns: make(map[uuid.UUID]models.RiskScoreBreakdown),
		requests:   make(map[uuid.UUID]models.CABApprovalRequest),
		votes:      make(map[uuid.UUID][]models.CABVote),
		decisions:  make(map[uuid.UUID]models.CABApprovalDecision),
		exceptions: make(map[uuid.UUID]models.CABException),
		incidents:  make(map[uuid.UUID]models.DeploymentIncident),
		progress:   make(map[uuid.UUID]models.TrustMaturityProgress),
		approvals:  make(map[uuid.UUID]models.ProgressionApproval),
	}
}

// clone copies the maps. Records are deep-copied on the way in and out and
// replaced whole, so a shallow copy of each map is a consistent snapshot.
func (s *state) clone() *state {
	c := &state{
		riskModels:  maps.Clone(s.riskModels),
		evidence:    maps.Clone(s.evidence),
		breakdowns:  maps.Clone(s.breakdowns),
		requests:    maps.Clone(s.requests),
		votes:       make(map[uuid.UUID][]models.CABVote, len(s.votes)),
		decisions:   maps.Clone(s.decisions),
		exceptions:  maps.Clone(s.exceptions),
		incidents:   maps.Clone(s.incidents),
		progress:    maps.Clone(s.progress),
		approvals:   maps.Clone(s.approvals),
		activeModel: s.activeModel,
	}
	for k, v := range s.votes {
		c.votes[k] = slices.Clone(v)
	}
	if s.maturity != nil {
		m := *s.maturity
		c.maturity = &m
	}
	return c
}

// Store is a mutex-guarded in-memory store.Store.
type Store struct {
	view
	mu sync.Mutex
	st *state
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	s := &Store{st: newState()}
	s.view = view{s: s}
	return s
}

// WithTx runs fn with the store locked. Calls made through tx do not take
// the lock again.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&view{s: s, inTx: true}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// view implements store.Tx. Outside a transaction each call locks the
// store; inside one the transaction already holds the lock.
type view struct {
	s    *Store
	inTx bool
}

func (v *view) lock() func() {
	if v.inTx {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

// Risk models

func (v *view) InsertRiskModelVersion(_ context.Context, m *models.RiskModelVersion) error {
	defer v.lock()()
	if _, ok := v.s.st.riskModels[m.Version]; ok {
		return apperrors.Conflict("risk_model_version", "version %s already exists", m.Version)
	}
	rec := copyModel(*m)
	rec.IsActive = false
	v.s.st.riskModels[m.Version] = rec
	return nil
}

func (v *view) GetRiskModelVersion(_ context.Context, version string) (*models.RiskModelVersion, error) {
	defer v.lock()()
	m, ok := v.s.st.riskModels[version]
	if !ok {
		return nil, apperrors.NotFound("risk_model_version", version)
	}
	m = copyModel(m)
	return &m, nil
}

func (v *view) ListRiskModelVersions(context.Context) ([]models.RiskModelVersion, error) {
	defer v.lock()()
	out := make([]models.RiskModelVersion, 0, len(v.s.st.riskModels))
	for _, m := range v.s.st.riskModels {
		out = append(out, copyModel(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v *view) GetActiveRiskModelVersion(context.Context) (*models.RiskModelVersion, error) {
	defer v.lock()()
	m, ok := v.s.st.riskModels[v.s.st.activeModel]
	if !ok {
		return nil, apperrors.NotFound("risk_model_version", "active")
	}
	m = copyModel(m)
	return &m, nil
}

func (v *view) MarkRiskModelApproved(_ context.Context, version, approvedBy string, at time.Time) error {
	defer v.lock()()
	m, ok := v.s.st.riskModels[version]
	if !ok {
		return apperrors.NotFound("risk_model_version", version)
	}
	if m.ActivatedAt != nil {
		return apperrors.Conflict("risk_model_version", "version %s is already activated", version)
	}
	m.ApprovedByCAB = true
	m.ApprovedBy = approvedBy
	m.ApprovedAt = &at
	v.s.st.riskModels[version] = m
	return nil
}

func (v *view) SetActiveRiskModelVersion(_ context.Context, version string, at time.Time) error {
	defer v.lock()()
	next, ok := v.s.st.riskModels[version]
	if !ok {
		return apperrors.NotFound("risk_model_version", version)
	}
	if prev, ok := v.s.st.riskModels[v.s.st.activeModel]; ok {
		prev.IsActive = false
		v.s.st.riskModels[prev.Version] = prev
	}
	next.IsActive = true
	if next.ActivatedAt == nil {
		next.ActivatedAt = &at
	}
	v.s.st.riskModels[version] = next
	v.s.st.activeModel = version
	return nil
}

// Evidence

func (v *view) InsertEvidencePackage(_ context.Context, p *models.EvidencePackage) error {
	defer v.lock()()
	if _, ok := v.s.st.evidence[p.ID]; ok {
		return apperrors.Conflict("evidence_package", "package %s already exists", p.ID)
	}
	v.s.st.evidence[p.ID] = copyPackage(*p)
	return nil
}

func (v *view) InsertRiskScoreBreakdown(_ context.Context, b *models.RiskScoreBreakdown) error {
	defer v.lock()()
	if _, ok := v.s.st.breakdowns[b.EvidencePackageID]; ok {
		return apperrors.Conflict("risk_score_breakdown", "breakdown for %s already exists", b.EvidencePackageID)
	}
	v.s.st.breakdowns[b.EvidencePackageID] = copyBreakdown(*b)
	return nil
}

func (v *view) GetEvidencePackage(_ context.Context, id uuid.UUID) (*models.EvidencePackage, error) {
	defer v.lock()()
	p, ok := v.s.st.evidence[id]
	if !ok {
		return nil, apperrors.NotFound("evidence_package", id.String())
	}
	p = copyPackage(p)
	return &p, nil
}

func (v *view) GetEvidencePackageByCorrelation(_ context.Context, correlationID string) (*models.EvidencePackage, error) {
	defer v.lock()()
	var latest *models.EvidencePackage
	for _, p := range v.s.st.evidence {
		if p.CorrelationID != correlationID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			p := copyPackage(p)
			latest = &p
		}
	}
	if latest == nil {
		return nil, apperrors.NotFound("evidence_package", correlationID)
	}
	return latest, nil
}

func (v *view) GetRiskScoreBreakdown(_ context.Context, packageID uuid.UUID) (*models.RiskScoreBreakdown, error) {
	defer v.lock()()
	b, ok := v.s.st.breakdowns[packageID]
	if !ok {
		return nil, apperrors.NotFound("risk_score_breakdown", packageID.String())
	}
	b = copyBreakdown(b)
	return &b, nil
}

// CAB

func (v *view) InsertCABRequest(_ context.Context, r *models.CABApprovalRequest) error {
	defer v.lock()()
	// Every request is either open or decided, so any earlier request for
	// the package blocks a new one.
	for _, existing := range v.s.st.requests {
		if existing.EvidencePackageID == r.EvidencePackageID {
			return &apperrors.DuplicateSubmissionError{
				EvidencePackageID: r.EvidencePackageID.String(),
				ExistingRequestID: existing.ID.String(),
			}
		}
	}
	v.s.st.requests[r.ID] = copyRequest(*r)
	return nil
}

func (v *view) GetCABRequest(_ context.Context, id uuid.UUID) (*models.CABApprovalRequest, error) {
	defer v.lock()()
	r, ok := v.s.st.requests[id]
	if !ok {
		return nil, apperrors.NotFound("cab_request", id.String())
	}
	r = copyRequest(r)
	return &r, nil
}

func (v *view) ListCABRequestsByCorrelation(_ context.Context, correlationID string) ([]models.CABApprovalRequest, error) {
	defer v.lock()()
	var out []models.CABApprovalRequest
	for _, r := range v.s.st.requests {
		if r.CorrelationID == correlationID {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (v *view) UpdateCABRequestStatus(_ context.Context, r *models.CABApprovalRequest, from models.CABStatus) error {
	defer v.lock()()
	current, ok := v.s.st.requests[r.ID]
	if !ok {
		return apperrors.NotFound("cab_request", r.ID.String())
	}
	if current.Status != from {
		return apperrors.Conflict("cab_request", "request %s is %s, expected %s", r.ID, current.Status, from)
	}
	v.s.st.requests[r.ID] = copyRequest(*r)
	return nil
}

func (v *view) InsertCABVote(_ context.Context, vote *models.CABVote) error {
	defer v.lock()()
	for _, existing := range v.s.st.votes[vote.RequestID] {
		if existing.ApproverID == vote.ApproverID {
			return apperrors.Conflict("cab_vote", "%s already voted on request %s", vote.ApproverID, vote.RequestID)
		}
	}
	rec := *vote
	rec.Conditions = slices.Clone(vote.Conditions)
	v.s.st.votes[vote.RequestID] = append(v.s.st.votes[vote.RequestID], rec)
	return nil
}

func (v *view) ListCABVotes(_ context.Context, requestID uuid.UUID) ([]models.CABVote, error) {
	defer v.lock()()
	out := slices.Clone(v.s.st.votes[requestID])
	for i := range out {
		out[i].Conditions = slices.Clone(out[i].Conditions)
	}
	return out, nil
}

func (v *view) InsertCABDecision(_ context.Context, d *models.CABApprovalDecision) error {
	defer v.lock()()
	if _, ok := v.s.st.decisions[d.RequestID]; ok {
		return apperrors.Conflict("cab_decision", "request %s already has a decision", d.RequestID)
	}
	v.s.st.decisions[d.RequestID] = copyDecision(*d)
	return nil
}

func (v *view) GetCABDecision(_ context.Context, requestID uuid.UUID) (*models.CABApprovalDecision, error) {
	defer v.lock()()
	d, ok := v.s.st.decisions[requestID]
	if !ok {
		return nil, apperrors.NotFound("cab_decision", requestID.String())
	}
	d = copyDecision(d)
	return &d, nil
}

func (v *view) ListCABDecisions(_ context.Context, from, to time.Time) ([]models.CABApprovalDecision, error) {
	defer v.lock()()
	w := models.Window{Start: from, End: to}
	var out []models.CABApprovalDecision
	for _, d := range v.s.st.decisions {
		if w.Contains(d.DecidedAt) {
			out = append(out, copyDecision(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecidedAt.Before(out[j].DecidedAt) })
	return out, nil
}

// Exceptions

func (v *view) InsertException(_ context.Context, e *models.CABException) error {
	defer v.lock()()
	for _, existing := range v.s.st.exceptions {
		if existing.RequestID == e.RequestID {
			return apperrors.Conflict("cab_exception", "request %s already has exception %s", e.RequestID, existing.ID)
		}
	}
	v.s.st.exceptions[e.ID] = copyException(*e)
	return nil
}

func (v *view) GetException(_ context.Context, id uuid.UUID) (*models.CABException, error) {
	defer v.lock()()
	e, ok := v.s.st.exceptions[id]
	if !ok {
		return nil, apperrors.NotFound("cab_exception", id.String())
	}
	e = copyException(e)
	return &e, nil
}

func (v *view) GetExceptionByRequest(_ context.Context, requestID uuid.UUID) (*models.CABException, error) {
	defer v.lock()()
	for _, e := range v.s.st.exceptions {
		if e.RequestID == requestID {
			e = copyException(e)
			return &e, nil
		}
	}
	return nil, apperrors.NotFound("cab_exception", requestID.String())
}

func (v *view) UpdateException(_ context.Context, e *models.CABException, expectedVersion int) error {
	defer v.lock()()
	current, ok := v.s.st.exceptions[e.ID]
	if !ok {
		return apperrors.NotFound("cab_exception", e.ID.String())
	}
	if current.Version != expectedVersion {
		return apperrors.Conflict("cab_exception", "exception %s is at version %d, expected %d",
			e.ID, current.Version, expectedVersion)
	}
	e.Version = expectedVersion + 1
	v.s.st.exceptions[e.ID] = copyException(*e)
	return nil
}

func (v *view) ListApprovedExceptionsExpiringBefore(_ context.Context, t time.Time) ([]models.CABException, error) {
	defer v.lock()()
	var out []models.CABException
	for _, e := range v.s.st.exceptions {
		if e.Status == models.ExceptionApproved && !e.ExpiryDate.After(t) {
			out = append(out, copyException(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiryDate.Before(out[j].ExpiryDate) })
	return out, nil
}

// Incidents

func (v *view) InsertIncident(_ context.Context, i *models.DeploymentIncident) error {
	defer v.lock()()
	if _, ok := v.s.st.incidents[i.ID]; ok {
		return apperrors.Conflict("incident", "incident %s already exists", i.ID)
	}
	v.s.st.incidents[i.ID] = copyIncident(*i)
	return nil
}

func (v *view) GetIncident(_ context.Context, id uuid.UUID) (*models.DeploymentIncident, error) {
	defer v.lock()()
	i, ok := v.s.st.incidents[id]
	if !ok {
		return nil, apperrors.NotFound("incident", id.String())
	}
	i = copyIncident(i)
	return &i, nil
}

func (v *view) ResolveIncident(_ context.Context, i *models.DeploymentIncident) error {
	defer v.lock()()
	current, ok := v.s.st.incidents[i.ID]
	if !ok {
		return apperrors.NotFound("incident", i.ID.String())
	}
	if current.IsResolved() {
		return apperrors.Conflict("incident", "incident %s is already resolved", i.ID)
	}
	current.ResolvedAt = clonePtr(i.ResolvedAt)
	current.Resolution = i.Resolution
	current.RootCause = i.RootCause
	current.WasPreventable = clonePtr(i.WasPreventable)
	v.s.st.incidents[i.ID] = current
	return nil
}

func (v *view) ListIncidents(_ context.Context, w models.Window) ([]models.DeploymentIncident, error) {
	defer v.lock()()
	var out []models.DeploymentIncident
	for _, i := range v.s.st.incidents {
		if w.Contains(i.DetectedAt) {
			out = append(out, copyIncident(i))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].DetectedAt.Before(out[b].DetectedAt) })
	return out, nil
}

// Maturity

func (v *view) InsertMaturityProgress(_ context.Context, p *models.TrustMaturityProgress) error {
	defer v.lock()()
	rec := copyProgress(*p)
	rec.CABApproved = false
	v.s.st.progress[p.ID] = rec
	return nil
}

func (v *view) GetMaturityProgress(_ context.Context, id uuid.UUID) (*models.TrustMaturityProgress, error) {
	defer v.lock()()
	p, ok := v.s.st.progress[id]
	if !ok {
		return nil, apperrors.NotFound("maturity_progress", id.String())
	}
	p = copyProgress(p)
	_, p.CABApproved = v.s.st.approvals[id]
	return &p, nil
}

func (v *view) ListMaturityProgress(_ context.Context, limit int) ([]models.TrustMaturityProgress, error) {
	defer v.lock()()
	out := make([]models.TrustMaturityProgress, 0, len(v.s.st.progress))
	for id, p := range v.s.st.progress {
		p = copyProgress(p)
		_, p.CABApproved = v.s.st.approvals[id]
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EvaluatedAt.After(out[j].EvaluatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *view) InsertProgressionApproval(_ context.Context, a *models.ProgressionApproval) error {
	defer v.lock()()
	if _, ok := v.s.st.progress[a.ProgressID]; !ok {
		return apperrors.NotFound("maturity_progress", a.ProgressID.String())
	}
	if _, ok := v.s.st.approvals[a.ProgressID]; ok {
		return apperrors.Conflict("progression_approval", "progress %s is already approved", a.ProgressID)
	}
	v.s.st.approvals[a.ProgressID] = *a
	return nil
}

func (v *view) GetMaturityState(context.Context) (*models.MaturityState, error) {
	defer v.lock()()
	if v.s.st.maturity == nil {
		return nil, apperrors.NotFound("maturity_state", "current")
	}
	m := *v.s.st.maturity
	return &m, nil
}

func (v *view) SetMaturityState(_ context.Context, m *models.MaturityState) error {
	defer v.lock()()
	rec := *m
	v.s.st.maturity = &rec
	return nil
}

// copyPackage detaches the pointer fields of the evidence payload so a
// caller can never reach a stored record.
func copyPackage(p models.EvidencePackage) models.EvidencePackage {
	e := &p.EvidenceData
	if e.SBOM != nil {
		sb := *e.SBOM
		sb.Components = slices.Clone(sb.Components)
		e.SBOM = &sb
	}
	if e.Tests != nil {
		t := *e.Tests
		if t.CoveragePercent != nil {
			c := *t.CoveragePercent
			t.CoveragePercent = &c
		}
		e.Tests = &t
	}
	if e.Scans != nil {
		sc := *e.Scans
		e.Scans = &sc
	}
	if e.Deployment != nil {
		d := *e.Deployment
		d.Steps = slices.Clone(d.Steps)
		e.Deployment = &d
	}
	if e.Rollback != nil {
		r := *e.Rollback
		r.Steps = slices.Clone(r.Steps)
		e.Rollback = &r
	}
	p.MissingFields = slices.Clone(p.MissingFields)
	return p
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func copyModel(m models.RiskModelVersion) models.RiskModelVersion {
	m.AutoApproveThresholds = maps.Clone(m.AutoApproveThresholds)
	m.ManualReviewBands = maps.Clone(m.ManualReviewBands)
	m.Factors = slices.Clone(m.Factors)
	for i := range m.Factors {
		m.Factors[i].Rubric = slices.Clone(m.Factors[i].Rubric)
	}
	m.CalibrationData = maps.Clone(m.CalibrationData)
	m.ApprovedAt = clonePtr(m.ApprovedAt)
	m.ActivatedAt = clonePtr(m.ActivatedAt)
	return m
}

func copyBreakdown(b models.RiskScoreBreakdown) models.RiskScoreBreakdown {
	b.Contributions = slices.Clone(b.Contributions)
	return b
}

func copyRequest(r models.CABApprovalRequest) models.CABApprovalRequest {
	r.Conditions = slices.Clone(r.Conditions)
	r.ReviewedAt = clonePtr(r.ReviewedAt)
	return r
}

func copyDecision(d models.CABApprovalDecision) models.CABApprovalDecision {
	d.Conditions = slices.Clone(d.Conditions)
	d.Approvers = slices.Clone(d.Approvers)
	d.ExceptionID = clonePtr(d.ExceptionID)
	return d
}

func copyException(e models.CABException) models.CABException {
	e.CompensatingControls = slices.Clone(e.CompensatingControls)
	e.ReviewedAt = clonePtr(e.ReviewedAt)
	e.ExpiredAt = clonePtr(e.ExpiredAt)
	return e
}

func copyIncident(i models.DeploymentIncident) models.DeploymentIncident {
	i.WasPreventable = clonePtr(i.WasPreventable)
	i.ResolvedAt = clonePtr(i.ResolvedAt)
	return i
}

func copyProgress(p models.TrustMaturityProgress) models.TrustMaturityProgress {
	p.CandidateLevel = clonePtr(p.CandidateLevel)
	p.Criteria = slices.Clone(p.Criteria)
	return p
}
