package models

import (
	"time"

	"github.com/google/uuid"
)

// CABStatus is the state of an approval request.
type CABStatus string

const (
	CABStatusSubmitted         CABStatus = "submitted"
	CABStatusAutoApproved      CABStatus = "auto_approved"
	CABStatusUnderReview       CABStatus = "under_review"
	CABStatusExceptionRequired CABStatus = "exception_required"
	CABStatusApproved          CABStatus = "approved"
	CABStatusRejected          CABStatus = "rejected"
	CABStatusConditional       CABStatus = "conditional"
)

// IsTerminal reports whether no further transition is possible.
func (s CABStatus) IsTerminal() bool {
	switch s {
	case CABStatusAutoApproved, CABStatusApproved, CABStatusRejected, CABStatusConditional:
		return true
	default:
		return false
	}
}

// PermitsDeployment reports whether the status is a positive outcome.
func (s CABStatus) PermitsDeployment() bool {
	switch s {
	case CABStatusAutoApproved, CABStatusApproved, CABStatusConditional:
		return true
	default:
		return false
	}
}

var cabTransitions = map[CABStatus][]CABStatus{
	CABStatusSubmitted:         {CABStatusAutoApproved, CABStatusUnderReview, CABStatusExceptionRequired},
	CABStatusUnderReview:       {CABStatusApproved, CABStatusRejected, CABStatusConditional},
	CABStatusExceptionRequired: {CABStatusConditional, CABStatusRejected},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to CABStatus) bool {
	for _, s := range cabTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CABApprovalRequest is one run of the approval state machine.
type CABApprovalRequest struct {
	ID                uuid.UUID       `json:"id"`
	CorrelationID     string          `json:"correlation_id"`
	EvidencePackageID uuid.UUID       `json:"evidence_package_id"`
	RiskScore         float64         `json:"risk_score"`
	RiskModelVersion  string          `json:"risk_model_version"`
	BlastRadiusClass  BlastRadiusTier `json:"blast_radius_class"`
	Status            CABStatus       `json:"status"`
	SubmittedBy       string          `json:"submitted_by"`
	Approver          string          `json:"approver,omitempty"`
	Rationale         string          `json:"rationale,omitempty"`
	Conditions        []string        `json:"conditions,omitempty"`
	SubmittedAt       time.Time       `json:"submitted_at"`
	ReviewedAt        *time.Time      `json:"reviewed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CABVote is one CAB member's approval toward quorum.
type CABVote struct {
	ID         uuid.UUID `json:"id"`
	RequestID  uuid.UUID `json:"request_id"`
	ApproverID string    `json:"approver_id"`
	Rationale  string    `json:"rationale"`
	Conditions []string  `json:"conditions,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DecisionType is the terminal outcome of a request.
type DecisionType string

const (
	DecisionAutoApproved DecisionType = "auto_approved"
	DecisionApproved     DecisionType = "approved"
	DecisionRejected     DecisionType = "rejected"
	DecisionConditional  DecisionType = "conditional"
)

// SystemActor is the decision maker for automatic outcomes.
const SystemActor = "system"

// CABApprovalDecision is the write-once record of a terminal transition.
type CABApprovalDecision struct {
	ID               uuid.UUID       `json:"id"`
	RequestID        uuid.UUID       `json:"request_id"`
	CorrelationID    string          `json:"correlation_id"`
	DecisionType     DecisionType    `json:"decision_type"`
	Rationale        string          `json:"rationale"`
	Conditions       []string        `json:"conditions,omitempty"`
	RiskScore        float64         `json:"risk_score"`
	RiskModelVersion string          `json:"risk_model_version"`
	BlastRadiusClass BlastRadiusTier `json:"blast_radius_class"`
	DecisionMaker    string          `json:"decision_maker"`
	Approvers        []string        `json:"approvers,omitempty"`
	ExceptionID      *uuid.UUID      `json:"exception_id,omitempty"`
	DecidedAt        time.Time       `json:"decided_at"`
}

// Clearance is the answer to "may this request be deployed now".
type Clearance struct {
	RequestID   uuid.UUID  `json:"request_id"`
	Allowed     bool       `json:"allowed"`
	Status      CABStatus  `json:"status"`
	Reason      string     `json:"reason"`
	ExceptionID *uuid.UUID `json:"exception_id,omitempty"`
	CheckedAt   time.Time  `json:"checked_at"`
}
