package models

import (
	"time"

	"github.com/google/uuid"
)

// ExceptionStatus is the state of a CAB exception.
type ExceptionStatus string

const (
	ExceptionPending  ExceptionStatus = "pending"
	ExceptionApproved ExceptionStatus = "approved"
	ExceptionRejected ExceptionStatus = "rejected"
	ExceptionExpired  ExceptionStatus = "expired"
)

// Exception expiry bounds, measured from creation.
const (
	MinExceptionDuration = 24 * time.Hour
	MaxExceptionDuration = 90 * 24 * time.Hour
)

// CABException is a time-boxed override for an exception_required request.
// Version is bumped on every status change for optimistic locking.
type CABException struct {
	ID                   uuid.UUID       `json:"id"`
	RequestID            uuid.UUID       `json:"request_id"`
	CorrelationID        string          `json:"correlation_id"`
	RiskJustification    string          `json:"risk_justification"`
	CompensatingControls []string        `json:"compensating_controls"`
	ExpiryDate           time.Time       `json:"expiry_date"`
	Status               ExceptionStatus `json:"status"`
	RequestedBy          string          `json:"requested_by"`
	ApprovedBy           string          `json:"approved_by,omitempty"`
	ReviewRationale      string          `json:"review_rationale,omitempty"`
	Version              int             `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	ReviewedAt           *time.Time      `json:"reviewed_at,omitempty"`
	ExpiredAt            *time.Time      `json:"expired_at,omitempty"`
}

// IsActive reports whether the exception can back a deployment at now.
func (e *CABException) IsActive(now time.Time) bool {
	return e.Status == ExceptionApproved && now.Before(e.ExpiryDate)
}

// IsExpired reports whether the expiry date has passed at now.
func (e *CABException) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiryDate)
}
