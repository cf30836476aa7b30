// Package apperrors defines the error taxonomy shared by every governance
// component. Callers branch on the Kind of an error, never on its text.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindSecurity     Kind = "SECURITY"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindConflict     Kind = "CONFLICT"
	KindNotFound     Kind = "NOT_FOUND"
	KindFatal        Kind = "FATAL"
)

// Reason codes carried by SecurityValidationError.
const (
	ReasonArtifactHashMismatch = "ARTIFACT_HASH_MISMATCH"
	ReasonEvidenceTampered     = "EVIDENCE_TAMPERED"
	ReasonSBOMHashMismatch     = "SBOM_HASH_MISMATCH"
	ReasonBlastRadiusMissing   = "BLAST_RADIUS_MISSING"
)

// kinded is implemented by every error in this package.
type kinded interface {
	Kind() Kind
}

// kindSentinel lets errors.Is(err, ErrConflict) match any error of that kind.
type kindSentinel struct {
	kind Kind
}

func (s *kindSentinel) Error() string { return strings.ToLower(string(s.kind)) }
func (s *kindSentinel) Kind() Kind    { return s.kind }

// Sentinels for errors.Is checks by kind.
var (
	ErrValidation   error = &kindSentinel{KindValidation}
	ErrSecurity     error = &kindSentinel{KindSecurity}
	ErrUnauthorized error = &kindSentinel{KindUnauthorized}
	ErrConflict     error = &kindSentinel{KindConflict}
	ErrNotFound     error = &kindSentinel{KindNotFound}
	ErrFatal        error = &kindSentinel{KindFatal}
)

// ErrNoActiveRiskModel is returned whenever scoring or routing needs the
// active risk model and none exists. There is no fallback score.
var ErrNoActiveRiskModel = &FatalError{Message: "no active risk model version"}

func matchKind(target error, k Kind) bool {
	s, ok := target.(*kindSentinel)
	return ok && s.kind == k
}

// KindOf returns the kind of err, or an empty Kind for foreign errors.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

func IsValidation(err error) bool   { return KindOf(err) == KindValidation }
func IsSecurity(err error) bool     { return KindOf(err) == KindSecurity }
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }
func IsConflict(err error) bool     { return KindOf(err) == KindConflict }
func IsNotFound(err error) bool     { return KindOf(err) == KindNotFound }
func IsFatal(err error) bool        { return KindOf(err) == KindFatal }

// ValidationError reports malformed input.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

// Validation builds a ValidationError.
func Validation(code, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", KindValidation, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", KindValidation, e.Message)
}

func (e *ValidationError) Kind() Kind           { return KindValidation }
func (e *ValidationError) Is(target error) bool { return matchKind(target, KindValidation) }

// IncompleteEvidenceError is non-fatal: the package was scored and stored
// but lacks required evidence, so it can never be auto-approved.
type IncompleteEvidenceError struct {
	PackageID string
	Missing   []string
}

func (e *IncompleteEvidenceError) Error() string {
	return fmt.Sprintf("%s: evidence package %s is incomplete, missing %s",
		KindValidation, e.PackageID, strings.Join(e.Missing, ", "))
}

func (e *IncompleteEvidenceError) Kind() Kind           { return KindValidation }
func (e *IncompleteEvidenceError) Is(target error) bool { return matchKind(target, KindValidation) }

// InvalidRiskModelError blocks activation of a risk model version.
type InvalidRiskModelError struct {
	Version string
	Reason  string
}

func (e *InvalidRiskModelError) Error() string {
	return fmt.Sprintf("%s: invalid risk model %s: %s", KindFatal, e.Version, e.Reason)
}

func (e *InvalidRiskModelError) Kind() Kind           { return KindFatal }
func (e *InvalidRiskModelError) Is(target error) bool { return matchKind(target, KindFatal) }

// FatalError is a configuration failure that stops scoring.
type FatalError struct {
	Message string
	Err     error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", KindFatal, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", KindFatal, e.Message)
}

func (e *FatalError) Kind() Kind           { return KindFatal }
func (e *FatalError) Unwrap() error        { return e.Err }
func (e *FatalError) Is(target error) bool { return matchKind(target, KindFatal) }

// SecurityValidationError is a hard deployment block.
type SecurityValidationError struct {
	Reason    string
	PackageID string
	Detail    string
}

func (e *SecurityValidationError) Error() string {
	return fmt.Sprintf("%s: %s: package %s: %s", KindSecurity, e.Reason, e.PackageID, e.Detail)
}

func (e *SecurityValidationError) Kind() Kind           { return KindSecurity }
func (e *SecurityValidationError) Is(target error) bool { return matchKind(target, KindSecurity) }

// TamperError reports a stored content hash that no longer matches the
// recomputed hash of the evidence record.
type TamperError struct {
	PackageID    string
	StoredHash   string
	ComputedHash string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("%s: evidence package %s tampered: stored %s, computed %s",
		KindSecurity, e.PackageID, e.StoredHash, e.ComputedHash)
}

func (e *TamperError) Kind() Kind           { return KindSecurity }
func (e *TamperError) Is(target error) bool { return matchKind(target, KindSecurity) }

// AuthorizationError is raised before any state mutation.
type AuthorizationError struct {
	ActorID    string
	Capability string
	Reason     string
}

// Unauthorized builds an AuthorizationError.
func Unauthorized(actorID, capability, format string, args ...any) *AuthorizationError {
	return &AuthorizationError{ActorID: actorID, Capability: capability, Reason: fmt.Sprintf(format, args...)}
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: actor %s: %s", KindUnauthorized, e.ActorID, e.Reason)
}

func (e *AuthorizationError) Kind() Kind           { return KindUnauthorized }
func (e *AuthorizationError) Is(target error) bool { return matchKind(target, KindUnauthorized) }

// ConflictError means someone else already acted.
type ConflictError struct {
	Resource string
	Message  string
}

// Conflict builds a ConflictError.
func Conflict(resource, format string, args ...any) *ConflictError {
	return &ConflictError{Resource: resource, Message: fmt.Sprintf(format, args...)}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s: %s", KindConflict, e.Resource, e.Message)
}

func (e *ConflictError) Kind() Kind           { return KindConflict }
func (e *ConflictError) Is(target error) bool { return matchKind(target, KindConflict) }

// DuplicateSubmissionError is the ConflictError raised when an evidence
// package already has an approval request, open or decided.
type DuplicateSubmissionError struct {
	EvidencePackageID string
	ExistingRequestID string
}

func (e *DuplicateSubmissionError) Error() string {
	if e.ExistingRequestID == "" {
		return fmt.Sprintf("%s: evidence package %s already has an open approval request",
			KindConflict, e.EvidencePackageID)
	}
	return fmt.Sprintf("%s: evidence package %s already has open approval request %s",
		KindConflict, e.EvidencePackageID, e.ExistingRequestID)
}

func (e *DuplicateSubmissionError) Kind() Kind           { return KindConflict }
func (e *DuplicateSubmissionError) Is(target error) bool { return matchKind(target, KindConflict) }

// Unwrap exposes the underlying ConflictError to errors.As.
func (e *DuplicateSubmissionError) Unwrap() error {
	return &ConflictError{Resource: "cab_request", Message: "duplicate submission"}
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Resource string
	ID       string
}

// NotFound builds a NotFoundError.
func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %s", KindNotFound, e.Resource, e.ID)
}

func (e *NotFoundError) Kind() Kind           { return KindNotFound }
func (e *NotFoundError) Is(target error) bool { return matchKind(target, KindNotFound) }
