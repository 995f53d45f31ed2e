package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatesg/api/internal/archive"
	"chatesg/api/internal/lock"
	"chatesg/api/internal/outline"
	"chatesg/api/internal/store"
	"chatesg/api/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	cause   error
}

func (e *DomainError) Unwrap() error {
	return e.cause
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func permissionDenied(permissionTag string, required string) *DomainError {
	return domainError(http.StatusForbidden, "PERMISSION_DENIED", "Permission denied", map[string]any{
		"permissionTag": permissionTag,
		"required":      required,
	})
}

func staleDecision(cause error, expectedStageID, currentStageID string) *DomainError {
	err := domainError(http.StatusConflict, "STALE_DECISION", "Stage changed since the decision was prepared", map[string]any{
		"expectedStageId": expectedStageID,
		"currentStageId":  currentStageID,
	})
	err.cause = cause
	return err
}

// translate turns errors of the domain packages into the codes clients see.
// Errors it does not know are returned unchanged and end up as 500s.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	var conflict *lock.ConflictError
	if errors.As(err, &conflict) {
		return domainError(http.StatusConflict, "LOCK_CONFLICT", "Block is locked by another user", map[string]any{
			"holder":   conflict.Holder,
			"lockedAt": conflict.Since.UTC().Format(time.RFC3339),
		})
	}

	switch {
	case errors.Is(err, lock.ErrNotOwner):
		return domainError(http.StatusConflict, "NOT_LOCK_OWNER", "Block is not locked by you", nil)
	case errors.Is(err, workflow.ErrNoWorkflowDefined):
		return domainError(http.StatusConflict, "NO_WORKFLOW_DEFINED", "No workflow stages defined for this chapter", nil)
	case errors.Is(err, workflow.ErrAlreadyInReview), errors.Is(err, store.ErrInReviewConflict):
		return domainError(http.StatusConflict, "ALREADY_IN_REVIEW", "Chapter is already in review", nil)
	case errors.Is(err, workflow.ErrAlreadyApproved):
		return domainError(http.StatusConflict, "ALREADY_APPROVED", "Chapter is already approved", nil)
	case errors.Is(err, workflow.ErrNotInReview):
		return domainError(http.StatusConflict, "NOT_IN_REVIEW", "Workflow is not in review", nil)
	case errors.Is(err, workflow.ErrNotAwaitingDecision):
		return domainError(http.StatusConflict, "NOT_AWAITING_DECISION", "No submission is awaiting a decision", nil)
	case errors.Is(err, workflow.ErrStaleDecision):
		return domainError(http.StatusConflict, "STALE_DECISION", "Stage changed since the decision was prepared", nil)
	case errors.Is(err, workflow.ErrUnknownStage):
		return domainError(http.StatusConflict, "STALE_DECISION", "Current stage is no longer part of the chapter plan", nil)
	case errors.Is(err, workflow.ErrInvalidPlan), errors.Is(err, workflow.ErrInvalidAction):
		return validationError(err.Error())
	case errors.Is(err, store.ErrUnknownRole):
		return validationError("Unknown role for this organization")
	case errors.Is(err, outline.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Outline node not found", nil)
	case errors.Is(err, outline.ErrDuplicate):
		return domainError(http.StatusConflict, "DUPLICATE_NODE", "A node with this title already exists here", nil)
	case errors.Is(err, outline.ErrInvalidKind), errors.Is(err, outline.ErrEmptyTitle):
		return validationError(err.Error())
	case errors.Is(err, archive.ErrInvalidAssetID):
		return validationError("assetId is not valid")
	case errors.Is(err, archive.ErrNotPublished):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Chapter has no approved snapshot", nil)
	case errors.Is(err, sql.ErrNoRows):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return err
}
