package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"inkwell/api/internal/ai"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/export"
	"inkwell/api/internal/gitrepo"
	"inkwell/api/internal/project"
	"inkwell/api/internal/store"
	"inkwell/api/internal/tree"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
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

var (
	errUnauthorized = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	errForbidden    = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
)

// mapError turns package sentinels into the HTTP error envelope. Anything
// unrecognised is a 500 whose cause stays in the log.
func mapError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var providerErr *ai.ProviderError
	outcome := map[string]any{"outcome": project.OutcomeOf(err)}

	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrMissingToken):
		return errUnauthorized
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusConflict, "EMAIL_TAKEN", "Email already registered", nil)
	case errors.Is(err, authpw.ErrInvalidInput):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)

	case errors.Is(err, tree.ErrNotFound):
		return domainError(http.StatusNotFound, "ELEMENT_NOT_FOUND", err.Error(), outcome)
	case errors.Is(err, tree.ErrTypeMismatch):
		return domainError(http.StatusConflict, "TYPE_MISMATCH", err.Error(), outcome)
	case errors.Is(err, tree.ErrDuplicateID):
		return domainError(http.StatusConflict, "DUPLICATE_ID", err.Error(), outcome)
	case errors.Is(err, tree.ErrInvalidElement):
		return domainError(http.StatusUnprocessableEntity, "INVALID_ELEMENT", err.Error(), outcome)

	case errors.Is(err, project.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case errors.Is(err, project.ErrEntityNotFound):
		return domainError(http.StatusNotFound, "ENTITY_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, project.ErrInvalidReference):
		return domainError(http.StatusUnprocessableEntity, "INVALID_REFERENCE", err.Error(), nil)
	case errors.Is(err, project.ErrInvalidInput):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)

	case errors.Is(err, gitrepo.ErrNoChanges):
		return domainError(http.StatusConflict, "NO_CHANGES", "Nothing changed since the last version", nil)
	case errors.Is(err, gitrepo.ErrUnknownCommit):
		return domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", nil)
	case errors.Is(err, gitrepo.ErrInvalidTag):
		return domainError(http.StatusUnprocessableEntity, "INVALID_VERSION_NAME", err.Error(), nil)
	case errors.Is(err, gitrepo.ErrNoHistory):
		return domainError(http.StatusNotFound, "NO_HISTORY", "Project has no saved versions", nil)

	case errors.Is(err, export.ErrUnsupportedFormat):
		return domainError(http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Format must be html, markdown, pdf or docx", nil)
	case errors.Is(err, export.ErrContentUnavailable):
		return domainError(http.StatusNotFound, "EXPORT_CONTENT_UNAVAILABLE", "Manuscript content is unavailable", nil)
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil)

	case errors.Is(err, ai.ErrDisabled):
		return domainError(http.StatusServiceUnavailable, "AI_DISABLED", "AI features are not configured", nil)
	case errors.Is(err, ai.ErrUnavailable):
		return domainError(http.StatusServiceUnavailable, "AI_UNAVAILABLE", "AI provider is temporarily unavailable", nil)
	case errors.Is(err, ai.ErrEmptyInput), errors.Is(err, ai.ErrInputTooBig):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case errors.As(err, &providerErr):
		return domainError(http.StatusBadGateway, "AI_PROVIDER_ERROR", "AI provider rejected the request", map[string]any{"status": providerErr.Status})

	case errors.Is(err, context.DeadlineExceeded):
		return domainError(http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil)
	}
	return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Internal server error", nil)
}
