package app

import (
	"errors"
	"fmt"
	"net/http"

	"crportal/api/internal/apperr"
	"crportal/api/internal/auth"
	"crportal/api/internal/export"
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

const serverErrorMessage = "Something went wrong. Please try again."

// mapError translates service errors into the HTTP error envelope. Anything
// unrecognised is a 500; the caller logs the cause.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if verr, ok := apperr.AsValidation(err); ok {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Please correct the highlighted fields", verr.Fields
	}
	switch {
	case errors.Is(err, apperr.ErrDuplicateUser):
		return http.StatusConflict, "DUPLICATE_USER", "An account with this email already exists", nil
	case errors.Is(err, apperr.ErrDuplicateCRCode):
		return http.StatusConflict, "DUPLICATE_CR_CODE", "CR Code already exists", nil
	case errors.Is(err, apperr.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, apperr.ErrNoSession),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unsupported export format", map[string]string{"format": "Use csv, xlsx or pdf"}
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", serverErrorMessage, nil
}
