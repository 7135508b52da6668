package app

import (
	"fmt"
	"net/http"

	"neighborly/api/internal/claim"
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

// validationError carries a field -> message map as details.
func validationError(details map[string]string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", details)
}

func invalidField(field, message string) *DomainError {
	return validationError(map[string]string{field: message})
}

func unauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
}

func forbidden(message string) *DomainError {
	if message == "" {
		message = "Forbidden"
	}
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func notFound(message string) *DomainError {
	if message == "" {
		message = "Not found"
	}
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func conflict(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}

func unavailable(message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, "UNAVAILABLE", message, nil)
}

// resultError turns a rejected arbitration into the matching DomainError.
// It returns nil for OK results.
func resultError(res claim.Result) error {
	switch res.Outcome {
	case claim.OK:
		return nil
	case claim.NotFound:
		return notFound("Request not found")
	case claim.Forbidden:
		return forbidden(res.Reason)
	case claim.Invalid:
		return invalidField("nextStatus", "must be one of: accepted in_progress")
	case claim.Conflict:
		if res.Reason == claim.ReasonAlreadyClaimed {
			return domainError(http.StatusConflict, "ALREADY_CLAIMED", res.Reason, nil)
		}
		return conflict(res.Reason)
	default:
		return fmt.Errorf("unknown claim outcome %q", res.Outcome)
	}
}
