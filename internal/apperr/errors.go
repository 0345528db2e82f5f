// Package apperr carries errors that already know their HTTP classification.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
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

func New(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func BadRequest(code, message string, details any) *DomainError {
	return New(http.StatusBadRequest, code, message, details)
}

func NotFound(code, message string) *DomainError {
	return New(http.StatusNotFound, code, message, nil)
}

func Conflict(code, message string) *DomainError {
	return New(http.StatusConflict, code, message, nil)
}

// HasCode reports whether err wraps a DomainError with the given code.
func HasCode(err error, code string) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == code
}
