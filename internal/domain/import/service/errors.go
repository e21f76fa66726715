package service

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies why an import failed.
type Code string

const (
	CodeInvalidFileType  Code = "INVALID_FILE_TYPE"
	CodeFileTooLarge     Code = "FILE_TOO_LARGE"
	CodeEmptyFile        Code = "EMPTY_FILE"
	CodeNoTransactions   Code = "NO_TRANSACTIONS"
	CodeExtractionFailed Code = "EXTRACTION_FAILED"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// HTTPStatus maps a code to the status returned to clients.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidFileType:
		return http.StatusUnsupportedMediaType
	case CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeEmptyFile:
		return http.StatusBadRequest
	case CodeNoTransactions, CodeExtractionFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ErrSessionNotFound is returned by Commit for unknown, expired or foreign
// session ids.
var ErrSessionNotFound = errors.New("import session not found")

// ImportError is the user-facing failure of Process.
type ImportError struct {
	Code        Code
	Message     string
	Recoverable bool
	Cause       error
}

func (e *ImportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ImportError) Unwrap() error {
	return e.Cause
}

// Every import failure is recoverable: the pipeline holds no state between
// calls, so retrying with the same or another file is always safe.
func newImportError(code Code, message string, cause error) *ImportError {
	return &ImportError{Code: code, Message: message, Recoverable: true, Cause: cause}
}

// AsImportError returns the ImportError in err's chain, if any.
func AsImportError(err error) (*ImportError, bool) {
	var ie *ImportError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
